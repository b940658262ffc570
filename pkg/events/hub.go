package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentarium/vigil/pkg/models"
)

const (
	// subscriberBuffer is the per-subscription channel capacity.
	subscriberBuffer = 64

	// laggingGrace is how long a subscription's buffer may stay full
	// before the subscriber counts as lagging.
	laggingGrace = time.Second

	// laggingDropAfter is how long a subscriber may lag before the hub
	// drops it.
	laggingDropAfter = 10 * time.Second
)

// wildcardKey indexes subscriptions that receive every agent's events.
const wildcardKey = "*"

// Hub is the in-process pub/sub fabric between the chain watcher, the
// evaluator, and the broadcast layer. Publishing never blocks; slow
// subscribers are skipped, then dropped once they lag too long.
type Hub struct {
	mu sync.Mutex
	// subscriptions by agent address (wildcardKey for subscribe-all).
	subs map[string]map[string]*Subscription
	// last timestamp handed out per agent; enforces strictly
	// increasing per-agent event timestamps.
	lastStamp map[string]time.Time
	closed    bool

	now func() time.Time
}

// Subscription is a single subscriber's handle. Events arrive on
// Events(); Close releases the subscription.
type Subscription struct {
	id    string
	agent string // wildcardKey for subscribe-all
	ch    chan Event
	hub   *Hub

	// fullSince is the start of the current run of failed deliveries;
	// zero while the subscriber keeps up. Guarded by hub.mu.
	fullSince time.Time

	closeOnce sync.Once
}

// Events returns the subscriber's receive channel. The hub closes it
// when the subscription ends.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Close releases the subscription and closes its channel.
func (s *Subscription) Close() {
	s.hub.remove(s)
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		subs:      make(map[string]map[string]*Subscription),
		lastStamp: make(map[string]time.Time),
		now:       time.Now,
	}
}

// Subscribe registers for a single agent's events.
func (h *Hub) Subscribe(agentAddress string) *Subscription {
	return h.add(models.NormalizeAddress(agentAddress))
}

// SubscribeAll registers for every agent's events.
func (h *Hub) SubscribeAll() *Subscription {
	return h.add(wildcardKey)
}

func (h *Hub) add(key string) *Subscription {
	sub := &Subscription{
		id:    uuid.New().String(),
		agent: key,
		ch:    make(chan Event, subscriberBuffer),
		hub:   h,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		// Closed hubs hand out a pre-closed subscription so callers
		// still get a well-formed handle.
		sub.closeOnce.Do(func() { close(sub.ch) })
		return sub
	}
	if h.subs[key] == nil {
		h.subs[key] = make(map[string]*Subscription)
	}
	h.subs[key][sub.id] = sub
	return sub
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	if set, ok := h.subs[sub.agent]; ok {
		delete(set, sub.id)
		if len(set) == 0 {
			delete(h.subs, sub.agent)
		}
	}
	h.mu.Unlock()

	sub.closeOnce.Do(func() { close(sub.ch) })
}

// Publish delivers the event to the agent's subscribers and every
// wildcard subscriber. Never blocks: full buffers skip delivery, and
// subscribers that stay full past the lagging window are dropped.
func (h *Hub) Publish(ev Event) {
	ev.AgentAddress = models.NormalizeAddress(ev.AgentAddress)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}

	now := h.now()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now
	}
	// Per-agent timestamps are strictly increasing; bump stalled or
	// regressed clocks by a nanosecond past the previous event.
	if last, ok := h.lastStamp[ev.AgentAddress]; ok && !ev.Timestamp.After(last) {
		ev.Timestamp = last.Add(time.Nanosecond)
	}
	h.lastStamp[ev.AgentAddress] = ev.Timestamp

	h.deliver(h.subs[ev.AgentAddress], ev, now)
	h.deliver(h.subs[wildcardKey], ev, now)
}

// deliver fans the event out to one subscription set. Caller holds h.mu.
func (h *Hub) deliver(set map[string]*Subscription, ev Event, now time.Time) {
	for _, sub := range set {
		select {
		case sub.ch <- ev:
			sub.fullSince = time.Time{}
		default:
			if sub.fullSince.IsZero() {
				sub.fullSince = now
				continue
			}
			stalled := now.Sub(sub.fullSince)
			if stalled >= laggingDropAfter {
				h.drop(sub, stalled)
			} else if stalled >= laggingGrace {
				slog.Debug("Event subscriber lagging",
					"subscription_id", sub.id, "agent", sub.agent, "stalled", stalled)
			}
		}
	}
}

// drop removes a subscriber that lagged past the drop window, pushing
// a final error event if its buffer has room. Caller holds h.mu.
func (h *Hub) drop(sub *Subscription, stalled time.Duration) {
	slog.Warn("Dropping lagging event subscriber",
		"subscription_id", sub.id, "agent", sub.agent, "stalled", stalled)

	if set, ok := h.subs[sub.agent]; ok {
		delete(set, sub.id)
		if len(set) == 0 {
			delete(h.subs, sub.agent)
		}
	}

	select {
	case sub.ch <- Event{
		Type:      EventTypeError,
		Data:      ErrorPayload{Message: ErrSubscriberLagging.Error()},
		Timestamp: h.now(),
	}:
	default:
	}
	sub.closeOnce.Do(func() { close(sub.ch) })
}

// SubscriberCount returns the number of active subscriptions across
// all agents and wildcards.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	count := 0
	for _, set := range h.subs {
		count += len(set)
	}
	return count
}

// Close drops every subscription and rejects further publishes.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	var all []*Subscription
	for _, set := range h.subs {
		for _, sub := range set {
			all = append(all, sub)
		}
	}
	h.subs = make(map[string]map[string]*Subscription)
	h.mu.Unlock()

	for _, sub := range all {
		sub.closeOnce.Do(func() { close(sub.ch) })
	}
}

package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/agentarium/vigil/pkg/models"
)

const (
	// outboundQueueSize bounds each session's outbound frame queue.
	// Overflow closes the session rather than stall the dispatcher.
	outboundQueueSize = 256

	// pingInterval is the keepalive cadence.
	pingInterval = 30 * time.Second

	// idleTimeout closes sessions with no client activity (messages or
	// pong replies).
	idleTimeout = 90 * time.Second
)

// SessionManager owns all WebSocket dashboard sessions. One goroutine
// pumps the hub's wildcard feed and fans frames out to the sessions
// subscribed to each event's agent. Each Go process has one
// SessionManager instance.
type SessionManager struct {
	hub *Hub

	// Active sessions: session_id → *Session
	sessions map[string]*Session
	mu       sync.RWMutex

	// Write timeout for WebSocket sends
	writeTimeout time.Duration

	feed     *Subscription
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Session represents a single WebSocket client: its subscribed agent
// set, its bounded outbound queue, and its activity clock.
type Session struct {
	ID   string
	conn *websocket.Conn

	// subscriptions holds normalized agent addresses. Guarded by subMu:
	// the read loop mutates it while the dispatcher filters on it.
	subMu         sync.RWMutex
	subscriptions map[string]bool

	outbound chan []byte

	activityMu   sync.Mutex
	lastActivity time.Time

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (s *Session) subscribedTo(agentAddress string) bool {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	return s.subscriptions[agentAddress]
}

func (s *Session) subscribe(agentAddress string) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.subscriptions[agentAddress] = true
}

func (s *Session) unsubscribe(agentAddress string) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	delete(s.subscriptions, agentAddress)
}

func (s *Session) touch() {
	s.activityMu.Lock()
	s.lastActivity = time.Now()
	s.activityMu.Unlock()
}

func (s *Session) lastSeen() time.Time {
	s.activityMu.Lock()
	defer s.activityMu.Unlock()
	return s.lastActivity
}

// NewSessionManager creates a SessionManager wired to the hub's
// wildcard feed and starts its dispatch loop.
func NewSessionManager(hub *Hub, writeTimeout time.Duration) *SessionManager {
	m := &SessionManager{
		hub:          hub,
		sessions:     make(map[string]*Session),
		writeTimeout: writeTimeout,
		feed:         hub.SubscribeAll(),
		stopCh:       make(chan struct{}),
	}

	m.wg.Add(1)
	go m.pump()
	return m
}

// pump drains the hub feed and fans each event out to subscribed
// sessions.
func (m *SessionManager) pump() {
	defer m.wg.Done()
	for {
		select {
		case ev, ok := <-m.feed.Events():
			if !ok {
				return
			}
			m.dispatch(ev)
		case <-m.stopCh:
			return
		}
	}
}

// dispatch serializes the event once and enqueues it for every session
// subscribed to its agent. A full outbound queue closes that session
// with close reason "lagging".
func (m *SessionManager) dispatch(ev Event) {
	frame, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("Failed to marshal broadcast event", "type", ev.Type, "error", err)
		return
	}

	// Snapshot session pointers, then enqueue without holding the lock.
	m.mu.RLock()
	targets := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s.subscribedTo(ev.AgentAddress) {
			targets = append(targets, s)
		}
	}
	m.mu.RUnlock()

	for _, s := range targets {
		m.enqueue(s, frame)
	}
}

// HandleSession manages the lifecycle of a single WebSocket session.
// Called by the WebSocket HTTP handler after upgrade. Blocks until the
// session closes.
func (m *SessionManager) HandleSession(parentCtx context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(parentCtx)
	s := &Session{
		ID:            uuid.New().String(),
		conn:          conn,
		subscriptions: make(map[string]bool),
		outbound:      make(chan []byte, outboundQueueSize),
		lastActivity:  time.Now(),
		ctx:           ctx,
		cancel:        cancel,
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	defer m.closeSession(s, websocket.StatusNormalClosure, "")

	m.wg.Add(1)
	go m.writeLoop(s)

	// Welcome status frame
	m.enqueueJSON(s, Event{
		Type:      EventTypeStatusChange,
		Data:      map[string]string{"session_id": s.ID, "state": "connected"},
		Timestamp: time.Now(),
	})

	// Read loop — process client messages until the session closes
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			// Connection closed or error — exit read loop
			return
		}
		s.touch()

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Invalid WebSocket message",
				"session_id", s.ID, "error", err)
			m.enqueueJSON(s, Event{
				Type:      EventTypeError,
				Data:      ErrorPayload{Message: "invalid message"},
				Timestamp: time.Now(),
			})
			continue
		}

		m.handleClientMessage(s, &msg)
	}
}

// handleClientMessage dispatches a client control message.
func (m *SessionManager) handleClientMessage(s *Session, msg *ClientMessage) {
	switch msg.Action {
	case "subscribe":
		if err := models.ValidateAddress(msg.AgentAddress); err != nil {
			m.enqueueJSON(s, Event{
				Type:      EventTypeError,
				Data:      ErrorPayload{Message: "invalid agentAddress for subscribe"},
				Timestamp: time.Now(),
			})
			return
		}
		s.subscribe(models.NormalizeAddress(msg.AgentAddress))

	case "unsubscribe":
		if msg.AgentAddress == "" {
			return
		}
		s.unsubscribe(models.NormalizeAddress(msg.AgentAddress))

	case "ping":
		m.enqueue(s, []byte(`{"type":"pong"}`))

	default:
		m.enqueueJSON(s, Event{
			Type:      EventTypeError,
			Data:      ErrorPayload{Message: "unknown action"},
			Timestamp: time.Now(),
		})
	}
}

// writeLoop is the session's single writer: it drains the outbound
// queue, sends keepalive pings, and enforces the idle timeout.
func (m *SessionManager) writeLoop(s *Session) {
	defer m.wg.Done()

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case frame := <-s.outbound:
			writeCtx, cancel := context.WithTimeout(s.ctx, m.writeTimeout)
			err := s.conn.Write(writeCtx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				m.closeSession(s, websocket.StatusNormalClosure, "")
				return
			}

		case <-pingTicker.C:
			if time.Since(s.lastSeen()) > idleTimeout {
				m.closeSession(s, websocket.StatusGoingAway, "idle")
				return
			}
			pingCtx, cancel := context.WithTimeout(s.ctx, m.writeTimeout)
			if err := s.conn.Ping(pingCtx); err == nil {
				s.touch()
			}
			cancel()

		case <-s.ctx.Done():
			return
		}
	}
}

// enqueue adds a frame to the session's outbound queue. Overflow means
// the client cannot keep up; the session is closed as lagging.
func (m *SessionManager) enqueue(s *Session, frame []byte) {
	select {
	case s.outbound <- frame:
	default:
		slog.Warn("Session outbound queue full, closing",
			"session_id", s.ID, "capacity", outboundQueueSize)
		m.closeSession(s, websocket.StatusPolicyViolation, "lagging")
	}
}

func (m *SessionManager) enqueueJSON(s *Session, v any) {
	frame, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to marshal WebSocket message",
			"session_id", s.ID, "error", err)
		return
	}
	m.enqueue(s, frame)
}

// closeSession removes the session and closes its connection. Safe to
// call multiple times; the first caller's status code wins.
func (m *SessionManager) closeSession(s *Session, code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		m.mu.Lock()
		delete(m.sessions, s.ID)
		m.mu.Unlock()

		s.cancel()
		_ = s.conn.Close(code, reason)
	})
}

// ActiveSessions returns the count of active WebSocket sessions.
func (m *SessionManager) ActiveSessions() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// subscriberCount returns how many sessions are subscribed to the agent.
// Unexported — used by tests to poll instead of sleeping.
func (m *SessionManager) subscriberCount(agentAddress string) int {
	addr := models.NormalizeAddress(agentAddress)
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, s := range m.sessions {
		if s.subscribedTo(addr) {
			count++
		}
	}
	return count
}

// Stop closes the hub feed and every session, then waits for the
// manager's goroutines to drain.
func (m *SessionManager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.feed.Close()

		m.mu.RLock()
		open := make([]*Session, 0, len(m.sessions))
		for _, s := range m.sessions {
			open = append(open, s)
		}
		m.mu.RUnlock()

		for _, s := range open {
			m.closeSession(s, websocket.StatusGoingAway, "server shutdown")
		}
	})
	m.wg.Wait()
}

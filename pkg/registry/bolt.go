package registry

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/agentarium/vigil/pkg/models"
)

// recordTTL is the sliding retention window. Every write refreshes it.
const recordTTL = 30 * 24 * time.Hour

var (
	bucketDeployments = []byte("deployments")
	bucketSequences   = []byte("sequence_index")
)

// BoltStore implements Store over a bbolt file. Handles are stored
// JSON-encoded in the deployments bucket; the sequence_index bucket
// maps sequence ID to owning agent address to enforce uniqueness.
type BoltStore struct {
	db  *bolt.DB
	now func() time.Time
}

// NewBoltStore opens (or creates) the registry database at path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening registry at %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketDeployments, bucketSequences} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("creating bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &BoltStore{db: db, now: time.Now}, nil
}

// Close closes the backing database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Put creates or replaces the handle for handle.AgentAddress.
func (s *BoltStore) Put(handle models.DeploymentHandle) error {
	addr := models.NormalizeAddress(handle.AgentAddress)
	handle.AgentAddress = addr
	handle.Owner = models.NormalizeAddress(handle.Owner)

	now := s.now()
	if handle.CreatedAt.IsZero() {
		handle.CreatedAt = now
	}
	handle.UpdatedAt = now

	return s.db.Update(func(tx *bolt.Tx) error {
		seqs := tx.Bucket(bucketSequences)
		seqKey := sequenceKey(handle.SequenceID)

		if bound := seqs.Get(seqKey); bound != nil && string(bound) != addr {
			return fmt.Errorf("%w: sequence %d belongs to %s", ErrConflict, handle.SequenceID, bound)
		}

		deployments := tx.Bucket(bucketDeployments)

		// Replacing an existing handle may rebind the sequence ID;
		// drop the old index entry first.
		if prev := deployments.Get([]byte(addr)); prev != nil {
			var old models.DeploymentHandle
			if err := json.Unmarshal(prev, &old); err == nil && old.SequenceID != handle.SequenceID {
				if err := seqs.Delete(sequenceKey(old.SequenceID)); err != nil {
					return err
				}
			}
		}

		data, err := json.Marshal(handle)
		if err != nil {
			return err
		}
		if err := deployments.Put([]byte(addr), data); err != nil {
			return err
		}
		return seqs.Put(seqKey, []byte(addr))
	})
}

// Get returns the live handle for the agent address.
func (s *BoltStore) Get(agentAddress string) (models.DeploymentHandle, error) {
	addr := models.NormalizeAddress(agentAddress)

	var handle models.DeploymentHandle
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDeployments).Get([]byte(addr))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &handle)
	})
	if err != nil {
		return models.DeploymentHandle{}, err
	}
	if s.expired(handle) {
		return models.DeploymentHandle{}, ErrNotFound
	}
	return handle, nil
}

// GetBySequenceID returns the live handle bound to the sequence ID.
func (s *BoltStore) GetBySequenceID(sequenceID uint64) (models.DeploymentHandle, error) {
	var addr string
	err := s.db.View(func(tx *bolt.Tx) error {
		bound := tx.Bucket(bucketSequences).Get(sequenceKey(sequenceID))
		if bound == nil {
			return ErrNotFound
		}
		addr = string(bound)
		return nil
	})
	if err != nil {
		return models.DeploymentHandle{}, err
	}
	return s.Get(addr)
}

// Update applies patch atomically and refreshes the TTL.
func (s *BoltStore) Update(agentAddress string, patch func(*models.DeploymentHandle)) (models.DeploymentHandle, error) {
	addr := models.NormalizeAddress(agentAddress)

	var handle models.DeploymentHandle
	err := s.db.Update(func(tx *bolt.Tx) error {
		deployments := tx.Bucket(bucketDeployments)
		data := deployments.Get([]byte(addr))
		if data == nil {
			return ErrNotFound
		}
		if err := json.Unmarshal(data, &handle); err != nil {
			return err
		}
		if s.expired(handle) {
			return ErrNotFound
		}

		oldSeq := handle.SequenceID
		patch(&handle)
		handle.AgentAddress = addr
		handle.UpdatedAt = s.now()

		seqs := tx.Bucket(bucketSequences)
		if handle.SequenceID != oldSeq {
			if bound := seqs.Get(sequenceKey(handle.SequenceID)); bound != nil && string(bound) != addr {
				return fmt.Errorf("%w: sequence %d belongs to %s", ErrConflict, handle.SequenceID, bound)
			}
			if err := seqs.Delete(sequenceKey(oldSeq)); err != nil {
				return err
			}
			if err := seqs.Put(sequenceKey(handle.SequenceID), []byte(addr)); err != nil {
				return err
			}
		}

		updated, err := json.Marshal(handle)
		if err != nil {
			return err
		}
		return deployments.Put([]byte(addr), updated)
	})
	if err != nil {
		return models.DeploymentHandle{}, err
	}
	return handle, nil
}

// Delete removes the handle and its sequence binding.
func (s *BoltStore) Delete(agentAddress string) error {
	addr := models.NormalizeAddress(agentAddress)

	return s.db.Update(func(tx *bolt.Tx) error {
		deployments := tx.Bucket(bucketDeployments)
		data := deployments.Get([]byte(addr))
		if data == nil {
			return ErrNotFound
		}

		var handle models.DeploymentHandle
		if err := json.Unmarshal(data, &handle); err == nil {
			if err := tx.Bucket(bucketSequences).Delete(sequenceKey(handle.SequenceID)); err != nil {
				return err
			}
		}
		return deployments.Delete([]byte(addr))
	})
}

// List returns up to limit live handles; limit <= 0 returns all.
func (s *BoltStore) List(limit int) ([]models.DeploymentHandle, error) {
	var handles []models.DeploymentHandle
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeployments).ForEach(func(_, v []byte) error {
			if limit > 0 && len(handles) >= limit {
				return nil
			}
			var handle models.DeploymentHandle
			if err := json.Unmarshal(v, &handle); err != nil {
				return err
			}
			if !s.expired(handle) {
				handles = append(handles, handle)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return handles, nil
}

// Sweep removes expired records. Run periodically by the retention
// service.
func (s *BoltStore) Sweep() (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		deployments := tx.Bucket(bucketDeployments)
		seqs := tx.Bucket(bucketSequences)

		type victim struct {
			addr string
			seq  uint64
		}
		var victims []victim

		if err := deployments.ForEach(func(k, v []byte) error {
			var handle models.DeploymentHandle
			if err := json.Unmarshal(v, &handle); err != nil {
				// Undecodable records are dropped with their key; the
				// sequence index entry, if any, is unreachable anyway.
				victims = append(victims, victim{addr: string(k)})
				return nil
			}
			if s.expired(handle) {
				victims = append(victims, victim{addr: string(k), seq: handle.SequenceID})
			}
			return nil
		}); err != nil {
			return err
		}

		for _, v := range victims {
			if err := deployments.Delete([]byte(v.addr)); err != nil {
				return err
			}
			// Only drop the sequence binding if this record still owns
			// it; a rebound or corrupt record must not unbind others.
			if bound := seqs.Get(sequenceKey(v.seq)); string(bound) == v.addr {
				if err := seqs.Delete(sequenceKey(v.seq)); err != nil {
					return err
				}
			}
			removed++
		}
		return nil
	})
	return removed, err
}

func (s *BoltStore) expired(handle models.DeploymentHandle) bool {
	return s.now().Sub(handle.UpdatedAt) > recordTTL
}

func sequenceKey(sequenceID uint64) []byte {
	return []byte(strconv.FormatUint(sequenceID, 10))
}

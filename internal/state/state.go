package state

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/alexjbarnes/chatsync/internal/models"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/crypto/blake2b"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.chatsync/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var queuesBucket = []byte("queues")

// QueueSlot returns the storage key for the outbound queue of one
// (role, identity) pair. The identity token is hashed so raw tokens are
// not written to disk.
func QueueSlot(role models.Role, identity string) string {
	h := blake2b.Sum256([]byte(string(role) + ":" + identity))
	return "queue:" + hex.EncodeToString(h[:])
}

// State wraps a bbolt database holding the durable outbound queues.
type State struct {
	db *bolt.DB
}

// LoadAt opens a state database at the given path, creating it and its
// parent directory if they do not exist.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(queuesBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// LoadQueue returns the persisted items for a slot, or nil if the slot
// has never been written.
func (s *State) LoadQueue(slot string) ([]models.PendingMessage, error) {
	var items []models.PendingMessage

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(queuesBucket).Get([]byte(slot))
		if v == nil {
			return nil
		}

		return json.Unmarshal(v, &items)
	})
	if err != nil {
		return nil, fmt.Errorf("reading queue %s: %w", slot, err)
	}

	return items, nil
}

// SaveQueue replaces the persisted items for a slot. An empty list
// removes the slot.
func (s *State) SaveQueue(slot string, items []models.PendingMessage) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(queuesBucket)

		if len(items) == 0 {
			return b.Delete([]byte(slot))
		}

		data, err := json.Marshal(items)
		if err != nil {
			return err
		}

		return b.Put([]byte(slot), data)
	})
}

// ClearQueue removes a slot.
func (s *State) ClearQueue(slot string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(queuesBucket).Delete([]byte(slot))
	})
}

// QueueSlots returns every slot that currently holds items.
func (s *State) QueueSlots() ([]string, error) {
	var slots []string

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(queuesBucket).ForEach(func(k, _ []byte) error {
			slots = append(slots, string(k))
			return nil
		})
	})

	return slots, err
}

package store

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/vinayprograms/mcpbus/mcp"
)

var messagesBucket = []byte("messages")

// BoltConfig configures the bbolt backend.
type BoltConfig struct {
	// Path is the database file.
	Path string

	// OpenTimeout bounds waiting for the file lock.
	// Default: 5 seconds
	OpenTimeout time.Duration

	// NoSync skips fsync after each commit. Faster, loses durability.
	NoSync bool
}

// DefaultBoltConfig returns configuration with sensible defaults.
func DefaultBoltConfig() BoltConfig {
	return BoltConfig{
		Path:        "data/messages.db",
		OpenTimeout: 5 * time.Second,
	}
}

// BoltStore persists messages in a single bbolt file.
type BoltStore struct {
	db     *bolt.DB
	closed atomic.Bool
}

var _ Store = (*BoltStore)(nil)

// NewBoltStore opens (or creates) the database at cfg.Path.
func NewBoltStore(cfg BoltConfig) (*BoltStore, error) {
	if cfg.Path == "" {
		cfg.Path = DefaultBoltConfig().Path
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = DefaultBoltConfig().OpenTimeout
	}

	db, err := bolt.Open(cfg.Path, 0o600, &bolt.Options{Timeout: cfg.OpenTimeout, NoSync: cfg.NoSync})
	if err != nil {
		return nil, fmt.Errorf("open bolt %s: %w", cfg.Path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(messagesBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Save writes the message.
func (s *BoltStore) Save(_ context.Context, m *mcp.Message) error {
	if s.closed.Load() {
		return closedErr()
	}
	data, err := encodeRecord(&record{Message: m, SavedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(messagesBucket).Put([]byte(m.ID()), data)
	})
}

func (s *BoltStore) get(tx *bolt.Tx, id string) (*record, error) {
	data := tx.Bucket(messagesBucket).Get([]byte(id))
	if data == nil {
		return nil, notFound(id)
	}
	return decodeRecord(data)
}

// Load reads a message.
func (s *BoltStore) Load(_ context.Context, id string) (*mcp.Message, error) {
	if s.closed.Load() {
		return nil, closedErr()
	}
	var r *record
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		r, err = s.get(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return r.Message, nil
}

// Delete removes a message.
func (s *BoltStore) Delete(_ context.Context, id string) error {
	if s.closed.Load() {
		return closedErr()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(messagesBucket).Delete([]byte(id))
	})
}

// Query scans the bucket and returns matching messages.
func (s *BoltStore) Query(_ context.Context, f Filter) ([]*mcp.Message, error) {
	if s.closed.Load() {
		return nil, closedErr()
	}
	var records []*record
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(messagesBucket).ForEach(func(_, v []byte) error {
			r, err := decodeRecord(v)
			if err != nil {
				return err
			}
			records = append(records, r)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return collect(records, f), nil
}

// MarkProcessed rewrites the record with the processed flag set.
func (s *BoltStore) MarkProcessed(_ context.Context, id string) error {
	if s.closed.Load() {
		return closedErr()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		r, err := s.get(tx, id)
		if err != nil {
			return err
		}
		r.Processed = true
		data, err := encodeRecord(r)
		if err != nil {
			return err
		}
		return tx.Bucket(messagesBucket).Put([]byte(id), data)
	})
}

// Close closes the database file.
func (s *BoltStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

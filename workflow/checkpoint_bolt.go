package workflow

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	bolt "go.etcd.io/bbolt"
)

var checkpointsBucket = []byte("checkpoints")

// BoltCheckpointsConfig configures the bbolt checkpoint store.
type BoltCheckpointsConfig struct {
	// Path is the database file.
	// Default: "data/checkpoints.db"
	Path string

	// OpenTimeout bounds waiting for the file lock.
	// Default: 5 seconds
	OpenTimeout time.Duration
}

// DefaultBoltCheckpointsConfig returns configuration with sensible defaults.
func DefaultBoltCheckpointsConfig() BoltCheckpointsConfig {
	return BoltCheckpointsConfig{
		Path:        "data/checkpoints.db",
		OpenTimeout: 5 * time.Second,
	}
}

// BoltCheckpoints stores checkpoints in a bbolt file, one nested bucket per
// workflow keyed by label.
type BoltCheckpoints struct {
	db     *bolt.DB
	closed atomic.Bool
}

var _ CheckpointStore = (*BoltCheckpoints)(nil)

// NewBoltCheckpoints opens (or creates) the checkpoint database.
func NewBoltCheckpoints(cfg BoltCheckpointsConfig) (*BoltCheckpoints, error) {
	def := DefaultBoltCheckpointsConfig()
	if cfg.Path == "" {
		cfg.Path = def.Path
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}
	db, err := bolt.Open(cfg.Path, 0o600, &bolt.Options{Timeout: cfg.OpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("open bolt %s: %w", cfg.Path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(checkpointsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}
	return &BoltCheckpoints{db: db}, nil
}

func (s *BoltCheckpoints) check() error {
	if s.closed.Load() {
		return fmt.Errorf("checkpoint store closed")
	}
	return nil
}

// Save writes the checkpoint under its workflow bucket.
func (s *BoltCheckpoints) Save(_ context.Context, cp *Checkpoint) error {
	if err := s.check(); err != nil {
		return err
	}
	data, err := encodeCheckpoint(cp)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		wb, err := tx.Bucket(checkpointsBucket).CreateBucketIfNotExists([]byte(cp.WorkflowID))
		if err != nil {
			return err
		}
		return wb.Put([]byte(cp.Label), data)
	})
}

// Load reads one checkpoint.
func (s *BoltCheckpoints) Load(_ context.Context, workflowID, label string) (*Checkpoint, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	var cp *Checkpoint
	err := s.db.View(func(tx *bolt.Tx) error {
		wb := tx.Bucket(checkpointsBucket).Bucket([]byte(workflowID))
		if wb == nil {
			return checkpointNotFound(workflowID, label)
		}
		data := wb.Get([]byte(label))
		if data == nil {
			return checkpointNotFound(workflowID, label)
		}
		var err error
		cp, err = decodeCheckpoint(data)
		return err
	})
	if err != nil {
		return nil, err
	}
	return cp, nil
}

// List reads every checkpoint of the workflow.
func (s *BoltCheckpoints) List(_ context.Context, workflowID string) ([]*Checkpoint, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	var out []*Checkpoint
	err := s.db.View(func(tx *bolt.Tx) error {
		wb := tx.Bucket(checkpointsBucket).Bucket([]byte(workflowID))
		if wb == nil {
			return nil
		}
		return wb.ForEach(func(_, v []byte) error {
			cp, err := decodeCheckpoint(v)
			if err != nil {
				return err
			}
			out = append(out, cp)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortCheckpoints(out)
	return out, nil
}

// Delete drops the workflow bucket.
func (s *BoltCheckpoints) Delete(_ context.Context, workflowID string) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(checkpointsBucket)
		if root.Bucket([]byte(workflowID)) == nil {
			return nil
		}
		return root.DeleteBucket([]byte(workflowID))
	})
}

// Close closes the database file.
func (s *BoltCheckpoints) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

package workflow

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSCheckpointsConfig configures the JetStream KV checkpoint store.
type NATSCheckpointsConfig struct {
	// Conn is the NATS connection to use.
	Conn *nats.Conn

	// Bucket is the KV bucket name.
	// Default: "mcp-checkpoints"
	Bucket string

	// History is the number of revisions to keep per checkpoint.
	// Default: 1
	History int

	// Timeout bounds each KV call.
	// Default: 5 seconds
	Timeout time.Duration
}

// DefaultNATSCheckpointsConfig returns configuration with sensible defaults.
func DefaultNATSCheckpointsConfig() NATSCheckpointsConfig {
	return NATSCheckpointsConfig{
		Bucket:  "mcp-checkpoints",
		History: 1,
		Timeout: 5 * time.Second,
	}
}

// NATSCheckpoints stores checkpoints in a JetStream key-value bucket under
// keys "<workflow_id>.<label>". Labels are base64url encoded so any label
// forms a valid key.
type NATSCheckpoints struct {
	kv      jetstream.KeyValue
	timeout time.Duration
	closed  atomic.Bool
}

var _ CheckpointStore = (*NATSCheckpoints)(nil)

// NewNATSCheckpoints creates or binds the KV bucket.
func NewNATSCheckpoints(cfg NATSCheckpointsConfig) (*NATSCheckpoints, error) {
	if cfg.Conn == nil {
		return nil, fmt.Errorf("nats connection required")
	}
	def := DefaultNATSCheckpointsConfig()
	if cfg.Bucket == "" {
		cfg.Bucket = def.Bucket
	}
	if cfg.History <= 0 {
		cfg.History = def.History
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}

	js, err := jetstream.New(cfg.Conn)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  cfg.Bucket,
		History: uint8(cfg.History),
	})
	if err != nil {
		return nil, fmt.Errorf("create kv bucket: %w", err)
	}
	return &NATSCheckpoints{kv: kv, timeout: cfg.Timeout}, nil
}

func checkpointKey(workflowID, label string) string {
	return workflowID + "." + base64.RawURLEncoding.EncodeToString([]byte(label))
}

func (s *NATSCheckpoints) check() error {
	if s.closed.Load() {
		return fmt.Errorf("checkpoint store closed")
	}
	return nil
}

// Save writes the checkpoint.
func (s *NATSCheckpoints) Save(ctx context.Context, cp *Checkpoint) error {
	if err := s.check(); err != nil {
		return err
	}
	data, err := encodeCheckpoint(cp)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := s.kv.Put(ctx, checkpointKey(cp.WorkflowID, cp.Label), data); err != nil {
		return fmt.Errorf("kv put: %w", err)
	}
	return nil
}

// Load reads one checkpoint.
func (s *NATSCheckpoints) Load(ctx context.Context, workflowID, label string) (*Checkpoint, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.get(ctx, checkpointKey(workflowID, label), workflowID, label)
}

func (s *NATSCheckpoints) get(ctx context.Context, key, workflowID, label string) (*Checkpoint, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	entry, err := s.kv.Get(ctx, key)
	if err != nil {
		if err == jetstream.ErrKeyNotFound {
			return nil, checkpointNotFound(workflowID, label)
		}
		return nil, fmt.Errorf("kv get: %w", err)
	}
	return decodeCheckpoint(entry.Value())
}

// keys lists the keys belonging to workflowID.
func (s *NATSCheckpoints) keys(ctx context.Context, workflowID string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	lister, err := s.kv.ListKeys(ctx, jetstream.MetaOnly())
	if err != nil {
		return nil, fmt.Errorf("kv list keys: %w", err)
	}
	prefix := workflowID + "."
	var keys []string
	for key := range lister.Keys() {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// List reads every checkpoint of the workflow.
func (s *NATSCheckpoints) List(ctx context.Context, workflowID string) ([]*Checkpoint, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	keys, err := s.keys(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	out := make([]*Checkpoint, 0, len(keys))
	for _, key := range keys {
		cp, err := s.get(ctx, key, workflowID, key)
		if err != nil {
			continue
		}
		out = append(out, cp)
	}
	sortCheckpoints(out)
	return out, nil
}

// Delete removes every checkpoint of the workflow.
func (s *NATSCheckpoints) Delete(ctx context.Context, workflowID string) error {
	if err := s.check(); err != nil {
		return err
	}
	keys, err := s.keys(ctx, workflowID)
	if err != nil {
		return err
	}
	for _, key := range keys {
		dctx, cancel := context.WithTimeout(ctx, s.timeout)
		err := s.kv.Delete(dctx, key)
		cancel()
		if err != nil && err != jetstream.ErrKeyNotFound {
			return fmt.Errorf("kv delete: %w", err)
		}
	}
	return nil
}

// Close marks the store closed; the caller owns the NATS connection.
func (s *NATSCheckpoints) Close() error {
	s.closed.Store(true)
	return nil
}

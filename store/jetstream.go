package store

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/vinayprograms/mcpbus/mcp"
)

// JetStreamConfig configures the NATS KV backend.
type JetStreamConfig struct {
	// Conn is the NATS connection to use.
	Conn *nats.Conn

	// Bucket is the KV bucket name.
	// Default: "mcp-messages"
	Bucket string

	// TTL expires records automatically (0 = keep forever).
	TTL time.Duration

	// Timeout bounds each KV call.
	// Default: 5 seconds
	Timeout time.Duration
}

// DefaultJetStreamConfig returns configuration with sensible defaults.
func DefaultJetStreamConfig() JetStreamConfig {
	return JetStreamConfig{
		Bucket:  "mcp-messages",
		Timeout: 5 * time.Second,
	}
}

// JetStreamStore persists messages in a JetStream key-value bucket.
type JetStreamStore struct {
	kv      jetstream.KeyValue
	timeout time.Duration
}

var _ Store = (*JetStreamStore)(nil)

// NewJetStreamStore creates or binds the KV bucket.
func NewJetStreamStore(cfg JetStreamConfig) (*JetStreamStore, error) {
	if cfg.Conn == nil {
		return nil, fmt.Errorf("nats connection required")
	}
	if cfg.Bucket == "" {
		cfg.Bucket = DefaultJetStreamConfig().Bucket
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultJetStreamConfig().Timeout
	}

	js, err := jetstream.New(cfg.Conn)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  cfg.Bucket,
		TTL:     cfg.TTL,
		History: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("create kv bucket: %w", err)
	}
	return &JetStreamStore{kv: kv, timeout: cfg.Timeout}, nil
}

func (s *JetStreamStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func (s *JetStreamStore) put(ctx context.Context, r *record) error {
	data, err := encodeRecord(r)
	if err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.kv.Put(ctx, r.Message.ID(), data); err != nil {
		return fmt.Errorf("kv put: %w", err)
	}
	return nil
}

func (s *JetStreamStore) get(ctx context.Context, id string) (*record, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	entry, err := s.kv.Get(ctx, id)
	if err != nil {
		if err == jetstream.ErrKeyNotFound {
			return nil, notFound(id)
		}
		return nil, fmt.Errorf("kv get: %w", err)
	}
	return decodeRecord(entry.Value())
}

// Save writes the message.
func (s *JetStreamStore) Save(ctx context.Context, m *mcp.Message) error {
	return s.put(ctx, &record{Message: m, SavedAt: time.Now().UTC()})
}

// Load reads a message.
func (s *JetStreamStore) Load(ctx context.Context, id string) (*mcp.Message, error) {
	r, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.Message, nil
}

// Delete removes a message.
func (s *JetStreamStore) Delete(ctx context.Context, id string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.kv.Delete(ctx, id); err != nil && err != jetstream.ErrKeyNotFound {
		return fmt.Errorf("kv delete: %w", err)
	}
	return nil
}

// Query lists every key and filters client side.
func (s *JetStreamStore) Query(ctx context.Context, f Filter) ([]*mcp.Message, error) {
	lctx, cancel := s.withTimeout(ctx)
	defer cancel()
	lister, err := s.kv.ListKeys(lctx)
	if err != nil {
		return nil, fmt.Errorf("kv list keys: %w", err)
	}
	var ids []string
	for key := range lister.Keys() {
		ids = append(ids, key)
	}

	records := make([]*record, 0, len(ids))
	for _, id := range ids {
		r, err := s.get(ctx, id)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, err
		}
		records = append(records, r)
	}
	return collect(records, f), nil
}

// MarkProcessed rewrites the record with the processed flag set.
func (s *JetStreamStore) MarkProcessed(ctx context.Context, id string) error {
	r, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	r.Processed = true
	return s.put(ctx, r)
}

// Close is a no-op; the caller owns the NATS connection.
func (s *JetStreamStore) Close() error {
	return nil
}

package store

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vinayprograms/mcpbus/mcp"
)

// RedisConfig configures the Redis backend.
type RedisConfig struct {
	// Client is the Redis client to use.
	Client redis.UniversalClient

	// Prefix namespaces all keys.
	// Default: "mcp"
	Prefix string
}

// RedisStore keeps each record as a string key and indexes IDs in a sorted
// set scored by message timestamp.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("redis client required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "mcp"
	}
	return &RedisStore{client: cfg.Client, prefix: cfg.Prefix}, nil
}

func (s *RedisStore) key(id string) string { return s.prefix + ":msg:" + id }
func (s *RedisStore) index() string       { return s.prefix + ":msgs" }

func (s *RedisStore) put(ctx context.Context, r *record) error {
	data, err := encodeRecord(r)
	if err != nil {
		return err
	}
	id := r.Message.ID()
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(id), data, 0)
		pipe.ZAdd(ctx, s.index(), redis.Z{
			Score:  float64(r.Message.Header.Timestamp.UnixNano()),
			Member: id,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis save %s: %w", id, err)
	}
	return nil
}

func (s *RedisStore) get(ctx context.Context, id string) (*record, error) {
	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if err != nil {
		if stderrors.Is(err, redis.Nil) {
			return nil, notFound(id)
		}
		return nil, fmt.Errorf("redis load %s: %w", id, err)
	}
	return decodeRecord(data)
}

// Save writes the message.
func (s *RedisStore) Save(ctx context.Context, m *mcp.Message) error {
	return s.put(ctx, &record{Message: m, SavedAt: time.Now().UTC()})
}

// Load reads a message.
func (s *RedisStore) Load(ctx context.Context, id string) (*mcp.Message, error) {
	r, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.Message, nil
}

// Delete removes the record and its index entry.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key(id))
		pipe.ZRem(ctx, s.index(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete %s: %w", id, err)
	}
	return nil
}

// Query walks the index oldest first and filters client side.
func (s *RedisStore) Query(ctx context.Context, f Filter) ([]*mcp.Message, error) {
	ids, err := s.client.ZRange(ctx, s.index(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis index: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.key(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}

	records := make([]*record, 0, len(values))
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			continue // deleted between ZRANGE and MGET
		}
		r, err := decodeRecord([]byte(str))
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return collect(records, f), nil
}

// MarkProcessed rewrites the record with the processed flag set.
func (s *RedisStore) MarkProcessed(ctx context.Context, id string) error {
	r, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	r.Processed = true
	return s.put(ctx, r)
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

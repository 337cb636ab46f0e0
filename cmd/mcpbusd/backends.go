package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/vinayprograms/mcpbus/bus"
	"github.com/vinayprograms/mcpbus/config"
	"github.com/vinayprograms/mcpbus/store"
	"github.com/vinayprograms/mcpbus/workflow"
)

// conns shares NATS and Redis connections between the store, the
// checkpoint store and the mirrors. Close releases all of them.
type conns struct {
	mu    sync.Mutex
	nats  map[string]*nats.Conn
	redis map[string]*redis.Client
}

func newConns() *conns {
	return &conns{
		nats:  make(map[string]*nats.Conn),
		redis: make(map[string]*redis.Client),
	}
}

func (c *conns) natsConn(url string) (*nats.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if nc, ok := c.nats[url]; ok {
		return nc, nil
	}
	ncfg := bus.DefaultNATSConfig()
	ncfg.URL = url
	ncfg.Name = "mcpbusd"
	nc, err := bus.NATSConnect(ncfg)
	if err != nil {
		return nil, err
	}
	c.nats[url] = nc
	return nc, nil
}

func (c *conns) redisClient(ctx context.Context, addr string) (*redis.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rc, ok := c.redis[addr]; ok {
		return rc, nil
	}
	rc := redis.NewClient(&redis.Options{Addr: addr})
	if err := rc.Ping(ctx).Err(); err != nil {
		rc.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	c.redis[addr] = rc
	return rc, nil
}

func (c *conns) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for _, nc := range c.nats {
		if err := nc.Drain(); err != nil && !stderrors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, err)
		}
	}
	for _, rc := range c.redis {
		if err := rc.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	c.nats = map[string]*nats.Conn{}
	c.redis = map[string]*redis.Client{}
	return stderrors.Join(errs...)
}

func ensureDir(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// openStore opens the message store selected by [store] backend.
func openStore(ctx context.Context, cfg *config.Config, c *conns) (store.Store, error) {
	sc := cfg.Store
	switch sc.Backend {
	case config.BackendMemory:
		return store.NewMemoryStore(), nil
	case config.BackendBolt:
		if err := ensureDir(sc.Path); err != nil {
			return nil, err
		}
		bc := store.DefaultBoltConfig()
		bc.Path = sc.Path
		return store.NewBoltStore(bc)
	case config.BackendPostgres:
		return store.OpenPostgres(ctx, sc.DSN)
	case config.BackendRedis:
		rc, err := c.redisClient(ctx, sc.RedisAddr)
		if err != nil {
			return nil, err
		}
		return store.NewRedisStore(store.RedisConfig{Client: rc, Prefix: sc.Bucket})
	case config.BackendJetStream:
		nc, err := c.natsConn(sc.NATSURL)
		if err != nil {
			return nil, err
		}
		jc := store.DefaultJetStreamConfig()
		jc.Conn = nc
		jc.Bucket = sc.Bucket
		return store.NewJetStreamStore(jc)
	default:
		return nil, fmt.Errorf("%w: unknown store backend %q", config.ErrInvalidConfig, sc.Backend)
	}
}

// openCheckpoints opens the checkpoint store selected by [workflow]
// checkpoints. JetStream reuses the store's NATS server when it has one.
func openCheckpoints(cfg *config.Config, c *conns) (workflow.CheckpointStore, error) {
	wc := cfg.Workflow
	switch wc.Checkpoints {
	case config.BackendMemory:
		return workflow.NewMemoryCheckpoints(), nil
	case config.BackendBolt:
		if err := ensureDir(wc.CheckpointPath); err != nil {
			return nil, err
		}
		bc := workflow.DefaultBoltCheckpointsConfig()
		bc.Path = wc.CheckpointPath
		return workflow.NewBoltCheckpoints(bc)
	case config.BackendJetStream:
		url := cfg.Store.NATSURL
		if url == "" {
			url = cfg.Mirror.NATSURL
		}
		nc, err := c.natsConn(url)
		if err != nil {
			return nil, err
		}
		jc := workflow.DefaultNATSCheckpointsConfig()
		jc.Conn = nc
		return workflow.NewNATSCheckpoints(jc)
	default:
		return nil, fmt.Errorf("%w: unknown checkpoint store %q", config.ErrInvalidConfig, wc.Checkpoints)
	}
}

// openMirrors returns the mirrors enabled in [mirror]. The connections stay
// owned by c.
func openMirrors(ctx context.Context, cfg *config.Config, c *conns) ([]bus.Mirror, error) {
	mc := cfg.Mirror
	var mirrors []bus.Mirror
	if mc.NATSURL != "" {
		nc, err := c.natsConn(mc.NATSURL)
		if err != nil {
			return nil, err
		}
		natsCfg := bus.DefaultNATSConfig()
		natsCfg.SubjectPrefix = mc.SubjectPrefix
		mirrors = append(mirrors, bus.NewNATSMirrorFromConn(nc, natsCfg))
	}
	if mc.RedisAddr != "" {
		rc, err := c.redisClient(ctx, mc.RedisAddr)
		if err != nil {
			return nil, err
		}
		rm, err := bus.NewRedisMirror(bus.RedisMirrorConfig{
			Client:       rc,
			Stream:       mc.RedisStream,
			MaxLenApprox: mc.RedisMaxLen,
		})
		if err != nil {
			return nil, err
		}
		mirrors = append(mirrors, rm)
	}
	return mirrors, nil
}

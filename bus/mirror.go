package bus

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/vinayprograms/mcpbus/mcp"
)

// Mirror receives a copy of every admitted message, for observers outside
// the process. Mirrors never feed messages back into the bus and their
// failures never affect delivery.
type Mirror interface {
	Mirror(ctx context.Context, m *mcp.Message) error
	Close() error
}

// subjectToken makes s safe as one NATS subject token.
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}

// --- NATS ---

// NATSConfig holds NATS connection configuration.
type NATSConfig struct {
	// URL is the NATS server URL (e.g., "nats://localhost:4222").
	URL string `toml:"url" env:"URL"`

	// Name is the client name for identification.
	Name string `toml:"name" env:"NAME"`

	// Token for token-based auth.
	Token string `toml:"token" env:"TOKEN"`

	// User and Password for basic auth.
	User     string `toml:"user" env:"USER"`
	Password string `toml:"password" env:"PASSWORD"`

	// SubjectPrefix prefixes every mirrored subject.
	// Default: "mcp"
	SubjectPrefix string `toml:"subject_prefix" env:"SUBJECT_PREFIX"`

	// ReconnectWait is the time to wait between reconnection attempts.
	ReconnectWait time.Duration `toml:"reconnect_wait" env:"RECONNECT_WAIT"`

	// MaxReconnects is the maximum number of reconnection attempts.
	// -1 = unlimited
	MaxReconnects int `toml:"max_reconnects" env:"MAX_RECONNECTS"`

	// ConnectTimeout for initial connection.
	ConnectTimeout time.Duration `toml:"connect_timeout" env:"CONNECT_TIMEOUT"`
}

// DefaultNATSConfig returns configuration with sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:            nats.DefaultURL,
		SubjectPrefix:  "mcp",
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1, // Unlimited
		ConnectTimeout: 5 * time.Second,
	}
}

// buildNATSOptions constructs NATS connection options from config.
func buildNATSOptions(cfg NATSConfig) []nats.Option {
	opts := []nats.Option{
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
	}

	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}

	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}

	return opts
}

// NATSConnect dials NATS with cfg.
func NATSConnect(cfg NATSConfig) (*nats.Conn, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	conn, err := nats.Connect(cfg.URL, buildNATSOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return conn, nil
}

// NATSMirror publishes every admitted message as JSON on
// <prefix>.<message_type>.<target>.
type NATSMirror struct {
	conn   *nats.Conn
	prefix string
	owned  bool
}

// NewNATSMirror connects to NATS and returns a mirror that owns the
// connection.
func NewNATSMirror(cfg NATSConfig) (*NATSMirror, error) {
	conn, err := NATSConnect(cfg)
	if err != nil {
		return nil, err
	}
	m := NewNATSMirrorFromConn(conn, cfg)
	m.owned = true
	return m, nil
}

// NewNATSMirrorFromConn creates a mirror on an existing connection. Close
// does not close conn.
func NewNATSMirrorFromConn(conn *nats.Conn, cfg NATSConfig) *NATSMirror {
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = DefaultNATSConfig().SubjectPrefix
	}
	return &NATSMirror{conn: conn, prefix: prefix}
}

// Subject returns the subject m is mirrored on.
func (n *NATSMirror) Subject(m *mcp.Message) string {
	return n.prefix + "." + subjectToken(string(m.Type())) + "." + subjectToken(m.Header.Target)
}

// Mirror publishes m.
func (n *NATSMirror) Mirror(_ context.Context, m *mcp.Message) error {
	if n.conn.IsClosed() {
		return fmt.Errorf("nats mirror: %w", nats.ErrConnectionClosed)
	}
	data, err := mcp.Encode(m)
	if err != nil {
		return err
	}
	if err := n.conn.Publish(n.Subject(m), data); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}

// Conn returns the underlying NATS connection.
func (n *NATSMirror) Conn() *nats.Conn {
	return n.conn
}

// Close drains the connection if the mirror owns it.
func (n *NATSMirror) Close() error {
	if !n.owned {
		return nil
	}
	return n.conn.Drain()
}

// --- Redis Streams ---

// RedisMirrorConfig configures a RedisMirror.
type RedisMirrorConfig struct {
	// Client is the Redis client. Required.
	Client redis.UniversalClient

	// Stream is the stream key messages are appended to.
	// Default: "mcp:stream"
	Stream string

	// MaxLenApprox trims the stream approximately to this length.
	// 0 disables trimming.
	MaxLenApprox int64
}

// RedisMirror appends every admitted message to a Redis stream.
type RedisMirror struct {
	client redis.UniversalClient
	stream string
	maxLen int64
}

// NewRedisMirror creates a Redis stream mirror.
func NewRedisMirror(cfg RedisMirrorConfig) (*RedisMirror, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("redis mirror: client required")
	}
	if cfg.Stream == "" {
		cfg.Stream = "mcp:stream"
	}
	return &RedisMirror{client: cfg.Client, stream: cfg.Stream, maxLen: cfg.MaxLenApprox}, nil
}

// Mirror appends m with its routing fields flattened next to the payload.
func (r *RedisMirror) Mirror(ctx context.Context, m *mcp.Message) error {
	data, err := mcp.Encode(m)
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{
		Stream: r.stream,
		ID:     "*",
		Values: map[string]any{
			"message_id":   m.ID(),
			"message_type": string(m.Type()),
			"source":       m.Header.Source,
			"target":       m.Header.Target,
			"payload":      data,
		},
	}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}
	if err := r.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis xadd: %w", err)
	}
	return nil
}

// Close is a no-op; the client belongs to the caller.
func (r *RedisMirror) Close() error { return nil }

package heartbeat

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/mcpbus/logging"
	"github.com/vinayprograms/mcpbus/mcp"
)

// BusSender publishes HEARTBEAT messages on the bus.
type BusSender struct {
	bus      Publisher
	agentID  string
	target   string
	interval time.Duration
	version  string
	log      *logging.Logger

	mu       sync.RWMutex
	status   string
	load     float64
	metadata map[string]string
	started  time.Time

	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewBusSender creates a new heartbeat sender.
func NewBusSender(cfg SenderConfig) (*BusSender, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	def := DefaultSenderConfig()

	interval := cfg.Interval
	if interval <= 0 {
		interval = def.Interval
	}
	status := cfg.InitialStatus
	if status == "" {
		status = def.InitialStatus
	}
	target := cfg.Target
	if target == "" {
		target = def.Target
	}
	log := cfg.Logger
	if log == nil {
		log = logging.New()
	}

	return &BusSender{
		bus:      cfg.Bus,
		agentID:  cfg.AgentID,
		target:   target,
		interval: interval,
		version:  cfg.Version,
		log:      log.WithComponent("heartbeat"),
		status:   status,
		metadata: make(map[string]string),
	}, nil
}

// Start begins sending heartbeats at the configured interval. The first one
// is sent immediately.
func (s *BusSender) Start(ctx context.Context) error {
	if s.running.Swap(true) {
		return ErrAlreadyStarted
	}
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	s.started = time.Now()
	s.mu.Unlock()
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	go s.run(ctx)
	return nil
}

func (s *BusSender) run(ctx context.Context) {
	defer close(s.doneCh)

	s.send(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.running.Store(false)
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.send(ctx)
		}
	}
}

func (s *BusSender) send(ctx context.Context) {
	m, err := s.build()
	if err == nil {
		_, err = s.bus.Publish(ctx, m)
	}
	if err != nil && ctx.Err() == nil {
		s.log.Warn("heartbeat failed", map[string]interface{}{
			"agent_id": s.agentID,
			"error":    err.Error(),
		})
	}
}

// build creates a heartbeat message with the current state.
func (s *BusSender) build() (*mcp.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, err := mcp.NewHeartbeat(s.agentID, s.target, s.status, s.load, time.Since(s.started))
	if err != nil {
		return nil, err
	}
	hb, _ := m.Heartbeat()
	hb.Version = s.version
	for k, v := range s.metadata {
		m.SetMeta(k, v)
	}
	return m, nil
}

// SetStatus updates the status included in heartbeats.
func (s *BusSender) SetStatus(status string) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// SetLoad updates the load metric, clamped to [0, 1].
func (s *BusSender) SetLoad(load float64) {
	s.mu.Lock()
	if load < 0 {
		load = 0
	}
	if load > 1 {
		load = 1
	}
	s.load = load
	s.mu.Unlock()
}

// SetMetadata updates a metadata field.
func (s *BusSender) SetMetadata(key, value string) {
	s.mu.Lock()
	s.metadata[key] = value
	s.mu.Unlock()
}

// Stop stops sending heartbeats.
func (s *BusSender) Stop() error {
	if !s.running.Swap(false) {
		return ErrNotStarted
	}
	close(s.stopCh)
	<-s.doneCh
	return nil
}

// AgentID returns the sender's agent ID.
func (s *BusSender) AgentID() string {
	return s.agentID
}

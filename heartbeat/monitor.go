package heartbeat

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/mcpbus/bus"
	"github.com/vinayprograms/mcpbus/logging"
	"github.com/vinayprograms/mcpbus/mcp"
)

// BusMonitor tracks HEARTBEAT messages of every agent on the bus. Agents
// silent for longer than the timeout are marked offline and an
// agent_offline EVENT is published on the system topic. A heartbeat from an
// offline agent brings it back online with an agent_online EVENT.
type BusMonitor struct {
	bus           Bus
	timeout       time.Duration
	checkInterval time.Duration
	log           *logging.Logger
	nowFunc       func() time.Time

	mu         sync.RWMutex
	agents     map[string]*AgentStatus
	offlineCBs []func(string)

	running atomic.Bool
	sub     *bus.Subscription
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewBusMonitor creates a new heartbeat monitor.
func NewBusMonitor(cfg MonitorConfig) (*BusMonitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultMonitorConfig().Timeout
	}
	checkInterval := cfg.CheckInterval
	if checkInterval <= 0 {
		checkInterval = DefaultMonitorConfig().CheckInterval
	}
	log := cfg.Logger
	if log == nil {
		log = logging.New()
	}

	return &BusMonitor{
		bus:           cfg.Bus,
		timeout:       timeout,
		checkInterval: checkInterval,
		log:           log.WithComponent("heartbeat"),
		nowFunc:       time.Now,
		agents:        make(map[string]*AgentStatus),
	}, nil
}

// Start subscribes to heartbeats and starts the offline checker.
func (m *BusMonitor) Start(ctx context.Context) error {
	if m.running.Swap(true) {
		return ErrAlreadyStarted
	}
	sub, err := m.bus.SubscribeType(mcp.TypeHeartbeat, m.receive)
	if err != nil {
		m.running.Store(false)
		return fmt.Errorf("subscribing to heartbeats: %w", err)
	}
	m.sub = sub
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})

	go m.run(ctx)
	return nil
}

func (m *BusMonitor) run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.check(ctx)
		}
	}
}

// receive handles one HEARTBEAT message.
func (m *BusMonitor) receive(ctx context.Context, msg *mcp.Message) error {
	hb, ok := msg.Heartbeat()
	if !ok {
		return nil
	}
	agentID := hb.AgentID
	if agentID == "" {
		agentID = msg.Header.Source
	}

	m.mu.Lock()
	st, known := m.agents[agentID]
	if !known {
		st = &AgentStatus{AgentID: agentID}
		m.agents[agentID] = st
	}
	wasOffline := known && !st.Online
	st.Status = hb.Status
	st.Load = hb.Load
	st.Version = hb.Version
	st.UptimeSeconds = hb.UptimeSeconds
	st.LastHeartbeat = m.nowFunc()
	st.Online = true
	st.Metadata = stringMeta(msg.Metadata)
	m.mu.Unlock()

	if !known {
		m.log.Info("agent registered", map[string]interface{}{"agent_id": agentID})
	}
	if wasOffline {
		m.log.Info("agent back online", map[string]interface{}{"agent_id": agentID})
		m.announce(ctx, EventAgentOnline, agentID, nil)
	}
	return nil
}

func stringMeta(meta map[string]any) map[string]string {
	var out map[string]string
	for k, v := range meta {
		s, ok := v.(string)
		if !ok {
			continue
		}
		if out == nil {
			out = make(map[string]string)
		}
		out[k] = s
	}
	return out
}

// check marks agents silent past the timeout as offline.
func (m *BusMonitor) check(ctx context.Context) {
	now := m.nowFunc()
	var offline []string
	var silent []time.Duration

	m.mu.Lock()
	for id, st := range m.agents {
		if st.Online && now.Sub(st.LastHeartbeat) > m.timeout {
			st.Online = false
			st.Status = StatusOffline
			offline = append(offline, id)
			silent = append(silent, now.Sub(st.LastHeartbeat))
		}
	}
	callbacks := make([]func(string), len(m.offlineCBs))
	copy(callbacks, m.offlineCBs)
	m.mu.Unlock()

	for i, id := range offline {
		m.log.Warn("agent offline", map[string]interface{}{
			"agent_id":  id,
			"silent_ms": silent[i].Milliseconds(),
		})
		m.announce(ctx, EventAgentOffline, id, map[string]any{
			"silent_seconds": silent[i].Seconds(),
		})
		for _, cb := range callbacks {
			cb(id)
		}
	}
}

// announce publishes a liveness EVENT on the system topic.
func (m *BusMonitor) announce(ctx context.Context, eventType, agentID string, data map[string]any) {
	if data == nil {
		data = make(map[string]any)
	}
	data["agent_id"] = agentID
	ev, err := mcp.NewEvent(MonitorID, SystemTopic, eventType, data, mcp.WithPriority(mcp.PriorityHigh))
	if err == nil {
		_, err = m.bus.Publish(ctx, ev)
	}
	if err != nil && ctx.Err() == nil {
		m.log.Warn("liveness event failed", map[string]interface{}{
			"agent_id": agentID,
			"event":    eventType,
			"error":    err.Error(),
		})
	}
}

// IsAlive reports whether the agent sent a heartbeat within the timeout.
func (m *BusMonitor) IsAlive(agentID string) bool {
	m.mu.RLock()
	st, ok := m.agents[agentID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	return st.Online && m.nowFunc().Sub(st.LastHeartbeat) <= m.timeout
}

// Agent returns the status of one agent.
func (m *BusMonitor) Agent(agentID string) (AgentStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.agents[agentID]
	if !ok {
		return AgentStatus{}, false
	}
	return copyStatus(st), true
}

// Agents returns every known agent ordered by ID.
func (m *BusMonitor) Agents() []AgentStatus {
	m.mu.RLock()
	out := make([]AgentStatus, 0, len(m.agents))
	for _, st := range m.agents {
		out = append(out, copyStatus(st))
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Online returns the number of agents currently online.
func (m *BusMonitor) Online() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, st := range m.agents {
		if st.Online {
			n++
		}
	}
	return n
}

func copyStatus(st *AgentStatus) AgentStatus {
	out := *st
	if st.Metadata != nil {
		out.Metadata = make(map[string]string, len(st.Metadata))
		for k, v := range st.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// OnOffline registers a callback for agents presumed dead. Callbacks run on
// the checker goroutine.
func (m *BusMonitor) OnOffline(callback func(agentID string)) {
	m.mu.Lock()
	m.offlineCBs = append(m.offlineCBs, callback)
	m.mu.Unlock()
}

// Stop stops monitoring.
func (m *BusMonitor) Stop() error {
	if !m.running.Swap(false) {
		return ErrNotStarted
	}
	if m.sub != nil {
		m.sub.Unsubscribe()
	}
	close(m.stopCh)
	<-m.doneCh
	return nil
}

package monitor

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vinayprograms/mcpbus/bus"
	"github.com/vinayprograms/mcpbus/errors"
	"github.com/vinayprograms/mcpbus/heartbeat"
	"github.com/vinayprograms/mcpbus/logging"
	"github.com/vinayprograms/mcpbus/mcp"
	"github.com/vinayprograms/mcpbus/workflow"
)

// ErrInvalidConfig indicates invalid configuration.
var ErrInvalidConfig = stderrors.New("invalid configuration")

// Config configures the monitor server.
type Config struct {
	// Addr is the listen address.
	// Default: ":8080"
	Addr string

	// WriteTimeout bounds each websocket write.
	// Default: 10 seconds
	WriteTimeout time.Duration

	// PingInterval for websocket keepalive pings (0 = disabled).
	// Default: 30 seconds
	PingInterval time.Duration

	// SendBuffer is the per-client queue length. Clients that fall this
	// far behind are disconnected.
	// Default: 64
	SendBuffer int

	// MaxMessageSize limits frames read from clients.
	// Default: 4KB
	MaxMessageSize int64
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr:           ":8080",
		WriteTimeout:   10 * time.Second,
		PingInterval:   30 * time.Second,
		SendBuffer:     64,
		MaxMessageSize: 4096,
	}
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithHeartbeats adds agent liveness to /agents and /metrics.
func WithHeartbeats(m *heartbeat.BusMonitor) Option {
	return func(s *Server) { s.heartbeats = m }
}

// Server exposes workflow status, bus metrics and a live message feed over
// HTTP. STATE_UPDATE and EVENT messages are pushed to every websocket
// client as they pass through the bus.
type Server struct {
	config     Config
	bus        *bus.Bus
	engine     *workflow.Engine
	heartbeats *heartbeat.BusMonitor
	log        *logging.Logger
	upgrader   websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	subs    []*bus.Subscription
	srv     *http.Server
	wg      sync.WaitGroup
}

// New creates a monitor over b and engine.
func New(cfg Config, b *bus.Bus, engine *workflow.Engine, opts ...Option) (*Server, error) {
	if b == nil || engine == nil {
		return nil, fmt.Errorf("%w: bus and workflow engine required", ErrInvalidConfig)
	}
	def := DefaultConfig()
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}

	s := &Server{
		config:  cfg,
		bus:     b,
		engine:  engine,
		log:     logging.New(),
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.WithComponent("monitor")
	return s, nil
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /workflows", s.listWorkflows)
	mux.HandleFunc("GET /workflows/{id}", s.getWorkflow)
	mux.HandleFunc("GET /metrics", s.metrics)
	mux.HandleFunc("GET /agents", s.agents)
	mux.HandleFunc("GET /ws", s.serveWS)
	return mux
}

// Attach subscribes the feed to the bus without serving HTTP.
func (s *Server) Attach() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.subs) > 0 {
		return nil
	}
	for _, t := range []mcp.MessageType{mcp.TypeStateUpdate, mcp.TypeEvent} {
		sub, err := s.bus.SubscribeType(t, s.broadcast)
		if err != nil {
			for _, prev := range s.subs {
				prev.Unsubscribe()
			}
			s.subs = nil
			return err
		}
		s.subs = append(s.subs, sub)
	}
	return nil
}

// Start attaches the feed and serves HTTP on the configured address.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Attach(); err != nil {
		return err
	}
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("monitor listen %s: %w", s.config.Addr, err)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := srv.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			s.log.Error("monitor server failed", map[string]interface{}{"error": err.Error()})
		}
	}()
	s.log.Info("monitor listening", map[string]interface{}{"addr": ln.Addr().String()})
	return nil
}

// Stop detaches from the bus, disconnects clients and shuts the HTTP
// server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	srv := s.srv
	s.srv = nil
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	for _, c := range clients {
		c.close()
	}
	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}
	s.wg.Wait()
	return err
}

// Clients returns the number of connected feed clients.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// broadcast is the bus handler for the feed. It never blocks on a client.
func (s *Server) broadcast(_ context.Context, m *mcp.Message) error {
	data, err := mcp.Encode(m)
	if err != nil {
		return err
	}
	workflowID := feedWorkflow(m)

	s.mu.Lock()
	var slow []*client
	for c := range s.clients {
		if !c.wants(workflowID) {
			continue
		}
		if !c.enqueue(data) {
			slow = append(slow, c)
		}
	}
	s.mu.Unlock()

	for _, c := range slow {
		s.log.Warn("dropping slow feed client", map[string]interface{}{"remote": c.remote})
		c.close()
	}
	return nil
}

// feedWorkflow returns the workflow a feed message concerns, if any.
func feedWorkflow(m *mcp.Message) string {
	if su, ok := m.StateUpdate(); ok && su.EntityType == workflow.EntityType {
		return su.EntityID
	}
	if ev, ok := m.Event(); ok {
		if id, ok := ev.Data["workflow_id"].(string); ok {
			return id
		}
	}
	return ""
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}
	c := newClient(conn, s.config, r.RemoteAddr, r.URL.Query().Get("workflow_id"))

	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	s.log.Debug("feed client connected", map[string]interface{}{"remote": c.remote})

	c.run()

	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	s.log.Debug("feed client disconnected", map[string]interface{}{"remote": c.remote})
}

func (s *Server) listWorkflows(w http.ResponseWriter, _ *http.Request) {
	views := s.engine.List()
	out := make([]map[string]any, len(views))
	for i, v := range views {
		out[i] = v.Map()
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": out})
}

func (s *Server) getWorkflow(w http.ResponseWriter, r *http.Request) {
	view, err := s.engine.Status(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view.Map())
}

// Snapshot is the /metrics document.
type Snapshot struct {
	Bus             bus.Metrics `json:"bus"`
	WorkflowsActive int         `json:"workflows_active"`
	AgentsOnline    int         `json:"agents_online"`
	FeedClients     int         `json:"feed_clients"`
}

// Snapshot collects bus, workflow and liveness counters.
func (s *Server) Snapshot() Snapshot {
	snap := Snapshot{
		Bus:             s.bus.Metrics(),
		WorkflowsActive: s.engine.Active(),
		FeedClients:     s.Clients(),
	}
	if s.heartbeats != nil {
		snap.AgentsOnline = s.heartbeats.Online()
	}
	return snap
}

func (s *Server) metrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Snapshot())
}

func (s *Server) agents(w http.ResponseWriter, _ *http.Request) {
	if s.heartbeats == nil {
		writeJSON(w, http.StatusOK, map[string]any{"agents": []heartbeat.AgentStatus{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": s.heartbeats.Agents()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps error codes onto HTTP statuses and writes the error's
// JSON form.
func writeError(w http.ResponseWriter, err error) {
	e, ok := errors.As(err)
	if !ok {
		e = errors.System(err.Error(), errors.WithCause(err))
	}
	status := http.StatusInternalServerError
	switch e.Code() {
	case errors.ErrCodeNotFound:
		status = http.StatusNotFound
	case errors.ErrCodeValidation:
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]any{"error": e})
}

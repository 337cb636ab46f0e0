package telemetry

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
)

// Audit sink protocols.
const (
	AuditNoop = "noop"
	AuditFile = "file"
	AuditHTTP = "http"
)

// AuditConfig selects where the bus audit trail is written.
type AuditConfig struct {
	// Protocol is "file", "http" or "noop".
	// Default: "noop"
	Protocol string `toml:"protocol" env:"PROTOCOL"`

	// Endpoint is the JSON-lines file for "file" or the collector URL for
	// "http".
	Endpoint string `toml:"endpoint" env:"ENDPOINT"`

	// BatchSize is how many records the HTTP sink posts at once.
	// Default: 100
	BatchSize int `toml:"batch_size" env:"BATCH_SIZE"`

	// FlushInterval posts a partial HTTP batch after this long.
	// Default: 5 seconds
	FlushInterval time.Duration `toml:"flush_interval" env:"FLUSH_INTERVAL"`
}

// Validate checks the protocol and that it has an endpoint.
func (c AuditConfig) Validate() error {
	switch c.Protocol {
	case "", AuditNoop:
		return nil
	case AuditFile, AuditHTTP:
		if c.Endpoint == "" {
			return fmt.Errorf("audit protocol %q needs an endpoint", c.Protocol)
		}
		return nil
	default:
		return fmt.Errorf("unknown audit protocol %q", c.Protocol)
	}
}

func (c *AuditConfig) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
}

// NewExporter opens the audit sink named by cfg.Protocol.
func NewExporter(cfg AuditConfig) (Exporter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	switch cfg.Protocol {
	case AuditFile:
		f, err := NewFileExporter(cfg.Endpoint)
		if err != nil {
			return nil, err
		}
		return f, nil
	case AuditHTTP:
		return NewHTTPExporter(cfg), nil
	default:
		return NewNoopExporter(), nil
	}
}

// record is one line of the audit trail. Exactly one of Message and Data is
// set.
type record struct {
	Kind      string                 `json:"kind"`
	Name      string                 `json:"name,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Message   *Message               `json:"message,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

func eventRecord(name string, data map[string]interface{}) record {
	return record{Kind: "event", Name: name, Timestamp: time.Now().UTC(), Data: data}
}

func messageRecord(msg Message) record {
	msg.Timestamp = time.Now().UTC()
	return record{Kind: "message", Timestamp: msg.Timestamp, Message: &msg}
}

// HTTPExporter posts audit records to a collector as JSON arrays. Records
// are batched; a background loop posts partial batches every
// FlushInterval. Failed posts are reported through otel.Handle and the
// batch is kept for the next attempt.
type HTTPExporter struct {
	endpoint  string
	batchSize int
	client    *http.Client

	mu      sync.Mutex
	pending []record

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// NewHTTPExporter starts an HTTP sink posting to cfg.Endpoint.
func NewHTTPExporter(cfg AuditConfig) *HTTPExporter {
	cfg.applyDefaults()
	e := &HTTPExporter{
		endpoint:  cfg.Endpoint,
		batchSize: cfg.BatchSize,
		client:    &http.Client{Timeout: 10 * time.Second},
		pending:   make([]record, 0, cfg.BatchSize),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go e.loop(cfg.FlushInterval)
	return e
}

func (e *HTTPExporter) loop(every time.Duration) {
	defer close(e.done)
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := e.Flush(); err != nil {
				otel.Handle(err)
			}
		case <-e.stop:
			return
		}
	}
}

func (e *HTTPExporter) LogEvent(name string, data map[string]interface{}) {
	e.add(eventRecord(name, data))
}

func (e *HTTPExporter) LogMessage(msg Message) {
	e.add(messageRecord(msg))
}

func (e *HTTPExporter) add(r record) {
	e.mu.Lock()
	e.pending = append(e.pending, r)
	full := len(e.pending) >= e.batchSize
	e.mu.Unlock()
	if full {
		if err := e.Flush(); err != nil {
			otel.Handle(err)
		}
	}
}

// Flush posts every pending record in one request.
func (e *HTTPExporter) Flush() error {
	e.mu.Lock()
	batch := e.pending
	e.pending = make([]record, 0, e.batchSize)
	e.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}
	if err := e.post(batch); err != nil {
		e.mu.Lock()
		e.pending = append(batch, e.pending...)
		e.mu.Unlock()
		return err
	}
	return nil
}

func (e *HTTPExporter) post(batch []record) error {
	body, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("encode audit batch: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("post audit batch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("audit collector returned %d", resp.StatusCode)
	}
	return nil
}

// Close stops the flush loop and posts what is left.
func (e *HTTPExporter) Close() error {
	e.once.Do(func() { close(e.stop) })
	<-e.done
	return e.Flush()
}

// FileExporter appends audit records to a JSON-lines file.
type FileExporter struct {
	mu   sync.Mutex
	file *os.File
	w    *bufio.Writer
	enc  *json.Encoder
}

// NewFileExporter opens path for appending.
func NewFileExporter(path string) (*FileExporter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit file: %w", err)
	}
	w := bufio.NewWriter(f)
	return &FileExporter{file: f, w: w, enc: json.NewEncoder(w)}, nil
}

func (e *FileExporter) LogEvent(name string, data map[string]interface{}) {
	e.write(eventRecord(name, data))
}

func (e *FileExporter) LogMessage(msg Message) {
	e.write(messageRecord(msg))
}

func (e *FileExporter) write(r record) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enc.Encode(r); err != nil {
		otel.Handle(fmt.Errorf("write audit record: %w", err))
	}
}

// Flush writes buffered records and syncs the file.
func (e *FileExporter) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.w.Flush(); err != nil {
		return err
	}
	return e.file.Sync()
}

func (e *FileExporter) Close() error {
	ferr := e.Flush()
	if err := e.file.Close(); err != nil {
		return err
	}
	return ferr
}

// NoopExporter discards the audit trail.
type NoopExporter struct{}

// NewNoopExporter returns a sink that drops everything.
func NewNoopExporter() *NoopExporter { return &NoopExporter{} }

func (NoopExporter) LogEvent(string, map[string]interface{}) {}
func (NoopExporter) LogMessage(Message)                      {}
func (NoopExporter) Flush() error                            { return nil }
func (NoopExporter) Close() error                            { return nil }

package monitor

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// filterFrame is the only frame clients send. An empty workflow_id
// removes the filter.
type filterFrame struct {
	WorkflowID string `json:"workflow_id"`
}

// client is one websocket feed connection. The reader applies filter
// frames; the writer drains the send queue and pings.
type client struct {
	conn   *websocket.Conn
	config Config
	remote string

	send chan []byte
	done chan struct{}

	mu     sync.Mutex
	filter string
	closed bool
}

func newClient(conn *websocket.Conn, cfg Config, remote, filter string) *client {
	conn.SetReadLimit(cfg.MaxMessageSize)
	return &client{
		conn:   conn,
		config: cfg,
		remote: remote,
		send:   make(chan []byte, cfg.SendBuffer),
		done:   make(chan struct{}),
		filter: filter,
	}
}

// wants reports whether a message about workflowID passes the filter.
// Messages that concern no workflow always pass.
func (c *client) wants(workflowID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.filter == "" || workflowID == "" || c.filter == workflowID
}

// enqueue queues data without blocking. It reports false when the queue
// is full.
func (c *client) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// run serves the connection until either side closes it.
func (c *client) run() {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop()
	}()
	c.readLoop()
	c.close()
	wg.Wait()
	c.conn.Close()
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
}

func (c *client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var f filterFrame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		c.mu.Lock()
		c.filter = f.WorkflowID
		c.mu.Unlock()
	}
}

func (c *client) writeLoop() {
	ping := c.pingTicker()
	defer ping.Stop()

	for {
		select {
		case <-c.done:
			c.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
			// Unblock the reader.
			c.conn.SetReadDeadline(time.Now())
			return
		case <-ping.C:
			c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second))
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close()
			}
		}
	}
}

func (c *client) pingTicker() *time.Ticker {
	if c.config.PingInterval > 0 {
		return time.NewTicker(c.config.PingInterval)
	}
	t := time.NewTicker(time.Hour)
	t.Stop()
	return t
}

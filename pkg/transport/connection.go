// Package transport provides the agent's two websocket links: the control
// connection to the AIVory backend and the V8 inspector connection to the
// debuggee.
package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aivorynet/debug-agent/pkg/breakpoint"
)

const (
	heartbeatInterval = 30 * time.Second
	maxReconnectDelay = 60 * time.Second
	messageQueueSize  = 100
)

// Debuggee describes the attached process to the backend.
type Debuggee struct {
	ID             string            `json:"id"`
	AgentVersion   string            `json:"agent_version"`
	Hostname       string            `json:"hostname"`
	Runtime        string            `json:"runtime"`
	RuntimeVersion string            `json:"runtime_version,omitempty"`
	Environment    string            `json:"environment"`
	Description    string            `json:"description,omitempty"`
	Uniquifier     string            `json:"uniquifier,omitempty"`
	Labels         map[string]string `json:"labels,omitempty"`
}

// CommandHandler receives breakpoint commands from the backend: "list" with
// the full set of active breakpoints, "set" and "remove" for one of them.
type CommandHandler func(ctx context.Context, command string, payload json.RawMessage) error

// Connection represents a WebSocket connection to the AIVory backend.
type Connection struct {
	url      string
	apiKey   string
	debuggee *Debuggee
	handler  CommandHandler
	logger   *zap.Logger

	conn          *websocket.Conn
	connected     bool
	authenticated bool
	mu            sync.RWMutex
	writeMu       sync.Mutex

	reconnectAttempts    int
	maxReconnectAttempts int
	reconnectDelay       time.Duration

	messageQueue chan []byte
	done         chan struct{}
	closeOnce    sync.Once
}

// Message represents a WebSocket message.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// NewConnection creates a new connection.
func NewConnection(url, apiKey string, debuggee *Debuggee, handler CommandHandler, logger *zap.Logger) *Connection {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connection{
		url:                  url,
		apiKey:               apiKey,
		debuggee:             debuggee,
		handler:              handler,
		logger:               logger.Named("transport"),
		maxReconnectAttempts: 10,
		reconnectDelay:       time.Second,
		messageQueue:         make(chan []byte, messageQueueSize),
		done:                 make(chan struct{}),
	}
}

// Connect establishes the WebSocket connection and serves it until ctx is
// done, Disconnect is called, or reconnect attempts are exhausted.
func (c *Connection) Connect(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return nil
		default:
		}

		err := c.connect(ctx)
		if err != nil {
			c.logger.Debug("Connection error", zap.Error(err))

			c.reconnectAttempts++
			if c.reconnectAttempts > c.reconnectLimit() {
				c.logger.Warn("Max reconnect attempts reached")
				return err
			}

			delay := c.reconnectDelay * time.Duration(1<<uint(c.reconnectAttempts-1))
			if delay > maxReconnectDelay {
				delay = maxReconnectDelay
			}

			c.logger.Debug("Reconnecting",
				zap.Duration("delay", delay),
				zap.Int("attempt", c.reconnectAttempts))

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			case <-c.done:
				return nil
			}
			continue
		}

		c.reconnectAttempts = 0
		c.runMessageLoop(ctx)
	}
}

// Disconnect closes the connection.
func (c *Connection) Disconnect() {
	c.closeOnce.Do(func() { close(c.done) })

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}

	c.connected = false
	c.authenticated = false
}

// ReportBreakpoint queues a breakpoint's final state for the backend. Reports
// made while disconnected are delivered after the next registration.
func (c *Connection) ReportBreakpoint(bp *breakpoint.Breakpoint) {
	c.send("breakpoint_update", bp)
}

// IsConnected returns true if connected and authenticated.
func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected && c.authenticated
}

func (c *Connection) connect(ctx context.Context) error {
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+c.apiKey)

	c.logger.Debug("Connecting", zap.String("url", c.url))

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, headers)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	c.logger.Debug("WebSocket connected")

	c.register()
	return nil
}

func (c *Connection) register() {
	payload := map[string]interface{}{
		"api_key":  c.apiKey,
		"debuggee": c.debuggee,
	}
	c.sendDirect("register", payload)
}

func (c *Connection) runMessageLoop(ctx context.Context) {
	heartbeatTicker := time.NewTicker(heartbeatInterval)
	defer heartbeatTicker.Stop()

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return
	}

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					c.logger.Debug("Read error", zap.Error(err))
				}
				return
			}
			c.handleMessage(ctx, message)
		}
	}()

	for {
		// Queued messages wait until the backend has accepted the
		// registration.
		var queue chan []byte
		if c.IsConnected() {
			queue = c.messageQueue
		}

		select {
		case <-ctx.Done():
			conn.Close()
			<-readDone
			return
		case <-c.done:
			<-readDone
			return
		case <-readDone:
			c.mu.Lock()
			c.connected = false
			c.authenticated = false
			c.mu.Unlock()
			return
		case <-heartbeatTicker.C:
			if c.IsConnected() {
				c.send("heartbeat", map[string]interface{}{
					"timestamp": time.Now().UnixMilli(),
				})
			}
		case msg := <-queue:
			c.writeMu.Lock()
			err := conn.WriteMessage(websocket.TextMessage, msg)
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Debug("Write error", zap.Error(err))
			}
		case <-time.After(time.Second):
			// Re-evaluate whether the queue may be drained.
		}
	}
}

func (c *Connection) handleMessage(ctx context.Context, data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Debug("Error parsing message", zap.Error(err))
		return
	}

	c.logger.Debug("Received", zap.String("type", msg.Type))

	switch msg.Type {
	case "registered":
		c.handleRegistered(msg.Payload)
	case "breakpoints":
		c.dispatch(ctx, "list", msg.Payload)
	case "breakpoint_set":
		c.dispatch(ctx, "set", msg.Payload)
	case "breakpoint_remove":
		c.dispatch(ctx, "remove", msg.Payload)
	case "error":
		c.handleError(msg.Payload)
	default:
		c.logger.Debug("Unhandled message type", zap.String("type", msg.Type))
	}
}

func (c *Connection) dispatch(ctx context.Context, command string, payload json.RawMessage) {
	if c.handler == nil {
		return
	}
	if err := c.handler(ctx, command, payload); err != nil {
		c.logger.Warn("Breakpoint command failed", zap.String("command", command), zap.Error(err))
	}
}

func (c *Connection) handleRegistered(payload json.RawMessage) {
	var reg struct {
		DebuggeeID string `json:"debuggee_id"`
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &reg); err != nil {
			c.logger.Debug("Error parsing registration", zap.Error(err))
		}
	}

	c.mu.Lock()
	c.authenticated = true
	if reg.DebuggeeID != "" && c.debuggee != nil {
		c.debuggee.ID = reg.DebuggeeID
	}
	c.mu.Unlock()

	c.logger.Info("Agent registered", zap.String("debuggee", reg.DebuggeeID))
}

func (c *Connection) handleError(payload json.RawMessage) {
	var backendErr struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(payload, &backendErr); err != nil {
		return
	}

	c.logger.Warn("Backend error",
		zap.String("code", backendErr.Code),
		zap.String("message", backendErr.Message))

	if backendErr.Code == "auth_error" || backendErr.Code == "invalid_api_key" {
		c.logger.Error("Authentication failed, disabling reconnect")
		c.mu.Lock()
		c.maxReconnectAttempts = 0
		c.mu.Unlock()
		c.Disconnect()
	}
}

func (c *Connection) reconnectLimit() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.maxReconnectAttempts
}

func (c *Connection) encode(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Message{
		Type:      msgType,
		Payload:   raw,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (c *Connection) send(msgType string, payload interface{}) {
	data, err := c.encode(msgType, payload)
	if err != nil {
		c.logger.Warn("Error marshaling message", zap.String("type", msgType), zap.Error(err))
		return
	}

	select {
	case c.messageQueue <- data:
	default:
		// Queue full, drop oldest
		select {
		case <-c.messageQueue:
		default:
		}
		select {
		case c.messageQueue <- data:
		default:
		}
	}
}

func (c *Connection) sendDirect(msgType string, payload interface{}) {
	data, err := c.encode(msgType, payload)
	if err != nil {
		return
	}

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn != nil {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			c.logger.Debug("Write error", zap.Error(err))
		}
	}
}

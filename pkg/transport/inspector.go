package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrClosed is returned by calls made after the inspector connection closed.
var ErrClosed = errors.New("inspector connection closed")

// Event is a notification pushed by the inspector.
type Event struct {
	Method string
	Params json.RawMessage
}

// ProtocolError is an error response to an inspector call.
type ProtocolError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

func (e *ProtocolError) Error() string {
	if e.Data != "" {
		return fmt.Sprintf("%s (%d): %s", e.Message, e.Code, e.Data)
	}
	return fmt.Sprintf("%s (%d)", e.Message, e.Code)
}

type inspectorRequest struct {
	ID        int64       `json:"id"`
	SessionID string      `json:"sessionId,omitempty"`
	Method    string      `json:"method"`
	Params    interface{} `json:"params,omitempty"`
}

type inspectorMessage struct {
	ID     int64           `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ProtocolError  `json:"error,omitempty"`
}

// InspectorClient speaks the V8 inspector JSON protocol over a websocket.
// It satisfies the go-rod proto.Client interface so typed requests from
// github.com/go-rod/rod/lib/proto can be sent through it.
//
// Responses are routed to their caller by id. Events are queued without
// bound and delivered in order on Events(), so a slow event consumer that
// issues calls of its own never blocks the reader.
type InspectorClient struct {
	logger  *zap.Logger
	conn    *websocket.Conn
	writeMu sync.Mutex
	nextID  atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan *inspectorMessage
	queue   []*Event
	err     error

	notify    chan struct{}
	events    chan *Event
	done      chan struct{}
	readDone  chan struct{}
	closeOnce sync.Once
}

// DialInspector connects to an inspector websocket URL such as
// ws://127.0.0.1:9229/<uuid>.
func DialInspector(ctx context.Context, url string, logger *zap.Logger) (*InspectorClient, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial inspector %s: %w", url, err)
	}

	c := &InspectorClient{
		logger:   logger.Named("inspector"),
		conn:     conn,
		pending:  make(map[int64]chan *inspectorMessage),
		notify:   make(chan struct{}, 1),
		events:   make(chan *Event),
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
	}
	go c.readLoop()
	go c.pumpEvents()

	c.logger.Debug("Inspector connected", zap.String("url", url))
	return c, nil
}

// Call sends method with params and waits for the response.
func (c *InspectorClient) Call(ctx context.Context, sessionID, method string, params interface{}) ([]byte, error) {
	id := c.nextID.Add(1)
	reply := make(chan *inspectorMessage, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	c.pending[id] = reply
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	data, err := json.Marshal(inspectorRequest{ID: id, SessionID: sessionID, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", method, err)
	}

	c.writeMu.Lock()
	err = c.conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case msg, ok := <-reply:
		if !ok {
			return nil, c.closedErr()
		}
		if msg.Error != nil {
			return nil, fmt.Errorf("%s: %w", method, msg.Error)
		}
		return msg.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, c.closedErr()
	}
}

// Events delivers inspector notifications in arrival order. The channel is
// closed once the connection is gone.
func (c *InspectorClient) Events() <-chan *Event {
	return c.events
}

// Done is closed when the connection ends.
func (c *InspectorClient) Done() <-chan struct{} {
	return c.done
}

// Close closes the connection and waits for the reader to stop. Pending
// calls fail with ErrClosed.
func (c *InspectorClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.fail(ErrClosed)
		err = c.conn.Close()
		<-c.readDone
	})
	return err
}

func (c *InspectorClient) readLoop() {
	defer close(c.readDone)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					c.logger.Debug("Inspector read error", zap.Error(err))
				}
			}
			c.fail(fmt.Errorf("%w: %v", ErrClosed, err))
			return
		}

		var msg inspectorMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("Error parsing inspector message", zap.Error(err))
			continue
		}

		if msg.Method != "" {
			c.mu.Lock()
			c.queue = append(c.queue, &Event{Method: msg.Method, Params: msg.Params})
			c.mu.Unlock()
			select {
			case c.notify <- struct{}{}:
			default:
			}
			continue
		}

		c.mu.Lock()
		reply, ok := c.pending[msg.ID]
		c.mu.Unlock()
		if ok {
			reply <- &msg
		}
	}
}

func (c *InspectorClient) pumpEvents() {
	defer close(c.events)
	for {
		select {
		case <-c.notify:
		case <-c.done:
			return
		}

		for {
			c.mu.Lock()
			if len(c.queue) == 0 {
				c.mu.Unlock()
				break
			}
			ev := c.queue[0]
			c.queue[0] = nil
			c.queue = c.queue[1:]
			c.mu.Unlock()

			select {
			case c.events <- ev:
			case <-c.done:
				return
			}
		}
	}
}

func (c *InspectorClient) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return
	}
	c.err = err
	close(c.done)
}

func (c *InspectorClient) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	return ErrClosed
}

type inspectorTarget struct {
	Type                 string `json:"type"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// DiscoverInspectorURL asks the inspector HTTP endpoint at hostPort (for
// example 127.0.0.1:9229) for the websocket URL of its first target. A value
// that already is a ws:// or wss:// URL is returned unchanged.
func DiscoverInspectorURL(ctx context.Context, hostPort string) (string, error) {
	if strings.HasPrefix(hostPort, "ws://") || strings.HasPrefix(hostPort, "wss://") {
		return hostPort, nil
	}
	base := strings.TrimSuffix(hostPort, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/json/list", nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("query inspector targets: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("query inspector targets: unexpected status %s", resp.Status)
	}

	var targets []inspectorTarget
	if err := json.NewDecoder(resp.Body).Decode(&targets); err != nil {
		return "", fmt.Errorf("decode inspector targets: %w", err)
	}
	for _, t := range targets {
		if t.WebSocketDebuggerURL != "" {
			return t.WebSocketDebuggerURL, nil
		}
	}
	return "", fmt.Errorf("no debuggable target at %s", hostPort)
}

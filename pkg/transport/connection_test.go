package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/aivorynet/debug-agent/pkg/breakpoint"
)

type backend struct {
	mu       sync.Mutex
	auth     string
	received []Message

	// rejectKey answers registration with an auth error.
	rejectKey bool
}

func (b *backend) messages() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.received...)
}

func (b *backend) ofType(typ string) []Message {
	var out []Message
	for _, m := range b.messages() {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

// serveBackend accepts one agent, confirms its registration and pushes the
// active breakpoint list.
func serveBackend(t *testing.T, b *backend) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.auth = r.Header.Get("Authorization")
		b.mu.Unlock()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var msg Message
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			b.mu.Lock()
			b.received = append(b.received, msg)
			b.mu.Unlock()

			if msg.Type != "register" {
				continue
			}
			if b.rejectKey {
				_ = conn.WriteJSON(map[string]interface{}{
					"type":    "error",
					"payload": map[string]string{"code": "invalid_api_key", "message": "unknown key"},
				})
				continue
			}
			_ = conn.WriteJSON(map[string]interface{}{
				"type":    "registered",
				"payload": map[string]string{"debuggee_id": "d-42"},
			})
			_ = conn.WriteJSON(map[string]interface{}{
				"type": "breakpoints",
				"payload": map[string]interface{}{
					"breakpoints": []map[string]interface{}{
						{"id": "bp-1", "location": map[string]interface{}{"path": "index.js", "line": 3}},
					},
				},
			})
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestConnection_RegistersAndDispatches(t *testing.T) {
	b := &backend{}
	srv := serveBackend(t, b)

	type command struct {
		name    string
		payload json.RawMessage
	}
	commands := make(chan command, 4)
	handler := func(_ context.Context, name string, payload json.RawMessage) error {
		commands <- command{name, payload}
		return nil
	}

	debuggee := &Debuggee{Runtime: "node", Environment: "test", Uniquifier: "abc"}
	c := NewConnection(wsURL(srv), "secret", debuggee, handler, zaptest.NewLogger(t))

	// Reported before the connection exists; delivered after registration.
	c.ReportBreakpoint(&breakpoint.Breakpoint{ID: "done-1", IsFinalState: true})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- c.Connect(ctx) }()

	select {
	case cmd := <-commands:
		assert.Equal(t, "list", cmd.name)
		assert.JSONEq(t, `{"breakpoints":[{"id":"bp-1","location":{"path":"index.js","line":3}}]}`, string(cmd.payload))
	case <-time.After(5 * time.Second):
		t.Fatal("breakpoint list was not dispatched")
	}

	require.Eventually(t, c.IsConnected, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(b.ofType("breakpoint_update")) == 1 }, 5*time.Second, 10*time.Millisecond)

	register := b.ofType("register")
	require.Len(t, register, 1)
	var reg struct {
		APIKey   string   `json:"api_key"`
		Debuggee Debuggee `json:"debuggee"`
	}
	require.NoError(t, json.Unmarshal(register[0].Payload, &reg))
	assert.Equal(t, "secret", reg.APIKey)
	assert.Equal(t, "abc", reg.Debuggee.Uniquifier)

	var update breakpoint.Breakpoint
	require.NoError(t, json.Unmarshal(b.ofType("breakpoint_update")[0].Payload, &update))
	assert.Equal(t, "done-1", update.ID)
	assert.True(t, update.IsFinalState)

	b.mu.Lock()
	assert.Equal(t, "Bearer secret", b.auth)
	b.mu.Unlock()

	c.mu.RLock()
	assert.Equal(t, "d-42", debuggee.ID)
	c.mu.RUnlock()

	c.Disconnect()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Connect did not return after Disconnect")
	}
	assert.False(t, c.IsConnected())
}

func TestConnection_GivesUpAfterMaxAttempts(t *testing.T) {
	c := NewConnection("ws://127.0.0.1:1/nothing", "k", &Debuggee{}, nil, zaptest.NewLogger(t))
	c.maxReconnectAttempts = 2
	c.reconnectDelay = time.Millisecond

	err := c.Connect(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 3, c.reconnectAttempts)
}

func TestConnection_AuthErrorStopsReconnecting(t *testing.T) {
	srv := serveBackend(t, &backend{rejectKey: true})
	c := NewConnection(wsURL(srv), "bad", &Debuggee{}, nil, zaptest.NewLogger(t))
	c.reconnectDelay = time.Millisecond

	errc := make(chan error, 1)
	go func() { errc <- c.Connect(context.Background()) }()

	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Connect kept running after an auth error")
	}
	assert.Equal(t, 0, c.reconnectLimit())
	assert.False(t, c.IsConnected())
}

func TestConnection_ConnectHonorsContext(t *testing.T) {
	c := NewConnection("ws://127.0.0.1:1/nothing", "k", &Debuggee{}, nil, zaptest.NewLogger(t))
	c.reconnectDelay = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Connect(ctx), context.DeadlineExceeded)
}

func TestConnection_SendDropsOldestWhenFull(t *testing.T) {
	c := NewConnection("ws://unused", "k", &Debuggee{}, nil, zaptest.NewLogger(t))
	for i := 0; i < messageQueueSize+5; i++ {
		c.ReportBreakpoint(&breakpoint.Breakpoint{ID: "bp"})
	}
	assert.Len(t, c.messageQueue, messageQueueSize)
}

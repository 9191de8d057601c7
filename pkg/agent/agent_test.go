package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/aivorynet/debug-agent/pkg/breakpoint"
)

var upgrader = websocket.Upgrader{}

type rpc struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// fakeNode plays a Node.js process paused at index.js:2 with n = 3 in scope
// every few milliseconds once a breakpoint is installed.
func fakeNode(t *testing.T, script string) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/json/list" {
			ws := "ws" + strings.TrimPrefix(srv.URL, "http") + "/inspector"
			_ = json.NewEncoder(w).Encode([]map[string]string{{"type": "node", "webSocketDebuggerUrl": ws}})
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var writeMu sync.Mutex
		write := func(v interface{}) {
			writeMu.Lock()
			defer writeMu.Unlock()
			_ = conn.WriteJSON(v)
		}
		stop := make(chan struct{})
		var stopOnce sync.Once
		halt := func() { stopOnce.Do(func() { close(stop) }) }
		defer halt()

		pause := map[string]interface{}{
			"method": "Debugger.paused",
			"params": map[string]interface{}{
				"reason":         "other",
				"hitBreakpoints": []string{"bp-1"},
				"callFrames": []interface{}{map[string]interface{}{
					"callFrameId":  "frame-0",
					"functionName": "main",
					"url":          "file://" + script,
					"location":     map[string]interface{}{"scriptId": "7", "lineNumber": 1},
					"scopeChain": []interface{}{
						map[string]interface{}{"type": "local", "object": map[string]interface{}{"type": "object", "objectId": "scope-local"}},
						map[string]interface{}{"type": "global", "object": map[string]interface{}{"type": "object", "objectId": "scope-global"}},
					},
					"this": map[string]interface{}{"type": "undefined"},
				}},
			},
		}

		for {
			var req rpc
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			var result interface{} = map[string]interface{}{}
			switch req.Method {
			case "Runtime.evaluate":
				result = map[string]interface{}{"result": map[string]interface{}{"type": "string", "value": "v20.11.1"}}
			case "Debugger.setBreakpointByUrl":
				result = map[string]interface{}{"breakpointId": "bp-1", "locations": []interface{}{}}
				go func() {
					ticker := time.NewTicker(10 * time.Millisecond)
					defer ticker.Stop()
					for {
						select {
						case <-ticker.C:
							write(pause)
						case <-stop:
							return
						}
					}
				}()
			case "Debugger.removeBreakpoint":
				halt()
			case "Runtime.getProperties":
				result = map[string]interface{}{"result": []interface{}{map[string]interface{}{
					"name": "n", "isOwn": true, "configurable": true, "enumerable": true,
					"value": map[string]interface{}{"type": "number", "value": 3, "description": "3"},
				}}}
			}
			write(map[string]interface{}{"id": req.ID, "result": result})
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

// fakeBackend hands out one snapshot breakpoint and forwards every
// breakpoint update it receives.
func fakeBackend(t *testing.T, updates chan<- *breakpoint.Breakpoint) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var msg struct {
				Type    string          `json:"type"`
				Payload json.RawMessage `json:"payload"`
			}
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			switch msg.Type {
			case "register":
				_ = conn.WriteJSON(map[string]interface{}{"type": "registered", "payload": map[string]string{"debuggee_id": "d-1"}})
				_ = conn.WriteJSON(map[string]interface{}{"type": "breakpoints", "payload": map[string]interface{}{
					"breakpoints": []interface{}{map[string]interface{}{
						"id":       "snap-1",
						"action":   "CAPTURE",
						"location": map[string]interface{}{"path": "index.js", "line": 2},
					}},
				}})
			case "breakpoint_update":
				var bp breakpoint.Breakpoint
				if err := json.Unmarshal(msg.Payload, &bp); err == nil {
					updates <- &bp
				}
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestAgent_CapturesSnapshot(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "index.js")
	require.NoError(t, os.WriteFile(script, []byte("let n = 3;\nconsole.log(n);\n"), 0o644))

	updates := make(chan *breakpoint.Breakpoint, 1)
	node := fakeNode(t, script)
	backend := fakeBackend(t, updates)

	cfg := NewConfig(
		WithAPIKey("test-key"),
		WithBackendURL("ws"+strings.TrimPrefix(backend.URL, "http")),
		WithInspectorURL(strings.TrimPrefix(node.URL, "http://")),
		WithWorkingDirectory(dir),
		WithWatchSources(false),
	)
	a, err := New(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- a.Run(ctx) }()

	var bp *breakpoint.Breakpoint
	select {
	case bp = <-updates:
	case err := <-errc:
		t.Fatalf("agent stopped early: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("no snapshot reported")
	}

	assert.Equal(t, "snap-1", bp.ID)
	assert.True(t, bp.IsFinalState)
	assert.Nil(t, bp.Status)
	require.Len(t, bp.StackFrames, 1)
	assert.Equal(t, "main", bp.StackFrames[0].Function)
	assert.Equal(t, &breakpoint.SourceLocation{Path: "index.js", Line: 2}, bp.StackFrames[0].Location)
	require.Len(t, bp.StackFrames[0].Locals, 1)
	assert.Equal(t, "n", bp.StackFrames[0].Locals[0].Name)
	assert.Equal(t, "3", bp.StackFrames[0].Locals[0].Value)

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("agent did not stop")
	}
}

func TestAgent_RejectsInvalidConfig(t *testing.T) {
	_, err := New(NewConfig(WithAPIKey("")), nil)
	assert.Error(t, err)
}

func TestAgent_FailsWithoutDebuggee(t *testing.T) {
	cfg := NewConfig(
		WithAPIKey("k"),
		WithInspectorURL("ws://127.0.0.1:1/none"),
		WithWorkingDirectory(t.TempDir()),
	)
	a, err := New(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.ErrorContains(t, a.Run(ctx), "dial inspector")
}

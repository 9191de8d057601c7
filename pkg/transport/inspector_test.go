package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var upgrader = websocket.Upgrader{}

// serveInspector answers calls the way a Node.js inspector does. "Test.fail"
// gets an error response, "Test.emit" pushes two events before its response
// and "Test.hang" is never answered.
func serveInspector(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var req inspectorRequest
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			switch req.Method {
			case "Test.fail":
				_ = conn.WriteJSON(map[string]interface{}{
					"id":    req.ID,
					"error": map[string]interface{}{"code": -32000, "message": "Could not resolve breakpoint"},
				})
			case "Test.emit":
				for _, m := range []string{"Debugger.scriptParsed", "Debugger.paused"} {
					_ = conn.WriteJSON(map[string]interface{}{"method": m, "params": map[string]string{"seq": m}})
				}
				_ = conn.WriteJSON(map[string]interface{}{"id": req.ID, "result": map[string]bool{"ok": true}})
			case "Test.hang":
			default:
				_ = conn.WriteJSON(map[string]interface{}{"id": req.ID, "result": map[string]string{"method": req.Method}})
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestInspectorClient_Call(t *testing.T) {
	srv := serveInspector(t)
	ctx := context.Background()

	c, err := DialInspector(ctx, wsURL(srv), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer c.Close()

	res, err := c.Call(ctx, "", "Debugger.enable", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"method":"Debugger.enable"}`, string(res))

	_, err = c.Call(ctx, "", "Test.fail", map[string]int{"lineNumber": 3})
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, -32000, perr.Code)
	assert.Contains(t, err.Error(), "Test.fail: Could not resolve breakpoint (-32000)")
}

func TestInspectorClient_EventsKeepOrder(t *testing.T) {
	srv := serveInspector(t)
	ctx := context.Background()

	c, err := DialInspector(ctx, wsURL(srv), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer c.Close()

	// Nobody reads events yet; the call must still complete.
	_, err = c.Call(ctx, "", "Test.emit", nil)
	require.NoError(t, err)

	var methods []string
	for len(methods) < 2 {
		select {
		case ev := <-c.Events():
			methods = append(methods, ev.Method)
			var params map[string]string
			require.NoError(t, json.Unmarshal(ev.Params, &params))
			assert.Equal(t, ev.Method, params["seq"])
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
	assert.Equal(t, []string{"Debugger.scriptParsed", "Debugger.paused"}, methods)
}

func TestInspectorClient_CloseFailsPendingCalls(t *testing.T) {
	srv := serveInspector(t)
	ctx := context.Background()

	c, err := DialInspector(ctx, wsURL(srv), zaptest.NewLogger(t))
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := c.Call(ctx, "", "Test.hang", nil)
		errc <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, c.Close())

	select {
	case err := <-errc:
		assert.True(t, errors.Is(err, ErrClosed), "got %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("pending call was not released")
	}

	_, err = c.Call(ctx, "", "Debugger.enable", nil)
	assert.ErrorIs(t, err, ErrClosed)

	select {
	case <-c.Done():
	default:
		t.Fatal("Done not closed")
	}
	for range c.Events() {
	}
}

func TestInspectorClient_CallHonorsContext(t *testing.T) {
	srv := serveInspector(t)

	c, err := DialInspector(context.Background(), wsURL(srv), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.Call(ctx, "", "Test.hang", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDiscoverInspectorURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/json/list" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`[{"type":"node","url":"file:///app/index.js","webSocketDebuggerUrl":"ws://127.0.0.1:9229/abc"}]`))
	}))
	defer srv.Close()
	ctx := context.Background()

	got, err := DiscoverInspectorURL(ctx, strings.TrimPrefix(srv.URL, "http://"))
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:9229/abc", got)

	got, err = DiscoverInspectorURL(ctx, "ws://10.0.0.1:9229/xyz")
	require.NoError(t, err)
	assert.Equal(t, "ws://10.0.0.1:9229/xyz", got)

	empty := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	}))
	defer empty.Close()
	_, err = DiscoverInspectorURL(ctx, empty.URL)
	assert.ErrorContains(t, err, "no debuggable target")
}

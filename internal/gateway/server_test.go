package gateway

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeConn is one accepted gateway connection with serialized writes.
type fakeConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *fakeConn) sendJSON(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	c.sendRaw(t, data)
}

func (c *fakeConn) sendRaw(t *testing.T, data []byte) {
	t.Helper()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.WriteMessage(websocket.TextMessage, data)
}

// fakeGateway is an in-process gateway: an httptest server that upgrades to
// WebSocket, speaks first with a connect.challenge, accepts (or rejects) the
// connect request, then hands every request frame to handle.
type fakeGateway struct {
	t   *testing.T
	srv *httptest.Server

	// handle runs synchronously per request frame; nil means ignore all.
	handle func(c *fakeConn, req map[string]any)

	// rejectConnect, when set, answers the connect request with ok=false.
	rejectConnect map[string]any
	// rawChallenge overrides the challenge line when non-nil.
	rawChallenge []byte

	mu    sync.Mutex
	dials int
	conns []*fakeConn
}

func newFakeGateway(t *testing.T, handle func(c *fakeConn, req map[string]any)) *fakeGateway {
	g := &fakeGateway{t: t, handle: handle}

	upgrader := websocket.Upgrader{}
	g.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		fc := &fakeConn{conn: conn}

		g.mu.Lock()
		g.dials++
		g.conns = append(g.conns, fc)
		g.mu.Unlock()

		if g.rawChallenge != nil {
			fc.sendRaw(t, g.rawChallenge)
		} else {
			fc.sendJSON(t, map[string]any{
				"type":    "event",
				"name":    "connect.challenge",
				"payload": map[string]any{"nonce": "n-1"},
			})
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var connectReq map[string]any
		if err := json.Unmarshal(data, &connectReq); err != nil {
			return
		}

		if g.rejectConnect != nil {
			fc.sendJSON(t, map[string]any{
				"type":  "res",
				"id":    connectReq["id"],
				"ok":    false,
				"error": g.rejectConnect,
			})
			return
		}
		fc.sendJSON(t, map[string]any{
			"type":    "res",
			"id":      connectReq["id"],
			"ok":      true,
			"payload": map[string]any{"server": map[string]any{"version": "1.2.3"}},
		})

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req map[string]any
			if err := json.Unmarshal(data, &req); err != nil {
				continue
			}
			if g.handle != nil {
				g.handle(fc, req)
			}
		}
	}))
	t.Cleanup(func() {
		g.dropConns()
		g.srv.Close()
	})
	return g
}

func (g *fakeGateway) hostPort(t *testing.T) (string, int) {
	t.Helper()
	u := g.srv.Listener.Addr().String()
	host, portStr, err := net.SplitHostPort(u)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

// options returns Options pointed at the fake with default timeouts; tests
// that need short deadlines set them per call.
func (g *fakeGateway) options(t *testing.T) Options {
	host, port := g.hostPort(t)
	return Options{
		Host: host,
		Port: port,
		Auth: Auth{Token: "test-token"},
	}
}

func (g *fakeGateway) dialCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dials
}

// lastConn returns the most recently accepted connection.
func (g *fakeGateway) lastConn(t *testing.T) *fakeConn {
	g.mu.Lock()
	defer g.mu.Unlock()
	require.NotEmpty(t, g.conns)
	return g.conns[len(g.conns)-1]
}

// dropConns force-closes every accepted connection, simulating an unintended
// server-side close.
func (g *fakeGateway) dropConns() {
	g.mu.Lock()
	conns := g.conns
	g.conns = nil
	g.mu.Unlock()
	for _, fc := range conns {
		_ = fc.conn.Close()
	}
}

// respondOK answers a request frame with an ok response carrying payload.
func respondOK(t *testing.T, c *fakeConn, req map[string]any, payload any) {
	t.Helper()
	c.sendJSON(t, map[string]any{
		"type":    "res",
		"id":      req["id"],
		"ok":      true,
		"payload": payload,
	})
}

func testLogger() *zap.Logger { return zap.NewNop() }

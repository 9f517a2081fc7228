package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// session owns exactly one WebSocket connection from dial to close. Sessions
// are never reused: every (re)connect creates a fresh one.
type session struct {
	conn   *websocket.Conn
	logger *zap.Logger

	writeMu sync.Mutex

	mu     sync.Mutex
	closed bool

	readerDone chan struct{}

	// challenge holds the server's opaque connect.challenge payload. It is
	// retained past the point the connect request is written in case a future
	// protocol revision requires echoing a nonce from it.
	challenge json.RawMessage

	onMessage func([]byte)
	onClosed  func(err error)
}

// dialSession opens the socket and drives the two-step handshake: the server
// speaks first with a connect.challenge frame, the client answers with one
// connect request, and the second inbound frame carries the verdict. The
// permanent read loop starts only after the verdict (via start), so it can
// never consume a handshake frame. On any failure path the socket is
// terminated and a typed error returned along with a nil session.
func dialSession(ctx context.Context, opts Options, logger *zap.Logger) (*session, json.RawMessage, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(opts.RequestTimeout)
	}

	dialer := &websocket.Dialer{HandshakeTimeout: time.Until(deadline)}
	conn, _, err := dialer.DialContext(ctx, opts.url(), nil)
	if err != nil {
		return nil, nil, newConnectionError("dial "+opts.url(), err)
	}

	s := &session{
		conn:       conn,
		logger:     logger,
		readerDone: make(chan struct{}),
	}

	_ = conn.SetReadDeadline(deadline)

	// Step 1: the server's challenge. Contents are not inspected, but they
	// must be JSON.
	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, nil, classifyHandshakeErr(err)
	}
	if !json.Valid(data) {
		conn.Close()
		return nil, nil, newProtocolError("invalid challenge", nil)
	}
	s.challenge = data

	// Step 2: the connect request.
	req, err := encodeConnectRequest(opts)
	if err != nil {
		conn.Close()
		return nil, nil, newProtocolError("encode connect request", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, req); err != nil {
		conn.Close()
		return nil, nil, newConnectionError("write connect request", err)
	}

	// Step 3: the verdict.
	_, data, err = conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, nil, classifyHandshakeErr(err)
	}
	f, err := decodeFrame(data)
	if err != nil {
		conn.Close()
		return nil, nil, newProtocolError("invalid connect response", err)
	}
	if !f.succeeded() {
		code, message := f.errInfo()
		conn.Close()
		if code == CodeUnavailable || strings.Contains(strings.ToLower(message), "auth") {
			return nil, nil, newAuthError(message)
		}
		return nil, nil, newConnectionError("connect rejected: "+message, nil)
	}

	_ = conn.SetReadDeadline(time.Time{})
	return s, f.value(), nil
}

// encodeConnectRequest builds the connect frame. Wire keys are exact:
// minProtocol, maxProtocol, client:{id,version,platform,mode},
// auth:{token|password}, role.
func encodeConnectRequest(opts Options) ([]byte, error) {
	auth := map[string]string{}
	if opts.Auth.Token != "" {
		auth["token"] = opts.Auth.Token
	} else {
		auth["password"] = opts.Auth.Password
	}

	params, err := json.Marshal(map[string]any{
		"minProtocol": opts.Protocol.Min,
		"maxProtocol": opts.Protocol.Max,
		"client": map[string]string{
			"id":       opts.Client.Name,
			"version":  opts.Client.Version,
			"platform": opts.Client.Platform,
			"mode":     opts.Client.Mode,
		},
		"auth": auth,
		"role": opts.Role,
	})
	if err != nil {
		return nil, err
	}
	return encodeRequest(uuid.NewString(), methodConnect, params)
}

func classifyHandshakeErr(err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return newTimeoutError("handshake timed out")
	}
	return newConnectionError("connection closed before handshake", err)
}

// start attaches the permanent callbacks and begins the read loop. Called
// exactly once, after the handshake verdict.
func (s *session) start(onMessage func([]byte), onClosed func(error)) {
	s.onMessage = onMessage
	s.onClosed = onClosed
	go s.readLoop()
}

func (s *session) readLoop() {
	defer close(s.readerDone)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.conn.Close()
			s.onClosed(err)
			return
		}
		s.onMessage(data)
	}
}

// send writes one text frame. Fails fast once the session is closed.
func (s *session) send(data []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return newConnectionError("session closed", nil)
	}
	s.mu.Unlock()

	// gorilla/websocket requires serialized writers.
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return newConnectionError("write", err)
	}
	return nil
}

// close initiates a graceful close and force-terminates if the peer has not
// finished the close handshake within the grace period. Idempotent.
func (s *session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.writeMu.Lock()
	_ = s.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	s.writeMu.Unlock()

	select {
	case <-s.readerDone:
	case <-time.After(disconnectGrace):
		s.logger.Debug("gateway: close grace expired, terminating")
	}
	s.conn.Close()
}

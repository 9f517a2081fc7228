package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// State is the connection lifecycle state of a Client.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// Client is one gateway connection. It multiplexes request/response RPCs over
// a single WebSocket, streams push events to subscribers, and transparently
// reconnects after transient failures. A Client outlives many sessions; it is
// destroyed only by an explicit Disconnect (or Manager teardown), after which
// it may be connected again.
type Client struct {
	opts   Options
	logger *zap.Logger

	chain   *interceptorChain
	pending *pendingRegistry
	events  *eventDispatcher
	router  *router
	reconn  *reconnector

	mu               sync.Mutex
	state            State
	sess             *session
	intentionalClose bool
	hello            json.RawMessage

	// OnStateChange, when set before Connect, is invoked on every lifecycle
	// transition. Used by the Manager to export connection metrics.
	OnStateChange func(State)
}

// NewClient creates a disconnected Client. Option defaults are applied and
// validated here; supplying both a token and a password is rejected.
func NewClient(opts Options, logger *zap.Logger, interceptors ...Interceptor) (*Client, error) {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	c := &Client{
		opts:    opts,
		logger:  logger,
		chain:   newInterceptorChain(logger, interceptors...),
		pending: newPendingRegistry(),
		events:  newEventDispatcher(),
		state:   StateDisconnected,
	}
	c.router = &router{
		pending:    c.pending,
		logger:     logger,
		onResponse: c.handleResponse,
		onEvent:    c.handleEvent,
	}
	c.reconn = newReconnector(*opts.Reconnect, logger, c.reconnectAttempt, c.reconnectFailed)
	return c, nil
}

// Connect dials the gateway and completes the two-step handshake. It is safe
// to call again after Disconnect; a connected client returns immediately.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateConnected:
		c.mu.Unlock()
		return nil
	case StateConnecting:
		c.mu.Unlock()
		return newConnectionError("connect already in progress", nil)
	}
	c.state = StateConnecting
	c.intentionalClose = false
	cb := c.OnStateChange
	c.mu.Unlock()
	if cb != nil {
		cb(StateConnecting)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.RequestTimeout)
		defer cancel()
	}

	sess, hello, err := dialSession(ctx, c.opts, c.logger)
	if err != nil {
		c.setState(StateDisconnected)
		return err
	}

	c.mu.Lock()
	c.sess = sess
	c.hello = hello
	c.mu.Unlock()

	c.reconn.resetAttempts()
	c.setState(StateConnected)
	sess.start(c.router.dispatch, func(cause error) { c.onSessionClosed(sess, cause) })

	c.logger.Info("gateway: connected", zap.String("url", c.opts.url()))
	return nil
}

// Disconnect closes the connection and suppresses reconnection. Every RPC in
// flight rejects with a connection error. The Client stays reusable: a later
// Connect resets the intentional-close flag and the attempt counter.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.intentionalClose = true
	sess := c.sess
	c.mu.Unlock()

	c.reconn.cancel()
	c.pending.rejectAll(newConnectionError("client disconnected", nil))
	if sess != nil {
		sess.close()
	}
}

// IsConnected reports whether the handshake is complete and the session alive.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateConnected
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ConnectResult returns the payload of the last successful handshake.
func (c *Client) ConnectResult() json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hello
}

// Subscribe returns an ordered feed of the named event. Keepalive feeds shed
// their oldest entry under backpressure; all other feeds block the dispatcher
// until drained.
func (c *Client) Subscribe(event string) *Subscription {
	return c.events.subscribe(event, 16)
}

// On registers a handler for the named event and returns an unsubscribe
// function. Handlers run on a dedicated goroutine per registration, in
// arrival order.
func (c *Client) On(event string, handler func(payload json.RawMessage)) func() {
	sub := c.Subscribe(event)
	go func() {
		for {
			select {
			case ev := <-sub.C:
				handler(ev.Payload)
			case <-sub.done:
				return
			}
		}
	}()
	return sub.Cancel
}

// Request performs one RPC with the client's default timeout. params may be
// nil. The returned value is the raw response payload with the envelope
// stripped; it is nil when an outbound interceptor short-circuits.
func (c *Client) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return c.RequestWithTimeout(ctx, method, params, 0)
}

// RequestWithTimeout is Request with a per-call deadline overriding the
// client default.
func (c *Client) RequestWithTimeout(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if !c.IsConnected() {
		return nil, newConnectionError("not connected", nil)
	}
	if timeout <= 0 {
		timeout = c.opts.RequestTimeout
	}

	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}

	msg := &Message{Direction: DirectionOutbound, ID: uuid.NewString(), Method: method, Payload: raw}
	out, err := c.chain.runOutbound(msg)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, nil
	}

	// The waiter is registered strictly before the frame is written, so a
	// response can never race past an unregistered id.
	ch := c.pending.add(out.ID, timeout)
	if err := c.writeRequest(out); err != nil {
		c.pending.remove(out.ID)
		return nil, err
	}

	select {
	case res := <-ch:
		return res.payload, res.err
	case <-ctx.Done():
		c.pending.remove(out.ID)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, newTimeoutError("request " + method + " timed out")
		}
		return nil, newConnectionError("request "+method+" cancelled", ctx.Err())
	}
}

func (c *Client) writeRequest(msg *Message) error {
	data, err := encodeRequest(msg.ID, msg.Method, msg.Payload)
	if err != nil {
		return newProtocolError("encode request", err)
	}

	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess == nil {
		return newConnectionError("not connected", nil)
	}
	return sess.send(data)
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, newProtocolError("marshal params", err)
	}
	return raw, nil
}

// ── RPC surface ────────────────────────────────────────────────────────────

func (c *Client) Health(ctx context.Context) (json.RawMessage, error) {
	return c.Request(ctx, MethodHealth, nil)
}

func (c *Client) Status(ctx context.Context) (json.RawMessage, error) {
	return c.Request(ctx, MethodStatus, nil)
}

func (c *Client) ConfigGet(ctx context.Context) (json.RawMessage, error) {
	return c.Request(ctx, MethodConfigGet, nil)
}

func (c *Client) ConfigApply(ctx context.Context, config any) (json.RawMessage, error) {
	return c.Request(ctx, MethodConfigApply, config)
}

func (c *Client) ConfigPatch(ctx context.Context, patch any) (json.RawMessage, error) {
	return c.Request(ctx, MethodConfigPatch, patch)
}

// AgentIdentityGet resolves agent identity. agentID is optional; empty means
// the instance's default agent.
func (c *Client) AgentIdentityGet(ctx context.Context, agentID string) (json.RawMessage, error) {
	var params any
	if agentID != "" {
		params = map[string]string{"agentId": agentID}
	}
	return c.Request(ctx, MethodAgentIdentityGet, params)
}

// UsageCost reports usage cost over the trailing window. days <= 0 lets the
// server pick its default window.
func (c *Client) UsageCost(ctx context.Context, days int) (json.RawMessage, error) {
	var params any
	if days > 0 {
		params = map[string]int{"days": days}
	}
	return c.Request(ctx, MethodUsageCost, params)
}

func (c *Client) Send(ctx context.Context, params any) (json.RawMessage, error) {
	return c.Request(ctx, MethodSend, params)
}

func (c *Client) CronAdd(ctx context.Context, job any) (json.RawMessage, error) {
	return c.Request(ctx, MethodCronAdd, job)
}

func (c *Client) CronList(ctx context.Context) (json.RawMessage, error) {
	return c.Request(ctx, MethodCronList, nil)
}

func (c *Client) CronRemove(ctx context.Context, jobID string) (json.RawMessage, error) {
	return c.Request(ctx, MethodCronRemove, map[string]string{"jobId": jobID})
}

// ── Inbound dispatch ───────────────────────────────────────────────────────

func (c *Client) handleResponse(f *frame) {
	if !f.succeeded() {
		code, message := f.errInfo()
		c.pending.reject(f.ID, newRPCError(code, message))
		return
	}

	msg := &Message{Direction: DirectionInbound, ID: f.ID, Payload: f.value()}
	out, err := c.chain.runInbound(msg)
	if err != nil {
		c.pending.reject(f.ID, err)
		return
	}
	if out == nil {
		// Inbound short-circuit drops the response; the waiter is left to
		// its timeout.
		return
	}
	c.pending.resolve(f.ID, out.Payload)
}

func (c *Client) handleEvent(ev Event) {
	msg := &Message{Direction: DirectionEvent, Event: ev.Type, Payload: ev.Payload}
	out := c.chain.runEvent(msg)
	if out == nil {
		return
	}
	c.events.dispatch(Event{Type: out.Event, Payload: out.Payload})
}

// emitLocal routes a synthetic client event through the same interceptor and
// subscription path as gateway pushes.
func (c *Client) emitLocal(event string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = nil
	}
	c.handleEvent(Event{Type: event, Payload: raw})
}

// ── Lifecycle ──────────────────────────────────────────────────────────────

func (c *Client) onSessionClosed(sess *session, cause error) {
	c.mu.Lock()
	if c.sess != sess {
		// A stale session's read loop lost the race against a reconnect.
		c.mu.Unlock()
		return
	}
	c.sess = nil
	intentional := c.intentionalClose
	c.mu.Unlock()
	c.setState(StateDisconnected)

	c.pending.rejectAll(newConnectionError("connection closed", cause))
	c.emitLocal(EventDisconnect, map[string]bool{"intentional": intentional})

	if !intentional {
		c.logger.Warn("gateway: connection lost", zap.Error(cause))
		c.reconn.schedule()
	}
}

func (c *Client) reconnectAttempt(attempt int) {
	c.mu.Lock()
	if c.intentionalClose || c.state != StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.emitLocal(EventReconnect, map[string]int{"attempt": attempt})

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.RequestTimeout)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		c.logger.Warn("gateway: reconnect failed", zap.Int("attempt", attempt), zap.Error(err))
		c.reconn.schedule()
	}
}

func (c *Client) reconnectFailed(err error) {
	c.emitLocal(EventError, map[string]string{"code": ErrorCode(err), "message": err.Error()})
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	cb := c.OnStateChange
	c.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

// ── Agent RPC ──────────────────────────────────────────────────────────────

// AgentParams are the parameters of the agent RPC.
type AgentParams struct {
	Prompt  string `json:"prompt"`
	AgentID string `json:"agentId,omitempty"`
	// Timeout bounds the run completion, in milliseconds. Zero lets the
	// local default apply.
	Timeout int `json:"timeout,omitempty"`
}

// AgentAck is the immediate acknowledgement of an agent run.
type AgentAck struct {
	RunID string `json:"runId"`
	// Raw is the full ack payload.
	Raw json.RawMessage `json:"-"`
}

const (
	AgentStatusCompleted = "completed"
	AgentStatusFailed    = "failed"
)

// AgentCompletion is the terminal outcome of an agent run. It is always
// delivered: completion-phase errors and timeouts demote to Status "failed"
// rather than surfacing as Go errors.
type AgentCompletion struct {
	RunID  string
	Status string
	Output string
	Error  string
}

// Agent starts an agent run. The gateway answers twice under the same id:
// first with an ack carrying the server-assigned runId, then with the run's
// completion. The returned channel delivers exactly one AgentCompletion.
// agentOutput events for the run flow through the normal event stream in the
// meantime; the client does not buffer them.
//
// localTimeout bounds the completion phase; zero falls back to
// params.Timeout, then to the 60 s default. The ack phase uses the client's
// request timeout, and its errors reject normally.
func (c *Client) Agent(ctx context.Context, params AgentParams, localTimeout time.Duration) (*AgentAck, <-chan AgentCompletion, error) {
	if !c.IsConnected() {
		return nil, nil, newConnectionError("not connected", nil)
	}

	completionTimeout := localTimeout
	if completionTimeout <= 0 && params.Timeout > 0 {
		completionTimeout = time.Duration(params.Timeout) * time.Millisecond
	}
	if completionTimeout <= 0 {
		completionTimeout = defaultAgentCompletionTimeout
	}

	raw, err := marshalParams(params)
	if err != nil {
		return nil, nil, err
	}

	msg := &Message{Direction: DirectionOutbound, ID: uuid.NewString(), Method: MethodAgent, Payload: raw}
	out, err := c.chain.runOutbound(msg)
	if err != nil {
		return nil, nil, err
	}
	if out == nil {
		return nil, nil, nil
	}

	ch := c.pending.addSplit(out.ID, c.opts.RequestTimeout, completionTimeout)
	if err := c.writeRequest(out); err != nil {
		c.pending.remove(out.ID)
		return nil, nil, err
	}

	// Phase A: the ack.
	var ackRes pendingResult
	select {
	case ackRes = <-ch:
	case <-ctx.Done():
		c.pending.remove(out.ID)
		return nil, nil, newConnectionError("agent request cancelled", ctx.Err())
	}
	if ackRes.err != nil {
		return nil, nil, ackRes.err
	}

	ack := &AgentAck{Raw: ackRes.payload}
	_ = json.Unmarshal(ackRes.payload, ack)

	// Phase B: the completion, bounded by the registry's re-armed timer.
	done := make(chan AgentCompletion, 1)
	go func() {
		res := <-ch
		if res.err != nil {
			done <- AgentCompletion{
				RunID:  ack.RunID,
				Status: AgentStatusFailed,
				Error:  res.err.Error(),
			}
			return
		}
		done <- parseCompletion(ack.RunID, res.payload)
	}()
	return ack, done, nil
}

func parseCompletion(runID string, payload json.RawMessage) AgentCompletion {
	var body struct {
		RunID  string          `json:"runId"`
		Result json.RawMessage `json:"result"`
	}
	_ = json.Unmarshal(payload, &body)
	if body.RunID == "" {
		body.RunID = runID
	}
	return AgentCompletion{
		RunID:  body.RunID,
		Status: AgentStatusCompleted,
		Output: extractOutput(body.Result),
	}
}

// extractOutput joins result.payloads[*].text with newlines when present,
// otherwise returns the raw result.
func extractOutput(result json.RawMessage) string {
	if len(result) == 0 {
		return ""
	}
	var r struct {
		Payloads []struct {
			Text string `json:"text"`
		} `json:"payloads"`
	}
	if err := json.Unmarshal(result, &r); err == nil && len(r.Payloads) > 0 {
		parts := make([]string, 0, len(r.Payloads))
		for _, p := range r.Payloads {
			if p.Text != "" {
				parts = append(parts, p.Text)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, "\n")
		}
	}
	return string(result)
}

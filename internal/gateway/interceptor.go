package gateway

import (
	"encoding/json"

	"go.uber.org/zap"
)

// Direction tags a Message with the pipeline stage it is traversing.
type Direction int

const (
	DirectionOutbound Direction = iota
	DirectionInbound
	DirectionEvent
)

// Message is the mutable descriptor passed through the interceptor chain.
// Payload holds request params, a response payload, or an event payload
// depending on Direction.
type Message struct {
	Direction Direction
	ID        string
	Method    string
	Event     string
	Payload   json.RawMessage
}

// Interceptor decorates gateway traffic. Each hook returns the (possibly
// modified) message, or nil to short-circuit: an outbound request then
// resolves to nil without hitting the wire, an inbound response is dropped,
// an event is swallowed.
//
// Outbound and Event hooks run in registration order, Inbound hooks in
// reverse, mirroring a request/response onion.
type Interceptor interface {
	Outbound(msg *Message) (*Message, error)
	Inbound(msg *Message) (*Message, error)
	Event(msg *Message) (*Message, error)
}

// BaseInterceptor is a no-op Interceptor for embedding, so implementations
// only override the hooks they care about.
type BaseInterceptor struct{}

func (BaseInterceptor) Outbound(msg *Message) (*Message, error) { return msg, nil }
func (BaseInterceptor) Inbound(msg *Message) (*Message, error)  { return msg, nil }
func (BaseInterceptor) Event(msg *Message) (*Message, error)    { return msg, nil }

type interceptorChain struct {
	interceptors []Interceptor
	logger       *zap.Logger
}

func newInterceptorChain(logger *zap.Logger, interceptors ...Interceptor) *interceptorChain {
	return &interceptorChain{interceptors: interceptors, logger: logger}
}

// runOutbound applies the chain in registration order. An error rejects the
// RPC; a nil message means short-circuit.
func (c *interceptorChain) runOutbound(msg *Message) (*Message, error) {
	for _, ic := range c.interceptors {
		out, err := ic.Outbound(msg)
		if err != nil {
			return nil, err
		}
		if out == nil {
			return nil, nil
		}
		msg = out
	}
	return msg, nil
}

// runInbound applies the chain in reverse registration order.
func (c *interceptorChain) runInbound(msg *Message) (*Message, error) {
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		out, err := c.interceptors[i].Inbound(msg)
		if err != nil {
			return nil, err
		}
		if out == nil {
			return nil, nil
		}
		msg = out
	}
	return msg, nil
}

// runEvent applies the chain in registration order. Event hooks cannot fail
// an RPC: errors are swallowed and the hook's transform skipped. A nil return
// swallows the event entirely.
func (c *interceptorChain) runEvent(msg *Message) *Message {
	for _, ic := range c.interceptors {
		out, err := ic.Event(msg)
		if err != nil {
			c.logger.Debug("gateway: event interceptor error", zap.String("event", msg.Event), zap.Error(err))
			continue
		}
		if out == nil {
			return nil
		}
		msg = out
	}
	return msg
}

package gateway

import "encoding/json"

const (
	frameTypeRequest  = "req"
	frameTypeResponse = "res"
	frameTypeEvent    = "event"
)

// Methods exposed by the gateway. The strings are the wire contract.
const (
	methodConnect = "connect"

	MethodHealth           = "health"
	MethodStatus           = "status"
	MethodConfigGet        = "configGet"
	MethodConfigApply      = "configApply"
	MethodConfigPatch      = "configPatch"
	MethodAgentIdentityGet = "agentIdentityGet"
	MethodUsageCost        = "usageCost"
	MethodSend             = "send"
	MethodAgent            = "agent"
	MethodCronAdd          = "cronAdd"
	MethodCronList         = "cronList"
	MethodCronRemove       = "cronRemove"
)

// Push events emitted by the gateway. Unknown names pass through the router
// and simply find no subscribers.
const (
	EventAgentOutput = "agentOutput"
	EventPresence    = "presence"
	EventKeepalive   = "keepalive"
	EventShutdown    = "shutdown"
)

// Synthetic events emitted by the client itself, never seen on the wire.
const (
	EventReconnect  = "reconnect"
	EventDisconnect = "disconnect"
	EventError      = "error"
)

type frameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// frame is the single unit exchanged with the gateway. OK is a pointer so a
// legacy response that omits it (the {id, result, error} shape) is
// distinguishable from ok=false.
type frame struct {
	Type    string          `json:"type,omitempty"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"` // legacy response shape
	Name    string          `json:"name,omitempty"`
	Error   *frameError     `json:"error,omitempty"`
}

func decodeFrame(data []byte) (*frame, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// encodeRequest builds a request frame. params is written verbatim and
// omitted entirely when nil, never encoded as null.
func encodeRequest(id, method string, params json.RawMessage) ([]byte, error) {
	f := frame{Type: frameTypeRequest, ID: id, Method: method}
	if len(params) > 0 && string(params) != "null" {
		f.Params = params
	}
	return json.Marshal(f)
}

// succeeded reports the response status, inferring ok from the error field
// when a legacy server omits it.
func (f *frame) succeeded() bool {
	if f.OK != nil {
		return *f.OK
	}
	return f.Error == nil
}

// value returns the response payload, falling back to the legacy result field.
func (f *frame) value() json.RawMessage {
	if f.Payload != nil {
		return f.Payload
	}
	return f.Result
}

func (f *frame) errInfo() (code, message string) {
	if f.Error == nil {
		return CodeUnknown, "unknown gateway error"
	}
	code = f.Error.Code
	if code == "" {
		code = CodeUnknown
	}
	return code, f.Error.Message
}

// isLegacyEvent reports whether the frame uses the old push style where the
// event name sits directly in the type field.
func (f *frame) isLegacyEvent() bool {
	switch f.Type {
	case "", frameTypeRequest, frameTypeResponse, frameTypeEvent:
		return false
	}
	return true
}

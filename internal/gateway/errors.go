package gateway

import (
	"errors"
	"fmt"
)

// Wire error codes that are part of the gateway contract. Server-defined
// codes outside this set pass through to callers unchanged.
const (
	CodeUnavailable  = "UNAVAILABLE"
	CodeAgentTimeout = "AGENT_TIMEOUT"
	CodeUnknown      = "UNKNOWN"
)

// ErrorKind classifies a gateway failure.
type ErrorKind int

const (
	// KindConnection: the socket could not be opened, closed unexpectedly,
	// or a write failed.
	KindConnection ErrorKind = iota
	// KindTimeout: a handshake, per-request, or agent-completion deadline fired.
	KindTimeout
	// KindAuth: the gateway rejected the connect request credentials.
	KindAuth
	// KindProtocol: an inbound frame could not be decoded during the handshake.
	KindProtocol
	// KindRPC: a well-formed response with ok=false.
	KindRPC
)

func (k ErrorKind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindTimeout:
		return "timeout"
	case KindAuth:
		return "auth"
	case KindProtocol:
		return "protocol"
	case KindRPC:
		return "rpc"
	}
	return "unknown"
}

// Error is the typed error returned by every client operation. Code is a
// stable string suitable for programmatic branching.
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("gateway: [%s] %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("gateway: [%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

func newConnectionError(message string, cause error) *Error {
	return &Error{Kind: KindConnection, Code: CodeUnavailable, Message: message, cause: cause}
}

func newTimeoutError(message string) *Error {
	return &Error{Kind: KindTimeout, Code: CodeAgentTimeout, Message: message}
}

func newAuthError(message string) *Error {
	return &Error{Kind: KindAuth, Code: CodeUnavailable, Message: message}
}

func newProtocolError(message string, cause error) *Error {
	return &Error{Kind: KindProtocol, Code: CodeUnknown, Message: message, cause: cause}
}

func newRPCError(code, message string) *Error {
	if code == "" {
		code = CodeUnknown
	}
	return &Error{Kind: KindRPC, Code: code, Message: message}
}

// errKind reports whether err is a gateway Error of the given kind.
func errKind(err error, kind ErrorKind) bool {
	var ge *Error
	return errors.As(err, &ge) && ge.Kind == kind
}

// IsConnectionError reports whether err is a transport-level failure.
func IsConnectionError(err error) bool { return errKind(err, KindConnection) }

// IsTimeout reports whether err is a deadline failure.
func IsTimeout(err error) bool { return errKind(err, KindTimeout) }

// IsAuthError reports whether err is a credential rejection from the gateway.
func IsAuthError(err error) bool { return errKind(err, KindAuth) }

// ErrorCode extracts the stable code from a gateway error, or CodeUnknown.
func ErrorCode(err error) string {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Code
	}
	return CodeUnknown
}

package gateway

import (
	"fmt"
	"time"
)

const (
	defaultRequestTimeout = 30 * time.Second

	defaultReconnectAttempts = 10
	defaultReconnectBase     = 1 * time.Second
	defaultReconnectMax      = 30 * time.Second

	// Baseline protocol version used for both bounds when no range is given.
	defaultProtocolVersion = 3

	defaultClientName     = "gateway-client"
	defaultClientVersion  = "0.1.0"
	defaultClientPlatform = "backend"
	defaultClientMode     = "backend"
	defaultRole           = "operator"

	defaultAgentCompletionTimeout = 60 * time.Second
	disconnectGrace               = 3 * time.Second
)

// Auth carries the gateway credential: a bearer token or a shared password,
// never both.
type Auth struct {
	Token    string
	Password string
}

// ProtocolRange is the protocol version window offered during the handshake.
type ProtocolRange struct {
	Min int
	Max int
}

// ClientInfo is the client metadata sent in the connect request.
type ClientInfo struct {
	Name     string
	Version  string
	Platform string
	Mode     string
}

// ReconnectPolicy controls recovery after an unintended close.
type ReconnectPolicy struct {
	Enabled     bool
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Options configure a Client. They are immutable for the Client's lifetime.
// Zero fields other than Host, Port, and Auth take spec defaults; a nil
// Reconnect enables the default policy.
type Options struct {
	Host string
	Port int

	Auth Auth

	Protocol ProtocolRange
	Client   ClientInfo
	Role     string

	// RequestTimeout bounds each RPC and the connect handshake.
	RequestTimeout time.Duration

	Reconnect *ReconnectPolicy
}

func (o Options) withDefaults() Options {
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = defaultRequestTimeout
	}
	if o.Protocol.Min == 0 {
		o.Protocol.Min = defaultProtocolVersion
	}
	if o.Protocol.Max == 0 {
		o.Protocol.Max = defaultProtocolVersion
	}
	if o.Client.Name == "" {
		o.Client.Name = defaultClientName
	}
	if o.Client.Version == "" {
		o.Client.Version = defaultClientVersion
	}
	if o.Client.Platform == "" {
		o.Client.Platform = defaultClientPlatform
	}
	if o.Client.Mode == "" {
		o.Client.Mode = defaultClientMode
	}
	if o.Role == "" {
		o.Role = defaultRole
	}
	if o.Reconnect == nil {
		o.Reconnect = &ReconnectPolicy{
			Enabled:     true,
			MaxAttempts: defaultReconnectAttempts,
			BaseDelay:   defaultReconnectBase,
			MaxDelay:    defaultReconnectMax,
		}
	} else {
		p := *o.Reconnect
		if p.MaxAttempts <= 0 {
			p.MaxAttempts = defaultReconnectAttempts
		}
		if p.BaseDelay <= 0 {
			p.BaseDelay = defaultReconnectBase
		}
		if p.MaxDelay <= 0 {
			p.MaxDelay = defaultReconnectMax
		}
		o.Reconnect = &p
	}
	return o
}

func (o Options) validate() error {
	if o.Host == "" {
		return fmt.Errorf("gateway: host is required")
	}
	if o.Port <= 0 {
		return fmt.Errorf("gateway: port is required")
	}
	if o.Auth.Token == "" && o.Auth.Password == "" {
		return fmt.Errorf("gateway: auth token or password is required")
	}
	if o.Auth.Token != "" && o.Auth.Password != "" {
		return fmt.Errorf("gateway: auth token and password are mutually exclusive")
	}
	if o.Protocol.Min > o.Protocol.Max {
		return fmt.Errorf("gateway: protocol range min %d exceeds max %d", o.Protocol.Min, o.Protocol.Max)
	}
	return nil
}

func (o Options) url() string {
	return fmt.Sprintf("ws://%s:%d", o.Host, o.Port)
}

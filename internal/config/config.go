package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the daemon.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Gateway GatewayConfig `mapstructure:"gateway"`
	Monitor MonitorConfig `mapstructure:"monitor"`
}

type ServerConfig struct {
	MgmtPort int    `mapstructure:"mgmt_port"` // /healthz + /metrics listener
	Mode     string `mapstructure:"mode"`      // debug, release
}

// GatewayConfig carries the connection defaults shared by every instance.
type GatewayConfig struct {
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	ReconnectDisabled    bool          `mapstructure:"reconnect_disabled"`
	ReconnectMaxAttempts int           `mapstructure:"reconnect_max_attempts"`
	ReconnectBaseDelay   time.Duration `mapstructure:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `mapstructure:"reconnect_max_delay"`

	ProtocolMin int `mapstructure:"protocol_min"`
	ProtocolMax int `mapstructure:"protocol_max"`

	ClientName     string `mapstructure:"client_name"`
	ClientVersion  string `mapstructure:"client_version"`
	ClientPlatform string `mapstructure:"client_platform"`
	ClientMode     string `mapstructure:"client_mode"`

	InstancesFile string `mapstructure:"instances_file"`
}

type MonitorConfig struct {
	CheckInterval    time.Duration `mapstructure:"check_interval"`
	RecoveryInterval time.Duration `mapstructure:"recovery_interval"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.mgmt_port", 9090)
	v.SetDefault("server.mode", "debug")

	v.SetDefault("gateway.request_timeout", 30*time.Second)
	v.SetDefault("gateway.reconnect_max_attempts", 10)
	v.SetDefault("gateway.reconnect_base_delay", 1*time.Second)
	v.SetDefault("gateway.reconnect_max_delay", 30*time.Second)
	v.SetDefault("gateway.protocol_min", 3)
	v.SetDefault("gateway.protocol_max", 3)
	v.SetDefault("gateway.client_name", "gateway-client")
	v.SetDefault("gateway.client_version", "0.1.0")
	v.SetDefault("gateway.client_platform", "backend")
	v.SetDefault("gateway.client_mode", "backend")

	v.SetDefault("monitor.check_interval", 60*time.Second)
	v.SetDefault("monitor.recovery_interval", 120*time.Second)
	v.SetDefault("monitor.failure_threshold", 3)

	// Env mapping
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	envMap := map[string]string{
		"server.mgmt_port":           "CLAWSTER_MGMT_PORT",
		"server.mode":                "CLAWSTER_MODE",
		"gateway.request_timeout":    "CLAWSTER_REQUEST_TIMEOUT",
		"gateway.reconnect_disabled": "CLAWSTER_RECONNECT_DISABLED",
		"gateway.instances_file":     "CLAWSTER_INSTANCES_FILE",
		"monitor.check_interval":     "CLAWSTER_CHECK_INTERVAL",
		"monitor.recovery_interval":  "CLAWSTER_RECOVERY_INTERVAL",
		"monitor.failure_threshold":  "CLAWSTER_FAILURE_THRESHOLD",
	}

	for key, env := range envMap {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind env %s: %w", env, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Gateway.InstancesFile == "" {
		return nil, fmt.Errorf("CLAWSTER_INSTANCES_FILE is required")
	}

	return &cfg, nil
}

// Instance describes one bot process to keep a gateway session to.
type Instance struct {
	ID       string `mapstructure:"id"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Token    string `mapstructure:"token"`
	Password string `mapstructure:"password"`
}

// LoadInstances reads the instance roster from a YAML file:
//
//	instances:
//	  - id: bot-1
//	    host: 127.0.0.1
//	    port: 4010
//	    token: s3cret
func LoadInstances(path string) ([]Instance, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read instances file: %w", err)
	}

	var instances []Instance
	if err := v.UnmarshalKey("instances", &instances); err != nil {
		return nil, fmt.Errorf("failed to unmarshal instances: %w", err)
	}

	seen := make(map[string]bool, len(instances))
	for i, inst := range instances {
		if inst.ID == "" {
			return nil, fmt.Errorf("instance %d: id is required", i)
		}
		if seen[inst.ID] {
			return nil, fmt.Errorf("instance %q: duplicate id", inst.ID)
		}
		seen[inst.ID] = true
		if inst.Host == "" || inst.Port <= 0 {
			return nil, fmt.Errorf("instance %q: host and port are required", inst.ID)
		}
		if inst.Token == "" && inst.Password == "" {
			return nil, fmt.Errorf("instance %q: token or password is required", inst.ID)
		}
	}
	return instances, nil
}

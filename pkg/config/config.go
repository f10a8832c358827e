// Package config loads the layered configuration for a buslink client or
// server process: default bus addresses, reply timeout, poller backend,
// descriptor-table limits, and logging/metrics sub-configs. Viper handles
// file/env layering, mapstructure decode hooks turn human-readable
// durations and byte sizes into their typed form, go-playground/validator
// struct tags validate the result, and CLI flags > env vars > config file
// > defaults is the precedence order throughout.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/buslink/buslink/internal/bytesize"
)

// EnvPrefix is the prefix environment-variable overrides use, e.g.
// BUSLINK_BUS_REPLY_TIMEOUT.
const EnvPrefix = "BUSLINK"

// Config is the complete layered configuration for a buslink process.
//
// Configuration sources, in order of precedence:
//  1. CLI flags (applied by the caller after Load, see cmd/busctl)
//  2. Environment variables (BUSLINK_*)
//  3. Configuration file (YAML)
//  4. Default values (lowest priority)
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
	Bus       BusConfig       `mapstructure:"bus" yaml:"bus"`
	Limits    LimitsConfig    `mapstructure:"limits" yaml:"limits"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output.
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive).
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format selects the log output encoding.
	// Valid values: text, json.
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output is stdout, stderr, or a file path.
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// TelemetryConfig controls OpenTelemetry distributed tracing. When
// Enabled, spans are batched and exported over OTLP/gRPC to Endpoint;
// otherwise internal/telemetry installs a no-op tracer.
type TelemetryConfig struct {
	// Enabled turns on span export. Default: false (opt-in).
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// ServiceName is reported to the trace backend as service.name.
	ServiceName string `mapstructure:"service_name" validate:"required" yaml:"service_name"`

	// ServiceVersion is reported as service.version.
	ServiceVersion string `mapstructure:"service_version" yaml:"service_version,omitempty"`

	// Endpoint is the OTLP/gRPC collector address, e.g. "localhost:4317".
	Endpoint string `mapstructure:"endpoint" validate:"required_if=Enabled true" yaml:"endpoint"`

	// Insecure disables transport credentials on the collector dial.
	// Default: true (local development without TLS).
	Insecure bool `mapstructure:"insecure" yaml:"insecure"`

	// SampleRate is the trace sampling ratio in [0,1]. Default: 1.0.
	SampleRate float64 `mapstructure:"sample_rate" validate:"gte=0,lte=1" yaml:"sample_rate"`
}

// MetricsConfig configures the Prometheus metrics HTTP endpoint.
type MetricsConfig struct {
	// Enabled controls whether a *busmetrics.Metrics is constructed and
	// its counters exposed. Zero overhead when false.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the HTTP port to serve /metrics on, when Enabled.
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

// BusConfig carries the connection-level defaults: which bus to dial when
// none is specified explicitly, how long to wait for a reply, and which
// ioloop.Poller backend to use.
type BusConfig struct {
	// SessionAddress overrides the session bus ConnectAddress normally
	// read from busaddr.SessionBusEnv. Empty means "use the environment".
	SessionAddress string `mapstructure:"session_address" yaml:"session_address,omitempty"`

	// SystemAddress overrides the fixed system bus ConnectAddress.
	// Empty means "use busaddr.SystemBusAddress()".
	SystemAddress string `mapstructure:"system_address" yaml:"system_address,omitempty"`

	// ReplyTimeout bounds busctl's wait for the bus handshake when no
	// --timeout is given. Connection.Send does not read it: a zero timeout
	// there means busconn.DefaultReplyTimeout.
	ReplyTimeout time.Duration `mapstructure:"reply_timeout" validate:"required,gt=0" yaml:"reply_timeout"`

	// Poller selects the ioloop.Poller backend. Only "epoll" exists today;
	// the field exists so a future kqueue/IOCP backend has a selection
	// point without a breaking config change.
	Poller string `mapstructure:"poller" validate:"required,oneof=epoll" yaml:"poller"`

	// MaxConcurrentConnections bounds a busserver.Server's simultaneous
	// accepted connections.
	MaxConcurrentConnections int `mapstructure:"max_concurrent_connections" validate:"omitempty,gt=0" yaml:"max_concurrent_connections"`
}

// LimitsConfig holds downward-only overrides of the hard wire limits
// defined in busdata (busdata.MaxMessageBytes, busdata.MaxArrayBytes).
// Values here may only tighten those limits, never loosen them past the
// wire format's hard ceiling; Validate enforces that.
type LimitsConfig struct {
	// MaxMessageLength caps a single message's total serialized size.
	// Default: busdata.MaxMessageBytes (128 MiB), the wire format's hard
	// ceiling.
	MaxMessageLength bytesize.ByteSize `mapstructure:"max_message_length" yaml:"max_message_length,omitempty"`

	// MaxArrayLength caps a single array or dict's encoded byte length.
	// Default: busdata.MaxArrayBytes (64 MiB), the wire format's hard
	// ceiling.
	MaxArrayLength bytesize.ByteSize `mapstructure:"max_array_length" yaml:"max_array_length,omitempty"`

	// MaxUnixFDsPerMessage caps how many file descriptors a single
	// outbound message may carry. Informational for callers building
	// messages; message.Message.Serialize enforces its own fixed ceiling
	// independently of this value.
	MaxUnixFDsPerMessage int `mapstructure:"max_unix_fds_per_message" validate:"omitempty,gt=0" yaml:"max_unix_fds_per_message,omitempty"`
}

// Load reads configuration from configPath (or the default search
// location when empty), layers environment variables over it, applies
// defaults for anything left unset, and validates the result.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	found, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if found {
		if err := v.Unmarshal(cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	ApplyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// SaveConfig writes cfg to path in YAML form, creating parent directories
// as needed.
func SaveConfig(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}
	v.AddConfigPath(configDir())
	v.SetConfigName("config")
	v.SetConfigType("yaml")
}

func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
	)
}

func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return bytesize.ParseByteSize(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

func configDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "buslink")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "buslink")
}

// DefaultConfigPath returns the default configuration file path.
func DefaultConfigPath() string {
	return filepath.Join(configDir(), "config.yaml")
}

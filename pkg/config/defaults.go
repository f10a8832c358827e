package config

import (
	"github.com/buslink/buslink/internal/bytesize"
	"github.com/buslink/buslink/pkg/busconn"
	"github.com/buslink/buslink/pkg/busdata"
)

// ApplyDefaults fills in zero-valued fields with sensible defaults. Called
// after unmarshaling a config file (or on a freshly zero-valued Config
// when no file was found).
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyTelemetryDefaults(&cfg.Telemetry)
	applyMetricsDefaults(&cfg.Metrics)
	applyBusDefaults(&cfg.Bus)
	applyLimitsDefaults(&cfg.Limits)
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyTelemetryDefaults(cfg *TelemetryConfig) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "buslink"
	}
	if cfg.ServiceVersion == "" {
		cfg.ServiceVersion = "dev"
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "localhost:4317"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 1.0
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Enabled && cfg.Port == 0 {
		cfg.Port = 9090
	}
}

func applyBusDefaults(cfg *BusConfig) {
	if cfg.ReplyTimeout == 0 {
		cfg.ReplyTimeout = busconn.DefaultReplyTimeout
	}
	if cfg.Poller == "" {
		cfg.Poller = "epoll"
	}
	if cfg.MaxConcurrentConnections == 0 {
		cfg.MaxConcurrentConnections = 64
	}
}

func applyLimitsDefaults(cfg *LimitsConfig) {
	if cfg.MaxMessageLength == 0 {
		cfg.MaxMessageLength = bytesize.ByteSize(busdata.MaxMessageBytes)
	}
	if cfg.MaxArrayLength == 0 {
		cfg.MaxArrayLength = bytesize.ByteSize(busdata.MaxArrayBytes)
	}
	if cfg.MaxUnixFDsPerMessage == 0 {
		cfg.MaxUnixFDsPerMessage = 16
	}
}

// GetDefaultConfig returns a Config with every default applied, useful for
// generating sample configuration files or as a baseline in tests.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

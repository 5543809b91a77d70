// Package config provides configuration loading and validation.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Exchange  ExchangeConfig  `mapstructure:"exchange"`
	Recording RecordingConfig `mapstructure:"recording"`
	Incident  IncidentConfig  `mapstructure:"incident"`
	StatusAPI StatusAPIConfig `mapstructure:"status_api"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// AppConfig holds general application settings.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"log_level"`
}

// ExchangeConfig holds the WebSocket feed's connection and subscription
// settings.
type ExchangeConfig struct {
	WebSocketURL        string        `mapstructure:"websocket_url"`
	Symbols             []string      `mapstructure:"symbols"`
	Depth               int           `mapstructure:"depth"`
	InitialBackoff      time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff          time.Duration `mapstructure:"max_backoff"`
	HandshakeTimeout    time.Duration `mapstructure:"handshake_timeout"`
	CooldownDuration    time.Duration `mapstructure:"cooldown_duration"`
	ResyncFailThreshold int           `mapstructure:"resync_fail_threshold"`
	ExpectedInterval    time.Duration `mapstructure:"expected_interval"`
}

// RecordingConfig holds the frame-journal's defaults. Recording is always
// started/stopped on demand through the status API, and each start request
// names its own journal path; RingSize sets how large the in-memory
// per-symbol ring is. Directory is validated but not otherwise read.
type RecordingConfig struct {
	Directory string `mapstructure:"directory"`
	RingSize  int    `mapstructure:"ring_size"`
}

// IncidentConfig holds the incident bundler's output directory and
// retention knobs. MaxBundles is loaded but not read by the bundler, which
// keeps every bundle it writes.
type IncidentConfig struct {
	Directory  string `mapstructure:"directory"`
	MaxBundles int    `mapstructure:"max_bundles"`
}

// StatusAPIConfig holds the read/write HTTP surface's bind address.
type StatusAPIConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// TelemetryConfig holds observability configuration.
type TelemetryConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	ServiceName    string `mapstructure:"service_name"`
	OTLPEndpoint   string `mapstructure:"otlp_endpoint"`
	OTLPHeaders    string `mapstructure:"otlp_headers"`
	PrometheusPort int    `mapstructure:"prometheus_port"`
}

// Load loads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	// Environment variables
	v.SetEnvPrefix("OBM")
	v.AutomaticEnv()

	// Bind env vars to config keys
	bindEnvVars(v)

	// Set defaults
	setDefaults(v)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found is OK, use env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func bindEnvVars(v *viper.Viper) {
	// App
	v.BindEnv("app.name", "OBM_APP_NAME", "SERVICE_NAME")
	v.BindEnv("app.environment", "OBM_ENVIRONMENT", "ENVIRONMENT")
	v.BindEnv("app.log_level", "OBM_LOG_LEVEL", "LOG_LEVEL")

	// Exchange
	v.BindEnv("exchange.websocket_url", "OBM_EXCHANGE_WS_URL", "EXCHANGE_WS_URL")
	v.BindEnv("exchange.symbols", "OBM_EXCHANGE_SYMBOLS", "EXCHANGE_SYMBOLS")
	v.BindEnv("exchange.depth", "OBM_EXCHANGE_DEPTH")

	// Recording
	v.BindEnv("recording.directory", "OBM_RECORDING_DIR")

	// Incident
	v.BindEnv("incident.directory", "OBM_INCIDENT_DIR")

	// Status API
	v.BindEnv("status_api.listen_addr", "OBM_STATUS_ADDR")

	// Telemetry
	v.BindEnv("telemetry.enabled", "OBM_OTEL_ENABLED", "OTEL_ENABLED")
	v.BindEnv("telemetry.service_name", "OBM_OTEL_SERVICE_NAME", "OTEL_SERVICE_NAME")
	v.BindEnv("telemetry.otlp_endpoint", "OBM_OTEL_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "obmonitor")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")

	// Exchange defaults
	v.SetDefault("exchange.websocket_url", "wss://stream.exchange.example:9443/ws")
	v.SetDefault("exchange.symbols", []string{"BTCUSD"})
	v.SetDefault("exchange.depth", 10)
	v.SetDefault("exchange.initial_backoff", "1s")
	v.SetDefault("exchange.max_backoff", "300s")
	v.SetDefault("exchange.handshake_timeout", "15s")
	v.SetDefault("exchange.cooldown_duration", "60s")
	v.SetDefault("exchange.resync_fail_threshold", 3)
	v.SetDefault("exchange.expected_interval", "1s")

	// Recording defaults
	v.SetDefault("recording.directory", "./data/recordings")
	v.SetDefault("recording.ring_size", 4096)

	// Incident defaults
	v.SetDefault("incident.directory", "./data/incidents")
	v.SetDefault("incident.max_bundles", 200)

	// Status API defaults
	v.SetDefault("status_api.listen_addr", ":8090")

	// Telemetry defaults
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "obmonitor")
	v.SetDefault("telemetry.prometheus_port", 9090)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Exchange.WebSocketURL == "" {
		return fmt.Errorf("exchange.websocket_url is required")
	}
	if len(c.Exchange.Symbols) == 0 {
		return fmt.Errorf("exchange.symbols cannot be empty")
	}
	if c.Exchange.Depth <= 0 {
		return fmt.Errorf("exchange.depth must be positive")
	}
	if c.Recording.Directory == "" {
		return fmt.Errorf("recording.directory is required")
	}
	if c.Incident.Directory == "" {
		return fmt.Errorf("incident.directory is required")
	}
	return nil
}

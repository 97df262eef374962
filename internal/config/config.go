// Package config loads broker and client configuration from environment
// variables (and an optional .env file), the same way the teacher's
// config.go does: struct tags for the variable name and default, a
// Validate pass, and a human-readable Print for startup logs.
package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// BrokerConfig holds everything cmd/syncscribed needs to start the broker.
type BrokerConfig struct {
	// Network
	TCPAddr string `env:"SYNCS_TCP_ADDR" envDefault:":4444"`
	UDPAddr string `env:"SYNCS_UDP_ADDR" envDefault:":4444"`

	// Table capacity (spec.md §4.4 defaults)
	MaxEvents        int `env:"SYNCS_MAX_EVENTS" envDefault:"256"`
	MaxClients       int `env:"SYNCS_MAX_CLIENTS" envDefault:"64"`
	MaxChannels      int `env:"SYNCS_MAX_CHANNELS" envDefault:"32"`
	MaxSubscribers   int `env:"SYNCS_MAX_SUBSCRIBERS" envDefault:"64"`
	EnumRecordsPerPkt int `env:"SYNCS_ENUM_RECORDS_PER_PACKET" envDefault:"32"`

	// Sync delivery (C7)
	SyncOffsetMs int `env:"SYNCS_SYNC_OFFSET_MS" envDefault:"300"`

	// Discovery (C3)
	DiscoveryEnabled bool   `env:"SYNCS_DISCOVERY_ENABLED" envDefault:"true"`
	DiscoveryBeacon  bool   `env:"SYNCS_DISCOVERY_BEACON" envDefault:"false"`
	BeaconIntervalMs int    `env:"SYNCS_BEACON_INTERVAL_MS" envDefault:"500"`
	SSDPAddr         string `env:"SYNCS_SSDP_ADDR" envDefault:"239.255.255.250:1900"`
	ServiceName      string `env:"SYNCS_SERVICE_NAME" envDefault:"syncscribe-server"`
	BrokerUSN        string `env:"SYNCS_BROKER_USN" envDefault:"syncscribe-broker-1"`

	// Crypto envelope (C8), optional
	CryptEnabled bool   `env:"SYNCS_CRYPT_ENABLED" envDefault:"false"`
	CryptKeyHex  string `env:"SYNCS_CRYPT_KEY_HEX" envDefault:""`

	// Connection-rate guard on accept
	MaxConnections       int     `env:"SYNCS_MAX_CONNECTIONS" envDefault:"1000"`
	AcceptRatePerSec     float64 `env:"SYNCS_ACCEPT_RATE_PER_SEC" envDefault:"200"`
	AcceptBurst          int     `env:"SYNCS_ACCEPT_BURST" envDefault:"50"`
	CPUBeaconPauseThresh float64 `env:"SYNCS_CPU_BEACON_PAUSE_THRESHOLD" envDefault:"85.0"`

	// Observability
	MetricsAddr string `env:"SYNCS_METRICS_ADDR" envDefault:":9090"`
	LogLevel    string `env:"SYNCS_LOG_LEVEL" envDefault:"info"`
	LogFormat   string `env:"SYNCS_LOG_FORMAT" envDefault:"json"`
	Environment string `env:"SYNCS_ENVIRONMENT" envDefault:"development"`
}

// LoadBrokerConfig reads configuration from .env and the environment.
// Priority: real environment variables > .env file > struct defaults.
func LoadBrokerConfig(logger *zerolog.Logger) (*BrokerConfig, error) {
	logDotenvResult(godotenv.Load(), logger)

	cfg := &BrokerConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse broker config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate broker config: %w", err)
	}
	return cfg, nil
}

// Validate checks the broker configuration for internally-inconsistent or
// out-of-range values.
func (c *BrokerConfig) Validate() error {
	if c.TCPAddr == "" {
		return fmt.Errorf("SYNCS_TCP_ADDR is required")
	}
	if c.MaxEvents < 1 {
		return fmt.Errorf("SYNCS_MAX_EVENTS must be > 0, got %d", c.MaxEvents)
	}
	if c.MaxClients < 1 {
		return fmt.Errorf("SYNCS_MAX_CLIENTS must be > 0, got %d", c.MaxClients)
	}
	if c.MaxChannels < 1 {
		return fmt.Errorf("SYNCS_MAX_CHANNELS must be > 0, got %d", c.MaxChannels)
	}
	if c.SyncOffsetMs < 0 {
		return fmt.Errorf("SYNCS_SYNC_OFFSET_MS must be >= 0, got %d", c.SyncOffsetMs)
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("SYNCS_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.CryptEnabled && strings.TrimSpace(c.CryptKeyHex) == "" {
		return fmt.Errorf("SYNCS_CRYPT_KEY_HEX is required when SYNCS_CRYPT_ENABLED=true")
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("SYNCS_LOG_LEVEL must be one of: debug, info, warn, error (got %s)", c.LogLevel)
	}
	validFormats := map[string]bool{"json": true, "pretty": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("SYNCS_LOG_FORMAT must be one of: json, pretty (got %s)", c.LogFormat)
	}
	return nil
}

// Print writes a human-readable configuration dump to stdout, for local
// startup logs before a structured logger is wired up.
func (c *BrokerConfig) Print() {
	fmt.Println("=== SyncScribe Broker Configuration ===")
	fmt.Printf("Environment:       %s\n", c.Environment)
	fmt.Printf("TCP Addr:          %s\n", c.TCPAddr)
	fmt.Printf("UDP Addr:          %s\n", c.UDPAddr)
	fmt.Printf("Tables:            events=%d clients=%d channels=%d subs/event=%d\n",
		c.MaxEvents, c.MaxClients, c.MaxChannels, c.MaxSubscribers)
	fmt.Printf("Sync offset:       %dms\n", c.SyncOffsetMs)
	fmt.Printf("Discovery:         enabled=%v beacon=%v addr=%s service=%q\n",
		c.DiscoveryEnabled, c.DiscoveryBeacon, c.SSDPAddr, c.ServiceName)
	fmt.Printf("Crypto envelope:   enabled=%v\n", c.CryptEnabled)
	fmt.Printf("Max connections:   %d (accept %.0f/s, burst %d)\n", c.MaxConnections, c.AcceptRatePerSec, c.AcceptBurst)
	fmt.Printf("Log:               level=%s format=%s\n", c.LogLevel, c.LogFormat)
	fmt.Println("========================================")
}

// LogConfig emits most of what Print shows, as structured fields on a
// zerolog event, for production startup logs. It leaves out the
// per-event subscriber limit, the SSDP address and service name, the
// accept rate and burst, and the log level and format.
func (c *BrokerConfig) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("tcp_addr", c.TCPAddr).
		Str("udp_addr", c.UDPAddr).
		Int("max_events", c.MaxEvents).
		Int("max_clients", c.MaxClients).
		Int("max_channels", c.MaxChannels).
		Int("sync_offset_ms", c.SyncOffsetMs).
		Bool("discovery_enabled", c.DiscoveryEnabled).
		Bool("discovery_beacon", c.DiscoveryBeacon).
		Bool("crypt_enabled", c.CryptEnabled).
		Int("max_connections", c.MaxConnections).
		Msg("broker configuration loaded")
}

// ClientConfig holds everything internal/client needs to drive a connection
// to a broker.
type ClientConfig struct {
	ServerAddr           string `env:"SYNCS_SERVER_ADDR" envDefault:"127.0.0.1:4444"`
	ClientLabel          string `env:"SYNCS_CLIENT_ID" envDefault:""`
	DiscoveryEnabled     bool   `env:"SYNCS_CLIENT_DISCOVERY_ENABLED" envDefault:"false"`
	ReconnectMinBackoffMs int   `env:"SYNCS_RECONNECT_MIN_BACKOFF_MS" envDefault:"300"`
	ReconnectMaxBackoffMs int   `env:"SYNCS_RECONNECT_MAX_BACKOFF_MS" envDefault:"1000"`
	RequestTimeoutMs     int    `env:"SYNCS_REQUEST_TIMEOUT_MS" envDefault:"2000"`
	CryptEnabled         bool   `env:"SYNCS_CRYPT_ENABLED" envDefault:"false"`
	CryptKeyHex          string `env:"SYNCS_CRYPT_KEY_HEX" envDefault:""`
	LogLevel             string `env:"SYNCS_LOG_LEVEL" envDefault:"info"`
	LogFormat            string `env:"SYNCS_LOG_FORMAT" envDefault:"json"`
}

// LoadClientConfig reads client configuration the same way LoadBrokerConfig
// does.
func LoadClientConfig(logger *zerolog.Logger) (*ClientConfig, error) {
	logDotenvResult(godotenv.Load(), logger)

	cfg := &ClientConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse client config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate client config: %w", err)
	}
	return cfg, nil
}

// Validate checks the client configuration.
func (c *ClientConfig) Validate() error {
	if c.ServerAddr == "" && !c.DiscoveryEnabled {
		return fmt.Errorf("SYNCS_SERVER_ADDR is required when discovery is disabled")
	}
	if c.ReconnectMinBackoffMs < 0 || c.ReconnectMaxBackoffMs < c.ReconnectMinBackoffMs {
		return fmt.Errorf("reconnect backoff range invalid: min=%d max=%d", c.ReconnectMinBackoffMs, c.ReconnectMaxBackoffMs)
	}
	if c.CryptEnabled && strings.TrimSpace(c.CryptKeyHex) == "" {
		return fmt.Errorf("SYNCS_CRYPT_KEY_HEX is required when SYNCS_CRYPT_ENABLED=true")
	}
	return nil
}

func logDotenvResult(err error, logger *zerolog.Logger) {
	if err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
		return
	}
	if logger != nil {
		logger.Info().Msg("loaded configuration overrides from .env file")
	}
}

package config

import "testing"

func TestBrokerConfigDefaultsValidate(t *testing.T) {
	cfg := &BrokerConfig{
		TCPAddr:         ":4444",
		MaxEvents:       256,
		MaxClients:      64,
		MaxChannels:     32,
		SyncOffsetMs:    300,
		MaxConnections:  1000,
		LogLevel:        "info",
		LogFormat:       "json",
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() on sane defaults: %v", err)
	}
}

func TestBrokerConfigRejectsBadLogLevel(t *testing.T) {
	cfg := &BrokerConfig{
		TCPAddr:        ":4444",
		MaxEvents:      1,
		MaxClients:     1,
		MaxChannels:    1,
		MaxConnections: 1,
		LogLevel:       "verbose",
		LogFormat:      "json",
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for invalid log level")
	}
}

func TestBrokerConfigRequiresCryptKeyWhenEnabled(t *testing.T) {
	cfg := &BrokerConfig{
		TCPAddr:        ":4444",
		MaxEvents:      1,
		MaxClients:     1,
		MaxChannels:    1,
		MaxConnections: 1,
		LogLevel:       "info",
		LogFormat:      "json",
		CryptEnabled:   true,
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error when crypt enabled without a key")
	}
}

func TestClientConfigRequiresServerAddrUnlessDiscovery(t *testing.T) {
	cfg := &ClientConfig{}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for empty server addr without discovery")
	}
	cfg.DiscoveryEnabled = true
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() with discovery enabled: %v", err)
	}
}

func TestClientConfigBackoffRange(t *testing.T) {
	cfg := &ClientConfig{ServerAddr: "127.0.0.1:4444", ReconnectMinBackoffMs: 1000, ReconnectMaxBackoffMs: 300}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for inverted backoff range")
	}
}

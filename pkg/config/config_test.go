package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected default config to be valid, got: %v", err)
	}
	if cfg.Client.ConnectAttempts != 5 {
		t.Errorf("ConnectAttempts = %d, want 5", cfg.Client.ConnectAttempts)
	}
	if cfg.Client.RequestTimeout != 5*time.Second {
		t.Errorf("RequestTimeout = %v, want 5s", cfg.Client.RequestTimeout)
	}
	if cfg.WebRTC.NegotiationTimeout != 15*time.Second {
		t.Errorf("NegotiationTimeout = %v, want 15s", cfg.WebRTC.NegotiationTimeout)
	}
}

func TestValidate_RateLimitingDisabled_AllowsZeroValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = false
	// Zero out rate limiting values to ensure they are ignored when disabled.
	cfg.RateLimiting.HTTP.RequestsPerSecond = 0
	cfg.RateLimiting.HTTP.Burst = 0
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 0
	cfg.RateLimiting.WebSocket.Burst = 0

	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected config to be valid when rate limiting disabled, got error: %v", err)
	}
}

func TestValidate_InvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{
			name:   "empty signal address",
			mutate: func(c *Config) { c.Signal.Address = "" },
		},
		{
			name:   "pong timeout not above ping interval",
			mutate: func(c *Config) { c.Signal.PongTimeout = c.Signal.PingInterval },
		},
		{
			name:   "zero connect attempts",
			mutate: func(c *Config) { c.Client.ConnectAttempts = 0 },
		},
		{
			name:   "max backoff below initial",
			mutate: func(c *Config) { c.Client.MaxBackoff = c.Client.InitialBackoff / 2 },
		},
		{
			name:   "zero request timeout",
			mutate: func(c *Config) { c.Client.RequestTimeout = 0 },
		},
		{
			name:   "zero negotiation timeout",
			mutate: func(c *Config) { c.WebRTC.NegotiationTimeout = 0 },
		},
		{
			name: "port range with only min",
			mutate: func(c *Config) {
				c.WebRTC.PortRange.Min = 40000
			},
		},
		{
			name: "ice server without urls",
			mutate: func(c *Config) {
				c.WebRTC.ICEServers = []ICEServer{{}}
			},
		},
		{
			name: "auth required without secret",
			mutate: func(c *Config) {
				c.Auth.Required = true
				c.Auth.JWTSecret = ""
			},
		},
		{
			name: "redis ttl not above pong timeout",
			mutate: func(c *Config) {
				c.Redis.Enabled = true
				c.Redis.StreamTTL = c.Signal.PongTimeout
			},
		},
		{
			name: "ws messages per second must be > 0",
			mutate: func(c *Config) {
				c.RateLimiting.Enabled = true
				c.RateLimiting.WebSocket.MessagesPerSecond = 0
			},
		},
		{
			name: "http burst must be > 0",
			mutate: func(c *Config) {
				c.RateLimiting.Enabled = true
				c.RateLimiting.HTTP.Burst = 0
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)

			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error for case %q, got nil", tc.name)
			}
		})
	}
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "livecast.yaml")
	data := []byte(`
client:
  relay_url: ws://relay.example:9000/ws
  request_timeout: 2s
webrtc:
  negotiation_timeout: 20s
logging:
  level: debug
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Client.RelayURL != "ws://relay.example:9000/ws" {
		t.Errorf("RelayURL = %q", cfg.Client.RelayURL)
	}
	if cfg.Client.RequestTimeout != 2*time.Second {
		t.Errorf("RequestTimeout = %v, want 2s", cfg.Client.RequestTimeout)
	}
	if cfg.WebRTC.NegotiationTimeout != 20*time.Second {
		t.Errorf("NegotiationTimeout = %v, want 20s", cfg.WebRTC.NegotiationTimeout)
	}
	// untouched values keep their defaults
	if cfg.Client.ConnectAttempts != 5 {
		t.Errorf("ConnectAttempts = %d, want default 5", cfg.Client.ConnectAttempts)
	}
}

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	t.Setenv("LIVECAST_RELAY_URL", "ws://override:1/ws")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Client.RelayURL != "ws://override:1/ws" {
		t.Errorf("env override not applied, RelayURL = %q", cfg.Client.RelayURL)
	}
}

func TestLoad_InvalidFileIsRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("client:\n  connect_attempts: 0\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error")
	}
}

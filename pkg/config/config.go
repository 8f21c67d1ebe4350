package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type Config struct {
	Signal struct {
		Address             string        `yaml:"address"`
		PingInterval        time.Duration `yaml:"ping_interval"`
		PongTimeout         time.Duration `yaml:"pong_timeout"`
		WriteTimeout        time.Duration `yaml:"write_timeout"`
		ShutdownTimeout     time.Duration `yaml:"shutdown_timeout"`
		MaxMessageSizeBytes int64         `yaml:"max_message_size_bytes"`
	} `yaml:"signal"`

	Client struct {
		RelayURL          string        `yaml:"relay_url"`
		Token             string        `yaml:"token,omitempty"`
		ConnectAttempts   int           `yaml:"connect_attempts"`
		AttemptTimeout    time.Duration `yaml:"attempt_timeout"`
		InitialBackoff    time.Duration `yaml:"initial_backoff"`
		MaxBackoff        time.Duration `yaml:"max_backoff"`
		RequestTimeout    time.Duration `yaml:"request_timeout"`
		ReconcileInterval time.Duration `yaml:"reconcile_interval"`
		MessagesPerSecond float64       `yaml:"messages_per_second"`
		Burst             int           `yaml:"burst"`
	} `yaml:"client"`

	WebRTC struct {
		ICEServers []ICEServer `yaml:"ice_servers"`
		PortRange  struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
		NegotiationTimeout time.Duration `yaml:"negotiation_timeout"`
	} `yaml:"webrtc"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
		PrometheusPort    int  `yaml:"prometheus_port"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		ServiceName string  `yaml:"service_name"`
		JaegerURL   string  `yaml:"jaeger_url"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled   bool          `yaml:"enabled"`
		Address   string        `yaml:"address"`
		Password  string        `yaml:"password"`
		DB        int           `yaml:"db"`
		PoolSize  int           `yaml:"pool_size"`
		StreamTTL time.Duration `yaml:"stream_ttl"`
	} `yaml:"redis"`

	Auth struct {
		Required  bool          `yaml:"required"`
		JWTSecret string        `yaml:"jwt_secret"`
		TokenTTL  time.Duration `yaml:"token_ttl"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
		} `yaml:"http"`

		WebSocket struct {
			MessagesPerSecond float64 `yaml:"messages_per_second"`
			Burst             int     `yaml:"burst"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Signal
	if c.Signal.Address == "" {
		return fmt.Errorf("signal.address must not be empty")
	}
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be > signal.ping_interval")
	}
	if c.Signal.WriteTimeout <= 0 {
		return fmt.Errorf("signal.write_timeout must be > 0")
	}
	if c.Signal.MaxMessageSizeBytes < 0 {
		return fmt.Errorf("signal.max_message_size_bytes must be >= 0")
	}

	// Client
	if c.Client.ConnectAttempts <= 0 {
		return fmt.Errorf("client.connect_attempts must be > 0")
	}
	if c.Client.AttemptTimeout <= 0 {
		return fmt.Errorf("client.attempt_timeout must be > 0")
	}
	if c.Client.InitialBackoff <= 0 || c.Client.MaxBackoff < c.Client.InitialBackoff {
		return fmt.Errorf("client backoff must satisfy 0 < initial_backoff <= max_backoff")
	}
	if c.Client.RequestTimeout <= 0 {
		return fmt.Errorf("client.request_timeout must be > 0")
	}
	if c.Client.ReconcileInterval < 0 {
		return fmt.Errorf("client.reconcile_interval must be >= 0")
	}
	if c.Client.MessagesPerSecond < 0 || c.Client.Burst < 0 {
		return fmt.Errorf("client outbound rate limits must be >= 0")
	}

	// WebRTC
	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}
	if c.WebRTC.NegotiationTimeout <= 0 {
		return fmt.Errorf("webrtc.negotiation_timeout must be > 0")
	}
	for i, s := range c.WebRTC.ICEServers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("webrtc.ice_servers[%d].urls must not be empty", i)
		}
	}

	// Monitoring
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort <= 0 {
		return fmt.Errorf("monitoring.prometheus_port must be > 0 when prometheus_enabled=true")
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
		if c.Redis.StreamTTL <= c.Signal.PongTimeout {
			return fmt.Errorf("redis.stream_ttl must be > signal.pong_timeout")
		}
	}

	// Auth
	if c.Auth.Required && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty when auth.required=true")
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be > 0")
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadFirst tries each path in order and returns the first configuration that loads.
func LoadFirst(paths ...string) (*Config, string, error) {
	var lastErr error
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		cfg, err := Load(path)
		if err == nil {
			return cfg, path, nil
		}
		lastErr = err
	}
	if lastErr != nil {
		return nil, "", lastErr
	}
	cfg := DefaultConfig()
	cfg.applyEnvOverrides()
	return cfg, "", nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Signal.Address = ":8081"
	cfg.Signal.PingInterval = 15 * time.Second
	cfg.Signal.PongTimeout = 40 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.ShutdownTimeout = 15 * time.Second
	cfg.Signal.MaxMessageSizeBytes = 64 * 1024

	cfg.Client.RelayURL = "ws://localhost:8081/ws"
	cfg.Client.ConnectAttempts = 5
	cfg.Client.AttemptTimeout = 10 * time.Second
	cfg.Client.InitialBackoff = 500 * time.Millisecond
	cfg.Client.MaxBackoff = 8 * time.Second
	cfg.Client.RequestTimeout = 5 * time.Second
	cfg.Client.ReconcileInterval = 30 * time.Second
	cfg.Client.MessagesPerSecond = 50
	cfg.Client.Burst = 100

	cfg.WebRTC.ICEServers = []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	cfg.WebRTC.NegotiationTimeout = 15 * time.Second

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.PrometheusPort = 9090

	cfg.Tracing.Enabled = false
	cfg.Tracing.ServiceName = "livecast"
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10
	cfg.Redis.StreamTTL = 2 * time.Minute

	cfg.Auth.Required = false
	cfg.Auth.TokenTTL = 12 * time.Hour

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 20
	cfg.RateLimiting.HTTP.Burst = 40
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 100
	cfg.RateLimiting.WebSocket.Burst = 200

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("LIVECAST_SIGNAL_ADDRESS"); addr != "" {
		c.Signal.Address = addr
	}
	if url := os.Getenv("LIVECAST_RELAY_URL"); url != "" {
		c.Client.RelayURL = url
	}
	if token := os.Getenv("LIVECAST_TOKEN"); token != "" {
		c.Client.Token = token
	}
	if level := os.Getenv("LIVECAST_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("LIVECAST_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if addr := os.Getenv("LIVECAST_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
		c.Redis.Enabled = true
	}
	if v := os.Getenv("LIVECAST_AUTH_REQUIRED"); v != "" {
		if required, err := strconv.ParseBool(v); err == nil {
			c.Auth.Required = required
		}
	}
}

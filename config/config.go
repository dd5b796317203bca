// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/absmach/fluxjms/storage"
	"github.com/absmach/fluxjms/store"
	"github.com/absmach/fluxjms/types"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the broker.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Transport    TransportConfig    `yaml:"transport"`
	Session      SessionConfig      `yaml:"session"`
	Dispatcher   DispatcherConfig   `yaml:"dispatcher"`
	Watchdog     WatchdogConfig     `yaml:"watchdog"`
	Storage      StorageConfig      `yaml:"storage"`
	Destinations DestinationsConfig `yaml:"destinations"`
	Log          LogConfig          `yaml:"log"`
	Health       HealthConfig       `yaml:"health"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	RateLimit    RateLimitConfig    `yaml:"ratelimit"`
	Webhook      WebhookConfig      `yaml:"webhook"`
}

// ServerConfig holds listener configuration.
type ServerConfig struct {
	Name            string          `yaml:"name"`
	TCP             TCPConfig       `yaml:"tcp"`
	WebSocket       WebSocketConfig `yaml:"websocket"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout"`
}

// TCPConfig configures the TCP listener.
type TCPConfig struct {
	Addr           string    `yaml:"addr"`
	MaxConnections int       `yaml:"max_connections"`
	TLS            TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS listener settings.
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	CAFile     string `yaml:"ca_file"`     // CA certificate for client verification
	ClientAuth string `yaml:"client_auth"` // "none", "request", or "require"
}

// WebSocketConfig configures the WebSocket listener.
type WebSocketConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Path    string `yaml:"path"`
}

// TransportConfig holds packet transport settings shared by every connection.
type TransportConfig struct {
	MaxPayload       int           `yaml:"max_payload"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	HighWatermark    int           `yaml:"high_watermark"` // queued outbound bytes that throttle dispatch
	LowWatermark     int           `yaml:"low_watermark"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"` // 0 disables eviction
	// BlockOnThrottle makes broker sends wait above the high watermark
	// instead of queueing past it.
	BlockOnThrottle bool `yaml:"block_on_throttle"`
}

// SessionConfig holds per-session limits.
type SessionConfig struct {
	SendRate  float64 `yaml:"send_rate"` // messages per second, 0 = unlimited
	SendBurst int     `yaml:"send_burst"`
}

// DispatcherConfig holds notification batching settings.
type DispatcherConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxBatch      int           `yaml:"max_batch"`
}

// WatchdogConfig holds activity watchdog settings.
type WatchdogConfig struct {
	PollInterval    time.Duration `yaml:"poll_interval"`
	CallbackTimeout time.Duration `yaml:"callback_timeout"`
	Shards          int           `yaml:"shards"`
}

// StorageConfig holds block storage settings for persistent destinations.
type StorageConfig struct {
	Type              string        `yaml:"type"` // "memory", "file" or "badger"
	Dir               string        `yaml:"dir"`
	BlockSize         int           `yaml:"block_size"`
	Durability        string        `yaml:"durability"` // "sync" or "batched"
	SyncInterval      time.Duration `yaml:"sync_interval"`
	CompressThreshold int           `yaml:"compress_threshold"` // 0 disables compression
	GCInterval        time.Duration `yaml:"gc_interval"`        // badger value log GC
}

// DestinationsConfig lists destinations declared at startup.
type DestinationsConfig struct {
	// Ordering is the delivery order of pending messages: "priority"
	// (highest priority first, FIFO within a priority) or "fifo".
	Ordering string                    `yaml:"ordering"`
	Queues   []types.DestinationConfig `yaml:"queues"`
	Topics   []types.DestinationConfig `yaml:"topics"`
}

// All returns the declared queues followed by the declared topics, with
// their kind set.
func (d DestinationsConfig) All() []types.DestinationConfig {
	all := make([]types.DestinationConfig, 0, len(d.Queues)+len(d.Topics))
	for _, q := range d.Queues {
		q.Kind = types.KindQueue
		all = append(all, q)
	}
	for _, t := range d.Topics {
		t.Kind = types.KindTopic
		all = append(all, t)
	}
	return all
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// HealthConfig holds the health and admin HTTP endpoint settings.
type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// MetricsConfig holds OpenTelemetry configuration.
type MetricsConfig struct {
	Enabled         bool    `yaml:"enabled"`
	Endpoint        string  `yaml:"endpoint"` // OTLP gRPC collector
	ServiceName     string  `yaml:"service_name"`
	ServiceVersion  string  `yaml:"service_version"`
	TracesEnabled   bool    `yaml:"traces_enabled"`
	TraceSampleRate float64 `yaml:"trace_sample_rate"` // 0.0 to 1.0
}

// RateLimitConfig holds per-IP connection rate limiting settings.
type RateLimitConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Rate            float64       `yaml:"rate"`  // connections per second per IP
	Burst           int           `yaml:"burst"` // burst allowance
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// WebhookConfig holds webhook notification configuration.
type WebhookConfig struct {
	Enabled         bool              `yaml:"enabled"`
	QueueSize       int               `yaml:"queue_size"`
	DropPolicy      string            `yaml:"drop_policy"`      // "oldest" or "newest"
	Workers         int               `yaml:"workers"`          // Number of worker goroutines
	ShutdownTimeout time.Duration     `yaml:"shutdown_timeout"` // Graceful shutdown timeout
	Defaults        WebhookDefaults   `yaml:"defaults"`
	Endpoints       []WebhookEndpoint `yaml:"endpoints"`
}

// WebhookDefaults holds default settings for webhook endpoints.
type WebhookDefaults struct {
	Timeout        time.Duration        `yaml:"timeout"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// RetryConfig holds retry configuration for webhook delivery.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
}

// CircuitBreakerConfig holds circuit breaker configuration.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// WebhookEndpoint defines a single webhook endpoint configuration.
type WebhookEndpoint struct {
	Name         string            `yaml:"name"`
	Type         string            `yaml:"type"` // "http"
	URL          string            `yaml:"url"`
	Events       []string          `yaml:"events"`       // Event type filter (empty = all)
	Destinations []string          `yaml:"destinations"` // Destination name filter (empty = all)
	Headers      map[string]string `yaml:"headers"`
	Timeout      time.Duration     `yaml:"timeout,omitempty"` // Override default
	Retry        *RetryConfig      `yaml:"retry,omitempty"`   // Override default
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Name: "fluxjms",
			TCP: TCPConfig{
				Addr:           ":61616",
				MaxConnections: 10000,
				TLS: TLSConfig{
					ClientAuth: "none",
				},
			},
			WebSocket: WebSocketConfig{
				Enabled: false,
				Addr:    ":61614",
				Path:    "/jms",
			},
			ShutdownTimeout: 30 * time.Second,
		},
		Transport: TransportConfig{
			MaxPayload:       16 * 1024 * 1024,
			HandshakeTimeout: 10 * time.Second,
			HighWatermark:    4 * 1024 * 1024,
			LowWatermark:     1024 * 1024,
			PingInterval:     30 * time.Second,
			IdleTimeout:      90 * time.Second,
		},
		Session: SessionConfig{
			SendRate:  0,
			SendBurst: 100,
		},
		Dispatcher: DispatcherConfig{
			BatchSize:     32,
			FlushInterval: 5 * time.Millisecond,
			MaxBatch:      64,
		},
		Watchdog: WatchdogConfig{
			PollInterval:    time.Second,
			CallbackTimeout: 5 * time.Second,
			Shards:          16,
		},
		Storage: StorageConfig{
			Type:              "file",
			Dir:               "/tmp/fluxjms/data",
			BlockSize:         512,
			Durability:        "sync",
			SyncInterval:      100 * time.Millisecond,
			CompressThreshold: 0,
			GCInterval:        5 * time.Minute,
		},
		Destinations: DestinationsConfig{
			Ordering: "priority",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Health: HealthConfig{
			Enabled: true,
			Addr:    ":8081",
		},
		Metrics: MetricsConfig{
			Enabled:         false,
			Endpoint:        "localhost:4317",
			ServiceName:     "fluxjms",
			ServiceVersion:  "1.0.0",
			TracesEnabled:   false,
			TraceSampleRate: 0.1,
		},
		RateLimit: RateLimitConfig{
			Enabled:         false,
			Rate:            100.0 / 60.0, // 100 connections per minute per IP
			Burst:           20,
			CleanupInterval: 5 * time.Minute,
		},
		Webhook: WebhookConfig{
			Enabled:         false,
			QueueSize:       10000,
			DropPolicy:      "oldest",
			Workers:         5,
			ShutdownTimeout: 30 * time.Second,
			Defaults: WebhookDefaults{
				Timeout: 5 * time.Second,
				Retry: RetryConfig{
					MaxAttempts:     3,
					InitialInterval: 1 * time.Second,
					MaxInterval:     30 * time.Second,
					Multiplier:      2.0,
				},
				CircuitBreaker: CircuitBreakerConfig{
					FailureThreshold: 5,
					ResetTimeout:     60 * time.Second,
				},
			},
			Endpoints: []WebhookEndpoint{},
		},
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if err := c.validateServer(); err != nil {
		return err
	}

	if c.Transport.MaxPayload < 1024 {
		return fmt.Errorf("transport.max_payload must be at least 1KB")
	}
	if c.Transport.HighWatermark < 0 || c.Transport.LowWatermark < 0 {
		return fmt.Errorf("transport watermarks cannot be negative")
	}
	if c.Transport.LowWatermark > c.Transport.HighWatermark {
		return fmt.Errorf("transport.low_watermark cannot exceed transport.high_watermark")
	}
	if c.Transport.IdleTimeout < 0 || c.Transport.PingInterval < 0 {
		return fmt.Errorf("transport timeouts cannot be negative")
	}
	if c.Transport.IdleTimeout > 0 && c.Transport.PingInterval >= c.Transport.IdleTimeout {
		return fmt.Errorf("transport.ping_interval must be shorter than transport.idle_timeout")
	}

	if c.Session.SendRate < 0 {
		return fmt.Errorf("session.send_rate cannot be negative")
	}
	if c.Session.SendRate > 0 && c.Session.SendBurst < 1 {
		return fmt.Errorf("session.send_burst must be at least 1 when send_rate is set")
	}

	if c.Dispatcher.BatchSize < 1 || c.Dispatcher.MaxBatch < 1 {
		return fmt.Errorf("dispatcher.batch_size and dispatcher.max_batch must be at least 1")
	}

	if c.Watchdog.PollInterval < 10*time.Millisecond {
		return fmt.Errorf("watchdog.poll_interval must be at least 10ms")
	}

	if err := c.validateStorage(); err != nil {
		return err
	}

	if _, err := store.ParseOrdering(c.Destinations.Ordering); err != nil {
		return fmt.Errorf("destinations.ordering: %w", err)
	}
	seen := make(map[types.DestinationRef]bool)
	for i, d := range c.Destinations.All() {
		if err := d.Validate(); err != nil {
			return fmt.Errorf("destinations[%d]: %w", i, err)
		}
		if seen[d.Ref()] {
			return fmt.Errorf("destinations[%d]: %s declared twice", i, d.Ref())
		}
		seen[d.Ref()] = true
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	if c.Health.Enabled && c.Health.Addr == "" {
		return fmt.Errorf("health.addr cannot be empty when health is enabled")
	}

	if c.Metrics.Enabled {
		if c.Metrics.ServiceName == "" {
			return fmt.Errorf("metrics.service_name cannot be empty when metrics enabled")
		}
		if c.Metrics.TraceSampleRate < 0.0 || c.Metrics.TraceSampleRate > 1.0 {
			return fmt.Errorf("metrics.trace_sample_rate must be between 0.0 and 1.0")
		}
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.Rate <= 0 || c.RateLimit.Burst < 1 {
			return fmt.Errorf("ratelimit.rate and ratelimit.burst must be positive")
		}
		if c.RateLimit.CleanupInterval <= 0 {
			return fmt.Errorf("ratelimit.cleanup_interval must be positive")
		}
	}

	return c.validateWebhook()
}

func (c *Config) validateServer() error {
	if c.Server.TCP.Addr == "" && !c.Server.WebSocket.Enabled {
		return fmt.Errorf("no listeners configured: server.tcp.addr is empty and websocket is disabled")
	}
	if c.Server.TCP.MaxConnections < 0 {
		return fmt.Errorf("server.tcp.max_connections cannot be negative")
	}

	tls := c.Server.TCP.TLS
	if tls.Enabled {
		if tls.CertFile == "" {
			return fmt.Errorf("server.tcp.tls.cert_file required when TLS is enabled")
		}
		if tls.KeyFile == "" {
			return fmt.Errorf("server.tcp.tls.key_file required when TLS is enabled")
		}
		switch tls.ClientAuth {
		case "", "none":
		case "request", "require":
			if tls.CAFile == "" {
				return fmt.Errorf("server.tcp.tls.ca_file required when client_auth is '%s'", tls.ClientAuth)
			}
		default:
			return fmt.Errorf("server.tcp.tls.client_auth must be one of: none, request, require")
		}
	}

	if c.Server.WebSocket.Enabled {
		if c.Server.WebSocket.Addr == "" {
			return fmt.Errorf("server.websocket.addr cannot be empty when websocket is enabled")
		}
		if c.Server.WebSocket.Path == "" || c.Server.WebSocket.Path[0] != '/' {
			return fmt.Errorf("server.websocket.path must start with '/'")
		}
	}
	if c.Server.ShutdownTimeout < 0 {
		return fmt.Errorf("server.shutdown_timeout cannot be negative")
	}
	return nil
}

func (c *Config) validateStorage() error {
	switch c.Storage.Type {
	case "memory":
	case "file", "badger":
		if c.Storage.Dir == "" {
			return fmt.Errorf("storage.dir required when type is %s", c.Storage.Type)
		}
	default:
		return fmt.Errorf("storage.type must be one of: memory, file, badger")
	}
	if _, err := storage.ParseDurability(c.Storage.Durability); err != nil {
		return fmt.Errorf("storage.durability: %w", err)
	}
	if c.Storage.Type == "file" && c.Storage.BlockSize < 64 {
		return fmt.Errorf("storage.block_size must be at least 64 bytes")
	}
	if c.Storage.SyncInterval <= 0 {
		return fmt.Errorf("storage.sync_interval must be positive")
	}
	if c.Storage.CompressThreshold < 0 {
		return fmt.Errorf("storage.compress_threshold cannot be negative")
	}
	return nil
}

func (c *Config) validateWebhook() error {
	if !c.Webhook.Enabled {
		return nil
	}
	w := c.Webhook
	if w.QueueSize < 100 {
		return fmt.Errorf("webhook.queue_size must be at least 100")
	}
	if w.DropPolicy != "oldest" && w.DropPolicy != "newest" {
		return fmt.Errorf("webhook.drop_policy must be 'oldest' or 'newest'")
	}
	if w.Workers < 1 {
		return fmt.Errorf("webhook.workers must be at least 1")
	}
	if w.ShutdownTimeout < time.Second {
		return fmt.Errorf("webhook.shutdown_timeout must be at least 1 second")
	}
	if w.Defaults.Timeout < time.Second {
		return fmt.Errorf("webhook.defaults.timeout must be at least 1 second")
	}
	if w.Defaults.Retry.MaxAttempts < 1 {
		return fmt.Errorf("webhook.defaults.retry.max_attempts must be at least 1")
	}
	if w.Defaults.Retry.Multiplier < 1.0 {
		return fmt.Errorf("webhook.defaults.retry.multiplier must be at least 1.0")
	}
	if w.Defaults.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("webhook.defaults.circuit_breaker.failure_threshold must be at least 1")
	}

	for i, ep := range w.Endpoints {
		if ep.Name == "" {
			return fmt.Errorf("webhook.endpoints[%d].name cannot be empty", i)
		}
		if ep.Type != "http" {
			return fmt.Errorf("webhook.endpoints[%d].type must be 'http'", i)
		}
		if ep.URL == "" {
			return fmt.Errorf("webhook.endpoints[%d].url cannot be empty", i)
		}
	}
	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the agent messaging stack.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Broker    BrokerConfig    `yaml:"broker"`
	Registry  RegistryConfig  `yaml:"registry"`
	Protocol  ProtocolConfig  `yaml:"protocol"`
	Messenger MessengerConfig `yaml:"messenger"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig holds process-level server configuration.
type ServerConfig struct {
	NodeID          string        `yaml:"node_id"`
	HealthAddr      string        `yaml:"health_addr"`
	HealthEnabled   bool          `yaml:"health_enabled"`
	MetricsAddr     string        `yaml:"metrics_addr"` // OTLP endpoint
	MetricsEnabled  bool          `yaml:"metrics_enabled"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// OpenTelemetry configuration
	OtelServiceName     string  `yaml:"otel_service_name"`
	OtelServiceVersion  string  `yaml:"otel_service_version"`
	OtelTracesEnabled   bool    `yaml:"otel_traces_enabled"`
	OtelMetricsEnabled  bool    `yaml:"otel_metrics_enabled"`
	OtelTraceSampleRate float64 `yaml:"otel_trace_sample_rate"` // 0.0 to 1.0
}

// BrokerConfig holds message broker settings.
type BrokerConfig struct {
	// Maximum message payload size in bytes
	MaxMessageSize int `yaml:"max_message_size"`

	// Defaults applied when queue config omits them
	DefaultVisibilityTimeout time.Duration `yaml:"default_visibility_timeout"`
	DefaultMaxReceiveCount   int           `yaml:"default_max_receive_count"`
	DefaultPartitionCount    int           `yaml:"default_partition_count"`

	// Auto-create topics on publish to an unknown topic
	AutoCreateTopics bool `yaml:"auto_create_topics"`

	// Expired message sweep interval
	ExpirySweepInterval time.Duration `yaml:"expiry_sweep_interval"`

	// Transaction timeout applied when BeginTransaction receives none
	TransactionTimeout time.Duration `yaml:"transaction_timeout"`
}

// RegistryConfig holds service registry settings.
type RegistryConfig struct {
	// Heartbeat staleness threshold
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`

	// Health sweep interval
	CheckInterval time.Duration `yaml:"check_interval"`

	// Consecutive heartbeat misses before an agent goes offline
	FailureThreshold int `yaml:"failure_threshold"`

	// Consecutive heartbeats before a degraded agent is promoted back online
	SuccessThreshold int `yaml:"success_threshold"`
}

// ProtocolConfig holds the JSON-RPC transport settings.
type ProtocolConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	Path            string        `yaml:"path"`
	SharedSecret    string        `yaml:"shared_secret"`
	PoolSize        int           `yaml:"pool_size"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Reconnect policy
	ReconnectEnabled     bool          `yaml:"reconnect_enabled"`
	ReconnectDelay       time.Duration `yaml:"reconnect_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
}

// MessengerConfig holds universal messenger settings.
type MessengerConfig struct {
	QueueProcessInterval time.Duration `yaml:"queue_process_interval"`
	DefaultMaxAttempts   int           `yaml:"default_max_attempts"`
	DefaultTTL           time.Duration `yaml:"default_ttl"`
	AckTimeout           time.Duration `yaml:"ack_timeout"`
	DeliveryHistorySize  int           `yaml:"delivery_history_size"`
}

// RateLimitConfig holds connection-layer rate limiting settings.
type RateLimitConfig struct {
	Enabled         bool          `yaml:"enabled"`
	RequestsPerSec  float64       `yaml:"requests_per_sec"`
	Burst           int           `yaml:"burst"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// WebhookConfig holds webhook notification configuration.
type WebhookConfig struct {
	Enabled         bool              `yaml:"enabled"`
	QueueSize       int               `yaml:"queue_size"`
	Workers         int               `yaml:"workers"`
	ShutdownTimeout time.Duration     `yaml:"shutdown_timeout"`
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
	Name    string            `yaml:"name"`
	URL     string            `yaml:"url"`
	Events  []string          `yaml:"events"` // Event type filter (empty = all)
	Headers map[string]string `yaml:"headers"`
	Timeout time.Duration     `yaml:"timeout,omitempty"` // Override default
	Retry   *RetryConfig      `yaml:"retry,omitempty"`   // Override default
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			NodeID:          "mesh-1",
			HealthAddr:      ":8081",
			HealthEnabled:   true,
			MetricsAddr:     "localhost:4317",
			MetricsEnabled:  false,
			ShutdownTimeout: 30 * time.Second,

			OtelServiceName:     "agent-mesh",
			OtelServiceVersion:  "1.0.0",
			OtelMetricsEnabled:  true,
			OtelTracesEnabled:   false,
			OtelTraceSampleRate: 0.1,
		},
		Broker: BrokerConfig{
			MaxMessageSize:           1024 * 1024, // 1MB
			DefaultVisibilityTimeout: 30 * time.Second,
			DefaultMaxReceiveCount:   3,
			DefaultPartitionCount:    3,
			AutoCreateTopics:         false,
			ExpirySweepInterval:      time.Second,
			TransactionTimeout:       60 * time.Second,
		},
		Registry: RegistryConfig{
			HeartbeatTimeout: 30 * time.Second,
			CheckInterval:    10 * time.Second,
			FailureThreshold: 3,
			SuccessThreshold: 2,
		},
		Protocol: ProtocolConfig{
			ListenAddr:      ":8084",
			Path:            "/rpc",
			PoolSize:        5,
			RequestTimeout:  30 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 30 * time.Second,

			ReconnectEnabled:     true,
			ReconnectDelay:       time.Second,
			MaxReconnectAttempts: 5,
		},
		Messenger: MessengerConfig{
			QueueProcessInterval: time.Second,
			DefaultMaxAttempts:   3,
			DefaultTTL:           5 * time.Minute,
			AckTimeout:           30 * time.Second,
			DeliveryHistorySize:  1000,
		},
		RateLimit: RateLimitConfig{
			Enabled:         false,
			RequestsPerSec:  100,
			Burst:           200,
			CleanupInterval: time.Minute,
		},
		Webhook: WebhookConfig{
			Enabled:         false,
			QueueSize:       10000,
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
		Log: LogConfig{
			Level:  "info",
			Format: "text",
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
	if c.Server.NodeID == "" {
		return fmt.Errorf("server.node_id cannot be empty")
	}

	if c.Broker.MaxMessageSize < 1024 {
		return fmt.Errorf("broker.max_message_size must be at least 1KB")
	}
	if c.Broker.DefaultVisibilityTimeout < time.Millisecond {
		return fmt.Errorf("broker.default_visibility_timeout must be positive")
	}
	if c.Broker.DefaultMaxReceiveCount < 1 {
		return fmt.Errorf("broker.default_max_receive_count must be at least 1")
	}
	if c.Broker.DefaultPartitionCount < 1 {
		return fmt.Errorf("broker.default_partition_count must be at least 1")
	}
	if c.Broker.ExpirySweepInterval < time.Millisecond {
		return fmt.Errorf("broker.expiry_sweep_interval must be positive")
	}

	if c.Registry.HeartbeatTimeout < time.Millisecond {
		return fmt.Errorf("registry.heartbeat_timeout must be positive")
	}
	if c.Registry.FailureThreshold < 1 {
		return fmt.Errorf("registry.failure_threshold must be at least 1")
	}
	if c.Registry.SuccessThreshold < 1 {
		return fmt.Errorf("registry.success_threshold must be at least 1")
	}

	if c.Protocol.ListenAddr == "" {
		return fmt.Errorf("protocol.listen_addr cannot be empty")
	}
	if c.Protocol.PoolSize < 1 {
		return fmt.Errorf("protocol.pool_size must be at least 1")
	}
	if c.Protocol.RequestTimeout < time.Millisecond {
		return fmt.Errorf("protocol.request_timeout must be positive")
	}
	if c.Protocol.ReconnectEnabled && c.Protocol.ReconnectDelay < time.Millisecond {
		return fmt.Errorf("protocol.reconnect_delay must be positive when reconnect is enabled")
	}

	if c.Messenger.QueueProcessInterval < time.Millisecond {
		return fmt.Errorf("messenger.queue_process_interval must be positive")
	}
	if c.Messenger.DefaultMaxAttempts < 1 {
		return fmt.Errorf("messenger.default_max_attempts must be at least 1")
	}
	if c.Messenger.DeliveryHistorySize < 1 {
		return fmt.Errorf("messenger.delivery_history_size must be at least 1")
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.RequestsPerSec <= 0 {
			return fmt.Errorf("rate_limit.requests_per_sec must be positive")
		}
		if c.RateLimit.Burst < 1 {
			return fmt.Errorf("rate_limit.burst must be at least 1")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	// OpenTelemetry validation (only if metrics enabled)
	if c.Server.MetricsEnabled {
		if c.Server.OtelServiceName == "" {
			return fmt.Errorf("server.otel_service_name cannot be empty when metrics enabled")
		}
		if c.Server.OtelTraceSampleRate < 0.0 || c.Server.OtelTraceSampleRate > 1.0 {
			return fmt.Errorf("server.otel_trace_sample_rate must be between 0.0 and 1.0")
		}
	}

	// Webhook validation (only if enabled)
	if c.Webhook.Enabled {
		if c.Webhook.QueueSize < 100 {
			return fmt.Errorf("webhook.queue_size must be at least 100")
		}
		if c.Webhook.Workers < 1 {
			return fmt.Errorf("webhook.workers must be at least 1")
		}
		if c.Webhook.Defaults.Timeout < time.Second {
			return fmt.Errorf("webhook.defaults.timeout must be at least 1 second")
		}
		if c.Webhook.Defaults.Retry.MaxAttempts < 1 {
			return fmt.Errorf("webhook.defaults.retry.max_attempts must be at least 1")
		}
		if c.Webhook.Defaults.Retry.Multiplier < 1.0 {
			return fmt.Errorf("webhook.defaults.retry.multiplier must be at least 1.0")
		}
		if c.Webhook.Defaults.CircuitBreaker.FailureThreshold < 1 {
			return fmt.Errorf("webhook.defaults.circuit_breaker.failure_threshold must be at least 1")
		}

		for i, endpoint := range c.Webhook.Endpoints {
			if endpoint.Name == "" {
				return fmt.Errorf("webhook.endpoints[%d].name cannot be empty", i)
			}
			if endpoint.URL == "" {
				return fmt.Errorf("webhook.endpoints[%d].url cannot be empty", i)
			}
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

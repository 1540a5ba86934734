// Package config provides configuration loading and management for the
// application-functions SDK.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Trigger type values for TriggerConfig.Type (compared case-insensitively).
const (
	TriggerTypeMessageBus = "messagebus"
	TriggerTypeMQTT       = "external-mqtt"
	TriggerTypeHTTP       = "http"
)

// Database type values for DatabaseConfig.Type.
const (
	DatabaseTypeSQLite = "sqlite"
	DatabaseTypeRedis  = "redis"
)

// MQTT broker authentication modes.
const (
	AuthModeNone             = "none"
	AuthModeUsernamePassword = "usernamepassword"
	AuthModeClientCert       = "clientcert"
	AuthModeCACert           = "cacert"
)

// MinRetryInterval is the floor for the store-and-forward retry interval.
const MinRetryInterval = time.Second

// ServiceConfig is the root configuration for an application service.
type ServiceConfig struct {
	Writable   WritableConfig   `yaml:"writable"`
	Service    ServiceInfo      `yaml:"service"`
	Registry   RegistryConfig   `yaml:"registry"`
	Database   DatabaseConfig   `yaml:"database"`
	MessageBus MessageBusConfig `yaml:"messageBus"`
	Trigger    TriggerConfig    `yaml:"trigger"`
	// ApplicationSettings holds free-form settings for user pipeline code.
	ApplicationSettings map[string]string `yaml:"applicationSettings"`
}

// WritableConfig holds settings that may change while the service runs.
type WritableConfig struct {
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"logLevel"`
	// Pipeline configures pipelines built from configuration rather than code.
	Pipeline PipelineConfig `yaml:"pipeline"`
	// StoreAndForward configures the durable retry engine.
	StoreAndForward StoreAndForwardConfig `yaml:"storeAndForward"`
	// InsecureSecrets seeds the insecure secret provider, keyed by secret name.
	InsecureSecrets map[string]InsecureSecret `yaml:"insecureSecrets"`
}

// PipelineConfig describes configuration-driven pipelines.
type PipelineConfig struct {
	// TargetType selects what envelopes decode into: "raw", "event", or
	// empty to keep the target the service was built with.
	TargetType string `yaml:"targetType"`
	// ExecutionOrder is a comma-separated list of function names forming
	// the default pipeline.
	ExecutionOrder string `yaml:"executionOrder"`
	// PerTopicPipelines defines additional pipelines keyed by pipeline id.
	PerTopicPipelines map[string]TopicPipeline `yaml:"perTopicPipelines"`
	// Functions holds per-function parameters, keyed by function name.
	Functions map[string]PipelineFunction `yaml:"functions"`
	// WatchFile reloads the configurable pipelines when the config file changes.
	WatchFile bool `yaml:"watchFile"`
}

// TopicPipeline is one configuration-driven pipeline bound to topics.
type TopicPipeline struct {
	// Topics is a comma-separated list of topic patterns.
	Topics string `yaml:"topics"`
	// ExecutionOrder is a comma-separated list of function names.
	ExecutionOrder string `yaml:"executionOrder"`
}

// PipelineFunction carries the parameters for one configurable function.
type PipelineFunction struct {
	Parameters map[string]string `yaml:"parameters"`
}

// StoreAndForwardConfig controls the durable retry engine.
type StoreAndForwardConfig struct {
	Enabled bool `yaml:"enabled"`
	// RetryInterval is a duration string; values below one second are
	// raised to one second with a warning.
	RetryInterval string `yaml:"retryInterval"`
	// MaxRetryCount bounds retries per stored object; zero means unbounded.
	MaxRetryCount int `yaml:"maxRetryCount"`
}

// InsecureSecret is one named secret kept in configuration.
type InsecureSecret struct {
	SecretName string            `yaml:"secretName"`
	SecretData map[string]string `yaml:"secretData"`
}

// ServiceInfo identifies the service and its HTTP listener.
type ServiceInfo struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// StartupMsg is logged once the service is running.
	StartupMsg string `yaml:"startupMsg"`
	// RequestTimeout is a duration string bounding HTTP request handling.
	RequestTimeout string `yaml:"requestTimeout"`
	// MaxRequestSize caps request bodies in bytes; zero means unlimited.
	MaxRequestSize int64 `yaml:"maxRequestSize"`
}

// RegistryConfig locates the service registry, consumed only when the
// registry is enabled on the command line.
type RegistryConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	Type string `yaml:"type"`
}

// DatabaseConfig locates the store-and-forward backing store.
type DatabaseConfig struct {
	// Type is sqlite or redis.
	Type string `yaml:"type"`
	// Host is the database host, or the file path for sqlite.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// Timeout is a duration string for store operations.
	Timeout string `yaml:"timeout"`
}

// MessageBusConfig locates the message bus shared by the service.
type MessageBusConfig struct {
	// Type names the bus implementation; nats is the built-in.
	Type string `yaml:"type"`
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// ClientID identifies this service on the bus.
	ClientID string `yaml:"clientId"`
	// BaseTopicPrefix is prepended to all subscribe and publish topics.
	BaseTopicPrefix string `yaml:"baseTopicPrefix"`
	// Embedded starts an in-process broker instead of dialing Host:Port.
	Embedded bool `yaml:"embedded"`
}

// TriggerConfig selects and configures the inbound trigger.
type TriggerConfig struct {
	// Type is messagebus, external-mqtt, http, or a registered custom type.
	Type string `yaml:"type"`
	// SubscribeTopics is a comma-separated list of topic patterns.
	SubscribeTopics string `yaml:"subscribeTopics"`
	// PublishTopic, when set, receives pipeline responses. It may contain
	// {key} placeholders resolved against the function context.
	PublishTopic string `yaml:"publishTopic"`
	// ExternalMqtt applies when Type is external-mqtt.
	ExternalMqtt ExternalMQTTConfig `yaml:"externalMqtt"`
}

// ExternalMQTTConfig configures the connection to an external MQTT broker.
type ExternalMQTTConfig struct {
	Url      string `yaml:"url"`
	ClientId string `yaml:"clientId"`
	// ConnectTimeout and KeepAlive are duration strings.
	ConnectTimeout string `yaml:"connectTimeout"`
	KeepAlive      string `yaml:"keepAlive"`
	AutoReconnect  bool   `yaml:"autoReconnect"`
	// MaxReconnectInterval is a duration string; empty keeps the client default.
	MaxReconnectInterval string `yaml:"maxReconnectInterval"`
	QoS                  byte   `yaml:"qos"`
	Retain               bool   `yaml:"retain"`
	SkipCertVerify       bool   `yaml:"skipCertVerify"`
	// SecretName names the secret holding credentials for AuthMode.
	SecretName string `yaml:"secretName"`
	// AuthMode is none, usernamepassword, clientcert, or cacert.
	AuthMode string `yaml:"authMode"`
	// RetryDuration is the total connect window in seconds.
	RetryDuration int `yaml:"retryDuration"`
	// RetryInterval is the pause between connect attempts in seconds.
	RetryInterval int        `yaml:"retryInterval"`
	Will          WillConfig `yaml:"will"`
}

// WillConfig is the optional MQTT last-will message.
type WillConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Topic    string `yaml:"topic"`
	Payload  string `yaml:"payload"`
	Qos      byte   `yaml:"qos"`
	Retained bool   `yaml:"retained"`
}

// DefaultConfig returns the configuration used when no file overrides it.
func DefaultConfig() *ServiceConfig {
	return &ServiceConfig{
		Writable: WritableConfig{
			LogLevel: "info",
			StoreAndForward: StoreAndForwardConfig{
				Enabled:       false,
				RetryInterval: "5m",
				MaxRetryCount: 10,
			},
		},
		Service: ServiceInfo{
			Host:           "localhost",
			Port:           59700,
			StartupMsg:     "application service started",
			RequestTimeout: "5s",
			MaxRequestSize: 0,
		},
		Database: DatabaseConfig{
			Type:    DatabaseTypeSQLite,
			Host:    "./appfn_store.db",
			Timeout: "5s",
		},
		MessageBus: MessageBusConfig{
			Type:            "nats",
			Host:            "localhost",
			Port:            4222,
			ClientID:        "app-service",
			BaseTopicPrefix: "edge",
		},
		Trigger: TriggerConfig{
			Type:            TriggerTypeMessageBus,
			SubscribeTopics: "events/#",
			ExternalMqtt: ExternalMQTTConfig{
				ConnectTimeout: "5s",
				KeepAlive:      "10s",
				AutoReconnect:  true,
				AuthMode:       AuthModeNone,
				RetryDuration:  60,
				RetryInterval:  5,
			},
		},
	}
}

// Validate checks that the configuration is usable.
func (c *ServiceConfig) Validate() error {
	if c.Service.Port <= 0 {
		return fmt.Errorf("service.port must be positive")
	}
	if _, err := time.ParseDuration(c.Service.RequestTimeout); err != nil {
		return fmt.Errorf("service.requestTimeout is not a duration: %w", err)
	}
	if c.Writable.StoreAndForward.Enabled {
		if _, err := time.ParseDuration(c.Writable.StoreAndForward.RetryInterval); err != nil {
			return fmt.Errorf("writable.storeAndForward.retryInterval is not a duration: %w", err)
		}
		switch c.Database.Type {
		case DatabaseTypeSQLite, DatabaseTypeRedis:
		default:
			return fmt.Errorf("database.type %q is not supported", c.Database.Type)
		}
	}
	if c.Trigger.Type == "" {
		return fmt.Errorf("trigger.type is required")
	}
	return nil
}

// RetryIntervalDuration returns the parsed retry interval, raised to the
// minimum when configured below it. The second return reports whether
// the configured value was raised.
func (s StoreAndForwardConfig) RetryIntervalDuration() (time.Duration, bool) {
	interval, err := time.ParseDuration(s.RetryInterval)
	if err != nil || interval < MinRetryInterval {
		return MinRetryInterval, true
	}
	return interval, false
}

// LoadFromFile loads configuration from a YAML file over the defaults.
func LoadFromFile(path string) (*ServiceConfig, error) {
	config := DefaultConfig()
	if err := config.MergeFile(path); err != nil {
		return nil, err
	}
	return config, nil
}

// SaveToFile saves configuration to a YAML file.
func (c *ServiceConfig) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// MergeFile overlays the YAML file at path onto this config. Only keys
// present in the file are written, so a later layer can set a value back
// to false or zero.
func (c *ServiceConfig) MergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

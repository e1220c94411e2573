package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all runtime settings for the delivery subsystem.
type Config struct {
	Database *DatabaseConfig `json:"database"`
	HTTP     *HTTPConfig     `json:"http"`
	Delivery *DeliveryConfig `json:"delivery"`
	Push     *PushConfig     `json:"push"`
}

type DatabaseConfig struct {
	Path    string        `json:"path"`
	Timeout time.Duration `json:"timeout"`
}

type HTTPConfig struct {
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	Host         string        `json:"host"`
}

// DeliveryConfig bounds the live fan-out path: per-connection queue
// depth, per-channel connection cap, ring retention, typing TTL and the
// connection lifecycle timeouts.
type DeliveryConfig struct {
	QueueCapacity  int           `json:"queue_capacity"`
	ChannelCap     int           `json:"channel_cap"`
	RingSize       int           `json:"ring_size"`
	RingMaxAge     time.Duration `json:"ring_max_age"`
	TypingTTL      time.Duration `json:"typing_ttl"`
	TypingSweep    time.Duration `json:"typing_sweep"`
	IdleTimeout    time.Duration `json:"idle_timeout"`
	DrainTimeout   time.Duration `json:"drain_timeout"`
	WriteTimeout   time.Duration `json:"write_timeout"`
	RegistryShards int           `json:"registry_shards"`
}

// PushConfig carries the VAPID credentials for web push. Empty keys
// disable push delivery without failing startup.
type PushConfig struct {
	VAPIDPublicKey  string `json:"vapid_public_key"`
	VAPIDPrivateKey string `json:"vapid_private_key"`
	ContactEmail    string `json:"contact_email"`
	QueueSize       int    `json:"queue_size"`
}

// DefaultConfig returns production defaults. The 256 event queue and
// 512 event / 10 minute ring window bound memory per connection and per
// channel respectively.
func DefaultConfig() *Config {
	return &Config{
		Database: &DatabaseConfig{
			Path:    "./huddle.db",
			Timeout: 30 * time.Second,
		},
		HTTP: &HTTPConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			Host:         "0.0.0.0",
		},
		Delivery: &DeliveryConfig{
			QueueCapacity:  256,
			ChannelCap:     1024,
			RingSize:       512,
			RingMaxAge:     10 * time.Minute,
			TypingTTL:      6 * time.Second,
			TypingSweep:    2 * time.Second,
			IdleTimeout:    60 * time.Second,
			DrainTimeout:   5 * time.Second,
			WriteTimeout:   5 * time.Second,
			RegistryShards: 16,
		},
		Push: &PushConfig{
			QueueSize: 256,
		},
	}
}

// Validate rejects configurations that would fail at runtime.
func (c *Config) Validate() error {
	if c.Database == nil {
		return fmt.Errorf("database configuration is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.Database.Timeout <= 0 {
		return fmt.Errorf("database timeout must be positive")
	}

	if c.HTTP == nil {
		return fmt.Errorf("HTTP configuration is required")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.ReadTimeout <= 0 {
		return fmt.Errorf("HTTP read timeout must be positive")
	}
	if c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("HTTP write timeout must be positive")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}

	if c.Delivery == nil {
		return fmt.Errorf("delivery configuration is required")
	}
	if c.Delivery.QueueCapacity <= 0 {
		return fmt.Errorf("delivery queue capacity must be positive")
	}
	if c.Delivery.ChannelCap <= 0 {
		return fmt.Errorf("channel connection cap must be positive")
	}
	if c.Delivery.RingSize <= 0 {
		return fmt.Errorf("ring size must be positive")
	}
	if c.Delivery.RingMaxAge <= 0 {
		return fmt.Errorf("ring max age must be positive")
	}
	if c.Delivery.TypingTTL <= 0 {
		return fmt.Errorf("typing TTL must be positive")
	}
	if c.Delivery.TypingSweep <= 0 {
		return fmt.Errorf("typing sweep interval must be positive")
	}
	if c.Delivery.IdleTimeout <= 0 {
		return fmt.Errorf("idle timeout must be positive")
	}
	if c.Delivery.DrainTimeout <= 0 {
		return fmt.Errorf("drain timeout must be positive")
	}
	if c.Delivery.WriteTimeout <= 0 {
		return fmt.Errorf("write timeout must be positive")
	}
	if c.Delivery.RegistryShards <= 0 {
		return fmt.Errorf("registry shard count must be positive")
	}

	if c.Push == nil {
		return fmt.Errorf("push configuration is required")
	}
	if c.Push.QueueSize <= 0 {
		return fmt.Errorf("push queue size must be positive")
	}
	// VAPID keys are optional; push is disabled when absent.
	if c.Push.VAPIDPrivateKey != "" && c.Push.ContactEmail == "" {
		return fmt.Errorf("push contact email is required when VAPID keys are set")
	}

	return nil
}

// LoadFromEnv overrides defaults with HUDDLE_* environment variables.
func LoadFromEnv() *Config {
	config := DefaultConfig()

	if port := os.Getenv("HUDDLE_HTTP_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.HTTP.Port = p
		}
	}
	if host := os.Getenv("HUDDLE_HTTP_HOST"); host != "" {
		config.HTTP.Host = host
	}
	if dbPath := os.Getenv("HUDDLE_DATABASE_PATH"); dbPath != "" {
		config.Database.Path = dbPath
	}
	if dbTimeout := os.Getenv("HUDDLE_DATABASE_TIMEOUT"); dbTimeout != "" {
		if timeout, err := time.ParseDuration(dbTimeout); err == nil {
			config.Database.Timeout = timeout
		}
	}
	if readTimeout := os.Getenv("HUDDLE_HTTP_READ_TIMEOUT"); readTimeout != "" {
		if timeout, err := time.ParseDuration(readTimeout); err == nil {
			config.HTTP.ReadTimeout = timeout
		}
	}
	if writeTimeout := os.Getenv("HUDDLE_HTTP_WRITE_TIMEOUT"); writeTimeout != "" {
		if timeout, err := time.ParseDuration(writeTimeout); err == nil {
			config.HTTP.WriteTimeout = timeout
		}
	}

	if queueCap := os.Getenv("HUDDLE_QUEUE_CAPACITY"); queueCap != "" {
		if n, err := strconv.Atoi(queueCap); err == nil {
			config.Delivery.QueueCapacity = n
		}
	}
	if channelCap := os.Getenv("HUDDLE_CHANNEL_CAP"); channelCap != "" {
		if n, err := strconv.Atoi(channelCap); err == nil {
			config.Delivery.ChannelCap = n
		}
	}
	if ringSize := os.Getenv("HUDDLE_RING_SIZE"); ringSize != "" {
		if n, err := strconv.Atoi(ringSize); err == nil {
			config.Delivery.RingSize = n
		}
	}
	if ringAge := os.Getenv("HUDDLE_RING_MAX_AGE"); ringAge != "" {
		if d, err := time.ParseDuration(ringAge); err == nil {
			config.Delivery.RingMaxAge = d
		}
	}
	if typingTTL := os.Getenv("HUDDLE_TYPING_TTL"); typingTTL != "" {
		if d, err := time.ParseDuration(typingTTL); err == nil {
			config.Delivery.TypingTTL = d
		}
	}
	if idleTimeout := os.Getenv("HUDDLE_IDLE_TIMEOUT"); idleTimeout != "" {
		if d, err := time.ParseDuration(idleTimeout); err == nil {
			config.Delivery.IdleTimeout = d
		}
	}
	if drainTimeout := os.Getenv("HUDDLE_DRAIN_TIMEOUT"); drainTimeout != "" {
		if d, err := time.ParseDuration(drainTimeout); err == nil {
			config.Delivery.DrainTimeout = d
		}
	}

	if pub := os.Getenv("HUDDLE_VAPID_PUBLIC_KEY"); pub != "" {
		config.Push.VAPIDPublicKey = pub
	}
	if priv := os.Getenv("HUDDLE_VAPID_PRIVATE_KEY"); priv != "" {
		config.Push.VAPIDPrivateKey = priv
	}
	if email := os.Getenv("HUDDLE_PUSH_CONTACT_EMAIL"); email != "" {
		config.Push.ContactEmail = email
	}

	return config
}

// ConfigFile mirrors Config with string durations for JSON parsing.
type ConfigFile struct {
	Database *DatabaseConfigFile `json:"database"`
	HTTP     *HTTPConfigFile     `json:"http"`
	Delivery *DeliveryConfigFile `json:"delivery"`
	Push     *PushConfig         `json:"push"`
}

type DatabaseConfigFile struct {
	Path    string `json:"path"`
	Timeout string `json:"timeout"`
}

type HTTPConfigFile struct {
	Port         int    `json:"port"`
	ReadTimeout  string `json:"read_timeout"`
	WriteTimeout string `json:"write_timeout"`
	Host         string `json:"host"`
}

type DeliveryConfigFile struct {
	QueueCapacity  int    `json:"queue_capacity"`
	ChannelCap     int    `json:"channel_cap"`
	RingSize       int    `json:"ring_size"`
	RingMaxAge     string `json:"ring_max_age"`
	TypingTTL      string `json:"typing_ttl"`
	TypingSweep    string `json:"typing_sweep"`
	IdleTimeout    string `json:"idle_timeout"`
	DrainTimeout   string `json:"drain_timeout"`
	WriteTimeout   string `json:"write_timeout"`
	RegistryShards int    `json:"registry_shards"`
}

// LoadFromFile reads a JSON configuration file over the defaults.
func LoadFromFile(filepath string) (*Config, error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filepath, err)
	}

	var configFile ConfigFile
	if err := json.Unmarshal(data, &configFile); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", filepath, err)
	}

	config := DefaultConfig()

	if configFile.Database != nil {
		if configFile.Database.Path != "" {
			config.Database.Path = configFile.Database.Path
		}
		if configFile.Database.Timeout != "" {
			if timeout, err := time.ParseDuration(configFile.Database.Timeout); err == nil {
				config.Database.Timeout = timeout
			}
		}
	}

	if configFile.HTTP != nil {
		if configFile.HTTP.Port > 0 {
			config.HTTP.Port = configFile.HTTP.Port
		}
		if configFile.HTTP.Host != "" {
			config.HTTP.Host = configFile.HTTP.Host
		}
		if configFile.HTTP.ReadTimeout != "" {
			if timeout, err := time.ParseDuration(configFile.HTTP.ReadTimeout); err == nil {
				config.HTTP.ReadTimeout = timeout
			}
		}
		if configFile.HTTP.WriteTimeout != "" {
			if timeout, err := time.ParseDuration(configFile.HTTP.WriteTimeout); err == nil {
				config.HTTP.WriteTimeout = timeout
			}
		}
	}

	if configFile.Delivery != nil {
		d := configFile.Delivery
		if d.QueueCapacity > 0 {
			config.Delivery.QueueCapacity = d.QueueCapacity
		}
		if d.ChannelCap > 0 {
			config.Delivery.ChannelCap = d.ChannelCap
		}
		if d.RingSize > 0 {
			config.Delivery.RingSize = d.RingSize
		}
		if d.RegistryShards > 0 {
			config.Delivery.RegistryShards = d.RegistryShards
		}
		for _, entry := range []struct {
			raw string
			dst *time.Duration
		}{
			{d.RingMaxAge, &config.Delivery.RingMaxAge},
			{d.TypingTTL, &config.Delivery.TypingTTL},
			{d.TypingSweep, &config.Delivery.TypingSweep},
			{d.IdleTimeout, &config.Delivery.IdleTimeout},
			{d.DrainTimeout, &config.Delivery.DrainTimeout},
			{d.WriteTimeout, &config.Delivery.WriteTimeout},
		} {
			if entry.raw != "" {
				if parsed, err := time.ParseDuration(entry.raw); err == nil {
					*entry.dst = parsed
				}
			}
		}
	}

	if configFile.Push != nil {
		if configFile.Push.VAPIDPublicKey != "" {
			config.Push.VAPIDPublicKey = configFile.Push.VAPIDPublicKey
		}
		if configFile.Push.VAPIDPrivateKey != "" {
			config.Push.VAPIDPrivateKey = configFile.Push.VAPIDPrivateKey
		}
		if configFile.Push.ContactEmail != "" {
			config.Push.ContactEmail = configFile.Push.ContactEmail
		}
		if configFile.Push.QueueSize > 0 {
			config.Push.QueueSize = configFile.Push.QueueSize
		}
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", filepath, err)
	}

	return config, nil
}

// LoadConfigWithPrecedence resolves configuration as file > environment
// > defaults. File errors fall through to environment/defaults.
func LoadConfigWithPrecedence(filepath string) *Config {
	config := LoadFromEnv()

	if filepath != "" {
		if fileConfig, err := LoadFromFile(filepath); err == nil {
			config = fileConfig
		}
	}

	return config
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestConfig_DefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config == nil {
		t.Fatal("DefaultConfig should not return nil")
	}

	if config.Database.Path == "" {
		t.Error("Default database path should not be empty")
	}
	if config.HTTP.Port <= 0 {
		t.Error("Default HTTP port should be positive")
	}
	if config.Delivery.QueueCapacity != 256 {
		t.Errorf("Expected default queue capacity 256, got %d", config.Delivery.QueueCapacity)
	}
	if config.Delivery.RingSize <= 0 {
		t.Error("Default ring size should be positive")
	}
	if config.Delivery.TypingTTL < 5*time.Second || config.Delivery.TypingTTL > 10*time.Second {
		t.Errorf("Default typing TTL should be within 5-10s, got %v", config.Delivery.TypingTTL)
	}
}

func TestConfig_Validate(t *testing.T) {
	config := DefaultConfig()
	if err := config.Validate(); err != nil {
		t.Errorf("Valid config should pass validation: %v", err)
	}

	config.HTTP.Port = -1
	if err := config.Validate(); err == nil {
		t.Error("Invalid port should fail validation")
	}

	config = DefaultConfig()
	config.Database.Path = ""
	if err := config.Validate(); err == nil {
		t.Error("Empty database path should fail validation")
	}

	config = DefaultConfig()
	config.Delivery.QueueCapacity = 0
	if err := config.Validate(); err == nil {
		t.Error("Zero queue capacity should fail validation")
	}

	config = DefaultConfig()
	config.Delivery.RegistryShards = 0
	if err := config.Validate(); err == nil {
		t.Error("Zero registry shards should fail validation")
	}

	config = DefaultConfig()
	config.Push.VAPIDPrivateKey = "key"
	config.Push.ContactEmail = ""
	if err := config.Validate(); err == nil {
		t.Error("VAPID key without contact email should fail validation")
	}
}

func TestConfig_LoadFromEnv(t *testing.T) {
	os.Setenv("HUDDLE_HTTP_PORT", "9090")
	os.Setenv("HUDDLE_QUEUE_CAPACITY", "64")
	os.Setenv("HUDDLE_TYPING_TTL", "8s")
	defer func() {
		os.Unsetenv("HUDDLE_HTTP_PORT")
		os.Unsetenv("HUDDLE_QUEUE_CAPACITY")
		os.Unsetenv("HUDDLE_TYPING_TTL")
	}()

	config := LoadFromEnv()

	if config.HTTP.Port != 9090 {
		t.Errorf("Expected port 9090 from env, got %d", config.HTTP.Port)
	}
	if config.Delivery.QueueCapacity != 64 {
		t.Errorf("Expected queue capacity 64 from env, got %d", config.Delivery.QueueCapacity)
	}
	if config.Delivery.TypingTTL != 8*time.Second {
		t.Errorf("Expected typing TTL 8s from env, got %v", config.Delivery.TypingTTL)
	}
}

func TestConfig_LoadFromEnvInvalidValuesIgnored(t *testing.T) {
	os.Setenv("HUDDLE_HTTP_PORT", "not-a-number")
	defer os.Unsetenv("HUDDLE_HTTP_PORT")

	config := LoadFromEnv()
	if config.HTTP.Port != DefaultConfig().HTTP.Port {
		t.Errorf("Invalid env value should keep default, got %d", config.HTTP.Port)
	}
}

func TestConfig_LoadFromFile(t *testing.T) {
	content := `{
		"http": {"port": 8888},
		"delivery": {"ring_size": 128, "ring_max_age": "5m", "typing_ttl": "7s"},
		"push": {"vapid_public_key": "pub", "vapid_private_key": "priv", "contact_email": "ops@example.com"}
	}`
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	config, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}

	if config.HTTP.Port != 8888 {
		t.Errorf("Expected port 8888, got %d", config.HTTP.Port)
	}
	if config.Delivery.RingSize != 128 {
		t.Errorf("Expected ring size 128, got %d", config.Delivery.RingSize)
	}
	if config.Delivery.RingMaxAge != 5*time.Minute {
		t.Errorf("Expected ring max age 5m, got %v", config.Delivery.RingMaxAge)
	}
	if config.Push.VAPIDPublicKey != "pub" {
		t.Errorf("Expected VAPID public key from file, got %q", config.Push.VAPIDPublicKey)
	}
}

func TestConfig_LoadFromFileMissing(t *testing.T) {
	if _, err := LoadFromFile("/nonexistent/config.json"); err == nil {
		t.Error("Expected error for missing config file")
	}
}

func TestConfig_LoadConfigWithPrecedence(t *testing.T) {
	// Missing file falls back to env/defaults.
	config := LoadConfigWithPrecedence("/nonexistent/config.json")
	if config == nil {
		t.Fatal("LoadConfigWithPrecedence should never return nil")
	}
	if err := config.Validate(); err != nil {
		t.Errorf("Fallback config should validate: %v", err)
	}
}

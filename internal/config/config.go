// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all process-wide settings. It is loaded once at startup and
// injected into each component so tests can build isolated configurations.
type Config struct {
	ListenAddr string

	// Message bus (Redis) connectivity.
	BusAddr     string
	BusUser     string
	BusPassword string
	// TLS trust mode: explicit CA contents take precedence over an explicit
	// CA file, which takes precedence over the system trust store. Insecure
	// disables TLS entirely (development only).
	BusCAFile      string
	BusCAContents  string
	BusInsecure    bool
	BusMaxRetries  int
	BusRetryBase   time.Duration
	BusEventPrefix string

	// Cloud session provider.
	Provider         string // "http" or "fake"
	ProviderAPIURL   string
	ProviderAPIToken string

	// Orchestration limits.
	MaxRooms         int
	SessionRetryMax  int
	ProvisionTimeout time.Duration
	SweepInterval    time.Duration
	RoomReapGrace    time.Duration
	AuditWindow      time.Duration

	AdminJWTSecret string
	DatabaseURL    string // optional: terminal-session audit archive
}

// LoadFromEnv reads configuration from the environment, applying defaults
// suitable for local development.
func LoadFromEnv() (Config, error) {
	cfg := Config{
		ListenAddr:       envOrDefault("LISTEN_ADDR", ":8080"),
		BusAddr:          envOrDefault("REDIS_ADDR", "localhost:6379"),
		BusUser:          os.Getenv("REDIS_USER"),
		BusPassword:      os.Getenv("REDIS_PASSWORD"),
		BusCAFile:        os.Getenv("REDIS_CA"),
		BusCAContents:    os.Getenv("REDIS_CA_CONTENTS"),
		BusInsecure:      os.Getenv("REDIS_INSECURE") != "",
		BusMaxRetries:    envOrDefaultInt("REDIS_MAX_RETRIES", 5),
		BusRetryBase:     envOrDefaultDuration("REDIS_RETRY_BASE", 500*time.Millisecond),
		BusEventPrefix:   envOrDefault("BUS_EVENT_PREFIX", "bevygap"),
		Provider:         envOrDefault("PROVIDER", "http"),
		ProviderAPIURL:   os.Getenv("PROVIDER_API_URL"),
		ProviderAPIToken: os.Getenv("PROVIDER_API_TOKEN"),
		MaxRooms:         envOrDefaultInt("MAX_ROOMS", 64),
		SessionRetryMax:  envOrDefaultInt("SESSION_RETRY_MAX", 2),
		ProvisionTimeout: envOrDefaultDuration("PROVISION_TIMEOUT", 2*time.Minute),
		SweepInterval:    envOrDefaultDuration("SWEEP_INTERVAL", 15*time.Second),
		RoomReapGrace:    envOrDefaultDuration("ROOM_REAP_GRACE", 30*time.Second),
		AuditWindow:      envOrDefaultDuration("AUDIT_WINDOW", 24*time.Hour),
		AdminJWTSecret:   os.Getenv("ADMIN_JWT_SECRET"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
	}

	if cfg.Provider != "http" && cfg.Provider != "fake" {
		return Config{}, fmt.Errorf("PROVIDER must be one of http|fake, got %q", cfg.Provider)
	}
	if cfg.Provider == "http" && cfg.ProviderAPIURL == "" {
		return Config{}, fmt.Errorf("PROVIDER_API_URL is required for the http provider")
	}
	if cfg.MaxRooms <= 0 {
		return Config{}, fmt.Errorf("MAX_ROOMS must be positive")
	}
	return cfg, nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func envOrDefaultDuration(key string, def time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

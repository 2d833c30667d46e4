package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ListenAddr string

	// RedisAddr empty selects the in-process limiter and dedup store.
	RedisAddr string

	// SQLiteDSN backs the collaborator stores (contact graph, subscriptions).
	SQLiteDSN string

	JWTSecret   string
	JWTIssuer   string
	JWTAudience string

	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDSubscriber string

	RateLimitWindow time.Duration
	RateLimitMax    int

	SessionIdleTimeout   time.Duration
	SessionSweepInterval time.Duration

	CORSOrigins []string
	LogLevel    string
}

func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:           getenv("BEACON_LISTEN_ADDR", ":8080"),
		RedisAddr:            os.Getenv("BEACON_REDIS_ADDR"),
		SQLiteDSN:            getenv("BEACON_SQLITE_DSN", "beacon.db"),
		JWTSecret:            os.Getenv("BEACON_JWT_SECRET"),
		JWTIssuer:            getenv("BEACON_JWT_ISSUER", "beacon"),
		JWTAudience:          getenv("BEACON_JWT_AUDIENCE", "beacon-delivery"),
		VAPIDPublicKey:       os.Getenv("BEACON_VAPID_PUBLIC_KEY"),
		VAPIDPrivateKey:      os.Getenv("BEACON_VAPID_PRIVATE_KEY"),
		VAPIDSubscriber:      getenv("BEACON_VAPID_SUBSCRIBER", "mailto:ops@example.com"),
		RateLimitWindow:      time.Minute,
		RateLimitMax:         20,
		SessionIdleTimeout:   60 * time.Second,
		SessionSweepInterval: 90 * time.Second,
		LogLevel:             getenv("BEACON_LOG_LEVEL", "info"),
	}

	var err error
	if cfg.RateLimitWindow, err = getenvDuration("BEACON_RATE_LIMIT_WINDOW", cfg.RateLimitWindow); err != nil {
		return nil, err
	}
	if cfg.RateLimitMax, err = getenvInt("BEACON_RATE_LIMIT_MAX", cfg.RateLimitMax); err != nil {
		return nil, err
	}
	if cfg.SessionIdleTimeout, err = getenvDuration("BEACON_SESSION_IDLE_TIMEOUT", cfg.SessionIdleTimeout); err != nil {
		return nil, err
	}
	if cfg.SessionSweepInterval, err = getenvDuration("BEACON_SESSION_SWEEP_INTERVAL", cfg.SessionSweepInterval); err != nil {
		return nil, err
	}
	if origins := os.Getenv("BEACON_CORS_ORIGINS"); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.CORSOrigins = append(cfg.CORSOrigins, o)
			}
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("BEACON_JWT_SECRET is required")
	}
	if c.RateLimitWindow <= 0 {
		return fmt.Errorf("rate limit window must be positive, got %s", c.RateLimitWindow)
	}
	if c.RateLimitMax <= 0 {
		return fmt.Errorf("rate limit max must be positive, got %d", c.RateLimitMax)
	}
	// Both halves of the signing keypair or neither: a half-configured
	// keypair would sign nothing while looking configured.
	if (c.VAPIDPublicKey == "") != (c.VAPIDPrivateKey == "") {
		return fmt.Errorf("VAPID keys must be set together or not at all")
	}
	if c.SessionIdleTimeout <= 0 || c.SessionSweepInterval <= 0 {
		return fmt.Errorf("session timeouts must be positive")
	}
	return nil
}

// PushConfigured reports whether durable delivery can sign notifications.
// When false the service degrades to realtime-only delivery.
func (c *Config) PushConfigured() bool {
	return c.VAPIDPublicKey != "" && c.VAPIDPrivateKey != ""
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}

func getenvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

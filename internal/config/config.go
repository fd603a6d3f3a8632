package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/waddleai/waddleai/pkg/models"
)

// Config holds all configuration for the WaddleAI proxy server.
type Config struct {
	Host    string
	Port    int
	Version string

	// JWTSecret signs session tokens issued by the login endpoint.
	JWTSecret string

	// DatabaseURL selects the datastore. "sqlite://<path>" opens an
	// embedded SQLite file; "postgres://..." uses PostgreSQL.
	DatabaseURL string

	// SecurityPolicy is one of strict, balanced, permissive.
	SecurityPolicy string

	// AdminPassword is the password the default admin account is seeded
	// with on first start.
	AdminPassword string

	// MaxInFlight caps concurrent upstream calls across the process.
	MaxInFlight int64

	// DefaultRouting is the routing strategy used when a request does not
	// override it.
	DefaultRouting models.RoutingStrategy

	Telemetry TelemetryConfig
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Host:           envStr("WADDLEAI_HOST", "0.0.0.0"),
		Port:           envInt("WADDLEAI_PORT", 8000),
		Version:        envStr("WADDLEAI_VERSION", "1.0.0"),
		JWTSecret:      envStr("JWT_SECRET", "change-me-in-production"),
		DatabaseURL:    envStr("DATABASE_URL", "sqlite://waddleai.db"),
		SecurityPolicy: envStr("SECURITY_POLICY", "balanced"),
		AdminPassword:  envStr("ADMIN_PASSWORD", "admin"),
		MaxInFlight:    int64(envInt("MAX_CONCURRENT_REQUESTS", 100)),
		DefaultRouting: models.RoutingStrategy(envStr("DEFAULT_ROUTING", string(models.RoutingLoadBalanced))),
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "waddleai-proxy"),
		},
	}
}

// Addr returns the listener address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// Package config loads gantryd settings from the environment.
package config

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// OAuthClient is one platform-level OAuth app registration, keyed by
// provider. An instance carrying its own client pair overrides these.
type OAuthClient struct {
	ID     string
	Secret string
}

// Config holds everything gantryd reads from the environment. Load
// populates it and Validate rejects values the daemon cannot run with.
type Config struct {
	Port     string `validate:"required"`
	LogLevel string `validate:"oneof=DEBUG INFO WARN ERROR"`

	DatabaseURL string `validate:"required"`

	RedisAddr     string
	RedisPassword string
	RedisDB       int `validate:"min=0"`

	PublicDomain string `validate:"required,url"`
	CatalogPath  string

	// EligibilityRule optionally overrides the start-eligibility CEL
	// expression; empty keeps the built-in quota rule.
	EligibilityRule string

	// CredentialKey is the AES-256 master key for credential blobs,
	// hex encoded. AuthSigningKey signs and verifies user tokens.
	CredentialKey  string `validate:"required,hexadecimal,len=64"`
	AuthSigningKey string `validate:"required,min=32"`

	PortRangeLow  int `validate:"min=1024,max=65535"`
	PortRangeHigh int `validate:"min=1024,max=65535,gtefield=PortRangeLow"`

	// Per-IP ceiling in front of auth; zero disables it. The per-plan
	// budgets at the gate are separate.
	GlobalRPS   int `validate:"min=0"`
	GlobalBurst int `validate:"min=0"`

	StartupTimeout    time.Duration
	HealthInterval    time.Duration
	ReconcileInterval time.Duration

	LogRoot string `validate:"required"`

	OTLPEndpoint string
	Environment  string

	CORSOrigins []string

	// OAuthClients collects OAUTH_<PROVIDER>_CLIENT_ID/_CLIENT_SECRET
	// pairs, keyed by lowercased provider. WebhookSecrets collects
	// WEBHOOK_<GATEWAY>_SECRET values, keyed by lowercased gateway.
	OAuthClients   map[string]OAuthClient
	WebhookSecrets map[string]string
}

var validate = validator.New()

// Load reads the environment into a Config and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		Port:            envOr("PORT", "8080"),
		LogLevel:        strings.ToUpper(envOr("LOG_LEVEL", "INFO")),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		RedisAddr:       os.Getenv("REDIS_ADDR"),
		RedisPassword:   os.Getenv("REDIS_PASSWORD"),
		PublicDomain:    envOr("PUBLIC_DOMAIN", "http://localhost:8080"),
		CatalogPath:     os.Getenv("CATALOG_PATH"),
		EligibilityRule: os.Getenv("ELIGIBILITY_RULE"),
		CredentialKey:   os.Getenv("CREDENTIAL_KEY"),
		AuthSigningKey:  os.Getenv("AUTH_SIGNING_KEY"),
		LogRoot:         envOr("LOG_ROOT", "logs"),
		OTLPEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		Environment:     envOr("ENVIRONMENT", "development"),
		CORSOrigins:     splitList(os.Getenv("CORS_ORIGINS")),
		OAuthClients:    make(map[string]OAuthClient),
		WebhookSecrets:  make(map[string]string),
	}

	var err error
	if cfg.RedisDB, err = envInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.PortRangeLow, err = envInt("PORT_RANGE_LOW", 40000); err != nil {
		return nil, err
	}
	if cfg.PortRangeHigh, err = envInt("PORT_RANGE_HIGH", 40999); err != nil {
		return nil, err
	}
	if cfg.GlobalRPS, err = envInt("GLOBAL_RPS", 0); err != nil {
		return nil, err
	}
	if cfg.GlobalBurst, err = envInt("GLOBAL_BURST", 0); err != nil {
		return nil, err
	}
	if cfg.StartupTimeout, err = envSeconds("STARTUP_TIMEOUT_SECONDS", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.HealthInterval, err = envSeconds("HEALTH_INTERVAL_SECONDS", 60*time.Second); err != nil {
		return nil, err
	}
	if cfg.ReconcileInterval, err = envSeconds("RECONCILE_INTERVAL_SECONDS", 5*time.Minute); err != nil {
		return nil, err
	}

	collectPatterned(os.Environ(), cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first setting the daemon cannot run with.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// CredentialKeyBytes decodes the AES-256 master key.
func (c *Config) CredentialKeyBytes() ([]byte, error) {
	key, err := hex.DecodeString(c.CredentialKey)
	if err != nil {
		return nil, fmt.Errorf("config: CREDENTIAL_KEY is not hex: %w", err)
	}
	return key, nil
}

// OAuthRedirectURL is the callback URL registered with every provider.
func (c *Config) OAuthRedirectURL() string {
	return strings.TrimRight(c.PublicDomain, "/") + "/oauth/callback"
}

// SlogLevel maps LogLevel onto a slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// collectPatterned gathers the per-provider and per-gateway variables
// whose names embed the provider or gateway identifier.
func collectPatterned(environ []string, cfg *Config) {
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || value == "" {
			continue
		}
		if p := middle(name, "OAUTH_", "_CLIENT_ID"); p != "" {
			c := cfg.OAuthClients[p]
			c.ID = value
			cfg.OAuthClients[p] = c
			continue
		}
		if p := middle(name, "OAUTH_", "_CLIENT_SECRET"); p != "" {
			c := cfg.OAuthClients[p]
			c.Secret = value
			cfg.OAuthClients[p] = c
			continue
		}
		if g := middle(name, "WEBHOOK_", "_SECRET"); g != "" {
			cfg.WebhookSecrets[g] = value
		}
	}
	// A secret without a client id cannot start an authorization.
	for p, c := range cfg.OAuthClients {
		if c.ID == "" {
			delete(cfg.OAuthClients, p)
		}
	}
}

// middle returns the lowercased segment between prefix and suffix, or
// "" when name does not carry both around a non-empty middle.
func middle(name, prefix, suffix string) string {
	if len(name) <= len(prefix)+len(suffix) ||
		!strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, suffix) {
		return ""
	}
	return strings.ToLower(name[len(prefix) : len(name)-len(suffix)])
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be an integer, got %q", key, raw)
	}
	return n, nil
}

func envSeconds(key string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("config: %s must be a positive number of seconds, got %q", key, raw)
	}
	return time.Duration(n) * time.Second, nil
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

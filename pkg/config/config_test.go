package config_test

import (
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantrylabs/gantry/pkg/config"
)

const (
	testKeyHex     = "6368616e676520746869732070617373776f726420746f206120736563726574"
	testSigningKey = "0123456789abcdef0123456789abcdef"
)

// scrubEnv blanks every variable Load reads so one test cannot leak
// into the next, then sets the required trio.
func scrubEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PORT", "LOG_LEVEL", "DATABASE_URL", "REDIS_ADDR", "REDIS_PASSWORD",
		"REDIS_DB", "PUBLIC_DOMAIN", "CATALOG_PATH", "CREDENTIAL_KEY",
		"AUTH_SIGNING_KEY", "PORT_RANGE_LOW", "PORT_RANGE_HIGH",
		"GLOBAL_RPS", "GLOBAL_BURST",
		"STARTUP_TIMEOUT_SECONDS", "HEALTH_INTERVAL_SECONDS",
		"RECONCILE_INTERVAL_SECONDS", "LOG_ROOT",
		"OTEL_EXPORTER_OTLP_ENDPOINT", "ENVIRONMENT", "CORS_ORIGINS",
	} {
		t.Setenv(key, "")
	}
	for _, kv := range os.Environ() {
		name, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(name, "OAUTH_") || strings.HasPrefix(name, "WEBHOOK_") {
			t.Setenv(name, "")
		}
	}
	t.Setenv("DATABASE_URL", "postgres://gantry@localhost:5432/gantry?sslmode=disable")
	t.Setenv("CREDENTIAL_KEY", testKeyHex)
	t.Setenv("AUTH_SIGNING_KEY", testSigningKey)
}

func TestLoad_Defaults(t *testing.T) {
	scrubEnv(t)

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "http://localhost:8080", cfg.PublicDomain)
	assert.Equal(t, "logs", cfg.LogRoot)
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, 40000, cfg.PortRangeLow)
	assert.Equal(t, 40999, cfg.PortRangeHigh)
	assert.Equal(t, 30*time.Second, cfg.StartupTimeout)
	assert.Equal(t, time.Minute, cfg.HealthInterval)
	assert.Equal(t, 5*time.Minute, cfg.ReconcileInterval)
	assert.Empty(t, cfg.CatalogPath)
	assert.Empty(t, cfg.RedisAddr)
	assert.Empty(t, cfg.CORSOrigins)
	assert.Empty(t, cfg.OAuthClients)
	assert.Empty(t, cfg.WebhookSecrets)
}

func TestLoad_Overrides(t *testing.T) {
	scrubEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("PUBLIC_DOMAIN", "https://gantry.example.com")
	t.Setenv("CATALOG_PATH", "/etc/gantry/services.yaml")
	t.Setenv("PORT_RANGE_LOW", "41000")
	t.Setenv("PORT_RANGE_HIGH", "41099")
	t.Setenv("GLOBAL_RPS", "50")
	t.Setenv("GLOBAL_BURST", "100")
	t.Setenv("STARTUP_TIMEOUT_SECONDS", "45")
	t.Setenv("HEALTH_INTERVAL_SECONDS", "15")
	t.Setenv("RECONCILE_INTERVAL_SECONDS", "120")
	t.Setenv("LOG_ROOT", "/var/log/gantry")
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("CORS_ORIGINS", "https://app.example.com, https://admin.example.com")
	t.Setenv("ELIGIBILITY_RULE", `active < max && service != "reddit"`)

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.Equal(t, 3, cfg.RedisDB)
	assert.Equal(t, "https://gantry.example.com", cfg.PublicDomain)
	assert.Equal(t, "/etc/gantry/services.yaml", cfg.CatalogPath)
	assert.Equal(t, 41000, cfg.PortRangeLow)
	assert.Equal(t, 41099, cfg.PortRangeHigh)
	assert.Equal(t, 50, cfg.GlobalRPS)
	assert.Equal(t, 100, cfg.GlobalBurst)
	assert.Equal(t, 45*time.Second, cfg.StartupTimeout)
	assert.Equal(t, 15*time.Second, cfg.HealthInterval)
	assert.Equal(t, 2*time.Minute, cfg.ReconcileInterval)
	assert.Equal(t, "/var/log/gantry", cfg.LogRoot)
	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, []string{"https://app.example.com", "https://admin.example.com"}, cfg.CORSOrigins)
	assert.Equal(t, `active < max && service != "reddit"`, cfg.EligibilityRule)
}

func TestLoad_OAuthClientsAndWebhookSecrets(t *testing.T) {
	scrubEnv(t)
	t.Setenv("OAUTH_GITHUB_CLIENT_ID", "gh-cid")
	t.Setenv("OAUTH_GITHUB_CLIENT_SECRET", "gh-secret")
	t.Setenv("OAUTH_NOTION_CLIENT_ID", "notion-cid")
	t.Setenv("OAUTH_SLACK_CLIENT_SECRET", "orphan-secret")
	t.Setenv("WEBHOOK_PADDLE_SECRET", "whsec-1")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, config.OAuthClient{ID: "gh-cid", Secret: "gh-secret"}, cfg.OAuthClients["github"])
	assert.Equal(t, config.OAuthClient{ID: "notion-cid"}, cfg.OAuthClients["notion"])
	// A secret with no client id cannot be used and is dropped.
	assert.NotContains(t, cfg.OAuthClients, "slack")
	assert.Equal(t, "whsec-1", cfg.WebhookSecrets["paddle"])
}

func TestLoad_RejectsInvalid(t *testing.T) {
	cases := []struct {
		name string
		set  map[string]string
	}{
		{"missing database url", map[string]string{"DATABASE_URL": ""}},
		{"short credential key", map[string]string{"CREDENTIAL_KEY": "abcd"}},
		{"non-hex credential key", map[string]string{"CREDENTIAL_KEY": strings.Repeat("zz", 32)}},
		{"short signing key", map[string]string{"AUTH_SIGNING_KEY": "too-short"}},
		{"inverted port range", map[string]string{"PORT_RANGE_LOW": "42000", "PORT_RANGE_HIGH": "41000"}},
		{"port range below reserved floor", map[string]string{"PORT_RANGE_LOW": "80"}},
		{"non-numeric timeout", map[string]string{"STARTUP_TIMEOUT_SECONDS": "soon"}},
		{"negative interval", map[string]string{"HEALTH_INTERVAL_SECONDS": "-5"}},
		{"unknown log level", map[string]string{"LOG_LEVEL": "verbose"}},
		{"bare public domain", map[string]string{"PUBLIC_DOMAIN": "gantry.example.com"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			scrubEnv(t)
			for k, v := range tc.set {
				t.Setenv(k, v)
			}
			_, err := config.Load()
			assert.Error(t, err)
		})
	}
}

func TestSlogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"DEBUG": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"WARN":  slog.LevelWarn,
		"ERROR": slog.LevelError,
	}
	for name, want := range cases {
		cfg := &config.Config{LogLevel: name}
		assert.Equal(t, want, cfg.SlogLevel(), name)
	}
}

func TestOAuthRedirectURL(t *testing.T) {
	cfg := &config.Config{PublicDomain: "https://gantry.example.com/"}
	assert.Equal(t, "https://gantry.example.com/oauth/callback", cfg.OAuthRedirectURL())
}

func TestCredentialKeyBytes(t *testing.T) {
	cfg := &config.Config{CredentialKey: testKeyHex}
	key, err := cfg.CredentialKeyBytes()
	require.NoError(t, err)
	assert.Len(t, key, 32)
}

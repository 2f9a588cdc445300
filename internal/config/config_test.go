package config_test

import (
	"testing"
	"time"

	"github.com/klppl/relay/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearRelayEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"ADDR", "PORT", "DEBUG", "HTTPS", "DATABASE_URL",
		"RESTRICTED_MODE", "VALIDATE_SIGNATURES", "PUBLISH_BLOCKS", "API_TOKEN",
		"FEDERATION_CONCURRENCY", "RELAY_CB_THRESHOLD", "RELAY_CB_COOLDOWN",
		"JOB_DELIVER_WORKERS", "JOB_APUB_WORKERS", "JOB_MAINTENANCE_WORKERS",
		"LOG_LEVEL",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearRelayEnv(t)
	t.Setenv("HOSTNAME", "relay.example.com")

	cfg := config.Load()

	assert.Equal(t, "relay.example.com", cfg.Hostname)
	assert.Equal(t, "127.0.0.1", cfg.Addr)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "relay.db", cfg.DatabaseURL)
	assert.False(t, cfg.RestrictedMode)
	assert.False(t, cfg.ValidateSignatures)
	assert.False(t, cfg.PublishBlocks)
	assert.False(t, cfg.APITokenSet)
	assert.Equal(t, 10, cfg.FederationConcurrency)
	assert.Equal(t, 5, cfg.CBThreshold)
	assert.Equal(t, 30*time.Minute, cfg.CBCooldown)
	assert.Equal(t, 8, cfg.JobDeliverWorkers)
	assert.Equal(t, "http", cfg.Scheme())
	assert.Equal(t, "http://relay.example.com", cfg.BaseURL())
	assert.Equal(t, "http://relay.example.com/actor", cfg.URL("/actor"))
}

func TestLoadOverrides(t *testing.T) {
	clearRelayEnv(t)
	t.Setenv("HOSTNAME", "relay.example.com")
	t.Setenv("HTTPS", "true")
	t.Setenv("PORT", "9999")
	t.Setenv("RESTRICTED_MODE", "true")
	t.Setenv("RELAY_CB_THRESHOLD", "3")
	t.Setenv("RELAY_CB_COOLDOWN", "5m")

	cfg := config.Load()

	assert.Equal(t, "https", cfg.Scheme())
	assert.Equal(t, "9999", cfg.Port)
	assert.True(t, cfg.RestrictedMode)
	assert.Equal(t, 3, cfg.CBThreshold)
	assert.Equal(t, 5*time.Minute, cfg.CBCooldown)
}

func TestAPITokenHashedAndVerified(t *testing.T) {
	clearRelayEnv(t)
	t.Setenv("HOSTNAME", "relay.example.com")
	t.Setenv("API_TOKEN", "s3cr3t")

	cfg := config.Load()

	require.True(t, cfg.APITokenSet)
	assert.NotEqual(t, "s3cr3t", string(cfg.APITokenHash), "the raw token must never be stored")
	assert.True(t, cfg.CheckAPIToken("s3cr3t"))
	assert.False(t, cfg.CheckAPIToken("wrong"))
	assert.False(t, cfg.CheckAPIToken(""))
}

func TestCheckAPITokenAlwaysFalseWhenUnset(t *testing.T) {
	clearRelayEnv(t)
	t.Setenv("HOSTNAME", "relay.example.com")

	cfg := config.Load()

	assert.False(t, cfg.APITokenSet)
	assert.False(t, cfg.CheckAPIToken("anything"))
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)

	assert.Equal(t, 8888, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Session.Backend)
	assert.Equal(t, 30*time.Minute, cfg.Session.TTL)
	assert.Equal(t, 1100*time.Millisecond, cfg.Queue.MinDelay)
	assert.Equal(t, 5*time.Minute, cfg.Channels.DedupTTL)
	assert.Equal(t, 10, cfg.Channels.WhatsApp.PerSenderPerMinute)
	assert.InDelta(t, 0.7, cfg.OCR.MinConfidence, 1e-9)
	require.NoError(t, Validate(cfg))
}

func TestInitConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "anne.toml")
	require.NoError(t, InitConfig(path))
	assert.Error(t, InitConfig(path), "second init must not overwrite")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Len(t, cfg.Pricing.Rates, 2)
	assert.Equal(t, "GLS", cfg.Pricing.Rates[0].Carrier)
	assert.Equal(t, 10*time.Minute, cfg.Booking.IdempotencyWindow)
	require.NoError(t, Validate(cfg))
}

func TestEnvironmentOverride(t *testing.T) {
	t.Setenv("ANNE_SERVER__PORT", "9090")
	t.Setenv("ANNE_CHANNELS__WHATSAPP__VERIFY_TOKEN", "tok")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "tok", cfg.Channels.WhatsApp.VerifyToken)
}

func TestValidateRejectsIncompleteChannels(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)

	cfg.Channels.WhatsApp.Enabled = true
	cfg.Channels.WhatsApp.PhoneNumberID = "123"
	cfg.Channels.WhatsApp.AccessToken = "token"
	assert.ErrorContains(t, Validate(cfg), "app_secret")

	cfg.Channels.WhatsApp.AppSecret = "secret"
	assert.NoError(t, Validate(cfg))

	cfg.Queue.Backend = "river"
	assert.ErrorContains(t, Validate(cfg), "database url")
}

func TestLoadConfigBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server\nport = "), 0o644))
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

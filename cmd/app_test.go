package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spediresicuro/anne/internal/acting"
	"github.com/spediresicuro/anne/internal/config"
)

const testSeed = `
users:
  - id: u-1
    email: mario@example.it
    name: Mario Rossi
    role: user
workspaces:
  - id: ws-1
    name: Rossi Spedizioni
members:
  - workspace_id: ws-1
    user_id: u-1
    role: owner
`

func memoryConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	return cfg
}

func TestBuildAppInMemory(t *testing.T) {
	cfg := memoryConfig(t)
	a, err := buildApp(context.Background(), cfg, true)
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.db)
	assert.NotNil(t, a.router)
	names := make([]string, 0, len(a.tasks))
	for _, task := range a.tasks {
		names = append(names, task.Name)
	}
	assert.ElementsMatch(t, []string{"sessions", "idempotency", "pricing_cache"}, names)
}

func TestBuildAppRejectsBadSeed(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Directory.SeedFile = filepath.Join(t.TempDir(), "nope.yaml")
	_, err := buildApp(context.Background(), cfg, true)
	assert.Error(t, err)
}

func TestChatActingUsesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "directory.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testSeed), 0o600))
	cfg := memoryConfig(t)
	cfg.Directory.SeedFile = path

	a, err := buildApp(context.Background(), cfg, true)
	require.NoError(t, err)
	defer a.Close()

	ac, err := chatActing(context.Background(), a, "u-1", "ignored@example.it", "user", "ws-1")
	require.NoError(t, err)
	assert.Equal(t, "mario@example.it", ac.Actor.Email)
	require.NotNil(t, ac.Workspace)
	assert.Equal(t, "ws-1", ac.Workspace.ID)

	_, err = chatActing(context.Background(), a, "stranger", "s@example.it", "user", "ws-1")
	assert.ErrorIs(t, err, acting.ErrAccessDenied)
}

func TestChatTurnPrintsReply(t *testing.T) {
	cfg := memoryConfig(t)
	a, err := buildApp(context.Background(), cfg, true)
	require.NoError(t, err)
	defer a.Close()

	ac, err := chatActing(context.Background(), a, "local-user", "local@example.it", "user", "")
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, chatTurn(context.Background(), a.router, &out, "cli", ac, "ciao"))
	assert.NotEmpty(t, bytes.TrimSpace(out.Bytes()))
}

func TestRedactHidesSecrets(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Auth.JWTSecret = "jwt"
	cfg.Channels.Telegram.BotToken = "123:abc"
	cfg.Server.Host = "127.0.0.1"

	out := redact(*cfg)
	assert.Equal(t, redacted, out.Auth.JWTSecret)
	assert.Equal(t, redacted, out.Channels.Telegram.BotToken)
	assert.Empty(t, out.LLM.APIKey)
	assert.Equal(t, "127.0.0.1", out.Server.Host)
	assert.Equal(t, "jwt", cfg.Auth.JWTSecret)
}

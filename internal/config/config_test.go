package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, 8090, cfg.WSPort)
	assert.Equal(t, "sqlite", cfg.StoreDriver)
	assert.Equal(t, "chat.db", cfg.StoreDSN())
	assert.Equal(t, "personal", cfg.GroupPolicy)
	assert.False(t, cfg.SelfDelivery)
	assert.Equal(t, 30*time.Second, cfg.PingInterval)
	assert.Equal(t, 256, cfg.OutboxSize)
	assert.NotEmpty(t, cfg.NodeID)
}

func TestLoadRequiresSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, err)
}

func TestLoadEnvFileAndOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.env")
	require.NoError(t, os.WriteFile(path, []byte("JWT_SECRET=from-file\nSTORE_DRIVER=badger\nRELAY_PEERS=a:1,b:2\n"), 0o600))
	t.Setenv("JWT_SECRET", "from-env")
	t.Setenv("SELF_DELIVERY", "true")
	t.Setenv("STORE_DRIVER", "")
	os.Unsetenv("STORE_DRIVER")
	t.Setenv("RELAY_PEERS", "")
	os.Unsetenv("RELAY_PEERS")

	cfg, err := Load(path)
	require.NoError(t, err)

	// godotenv never overrides the process environment
	assert.Equal(t, "from-env", cfg.JWTSecret)
	assert.True(t, cfg.SelfDelivery)
	assert.Equal(t, "badger", cfg.StoreDriver)
	assert.Equal(t, "data/badger", cfg.StoreDSN())
	assert.Equal(t, []string{"a:1", "b:2"}, cfg.RelayPeers)
}

func TestValidate(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("WS_PING_INTERVAL", "2m")
	_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	assert.ErrorContains(t, err, "WS_PING_INTERVAL")
}

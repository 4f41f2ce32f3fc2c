package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Run("missing file gives defaults", func(t *testing.T) {
		cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
		require.NoError(t, err)
		require.Equal(t, Default(), cfg)
	})

	t.Run("file overrides defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "lottery.toml")
		data := `
listen = ":9090"
request_ttl = "30s"
max_participants = 10
`
		require.NoError(t, os.WriteFile(path, []byte(data), 0600))
		cfg, err := Load(path)
		require.NoError(t, err)
		require.Equal(t, ":9090", cfg.Listen)
		require.Equal(t, 30*time.Second, cfg.RequestTTL.Duration)
		require.Equal(t, uint64(10), cfg.MaxParticipants)
		require.Equal(t, "lottery.db", cfg.DBPath)
	})

	t.Run("bad duration is an error", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "lottery.toml")
		require.NoError(t, os.WriteFile(path, []byte(`oracle_delay = "soon"`), 0600))
		_, err := Load(path)
		require.Error(t, err)
	})
}

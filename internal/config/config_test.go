// internal/config/config_test.go
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Run("empty path returns defaults", func(t *testing.T) {
		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, 15*time.Second, cfg.PollInterval)
		assert.Zero(t, cfg.PollDeadline, "default is no deadline")
		assert.Equal(t, "nutanix", cfg.CVMUser)
		assert.Equal(t, 300*time.Second, cfg.ShutdownTimer)
	})

	t.Run("file overrides defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "metroctl.yaml")
		require.NoError(t, os.WriteFile(path, []byte(
			"poll_interval: 5s\npoll_deadline: 1h\ncvm_user: admin\n"), 0600))

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 5*time.Second, cfg.PollInterval)
		assert.Equal(t, time.Hour, cfg.PollDeadline)
		assert.Equal(t, "admin", cfg.CVMUser)
		assert.Equal(t, 300*time.Second, cfg.ShutdownTimer, "untouched keys keep defaults")
	})

	t.Run("rejects non-positive interval", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "metroctl.yaml")
		require.NoError(t, os.WriteFile(path, []byte("poll_interval: -3s\n"), 0600))

		_, err := Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "poll_interval")
	})

	t.Run("missing file errors", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		require.Error(t, err)
	})
}

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
	t.Run("Test Missing File", func(t *testing.T) {
		cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		require.NoError(t, err)
		assert.Equal(t, Default().ImageTimeout, cfg.ImageTimeout)
		assert.Equal(t, int64(DefaultUploadSize), cfg.MaxUploadSize)
	})

	t.Run("Test YAML Overrides", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		content := "BaseURL: https://detector.example:5000/api\n" +
			"VideoTimeout: 2m\n" +
			"RetryCount: 5\n" +
			"ProgressPath: /api/video/progress\n"
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 2*time.Minute, cfg.VideoTimeout)
		assert.Equal(t, 5, cfg.RetryCount)
		assert.Equal(t, "/api/video/progress", cfg.ProgressPath)
		assert.Equal(t, "https://detector.example:5000", cfg.Origin().String())
	})

	t.Run("Test Env Overrides", func(t *testing.T) {
		t.Setenv("WEAPONDET_BASE_URL", "http://10.0.0.7:5000")
		t.Setenv("WEAPONDET_API_PORT", "9090")
		cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		require.NoError(t, err)
		assert.Equal(t, "http://10.0.0.7:5000", cfg.BaseURL)
		assert.Equal(t, 9090, cfg.APIPort)
	})

	t.Run("Test Invalid", func(t *testing.T) {
		t.Setenv("WEAPONDET_BASE_URL", "ftp://nowhere")
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.Error(t, err)
	})
}

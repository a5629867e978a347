package logger

import (
	"os"
	"path/filepath"
	"testing"

	"trade-replicator/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	t.Run("Console", func(t *testing.T) {
		log, err := NewLogger(config.Logger{Level: "debug", Format: "console"})
		require.NoError(t, err)
		assert.NotNil(t, log)
	})

	t.Run("InvalidLevel", func(t *testing.T) {
		_, err := NewLogger(config.Logger{Level: "loud"})
		assert.Error(t, err)
	})

	t.Run("RotatingFile", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "replicator.log")
		log, err := NewLogger(config.Logger{Level: "info", Format: "json", File: path, MaxSizeMB: 1})
		require.NoError(t, err)

		log.Info("file sink check")
		_ = log.Sync()

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), "file sink check")
		assert.Contains(t, string(data), `"service":"trade-replicator"`)
	})
}

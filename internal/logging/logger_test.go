package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewLogger_JSONFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bus.log")

	logger, err := NewLogger("debug", "json", path)
	require.NoError(t, err)
	logger.Info("event published", zap.String("stream", "orders"))
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"event published"`)
	assert.Contains(t, string(data), `"stream":"orders"`)
}

func TestNewLogger_ConsoleFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bus.log")

	logger, err := NewLogger("debug", "console", path)
	require.NoError(t, err)
	logger.Info("consumer started", zap.String("group", "workers"))
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "consumer started")
	assert.Contains(t, string(data), "workers")
}

func TestNewLogger_LevelFiltersOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bus.log")

	logger, err := NewLogger("warn", "json", path)
	require.NoError(t, err)
	logger.Info("chatter")
	logger.Warn("backlog growing")
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "chatter")
	assert.Contains(t, string(data), "backlog growing")
}

func TestNewLogger_LenientInputs(t *testing.T) {
	// Unknown or oddly cased levels and formats fall back to defaults
	// rather than failing startup.
	cases := []struct {
		name   string
		level  string
		format string
	}{
		{"defaults", "", ""},
		{"upper case", "DEBUG", "CONSOLE"},
		{"unknown level", "verbose", "json"},
		{"unknown format", "info", "logfmt"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			logger, err := NewLogger(tc.level, tc.format, "")
			require.NoError(t, err)
			assert.NotNil(t, logger)
		})
	}
}

func TestNewLogger_UnwritablePath(t *testing.T) {
	logger, err := NewLogger("info", "json", filepath.Join(t.TempDir(), "missing", "bus.log"))
	assert.Error(t, err)
	assert.Nil(t, logger)
}

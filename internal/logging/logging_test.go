package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNew_NoOutputs(t *testing.T) {
	logger, err := New(Config{})
	require.NoError(t, err)
	logger.Info("dropped")
}

func TestNew_InvalidLevel(t *testing.T) {
	_, err := New(Config{Level: "loud", Console: &bytes.Buffer{}})
	assert.Error(t, err)
}

func TestNew_ConsoleRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Level: "warn", Console: &buf})
	require.NoError(t, err)

	logger.Info("quiet")
	logger.Warn("loud", zap.String("endpoint", "jwc"))
	_ = logger.Sync()

	out := buf.String()
	assert.NotContains(t, out, "quiet")
	assert.Contains(t, out, "loud")
	assert.Contains(t, out, "jwc")
}

func TestNew_FileIsJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "enroll.log")
	logger, err := New(Config{Level: "info", File: path, MaxSizeMB: 1, MaxBackups: 1})
	require.NoError(t, err)

	logger.Named("system").Info("round 1", zap.Int("pending", 2))
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	line := strings.TrimSpace(string(data))
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &entry))
	assert.Equal(t, "round 1", entry["msg"])
	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "enroll.system", entry["logger"])
	assert.EqualValues(t, 2, entry["pending"])
}

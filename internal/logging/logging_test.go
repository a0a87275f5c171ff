package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/Milad-Afdasta/TrueNow/insight-engine/internal/config"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.log")
	logger := log.New()

	closer, err := Setup(logger, config.LogConfig{Level: "debug", Format: "json", File: path, MaxSizeMB: 1})
	require.NoError(t, err)

	logger.WithField("kind", "payment").Debug("flushed")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &entry))
	assert.Equal(t, "flushed", entry["msg"])
	assert.Equal(t, "payment", entry["kind"])
	assert.Equal(t, "debug", entry["level"])
}

func TestSetupRejectsBadInput(t *testing.T) {
	_, err := Setup(log.New(), config.LogConfig{Level: "loud"})
	assert.Error(t, err)

	_, err = Setup(log.New(), config.LogConfig{Level: "info", Format: "xml"})
	assert.Error(t, err)
}

func TestSetupTextFormat(t *testing.T) {
	logger := log.New()
	closer, err := Setup(logger, config.LogConfig{Level: "warn", Format: "text"})
	require.NoError(t, err)
	require.NoError(t, closer.Close())

	assert.Equal(t, log.WarnLevel, logger.GetLevel())
	assert.IsType(t, &log.TextFormatter{}, logger.Formatter)
}

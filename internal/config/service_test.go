package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadServiceConfigDefaults(t *testing.T) {
	cfg, err := LoadServiceConfig()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, ":50051", cfg.GRPCListen)
	assert.Equal(t, "", cfg.SerialPort)
	assert.Equal(t, 115200, cfg.BaudRate)
	assert.Equal(t, "8N1", cfg.SerialFraming)
	assert.Equal(t, "daq.db", cfg.DBPath)
	assert.False(t, cfg.DisableDB)
	assert.False(t, cfg.DevMode)
}

func TestLoadServiceConfigFromEnv(t *testing.T) {
	t.Setenv("DAQ_LISTEN", "127.0.0.1:9000")
	t.Setenv("DAQ_SERIAL_PORT", "mock")
	t.Setenv("DAQ_BAUD_RATE", "9600")
	t.Setenv("DAQ_DISABLE_DB", "true")
	t.Setenv("DAQ_PIPELINE_CONFIG", "config/pipeline.defaults.json")

	cfg, err := LoadServiceConfig()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.Listen)
	assert.Equal(t, "mock", cfg.SerialPort)
	assert.Equal(t, 9600, cfg.BaudRate)
	assert.True(t, cfg.DisableDB)
	assert.Equal(t, "config/pipeline.defaults.json", cfg.PipelineConfig)
}

func TestLoadServiceConfigBadValue(t *testing.T) {
	t.Setenv("DAQ_BAUD_RATE", "fast")
	_, err := LoadServiceConfig()
	assert.ErrorContains(t, err, "failed to load service config")
}

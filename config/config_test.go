package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vultisig/shadowvault/config"
)

const sampleConfig = `
server:
  port: 9090
mpc:
  api_url: http://localhost:9090/v1
  project_id: shadowvault-dev
  api_key: dev-key
  poll_interval: 500ms
  timeout: 30s
ledger:
  program_id: "11111111111111111111111111111111"
  backend: memory
redis:
  host: redis
  port: "6380"
block_storage:
  bucket: receipts
session:
  key_hex: "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
simulator:
  session_keys:
    - "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestReadConfigFile(t *testing.T) {
	cfg, err := config.ReadConfigFile(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, int64(9090), cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, float64(5), cfg.Server.RateLimit)
	assert.Equal(t, "http://localhost:9090/v1", cfg.MPC.APIURL)
	assert.Equal(t, 500*time.Millisecond, cfg.MPC.PollInterval)
	assert.Equal(t, 30*time.Second, cfg.MPC.Timeout)
	assert.Equal(t, "memory", cfg.Ledger.Backend)
	assert.Equal(t, "redis", cfg.Redis.Host)
	assert.Equal(t, "6380", cfg.Redis.Port)
	assert.Equal(t, "receipts", cfg.BlockStorage.Bucket)
	assert.Len(t, cfg.Simulator.SessionKeys, 1)
	assert.NoError(t, cfg.MPC.Validate())

	assert.Equal(t, 3, cfg.Sweep.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Sweep.Interval)
	assert.Equal(t, 5*time.Minute, cfg.Sweep.MinAge)
}

func TestRedisIsOptional(t *testing.T) {
	cfg, err := config.ReadConfigFile(writeConfig(t, "ledger:\n  backend: memory\n"))
	require.NoError(t, err)
	assert.Empty(t, cfg.Redis.Host, "an unset host selects the in-memory pending store")
	assert.Equal(t, "6379", cfg.Redis.Port)
}

func TestReadConfigFileMissing(t *testing.T) {
	_, err := config.ReadConfigFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestMPCConfigValidate(t *testing.T) {
	valid := config.MPCConfig{APIURL: "http://x", ProjectID: "p", APIKey: "k", PollInterval: time.Second, Timeout: time.Minute}
	testCases := []struct {
		name   string
		mutate func(*config.MPCConfig)
	}{
		{name: "missing api url", mutate: func(c *config.MPCConfig) { c.APIURL = "" }},
		{name: "missing project id", mutate: func(c *config.MPCConfig) { c.ProjectID = "" }},
		{name: "missing api key", mutate: func(c *config.MPCConfig) { c.APIKey = "" }},
		{name: "zero poll interval", mutate: func(c *config.MPCConfig) { c.PollInterval = 0 }},
		{name: "zero timeout", mutate: func(c *config.MPCConfig) { c.Timeout = 0 }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c := valid
			tc.mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
	assert.NoError(t, valid.Validate())
}

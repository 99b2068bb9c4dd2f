package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadRequiresSecrets(t *testing.T) {
	t.Setenv("STORAGE_DRIVER", "memory")
	t.Setenv("JWT_SECRET", "")
	t.Setenv("CHAIN_MODE", "memory")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET")
}

func TestLoadMemoryMode(t *testing.T) {
	t.Setenv("STORAGE_DRIVER", "memory")
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("CHAIN_MODE", "memory")
	t.Setenv("ALERT_SUPPRESSION_WINDOW", "2m")
	t.Setenv("SERVER_ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, cfg.Monitoring.SuppressionWindow)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, int32(18), cfg.Chain.TokenDecimals)
	assert.Equal(t, "*/30 * * * * *", cfg.Jobs.MetricsCollectSchedule)
}

func TestValidateRejectsUnknownChainMode(t *testing.T) {
	t.Setenv("STORAGE_DRIVER", "memory")
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("CHAIN_MODE", "mainnet")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CHAIN_MODE")
}

func TestLoadThresholdsDefaults(t *testing.T) {
	th, err := LoadThresholds("", 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultThresholds(), th)
	assert.Equal(t, 95.0, th.CPU.Critical)
	assert.Equal(t, 99.0, th.Availability.Warning)
}

func TestLoadThresholdsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "thresholds.hcl")
	body := `
suppression_window = "5m"

threshold "cpu" {
  warning  = 70
  critical = 90
}

threshold "availability" {
  critical = 90
}
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	th, err := LoadThresholds(path, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, th.SuppressionWindow)
	assert.Equal(t, ThresholdLevel{Warning: 70, Critical: 90}, th.CPU)
	assert.Equal(t, ThresholdLevel{Warning: 99, Critical: 90}, th.Availability)
	assert.Equal(t, DefaultThresholds().Memory, th.Memory)
}

func TestLoadThresholdsUnknownMetric(t *testing.T) {
	path := filepath.Join(t.TempDir(), "thresholds.hcl")
	require.NoError(t, os.WriteFile(path, []byte(`threshold "gpu" {
  warning = 1
}
`), 0o600))

	_, err := LoadThresholds(path, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gpu")
}

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testFactory = "0x52908400098527886E0F7030069857D2E4169EE7"

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("RPC_ENDPOINT", "http://localhost:8545")
	t.Setenv("FACTORY_ADDRESS", testFactory)
	t.Setenv("MARKETPLACE_ENDPOINT", "http://localhost:9000")
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, 60*time.Second, cfg.TickInterval)
	assert.Equal(t, 16, cfg.WorkerCount)
	assert.Equal(t, 6*time.Hour, cfg.NominalInterval)
	assert.Equal(t, 24*time.Hour, cfg.WarningThreshold)
	assert.Equal(t, 6*time.Hour, cfg.CriticalThreshold)
	assert.Equal(t, 7*24*time.Hour, cfg.HardDeadline)
	assert.Equal(t, 8, cfg.MaxRPCConnections)
	assert.True(t, cfg.MarketplaceCheckEnabled)
	assert.False(t, cfg.AutoDeclareAbandoned)
	assert.Equal(t, "8080", cfg.HTTPPort)

	require.NoError(t, cfg.Validate())
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("TICK_INTERVAL_MS", "5000")
	t.Setenv("WORKER_COUNT", "4")
	t.Setenv("MARKETPLACE_CHECK_ENABLED", "false")
	t.Setenv("AUTO_DECLARE_ABANDONED", "true")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.TickInterval)
	assert.Equal(t, 4, cfg.WorkerCount)
	assert.False(t, cfg.MarketplaceCheckEnabled)
	assert.True(t, cfg.AutoDeclareAbandoned)
	assert.Equal(t, 16, cfg.QueueCapacity())
	assert.Equal(t, 7500*time.Millisecond, cfg.JobDeadline())
}

func TestLoadFromEnv_ParseErrors(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"bad tick interval", "TICK_INTERVAL_MS", "soon"},
		{"bad worker count", "WORKER_COUNT", "many"},
		{"bad bool", "MARKETPLACE_CHECK_ENABLED", "maybe"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequiredEnv(t)
			t.Setenv(tt.key, tt.value)

			_, err := LoadFromEnv()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.key)
		})
	}
}

func TestValidate(t *testing.T) {
	valid := func(t *testing.T) *Config {
		t.Helper()
		setRequiredEnv(t)
		cfg, err := LoadFromEnv()
		require.NoError(t, err)
		return cfg
	}

	t.Run("valid config passes", func(t *testing.T) {
		require.NoError(t, valid(t).Validate())
	})

	t.Run("missing rpc endpoint", func(t *testing.T) {
		cfg := valid(t)
		cfg.RPCEndpoint = ""
		assert.ErrorContains(t, cfg.Validate(), "RPC_ENDPOINT")
	})

	t.Run("malformed factory address", func(t *testing.T) {
		cfg := valid(t)
		cfg.FactoryAddress = "0x1234"
		assert.ErrorContains(t, cfg.Validate(), "FACTORY_ADDRESS")
	})

	t.Run("critical must be below warning", func(t *testing.T) {
		cfg := valid(t)
		cfg.CriticalThreshold = cfg.WarningThreshold
		assert.ErrorContains(t, cfg.Validate(), "CRITICAL_THRESHOLD_HOURS")
	})

	t.Run("warning must be below hard deadline", func(t *testing.T) {
		cfg := valid(t)
		cfg.WarningThreshold = cfg.HardDeadline
		assert.ErrorContains(t, cfg.Validate(), "WARNING_THRESHOLD_HOURS")
	})

	t.Run("marketplace endpoint required when enabled", func(t *testing.T) {
		cfg := valid(t)
		cfg.MarketplaceEndpoint = ""
		assert.ErrorContains(t, cfg.Validate(), "MARKETPLACE_ENDPOINT")
	})

	t.Run("marketplace endpoint optional when disabled", func(t *testing.T) {
		cfg := valid(t)
		cfg.MarketplaceCheckEnabled = false
		cfg.MarketplaceEndpoint = ""
		assert.NoError(t, cfg.Validate())
	})
}

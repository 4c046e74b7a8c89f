package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONDUCTOR_DATA_DIR", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "15:50", cfg.Window.Start)
	assert.Equal(t, 10, cfg.Window.LengthMinutes)
	assert.Equal(t, 8, cfg.Window.Concurrency)
	assert.Equal(t, "America/New_York", cfg.Timezone)
	assert.Equal(t, 10.0, cfg.Planner.MinOrderDollars)
	assert.Equal(t, 0.05, cfg.Allocation.CorridorDefault)
	assert.Equal(t, 0, cfg.Allocation.MinRebalanceAgeDays)
	assert.Equal(t, 60*time.Second, cfg.Cache.QuoteTTL)
	assert.Equal(t, 24*time.Hour, cfg.Cache.HistoricalTTL)
	assert.Equal(t, []string{"eodhd", "alphavantage"}, cfg.Providers.Priority)
	assert.False(t, cfg.Backup.Enabled())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("CONDUCTOR_DATA_DIR", t.TempDir())
	t.Setenv("WINDOW_START", "14:30")
	t.Setenv("WORKER_CONCURRENCY", "4")
	t.Setenv("CACHE_TTL_QUOTE", "30s")
	t.Setenv("PROVIDER_PRIORITY", "alphavantage, eodhd")

	cfg, err := Load()
	require.NoError(t, err)

	hour, minute, err := cfg.WindowStartClock()
	require.NoError(t, err)
	assert.Equal(t, 14, hour)
	assert.Equal(t, 30, minute)
	assert.Equal(t, 4, cfg.Window.Concurrency)
	assert.Equal(t, 30*time.Second, cfg.Cache.QuoteTTL)
	assert.Equal(t, []string{"alphavantage", "eodhd"}, cfg.Providers.Priority)
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := func() *Config {
		return &Config{
			Timezone: "America/New_York",
			Window: WindowConfig{
				Start:              "15:50",
				LengthMinutes:      10,
				Concurrency:        8,
				SymphonyTimeoutSec: 120,
			},
			Allocation: AllocationConfig{CorridorDefault: 0.05},
			Planner:    PlannerConfig{MinOrderDollars: 10},
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad timezone", func(c *Config) { c.Timezone = "Mars/Olympus" }},
		{"bad window start", func(c *Config) { c.Window.Start = "25:00" }},
		{"missing colon", func(c *Config) { c.Window.Start = "1550" }},
		{"zero length", func(c *Config) { c.Window.LengthMinutes = 0 }},
		{"zero concurrency", func(c *Config) { c.Window.Concurrency = 0 }},
		{"cash buffer too large", func(c *Config) { c.Allocation.CashBuffer = 0.5 }},
		{"corridor zero", func(c *Config) { c.Allocation.CorridorDefault = 0 }},
		{"corridor above one", func(c *Config) { c.Allocation.CorridorDefault = 1.5 }},
		{"negative min order", func(c *Config) { c.Planner.MinOrderDollars = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, base().Validate())
}

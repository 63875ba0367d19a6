package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.Load())

	cfg := m.Get()
	require.Equal(t, ":8080", cfg.Addr)
	require.Equal(t, 3000, cfg.BatchUpdateInterval)
	require.Equal(t, 300000, cfg.SessionIdleMs)
	require.Equal(t, 64, cfg.SubscriberQueue)
}

func TestLoadReadsEnvOverrides(t *testing.T) {
	t.Setenv("POLLVIZ_ADDR", ":9090")
	t.Setenv("BATCH_UPDATE_INTERVAL_MS", "1500")

	m := NewManager()
	require.NoError(t, m.Load())

	cfg := m.Get()
	require.Equal(t, ":9090", cfg.Addr)
	require.Equal(t, 1500, cfg.BatchUpdateInterval)
}

func TestLoadIgnoresMalformedIntOverride(t *testing.T) {
	t.Setenv("POLLVIZ_TICK_BUDGET_MS", "not-a-number")

	m := NewManager()
	require.NoError(t, m.Load())
	require.Equal(t, 250, m.Get().TickBudgetMs)
}

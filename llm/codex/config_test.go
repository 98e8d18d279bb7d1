package codex

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadTransportConfigDefaults(t *testing.T) {
	t.Setenv(envRetryBudget, "")
	t.Setenv(envRetryDelay, "")
	t.Setenv(envIdleTimeout, "")
	t.Setenv(envWebsocketV2, "")

	cfg := LoadTransportConfig()

	require.Equal(t, 0, cfg.RetryBudget)
	require.Equal(t, 1*time.Millisecond, cfg.RetryDelay)
	require.Equal(t, 10*time.Second, cfg.IdleTimeout)
	require.False(t, cfg.WebsocketV2)
	require.Equal(t, betaWebsocketsV1, cfg.WebsocketBetaHeader())
}

func TestLoadTransportConfigFromEnv(t *testing.T) {
	t.Setenv(envRetryBudget, "3")
	t.Setenv(envRetryDelay, "250")
	t.Setenv(envIdleTimeout, "5000")
	t.Setenv(envWebsocketV2, "1")

	cfg := LoadTransportConfig()

	require.Equal(t, 3, cfg.RetryBudget)
	require.Equal(t, 250*time.Millisecond, cfg.RetryDelay)
	require.Equal(t, 5*time.Second, cfg.IdleTimeout)
	require.True(t, cfg.WebsocketV2)
	require.Equal(t, betaWebsocketsV2, cfg.WebsocketBetaHeader())
}

func TestLoadTransportConfigIgnoresInvalid(t *testing.T) {
	t.Setenv(envRetryBudget, "-1")
	t.Setenv(envIdleTimeout, "0")

	cfg := LoadTransportConfig()

	require.Equal(t, 0, cfg.RetryBudget)
	require.Equal(t, 10*time.Second, cfg.IdleTimeout)
}

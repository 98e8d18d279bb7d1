package codex

import (
	"os"
	"time"

	"github.com/spf13/cast"
)

// TransportConfig carries the environment-tunable transport knobs. It is
// resolved once per client; the environment is not consulted per turn.
type TransportConfig struct {
	// RetryBudget is the number of websocket connect/close retries per turn.
	RetryBudget int

	// RetryDelay is the pause between websocket retries.
	RetryDelay time.Duration

	// IdleTimeout bounds the silence between websocket frames. Fatal for
	// the turn when exceeded.
	IdleTimeout time.Duration

	// WebsocketV2 selects the newer websocket protocol version.
	WebsocketV2 bool
}

// DefaultTransportConfig returns the built-in defaults.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		RetryBudget: 0,
		RetryDelay:  1 * time.Millisecond,
		IdleTimeout: 10 * time.Second,
	}
}

// LoadTransportConfig resolves the config from the environment.
func LoadTransportConfig() TransportConfig {
	cfg := DefaultTransportConfig()

	if v := os.Getenv(envRetryBudget); v != "" {
		if n := cast.ToInt(v); n >= 0 {
			cfg.RetryBudget = n
		}
	}

	if v := os.Getenv(envRetryDelay); v != "" {
		if ms := cast.ToInt64(v); ms >= 0 {
			cfg.RetryDelay = time.Duration(ms) * time.Millisecond
		}
	}

	if v := os.Getenv(envIdleTimeout); v != "" {
		if ms := cast.ToInt64(v); ms > 0 {
			cfg.IdleTimeout = time.Duration(ms) * time.Millisecond
		}
	}

	cfg.WebsocketV2 = cast.ToString(os.Getenv(envWebsocketV2)) == "1"

	return cfg
}

// WebsocketBetaHeader returns the OpenAI-Beta value advertised on dial.
func (c TransportConfig) WebsocketBetaHeader() string {
	if c.WebsocketV2 {
		return betaWebsocketsV2
	}

	return betaWebsocketsV1
}

package codex

import (
	"context"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/singleflight"

	"github.com/pihq/pi/internal/log"
	"github.com/pihq/pi/llm"
	"github.com/pihq/pi/llm/httpclient"
)

// StreamOptions are the per-call transport options.
type StreamOptions struct {
	// APIKey is the opaque bearer token for this turn.
	APIKey string

	// SessionID scopes transport state, prompt caching, and conversation
	// headers. Empty means stateless: no reuse, no append, no sticky
	// fallback, no handshake replay.
	SessionID string

	ReasoningEffort llm.ReasoningEffort

	// Sessions is the caller-owned registry of per-session transport state.
	Sessions *SessionRegistry
}

// TransportDetails is a read-only snapshot of a session's transport state.
type TransportDetails struct {
	LastTransport      string `json:"last_transport"`
	WebsocketDisabled  bool   `json:"websocket_disabled"`
	FallbackCount      int    `json:"fallback_count"`
	WebsocketConnected bool   `json:"websocket_connected"`
	Prewarmed          bool   `json:"prewarmed"`
	CanAppend          bool   `json:"can_append"`
}

// Client is the transport selector and turn driver. One client serves many
// sessions; within a session the caller guarantees one in-flight turn.
type Client struct {
	cfg    TransportConfig
	http   *httpclient.HttpClient
	dialer *websocket.Dialer

	prewarmGroup singleflight.Group
}

type Option func(*Client)

// WithTransportConfig overrides the environment-resolved config.
func WithTransportConfig(cfg TransportConfig) Option {
	return func(c *Client) {
		c.cfg = cfg
	}
}

// WithHTTPClient overrides the HTTP client used for SSE turns.
func WithHTTPClient(client *httpclient.HttpClient) Option {
	return func(c *Client) {
		c.http = client
	}
}

// WithDialer overrides the websocket dialer.
func WithDialer(dialer *websocket.Dialer) Option {
	return func(c *Client) {
		c.dialer = dialer
	}
}

// NewClient creates a transport client. The environment is read once, here.
func NewClient(opts ...Option) *Client {
	c := &Client{
		cfg:  LoadTransportConfig(),
		http: httpclient.NewHttpClient(),
		dialer: &websocket.Dialer{
			HandshakeTimeout:  30 * time.Second,
			EnableCompression: true,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// sessionState resolves the state record for this call. Stateless calls get a
// throwaway record.
func (c *Client) sessionState(opts StreamOptions) *SessionState {
	if opts.SessionID == "" || opts.Sessions == nil {
		return &SessionState{}
	}

	return opts.Sessions.Get(opts.SessionID)
}

// Stream runs one turn and returns its event stream. Exactly one TurnResult
// is produced per call, regardless of transport or retries; failures surface
// as error events rather than Go errors.
func (c *Client) Stream(ctx context.Context, model llm.Model, llmCtx llm.Context, opts StreamOptions) *TurnStream {
	state := c.sessionState(opts)

	if model.PreferWebsockets && !state.WebsocketDisabled {
		// The fallback fires when the socket dies before any event was
		// delivered: the session goes sticky-SSE and the turn reissues once.
		fallback := func(ctx context.Context) EventStream {
			state.DisableWebsocketSticky()

			log.Debug(ctx, "websocket failed mid-turn, falling back to sse",
				log.String("session_id", opts.SessionID),
				log.Int("fallback_count", state.FallbackCount),
			)

			return c.streamSSE(ctx, model, llmCtx, opts, state)
		}

		events, err := c.streamWebsocket(ctx, model, llmCtx, opts, state, fallback)
		if err == nil {
			return NewTurnStream(events)
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return NewTurnStream(errorEventStream(ErrCodeAborted, ""))
		}

		// The websocket attempt, including retries, failed to produce a
		// turn. Transport-level failures are not surfaced: sticky SSE.
		state.DisableWebsocketSticky()

		log.Warn(ctx, "websocket unavailable, session falls back to sse",
			log.String("session_id", opts.SessionID),
			log.Int("fallback_count", state.FallbackCount),
			log.Cause(err),
		)
	}

	return NewTurnStream(c.streamSSE(ctx, model, llmCtx, opts, state))
}

// Prewarm opens the session's websocket ahead of the first turn to amortise
// handshake latency. Failures leave state unchanged and never propagate.
func (c *Client) Prewarm(ctx context.Context, model llm.Model, opts StreamOptions) {
	if opts.SessionID == "" || opts.Sessions == nil || !model.PreferWebsockets {
		return
	}

	state := opts.Sessions.Get(opts.SessionID)
	if state.WebsocketDisabled || state.conn != nil {
		return
	}

	_, _, _ = c.prewarmGroup.Do(opts.SessionID, func() (any, error) {
		if state.conn != nil {
			return nil, nil
		}

		conn, _, err := c.dialWebsocket(ctx, model, opts, state)
		if err != nil {
			log.Debug(ctx, "prewarm failed", log.String("session_id", opts.SessionID), log.Cause(err))
			return nil, nil
		}

		state.conn = conn
		state.Prewarmed = true

		return nil, nil
	})
}

// TransportDetails reports the session's transport state for observability
// and tests.
func (c *Client) TransportDetails(model llm.Model, opts StreamOptions) TransportDetails {
	state := c.sessionState(opts)

	return TransportDetails{
		LastTransport:      state.LastTransport,
		WebsocketDisabled:  state.WebsocketDisabled,
		FallbackCount:      state.FallbackCount,
		WebsocketConnected: state.WebsocketConnected(),
		Prewarmed:          state.Prewarmed,
		CanAppend:          state.CanAppend,
	}
}

// Package codex implements the OpenAI-Codex Responses streaming transport: a
// dual-transport client (websocket primary, SSE fallback) that carries an
// incremental assistant response stream from the ChatGPT backend to a local
// consumer.
package codex

const (
	// BaseURL is the default ChatGPT backend Codex endpoint.
	BaseURL = "https://chatgpt.com/backend-api/codex"

	responsesPath = "/responses"

	// Originator identifies this client on every request.
	Originator = "pi"

	betaResponses = "responses=experimental"

	// Websocket protocol versions advertised via OpenAI-Beta.
	betaWebsocketsV1 = "responses_websockets=2026-02-04"
	betaWebsocketsV2 = "responses_websockets=2026-02-06"
)

// Handshake headers echoed between turns.
const (
	headerTurnState         = "x-codex-turn-state"
	headerModelsEtag        = "x-models-etag"
	headerReasoningIncluded = "x-reasoning-included"
	headerAccountID         = "chatgpt-account-id"
	headerSessionID         = "session_id"
	headerConversationID    = "conversation_id"
)

// Environment variables recognized by LoadTransportConfig.
const (
	envRetryBudget = "WEBSOCKET_RETRY_BUDGET"
	envRetryDelay  = "WEBSOCKET_RETRY_DELAY_MS"
	envIdleTimeout = "WEBSOCKET_IDLE_TIMEOUT_MS"
	envWebsocketV2 = "WEBSOCKET_V2"
)

const (
	AuthorizeURL = "https://auth.openai.com/oauth/authorize"
	//nolint:gosec // false alert.
	TokenURL    = "https://auth.openai.com/oauth/token"
	ClientID    = "app_EMoamEEZ73f0CkXaXp7hrann"
	RedirectURI = "http://localhost:1455/auth/callback"
	Scopes      = "openid profile email offline_access"

	// UserAgent identifies the pi CLI on auth requests.
	UserAgent = "pi/0.9.0"
)

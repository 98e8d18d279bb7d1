package codex

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/pihq/pi/llm"
)

// upstream is a test double serving both the websocket upgrade endpoint and
// the SSE POST endpoint on the same base URL.
type upstream struct {
	t      *testing.T
	server *httptest.Server

	mu         sync.Mutex
	wsDials    int
	wsFrames   [][]string // frame types received, per connection
	ssePosts   int
	sseHeaders []http.Header

	// Behavior knobs.
	rejectWS        bool
	rejectStatus    int
	silentWS        bool
	wsRespHeaders   http.Header
	wsOnFrame       func(conn *websocket.Conn, turn int, frame []byte)
	sseStatus       int
	sseBody         string
	sseRespHeaders  http.Header
	sseRetryAfter   string
	sseOmitTerminal bool
}

func newUpstream(t *testing.T) *upstream {
	u := &upstream{t: t}
	u.server = httptest.NewServer(http.HandlerFunc(u.handle))
	t.Cleanup(u.server.Close)

	return u
}

func (u *upstream) handle(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Upgrade") == "websocket" {
		u.handleWS(w, r)
		return
	}

	u.handleSSE(w, r)
}

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (u *upstream) handleWS(w http.ResponseWriter, r *http.Request) {
	u.mu.Lock()
	u.wsDials++
	dial := u.wsDials - 1
	u.wsFrames = append(u.wsFrames, nil)
	reject := u.rejectWS
	u.mu.Unlock()

	if reject {
		status := u.rejectStatus
		if status == 0 {
			status = http.StatusServiceUnavailable
		}

		http.Error(w, "websocket refused", status)

		return
	}

	conn, err := testUpgrader.Upgrade(w, r, u.wsRespHeaders)
	if err != nil {
		return
	}
	defer conn.Close()

	turn := 0

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		frameType := gjson.GetBytes(data, "type").String()

		u.mu.Lock()
		u.wsFrames[dial] = append(u.wsFrames[dial], frameType)
		u.mu.Unlock()

		if u.silentWS {
			continue
		}

		if u.wsOnFrame != nil {
			u.wsOnFrame(conn, turn, data)
		} else {
			u.writeTurn(conn, fmt.Sprintf("resp-%d", turn+1), "Hello")
		}

		turn++
	}
}

// writeTurn sends a minimal successful turn over the websocket.
func (u *upstream) writeTurn(conn *websocket.Conn, responseID, text string) {
	events := []string{
		fmt.Sprintf(`{"type":"response.created","response":{"id":"%s"}}`, responseID),
		`{"type":"response.output_item.added","item":{"id":"msg-1","type":"message","role":"assistant"}}`,
		fmt.Sprintf(`{"type":"response.output_text.delta","delta":"%s"}`, text),
		`{"type":"response.output_item.done","item":{"id":"msg-1","type":"message","status":"completed"}}`,
		fmt.Sprintf(`{"type":"response.completed","response":{"id":"%s","usage":{"input_tokens":5,"output_tokens":3,"total_tokens":8,"input_tokens_details":{"cached_tokens":0}}}}`, responseID),
	}

	for _, ev := range events {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(ev)); err != nil {
			return
		}
	}
}

func (u *upstream) handleSSE(w http.ResponseWriter, r *http.Request) {
	u.mu.Lock()
	u.ssePosts++
	u.sseHeaders = append(u.sseHeaders, r.Header.Clone())
	u.mu.Unlock()

	if u.sseStatus != 0 {
		if u.sseRetryAfter != "" {
			w.Header().Set("Retry-After", u.sseRetryAfter)
		}

		w.WriteHeader(u.sseStatus)
		_, _ = w.Write([]byte(u.sseBody))

		return
	}

	for k, vs := range u.sseRespHeaders {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)

	flusher := w.(http.Flusher)

	events := []string{
		`{"type":"response.output_item.added","item":{"id":"msg-1","type":"message","role":"assistant"}}`,
		`{"type":"response.content_part.added","part":{"type":"output_text","text":""}}`,
		`{"type":"response.output_text.delta","delta":"Hello"}`,
		`{"type":"response.output_item.done","item":{"id":"msg-1","type":"message","status":"completed"}}`,
	}

	if !u.sseOmitTerminal {
		events = append(events, `{"type":"response.completed","response":{"id":"resp-sse","usage":{"input_tokens":5,"output_tokens":3,"total_tokens":8,"input_tokens_details":{"cached_tokens":0}}}}`)
	}

	for _, ev := range events {
		fmt.Fprintf(w, "data: %s\n\n", ev)
		flusher.Flush()
	}
}

func (u *upstream) counts() (wsDials, ssePosts int) {
	u.mu.Lock()
	defer u.mu.Unlock()

	return u.wsDials, u.ssePosts
}

func (u *upstream) framesFor(dial int) []string {
	u.mu.Lock()
	defer u.mu.Unlock()

	return append([]string(nil), u.wsFrames[dial]...)
}

func (u *upstream) model(preferWebsockets bool) llm.Model {
	return llm.Model{
		ID:               "gpt-5.2-codex",
		Provider:         "openai-codex",
		BaseURL:          u.server.URL,
		Reasoning:        true,
		PreferWebsockets: preferWebsockets,
	}
}

func newTestClient(cfg TransportConfig) *Client {
	return NewClient(WithTransportConfig(cfg))
}

func singleTurnContext(text string) llm.Context {
	return llm.Context{
		SystemPrompt: "You are pi.",
		Messages:     []llm.Message{userMessage(text)},
	}
}

func TestStreamSSEHappyPath(t *testing.T) {
	up := newUpstream(t)
	client := newTestClient(DefaultTransportConfig())
	sessions := NewSessionRegistry()

	opts := StreamOptions{APIKey: "tok", SessionID: "sess-1", Sessions: sessions}
	model := up.model(false)

	turn := client.Stream(t.Context(), model, singleTurnContext("hi"), opts)

	var deltas []string

	events := turn.Events()
	for events.Next() {
		if ev := events.Current(); ev.Kind == EventTextDelta {
			deltas = append(deltas, ev.Delta)
		}
	}

	require.Equal(t, []string{"Hello"}, deltas)

	result := turn.Result()
	assert.Equal(t, "assistant", result.Role)
	assert.Equal(t, StopReasonCompleted, result.StopReason)
	require.Len(t, result.Content, 1)
	assert.Equal(t, "text", result.Content[0].Type)
	assert.Equal(t, "Hello", result.Content[0].Text)
	require.NotNil(t, result.Usage)
	assert.EqualValues(t, 5, result.Usage.PromptTokens)
	assert.EqualValues(t, 3, result.Usage.CompletionTokens)
	assert.EqualValues(t, 8, result.Usage.TotalTokens)

	details := client.TransportDetails(model, opts)
	assert.Equal(t, TransportSSE, details.LastTransport)
	assert.False(t, details.WebsocketDisabled)

	wsDials, ssePosts := up.counts()
	assert.Zero(t, wsDials)
	assert.Equal(t, 1, ssePosts)
}

func TestStreamSSETruncated(t *testing.T) {
	up := newUpstream(t)
	up.sseOmitTerminal = true

	client := newTestClient(DefaultTransportConfig())

	turn := client.Stream(t.Context(), up.model(false), singleTurnContext("hi"), StreamOptions{APIKey: "tok"})

	result := turn.Result()
	assert.Equal(t, StopReasonError, result.StopReason)
	assert.Contains(t, result.ErrorMessage, "terminal completion event")
}

func TestStreamSSERateLimit(t *testing.T) {
	up := newUpstream(t)
	up.sseStatus = http.StatusTooManyRequests
	up.sseBody = `{"error": {"code": "rate_limit_exceeded", "message": "rate limit reached for gpt-5.2-codex", "retry_after_seconds": 30}}`

	client := newTestClient(DefaultTransportConfig())

	turn := client.Stream(t.Context(), up.model(false), singleTurnContext("hi"), StreamOptions{APIKey: "tok"})

	events := turn.Events()
	require.True(t, events.Next())

	ev := events.Current()
	assert.Equal(t, EventError, ev.Kind)
	assert.Equal(t, ErrCodeRateLimit, ev.Code)
	assert.Contains(t, ev.Message, "rate limit")
	assert.Contains(t, ev.Message, "(retry-after: 30s)")
	require.False(t, events.Next())

	result := turn.Result()
	assert.Equal(t, StopReasonError, result.StopReason)

	// Exactly one HTTP call: the body is never read twice.
	_, ssePosts := up.counts()
	assert.Equal(t, 1, ssePosts)
}

func TestStreamSSERateLimitUnparseableBody(t *testing.T) {
	up := newUpstream(t)
	up.sseStatus = http.StatusTooManyRequests
	up.sseBody = `Too Many Requests`
	up.sseRetryAfter = "12"

	client := newTestClient(DefaultTransportConfig())

	turn := client.Stream(t.Context(), up.model(false), singleTurnContext("hi"), StreamOptions{APIKey: "tok"})

	result := turn.Result()
	assert.Equal(t, StopReasonError, result.StopReason)
	assert.Contains(t, result.ErrorMessage, "rate limit")
	assert.Contains(t, result.ErrorMessage, "(retry-after: 12s)")
}

func TestStreamSSEHTTPError(t *testing.T) {
	up := newUpstream(t)
	up.sseStatus = http.StatusInternalServerError
	up.sseBody = `{"error": {"message": "upstream exploded"}}`

	client := newTestClient(DefaultTransportConfig())

	turn := client.Stream(t.Context(), up.model(false), singleTurnContext("hi"), StreamOptions{APIKey: "tok"})

	events := turn.Events()
	require.True(t, events.Next())

	ev := events.Current()
	assert.Equal(t, EventError, ev.Kind)
	assert.Equal(t, "http_500", ev.Code)
	assert.Contains(t, ev.Message, "upstream exploded")
}

func TestStreamWebsocketHappyPath(t *testing.T) {
	up := newUpstream(t)
	client := newTestClient(DefaultTransportConfig())
	sessions := NewSessionRegistry()

	opts := StreamOptions{APIKey: "tok", SessionID: "sess-ws", Sessions: sessions}
	model := up.model(true)

	t.Cleanup(func() { sessions.Remove("sess-ws") })

	turn := client.Stream(t.Context(), model, singleTurnContext("hi"), opts)

	result := turn.Result()
	require.Equal(t, StopReasonCompleted, result.StopReason)
	assert.Equal(t, "Hello", result.Content[0].Text)

	details := client.TransportDetails(model, opts)
	assert.Equal(t, TransportWebsocket, details.LastTransport)
	assert.True(t, details.WebsocketConnected)
	assert.True(t, details.CanAppend)
	assert.False(t, details.WebsocketDisabled)
	assert.Zero(t, details.FallbackCount)

	wsDials, ssePosts := up.counts()
	assert.Equal(t, 1, wsDials)
	assert.Zero(t, ssePosts)
}

func TestStreamWebsocketStickyFallback(t *testing.T) {
	up := newUpstream(t)
	up.rejectWS = true

	client := newTestClient(DefaultTransportConfig())
	sessions := NewSessionRegistry()

	opts := StreamOptions{APIKey: "tok", SessionID: "sess-fb", Sessions: sessions}
	model := up.model(true)

	turn := client.Stream(t.Context(), model, singleTurnContext("hi"), opts)

	result := turn.Result()
	require.Equal(t, StopReasonCompleted, result.StopReason)
	assert.Equal(t, "Hello", result.Content[0].Text)

	details := client.TransportDetails(model, opts)
	assert.Equal(t, TransportSSE, details.LastTransport)
	assert.True(t, details.WebsocketDisabled)
	assert.Equal(t, 1, details.FallbackCount)

	wsDials, ssePosts := up.counts()
	assert.Equal(t, 1, wsDials)
	assert.Equal(t, 1, ssePosts)

	// Sticky: the next turn goes straight to SSE.
	turn = client.Stream(t.Context(), model, singleTurnContext("again"), opts)
	require.Equal(t, StopReasonCompleted, turn.Result().StopReason)

	wsDials, ssePosts = up.counts()
	assert.Equal(t, 1, wsDials)
	assert.Equal(t, 2, ssePosts)
	assert.Equal(t, 1, client.TransportDetails(model, opts).FallbackCount)
}

func TestStreamWebsocketRejectedUpgradeSkipsRetries(t *testing.T) {
	up := newUpstream(t)
	up.rejectWS = true
	up.rejectStatus = http.StatusForbidden

	cfg := DefaultTransportConfig()
	cfg.RetryBudget = 2

	client := newTestClient(cfg)
	sessions := NewSessionRegistry()

	opts := StreamOptions{APIKey: "tok", SessionID: "sess-403", Sessions: sessions}
	model := up.model(true)

	turn := client.Stream(t.Context(), model, singleTurnContext("hi"), opts)
	require.Equal(t, StopReasonCompleted, turn.Result().StopReason)

	// A 403 upgrade refusal is not retried: one dial, then sticky SSE.
	wsDials, ssePosts := up.counts()
	assert.Equal(t, 1, wsDials)
	assert.Equal(t, 1, ssePosts)
	assert.True(t, client.TransportDetails(model, opts).WebsocketDisabled)
}

func TestStreamWebsocketIdleTimeoutDoesNotFallBack(t *testing.T) {
	up := newUpstream(t)
	up.silentWS = true

	cfg := DefaultTransportConfig()
	cfg.IdleTimeout = 20 * time.Millisecond

	client := newTestClient(cfg)
	sessions := NewSessionRegistry()

	opts := StreamOptions{APIKey: "tok", SessionID: "sess-idle", Sessions: sessions}
	model := up.model(true)

	turn := client.Stream(t.Context(), model, singleTurnContext("hi"), opts)

	result := turn.Result()
	assert.Equal(t, StopReasonError, result.StopReason)
	assert.Contains(t, result.ErrorMessage, "idle timeout waiting for websocket")

	// SSE is never called.
	_, ssePosts := up.counts()
	assert.Zero(t, ssePosts)

	// Idle timeouts do not sticky-disable the session.
	assert.False(t, client.TransportDetails(model, opts).WebsocketDisabled)
}

func TestStreamWebsocketAppendAcrossTurns(t *testing.T) {
	up := newUpstream(t)
	client := newTestClient(DefaultTransportConfig())
	sessions := NewSessionRegistry()

	opts := StreamOptions{APIKey: "tok", SessionID: "sess-append", Sessions: sessions}
	model := up.model(true)

	t.Cleanup(func() { sessions.Remove("sess-append") })

	ctx1 := singleTurnContext("one")

	turn := client.Stream(t.Context(), model, ctx1, opts)
	require.Equal(t, StopReasonCompleted, turn.Result().StopReason)

	ctx2 := llm.Context{
		SystemPrompt: ctx1.SystemPrompt,
		Messages: append(append([]llm.Message{}, ctx1.Messages...),
			assistantMessage("Hello"),
			userMessage("two"),
		),
	}

	turn = client.Stream(t.Context(), model, ctx2, opts)
	require.Equal(t, StopReasonCompleted, turn.Result().StopReason)

	wsDials, _ := up.counts()
	require.Equal(t, 1, wsDials)
	assert.Equal(t, []string{"response.create", "response.append"}, up.framesFor(0))
}

func TestStreamWebsocketAppendResetOnAbort(t *testing.T) {
	up := newUpstream(t)

	// Turn indexes are per connection: respond normally to the first frame
	// on each connection, hang on the rest so the abort lands mid-stream.
	up.wsOnFrame = func(conn *websocket.Conn, turn int, frame []byte) {
		if turn == 0 {
			up.writeTurn(conn, "resp-1", "Hello")
			return
		}

		// Send one delta, then leave the turn open.
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"response.output_text.delta","delta":"par"}`))
	}

	client := newTestClient(DefaultTransportConfig())
	sessions := NewSessionRegistry()

	opts := StreamOptions{APIKey: "tok", SessionID: "sess-abort", Sessions: sessions}
	model := up.model(true)

	t.Cleanup(func() { sessions.Remove("sess-abort") })

	ctx1 := singleTurnContext("one")

	turn := client.Stream(t.Context(), model, ctx1, opts)
	require.Equal(t, StopReasonCompleted, turn.Result().StopReason)

	// Turn 2 appends, then is aborted mid-stream.
	ctx2 := llm.Context{
		SystemPrompt: ctx1.SystemPrompt,
		Messages: append(append([]llm.Message{}, ctx1.Messages...),
			assistantMessage("Hello"),
			userMessage("two"),
		),
	}

	cancelCtx, cancel := context.WithCancel(t.Context())

	turn = client.Stream(cancelCtx, model, ctx2, opts)

	events := turn.Events()
	require.True(t, events.Next())
	require.Equal(t, EventTextDelta, events.Current().Kind)

	cancel()

	result := turn.Result()
	assert.Equal(t, StopReasonAborted, result.StopReason)
	assert.Empty(t, result.ErrorMessage)

	// Turn 3 opens a fresh socket and sends response.create, not append.
	ctx3 := llm.Context{
		SystemPrompt: ctx2.SystemPrompt,
		Messages:     append(append([]llm.Message{}, ctx2.Messages...), userMessage("three")),
	}

	turn = client.Stream(t.Context(), model, ctx3, opts)
	require.Equal(t, StopReasonCompleted, turn.Result().StopReason)

	wsDials, _ := up.counts()
	require.Equal(t, 2, wsDials)
	assert.Equal(t, []string{"response.create", "response.append"}, up.framesFor(0))
	assert.Equal(t, []string{"response.create"}, up.framesFor(1))
}

func TestStreamWebsocketServerErrorFrame(t *testing.T) {
	up := newUpstream(t)
	up.wsOnFrame = func(conn *websocket.Conn, turn int, frame []byte) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"error","code":"invalid_request","message":"bad request"}`))
	}

	client := newTestClient(DefaultTransportConfig())
	sessions := NewSessionRegistry()

	opts := StreamOptions{APIKey: "tok", SessionID: "sess-err", Sessions: sessions}
	model := up.model(true)

	t.Cleanup(func() { sessions.Remove("sess-err") })

	turn := client.Stream(t.Context(), model, singleTurnContext("hi"), opts)

	result := turn.Result()
	assert.Equal(t, StopReasonError, result.StopReason)
	assert.Equal(t, "bad request", result.ErrorMessage)

	// Semantic server errors do not fall back to SSE.
	_, ssePosts := up.counts()
	assert.Zero(t, ssePosts)

	details := client.TransportDetails(model, opts)
	assert.False(t, details.WebsocketDisabled)
	assert.False(t, details.CanAppend)
}

func TestHandshakeReplayThenClear(t *testing.T) {
	up := newUpstream(t)
	up.wsRespHeaders = http.Header{
		"X-Codex-Turn-State": []string{"ws-turn-state-1"},
		"X-Models-Etag":      []string{"models-etag-1"},
	}

	client := newTestClient(DefaultTransportConfig())
	sessions := NewSessionRegistry()

	opts := StreamOptions{APIKey: "tok", SessionID: "sess-hs", Sessions: sessions}

	t.Cleanup(func() { sessions.Remove("sess-hs") })

	// Turn 1 over websocket captures the handshake metadata.
	turn := client.Stream(t.Context(), up.model(true), singleTurnContext("one"), opts)
	require.Equal(t, StopReasonCompleted, turn.Result().StopReason)

	// Turn 2 over SSE replays it.
	sseModel := up.model(false)

	turn = client.Stream(t.Context(), sseModel, singleTurnContext("two"), opts)
	require.Equal(t, StopReasonCompleted, turn.Result().StopReason)

	up.mu.Lock()
	firstSSE := up.sseHeaders[0]
	up.mu.Unlock()

	assert.Equal(t, "ws-turn-state-1", firstSSE.Get("x-codex-turn-state"))
	assert.Equal(t, "models-etag-1", firstSSE.Get("x-models-etag"))

	// Turn 3 over SSE does not.
	turn = client.Stream(t.Context(), sseModel, singleTurnContext("three"), opts)
	require.Equal(t, StopReasonCompleted, turn.Result().StopReason)

	up.mu.Lock()
	secondSSE := up.sseHeaders[1]
	up.mu.Unlock()

	assert.Empty(t, secondSSE.Get("x-codex-turn-state"))
	assert.Empty(t, secondSSE.Get("x-models-etag"))
}

func TestPrewarmOpensSocketOnce(t *testing.T) {
	up := newUpstream(t)
	client := newTestClient(DefaultTransportConfig())
	sessions := NewSessionRegistry()

	opts := StreamOptions{APIKey: "tok", SessionID: "sess-pw", Sessions: sessions}
	model := up.model(true)

	t.Cleanup(func() { sessions.Remove("sess-pw") })

	client.Prewarm(t.Context(), model, opts)

	details := client.TransportDetails(model, opts)
	assert.True(t, details.Prewarmed)
	assert.True(t, details.WebsocketConnected)

	// The prewarmed socket serves the first turn; no second dial.
	turn := client.Stream(t.Context(), model, singleTurnContext("hi"), opts)
	require.Equal(t, StopReasonCompleted, turn.Result().StopReason)

	wsDials, _ := up.counts()
	assert.Equal(t, 1, wsDials)
}

func TestPrewarmFailureLeavesStateUnchanged(t *testing.T) {
	up := newUpstream(t)
	up.rejectWS = true

	client := newTestClient(DefaultTransportConfig())
	sessions := NewSessionRegistry()

	opts := StreamOptions{APIKey: "tok", SessionID: "sess-pwf", Sessions: sessions}
	model := up.model(true)

	client.Prewarm(t.Context(), model, opts)

	details := client.TransportDetails(model, opts)
	assert.False(t, details.Prewarmed)
	assert.False(t, details.WebsocketConnected)
	assert.False(t, details.WebsocketDisabled)
	assert.Zero(t, details.FallbackCount)
}

func TestStreamStatelessWithoutSession(t *testing.T) {
	up := newUpstream(t)
	client := newTestClient(DefaultTransportConfig())

	turn := client.Stream(t.Context(), up.model(false), singleTurnContext("hi"), StreamOptions{APIKey: "tok"})
	require.Equal(t, StopReasonCompleted, turn.Result().StopReason)

	up.mu.Lock()
	h := up.sseHeaders[0]
	up.mu.Unlock()

	assert.Empty(t, h.Get("session_id"))
	assert.Empty(t, h.Get("conversation_id"))
}

package codex

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pihq/pi/internal/log"
	"github.com/pihq/pi/llm"
	"github.com/pihq/pi/llm/httpclient"
)

// errWebsocketUnavailable reports that the websocket could not be opened
// within the retry budget. It is never surfaced to callers: the selector
// reacts by falling back to SSE and sticky-disabling the session.
var errWebsocketUnavailable = errors.New("websocket transport unavailable")

// ErrMsgIdleTimeout is the message of idle-timeout errors.
const ErrMsgIdleTimeout = "idle timeout waiting for websocket"

// websocketURL derives the websocket endpoint from the model's base URL.
func websocketURL(baseURL string) (string, error) {
	base := strings.TrimSpace(baseURL)
	if base == "" {
		return "", errors.New("base URL was empty")
	}

	u, err := url.Parse(strings.TrimRight(base, "/") + responsesPath)
	if err != nil {
		return "", err
	}

	switch strings.ToLower(u.Scheme) {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}

	return u.String(), nil
}

// dialHeaders builds the websocket handshake headers.
func (c *Client) dialHeaders(opts StreamOptions) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+opts.APIKey)
	h.Set("OpenAI-Beta", c.cfg.WebsocketBetaHeader())
	h.Set("originator", Originator)

	if accountID := ExtractAccountID(opts.APIKey); accountID != "" {
		h.Set(headerAccountID, accountID)
	}

	if opts.SessionID != "" {
		h.Set(headerSessionID, opts.SessionID)
	}

	return h
}

// dialWebsocket opens one connection and captures handshake metadata from the
// upgrade response. On a refused upgrade, the HTTP status is returned so the
// caller can decide whether retrying makes sense.
func (c *Client) dialWebsocket(ctx context.Context, model llm.Model, opts StreamOptions, state *SessionState) (*websocket.Conn, int, error) {
	wsURL, err := websocketURL(model.BaseURL)
	if err != nil {
		return nil, 0, err
	}

	conn, resp, err := c.dialer.DialContext(ctx, wsURL, c.dialHeaders(opts))
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}

		return nil, status, err
	}

	_ = conn.SetReadDeadline(time.Time{})

	status := 0
	if resp != nil {
		status = resp.StatusCode

		state.CaptureHandshake(HandshakeMeta{
			TurnStateToken:    resp.Header.Get(headerTurnState),
			ModelsEtag:        resp.Header.Get(headerModelsEtag),
			ReasoningIncluded: resp.Header.Get(headerReasoningIncluded) == "true",
		})
	}

	return conn, status, nil
}

// connectWebsocket reuses the session's live handle or opens a new one,
// retrying transient failures within the configured budget.
func (c *Client) connectWebsocket(ctx context.Context, model llm.Model, opts StreamOptions, state *SessionState) error {
	if state.conn != nil {
		return nil
	}

	var lastErr error

	for attempt := 0; attempt <= c.cfg.RetryBudget; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.cfg.RetryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		conn, status, err := c.dialWebsocket(ctx, model, opts, state)
		if err == nil {
			state.conn = conn
			return nil
		}

		lastErr = err

		if ctx.Err() != nil {
			return ctx.Err()
		}

		log.Debug(ctx, "websocket connect failed",
			log.Int("attempt", attempt+1),
			log.Int("budget", c.cfg.RetryBudget),
			log.Int("status_code", status),
			log.Cause(err),
		)

		// An upgrade the upstream refused outright will not succeed on a
		// retry; spend the budget only on transient failures.
		if status != 0 && !httpclient.IsHTTPStatusCodeRetryable(status) {
			break
		}
	}

	return fmt.Errorf("%w: %w", errWebsocketUnavailable, lastErr)
}

// sendTurnFrame builds and sends the request frame for the current turn.
func (c *Client) sendTurnFrame(model llm.Model, llmCtx llm.Context, opts StreamOptions, state *SessionState) error {
	params := BuildParams{
		Model:           model,
		Context:         llmCtx,
		SessionID:       opts.SessionID,
		ReasoningEffort: opts.ReasoningEffort,
		APIKey:          opts.APIKey,
	}

	frameType := frameResponseCreate

	if state.CanAppend {
		if contextExtends(state.lastSystemPrompt, state.lastMessages, llmCtx) && state.lastResponseID != "" {
			frameType = frameResponseAppend
			params.PreviousResponseID = state.lastResponseID
			params.PreviousCount = len(state.lastMessages)
		} else {
			// The new context diverged from the socket's turn state.
			state.ResetAppendState()
		}
	}

	req, err := BuildTurnRequest(params)
	if err != nil {
		return err
	}

	framed, err := frameBody(req.Body, frameType)
	if err != nil {
		return err
	}

	return state.conn.WriteMessage(websocket.TextMessage, framed)
}

// streamWebsocket runs one turn over the session's websocket. A connection
// that cannot be opened within the retry budget returns
// errWebsocketUnavailable; every later failure surfaces as an event.
func (c *Client) streamWebsocket(ctx context.Context, model llm.Model, llmCtx llm.Context, opts StreamOptions, state *SessionState, fallback func(context.Context) EventStream) (EventStream, error) {
	if err := c.connectWebsocket(ctx, model, opts, state); err != nil {
		return nil, err
	}

	if err := c.sendTurnFrame(model, llmCtx, opts, state); err != nil {
		// The reused or fresh socket died before the request went out.
		state.closeConn()
		state.ResetAppendState()

		if err := c.connectWebsocket(ctx, model, opts, state); err != nil {
			return nil, err
		}

		if err := c.sendTurnFrame(model, llmCtx, opts, state); err != nil {
			state.closeConn()
			return nil, fmt.Errorf("%w: %w", errWebsocketUnavailable, err)
		}
	}

	s := &wsTurnStream{
		ctx:      ctx,
		client:   c,
		model:    model,
		llmCtx:   llmCtx,
		opts:     opts,
		state:    state,
		fallback: fallback,
	}

	s.watch(state.conn)

	return s, nil
}

// wsTurnStream drives one websocket turn: it relays decoded events, enforces
// the idle timeout via read deadlines, and retries mid-stream closes within
// the budget.
type wsTurnStream struct {
	ctx    context.Context //nolint:containedctx // owned by the turn task.
	client *Client
	model  llm.Model
	llmCtx llm.Context
	opts   StreamOptions
	state  *SessionState

	// fallback switches the turn to SSE when the websocket dies before any
	// event was delivered. Nil for sessions that must not fall back.
	fallback func(context.Context) EventStream
	inner    EventStream

	// stopWatch releases the cancellation watchdog of the current connection.
	stopWatch chan struct{}

	attempts   int
	delivered  bool
	responseID string

	current *ResponseEvent
	done    bool
	err     error
}

var _ EventStream = (*wsTurnStream)(nil)

// watch closes the connection when the turn context is cancelled, unblocking
// the synchronous read.
func (s *wsTurnStream) watch(conn *websocket.Conn) {
	stop := make(chan struct{})
	s.stopWatch = stop

	go func() {
		select {
		case <-s.ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()
}

func (s *wsTurnStream) unwatch() {
	if s.stopWatch != nil {
		close(s.stopWatch)
		s.stopWatch = nil
	}
}

func (s *wsTurnStream) emit(ev *ResponseEvent) bool {
	if ev.Terminal() {
		s.done = true
		s.unwatch()
	}

	s.delivered = true
	s.current = ev

	return true
}

func (s *wsTurnStream) Next() bool {
	if s.done {
		return false
	}

	if s.inner != nil {
		return s.nextInner()
	}

	for {
		conn := s.state.conn
		if conn == nil {
			// The connection was torn down between pulls.
			return s.emit(&ResponseEvent{Kind: EventError, Code: ErrCodeTruncated, Message: ErrMsgTruncated})
		}

		_ = conn.SetReadDeadline(time.Now().Add(s.client.cfg.IdleTimeout))

		mt, data, err := conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() != nil {
				return s.abort()
			}

			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return s.idleTimeout()
			}

			switch s.retryAfterClose() {
			case closeResumed:
				continue
			case closeFellBack:
				return s.nextInner()
			default:
				// An aborted or truncated event was emitted.
				return true
			}
		}

		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}

		ev, responseID := parseWireEvent(data)
		if ev == nil {
			if responseID != "" {
				s.responseID = responseID
			}

			continue
		}

		return s.handleEvent(ev)
	}
}

func (s *wsTurnStream) handleEvent(ev *ResponseEvent) bool {
	switch ev.Kind {
	case EventCompleted:
		if ev.ResponseID == "" {
			ev.ResponseID = s.responseID
		} else {
			s.responseID = ev.ResponseID
		}

		s.completeTurn(ev.ResponseID)

	case EventError:
		// The server rejected the request semantically; no SSE fallback.
		if ev.Code == "" {
			ev.Code = ErrCodeServerError
		}

		s.state.ResetAppendState()
	}

	return s.emit(ev)
}

// completeTurn records a successful websocket turn: the socket stays open and
// the next request on it may append.
func (s *wsTurnStream) completeTurn(responseID string) {
	if s.state.conn != nil {
		_ = s.state.conn.SetReadDeadline(time.Time{})
	}

	s.state.MarkUsed(TransportWebsocket)
	s.state.CanAppend = true
	s.state.lastSystemPrompt = s.llmCtx.SystemPrompt
	s.state.lastMessages = s.llmCtx.Messages
	s.state.lastResponseID = responseID
}

func (s *wsTurnStream) abort() bool {
	// The server's per-turn state machine may be desynchronised after a
	// mid-stream abort; the next turn opens a fresh socket.
	s.state.closeConn()
	s.state.ResetAppendState()

	return s.emit(&ResponseEvent{Kind: EventError, Code: ErrCodeAborted})
}

func (s *wsTurnStream) idleTimeout() bool {
	log.Warn(s.ctx, "websocket idle timeout",
		log.Duration("idle_timeout", s.client.cfg.IdleTimeout),
	)

	s.state.closeConn()
	s.state.ResetAppendState()

	return s.emit(&ResponseEvent{Kind: EventError, Code: ErrCodeIdle, Message: ErrMsgIdleTimeout})
}

// closeOutcome reports how a mid-stream close was handled.
type closeOutcome int

const (
	// closeResumed: reconnected and reissued; keep reading.
	closeResumed closeOutcome = iota
	// closeFellBack: switched the turn to the SSE fallback stream.
	closeFellBack
	// closeEmitted: a terminal aborted or truncated event was emitted.
	closeEmitted
)

// retryAfterClose handles a connection that closed mid-stream after the
// request frame went out. It reopens and reissues as response.create within
// the retry budget; once exhausted, it falls back to SSE when no event has
// been delivered yet, and reports a truncated stream otherwise.
func (s *wsTurnStream) retryAfterClose() closeOutcome {
	s.unwatch()
	s.state.closeConn()
	s.state.ResetAppendState()

	for s.attempts < s.client.cfg.RetryBudget {
		s.attempts++

		select {
		case <-time.After(s.client.cfg.RetryDelay):
		case <-s.ctx.Done():
			s.abort()
			return closeEmitted
		}

		log.Debug(s.ctx, "websocket closed mid-stream, retrying",
			log.Int("attempt", s.attempts),
			log.Int("budget", s.client.cfg.RetryBudget),
		)

		if err := s.client.connectWebsocket(s.ctx, s.model, s.opts, s.state); err != nil {
			continue
		}

		if err := s.client.sendTurnFrame(s.model, s.llmCtx, s.opts, s.state); err != nil {
			s.state.closeConn()
			continue
		}

		s.watch(s.state.conn)

		return closeResumed
	}

	if !s.delivered && s.fallback != nil {
		s.inner = s.fallback(s.ctx)
		return closeFellBack
	}

	s.emit(&ResponseEvent{
		Kind:    EventError,
		Code:    ErrCodeTruncated,
		Message: ErrMsgTruncated,
	})

	return closeEmitted
}

func (s *wsTurnStream) nextInner() bool {
	if !s.inner.Next() {
		s.done = true
		s.err = s.inner.Err()

		return false
	}

	s.current = s.inner.Current()
	if s.current.Terminal() {
		s.done = true
	}

	return true
}

func (s *wsTurnStream) Current() *ResponseEvent {
	return s.current
}

func (s *wsTurnStream) Err() error {
	return s.err
}

func (s *wsTurnStream) Close() error {
	s.done = true
	s.unwatch()

	if s.inner != nil {
		return s.inner.Close()
	}

	return nil
}

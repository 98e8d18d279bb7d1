package codex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/pihq/pi/internal/log"
	"github.com/pihq/pi/llm"
	"github.com/pihq/pi/llm/httpclient"
)

// streamSSE executes one turn as a single POST with a streaming body. SSE has
// no retry loop and no append state; failures surface as error events.
func (c *Client) streamSSE(ctx context.Context, model llm.Model, llmCtx llm.Context, opts StreamOptions, state *SessionState) EventStream {
	handshake := state.ConsumeHandshakeForRequest()

	req, err := BuildTurnRequest(BuildParams{
		Model:           model,
		Context:         llmCtx,
		SessionID:       opts.SessionID,
		ReasoningEffort: opts.ReasoningEffort,
		APIKey:          opts.APIKey,
		Handshake:       handshake,
	})
	if err != nil {
		return errorEventStream(ErrCodeServerError, err.Error())
	}

	resp, err := c.http.DoStream(ctx, &httpclient.Request{
		Method:  http.MethodPost,
		URL:     strings.TrimRight(model.BaseURL, "/") + responsesPath,
		Headers: req.Headers,
		Body:    req.Body,
	})
	if err != nil {
		return classifySSEError(ctx, err)
	}

	state.MarkUsed(TransportSSE)

	// Replayed handshake metadata is single-shot: it is cleared once the
	// upstream acknowledged the request, unless the response renewed it.
	if handshake != nil {
		state.ClearHandshake()
	}

	state.CaptureHandshake(HandshakeMeta{
		TurnStateToken:    resp.Headers.Get(headerTurnState),
		ModelsEtag:        resp.Headers.Get(headerModelsEtag),
		ReasoningIncluded: resp.Headers.Get(headerReasoningIncluded) == "true",
	})

	return DecodeEvents(resp.Stream, nil)
}

// classifySSEError maps a failed POST into a terminal error event. The
// response body was read exactly once, when the transport error was built.
func classifySSEError(ctx context.Context, err error) EventStream {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return errorEventStream(ErrCodeAborted, "")
	}

	httpErr := &httpclient.Error{}
	if !errors.As(err, &httpErr) {
		return errorEventStream(ErrCodeTruncated, err.Error())
	}

	respErr := parseResponseError(httpErr)

	if httpErr.StatusCode == http.StatusTooManyRequests {
		return errorEventStream(ErrCodeRateLimit, rateLimitMessage(httpErr, respErr))
	}

	log.Warn(ctx, "sse request failed",
		log.Int("status_code", httpErr.StatusCode),
		log.String("url", httpErr.URL),
	)

	message := string(httpErr.Body)
	if respErr != nil {
		message = respErr.Error()
	}

	return errorEventStream(fmt.Sprintf("http_%d", httpErr.StatusCode), message)
}

// parseResponseError decodes the structured error body the upstream attaches
// to non-2xx responses. The body was already read, exactly once; unparseable
// bodies yield nil.
func parseResponseError(httpErr *httpclient.Error) *llm.ResponseError {
	respErr := &llm.ResponseError{StatusCode: httpErr.StatusCode}
	if err := json.Unmarshal(httpErr.Body, respErr); err != nil {
		return nil
	}

	if respErr.Detail.Message == "" {
		return nil
	}

	return respErr
}

// rateLimitMessage folds the structured rate-limit error and the retry-after
// hint into one message. Truncated or unparseable bodies still yield a usable
// message.
func rateLimitMessage(httpErr *httpclient.Error, respErr *llm.ResponseError) string {
	msg := "rate limit exceeded"
	if respErr != nil {
		msg = respErr.Detail.Message
	}

	retryAfter := gjson.GetBytes(httpErr.Body, "error.retry_after_seconds").Int()
	if retryAfter == 0 && httpErr.Headers != nil {
		retryAfter = gjson.Parse(httpErr.Headers.Get("Retry-After")).Int()
	}

	if retryAfter > 0 {
		return fmt.Sprintf("%s (retry-after: %ds)", msg, retryAfter)
	}

	return msg
}

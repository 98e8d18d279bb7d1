package httpclient

import (
	"context"
	"io"
	"net/http"
	"net/url"

	"github.com/pihq/pi/llm/streams"
)

// Request represents a generic HTTP request that can be adapted to different upstreams.
type Request struct {
	Method  string      `json:"method"`
	URL     string      `json:"url"`
	Query   url.Values  `json:"query"`
	Headers http.Header `json:"headers"`
	Body    []byte      `json:"body,omitempty"`

	// Authentication. Applied to headers when the request is built.
	Auth *AuthConfig `json:"auth,omitempty"`

	// Request tracking
	RequestID string `json:"request_id"`
}

// AuthConfig represents authentication configuration.
type AuthConfig struct {
	// Type represents the type of authentication: "bearer" or "api_key".
	Type string `json:"type"`

	// APIKey is the token or key for the request.
	APIKey string `json:"api_key,omitempty"`

	// HeaderKey is the header name when the type is "api_key".
	HeaderKey string `json:"header_key,omitempty"`
}

const (
	AuthTypeBearer = "bearer"
	AuthTypeAPIKey = "api_key"
)

// Response represents a generic HTTP response.
type Response struct {
	StatusCode int `json:"status_code"`

	Headers http.Header `json:"headers"`

	// Body of a non-streaming response.
	Body []byte `json:"body,omitempty"`

	// Request information
	Request *Request `json:"-"`
}

// StreamEvent is one framed payload from a streaming response: an SSE event
// or a websocket text frame.
type StreamEvent struct {
	LastEventID string `json:"last_event_id,omitempty"`
	Type        string `json:"type"`
	Data        []byte `json:"data"`
}

// StreamDecoder decodes a streaming response body into framed payloads.
type StreamDecoder = streams.Stream[*StreamEvent]

// StreamDecoderFactory creates a StreamDecoder from a response body.
type StreamDecoderFactory func(ctx context.Context, rc io.ReadCloser) StreamDecoder

// StreamResponse couples a stream of decoded frames with the response headers
// that accompanied it.
type StreamResponse struct {
	StatusCode int
	Headers    http.Header
	Stream     StreamDecoder
}

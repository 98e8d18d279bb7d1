package httpclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/pihq/pi/internal/log"
)

// HttpClient executes generic requests against an upstream.
type HttpClient struct {
	client *http.Client
}

type Option func(*HttpClient)

// WithHTTPClient overrides the underlying http.Client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *HttpClient) {
		c.client = client
	}
}

// NewHttpClient creates a client with no global timeout; callers bound
// requests with their context.
func NewHttpClient(opts ...Option) *HttpClient {
	c := &HttpClient{
		client: &http.Client{},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

func applyAuth(headers http.Header, auth *AuthConfig) error {
	switch auth.Type {
	case AuthTypeBearer:
		headers.Set("Authorization", "Bearer "+auth.APIKey)
	case AuthTypeAPIKey:
		key := auth.HeaderKey
		if key == "" {
			key = "X-Api-Key"
		}

		headers.Set(key, auth.APIKey)
	default:
		return fmt.Errorf("unsupported auth type: %q", auth.Type)
	}

	return nil
}

// FinalizeAuthHeaders writes the auth config into headers and clears the in-memory auth field.
func FinalizeAuthHeaders(req *Request) (*Request, error) {
	if req.Auth == nil {
		return req, nil
	}

	if req.Headers == nil {
		req.Headers = http.Header{}
	}

	if err := applyAuth(req.Headers, req.Auth); err != nil {
		return nil, fmt.Errorf("failed to apply authentication: %w", err)
	}

	req.Auth = nil

	return req, nil
}

// BuildHttpRequest converts a Request to an http.Request.
func BuildHttpRequest(ctx context.Context, req *Request) (*http.Request, error) {
	if req.URL == "" {
		return nil, fmt.Errorf("request URL is empty")
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build http request: %w", err)
	}

	if len(req.Query) > 0 {
		q := httpReq.URL.Query()
		for k, vs := range req.Query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}

		httpReq.URL.RawQuery = q.Encode()
	}

	for k, vs := range req.Headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	return httpReq, nil
}

// Do executes a non-streaming request. Non-2xx responses are returned as *Error
// with the body read exactly once.
func (c *HttpClient) Do(ctx context.Context, req *Request) (*Response, error) {
	req, err := FinalizeAuthHeaders(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := BuildHttpRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, &Error{
			Method:     req.Method,
			URL:        req.URL,
			StatusCode: httpResp.StatusCode,
			Status:     httpResp.Status,
			Headers:    httpResp.Header,
			Body:       body,
		}
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Headers:    httpResp.Header,
		Body:       body,
		Request:    req,
	}, nil
}

// DoStream executes a streaming request and returns the decoded frame stream
// along with the response headers. Non-2xx responses are classified into
// *Error before any streaming happens; the error body is read exactly once.
func (c *HttpClient) DoStream(ctx context.Context, req *Request) (*StreamResponse, error) {
	req, err := FinalizeAuthHeaders(req)
	if err != nil {
		return nil, err
	}

	if req.Headers == nil {
		req.Headers = http.Header{}
	}

	if req.Headers.Get("Accept") == "" {
		req.Headers.Set("Accept", "text/event-stream")
	}

	httpReq, err := BuildHttpRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		body, readErr := io.ReadAll(httpResp.Body)
		_ = httpResp.Body.Close()

		if readErr != nil {
			log.Debug(ctx, "failed to read error body", log.Cause(readErr))
		}

		return nil, &Error{
			Method:     req.Method,
			URL:        req.URL,
			StatusCode: httpResp.StatusCode,
			Status:     httpResp.Status,
			Headers:    httpResp.Header,
			Body:       body,
		}
	}

	contentType := httpResp.Header.Get("Content-Type")

	factory, ok := decoderFor(contentType)
	if !ok {
		_ = httpResp.Body.Close()
		return nil, fmt.Errorf("no stream decoder for content type %q", contentType)
	}

	return &StreamResponse{
		StatusCode: httpResp.StatusCode,
		Headers:    httpResp.Header,
		Stream:     factory(ctx, httpResp.Body),
	}, nil
}

package httpclient

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/tmaxmax/go-sse"

	"github.com/pihq/pi/internal/log"
)

// Stream decoders are looked up by response content type, so transports stay
// agnostic of the body framing.
var (
	decodersMu sync.RWMutex
	decoders   = make(map[string]StreamDecoderFactory)
)

// RegisterDecoder registers a stream decoder for a content type.
func RegisterDecoder(contentType string, factory StreamDecoderFactory) {
	decodersMu.Lock()
	defer decodersMu.Unlock()

	decoders[contentType] = factory
}

// GetDecoder returns the decoder factory registered for the content type.
func GetDecoder(contentType string) (StreamDecoderFactory, bool) {
	decodersMu.RLock()
	defer decodersMu.RUnlock()

	factory, ok := decoders[contentType]

	return factory, ok
}

// decoderFor resolves a factory for a content-type header value, falling back
// on the bare media type when the registered key carries no parameters.
func decoderFor(contentType string) (StreamDecoderFactory, bool) {
	if factory, ok := GetDecoder(contentType); ok {
		return factory, true
	}

	if mediaType, _, found := strings.Cut(contentType, ";"); found {
		return GetDecoder(strings.TrimSpace(mediaType))
	}

	return nil, false
}

// maxSSEEventSize bounds a single SSE event. Response events are text deltas
// and item payloads; anything near this size is a broken stream.
const maxSSEEventSize = 8 * 1024 * 1024

// NewSSEDecoder decodes a Server-Sent-Events body into framed payloads.
func NewSSEDecoder(ctx context.Context, rc io.ReadCloser) StreamDecoder {
	return &sseDecoder{
		ctx: ctx,
		src: sse.NewStreamWithConfig(rc, &sse.StreamConfig{
			MaxEventSize: maxSSEEventSize,
		}),
	}
}

var _ StreamDecoder = (*sseDecoder)(nil)

// sseDecoder pulls events off a go-sse stream one at a time. Single-goroutine
// use only; Close may be called repeatedly but not concurrently with Next.
//
//nolint:containedctx // owned by the turn task.
type sseDecoder struct {
	ctx context.Context
	src *sse.Stream

	event *StreamEvent
	err   error

	closed   bool
	closeErr error
}

func (d *sseDecoder) Next() bool {
	if d.err != nil || d.closed {
		return false
	}

	select {
	case <-d.ctx.Done():
		d.err = d.ctx.Err()
		_ = d.Close()

		return false
	default:
	}

	for {
		event, err := d.src.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				log.Debug(d.ctx, "sse body ended")
			} else {
				d.err = err
			}

			_ = d.Close()

			return false
		}

		// Comment-only keep-alive events carry no payload.
		if event.Data == "" && event.Type == "" {
			continue
		}

		d.event = &StreamEvent{
			LastEventID: event.LastEventID,
			Type:        event.Type,
			Data:        []byte(event.Data),
		}

		return true
	}
}

func (d *sseDecoder) Current() *StreamEvent {
	return d.event
}

func (d *sseDecoder) Err() error {
	return d.err
}

func (d *sseDecoder) Close() error {
	if d.closed {
		return d.closeErr
	}

	d.closed = true
	if d.src != nil {
		d.closeErr = d.src.Close()
	}

	return d.closeErr
}

//nolint:gochecknoinits // decoder registration.
func init() {
	RegisterDecoder("text/event-stream", NewSSEDecoder)
	RegisterDecoder("text/event-stream; charset=utf-8", NewSSEDecoder)
}

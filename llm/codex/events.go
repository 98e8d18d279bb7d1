package codex

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/pihq/pi/llm/httpclient"
	"github.com/pihq/pi/llm/streams"
)

// StreamEventType defines the type of streaming events for the Responses API.
type StreamEventType string

const (
	StreamEventTypeError StreamEventType = "error"

	// Response lifecycle events.

	StreamEventTypeResponseCreated    StreamEventType = "response.created"
	StreamEventTypeResponseInProgress StreamEventType = "response.in_progress"
	StreamEventTypeResponseCompleted  StreamEventType = "response.completed"
	StreamEventTypeResponseDone       StreamEventType = "response.done"

	// Output item events.

	StreamEventTypeOutputItemAdded StreamEventType = "response.output_item.added"
	StreamEventTypeOutputItemDone  StreamEventType = "response.output_item.done"

	// Content part events.

	StreamEventTypeContentPartAdded StreamEventType = "response.content_part.added"

	// Output text events.

	StreamEventTypeOutputTextDelta StreamEventType = "response.output_text.delta"
)

// wireEvent is the JSON envelope shared by every event on the wire.
type wireEvent struct {
	Type StreamEventType `json:"type"`

	// For response.* lifecycle events.
	Response *Response `json:"response,omitempty"`

	// For output_item.* events.
	Item *Item `json:"item,omitempty"`

	// For content_part.* events.
	Part *ContentPart `json:"part,omitempty"`

	// For output_text.delta events.
	Delta string `json:"delta,omitempty"`

	// For error events.
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// EventKind tags the ResponseEvent variants delivered to consumers.
type EventKind string

const (
	EventItemAdded EventKind = "output_item.added"
	EventPartAdded EventKind = "content_part.added"
	EventTextDelta EventKind = "output_text.delta"
	EventItemDone  EventKind = "output_item.done"
	EventCompleted EventKind = "completed"
	EventError     EventKind = "error"
)

// Error codes surfaced on EventError events.
const (
	ErrCodeTruncated   = "truncated"
	ErrCodeIdle        = "idle"
	ErrCodeRateLimit   = "rate_limit"
	ErrCodeServerError = "server_error"
	ErrCodeAborted     = "aborted"
)

// ErrMsgTruncated is the synthetic message for streams that end without a
// terminal completion event.
const ErrMsgTruncated = "stream ended without terminal completion event"

// ResponseEvent is one typed event of a turn, produced lazily and consumed once.
type ResponseEvent struct {
	Kind EventKind

	// Item for output_item.added / output_item.done.
	Item *Item

	// Part for content_part.added.
	Part *ContentPart

	// Delta for output_text.delta.
	Delta string

	// ResponseID and Usage for completed.
	ResponseID string
	Usage      *Usage

	// Code and Message for error.
	Code    string
	Message string
}

// Terminal reports whether the event ends the turn.
func (e *ResponseEvent) Terminal() bool {
	return e.Kind == EventCompleted || e.Kind == EventError
}

// parseWireEvent decodes one framed payload into a ResponseEvent. Unknown
// types and malformed payloads yield (nil, responseID): they are skipped, but
// lifecycle events still contribute the server-assigned response id.
func parseWireEvent(data []byte) (*ResponseEvent, string) {
	var ev wireEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, ""
	}

	switch ev.Type {
	case StreamEventTypeOutputItemAdded:
		return &ResponseEvent{Kind: EventItemAdded, Item: ev.Item}, ""
	case StreamEventTypeContentPartAdded:
		return &ResponseEvent{Kind: EventPartAdded, Part: ev.Part}, ""
	case StreamEventTypeOutputTextDelta:
		return &ResponseEvent{Kind: EventTextDelta, Delta: ev.Delta}, ""
	case StreamEventTypeOutputItemDone:
		return &ResponseEvent{Kind: EventItemDone, Item: ev.Item}, ""
	case StreamEventTypeResponseCompleted, StreamEventTypeResponseDone:
		out := &ResponseEvent{Kind: EventCompleted}
		if ev.Response != nil {
			out.ResponseID = ev.Response.ID
			out.Usage = ev.Response.Usage
		}

		return out, ""
	case StreamEventTypeError:
		return &ResponseEvent{Kind: EventError, Code: ev.Code, Message: ev.Message}, ""
	case StreamEventTypeResponseCreated, StreamEventTypeResponseInProgress:
		if ev.Response != nil {
			return nil, ev.Response.ID
		}

		return nil, ""
	default:
		return nil, ""
	}
}

// EventStream is the lazy sequence of turn events.
type EventStream = streams.Stream[*ResponseEvent]

// decodedStream adapts a frame stream into an EventStream, enforcing terminal
// detection: error frames end the stream immediately, and a frame stream that
// ends without a terminal event synthesizes a truncation error.
type decodedStream struct {
	frames httpclient.StreamDecoder

	// observer sees every produced event, before the consumer does.
	observer func(*ResponseEvent)

	// responseID tracks the latest server-assigned response id.
	responseID string

	current *ResponseEvent
	done    bool
	err     error
}

// DecodeEvents wraps a stream of framed payloads into an EventStream.
// The observer, when non-nil, is invoked for each event as it is produced.
func DecodeEvents(frames httpclient.StreamDecoder, observer func(*ResponseEvent)) EventStream {
	return &decodedStream{frames: frames, observer: observer}
}

func (s *decodedStream) emit(ev *ResponseEvent) bool {
	if ev.Terminal() {
		s.done = true
	}

	s.current = ev

	if s.observer != nil {
		s.observer(ev)
	}

	return true
}

func (s *decodedStream) Next() bool {
	if s.done {
		return false
	}

	for s.frames.Next() {
		frame := s.frames.Current()
		if frame == nil {
			continue
		}

		ev, responseID := parseWireEvent(frame.Data)
		if ev == nil {
			if responseID != "" {
				s.responseID = responseID
			}

			continue
		}

		if ev.Kind == EventCompleted && ev.ResponseID == "" {
			ev.ResponseID = s.responseID
		}

		return s.emit(ev)
	}

	// The frame stream ended without a terminal event.
	s.err = s.frames.Err()

	if errors.Is(s.err, context.Canceled) || errors.Is(s.err, context.DeadlineExceeded) {
		return s.emit(&ResponseEvent{Kind: EventError, Code: ErrCodeAborted})
	}

	return s.emit(&ResponseEvent{
		Kind:    EventError,
		Code:    ErrCodeTruncated,
		Message: ErrMsgTruncated,
	})
}

func (s *decodedStream) Current() *ResponseEvent {
	return s.current
}

func (s *decodedStream) Err() error {
	return s.err
}

func (s *decodedStream) Close() error {
	s.done = true
	return s.frames.Close()
}

// errorEventStream returns a single-event stream carrying an error.
func errorEventStream(code, message string) EventStream {
	return streams.SliceStream([]*ResponseEvent{{
		Kind:    EventError,
		Code:    code,
		Message: message,
	}})
}

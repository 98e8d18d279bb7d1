package codex

import (
	"strings"

	"github.com/pihq/pi/llm"
)

// StopReason classifies how a turn ended.
type StopReason string

const (
	StopReasonCompleted StopReason = "completed"
	StopReasonAborted   StopReason = "aborted"
	StopReasonError     StopReason = "error"
)

// TurnResult is the aggregated outcome of one turn, produced exactly once per
// Stream call.
type TurnResult struct {
	Role         string        `json:"role"`
	Content      []ContentPart `json:"content"`
	StopReason   StopReason    `json:"stop_reason"`
	ErrorMessage string        `json:"error_message,omitempty"`
	Usage        *llm.Usage    `json:"usage,omitempty"`
	MessageID    string        `json:"message_id,omitempty"`
}

// TurnStream exposes the same underlying event sequence two ways: as a lazy
// stream for token-level consumers, and as a final TurnResult fold. It is not
// safe for concurrent use; the turn task owns it.
type TurnStream struct {
	source EventStream

	text      strings.Builder
	extraPart []ContentPart
	usage     *Usage
	stop      StopReason
	errMsg    string
	messageID string

	resolved *TurnResult
}

// NewTurnStream wraps an event stream with result aggregation.
func NewTurnStream(source EventStream) *TurnStream {
	return &TurnStream{
		source: source,
		stop:   StopReasonCompleted,
	}
}

var _ EventStream = (*TurnStream)(nil)

// Events returns the lazy event sequence. The TurnStream itself is the
// sequence: events are folded into the result as they are pulled.
func (t *TurnStream) Events() EventStream {
	return t
}

func (t *TurnStream) Next() bool {
	if t.resolved != nil {
		return false
	}

	if !t.source.Next() {
		return false
	}

	t.observe(t.source.Current())

	return true
}

func (t *TurnStream) Current() *ResponseEvent {
	return t.source.Current()
}

func (t *TurnStream) Err() error {
	return t.source.Err()
}

func (t *TurnStream) Close() error {
	return t.source.Close()
}

func (t *TurnStream) observe(ev *ResponseEvent) {
	switch ev.Kind {
	case EventItemAdded:
		if ev.Item != nil && t.messageID == "" {
			t.messageID = ev.Item.ID
		}

	case EventTextDelta:
		t.text.WriteString(ev.Delta)

	case EventItemDone:
		// Items carrying non-text parts are collected as-is; text arrives
		// through deltas.
		if ev.Item == nil {
			return
		}

		for _, part := range ev.Item.Content {
			if part.Type != "output_text" {
				t.extraPart = append(t.extraPart, part)
			}
		}

	case EventCompleted:
		t.usage = ev.Usage
		if t.messageID == "" {
			t.messageID = ev.ResponseID
		}

	case EventError:
		if ev.Code == ErrCodeAborted {
			t.stop = StopReasonAborted
			return
		}

		t.stop = StopReasonError
		t.errMsg = ev.Message
	}
}

// Result drains any unconsumed events and returns the final TurnResult. It
// resolves exactly once; later calls return the same result.
func (t *TurnStream) Result() *TurnResult {
	if t.resolved != nil {
		return t.resolved
	}

	for t.Next() { //nolint:revive // draining the remainder of the stream.
	}

	var content []ContentPart
	if text := t.text.String(); text != "" {
		content = append(content, ContentPart{Type: "text", Text: text})
	}

	content = append(content, t.extraPart...)

	t.resolved = &TurnResult{
		Role:         "assistant",
		Content:      content,
		StopReason:   t.stop,
		ErrorMessage: t.errMsg,
		Usage:        t.usage.ToLLMUsage(),
		MessageID:    t.messageID,
	}

	return t.resolved
}

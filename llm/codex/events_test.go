package codex

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pihq/pi/llm/httpclient"
	"github.com/pihq/pi/llm/streams"
)

func frames(datas ...string) httpclient.StreamDecoder {
	events := make([]*httpclient.StreamEvent, 0, len(datas))
	for _, d := range datas {
		events = append(events, &httpclient.StreamEvent{Data: []byte(d)})
	}

	return streams.SliceStream(events)
}

func collect(t *testing.T, stream EventStream) []*ResponseEvent {
	t.Helper()

	events, err := streams.All(stream)
	require.NoError(t, err)

	return events
}

func TestDecodeEventsHappyPath(t *testing.T) {
	stream := DecodeEvents(frames(
		`{"type":"response.created","response":{"id":"resp-1"}}`,
		`{"type":"response.output_item.added","item":{"id":"msg-1","type":"message","role":"assistant"}}`,
		`{"type":"response.content_part.added","part":{"type":"output_text","text":""}}`,
		`{"type":"response.output_text.delta","delta":"Hello"}`,
		`{"type":"response.output_item.done","item":{"id":"msg-1","type":"message","status":"completed"}}`,
		`{"type":"response.completed","response":{"id":"resp-1","usage":{"input_tokens":5,"output_tokens":3,"total_tokens":8,"input_tokens_details":{"cached_tokens":0}}}}`,
	), nil)

	events := collect(t, stream)
	require.Len(t, events, 5)

	assert.Equal(t, EventItemAdded, events[0].Kind)
	assert.Equal(t, "msg-1", events[0].Item.ID)
	assert.Equal(t, EventPartAdded, events[1].Kind)
	assert.Equal(t, EventTextDelta, events[2].Kind)
	assert.Equal(t, "Hello", events[2].Delta)
	assert.Equal(t, EventItemDone, events[3].Kind)

	terminal := events[4]
	assert.Equal(t, EventCompleted, terminal.Kind)
	assert.Equal(t, "resp-1", terminal.ResponseID)
	require.NotNil(t, terminal.Usage)
	assert.EqualValues(t, 5, terminal.Usage.InputTokens)
	assert.EqualValues(t, 3, terminal.Usage.OutputTokens)
	assert.EqualValues(t, 8, terminal.Usage.TotalTokens)
}

func TestDecodeEventsResponseDoneIsTerminal(t *testing.T) {
	stream := DecodeEvents(frames(
		`{"type":"response.output_text.delta","delta":"x"}`,
		`{"type":"response.done","response":{"id":"resp-2","usage":{"input_tokens":1,"output_tokens":1,"total_tokens":2,"input_tokens_details":{"cached_tokens":0}}}}`,
	), nil)

	events := collect(t, stream)
	require.Len(t, events, 2)
	assert.Equal(t, EventCompleted, events[1].Kind)
	assert.Equal(t, "resp-2", events[1].ResponseID)
}

func TestDecodeEventsTruncated(t *testing.T) {
	stream := DecodeEvents(frames(
		`{"type":"response.output_text.delta","delta":"partial"}`,
	), nil)

	events := collect(t, stream)
	require.Len(t, events, 2)
	assert.Equal(t, EventError, events[1].Kind)
	assert.Equal(t, ErrCodeTruncated, events[1].Code)
	assert.Contains(t, events[1].Message, "terminal completion event")
}

func TestDecodeEventsErrorFrameTerminates(t *testing.T) {
	stream := DecodeEvents(frames(
		`{"type":"error","code":"invalid_request","message":"bad input"}`,
		`{"type":"response.output_text.delta","delta":"never seen"}`,
	), nil)

	events := collect(t, stream)
	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Kind)
	assert.Equal(t, "invalid_request", events[0].Code)
	assert.Equal(t, "bad input", events[0].Message)
}

func TestDecodeEventsSkipsUnknownTypes(t *testing.T) {
	stream := DecodeEvents(frames(
		`{"type":"response.reasoning_summary_text.delta","delta":"thinking"}`,
		`{"type":"something.new"}`,
		`not even json`,
		`{"type":"response.completed","response":{"id":"resp-3"}}`,
	), nil)

	events := collect(t, stream)
	require.Len(t, events, 1)
	assert.Equal(t, EventCompleted, events[0].Kind)
}

func TestDecodeEventsBackfillsResponseID(t *testing.T) {
	stream := DecodeEvents(frames(
		`{"type":"response.created","response":{"id":"resp-4"}}`,
		`{"type":"response.completed"}`,
	), nil)

	events := collect(t, stream)
	require.Len(t, events, 1)
	assert.Equal(t, "resp-4", events[0].ResponseID)
}

func TestDecodeEventsObserver(t *testing.T) {
	var seen []EventKind

	stream := DecodeEvents(frames(
		`{"type":"response.output_text.delta","delta":"x"}`,
		`{"type":"response.completed","response":{"id":"r"}}`,
	), func(ev *ResponseEvent) {
		seen = append(seen, ev.Kind)
	})

	_ = collect(t, stream)
	assert.Equal(t, []EventKind{EventTextDelta, EventCompleted}, seen)
}

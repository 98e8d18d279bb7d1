package codex

import (
	"encoding/json"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/samber/lo"
	"github.com/tidwall/sjson"

	"github.com/pihq/pi/llm"
)

// BuildParams are the inputs of the turn request builder. The builder is
// pure: no I/O, no retries.
type BuildParams struct {
	Model   llm.Model
	Context llm.Context

	// SessionID scopes prompt caching and conversation headers. Empty for
	// stateless turns.
	SessionID string

	ReasoningEffort llm.ReasoningEffort

	// APIKey is the opaque bearer token.
	APIKey string

	// Handshake is pending metadata to replay, if any.
	Handshake *HandshakeMeta

	// PreviousResponseID, when non-empty, frames the request as an append
	// carrying only the messages of Context beyond PreviousCount.
	PreviousResponseID string
	PreviousCount      int
}

// TurnRequest is the canonical request produced by the builder.
type TurnRequest struct {
	Body    []byte
	Headers http.Header
}

// BuildTurnRequest produces the canonical JSON body and header set for one turn.
func BuildTurnRequest(params BuildParams) (*TurnRequest, error) {
	req := Request{
		Model:        params.Model.ID,
		Instructions: params.Context.SystemPrompt,
		Stream:       true,
		Store:        lo.ToPtr(false),
	}

	messages := params.Context.Messages
	if params.PreviousResponseID != "" {
		if params.PreviousCount > len(messages) {
			return nil, fmt.Errorf("append window %d exceeds context of %d messages", params.PreviousCount, len(messages))
		}

		req.PreviousResponseID = params.PreviousResponseID
		messages = messages[params.PreviousCount:]
	}

	req.Input = translateMessages(messages)

	if effort := resolveReasoningEffort(params.Model, params.ReasoningEffort); effort != "" {
		req.Reasoning = &Reasoning{Effort: effort, Summary: "auto"}
	}

	if params.SessionID != "" {
		req.PromptCacheKey = params.SessionID
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal turn request: %w", err)
	}

	return &TurnRequest{
		Body:    body,
		Headers: buildHeaders(params),
	}, nil
}

func buildHeaders(params BuildParams) http.Header {
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+params.APIKey)
	headers.Set("Content-Type", "application/json")
	headers.Set("Accept", "text/event-stream")
	headers.Set("OpenAI-Beta", betaResponses)
	headers.Set("originator", Originator)

	if accountID := ExtractAccountID(params.APIKey); accountID != "" {
		headers.Set(headerAccountID, accountID)
	}

	if params.SessionID != "" {
		headers.Set(headerConversationID, params.SessionID)
		headers.Set(headerSessionID, params.SessionID)
	}

	if params.Handshake != nil {
		if params.Handshake.TurnStateToken != "" {
			headers.Set(headerTurnState, params.Handshake.TurnStateToken)
		}

		if params.Handshake.ModelsEtag != "" {
			headers.Set(headerModelsEtag, params.Handshake.ModelsEtag)
		}
	}

	return headers
}

// resolveReasoningEffort applies the per-model effort policy. Models matching
// gpt-5.3-codex* do not accept "minimal"; it is clamped to "low".
func resolveReasoningEffort(model llm.Model, effort llm.ReasoningEffort) string {
	if !model.Reasoning || effort == "" || effort == llm.ReasoningEffortOff {
		return ""
	}

	if effort == llm.ReasoningEffortMinimal && strings.HasPrefix(model.ID, "gpt-5.3-codex") {
		return llm.ReasoningEffortLow.String()
	}

	return effort.String()
}

func translateMessages(messages []llm.Message) []Item {
	items := make([]Item, 0, len(messages))

	for _, msg := range messages {
		item := Item{
			Type: "message",
			Role: msg.Role,
		}

		textType := "input_text"
		imageType := "input_image"

		if msg.Role == "assistant" {
			textType = "output_text"
		}

		if msg.Content.Content != nil {
			item.Content = []ContentPart{{Type: textType, Text: *msg.Content.Content}}
		} else {
			for _, part := range msg.Content.MultipleContent {
				switch {
				case part.Text != nil:
					item.Content = append(item.Content, ContentPart{Type: textType, Text: *part.Text})
				case part.ImageURL != nil:
					item.Content = append(item.Content, ContentPart{Type: imageType, ImageURL: *part.ImageURL})
				}
			}
		}

		items = append(items, item)
	}

	return items
}

// Websocket frame types wrapping the turn body.
const (
	frameResponseCreate = "response.create"
	frameResponseAppend = "response.append"
)

// frameBody wraps the turn body as a websocket request frame.
func frameBody(body []byte, frameType string) ([]byte, error) {
	framed, err := sjson.SetBytes(body, "type", frameType)
	if err != nil {
		return nil, fmt.Errorf("failed to frame websocket request: %w", err)
	}

	return framed, nil
}

// contextExtends reports whether the new context strictly extends the
// previous turn's context on the same socket: same system prompt and the old
// messages are a proper prefix of the new ones.
func contextExtends(prevSystemPrompt string, prev []llm.Message, next llm.Context) bool {
	if next.SystemPrompt != prevSystemPrompt {
		return false
	}

	if len(prev) == 0 || len(next.Messages) <= len(prev) {
		return false
	}

	for i := range prev {
		if !reflect.DeepEqual(next.Messages[i], prev[i]) {
			return false
		}
	}

	return true
}

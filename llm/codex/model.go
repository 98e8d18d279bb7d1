package codex

import "github.com/pihq/pi/llm"

// Request is the Responses API creation payload sent on both transports.
// Over the websocket it is wrapped with a frame type ("response.create" or
// "response.append"); over SSE it is the POST body as-is.
type Request struct {
	Model string `json:"model"`

	// A system (or developer) message inserted into the model's context.
	Instructions string `json:"instructions,omitempty"`

	// Input is the translated message list.
	Input []Item `json:"input"`

	Stream bool  `json:"stream"`
	Store  *bool `json:"store,omitempty"`

	// Configuration options for reasoning models.
	Reasoning *Reasoning `json:"reasoning,omitempty"`

	// Used by the upstream to cache responses for similar requests.
	PromptCacheKey string `json:"prompt_cache_key,omitempty"`

	// The unique ID of the previous response, set when appending to an
	// ongoing websocket turn.
	PreviousResponseID string `json:"previous_response_id,omitempty"`
}

// Reasoning represents configuration options for reasoning models.
type Reasoning struct {
	// Constrains effort on reasoning. Any of "minimal", "low", "medium",
	// "high", "xhigh".
	Effort string `json:"effort,omitempty"`

	// The summary type. Always "auto" here.
	Summary string `json:"summary,omitempty"`
}

// Item is a unified structure for both input and output items.
type Item struct {
	// The ID of the item, generated by the server.
	ID string `json:"id,omitempty"`

	// Any of "message", "input_text", "input_image", "output_text".
	Type string `json:"type,omitempty"`

	// Any of "system", "user", "assistant", "developer".
	Role string `json:"role,omitempty"`

	// The content of the message.
	Content []ContentPart `json:"content,omitempty"`

	// Status of the item. Any of "in_progress", "completed", "incomplete".
	Status string `json:"status,omitempty"`

	// Text for input_text/output_text type.
	Text *string `json:"text,omitempty"`
}

// ContentPart is one content element of an item.
type ContentPart struct {
	// Any of "input_text", "input_image", "output_text", "reasoning", "refusal".
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	// The URL or base64 data of the image, for input_image parts.
	ImageURL string `json:"image_url,omitempty"`
}

// Response is the terminal response object carried by completion events.
type Response struct {
	ID     string `json:"id"`
	Status string `json:"status,omitempty"`
	Usage  *Usage `json:"usage,omitempty"`
}

// Usage represents token usage in the Responses API wire format.
type Usage struct {
	InputTokens        int64              `json:"input_tokens"`
	OutputTokens       int64              `json:"output_tokens"`
	TotalTokens        int64              `json:"total_tokens"`
	InputTokensDetails InputTokensDetails `json:"input_tokens_details"`
}

// InputTokensDetails breaks down the prompt tokens.
type InputTokensDetails struct {
	CachedTokens int64 `json:"cached_tokens"`
}

// ToLLMUsage converts wire usage to the unified format.
func (u *Usage) ToLLMUsage() *llm.Usage {
	if u == nil {
		return nil
	}

	usage := &llm.Usage{
		PromptTokens:     u.InputTokens,
		CompletionTokens: u.OutputTokens,
		TotalTokens:      u.TotalTokens,
	}

	if u.InputTokensDetails != (InputTokensDetails{}) {
		usage.PromptTokensDetails = &llm.PromptTokensDetails{
			CachedTokens: u.InputTokensDetails.CachedTokens,
		}
	}

	return usage
}

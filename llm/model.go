// Package llm holds the unified model shared by the transports: model
// descriptors, conversation context, usage accounting, and error shapes.
package llm

import "time"

// ReasoningEffort constrains how much reasoning a model performs for a turn.
type ReasoningEffort string

const (
	ReasoningEffortOff     ReasoningEffort = "off"
	ReasoningEffortMinimal ReasoningEffort = "minimal"
	ReasoningEffortLow     ReasoningEffort = "low"
	ReasoningEffortMedium  ReasoningEffort = "medium"
	ReasoningEffortHigh    ReasoningEffort = "high"
	ReasoningEffortXHigh   ReasoningEffort = "xhigh"
)

func (e ReasoningEffort) String() string {
	return string(e)
}

// Model describes a single upstream model and its transport preferences.
// It is immutable and passed by value per turn.
type Model struct {
	ID       string `json:"id"`
	Provider string `json:"provider"`
	BaseURL  string `json:"base_url"`

	// Reasoning reports whether the model emits reasoning output.
	Reasoning bool `json:"reasoning"`

	// PreferWebsockets advertises that the model wants the persistent
	// websocket transport when available.
	PreferWebsockets bool `json:"prefer_websockets"`

	ContextWindow int64 `json:"context_window"`
	MaxTokens     int64 `json:"max_tokens"`
}

// Message is a single conversation message.
type Message struct {
	// Role is "user" or "assistant" ("system" for injected instructions).
	Role string `json:"role"`

	Content MessageContent `json:"content"`

	Timestamp time.Time `json:"timestamp,omitzero"`
}

// MessageContent is either a plain string or a list of typed parts.
type MessageContent struct {
	Content *string `json:"content,omitempty"`

	MultipleContent []MessageContentPart `json:"multiple_content,omitempty"`
}

// Text returns the flattened text of the content.
func (c MessageContent) Text() string {
	if c.Content != nil {
		return *c.Content
	}

	var out string

	for _, part := range c.MultipleContent {
		if part.Text != nil {
			out += *part.Text
		}
	}

	return out
}

// MessageContentPart is one part of a multi-part message.
type MessageContentPart struct {
	// Type is "text" or "image".
	Type string `json:"type"`

	Text *string `json:"text,omitempty"`

	// ImageURL is the URL or base64 data of the image, for image parts.
	ImageURL *string `json:"image_url,omitempty"`
}

// Context is the immutable per-turn conversation input.
type Context struct {
	SystemPrompt string `json:"system_prompt"`

	Messages []Message `json:"messages"`
}

// Usage represents token usage in the unified format.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`

	PromptTokensDetails *PromptTokensDetails `json:"prompt_tokens_details,omitempty"`
}

// PromptTokensDetails breaks down tokens used in the prompt.
type PromptTokensDetails struct {
	CachedTokens int64 `json:"cached_tokens"`
}

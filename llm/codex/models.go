package codex

import "github.com/pihq/pi/llm"

// DefaultModels returns the static registry of Codex-capable models.
//
// The ChatGPT Codex backend does not provide a stable public /models
// endpoint, so a local registry is kept instead.
func DefaultModels() []llm.Model {
	ids := []string{
		"gpt-5",
		"gpt-5-codex",
		"gpt-5-codex-mini",
		"gpt-5.1",
		"gpt-5.1-codex",
		"gpt-5.1-codex-mini",
		"gpt-5.1-codex-max",
		"gpt-5.2",
		"gpt-5.2-codex",
		"gpt-5.3-codex",
	}

	models := make([]llm.Model, 0, len(ids))
	for _, id := range ids {
		models = append(models, llm.Model{
			ID:               id,
			Provider:         "openai-codex",
			BaseURL:          BaseURL,
			Reasoning:        true,
			PreferWebsockets: true,
			ContextWindow:    272_000,
			MaxTokens:        128_000,
		})
	}

	return models
}

// LookupModel returns the registry entry for the given id.
func LookupModel(id string) (llm.Model, bool) {
	for _, model := range DefaultModels() {
		if model.ID == id {
			return model, true
		}
	}

	return llm.Model{}, false
}

package lmstudio

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ashita-ai/rarity/internal/model"
)

// InputPlaceholder marks where a user template receives the batch JSON.
const InputPlaceholder = "{{INPUT_JSON}}"

// Token budget bounds.
const (
	scoreTokensPerItem     = 40
	scoreTokensBase        = 200
	scoreTokensFloor       = 256
	selectionTokensPerItem = 16
	selectionTokensBase    = 160
	selectionTokensFloor   = 192
	selectionTokensCeiling = 1024
)

// Message is one chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the wire body of one inference call.
type ChatRequest struct {
	Model              string          `json:"model"`
	Temperature        float64         `json:"temperature"`
	MaxTokens          int             `json:"max_tokens"`
	Messages           []Message       `json:"messages"`
	TopK               *int            `json:"top_k,omitempty"`
	TopP               *float64        `json:"top_p,omitempty"`
	MinP               *float64        `json:"min_p,omitempty"`
	RepeatPenalty      *float64        `json:"repeat_penalty,omitempty"`
	FrequencyPenalty   *float64        `json:"frequency_penalty,omitempty"`
	PresencePenalty    *float64        `json:"presence_penalty,omitempty"`
	ReasoningEffort    *string         `json:"reasoning_effort,omitempty"`
	Thinking           *thinking       `json:"thinking,omitempty"`
	ChatTemplateKwargs *templateKwargs `json:"chat_template_kwargs,omitempty"`
	ResponseFormat     map[string]any  `json:"response_format,omitempty"`
}

type thinking struct {
	Type string `json:"type"`
}

type templateKwargs struct {
	EnableThinking bool `json:"enable_thinking"`
}

// RequestSpec is everything that varies between attempts.
type RequestSpec struct {
	Model          string
	Batch          []model.WordRow
	SystemPrompt   string
	UserTemplate   string
	Mode           model.OutputMode
	Expected       int
	ResponseFormat ResponseFormatMode
	Reasoning      bool
	Profile        Profile
	MaxTokens      int
}

type inputItem struct {
	LocalID int    `json:"local_id,omitempty"`
	WordID  int64  `json:"word_id"`
	Word    string `json:"word"`
	Type    string `json:"type"`
}

// BuildRequest renders the chat request for spec.
func BuildRequest(spec RequestSpec) ([]byte, error) {
	items := make([]inputItem, len(spec.Batch))
	for i, r := range spec.Batch {
		items[i] = inputItem{WordID: r.ID, Word: r.Word, Type: r.Type}
		if spec.Mode == model.SelectedWordIDs {
			items[i].LocalID = i + 1
		}
	}
	entries, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("lmstudio: marshal batch: %w", err)
	}

	req := ChatRequest{
		Model:       spec.Model,
		Temperature: spec.Profile.Temperature,
		MaxTokens:   TokenBudget(spec),
		Messages: []Message{
			{Role: "system", Content: spec.SystemPrompt},
			{Role: "user", Content: RenderUserPrompt(spec.UserTemplate, string(entries))},
		},
		TopK:             spec.Profile.TopK,
		TopP:             spec.Profile.TopP,
		MinP:             spec.Profile.MinP,
		RepeatPenalty:    spec.Profile.RepeatPenalty,
		FrequencyPenalty: spec.Profile.FrequencyPenalty,
		PresencePenalty:  spec.Profile.PresencePenalty,
	}
	if spec.Reasoning {
		req.ReasoningEffort = spec.Profile.ReasoningEffort
		if spec.Profile.ThinkingType != nil {
			req.Thinking = &thinking{Type: *spec.Profile.ThinkingType}
		}
		if spec.Profile.EnableThinking != nil {
			req.ChatTemplateKwargs = &templateKwargs{EnableThinking: *spec.Profile.EnableThinking}
		}
	}
	switch spec.ResponseFormat {
	case FormatJSONObject:
		req.ResponseFormat = map[string]any{"type": "json_object"}
	case FormatJSONSchema:
		req.ResponseFormat = jsonSchemaFormat(spec)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("lmstudio: marshal request: %w", err)
	}
	return body, nil
}

// RenderUserPrompt substitutes the batch JSON into template, or appends it
// when the template has no placeholder.
func RenderUserPrompt(template, entriesJSON string) string {
	if strings.Contains(template, InputPlaceholder) {
		return strings.ReplaceAll(template, InputPlaceholder, entriesJSON)
	}
	return template + "\n\nIntrări:\n" + entriesJSON
}

// TokenBudget sizes max_tokens from the batch, bounded by the configured
// limit and the model's cap. Selection answers are short lists of integers
// and get a tighter budget.
func TokenBudget(spec RequestSpec) int {
	var budget int
	if spec.Mode == model.SelectedWordIDs {
		budget = max(spec.Expected*selectionTokensPerItem+selectionTokensBase, selectionTokensFloor)
		budget = min(budget, selectionTokensCeiling)
	} else {
		budget = max(len(spec.Batch)*scoreTokensPerItem+scoreTokensBase, scoreTokensFloor)
	}
	if spec.MaxTokens > 0 {
		budget = min(budget, spec.MaxTokens)
	}
	if spec.Profile.MaxTokensCap != nil {
		budget = min(budget, *spec.Profile.MaxTokensCap)
	}
	return budget
}

func jsonSchemaFormat(spec RequestSpec) map[string]any {
	var item map[string]any
	count := len(spec.Batch)
	if spec.Mode == model.SelectedWordIDs {
		count = spec.Expected
		item = map[string]any{
			"type":                 "object",
			"properties":           map[string]any{"local_id": map[string]any{"type": "integer", "minimum": 1, "maximum": len(spec.Batch)}},
			"required":             []string{"local_id"},
			"additionalProperties": false,
		}
	} else {
		item = map[string]any{
			"type": "object",
			"properties": map[string]any{
				"word_id":      map[string]any{"type": "integer"},
				"word":         map[string]any{"type": "string"},
				"type":         map[string]any{"type": "string"},
				"rarity_level": map[string]any{"type": "integer", "minimum": model.MinRarity, "maximum": model.MaxRarity},
				"tag":          map[string]any{"type": "string"},
				"confidence":   map[string]any{"type": "number", "minimum": 0, "maximum": 1},
			},
			"required":             []string{"word_id", "word", "type", "rarity_level", "tag", "confidence"},
			"additionalProperties": false,
		}
	}
	return map[string]any{
		"type": "json_schema",
		"json_schema": map[string]any{
			"name":   "rarity_results",
			"strict": true,
			"schema": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"results": map[string]any{
						"type":     "array",
						"items":    item,
						"minItems": count,
						"maxItems": count,
					},
				},
				"required":             []string{"results"},
				"additionalProperties": false,
			},
		},
	}
}

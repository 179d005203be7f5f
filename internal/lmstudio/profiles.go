package lmstudio

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Profile holds the sampling defaults sent for one model. Nil pointers are
// omitted from requests.
type Profile struct {
	ModelID          string   `yaml:"-"`
	Temperature      float64  `yaml:"temperature"`
	TopK             *int     `yaml:"top_k,omitempty"`
	TopP             *float64 `yaml:"top_p,omitempty"`
	MinP             *float64 `yaml:"min_p,omitempty"`
	RepeatPenalty    *float64 `yaml:"repeat_penalty,omitempty"`
	FrequencyPenalty *float64 `yaml:"frequency_penalty,omitempty"`
	PresencePenalty  *float64 `yaml:"presence_penalty,omitempty"`
	MaxTokensCap     *int     `yaml:"max_tokens_cap,omitempty"`
	ReasoningEffort  *string  `yaml:"reasoning_effort,omitempty"`
	EnableThinking   *bool    `yaml:"enable_thinking,omitempty"`
	ThinkingType     *string  `yaml:"thinking_type,omitempty"`
}

// HasReasoningControls reports whether the profile sets any reasoning field.
func (p Profile) HasReasoningControls() bool {
	return p.ReasoningEffort != nil || p.EnableThinking != nil || p.ThinkingType != nil
}

func ptr[T any](v T) *T { return &v }

// Built-in profile keys. Lookups match the normalized model id or its last
// path segment, so "openai/gpt-oss-20b" resolves to gpt-oss-20b.
const (
	ModelGPTOSS20B    = "gpt-oss-20b"
	ModelGLM47Flash   = "glm-4.7-flash"
	ModelMinistral38B = "ministral-3-8b"
	ModelEuroLLM22B   = "eurollm-22b"
)

func builtinProfiles() map[string]Profile {
	return map[string]Profile{
		ModelGPTOSS20B: {
			Temperature:     0.8,
			TopK:            ptr(40),
			TopP:            ptr(0.8),
			MinP:            ptr(0.05),
			RepeatPenalty:   ptr(1.1),
			MaxTokensCap:    ptr(4096),
			ReasoningEffort: ptr("low"),
		},
		ModelGLM47Flash: {
			Temperature:     0.7,
			TopK:            ptr(50),
			TopP:            ptr(0.95),
			MaxTokensCap:    ptr(2048),
			ReasoningEffort: ptr("low"),
			EnableThinking:  ptr(false),
			ThinkingType:    ptr("disabled"),
		},
		ModelMinistral38B: {
			Temperature:  0.3,
			TopK:         ptr(40),
			TopP:         ptr(0.9),
			MaxTokensCap: ptr(3072),
		},
		ModelEuroLLM22B: {
			Temperature:  0.2,
			TopK:         ptr(40),
			TopP:         ptr(0.9),
			MaxTokensCap: ptr(3072),
		},
	}
}

func fallbackProfile() Profile {
	return Profile{Temperature: 0.0, TopK: ptr(40), TopP: ptr(1.0)}
}

// Profiles resolves model ids to sampling profiles.
type Profiles struct {
	byKey    map[string]Profile
	fallback Profile
}

// NewProfiles returns the built-in profiles.
func NewProfiles() *Profiles {
	return &Profiles{byKey: builtinProfiles(), fallback: fallbackProfile()}
}

// LoadProfiles returns the built-in profiles overlaid with the YAML file at
// path. The file maps model ids to profile fields; the key "default"
// replaces the fallback. An empty path returns the built-ins.
func LoadProfiles(path string) (*Profiles, error) {
	p := NewProfiles()
	if strings.TrimSpace(path) == "" {
		return p, nil
	}
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied config path
	if err != nil {
		return nil, fmt.Errorf("lmstudio: read profiles %s: %w", path, err)
	}
	var overlay map[string]Profile
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return nil, fmt.Errorf("lmstudio: parse profiles %s: %w", path, err)
	}
	for key, prof := range overlay {
		norm := normalizeModelID(key)
		if norm == "default" {
			p.fallback = prof
			continue
		}
		p.byKey[norm] = prof
	}
	return p, nil
}

// Resolve returns the profile for model with ModelID set to model.
func (p *Profiles) Resolve(model string) Profile {
	norm := normalizeModelID(model)
	prof, ok := p.byKey[norm]
	if !ok {
		if i := strings.LastIndex(norm, "/"); i >= 0 {
			prof, ok = p.byKey[norm[i+1:]]
		}
	}
	if !ok {
		prof = p.fallback
	}
	prof.ModelID = model
	return prof
}

func normalizeModelID(model string) string {
	return strings.ToLower(strings.TrimSpace(model))
}

package lmstudio

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/ashita-ai/rarity/internal/model"
)

// Endpoint is a resolved chat endpoint and the dialect it speaks.
// ModelsURL is empty when the endpoint has no known models listing.
type Endpoint struct {
	ChatURL   string
	ModelsURL string
	Flavor    model.Flavor
	Source    string
}

// ResolveEndpoint picks the chat endpoint. An explicit endpoint wins and is
// classified by its path; otherwise baseURL (or the default) is probed for
// an OpenAI-style models listing, then the REST one.
func (c *Client) ResolveEndpoint(ctx context.Context, endpoint, baseURL string) (Endpoint, error) {
	if explicit := strings.TrimSpace(endpoint); explicit != "" {
		u, err := url.Parse(explicit)
		if err != nil {
			return Endpoint{}, fmt.Errorf("lmstudio: invalid endpoint %q: %w", explicit, err)
		}
		if u.Path == "" || u.Path == "/" {
			return c.detectFromBase(ctx, strings.TrimRight(explicit, "/"), "explicit-base"), nil
		}
		switch {
		case strings.Contains(u.Path, RESTChatPath):
			prefix, _, _ := strings.Cut(explicit, RESTChatPath)
			return Endpoint{ChatURL: explicit, ModelsURL: prefix + RESTModelsPath, Flavor: model.LMStudioREST, Source: "explicit-endpoint"}, nil
		case strings.Contains(u.Path, OpenAIChatPath):
			prefix, _, _ := strings.Cut(explicit, OpenAIChatPath)
			return Endpoint{ChatURL: explicit, ModelsURL: prefix + OpenAIModelsPath, Flavor: model.OpenAICompat, Source: "explicit-endpoint"}, nil
		}
		return Endpoint{ChatURL: explicit, Flavor: model.OpenAICompat, Source: "explicit-endpoint-unknown-path"}, nil
	}

	base := strings.TrimSpace(baseURL)
	if base == "" {
		base = DefaultBaseURL
	}
	return c.detectFromBase(ctx, strings.TrimRight(base, "/"), "auto"), nil
}

func (c *Client) detectFromBase(ctx context.Context, base, source string) Endpoint {
	openAIModels := base + OpenAIModelsPath
	if c.probe(ctx, openAIModels) {
		return Endpoint{ChatURL: base + OpenAIChatPath, ModelsURL: openAIModels, Flavor: model.OpenAICompat, Source: source + "-openai"}
	}
	restModels := base + RESTModelsPath
	if c.probe(ctx, restModels) {
		return Endpoint{ChatURL: base + RESTChatPath, ModelsURL: restModels, Flavor: model.LMStudioREST, Source: source + "-lmstudio"}
	}
	return Endpoint{ChatURL: base + OpenAIChatPath, ModelsURL: openAIModels, Flavor: model.OpenAICompat, Source: source + "-fallback"}
}

func (c *Client) probe(ctx context.Context, u string) bool {
	resp, err := c.Get(ctx, u, c.preflight)
	return err == nil && resp.OK()
}

// Preflight checks that the models listing answers and mentions modelID.
// A missing model only logs a warning: servers list models inconsistently.
func (c *Client) Preflight(ctx context.Context, ep Endpoint, modelID string) error {
	if ep.ModelsURL == "" {
		return nil
	}
	resp, err := c.Get(ctx, ep.ModelsURL, c.preflight)
	if err != nil {
		return fmt.Errorf("lmstudio: preflight failed: %w", err)
	}
	if !resp.OK() {
		return fmt.Errorf("lmstudio: preflight failed: HTTP %d from %s", resp.StatusCode, ep.ModelsURL)
	}
	if !strings.Contains(resp.Body, modelID) {
		c.logger.Warn("lmstudio: model not listed", "model", modelID, "models_url", ep.ModelsURL)
	}
	return nil
}

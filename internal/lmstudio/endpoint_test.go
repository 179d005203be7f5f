package lmstudio

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/rarity/internal/model"
)

func serverWith(t *testing.T, paths map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := paths[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestResolveEndpointProbes(t *testing.T) {
	ctx := context.Background()
	c := NewClient("", nil)

	openai := serverWith(t, map[string]string{OpenAIModelsPath: `{"data":[]}`})
	ep, err := c.ResolveEndpoint(ctx, "", openai.URL+"/")
	require.NoError(t, err)
	assert.Equal(t, openai.URL+OpenAIChatPath, ep.ChatURL)
	assert.Equal(t, model.OpenAICompat, ep.Flavor)
	assert.Equal(t, "auto-openai", ep.Source)

	rest := serverWith(t, map[string]string{RESTModelsPath: `{"models":[]}`})
	ep, err = c.ResolveEndpoint(ctx, "", rest.URL)
	require.NoError(t, err)
	assert.Equal(t, rest.URL+RESTChatPath, ep.ChatURL)
	assert.Equal(t, model.LMStudioREST, ep.Flavor)
	assert.Equal(t, "auto-lmstudio", ep.Source)

	neither := serverWith(t, nil)
	ep, err = c.ResolveEndpoint(ctx, neither.URL, "")
	require.NoError(t, err)
	assert.Equal(t, neither.URL+OpenAIChatPath, ep.ChatURL)
	assert.Equal(t, "explicit-base-fallback", ep.Source)
}

func TestResolveEndpointExplicitPaths(t *testing.T) {
	ctx := context.Background()
	c := NewClient("", nil)

	ep, err := c.ResolveEndpoint(ctx, "http://lm:1234/api/v1/chat", "")
	require.NoError(t, err)
	assert.Equal(t, model.LMStudioREST, ep.Flavor)
	assert.Equal(t, "http://lm:1234/api/v1/models", ep.ModelsURL)

	ep, err = c.ResolveEndpoint(ctx, "http://lm:1234/v1/chat/completions", "")
	require.NoError(t, err)
	assert.Equal(t, model.OpenAICompat, ep.Flavor)
	assert.Equal(t, "http://lm:1234/v1/models", ep.ModelsURL)

	ep, err = c.ResolveEndpoint(ctx, "http://lm:1234/custom/chat", "")
	require.NoError(t, err)
	assert.Empty(t, ep.ModelsURL)
	assert.Equal(t, "explicit-endpoint-unknown-path", ep.Source)
}

func TestPreflight(t *testing.T) {
	ctx := context.Background()
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if r.URL.Path != OpenAIModelsPath {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"data":[{"id":"gpt-oss-20b"}]}`))
	}))
	defer srv.Close()

	c := NewClient(" secret ", nil)
	require.NoError(t, c.Preflight(ctx, Endpoint{ModelsURL: srv.URL + OpenAIModelsPath}, "gpt-oss-20b"))
	assert.Equal(t, "Bearer secret", auth)

	require.NoError(t, c.Preflight(ctx, Endpoint{ModelsURL: srv.URL + OpenAIModelsPath}, "not-listed"))
	require.NoError(t, c.Preflight(ctx, Endpoint{}, "anything"))

	err := c.Preflight(ctx, Endpoint{ModelsURL: srv.URL + "/down"}, "gpt-oss-20b")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 503")
}

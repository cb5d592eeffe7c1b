package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/infinitune/infinitune/internal/generate"
)

func fastOptions() generate.Options {
	return generate.Options{
		Timeout:        2 * time.Second,
		Backoff:        time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		RateLimit:      rate.Inf,
		RateLimitBurst: 1,
	}
}

func TestGenerateMetadata(t *testing.T) {
	requests := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		requests <- body

		_ = json.NewEncoder(w).Encode(map[string]any{
			"message": map[string]any{
				"role":    "assistant",
				"content": `{"title": "Glass Tides", "artistName": "Marin Echo", "genre": "Ambient", "audioDuration": 190}`,
			},
			"done": true,
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, fastOptions())
	meta, err := c.GenerateMetadata(context.Background(), generate.MetadataParams{
		Prompt:   "underwater ambient",
		Model:    "qwen3:8b",
		Distance: generate.DistanceClose,
	})
	require.NoError(t, err)
	require.Equal(t, "Glass Tides", meta.Title)
	require.Equal(t, "Marin Echo", meta.ArtistName)

	body := <-requests
	require.Equal(t, "qwen3:8b", body["model"])
	require.Equal(t, "json", body["format"])
	require.Equal(t, false, body["stream"])
	require.Equal(t, keepAlive, body["keep_alive"])

	msgs, ok := body["messages"].([]any)
	require.True(t, ok)
	require.Len(t, msgs, 2)
	first, ok := msgs[0].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "system", first["role"])
	second, ok := msgs[1].(map[string]any)
	require.True(t, ok)
	require.Contains(t, second["content"], "underwater ambient")

	opts, ok := body["options"].(map[string]any)
	require.True(t, ok)
	require.InDelta(t, generate.TemperatureFor(generate.DistanceClose), opts["temperature"], 0.001)
}

func TestGenerateMetadataFencedCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"message": map[string]any{
				"content": "```json\n{\"title\": \"Song\", \"artistName\": \"Someone\"}\n```",
			},
			"done": true,
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, fastOptions())
	meta, err := c.GenerateMetadata(context.Background(), generate.MetadataParams{Model: "m", Prompt: "p"})
	require.NoError(t, err)
	require.Equal(t, "Song", meta.Title)
}

func TestGenerateMetadataEmptyCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"message": map[string]any{"content": "  "},
			"done":    true,
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, fastOptions())
	_, err := c.GenerateMetadata(context.Background(), generate.MetadataParams{Model: "m", Prompt: "p"})
	require.ErrorContains(t, err, "empty completion")
}

func TestGenerateMetadataMissingModel(t *testing.T) {
	c := NewClient("http://localhost:0", fastOptions())
	_, err := c.GenerateMetadata(context.Background(), generate.MetadataParams{Prompt: "p"})
	require.ErrorContains(t, err, "model not configured")
}

func TestGenerateMetadataServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, fastOptions())
	_, err := c.GenerateMetadata(context.Background(), generate.MetadataParams{Model: "m", Prompt: "p"})
	require.Error(t, err)
	require.ErrorContains(t, err, "status 500")
}

func TestNewClientDefaultBaseURL(t *testing.T) {
	c := NewClient("  ", fastOptions())
	require.Equal(t, defaultBaseURL, c.core.BaseURL())
}

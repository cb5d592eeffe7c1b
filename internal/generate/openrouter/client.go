// Package openrouter implements text and image generation against the
// OpenRouter chat completions API.
package openrouter

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/infinitune/infinitune/internal/generate"
	"github.com/infinitune/infinitune/internal/model"
)

const defaultBaseURL = "https://openrouter.ai/api/v1"

// Client generates song metadata and album covers via OpenRouter.
type Client struct {
	core *generate.Client
}

var (
	_ generate.TextGenerator  = (*Client)(nil)
	_ generate.ImageGenerator = (*Client)(nil)
)

// NewClient creates an OpenRouter client. apiKey may be empty for
// key-less proxies.
func NewClient(baseURL, apiKey string, opts generate.Options) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}

	// OpenRouter attributes traffic by these two headers.
	headers := map[string]string{
		"HTTP-Referer": "https://github.com/infinitune/infinitune",
		"X-Title":      "Infinitune",
	}
	if key := strings.TrimSpace(apiKey); key != "" {
		headers["Authorization"] = "Bearer " + key
	}
	for k, v := range opts.Headers {
		headers[k] = v
	}
	opts.Headers = headers

	return &Client{core: generate.NewClient("openrouter", baseURL, opts)}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
	Modalities     []string        `json:"modalities,omitempty"`
	Temperature    float64         `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
			Images  []struct {
				ImageURL struct {
					URL string `json:"url"`
				} `json:"image_url"`
			} `json:"images,omitempty"`
		} `json:"message"`
	} `json:"choices"`
	Error *apiError `json:"error,omitempty"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// GenerateMetadata implements generate.TextGenerator.
func (c *Client) GenerateMetadata(ctx context.Context, params generate.MetadataParams) (*model.SongMetadata, error) {
	if strings.TrimSpace(params.Model) == "" {
		return nil, fmt.Errorf("openrouter: model not configured")
	}

	system, user := generate.BuildChatMessages(params)
	req := chatRequest{
		Model: params.Model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		ResponseFormat: &responseFormat{Type: "json_object"},
		Temperature:    generate.TemperatureFor(params.Distance),
	}

	var res chatResponse
	if err := c.core.PostJSON(ctx, "/chat/completions", req, &res, true); err != nil {
		return nil, err
	}
	if res.Error != nil {
		return nil, fmt.Errorf("openrouter: api error %d: %s", res.Error.Code, res.Error.Message)
	}
	if len(res.Choices) == 0 {
		return nil, fmt.Errorf("openrouter: no choices in completion")
	}
	content := res.Choices[0].Message.Content
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("openrouter: empty completion")
	}
	return generate.DecodeMetadata(content)
}

// GenerateCover implements generate.ImageGenerator. An empty model means
// covers are configured off; the caller gets a nil image.
func (c *Client) GenerateCover(ctx context.Context, params generate.CoverParams) (*generate.CoverImage, error) {
	if strings.TrimSpace(params.Model) == "" {
		return nil, nil
	}

	req := chatRequest{
		Model:      params.Model,
		Messages:   []chatMessage{{Role: "user", Content: coverInstruction(params)}},
		Modalities: []string{"image", "text"},
	}

	var res chatResponse
	if err := c.core.PostJSON(ctx, "/chat/completions", req, &res, true); err != nil {
		return nil, err
	}
	if res.Error != nil {
		return nil, fmt.Errorf("openrouter: api error %d: %s", res.Error.Code, res.Error.Message)
	}
	if len(res.Choices) == 0 {
		return nil, fmt.Errorf("openrouter: no choices in completion")
	}

	var lastErr error
	for _, img := range res.Choices[0].Message.Images {
		cover, err := decodeDataURL(img.ImageURL.URL)
		if err != nil {
			lastErr = err
			continue
		}
		return cover, nil
	}
	if lastErr != nil {
		return nil, fmt.Errorf("openrouter: %w", lastErr)
	}
	return nil, fmt.Errorf("openrouter: no image in completion")
}

func coverInstruction(params generate.CoverParams) string {
	return "Generate a square album cover image, no text or lettering. " + strings.TrimSpace(params.Prompt)
}

// decodeDataURL splits a data:image/...;base64,... URL into raw bytes and
// a format tag.
func decodeDataURL(u string) (*generate.CoverImage, error) {
	const prefix = "data:"
	if !strings.HasPrefix(u, prefix) {
		return nil, fmt.Errorf("not a data URL")
	}
	meta, payload, ok := strings.Cut(u[len(prefix):], ",")
	if !ok {
		return nil, fmt.Errorf("malformed data URL")
	}
	if !strings.HasSuffix(meta, ";base64") {
		return nil, fmt.Errorf("unsupported data URL encoding: %s", meta)
	}

	format := strings.TrimPrefix(strings.TrimSuffix(meta, ";base64"), "image/")
	if format == "jpg" {
		format = "jpeg"
	}
	if format == "" {
		format = "png"
	}

	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("decode image payload: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty image payload")
	}
	return &generate.CoverImage{Bytes: raw, Format: format}, nil
}

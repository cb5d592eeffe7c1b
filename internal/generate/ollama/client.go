// Package ollama implements the text generator against a local Ollama
// server's chat API.
package ollama

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/infinitune/infinitune/internal/generate"
	"github.com/infinitune/infinitune/internal/model"
)

const (
	defaultBaseURL = "http://localhost:11434"
	// keepAlive holds the model in VRAM between songs; cold loads cost
	// tens of seconds.
	keepAlive = "10m"
)

// Client generates song metadata via Ollama.
type Client struct {
	core *generate.Client
}

var _ generate.TextGenerator = (*Client)(nil)

// NewClient creates an Ollama client. Chat completions run long, so the
// default timeout is generous.
func NewClient(baseURL string, opts generate.Options) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Minute
	}
	if opts.RateLimit <= 0 {
		// One local model, one GPU: pace requests instead of piling up.
		opts.RateLimit = 1
		opts.RateLimitBurst = 2
	}
	return &Client{core: generate.NewClient("ollama", baseURL, opts)}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model     string         `json:"model"`
	Messages  []chatMessage  `json:"messages"`
	Format    string         `json:"format"`
	Stream    bool           `json:"stream"`
	KeepAlive string         `json:"keep_alive,omitempty"`
	Options   map[string]any `json:"options,omitempty"`
}

type chatResponse struct {
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done bool `json:"done"`
}

// GenerateMetadata implements generate.TextGenerator.
func (c *Client) GenerateMetadata(ctx context.Context, params generate.MetadataParams) (*model.SongMetadata, error) {
	if strings.TrimSpace(params.Model) == "" {
		return nil, fmt.Errorf("ollama: model not configured")
	}

	system, user := generate.BuildChatMessages(params)
	req := chatRequest{
		Model: params.Model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Format:    "json",
		Stream:    false,
		KeepAlive: keepAlive,
		Options: map[string]any{
			"temperature": generate.TemperatureFor(params.Distance),
		},
	}

	var res chatResponse
	if err := c.core.PostJSON(ctx, "/api/chat", req, &res, true); err != nil {
		return nil, err
	}
	if strings.TrimSpace(res.Message.Content) == "" {
		return nil, fmt.Errorf("ollama: empty completion")
	}
	return generate.DecodeMetadata(res.Message.Content)
}

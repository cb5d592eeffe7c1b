// Package comfyui implements the image generator against a ComfyUI
// server: queue a text-to-image workflow, wait for completion on the
// progress socket, then fetch the rendered image.
package comfyui

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/url"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/infinitune/infinitune/internal/generate"
)

const (
	defaultBaseURL    = "http://localhost:8188"
	defaultCheckpoint = "sd_xl_base_1.0.safetensors"
	defaultNegative   = "text, watermark, lettering, low quality, blurry"
	defaultDimension  = 1024

	// defaultWaitTimeout bounds the progress-socket wait; renders queue
	// behind other ComfyUI jobs.
	defaultWaitTimeout = 3 * time.Minute

	handshakeTimeout = 10 * time.Second
)

// Config configures the ComfyUI client.
type Config struct {
	BaseURL string

	// Checkpoint is the default model file when a render does not name
	// one.
	Checkpoint string

	// Negative is the shared negative prompt.
	Negative string

	// WaitTimeout bounds the wait for one render to finish.
	WaitTimeout time.Duration

	HTTP generate.Options
}

// Client renders album covers on a ComfyUI server.
type Client struct {
	core        *generate.Client
	dialer      *websocket.Dialer
	checkpoint  string
	negative    string
	waitTimeout time.Duration

	mu  sync.Mutex
	rnd *rand.Rand
}

var _ generate.ImageGenerator = (*Client)(nil)

// New creates a ComfyUI client.
func New(cfg Config) *Client {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if strings.TrimSpace(cfg.Checkpoint) == "" {
		cfg.Checkpoint = defaultCheckpoint
	}
	if cfg.Negative == "" {
		cfg.Negative = defaultNegative
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = defaultWaitTimeout
	}
	if cfg.HTTP.Timeout <= 0 {
		// HTTP calls are quick queue/fetch round-trips; the long wait
		// happens on the socket.
		cfg.HTTP.Timeout = 30 * time.Second
	}

	return &Client{
		core:        generate.NewClient("comfyui", cfg.BaseURL, cfg.HTTP),
		dialer:      &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		checkpoint:  cfg.Checkpoint,
		negative:    cfg.Negative,
		waitTimeout: cfg.WaitTimeout,
		rnd:         rand.New(rand.NewSource(time.Now().UnixNano())), // #nosec G404 -- render seeds only
	}
}

type promptRequest struct {
	Prompt   map[string]any `json:"prompt"`
	ClientID string         `json:"client_id"`
}

type promptResponse struct {
	PromptID   string         `json:"prompt_id"`
	NodeErrors map[string]any `json:"node_errors,omitempty"`
}

type progressEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type executingData struct {
	Node     *string `json:"node"`
	PromptID string  `json:"prompt_id"`
}

type executionErrorData struct {
	PromptID         string `json:"prompt_id"`
	NodeType         string `json:"node_type"`
	ExceptionMessage string `json:"exception_message"`
}

type imageRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

type historyEntry struct {
	Outputs map[string]struct {
		Images []imageRef `json:"images"`
	} `json:"outputs"`
}

// GenerateCover implements generate.ImageGenerator. The progress socket
// is opened before the workflow is queued so no completion event can be
// missed.
func (c *Client) GenerateCover(ctx context.Context, params generate.CoverParams) (*generate.CoverImage, error) {
	prompt := strings.TrimSpace(params.Prompt)
	if prompt == "" {
		return nil, fmt.Errorf("comfyui: empty cover prompt")
	}

	checkpoint := strings.TrimSpace(params.Model)
	if checkpoint == "" {
		checkpoint = c.checkpoint
	}
	width, height := params.Width, params.Height
	if width <= 0 {
		width = defaultDimension
	}
	if height <= 0 {
		height = defaultDimension
	}

	clientID := uuid.NewString()

	conn, err := c.dialProgress(ctx, clientID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = conn.Close() }()

	workflow := buildWorkflow(checkpoint, prompt, c.negative, width, height, c.seed())
	promptID, err := c.queuePrompt(ctx, clientID, workflow)
	if err != nil {
		return nil, err
	}

	if err := c.waitForCompletion(ctx, conn, promptID); err != nil {
		return nil, err
	}

	ref, err := c.lookupOutput(ctx, promptID)
	if err != nil {
		return nil, err
	}
	return c.fetchImage(ctx, ref)
}

func (c *Client) dialProgress(ctx context.Context, clientID string) (*websocket.Conn, error) {
	u, err := url.Parse(c.core.BaseURL())
	if err != nil {
		return nil, fmt.Errorf("comfyui: invalid base URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws"
	u.RawQuery = "clientId=" + url.QueryEscape(clientID)

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("comfyui: progress socket handshake: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("comfyui: progress socket: %w", err)
	}
	return conn, nil
}

func (c *Client) queuePrompt(ctx context.Context, clientID string, workflow map[string]any) (string, error) {
	var res promptResponse
	if err := c.core.PostJSON(ctx, "/prompt", promptRequest{Prompt: workflow, ClientID: clientID}, &res, false); err != nil {
		return "", err
	}
	if len(res.NodeErrors) > 0 {
		return "", fmt.Errorf("comfyui: workflow rejected: %v", res.NodeErrors)
	}
	if strings.TrimSpace(res.PromptID) == "" {
		return "", fmt.Errorf("comfyui: no prompt id in response")
	}
	return res.PromptID, nil
}

// waitForCompletion reads progress events until the prompt finishes.
// Binary frames are latent previews and are skipped.
func (c *Client) waitForCompletion(ctx context.Context, conn *websocket.Conn, promptID string) error {
	deadline := time.Now().Add(c.waitTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return fmt.Errorf("comfyui: set read deadline: %w", err)
	}

	// Unblock the read when the caller cancels.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-watchDone:
		}
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("comfyui: progress socket read: %w", err)
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var ev progressEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}

		switch ev.Type {
		case "executing":
			var d executingData
			if err := json.Unmarshal(ev.Data, &d); err != nil {
				continue
			}
			// node == null marks the end of the whole prompt.
			if d.PromptID == promptID && d.Node == nil {
				return nil
			}
		case "execution_success":
			var d executingData
			if err := json.Unmarshal(ev.Data, &d); err != nil {
				continue
			}
			if d.PromptID == promptID {
				return nil
			}
		case "execution_error":
			var d executionErrorData
			if err := json.Unmarshal(ev.Data, &d); err != nil {
				continue
			}
			if d.PromptID == promptID {
				return fmt.Errorf("comfyui: render failed at %s: %s", d.NodeType, d.ExceptionMessage)
			}
		}
	}
}

func (c *Client) lookupOutput(ctx context.Context, promptID string) (imageRef, error) {
	var history map[string]historyEntry
	if err := c.core.GetJSON(ctx, "/history/"+url.PathEscape(promptID), &history); err != nil {
		return imageRef{}, err
	}
	entry, ok := history[promptID]
	if !ok {
		return imageRef{}, fmt.Errorf("comfyui: prompt %s missing from history", promptID)
	}

	nodes := make([]string, 0, len(entry.Outputs))
	for node := range entry.Outputs {
		nodes = append(nodes, node)
	}
	sort.Strings(nodes)

	var fallback *imageRef
	for _, node := range nodes {
		for i, img := range entry.Outputs[node].Images {
			if img.Filename == "" {
				continue
			}
			if img.Type == "output" {
				return img, nil
			}
			if fallback == nil {
				fallback = &entry.Outputs[node].Images[i]
			}
		}
	}
	if fallback != nil {
		return *fallback, nil
	}
	return imageRef{}, fmt.Errorf("comfyui: prompt %s produced no images", promptID)
}

func (c *Client) fetchImage(ctx context.Context, ref imageRef) (*generate.CoverImage, error) {
	q := url.Values{}
	q.Set("filename", ref.Filename)
	q.Set("subfolder", ref.Subfolder)
	q.Set("type", ref.Type)

	rc, err := c.core.GetRaw(ctx, "/view?"+q.Encode())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("comfyui: read image: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("comfyui: empty image %s", ref.Filename)
	}

	format := strings.ToLower(strings.TrimPrefix(path.Ext(ref.Filename), "."))
	if format == "jpg" {
		format = "jpeg"
	}
	if format == "" {
		format = "png"
	}
	return &generate.CoverImage{Bytes: raw, Format: format}, nil
}

func (c *Client) seed() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rnd.Int63()
}

// buildWorkflow assembles the standard checkpoint/CLIP/KSampler/VAE
// text-to-image graph in ComfyUI's API format.
func buildWorkflow(checkpoint, prompt, negative string, width, height int, seed int64) map[string]any {
	return map[string]any{
		"3": map[string]any{
			"class_type": "KSampler",
			"inputs": map[string]any{
				"cfg":          7,
				"denoise":      1,
				"sampler_name": "euler",
				"scheduler":    "normal",
				"seed":         seed,
				"steps":        20,
				"model":        []any{"4", 0},
				"positive":     []any{"6", 0},
				"negative":     []any{"7", 0},
				"latent_image": []any{"5", 0},
			},
		},
		"4": map[string]any{
			"class_type": "CheckpointLoaderSimple",
			"inputs":     map[string]any{"ckpt_name": checkpoint},
		},
		"5": map[string]any{
			"class_type": "EmptyLatentImage",
			"inputs":     map[string]any{"batch_size": 1, "width": width, "height": height},
		},
		"6": map[string]any{
			"class_type": "CLIPTextEncode",
			"inputs":     map[string]any{"clip": []any{"4", 1}, "text": prompt},
		},
		"7": map[string]any{
			"class_type": "CLIPTextEncode",
			"inputs":     map[string]any{"clip": []any{"4", 1}, "text": negative},
		},
		"8": map[string]any{
			"class_type": "VAEDecode",
			"inputs":     map[string]any{"samples": []any{"3", 0}, "vae": []any{"4", 2}},
		},
		"9": map[string]any{
			"class_type": "SaveImage",
			"inputs":     map[string]any{"filename_prefix": "infinitune", "images": []any{"8", 0}},
		},
	}
}

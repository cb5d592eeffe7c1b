// Package acestep implements the audio service against an ACE-Step
// text-to-music server.
package acestep

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/infinitune/infinitune/internal/generate"
	"github.com/infinitune/infinitune/internal/queue"
)

const defaultBaseURL = "http://localhost:8001"

// Client submits, polls and downloads ACE-Step tasks. Generation itself
// runs server side; every call here is a quick round-trip.
type Client struct {
	core *generate.Client
}

var _ generate.AudioService = (*Client)(nil)

// NewClient creates an ACE-Step client.
func NewClient(baseURL string, opts generate.Options) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Client{core: generate.NewClient("acestep", baseURL, opts)}
}

type releaseRequest struct {
	Prompt        string  `json:"prompt"`
	Lyrics        string  `json:"lyrics"`
	AudioDuration float64 `json:"audio_duration"`
	BPM           int     `json:"bpm,omitempty"`
	KeyScale      string  `json:"key_scale,omitempty"`
	TimeSignature string  `json:"time_signature,omitempty"`
	InferSteps    int     `json:"infer_steps,omitempty"`
	GuidanceScale float64 `json:"guidance_scale,omitempty"`
	Format        string  `json:"format,omitempty"`
}

type releaseResponse struct {
	TaskID string `json:"task_id"`
}

type queryRequest struct {
	TaskID string `json:"task_id"`
}

type queryResponse struct {
	Status        string  `json:"status"`
	AudioPath     string  `json:"audio_path,omitempty"`
	AudioDuration float64 `json:"audio_duration,omitempty"`
	Error         string  `json:"error,omitempty"`
}

// Submit implements generate.AudioService. It never retries: a lost
// response would leave a running GPU task with no recorded id.
func (c *Client) Submit(ctx context.Context, params generate.AudioParams) (string, error) {
	req := releaseRequest{
		Prompt:        params.Caption,
		Lyrics:        params.Lyrics,
		AudioDuration: params.AudioDuration,
		BPM:           params.BPM,
		KeyScale:      params.KeyScale,
		TimeSignature: params.TimeSignature,
		InferSteps:    params.InferenceSteps,
		GuidanceScale: params.CFGScale,
		Format:        params.Format,
	}
	if req.AudioDuration <= 0 {
		req.AudioDuration = 180
	}
	if req.Format == "" {
		req.Format = "mp3"
	}

	var res releaseResponse
	if err := c.core.PostJSON(ctx, "/release_task", req, &res, false); err != nil {
		return "", err
	}
	if strings.TrimSpace(res.TaskID) == "" {
		return "", fmt.Errorf("acestep: no task id in response")
	}
	return res.TaskID, nil
}

// Poll implements queue.Poller. Unknown statuses surface as errors; the
// audio queue keeps polling through those.
func (c *Client) Poll(ctx context.Context, taskID string) (queue.PollResult, error) {
	var res queryResponse
	if err := c.core.PostJSON(ctx, "/query_task", queryRequest{TaskID: taskID}, &res, false); err != nil {
		return queue.PollResult{}, err
	}

	switch res.Status {
	case "running", "pending", "queued":
		return queue.PollResult{Status: queue.PollRunning}, nil
	case "succeeded":
		if strings.TrimSpace(res.AudioPath) == "" {
			return queue.PollResult{}, fmt.Errorf("acestep: task %s succeeded without an audio path", taskID)
		}
		return queue.PollResult{Status: queue.PollSucceeded, AudioPath: res.AudioPath, Duration: res.AudioDuration}, nil
	case "failed":
		return queue.PollResult{Status: queue.PollFailed, Error: res.Error}, nil
	case "not_found":
		return queue.PollResult{Status: queue.PollNotFound}, nil
	default:
		return queue.PollResult{}, fmt.Errorf("acestep: unknown task status %q", res.Status)
	}
}

// Download streams a finished audio file. audioPath is the server-side
// path reported by a succeeded poll, or an absolute URL.
func (c *Client) Download(ctx context.Context, audioPath string) (io.ReadCloser, error) {
	if strings.TrimSpace(audioPath) == "" {
		return nil, fmt.Errorf("acestep: empty audio path")
	}
	return c.core.GetRaw(ctx, c.DownloadURL(audioPath))
}

// DownloadURL returns the URL a player can stream the audio from. The
// result is persisted as the song's audio URL, so it is always
// absolute.
func (c *Client) DownloadURL(audioPath string) string {
	if strings.HasPrefix(audioPath, "http://") || strings.HasPrefix(audioPath, "https://") {
		return audioPath
	}
	return c.core.BaseURL() + "/download?path=" + url.QueryEscape(audioPath)
}

// Package config loads daemon configuration with the precedence
// defaults < YAML file < environment, and supports hot reloading the
// file through a Holder. Every knob logs the source it was taken from
// at debug level so a misbehaving deployment can be read from its logs.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Endpoint configures one outbound HTTP service.
type Endpoint struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"apiKey"`
}

// ComfyUI configures the cover renderer.
type ComfyUI struct {
	URL        string `yaml:"url"`
	Checkpoint string `yaml:"checkpoint"`
}

// Redis configures the cover cache backend. An empty Addr keeps covers
// in process memory.
type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Telemetry configures the OTLP trace exporter.
type Telemetry struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // "grpc" or "http"
	Endpoint    string  `yaml:"endpoint"`
	SampleRate  float64 `yaml:"sampleRate"`
	Environment string  `yaml:"environment"`
}

// Config is the full daemon configuration.
type Config struct {
	ListenAddr string `yaml:"listenAddr"`
	DataDir    string `yaml:"dataDir"`
	// DBPath and LibraryDir default to paths under DataDir when empty.
	DBPath     string `yaml:"dbPath"`
	LibraryDir string `yaml:"libraryDir"`

	LogLevel string        `yaml:"logLevel"`
	Tick     time.Duration `yaml:"tick"`

	TextConcurrency  int `yaml:"textConcurrency"`
	ImageConcurrency int `yaml:"imageConcurrency"`

	// APIRateLimit is requests per minute per client IP. Zero disables
	// the limiter.
	APIRateLimit int `yaml:"apiRateLimit"`

	Ollama     Endpoint `yaml:"ollama"`
	OpenRouter Endpoint `yaml:"openrouter"`
	ComfyUI    ComfyUI  `yaml:"comfyui"`
	AceStep    Endpoint `yaml:"acestep"`

	Redis         Redis         `yaml:"redis"`
	CoverCacheTTL time.Duration `yaml:"coverCacheTTL"`

	Telemetry Telemetry `yaml:"telemetry"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ListenAddr:       ":8080",
		DataDir:          "./data",
		LogLevel:         "info",
		Tick:             2 * time.Second,
		TextConcurrency:  2,
		ImageConcurrency: 2,
		APIRateLimit:     300,
		Ollama:           Endpoint{URL: "http://localhost:11434"},
		OpenRouter:       Endpoint{URL: "https://openrouter.ai/api/v1"},
		ComfyUI:          ComfyUI{URL: "http://localhost:8188"},
		AceStep:          Endpoint{URL: "http://localhost:8001"},
		CoverCacheTTL:    30 * time.Minute,
		Telemetry: Telemetry{
			Exporter:    "grpc",
			Endpoint:    "localhost:4317",
			SampleRate:  1.0,
			Environment: "development",
		},
	}
}

// normalize fills derived paths and clamps nonsense values.
func (c *Config) normalize() {
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "infinitune.db")
	}
	if c.LibraryDir == "" {
		c.LibraryDir = filepath.Join(c.DataDir, "library")
	}
	if c.TextConcurrency < 1 {
		c.TextConcurrency = 1
	}
	if c.ImageConcurrency < 1 {
		c.ImageConcurrency = 1
	}
	if c.Tick <= 0 {
		c.Tick = 2 * time.Second
	}
	if c.CoverCacheTTL <= 0 {
		c.CoverCacheTTL = 30 * time.Minute
	}
}

// Validate rejects configurations the daemon cannot start with.
func Validate(c Config) error {
	var problems []string
	if strings.TrimSpace(c.ListenAddr) == "" {
		problems = append(problems, "listenAddr must not be empty")
	}
	if strings.TrimSpace(c.DataDir) == "" {
		problems = append(problems, "dataDir must not be empty")
	}
	if strings.TrimSpace(c.AceStep.URL) == "" {
		problems = append(problems, "acestep.url must not be empty")
	}
	switch c.Telemetry.Exporter {
	case "", "grpc", "http":
	default:
		problems = append(problems, fmt.Sprintf("telemetry.exporter %q is not grpc or http", c.Telemetry.Exporter))
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		problems = append(problems, fmt.Sprintf("telemetry.sampleRate %v is outside [0,1]", c.Telemetry.SampleRate))
	}
	if len(problems) > 0 {
		return fmt.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

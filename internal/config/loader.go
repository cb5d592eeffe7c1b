package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Loader loads configuration with the precedence defaults < file < env.
type Loader struct {
	configPath string
}

// NewLoader creates a loader. configPath may be empty for env-only
// operation.
func NewLoader(configPath string) *Loader {
	return &Loader{configPath: configPath}
}

// Load builds the effective configuration: defaults, then the YAML file
// when present, then environment overrides, then validation. A missing
// file is only an error when a path was explicitly configured.
func (l *Loader) Load() (Config, error) {
	cfg := Default()

	if l.configPath != "" {
		fc, err := loadFile(l.configPath)
		if err != nil {
			return Config{}, err
		}
		mergeFile(&cfg, fc)
	}

	applyEnv(&cfg)
	cfg.normalize()

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// fileConfig mirrors Config with pointer scalars so an omitted key can
// be told apart from an explicit zero.
type fileConfig struct {
	ListenAddr *string `yaml:"listenAddr"`
	DataDir    *string `yaml:"dataDir"`
	DBPath     *string `yaml:"dbPath"`
	LibraryDir *string `yaml:"libraryDir"`

	LogLevel *string        `yaml:"logLevel"`
	Tick     *time.Duration `yaml:"tick"`

	TextConcurrency  *int `yaml:"textConcurrency"`
	ImageConcurrency *int `yaml:"imageConcurrency"`
	APIRateLimit     *int `yaml:"apiRateLimit"`

	Ollama     *fileEndpoint `yaml:"ollama"`
	OpenRouter *fileEndpoint `yaml:"openrouter"`
	ComfyUI    *fileComfyUI  `yaml:"comfyui"`
	AceStep    *fileEndpoint `yaml:"acestep"`

	Redis         *fileRedis     `yaml:"redis"`
	CoverCacheTTL *time.Duration `yaml:"coverCacheTTL"`

	Telemetry *fileTelemetry `yaml:"telemetry"`
}

type fileEndpoint struct {
	URL    *string `yaml:"url"`
	APIKey *string `yaml:"apiKey"`
}

type fileComfyUI struct {
	URL        *string `yaml:"url"`
	Checkpoint *string `yaml:"checkpoint"`
}

type fileRedis struct {
	Addr     *string `yaml:"addr"`
	Password *string `yaml:"password"`
	DB       *int    `yaml:"db"`
}

type fileTelemetry struct {
	Enabled     *bool    `yaml:"enabled"`
	Exporter    *string  `yaml:"exporter"`
	Endpoint    *string  `yaml:"endpoint"`
	SampleRate  *float64 `yaml:"sampleRate"`
	Environment *string  `yaml:"environment"`
}

// loadFile parses the YAML file strictly: unknown keys are an error so
// typos fail the boot instead of silently configuring nothing.
func loadFile(path string) (*fileConfig, error) {
	f, err := os.Open(path) // #nosec G304 -- path is operator-provided configuration
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)

	var fc fileConfig
	if err := dec.Decode(&fc); err != nil {
		if errors.Is(err, io.EOF) {
			return &fileConfig{}, nil
		}
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &fc, nil
}

func mergeFile(dst *Config, src *fileConfig) {
	setString(&dst.ListenAddr, src.ListenAddr)
	setString(&dst.DataDir, src.DataDir)
	setString(&dst.DBPath, src.DBPath)
	setString(&dst.LibraryDir, src.LibraryDir)
	setString(&dst.LogLevel, src.LogLevel)
	if src.Tick != nil {
		dst.Tick = *src.Tick
	}
	setInt(&dst.TextConcurrency, src.TextConcurrency)
	setInt(&dst.ImageConcurrency, src.ImageConcurrency)
	setInt(&dst.APIRateLimit, src.APIRateLimit)

	mergeEndpoint(&dst.Ollama, src.Ollama)
	mergeEndpoint(&dst.OpenRouter, src.OpenRouter)
	if src.ComfyUI != nil {
		setString(&dst.ComfyUI.URL, src.ComfyUI.URL)
		setString(&dst.ComfyUI.Checkpoint, src.ComfyUI.Checkpoint)
	}
	mergeEndpoint(&dst.AceStep, src.AceStep)

	if src.Redis != nil {
		setString(&dst.Redis.Addr, src.Redis.Addr)
		setString(&dst.Redis.Password, src.Redis.Password)
		setInt(&dst.Redis.DB, src.Redis.DB)
	}
	if src.CoverCacheTTL != nil {
		dst.CoverCacheTTL = *src.CoverCacheTTL
	}

	if src.Telemetry != nil {
		if src.Telemetry.Enabled != nil {
			dst.Telemetry.Enabled = *src.Telemetry.Enabled
		}
		setString(&dst.Telemetry.Exporter, src.Telemetry.Exporter)
		setString(&dst.Telemetry.Endpoint, src.Telemetry.Endpoint)
		if src.Telemetry.SampleRate != nil {
			dst.Telemetry.SampleRate = *src.Telemetry.SampleRate
		}
		setString(&dst.Telemetry.Environment, src.Telemetry.Environment)
	}
}

func mergeEndpoint(dst *Endpoint, src *fileEndpoint) {
	if src == nil {
		return
	}
	setString(&dst.URL, src.URL)
	setString(&dst.APIKey, src.APIKey)
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

// applyEnv overlays environment variables onto the config. Each helper
// takes the current value as its default, so an unset variable changes
// nothing.
func applyEnv(cfg *Config) {
	cfg.ListenAddr = ParseString("INFINITUNE_LISTEN_ADDR", cfg.ListenAddr)
	cfg.DataDir = ParseString("INFINITUNE_DATA_DIR", cfg.DataDir)
	cfg.DBPath = ParseString("INFINITUNE_DB_PATH", cfg.DBPath)
	cfg.LibraryDir = ParseString("INFINITUNE_LIBRARY_DIR", cfg.LibraryDir)
	cfg.LogLevel = ParseString("INFINITUNE_LOG_LEVEL", cfg.LogLevel)
	cfg.Tick = ParseDuration("INFINITUNE_TICK", cfg.Tick)

	cfg.TextConcurrency = ParseInt("INFINITUNE_TEXT_CONCURRENCY", cfg.TextConcurrency)
	cfg.ImageConcurrency = ParseInt("INFINITUNE_IMAGE_CONCURRENCY", cfg.ImageConcurrency)
	cfg.APIRateLimit = ParseInt("INFINITUNE_API_RATE_LIMIT", cfg.APIRateLimit)

	cfg.Ollama.URL = ParseString("INFINITUNE_OLLAMA_URL", cfg.Ollama.URL)
	cfg.OpenRouter.URL = ParseString("INFINITUNE_OPENROUTER_URL", cfg.OpenRouter.URL)
	cfg.OpenRouter.APIKey = ParseString("INFINITUNE_OPENROUTER_API_KEY", cfg.OpenRouter.APIKey)
	cfg.ComfyUI.URL = ParseString("INFINITUNE_COMFYUI_URL", cfg.ComfyUI.URL)
	cfg.ComfyUI.Checkpoint = ParseString("INFINITUNE_COMFYUI_CHECKPOINT", cfg.ComfyUI.Checkpoint)
	cfg.AceStep.URL = ParseString("INFINITUNE_ACESTEP_URL", cfg.AceStep.URL)

	cfg.Redis.Addr = ParseString("INFINITUNE_REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = ParseString("INFINITUNE_REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = ParseInt("INFINITUNE_REDIS_DB", cfg.Redis.DB)
	cfg.CoverCacheTTL = ParseDuration("INFINITUNE_COVER_CACHE_TTL", cfg.CoverCacheTTL)

	cfg.Telemetry.Enabled = ParseBool("INFINITUNE_OTEL_ENABLED", cfg.Telemetry.Enabled)
	cfg.Telemetry.Exporter = ParseString("INFINITUNE_OTEL_EXPORTER", cfg.Telemetry.Exporter)
	cfg.Telemetry.Endpoint = ParseString("INFINITUNE_OTEL_ENDPOINT", cfg.Telemetry.Endpoint)
	cfg.Telemetry.SampleRate = ParseFloat("INFINITUNE_OTEL_SAMPLE_RATE", cfg.Telemetry.SampleRate)
	cfg.Telemetry.Environment = ParseString("INFINITUNE_OTEL_ENVIRONMENT", cfg.Telemetry.Environment)
}

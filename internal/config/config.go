package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config holds the application configuration
type Config struct {
	Analyzer AnalyzerConfig `json:"analyzer"`
	Display  DisplayConfig  `json:"display"`
	Brush    BrushConfig    `json:"brush"`
	Mask     MaskConfig     `json:"mask"`
	Storage  StorageConfig  `json:"storage"`
	Inpaint  InpaintConfig  `json:"inpaint"`
	Vision   VisionConfig   `json:"vision"`
	Fetch    FetchConfig    `json:"fetch"`
	Server   ServerConfig   `json:"server"`
	Output   OutputConfig   `json:"output"`
}

// AnalyzerConfig holds configuration for upload validation
type AnalyzerConfig struct {
	SupportedFormats []string `json:"supported_formats"`
	MinImageSize     int      `json:"min_image_size"`
}

// DisplayConfig holds configuration for the drawing canvas
type DisplayConfig struct {
	MaxDimension        int   `json:"max_dimension"`
	CompactMaxDimension int   `json:"compact_max_dimension"`
	Compact             bool  `json:"compact"`
	OverlayOpacity      uint8 `json:"overlay_opacity"`
}

// BrushConfig holds the brush width range in display pixels
type BrushConfig struct {
	Default float64 `json:"default"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
}

// MaskConfig holds configuration for mask rasterization
type MaskConfig struct {
	PassFactors []float64 `json:"pass_factors"`
	Threshold   uint8     `json:"threshold"`
}

// StorageConfig selects and configures the artifact store
type StorageConfig struct {
	// Backend is "local" or "bucket"
	Backend    string `json:"backend"`
	Dir        string `json:"dir"`
	BaseURL    string `json:"base_url"`
	SigningKey string `json:"signing_key"`
	URL        string `json:"url"`
	Bucket     string `json:"bucket"`
	APIKey     string `json:"api_key"`
	TTLSeconds int    `json:"ttl_seconds"`
}

// InpaintConfig holds configuration for the predictions API
type InpaintConfig struct {
	BaseURL        string         `json:"base_url"`
	APIToken       string         `json:"api_token"`
	Model          string         `json:"model"`
	PollIntervalMs int            `json:"poll_interval_ms"`
	TimeoutSeconds int            `json:"timeout_seconds"`
	Input          map[string]any `json:"input,omitempty"`
	// MaskModel is a segmentation model that returns a mask for a text
	// prompt; empty disables model-made selections
	MaskModel string         `json:"mask_model,omitempty"`
	MaskInput map[string]any `json:"mask_input,omitempty"`
}

// VisionConfig holds configuration for text-prompted selection
type VisionConfig struct {
	// Backend is "", "ollama" or "llamacpp"; empty disables auto-select
	Backend       string  `json:"backend"`
	URL           string  `json:"url"`
	Model         string  `json:"model"`
	MinConfidence float64 `json:"min_confidence"`
	MaxImageSize  int     `json:"max_image_size"`
}

// FetchConfig holds configuration for downloading results
type FetchConfig struct {
	Retries        int    `json:"retries"`
	RetryDelayMs   int    `json:"retry_delay_ms"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	UserAgent      string `json:"user_agent"`
}

// ServerConfig holds configuration for the HTTP server
type ServerConfig struct {
	Addr           string `json:"addr"`
	MaxUploadBytes int64  `json:"max_upload_bytes"`
	MaxSessions    int    `json:"max_sessions"`
}

// OutputConfig holds configuration for output generation
type OutputConfig struct {
	DefaultFormat string `json:"default_format"`
	OutputDir     string `json:"output_dir"`
	Prefix        string `json:"prefix"`
	MaskSuffix    string `json:"mask_suffix"`
	ResultSuffix  string `json:"result_suffix"`
	Quality       int    `json:"quality"`
}

// Default returns a configuration with default values
func Default() *Config {
	return &Config{
		Analyzer: AnalyzerConfig{
			SupportedFormats: []string{"jpg", "jpeg", "png", "gif", "webp"},
			MinImageSize:     16,
		},
		Display: DisplayConfig{
			MaxDimension:        512,
			CompactMaxDimension: 400,
			OverlayOpacity:      160,
		},
		Brush: BrushConfig{
			Default: 20,
			Min:     1,
			Max:     50,
		},
		Mask: MaskConfig{
			PassFactors: []float64{1.2, 0.8},
			Threshold:   128,
		},
		Storage: StorageConfig{
			Backend:    "local",
			Dir:        "./data/files",
			BaseURL:    "http://localhost:8080/files",
			Bucket:     "images",
			APIKey:     "env:SUPABASE_SERVICE_ROLE_KEY",
			TTLSeconds: 3600,
		},
		Inpaint: InpaintConfig{
			BaseURL:        "https://api.replicate.com",
			APIToken:       "env:REPLICATE_API_TOKEN",
			Model:          "stability-ai/stable-diffusion-inpainting",
			PollIntervalMs: 1000,
			TimeoutSeconds: 300,
		},
		Vision: VisionConfig{
			URL:           "http://localhost:11434",
			Model:         "llava:13b",
			MinConfidence: 0.3,
			MaxImageSize:  768,
		},
		Fetch: FetchConfig{
			Retries:        3,
			RetryDelayMs:   2000,
			TimeoutSeconds: 30,
			UserAgent:      "Image-Inpainter/1.0",
		},
		Server: ServerConfig{
			Addr:           ":8080",
			MaxUploadBytes: 20 << 20,
			MaxSessions:    100,
		},
		Output: OutputConfig{
			DefaultFormat: "png",
			OutputDir:     "./output",
			Prefix:        "",
			MaskSuffix:    "_mask",
			ResultSuffix:  "_inpainted",
			Quality:       90,
		},
	}
}

// LoadFromFile loads configuration from a JSON file. Fields missing from the
// file keep their default values.
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a JSON file
func (c *Config) SaveToFile(filename string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Analyzer.MinImageSize < 1 {
		return fmt.Errorf("analyzer.min_image_size must be positive")
	}

	if len(c.Analyzer.SupportedFormats) == 0 {
		return fmt.Errorf("analyzer.supported_formats cannot be empty")
	}

	if c.Display.MaxDimension < 1 || c.Display.CompactMaxDimension < 1 {
		return fmt.Errorf("display dimensions must be positive")
	}

	if c.Brush.Min <= 0 || c.Brush.Max < c.Brush.Min {
		return fmt.Errorf("brush.min must be positive and not above brush.max")
	}

	if c.Brush.Default < c.Brush.Min || c.Brush.Default > c.Brush.Max {
		return fmt.Errorf("brush.default must be between %g and %g", c.Brush.Min, c.Brush.Max)
	}

	if len(c.Mask.PassFactors) == 0 {
		return fmt.Errorf("mask.pass_factors cannot be empty")
	}
	for _, f := range c.Mask.PassFactors {
		if f <= 0 {
			return fmt.Errorf("mask.pass_factors must be positive")
		}
	}

	if c.Mask.Threshold == 0 {
		return fmt.Errorf("mask.threshold must be between 1 and 255")
	}

	switch c.Storage.Backend {
	case "local":
		if c.Storage.Dir == "" {
			return fmt.Errorf("storage.dir is required for the local backend")
		}
	case "bucket":
		if c.Storage.URL == "" || c.Storage.Bucket == "" {
			return fmt.Errorf("storage.url and storage.bucket are required for the bucket backend")
		}
	default:
		return fmt.Errorf("storage.backend must be local or bucket, got %q", c.Storage.Backend)
	}

	if c.Storage.TTLSeconds < 1 {
		return fmt.Errorf("storage.ttl_seconds must be positive")
	}

	if c.Inpaint.PollIntervalMs < 1 || c.Inpaint.TimeoutSeconds < 1 {
		return fmt.Errorf("inpaint.poll_interval_ms and inpaint.timeout_seconds must be positive")
	}

	switch c.Vision.Backend {
	case "", "ollama", "llamacpp":
	default:
		return fmt.Errorf("vision.backend must be ollama, llamacpp or empty, got %q", c.Vision.Backend)
	}

	if c.Vision.MinConfidence < 0 || c.Vision.MinConfidence > 1 {
		return fmt.Errorf("vision.min_confidence must be between 0 and 1")
	}

	if c.Fetch.Retries < 1 {
		return fmt.Errorf("fetch.retries must be at least 1")
	}

	if c.Output.Quality < 1 || c.Output.Quality > 100 {
		return fmt.Errorf("output.quality must be between 1 and 100")
	}

	return nil
}

// ResolveSecrets replaces "env:NAME" values with the content of the named
// environment variable
func (c *Config) ResolveSecrets() error {
	for _, field := range []*string{&c.Inpaint.APIToken, &c.Storage.APIKey, &c.Storage.SigningKey} {
		name, ok := strings.CutPrefix(*field, "env:")
		if !ok {
			continue
		}
		if name == "" {
			return fmt.Errorf("secret reference %q has no variable name", *field)
		}
		*field = os.Getenv(name)
	}
	return nil
}

// DisplayMax returns the longer-edge limit for the active layout
func (c *Config) DisplayMax() int {
	if c.Display.Compact {
		return c.Display.CompactMaxDimension
	}
	return c.Display.MaxDimension
}

// TTL returns the signed URL lifetime
func (s StorageConfig) TTL() time.Duration {
	return time.Duration(s.TTLSeconds) * time.Second
}

// PollInterval returns the delay between status polls
func (i InpaintConfig) PollInterval() time.Duration {
	return time.Duration(i.PollIntervalMs) * time.Millisecond
}

// Timeout returns the maximum time a prediction may take
func (i InpaintConfig) Timeout() time.Duration {
	return time.Duration(i.TimeoutSeconds) * time.Second
}

// RetryDelay returns the fixed delay between fetch attempts
func (f FetchConfig) RetryDelay() time.Duration {
	return time.Duration(f.RetryDelayMs) * time.Millisecond
}

// Timeout returns the per-attempt fetch timeout
func (f FetchConfig) Timeout() time.Duration {
	return time.Duration(f.TimeoutSeconds) * time.Second
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.json"
	}
	return filepath.Join(home, ".config", "image-inpainter", "config.json")
}

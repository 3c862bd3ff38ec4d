package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the memories recovery pipeline.
type Config struct {
	// Input settings (work item list produced by the export parser)
	Input InputConfig `yaml:"input" json:"input"`

	// Output settings
	Output OutputConfig `yaml:"output" json:"output"`

	// Download settings
	Download DownloadConfig `yaml:"download" json:"download"`

	// External tool settings (ffmpeg, exiftool)
	Tools ToolsConfig `yaml:"tools" json:"tools"`

	// Pipeline behaviour
	Pipeline PipelineConfig `yaml:"pipeline" json:"pipeline"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// InputConfig holds the contract with the external HTML-export parser.
type InputConfig struct {
	// ItemsFile is the parsed work item list (JSON array).
	ItemsFile string `yaml:"items_file" json:"items_file"`
}

// OutputConfig holds destination library settings.
type OutputConfig struct {
	Directory string `yaml:"directory" json:"directory"`
}

// DownloadConfig holds fetch settings.
type DownloadConfig struct {
	Workers           int           `yaml:"workers" json:"workers"`
	FetchTimeout      time.Duration `yaml:"fetch_timeout" json:"fetch_timeout"`
	RetryAttempts     int           `yaml:"retry_attempts" json:"retry_attempts"`
	RequestsPerMinute int           `yaml:"requests_per_minute" json:"requests_per_minute"`
	UserAgent         string        `yaml:"user_agent" json:"user_agent"`
	// Limit caps the number of items attempted in one run (0 = all).
	Limit int `yaml:"limit" json:"limit"`
}

// ToolsConfig holds external binary settings.
type ToolsConfig struct {
	FFmpegPath   string        `yaml:"ffmpeg_path" json:"ffmpeg_path"`
	ExiftoolPath string        `yaml:"exiftool_path" json:"exiftool_path"`
	ToolTimeout  time.Duration `yaml:"tool_timeout" json:"tool_timeout"`
	// RequireMetadata makes a missing exiftool a hard stage failure
	// instead of a skipped stage.
	RequireMetadata bool `yaml:"require_metadata" json:"require_metadata"`
}

// PipelineConfig holds run-level behaviour.
type PipelineConfig struct {
	Stages      []string `yaml:"stages" json:"stages"`
	DryRun      bool     `yaml:"dry_run" json:"dry_run"`
	RetryFailed bool     `yaml:"retry_failed" json:"retry_failed"`
	// RetryAll also re-attempts failures recorded with non-retryable
	// reasons (expired links).
	RetryAll bool `yaml:"retry_all" json:"retry_all"`
}

// Stage names accepted in PipelineConfig.Stages, in canonical order.
const (
	StageDownload = "download"
	StageMetadata = "metadata"
	StageCombine  = "combine"
	StageDedupe   = "dedupe"
)

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level" json:"level"`
	File  string `yaml:"file" json:"file"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	workers := runtime.NumCPU()
	if workers < 2 {
		workers = 2
	}
	return &Config{
		Input: InputConfig{},
		Output: OutputConfig{
			Directory: "./snapchat_memories",
		},
		Download: DownloadConfig{
			Workers:           workers,
			FetchTimeout:      60 * time.Second,
			RetryAttempts:     3,
			RequestsPerMinute: 0, // 0 = no throttle
			UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) " +
				"AppleWebKit/537.36 (KHTML, like Gecko) " +
				"Chrome/119.0.0.0 Safari/537.36",
		},
		Tools: ToolsConfig{
			FFmpegPath:      "ffmpeg",
			ExiftoolPath:    "exiftool",
			ToolTimeout:     5 * time.Minute,
			RequireMetadata: false,
		},
		Pipeline: PipelineConfig{
			Stages: []string{StageDownload, StageMetadata, StageCombine, StageDedupe},
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadFromEnv loads configuration from SNAPRESCUE_* environment variables.
// A .env file in the working directory is honoured when present.
func (c *Config) LoadFromEnv() error {
	_ = godotenv.Load() // missing .env is fine

	if v := os.Getenv("SNAPRESCUE_ITEMS_FILE"); v != "" {
		c.Input.ItemsFile = v
	}
	if v := os.Getenv("SNAPRESCUE_OUTPUT_DIR"); v != "" {
		c.Output.Directory = v
	}
	if v := os.Getenv("SNAPRESCUE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Download.Workers = n
		}
	}
	if v := os.Getenv("SNAPRESCUE_REQUESTS_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.Download.RequestsPerMinute = n
		}
	}
	if v := os.Getenv("SNAPRESCUE_USER_AGENT"); v != "" {
		c.Download.UserAgent = v
	}
	if v := os.Getenv("SNAPRESCUE_FFMPEG"); v != "" {
		c.Tools.FFmpegPath = v
	}
	if v := os.Getenv("SNAPRESCUE_EXIFTOOL"); v != "" {
		c.Tools.ExiftoolPath = v
	}
	if v := os.Getenv("SNAPRESCUE_REQUIRE_METADATA"); v != "" {
		c.Tools.RequireMetadata = strings.ToLower(v) == "true"
	}
	if v := os.Getenv("SNAPRESCUE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file. An empty path checks
// the default locations and is not an error when nothing is found.
func (c *Config) LoadFromFile(path string) error {
	if path == "" {
		path = c.findConfigFile()
		if path == "" {
			return nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// findConfigFile searches for a config file in standard locations.
func (c *Config) findConfigFile() string {
	locations := []string{
		".snaprescue.yaml",
		".snaprescue.yml",
		filepath.Join(os.Getenv("HOME"), ".config", "snaprescue", "config.yaml"),
		filepath.Join(os.Getenv("HOME"), ".config", "snaprescue", "config.yml"),
	}

	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc
		}
	}

	return ""
}

// ApplyFlags overrides configuration with command-line flag values.
func (c *Config) ApplyFlags(flags map[string]interface{}) {
	for key, value := range flags {
		switch key {
		case "items":
			if v, ok := value.(string); ok {
				c.Input.ItemsFile = v
			}
		case "output":
			if v, ok := value.(string); ok {
				c.Output.Directory = v
			}
		case "workers":
			if v, ok := value.(int); ok && v > 0 {
				c.Download.Workers = v
			}
		case "limit":
			if v, ok := value.(int); ok && v >= 0 {
				c.Download.Limit = v
			}
		case "rate-limit":
			if v, ok := value.(int); ok && v >= 0 {
				c.Download.RequestsPerMinute = v
			}
		case "dry-run":
			if v, ok := value.(bool); ok {
				c.Pipeline.DryRun = v
			}
		case "retry-failed":
			if v, ok := value.(bool); ok {
				c.Pipeline.RetryFailed = v
			}
		case "retry-all-failed":
			if v, ok := value.(bool); ok {
				c.Pipeline.RetryAll = v
				if v {
					c.Pipeline.RetryFailed = true
				}
			}
		case "stages":
			if v, ok := value.([]string); ok && len(v) > 0 {
				c.Pipeline.Stages = v
			}
		case "require-metadata":
			if v, ok := value.(bool); ok {
				c.Tools.RequireMetadata = v
			}
		case "log-level":
			if v, ok := value.(string); ok && v != "" {
				c.Logging.Level = v
			}
		}
	}
}

// Load builds the effective configuration: defaults, then environment,
// then the config file, then command-line flags.
func Load(configFile string, flags map[string]interface{}) (*Config, error) {
	cfg := DefaultConfig()

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	if err := cfg.LoadFromFile(configFile); err != nil {
		return nil, err
	}
	cfg.ApplyFlags(flags)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validStages = map[string]bool{
	StageDownload: true,
	StageMetadata: true,
	StageCombine:  true,
	StageDedupe:   true,
}

// Validate checks the configuration, aggregating all problems found.
func (c *Config) Validate() error {
	var errs []error

	if c.Output.Directory == "" {
		errs = append(errs, errors.New("output directory is required"))
	}
	if c.Download.Workers <= 0 {
		errs = append(errs, errors.New("workers must be positive"))
	}
	if c.Download.FetchTimeout <= 0 {
		errs = append(errs, errors.New("fetch timeout must be positive"))
	}
	if c.Download.RetryAttempts < 0 {
		errs = append(errs, errors.New("retry attempts cannot be negative"))
	}
	if c.Download.RequestsPerMinute < 0 {
		errs = append(errs, errors.New("requests per minute cannot be negative"))
	}
	if c.Tools.ToolTimeout <= 0 {
		errs = append(errs, errors.New("tool timeout must be positive"))
	}
	if len(c.Pipeline.Stages) == 0 {
		errs = append(errs, errors.New("at least one stage must be selected"))
	}
	for _, s := range c.Pipeline.Stages {
		if !validStages[s] {
			errs = append(errs, fmt.Errorf("unknown stage %q", s))
		}
	}

	if len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, err := range errs {
			msgs[i] = err.Error()
		}
		return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
	}
	return nil
}

package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config represents the main application configuration structure
// containing all configuration sections
type Config struct {
	Server        ServerConfig        `toml:"server"`        // HTTP server settings
	Logging       LoggingConfig       `toml:"logging"`       // Application logging settings
	Device        DeviceConfig        `toml:"device"`        // Compute device visibility and defaults
	Transcription TranscriptionConfig `toml:"transcription"` // Engine and model settings
	Upload        UploadConfig        `toml:"upload"`        // Multipart upload staging
	Fetch         FetchConfig         `toml:"fetch"`         // Remote audio download settings
	Metrics       MetricsConfig       `toml:"metrics"`       // Prometheus metrics endpoint
}

// ServerConfig contains HTTP server configuration settings
type ServerConfig struct {
	Port               int      `toml:"port"`                  // HTTP port for the server
	Host               string   `toml:"host"`                  // Host address to bind to (0.0.0.0 for all interfaces)
	AdditionalPorts    []int    `toml:"additional_ports"`      // Extra ports served by the same router
	CORSAllowedOrigins []string `toml:"cors_allowed_origins"`  // List of origins allowed for CORS requests (use ["*"] for all origins)
	ReadTimeoutSecs    int      `toml:"read_timeout_seconds"`  // Maximum duration for reading the entire request (0 = no timeout)
	WriteTimeoutSecs   int      `toml:"write_timeout_seconds"` // Maximum duration for writing the response (0 = no timeout, inference can be slow)
	IdleTimeoutSecs    int      `toml:"idle_timeout_seconds"`  // Maximum duration to wait for the next request when keep-alives are enabled
	ShutdownTimeoutSec int      `toml:"shutdown_timeout_seconds"`
}

// LoggingConfig contains application logging configuration
type LoggingConfig struct {
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", or "error"
	Format string `toml:"format"` // Log format: "json" (structured) or "console" (human-readable)
}

// DeviceConfig controls which accelerators the service may use
type DeviceConfig struct {
	Default     string `toml:"default"`      // Device used when a request gives none: "auto", "cuda", "mps" or "cpu"
	DisableCUDA bool   `toml:"disable_cuda"` // Hide CUDA devices even if present
	DisableMPS  bool   `toml:"disable_mps"`  // Hide Apple MPS even if present
}

// TranscriptionConfig contains settings for the transcription engine
type TranscriptionConfig struct {
	DefaultModel   string   `toml:"default_model"`   // Model used when a request gives none (e.g. "base")
	Models         []string `toml:"models"`          // Model identifiers accepted by the service
	PythonPath     string   `toml:"python_path"`     // Interpreter used to run the engine worker
	WorkerScript   string   `toml:"worker_script"`   // Optional override of the embedded worker script
	ModelCacheDir  string   `toml:"model_cache_dir"` // Directory where the engine downloads weights (empty = engine default)
	LoadTimeoutSec int      `toml:"load_timeout_seconds"`
}

// UploadConfig contains settings for staging uploaded audio
type UploadConfig struct {
	TempDir     string `toml:"temp_dir"`      // Directory for staged audio (empty = OS temp dir)
	MaxUploadMB int    `toml:"max_upload_mb"` // Maximum accepted upload size in megabytes
}

// FetchConfig contains settings for downloading audio from URLs
type FetchConfig struct {
	TimeoutSeconds int    `toml:"timeout_seconds"` // HTTP timeout for the download
	MaxDownloadMB  int    `toml:"max_download_mb"` // Maximum accepted download size in megabytes
	UserAgent      string `toml:"user_agent"`      // User-Agent header sent with the download
}

// MetricsConfig toggles the /metrics endpoint
type MetricsConfig struct {
	Enabled bool `toml:"enabled"`
}

// DefaultModels is the fixed set of whisper model identifiers
var DefaultModels = []string{"tiny", "base", "small", "medium", "large", "large-v2", "large-v3"}

// RequiredModels must always be offered; a configured models list may add to
// them but not drop any
var RequiredModels = []string{"tiny", "base", "small", "medium", "large"}

// Default returns a configuration with every field set to its default value
func Default() *Config {
	c := &Config{
		Metrics: MetricsConfig{Enabled: true},
	}
	// Validate only fills defaults on an empty config, it cannot fail here
	_ = c.Validate()
	return c
}

// Load loads the configuration from the specified file path
func Load(path string) (*Config, error) {
	config := Config{
		Metrics: MetricsConfig{Enabled: true},
	}

	// Check if the file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	// Read the config file
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}

	return &config, nil
}

// ErrNoConfigFile is returned by LoadWithFallback when none of the search paths exist
var ErrNoConfigFile = errors.New("no config file found")

// LoadWithFallback loads the configuration by checking multiple locations in order of preference.
// When no file exists and no explicit path was given, defaults are returned.
func LoadWithFallback(preferredPath string) (*Config, error) {
	// List of paths to check in order of preference
	searchPaths := []string{
		preferredPath,         // User-specified path (if provided)
		"configs/config.toml", // configs/ folder
		"config.toml",         // Root directory
	}

	// Remove duplicates while preserving order
	uniquePaths := make([]string, 0, len(searchPaths))
	seen := make(map[string]bool)
	for _, path := range searchPaths {
		if path != "" && !seen[path] {
			uniquePaths = append(uniquePaths, path)
			seen[path] = true
		}
	}

	for _, path := range uniquePaths {
		if _, err := os.Stat(path); err == nil {
			config, err := Load(path)
			if err != nil {
				return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
			}
			return config, nil
		}
	}

	if preferredPath != "" {
		return nil, fmt.Errorf("%w: %s", ErrNoConfigFile, preferredPath)
	}

	return Default(), nil
}

// ApplyEnv overrides server settings from HOST and PORT
func (c *Config) ApplyEnv() error {
	if host := strings.TrimSpace(os.Getenv("HOST")); host != "" {
		c.Server.Host = host
	}
	if portStr := strings.TrimSpace(os.Getenv("PORT")); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return fmt.Errorf("invalid PORT environment variable %q: %w", portStr, err)
		}
		c.Server.Port = port
	}
	return nil
}

// Validate validates the configuration and fills defaults for unset values
func (c *Config) Validate() error {
	if err := c.validateServer(); err != nil {
		return err
	}

	// Validate logging config
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		// Valid log level
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
		// Valid log format
	default:
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	// Validate device config
	if c.Device.Default == "" {
		c.Device.Default = "auto"
	}
	switch c.Device.Default {
	case "auto", "cuda", "mps", "cpu":
	default:
		return fmt.Errorf("invalid default device: %s (must be 'auto', 'cuda', 'mps' or 'cpu')", c.Device.Default)
	}

	if err := c.validateTranscription(); err != nil {
		return err
	}

	// Validate upload config
	if c.Upload.MaxUploadMB == 0 {
		c.Upload.MaxUploadMB = 200
	}
	if c.Upload.MaxUploadMB < 0 {
		return fmt.Errorf("invalid max_upload_mb: %d", c.Upload.MaxUploadMB)
	}
	if c.Upload.TempDir != "" {
		if fi, err := os.Stat(c.Upload.TempDir); err != nil || !fi.IsDir() {
			return fmt.Errorf("upload temp_dir does not exist or is not a directory: %s", c.Upload.TempDir)
		}
	}

	// Validate fetch config
	if c.Fetch.TimeoutSeconds == 0 {
		c.Fetch.TimeoutSeconds = 30
	}
	if c.Fetch.TimeoutSeconds < 0 {
		return fmt.Errorf("invalid fetch timeout_seconds: %d", c.Fetch.TimeoutSeconds)
	}
	if c.Fetch.MaxDownloadMB == 0 {
		c.Fetch.MaxDownloadMB = c.Upload.MaxUploadMB
	}
	if c.Fetch.MaxDownloadMB < 0 {
		return fmt.Errorf("invalid max_download_mb: %d", c.Fetch.MaxDownloadMB)
	}
	if c.Fetch.UserAgent == "" {
		c.Fetch.UserAgent = "whisper-gateway"
	}

	return nil
}

func (c *Config) validateServer() error {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	for _, p := range c.Server.AdditionalPorts {
		if p <= 0 || p > 65535 || p == c.Server.Port {
			return fmt.Errorf("invalid additional port: %d", p)
		}
	}
	if c.Server.ReadTimeoutSecs < 0 || c.Server.WriteTimeoutSecs < 0 || c.Server.IdleTimeoutSecs < 0 {
		return fmt.Errorf("server timeouts must be >= 0")
	}
	if c.Server.IdleTimeoutSecs == 0 {
		c.Server.IdleTimeoutSecs = 120
	}
	if c.Server.ShutdownTimeoutSec <= 0 {
		c.Server.ShutdownTimeoutSec = 10
	}
	return nil
}

func (c *Config) validateTranscription() error {
	t := &c.Transcription
	if len(t.Models) == 0 {
		t.Models = append([]string(nil), DefaultModels...)
	}
	if t.DefaultModel == "" {
		t.DefaultModel = "base"
	}

	for _, m := range RequiredModels {
		if !slices.Contains(t.Models, m) {
			return fmt.Errorf("models %v must include %q", t.Models, m)
		}
	}
	if !slices.Contains(t.Models, t.DefaultModel) {
		return fmt.Errorf("default_model %q is not in the configured models %v", t.DefaultModel, t.Models)
	}

	if t.PythonPath == "" {
		t.PythonPath = "python3"
	}
	if t.WorkerScript != "" {
		if _, err := os.Stat(t.WorkerScript); err != nil {
			return fmt.Errorf("worker_script not found: %s", t.WorkerScript)
		}
	}
	if t.LoadTimeoutSec < 0 {
		return fmt.Errorf("invalid load_timeout_seconds: %d", t.LoadTimeoutSec)
	}
	if t.LoadTimeoutSec == 0 {
		t.LoadTimeoutSec = 1800 // first use may download several GB of weights
	}
	return nil
}

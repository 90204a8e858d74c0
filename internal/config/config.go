// Package config provides configuration management for modelkeeper.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/ini.v1"

	"github.com/modelkeeper/modelkeeper/internal/constants"
)

// EnvAPIKey overrides the api_key from the config file when set.
const EnvAPIKey = "MODELKEEPER_API_KEY"

// Config is the full modelkeeper configuration.
//
// Config file location:
//   - Windows: %USERPROFILE%\.config\modelkeeper\config.ini
//   - Unix: ~/.config/modelkeeper/config.ini
//
// INI format:
//
//	[api]
//	base_url = https://civitai.com/api/v1
//	api_key = <token>
//	requests_per_second = 0
//	burst = 4
//	request_retries = 2
//
//	[transfer]
//	resume = true
//	chunk_size = 8192
//	size_tolerance = 0.1
//	batch_workers = 10
//	batch_progress_interval_ms = 100
//	file_progress_interval_ms = 2000
//	check_disk_space = true
//
//	[notifications]
//	enabled = true
//
//	[logging]
//	level = info
//	file =
type Config struct {
	API           APIConfig
	Transfer      TransferSettings
	Notifications NotificationConfig
	Logging       LoggingConfig
}

// APIConfig holds the remote content API connection settings.
type APIConfig struct {
	BaseURL   string
	APIKey    string
	UserAgent string

	// RequestsPerSecond throttles outbound requests. 0 disables throttling.
	RequestsPerSecond float64
	Burst             int

	// RequestRetries is the retry count of the request layer, below the
	// transfer retry policies.
	RequestRetries int
}

// TransferSettings tunes the download engine.
type TransferSettings struct {
	// ResumeEnabled continues partial files with a byte range request.
	ResumeEnabled bool

	// ChunkSize is the read/write buffer of a single transfer.
	ChunkSize int

	// SizeTolerance is the allowed relative deviation between expected and
	// actual size.
	SizeTolerance float64

	// BatchWorkers is the worker pool size for image batches.
	BatchWorkers int

	BatchProgressInterval time.Duration
	FileProgressInterval  time.Duration

	// CheckDiskSpace enables a free space check before writing.
	CheckDiskSpace bool
}

// NotificationConfig contains settings for user-facing notifications.
type NotificationConfig struct {
	Enabled bool
}

// LoggingConfig controls log level and the optional log file.
type LoggingConfig struct {
	Level string
	File  string
}

// Validation errors
var (
	ErrMissingBaseURL        = errors.New("api.base_url is required")
	ErrInvalidChunkSize      = fmt.Errorf("transfer.chunk_size must be between 1 and %d", constants.MaxChunkSize)
	ErrInvalidSizeTolerance  = errors.New("transfer.size_tolerance must be between 0 and 1")
	ErrInvalidBatchWorkers   = fmt.Errorf("transfer.batch_workers must be between 1 and %d", constants.MaxBatchWorkers)
	ErrInvalidInterval       = errors.New("progress intervals must be positive")
	ErrInvalidRequestRate    = errors.New("api.requests_per_second must not be negative")
	ErrInvalidRequestRetries = errors.New("api.request_retries must not be negative")
)

// DefaultTransferSettings returns the engine defaults.
func DefaultTransferSettings() TransferSettings {
	return TransferSettings{
		ResumeEnabled:         true,
		ChunkSize:             constants.DefaultChunkSize,
		SizeTolerance:         constants.DefaultSizeTolerance,
		BatchWorkers:          constants.DefaultBatchWorkers,
		BatchProgressInterval: constants.BatchProgressInterval,
		FileProgressInterval:  constants.FileProgressInterval,
		CheckDiskSpace:        true,
	}
}

// NewConfig creates a new Config with default values.
func NewConfig() *Config {
	return &Config{
		API: APIConfig{
			BaseURL:           "https://civitai.com/api/v1",
			UserAgent:         constants.AppName + "/" + constants.Version,
			RequestsPerSecond: constants.DefaultRequestsPerSecond,
			Burst:             constants.DefaultRequestBurst,
			RequestRetries:    constants.RequestRetryMax,
		},
		Transfer:      DefaultTransferSettings(),
		Notifications: NotificationConfig{Enabled: true},
		Logging:       LoggingConfig{Level: "info"},
	}
}

// DefaultConfigPath returns the default path for the config file.
func DefaultConfigPath() (string, error) {
	var configDir string

	if runtime.GOOS == "windows" {
		userProfile := os.Getenv("USERPROFILE")
		if userProfile == "" {
			return "", errors.New("USERPROFILE environment variable not set")
		}
		configDir = filepath.Join(userProfile, ".config", constants.AppName)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		configDir = filepath.Join(home, ".config", constants.AppName)
	}

	return filepath.Join(configDir, constants.ConfigFileName), nil
}

// Load loads configuration from an INI file.
// If the file doesn't exist, returns a config with default values and no error.
// If the file exists but is invalid, returns an error.
// The MODELKEEPER_API_KEY environment variable takes precedence over the file.
func Load(path string) (*Config, error) {
	cfg := NewConfig()
	defer cfg.applyEnv()

	if path == "" {
		var err error
		path, err = DefaultConfigPath()
		if err != nil {
			return cfg, nil
		}
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	iniFile, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	api := iniFile.Section("api")
	cfg.API.BaseURL = api.Key("base_url").MustString(cfg.API.BaseURL)
	cfg.API.APIKey = api.Key("api_key").String()
	cfg.API.UserAgent = api.Key("user_agent").MustString(cfg.API.UserAgent)
	cfg.API.RequestsPerSecond = api.Key("requests_per_second").MustFloat64(cfg.API.RequestsPerSecond)
	cfg.API.Burst = api.Key("burst").MustInt(cfg.API.Burst)
	cfg.API.RequestRetries = api.Key("request_retries").MustInt(cfg.API.RequestRetries)

	tr := iniFile.Section("transfer")
	cfg.Transfer.ResumeEnabled = tr.Key("resume").MustBool(cfg.Transfer.ResumeEnabled)
	cfg.Transfer.ChunkSize = tr.Key("chunk_size").MustInt(cfg.Transfer.ChunkSize)
	cfg.Transfer.SizeTolerance = tr.Key("size_tolerance").MustFloat64(cfg.Transfer.SizeTolerance)
	cfg.Transfer.BatchWorkers = tr.Key("batch_workers").MustInt(cfg.Transfer.BatchWorkers)
	cfg.Transfer.BatchProgressInterval = millis(tr.Key("batch_progress_interval_ms"), cfg.Transfer.BatchProgressInterval)
	cfg.Transfer.FileProgressInterval = millis(tr.Key("file_progress_interval_ms"), cfg.Transfer.FileProgressInterval)
	cfg.Transfer.CheckDiskSpace = tr.Key("check_disk_space").MustBool(cfg.Transfer.CheckDiskSpace)

	cfg.Notifications.Enabled = iniFile.Section("notifications").Key("enabled").MustBool(true)

	logSection := iniFile.Section("logging")
	cfg.Logging.Level = logSection.Key("level").MustString(cfg.Logging.Level)
	cfg.Logging.File = logSection.Key("file").String()

	return cfg, nil
}

func millis(key *ini.Key, def time.Duration) time.Duration {
	return time.Duration(key.MustInt64(def.Milliseconds())) * time.Millisecond
}

func (cfg *Config) applyEnv() {
	if key := strings.TrimSpace(os.Getenv(EnvAPIKey)); key != "" {
		cfg.API.APIKey = key
	}
}

// Save writes configuration to an INI file.
// Creates parent directories if they don't exist.
// The API key is stored in the file - ensure appropriate file permissions.
func Save(cfg *Config, path string) error {
	if path == "" {
		var err error
		path, err = DefaultConfigPath()
		if err != nil {
			return fmt.Errorf("failed to determine config path: %w", err)
		}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	iniFile := ini.Empty()

	api, err := iniFile.NewSection("api")
	if err != nil {
		return fmt.Errorf("failed to create api section: %w", err)
	}
	api.Key("base_url").SetValue(cfg.API.BaseURL)
	api.Key("api_key").SetValue(cfg.API.APIKey)
	api.Key("user_agent").SetValue(cfg.API.UserAgent)
	api.Key("requests_per_second").SetValue(fmt.Sprintf("%g", cfg.API.RequestsPerSecond))
	api.Key("burst").SetValue(fmt.Sprintf("%d", cfg.API.Burst))
	api.Key("request_retries").SetValue(fmt.Sprintf("%d", cfg.API.RequestRetries))

	tr, err := iniFile.NewSection("transfer")
	if err != nil {
		return fmt.Errorf("failed to create transfer section: %w", err)
	}
	tr.Key("resume").SetValue(fmt.Sprintf("%t", cfg.Transfer.ResumeEnabled))
	tr.Key("chunk_size").SetValue(fmt.Sprintf("%d", cfg.Transfer.ChunkSize))
	tr.Key("size_tolerance").SetValue(fmt.Sprintf("%g", cfg.Transfer.SizeTolerance))
	tr.Key("batch_workers").SetValue(fmt.Sprintf("%d", cfg.Transfer.BatchWorkers))
	tr.Key("batch_progress_interval_ms").SetValue(fmt.Sprintf("%d", cfg.Transfer.BatchProgressInterval.Milliseconds()))
	tr.Key("file_progress_interval_ms").SetValue(fmt.Sprintf("%d", cfg.Transfer.FileProgressInterval.Milliseconds()))
	tr.Key("check_disk_space").SetValue(fmt.Sprintf("%t", cfg.Transfer.CheckDiskSpace))

	notifySection, err := iniFile.NewSection("notifications")
	if err != nil {
		return fmt.Errorf("failed to create notifications section: %w", err)
	}
	notifySection.Key("enabled").SetValue(fmt.Sprintf("%t", cfg.Notifications.Enabled))

	logSection, err := iniFile.NewSection("logging")
	if err != nil {
		return fmt.Errorf("failed to create logging section: %w", err)
	}
	logSection.Key("level").SetValue(cfg.Logging.Level)
	logSection.Key("file").SetValue(cfg.Logging.File)

	// Temporary file + rename for atomicity
	tmpPath := path + ".tmp"
	if err := iniFile.SaveTo(tmpPath); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	// API key is sensitive
	if runtime.GOOS != "windows" {
		if err := os.Chmod(tmpPath, 0600); err != nil {
			os.Remove(tmpPath)
			return fmt.Errorf("failed to set config permissions: %w", err)
		}
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to save config: %w", err)
	}

	return nil
}

// Validate checks if the configuration is usable.
func (cfg *Config) Validate() error {
	if strings.TrimSpace(cfg.API.BaseURL) == "" {
		return ErrMissingBaseURL
	}
	if cfg.API.RequestsPerSecond < 0 {
		return ErrInvalidRequestRate
	}
	if cfg.API.RequestRetries < 0 {
		return ErrInvalidRequestRetries
	}
	return cfg.Transfer.Validate()
}

// Validate checks the transfer settings.
func (s TransferSettings) Validate() error {
	if s.ChunkSize < 1 || s.ChunkSize > constants.MaxChunkSize {
		return ErrInvalidChunkSize
	}
	if s.SizeTolerance < 0 || s.SizeTolerance > 1 {
		return ErrInvalidSizeTolerance
	}
	if s.BatchWorkers < 1 || s.BatchWorkers > constants.MaxBatchWorkers {
		return ErrInvalidBatchWorkers
	}
	if s.BatchProgressInterval <= 0 || s.FileProgressInterval <= 0 {
		return ErrInvalidInterval
	}
	return nil
}

// MaskedAPIKey returns the API key with all but the last four characters hidden.
func (cfg *Config) MaskedAPIKey() string {
	key := cfg.API.APIKey
	if key == "" {
		return "(not set)"
	}
	if len(key) <= 4 {
		return strings.Repeat("*", len(key))
	}
	return strings.Repeat("*", len(key)-4) + key[len(key)-4:]
}

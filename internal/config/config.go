package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	// Download
	MaxConcurrentDownloads int           // Global part-level worker budget (default: 3)
	RetryCount             int           // Transient retries per part (default: 3)
	FlushBytes             int64         // Resume offset flushed after this many bytes (default: 1 MiB)
	FlushInterval          time.Duration // ... or after this long, whichever first (default: 2s)
	StuckTimeout           time.Duration // Downloads with no progress this long are failed (default: 30m)

	// Progress
	ProgressInterval time.Duration // Progress snapshots published at most this often (default: 500ms)

	// Merge
	MergeToolPath string // ffmpeg binary used to combine parts

	// Server
	ServerPort string

	// Paths
	DownloadPath   string // Root of the category tree
	ScratchDir     string // Partial files live here until merge succeeds
	DatabaseFile   string // $CONFIG_DIR/bilidown.db
	CategoriesFile string // $CONFIG_DIR/categories.yaml
	PatternsFile   string // $CONFIG_DIR/patterns.txt, extra series part markers
	LogFile        string // Optional rotating log file

	// Logging
	LogLevel string
}

// Load loads configuration from environment variables and .env file
func Load() (*Config, error) {
	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")
	viper.AutomaticEnv()

	// Load .env file if it exists (ignore if not found)
	_ = viper.ReadInConfig()

	// Set defaults
	viper.SetDefault("MAX_CONCURRENT_DOWNLOADS", 3)
	viper.SetDefault("RETRY_COUNT", 3)
	viper.SetDefault("FLUSH_BYTES", 1<<20)
	viper.SetDefault("FLUSH_INTERVAL_SECONDS", 2)
	viper.SetDefault("STUCK_TIMEOUT_MINUTES", 30)
	viper.SetDefault("PROGRESS_INTERVAL_MS", 500)
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("MERGE_TOOL_PATH", "ffmpeg")

	configDir := viper.GetString("CONFIG_DIR")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configDir = filepath.Join(homeDir, ".config", "bilidown")
	} else {
		absPath, err := filepath.Abs(configDir)
		if err != nil {
			return nil, fmt.Errorf("failed to get absolute path for CONFIG_DIR: %w", err)
		}
		configDir = absPath
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	downloadPath := viper.GetString("DOWNLOAD_PATH")
	if downloadPath == "" {
		downloadPath = filepath.Join(configDir, "data")
	}

	scratchDir := viper.GetString("SCRATCH_DIR")
	if scratchDir == "" {
		scratchDir = filepath.Join(configDir, "cache")
	}

	config := &Config{
		MaxConcurrentDownloads: viper.GetInt("MAX_CONCURRENT_DOWNLOADS"),
		RetryCount:             viper.GetInt("RETRY_COUNT"),
		FlushBytes:             viper.GetInt64("FLUSH_BYTES"),
		FlushInterval:          time.Duration(viper.GetInt("FLUSH_INTERVAL_SECONDS")) * time.Second,
		StuckTimeout:           time.Duration(viper.GetInt("STUCK_TIMEOUT_MINUTES")) * time.Minute,

		ProgressInterval: time.Duration(viper.GetInt("PROGRESS_INTERVAL_MS")) * time.Millisecond,

		MergeToolPath: viper.GetString("MERGE_TOOL_PATH"),

		ServerPort: viper.GetString("SERVER_PORT"),

		DownloadPath:   downloadPath,
		ScratchDir:     scratchDir,
		DatabaseFile:   filepath.Join(configDir, "bilidown.db"),
		CategoriesFile: filepath.Join(configDir, "categories.yaml"),
		PatternsFile:   filepath.Join(configDir, "patterns.txt"),
		LogFile:        viper.GetString("LOG_FILE"),

		LogLevel: viper.GetString("LOG_LEVEL"),
	}

	// Validate
	if config.MaxConcurrentDownloads < 1 {
		return nil, fmt.Errorf("MAX_CONCURRENT_DOWNLOADS must be at least 1")
	}
	if config.FlushBytes < 1 {
		return nil, fmt.Errorf("FLUSH_BYTES must be positive")
	}
	if config.ProgressInterval <= 0 {
		return nil, fmt.Errorf("PROGRESS_INTERVAL_MS must be positive")
	}

	for _, dir := range []string{config.DownloadPath, config.ScratchDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return config, nil
}

package core

import (
	"fmt"
	"net"
	"os"
	"time"

	"diffusion_backend/sdruntime"
)

// Config holds application-level settings plus the sampler configuration.
type Config struct {
	// Runtime
	DevMode bool   // DEV_MODE: debug logging with a colored console encoder
	LogFile string // LOG_FILE: rotating JSON log; empty disables file logging

	// Storage
	DBPath    string // SD_DB_PATH: run history database
	OutputDir string // SD_OUTPUT_DIR: default directory for CLI images

	// HTTP server
	ListenAddr      string        // SD_LISTEN_ADDR
	ShutdownTimeout time.Duration // SD_SHUTDOWN_TIMEOUT_SECONDS
	HistoryQueue    int           // SD_HISTORY_QUEUE: buffered run records awaiting storage
	RetentionDays   int           // SD_HISTORY_RETENTION_DAYS: 0 keeps history forever
	RateLimit       int           // SD_RATE_LIMIT: generate requests per client per minute, 0 disables

	// Sampler
	SDConfigFile string // SD_CONFIG_FILE: optional YAML overlay
	SD           *sdruntime.SDConfig
}

// Configuration defaults
const (
	DefaultListenAddr             = ":8080"
	DefaultShutdownTimeoutSeconds = 30
	DefaultHistoryQueue           = 100
	DefaultRetentionDays          = 30
	DefaultDBFile                 = "history.db"
	DefaultLogFile                = "diffusion_backend.log"
	DefaultOutputDir              = "outputs"
)

// LoadConfig reads the environment (after .env has been loaded by main) and
// the optional SD_CONFIG_FILE overlay. Storage defaults live in the per-user
// data directory.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		DevMode:         ParseBoolEnv("DEV_MODE", false),
		LogFile:         GetEnvOrDefault("LOG_FILE", GetDataFilePath(DefaultLogFile)),
		DBPath:          GetEnvOrDefault("SD_DB_PATH", GetDataFilePath(DefaultDBFile)),
		OutputDir:       GetEnvOrDefault("SD_OUTPUT_DIR", DefaultOutputDir),
		ListenAddr:      GetEnvOrDefault("SD_LISTEN_ADDR", DefaultListenAddr),
		ShutdownTimeout: ParseDurationEnv("SD_SHUTDOWN_TIMEOUT_SECONDS", DefaultShutdownTimeoutSeconds),
		HistoryQueue:    ParseIntEnv("SD_HISTORY_QUEUE", DefaultHistoryQueue),
		RetentionDays:   ParseIntEnv("SD_HISTORY_RETENTION_DAYS", DefaultRetentionDays),
		RateLimit:       ParseIntEnv("SD_RATE_LIMIT", 0),
		SDConfigFile:    os.Getenv("SD_CONFIG_FILE"),
	}
	if os.Getenv("LOG_FILE") == "off" {
		cfg.LogFile = ""
	}

	source := "environment"
	if cfg.SDConfigFile != "" {
		source = cfg.SDConfigFile
	}
	sd, err := sdruntime.LoadSDConfigFile(cfg.SDConfigFile)
	if err != nil {
		return nil, ErrInvalidSamplerConfig(source, err)
	}
	cfg.SD = sd

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings that commands depend on. Errors are
// *ConfigError values.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return ErrMissingConfig("SD_DB_PATH")
	}
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return ErrInvalidListenAddr(c.ListenAddr, err)
	}
	if c.HistoryQueue < 1 {
		return &ConfigError{
			Code:    ErrCodeMissingConfig,
			Message: fmt.Sprintf("SD_HISTORY_QUEUE must be positive, got %d", c.HistoryQueue),
			Action:  "Unset SD_HISTORY_QUEUE or set it to a positive number",
		}
	}
	if c.RetentionDays < 0 {
		return &ConfigError{
			Code:    ErrCodeMissingConfig,
			Message: fmt.Sprintf("SD_HISTORY_RETENTION_DAYS must not be negative, got %d", c.RetentionDays),
			Action:  "Set SD_HISTORY_RETENTION_DAYS to 0 to keep history forever",
		}
	}
	if c.RateLimit < 0 {
		c.RateLimit = 0
	}
	if c.SD == nil {
		return ErrMissingConfig("sampler configuration")
	}
	source := "environment"
	if c.SDConfigFile != "" {
		source = c.SDConfigFile
	}
	if err := c.SD.Validate(); err != nil {
		return ErrInvalidSamplerConfig(source, err)
	}
	return nil
}

// EnsureOutputDir creates the output directory.
func (c *Config) EnsureOutputDir() (string, error) {
	if err := os.MkdirAll(c.OutputDir, 0o755); err != nil {
		return "", ErrOutputDir(c.OutputDir, err)
	}
	return c.OutputDir, nil
}

package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Config holds all runtime configuration parameters
type Config struct {
	DBPath               string `json:"db_path"`
	CookieFile           string `json:"cookie_file"`
	CheckpointFile       string `json:"checkpoint_file"`
	ExportDir            string `json:"export_dir"`
	MetricsPath          string `json:"metrics_path"`
	BaseKeywordsFile     string `json:"base_keywords_file"`
	ExtendKeywordsFile   string `json:"extend_keywords_file"`
	NegativeKeywordsFile string `json:"negative_keywords_file"`
	CrawlDelayMinMs      int    `json:"crawl_delay_min_ms"`
	CrawlDelayMaxMs      int    `json:"crawl_delay_max_ms"`
	RequestTimeoutMs     int    `json:"request_timeout_ms"`
	RetryAttempts        int    `json:"retry_attempts"`
	LoginTimeoutSec      int    `json:"login_timeout_sec"`
}

// Credentials are the seller account login details, read from the environment
// rather than the config file so they stay out of version control.
type Credentials struct {
	LoginID  string
	Password string
}

// LoadConfig reads and validates configuration from a JSON file
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	var cfg Config
	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	// Apply defaults for missing values
	applyDefaults(&cfg)

	// Validate configuration
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// LoadCredentials reads the login details from the environment. godotenv is
// expected to have populated it from .env already.
func LoadCredentials() (*Credentials, error) {
	id := os.Getenv("ALISPIDER_LOGIN_ID")
	password := os.Getenv("ALISPIDER_LOGIN_PASSWORD")
	if id == "" || password == "" {
		return nil, fmt.Errorf("ALISPIDER_LOGIN_ID and ALISPIDER_LOGIN_PASSWORD must be set")
	}
	return &Credentials{LoginID: id, Password: password}, nil
}

// applyDefaults sets default values for unspecified fields
func applyDefaults(cfg *Config) {
	if cfg.DBPath == "" {
		cfg.DBPath = "data/alispider.db"
	}
	if cfg.CookieFile == "" {
		cfg.CookieFile = "data/cookies.json"
	}
	if cfg.CheckpointFile == "" {
		cfg.CheckpointFile = "data/checkpoint.jsonl"
	}
	if cfg.ExportDir == "" {
		cfg.ExportDir = "csv"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "metrics.json"
	}
	if cfg.BaseKeywordsFile == "" {
		cfg.BaseKeywordsFile = "config/base_keywords.txt"
	}
	if cfg.ExtendKeywordsFile == "" {
		cfg.ExtendKeywordsFile = "config/extend_keywords.txt"
	}
	if cfg.NegativeKeywordsFile == "" {
		cfg.NegativeKeywordsFile = "config/negative_keywords.txt"
	}
	if cfg.CrawlDelayMinMs == 0 {
		cfg.CrawlDelayMinMs = 2000
	}
	if cfg.CrawlDelayMaxMs == 0 {
		cfg.CrawlDelayMaxMs = 5000
	}
	if cfg.RequestTimeoutMs == 0 {
		cfg.RequestTimeoutMs = 30000
	}
	if cfg.RetryAttempts == 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.LoginTimeoutSec == 0 {
		cfg.LoginTimeoutSec = 120
	}
}

// validate checks that required fields are present and values are sensible
func validate(cfg *Config) error {
	if cfg.CrawlDelayMinMs < 0 {
		return fmt.Errorf("crawl_delay_min_ms must be >= 0")
	}
	if cfg.CrawlDelayMaxMs < cfg.CrawlDelayMinMs {
		return fmt.Errorf("crawl_delay_max_ms must be >= crawl_delay_min_ms")
	}
	if cfg.RequestTimeoutMs < 1000 {
		return fmt.Errorf("request_timeout_ms must be >= 1000")
	}
	if cfg.RetryAttempts < 1 {
		return fmt.Errorf("retry_attempts must be >= 1")
	}
	if cfg.LoginTimeoutSec < 10 {
		return fmt.Errorf("login_timeout_sec must be >= 10")
	}
	return nil
}

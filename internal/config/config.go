package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultSourceBaseURL is the public Trello REST endpoint
const DefaultSourceBaseURL = "https://api.trello.com"

// Config represents the application configuration
type Config struct {
	DBPath         string   `yaml:"db_path"`
	SourceBaseURL  string   `yaml:"source_base_url"`
	SourceKey      string   `yaml:"-"`
	SourceToken    string   `yaml:"-"`
	RequestsPerSec float64  `yaml:"requests_per_sec"`
	LogLevel       string   `yaml:"log_level"`
	Output         string   `yaml:"output"`
	RedisURL       string   `yaml:"redis_url"`
	NotifyURLs     []string `yaml:"notify_urls"`
	OTelEnabled    bool     `yaml:"otel_enabled"`
}

// Load loads configuration from multiple sources with precedence:
// 1. Environment variables
// 2. ./.env.local (dotenv) - walks up parent directories to find it
// 3. ~/.config/cardsync/config.yaml (YAML)
func Load() (*Config, error) {
	cfg := &Config{
		SourceBaseURL:  DefaultSourceBaseURL,
		RequestsPerSec: 10,
		LogLevel:       "info",
		Output:         "table",
	}

	// Load .env.local if it exists (walking up parent directories)
	if envPath := findEnvLocal(); envPath != "" {
		_ = godotenv.Load(envPath)
	}

	// YAML config is optional, but a broken one is an error
	if err := loadYAMLConfig(cfg); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading config.yaml: %w", err)
	}

	if dbPath := getEnvOrFile("CARDSYNC_DB_PATH", "CARDSYNC_DB_PATH_FILE"); dbPath != "" {
		cfg.DBPath = dbPath
	}
	if baseURL := os.Getenv("CARDSYNC_SOURCE_BASE_URL"); baseURL != "" {
		cfg.SourceBaseURL = baseURL
	}
	cfg.SourceKey = getEnvOrFile("CARDSYNC_SOURCE_KEY", "CARDSYNC_SOURCE_KEY_FILE")
	cfg.SourceToken = getEnvOrFile("CARDSYNC_SOURCE_TOKEN", "CARDSYNC_SOURCE_TOKEN_FILE")
	if logLevel := os.Getenv("CARDSYNC_LOG_LEVEL"); logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if output := os.Getenv("CARDSYNC_OUTPUT"); output != "" {
		cfg.Output = output
	}
	if redisURL := getEnvOrFile("CARDSYNC_REDIS_URL", "CARDSYNC_REDIS_URL_FILE"); redisURL != "" {
		cfg.RedisURL = redisURL
	}
	if urls := os.Getenv("CARDSYNC_NOTIFY_URLS"); urls != "" {
		cfg.NotifyURLs = splitList(urls)
	}
	if v := os.Getenv("CARDSYNC_OTEL_ENABLED"); v != "" {
		cfg.OTelEnabled = v == "1" || strings.EqualFold(v, "true")
	}

	if cfg.DBPath == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DBPath = filepath.Join(homeDir, ".local", "share", "cardsync", "cardsync.db")
	}

	return cfg, nil
}

// RequireSourceCredentials returns an error naming the missing variables
func (c *Config) RequireSourceCredentials() error {
	var missing []string
	if c.SourceKey == "" {
		missing = append(missing, "CARDSYNC_SOURCE_KEY")
	}
	if c.SourceToken == "" {
		missing = append(missing, "CARDSYNC_SOURCE_TOKEN")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing source credentials: set %s", strings.Join(missing, " and "))
	}
	return nil
}

// loadYAMLConfig loads configuration from ~/.config/cardsync/config.yaml
func loadYAMLConfig(cfg *Config) error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil
	}

	configPath := filepath.Join(homeDir, ".config", "cardsync", "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

// getEnvOrFile gets an environment variable value, or reads it from a file
// if the _FILE variant is set
func getEnvOrFile(envVar, fileVar string) string {
	if val := os.Getenv(envVar); val != "" {
		return val
	}

	if filePath := os.Getenv(fileVar); filePath != "" {
		data, err := os.ReadFile(filePath)
		if err == nil {
			return strings.TrimSpace(string(data))
		}
	}

	return ""
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// findEnvLocal searches for .env.local starting from cwd and walking up
// parent directories. Stops at the user's home directory.
// Returns the path to .env.local if found, empty string otherwise.
func findEnvLocal() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		if _, err := os.Stat(".env.local"); err == nil {
			return ".env.local"
		}
		return ""
	}

	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	homeDir = filepath.Clean(homeDir)
	dir := filepath.Clean(cwd)

	for {
		envPath := filepath.Join(dir, ".env.local")
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}

		if dir == homeDir {
			break
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}

		dir = parent
	}

	return ""
}

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultAPIURL           = "http://localhost:8000"
	DefaultAuthPollInterval = time.Second
	DefaultAuthTimeout      = 120 * time.Second
	DefaultJobPollInterval  = 2 * time.Second

	// EnvAPIURL overrides the backend URL from the config file.
	EnvAPIURL = "CLOUDIDIAN_API_URL"
)

// Config is the on-disk client configuration (config.yaml in ConfigDir).
type Config struct {
	APIURL           string        `yaml:"api_url"`
	LogLevel         string        `yaml:"log_level"`
	DefaultMode      string        `yaml:"default_mode"`
	AuthPollInterval time.Duration `yaml:"auth_poll_interval"`
	AuthTimeout      time.Duration `yaml:"auth_timeout"`
	JobPollInterval  time.Duration `yaml:"job_poll_interval"`
	MetricsAddr      string        `yaml:"metrics_addr"`

	// ConfigDir is where config.yaml, the database, the log file and the
	// optional Gmail client_secret.json live. Not read from YAML.
	ConfigDir string `yaml:"-"`
}

func Default(configDir string) Config {
	return Config{
		APIURL:           DefaultAPIURL,
		LogLevel:         "info",
		DefaultMode:      "fast",
		AuthPollInterval: DefaultAuthPollInterval,
		AuthTimeout:      DefaultAuthTimeout,
		JobPollInterval:  DefaultJobPollInterval,
		ConfigDir:        configDir,
	}
}

// DefaultDir returns ~/.config/cloudidian.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determine home directory: %w", err)
	}
	return filepath.Join(home, ".config", "cloudidian"), nil
}

// Load reads config.yaml from configDir on top of the defaults. A missing
// file is not an error. The EnvAPIURL variable wins over the file.
func Load(configDir string) (Config, error) {
	cfg := Default(configDir)
	b, err := os.ReadFile(cfg.Path())
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return cfg, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", cfg.Path(), err)
		}
		cfg.ConfigDir = configDir
	}
	if v := strings.TrimSpace(os.Getenv(EnvAPIURL)); v != "" {
		cfg.APIURL = v
	}
	cfg.fillDefaults()
	return cfg, cfg.Validate()
}

func (c *Config) fillDefaults() {
	c.APIURL = strings.TrimRight(strings.TrimSpace(c.APIURL), "/")
	if c.APIURL == "" {
		c.APIURL = DefaultAPIURL
	}
	if c.AuthPollInterval <= 0 {
		c.AuthPollInterval = DefaultAuthPollInterval
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = DefaultAuthTimeout
	}
	if c.JobPollInterval <= 0 {
		c.JobPollInterval = DefaultJobPollInterval
	}
	if c.DefaultMode == "" {
		c.DefaultMode = "fast"
	}
}

func (c Config) Validate() error {
	if !strings.HasPrefix(c.APIURL, "http://") && !strings.HasPrefix(c.APIURL, "https://") {
		return fmt.Errorf("api_url must be an http(s) URL, got %q", c.APIURL)
	}
	return nil
}

// Save writes the config atomically (tmp file + rename).
func (c Config) Save() error {
	if err := os.MkdirAll(c.ConfigDir, 0o700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	b, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	tmp := c.Path() + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, c.Path())
}

func (c Config) Path() string { return filepath.Join(c.ConfigDir, "config.yaml") }
func (c Config) DBPath() string { return filepath.Join(c.ConfigDir, "cloudidian.db") }
func (c Config) LogPath() string { return filepath.Join(c.ConfigDir, "cloudidian.log") }
func (c Config) GmailSecretPath() string { return filepath.Join(c.ConfigDir, "client_secret.json") }

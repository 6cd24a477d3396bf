package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultConfigPath = "config.yaml"
	DefaultBaseURL    = "http://localhost:5000"
	DefaultUploadSize = 16 * 1024 * 1024
)

type Config struct {
	BaseURL          string        `yaml:"BaseURL"`
	ImageTimeout     time.Duration `yaml:"ImageTimeout"`
	VideoTimeout     time.Duration `yaml:"VideoTimeout"`
	RetryCount       int           `yaml:"RetryCount"`
	RetryWaitTime    time.Duration `yaml:"RetryWaitTime"`
	RetryMaxWaitTime time.Duration `yaml:"RetryMaxWaitTime"`
	ProgressPath     string        `yaml:"ProgressPath"`
	APIPort          int           `yaml:"APIPort"`
	RPCPort          int           `yaml:"RPCPort"`
	MetricsPort      int           `yaml:"MetricsPort"`
	HealthInterval   time.Duration `yaml:"HealthInterval"`
	SessionIdle      time.Duration `yaml:"SessionIdle"`
	MaxUploadSize    int64         `yaml:"MaxUploadSize"`
	LogLevel         string        `yaml:"LogLevel"`
	Development      bool          `yaml:"Development"`
	OutputDir        string        `yaml:"OutputDir"`
}

func Default() *Config {
	return &Config{
		BaseURL:          DefaultBaseURL,
		ImageTimeout:     60 * time.Second,
		VideoTimeout:     10 * time.Minute,
		RetryCount:       2,
		RetryWaitTime:    500 * time.Millisecond,
		RetryMaxWaitTime: 5 * time.Second,
		APIPort:          8080,
		RPCPort:          50051,
		MetricsPort:      50053,
		HealthInterval:   5 * time.Second,
		SessionIdle:      30 * time.Minute,
		MaxUploadSize:    DefaultUploadSize,
		LogLevel:         "info",
		OutputDir:        "output",
	}
}

// Load reads path over the defaults, then applies .env and environment overrides.
// A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	_ = godotenv.Load()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("WEAPONDET_BASE_URL"); v != "" {
		c.BaseURL = v
	}
	if v := os.Getenv("WEAPONDET_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("WEAPONDET_PROGRESS_PATH"); v != "" {
		c.ProgressPath = v
	}
	if v := os.Getenv("WEAPONDET_API_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid WEAPONDET_API_PORT %q: %w", v, err)
		}
		c.APIPort = port
	}
	return nil
}

func (c *Config) Validate() error {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid BaseURL %q: %w", c.BaseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("BaseURL must be http or https, got %q", c.BaseURL)
	}
	if u.Host == "" {
		return fmt.Errorf("BaseURL %q has no host", c.BaseURL)
	}
	if c.RetryCount < 0 {
		c.RetryCount = 0
	}
	if c.ImageTimeout <= 0 || c.VideoTimeout <= 0 {
		return fmt.Errorf("request timeouts must be positive")
	}
	if c.MaxUploadSize <= 0 {
		c.MaxUploadSize = DefaultUploadSize
	}
	return nil
}

// Origin is the scheme and host of BaseURL, against which processed media paths resolve.
func (c *Config) Origin() *url.URL {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return &url.URL{}
	}
	return &url.URL{Scheme: u.Scheme, Host: u.Host}
}

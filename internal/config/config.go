// Package config loads the server configuration.
//
// Sources, lowest to highest precedence:
//
//  1. Defaults()            built-in values
//  2. a YAML file           optional, passed with --config
//  3. environment variables PORT, DB_PATH, JWT_SECRET, GITHUB_* ...
//  4. command-line flags    applied by cmd/server after Load
//
// Secrets (JWT_SECRET, TOKEN_ENCRYPTION_KEY, GITHUB_CLIENT_SECRET,
// GITHUB_WEBHOOK_SECRET) are normally supplied through the environment so
// they never land in a checked-in file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete runtime configuration.
type Config struct {
	Port        int    `yaml:"port"`
	DBPath      string `yaml:"db_path"`
	DedupePath  string `yaml:"dedupe_path"`
	PublicURL   string `yaml:"public_url"`   // externally reachable base URL of this server
	FrontendURL string `yaml:"frontend_url"` // where the browser lands after OAuth
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"` // "text" or "json"

	JWTSecret  string        `yaml:"jwt_secret"`
	SessionTTL time.Duration `yaml:"session_ttl"`

	Encryption EncryptionConfig `yaml:"encryption"`
	GitHub     GitHubConfig     `yaml:"github"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Generator  GeneratorConfig  `yaml:"generator"`
}

// EncryptionConfig configures the token vault keyring.
type EncryptionConfig struct {
	KeyID string `yaml:"key_id"`
	Key   string `yaml:"key"`
	// RetiredKeys maps key id -> key material for decrypt-only keys.
	RetiredKeys map[string]string `yaml:"retired_keys"`
}

// GitHubConfig holds the OAuth app credentials and API endpoints.
type GitHubConfig struct {
	ClientID      string        `yaml:"client_id"`
	ClientSecret  string        `yaml:"client_secret"`
	CallbackURL   string        `yaml:"callback_url"`
	WebhookSecret string        `yaml:"webhook_secret"`
	APIBaseURL    string        `yaml:"api_base_url"`
	AuthURL       string        `yaml:"auth_url"`
	TokenURL      string        `yaml:"token_url"`
	Timeout       time.Duration `yaml:"timeout"`
}

// PipelineConfig tunes the generation worker pool and retry policy.
type PipelineConfig struct {
	Workers       int           `yaml:"workers"`
	MaxAttempts   int           `yaml:"max_attempts"`
	RetryBackoff  time.Duration `yaml:"retry_backoff"`
	DedupeWindow  time.Duration `yaml:"dedupe_window"`
	ReadmePath    string        `yaml:"readme_path"`
	CommitMessage string        `yaml:"commit_message"`
}

// GeneratorConfig selects the README generator implementation.
type GeneratorConfig struct {
	Mode        string        `yaml:"mode"` // "builtin" or "docker"
	Image       string        `yaml:"image"`
	Command     []string      `yaml:"command"`
	MemoryLimit int64         `yaml:"memory_limit"`
	CPULimit    float64       `yaml:"cpu_limit"`
	Timeout     time.Duration `yaml:"timeout"`
	PoolSize    int           `yaml:"pool_size"`
}

// Defaults returns a Config with every non-secret field populated.
func Defaults() Config {
	return Config{
		Port:        3000,
		DBPath:      "data/readmebot.db",
		DedupePath:  "data/deliveries.bolt",
		PublicURL:   "http://localhost:3000",
		FrontendURL: "http://localhost:5173",
		LogLevel:    "info",
		LogFormat:   "text",
		SessionTTL:  7 * 24 * time.Hour,
		Encryption: EncryptionConfig{
			KeyID: "v1",
		},
		GitHub: GitHubConfig{
			APIBaseURL: "https://api.github.com/",
			Timeout:    30 * time.Second,
		},
		Pipeline: PipelineConfig{
			Workers:       4,
			MaxAttempts:   3,
			RetryBackoff:  2 * time.Second,
			DedupeWindow:  24 * time.Hour,
			ReadmePath:    "README.md",
			CommitMessage: "docs: regenerate README [readmebot]",
		},
		Generator: GeneratorConfig{
			Mode:        "builtin",
			MemoryLimit: 256 * 1024 * 1024,
			CPULimit:    0.5,
			Timeout:     60 * time.Second,
			PoolSize:    2,
		},
	}
}

// Load builds a Config from defaults, the optional YAML file at path and the
// environment. It does not validate; call Validate once flags are applied.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// CallbackURL returns the OAuth callback, defaulting to PublicURL.
func (c Config) CallbackURL() string {
	if c.GitHub.CallbackURL != "" {
		return c.GitHub.CallbackURL
	}
	return strings.TrimSuffix(c.PublicURL, "/") + "/auth/github/callback"
}

// WebhookURL is the URL registered on GitHub for push events.
func (c Config) WebhookURL() string {
	return strings.TrimSuffix(c.PublicURL, "/") + "/api/github/webhookhandler"
}

// Validate reports every missing or malformed setting at once, so a
// misconfigured deployment fails at startup rather than on first use.
func (c Config) Validate() error {
	var errs []error

	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("db_path is required"))
	}
	if c.DedupePath == "" {
		errs = append(errs, errors.New("dedupe_path is required"))
	}
	if len(c.JWTSecret) < 16 {
		errs = append(errs, errors.New("JWT_SECRET must be at least 16 characters"))
	}
	if c.Encryption.Key == "" {
		errs = append(errs, errors.New("TOKEN_ENCRYPTION_KEY is required"))
	}
	if c.GitHub.ClientID == "" || c.GitHub.ClientSecret == "" {
		errs = append(errs, errors.New("GITHUB_CLIENT_ID and GITHUB_CLIENT_SECRET are required"))
	}
	if c.GitHub.WebhookSecret == "" {
		errs = append(errs, errors.New("GITHUB_WEBHOOK_SECRET is required"))
	}
	if c.Pipeline.Workers < 1 {
		errs = append(errs, errors.New("pipeline.workers must be at least 1"))
	}
	if c.Pipeline.MaxAttempts < 1 {
		errs = append(errs, errors.New("pipeline.max_attempts must be at least 1"))
	}
	switch c.Generator.Mode {
	case "builtin":
	case "docker":
		if c.Generator.Image == "" || len(c.Generator.Command) == 0 {
			errs = append(errs, errors.New("generator.image and generator.command are required in docker mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("generator.mode %q is not one of builtin, docker", c.Generator.Mode))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

type lookupFunc func(string) (string, bool)

func applyEnv(cfg *Config, lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: invalid %s value %q", key, v)
		}
		*dst = n
		return nil
	}
	dur := func(key string, dst *time.Duration) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: invalid %s value %q", key, v)
		}
		*dst = d
		return nil
	}

	str("DB_PATH", &cfg.DBPath)
	str("DEDUPE_PATH", &cfg.DedupePath)
	str("PUBLIC_URL", &cfg.PublicURL)
	str("FRONTEND_URL", &cfg.FrontendURL)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("LOG_FORMAT", &cfg.LogFormat)
	str("JWT_SECRET", &cfg.JWTSecret)
	str("TOKEN_ENCRYPTION_KEY", &cfg.Encryption.Key)
	str("TOKEN_ENCRYPTION_KEY_ID", &cfg.Encryption.KeyID)
	str("GITHUB_CLIENT_ID", &cfg.GitHub.ClientID)
	str("GITHUB_CLIENT_SECRET", &cfg.GitHub.ClientSecret)
	str("GITHUB_CALLBACK_URL", &cfg.GitHub.CallbackURL)
	str("GITHUB_WEBHOOK_SECRET", &cfg.GitHub.WebhookSecret)
	str("GITHUB_API_URL", &cfg.GitHub.APIBaseURL)
	str("GENERATOR_MODE", &cfg.Generator.Mode)
	str("GENERATOR_IMAGE", &cfg.Generator.Image)

	if err := num("PORT", &cfg.Port); err != nil {
		return err
	}
	if err := num("PIPELINE_WORKERS", &cfg.Pipeline.Workers); err != nil {
		return err
	}
	if err := dur("SESSION_TTL", &cfg.SessionTTL); err != nil {
		return err
	}
	if err := dur("GITHUB_TIMEOUT", &cfg.GitHub.Timeout); err != nil {
		return err
	}
	return nil
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Deribit API base URLs per environment.
const (
	ProdBaseURL = "https://www.deribit.com/api/v2"
	TestBaseURL = "https://test.deribit.com/api/v2"
)

// Config holds all process settings outside the OAuth layer: the HTTP
// listener and the upstream Deribit JSON-RPC client.
type Config struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// Deribit environment: "prod" or "test".
	Environment  string `yaml:"environment"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`

	HTTPTimeout  time.Duration `yaml:"http_timeout"`
	MaxRPS       float64       `yaml:"max_rps"`
	CacheTTLFast time.Duration `yaml:"cache_ttl_fast"`
	CacheTTLSlow time.Duration `yaml:"cache_ttl_slow"`

	DryRun        bool `yaml:"dry_run"`
	EnablePrivate bool `yaml:"enable_private"`
}

// BaseURL returns the Deribit API root for the configured environment.
func (c Config) BaseURL() string {
	if c.Environment == "prod" {
		return ProdBaseURL
	}
	return TestBaseURL
}

// HasCredentials reports whether API credentials are configured.
func (c Config) HasCredentials() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

// Load builds the configuration from, in increasing precedence: defaults,
// an optional YAML file named by CONFIG_FILE, and DERIBIT_*/SERVER_*
// environment variables. A .env file in the working directory is loaded
// first if present.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Host:          "0.0.0.0",
		Port:          8000,
		Environment:   "test",
		HTTPTimeout:   15 * time.Second,
		MaxRPS:        8,
		CacheTTLFast:  time.Second,
		CacheTTLSlow:  30 * time.Second,
		DryRun:        true,
		EnablePrivate: false,
	}

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if cfg.Environment != "prod" && cfg.Environment != "test" {
		return Config{}, fmt.Errorf("invalid DERIBIT_ENV %q (want prod or test)", cfg.Environment)
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return Config{}, fmt.Errorf("invalid port %d", cfg.Port)
	}
	if cfg.MaxRPS <= 0 {
		return Config{}, fmt.Errorf("invalid DERIBIT_MAX_RPS %v", cfg.MaxRPS)
	}
	if cfg.EnablePrivate && !cfg.HasCredentials() {
		return Config{}, fmt.Errorf("private tools enabled but DERIBIT_CLIENT_ID/DERIBIT_CLIENT_SECRET are not set")
	}

	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("SERVER_HOST")); v != "" {
		cfg.Host = v
	}
	if v := envInt("SERVER_PORT"); v != nil {
		cfg.Port = *v
	}
	if v := strings.ToLower(strings.TrimSpace(os.Getenv("DERIBIT_ENV"))); v != "" {
		cfg.Environment = v
	}
	if v := strings.TrimSpace(os.Getenv("DERIBIT_CLIENT_ID")); v != "" {
		cfg.ClientID = v
	}
	if v := strings.TrimSpace(os.Getenv("DERIBIT_CLIENT_SECRET")); v != "" {
		cfg.ClientSecret = v
	}
	if v := envDuration("DERIBIT_HTTP_TIMEOUT"); v != nil {
		cfg.HTTPTimeout = *v
	}
	if v := envFloat("DERIBIT_MAX_RPS"); v != nil {
		cfg.MaxRPS = *v
	}
	if v := envDuration("DERIBIT_CACHE_TTL_FAST"); v != nil {
		cfg.CacheTTLFast = *v
	}
	if v := envDuration("DERIBIT_CACHE_TTL_SLOW"); v != nil {
		cfg.CacheTTLSlow = *v
	}
	if v := envBool("DERIBIT_DRY_RUN"); v != nil {
		cfg.DryRun = *v
	}
	if v := envBool("DERIBIT_ENABLE_PRIVATE"); v != nil {
		cfg.EnablePrivate = *v
	}
}

func envInt(key string) *int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return nil
	}
	return &n
}

func envFloat(key string) *float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil
	}
	return &f
}

func envBool(key string) *bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch raw {
	case "1", "true", "yes", "on":
		b := true
		return &b
	case "0", "false", "no", "off":
		b := false
		return &b
	}
	return nil
}

func envDuration(key string) *time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return &d
	}
	// Bare numbers are seconds.
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		d := time.Duration(secs * float64(time.Second))
		return &d
	}
	return nil
}

// Mask shortens a secret for log output.
func Mask(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 6 {
		return "***"
	}
	return secret[:3] + "..." + secret[len(secret)-2:]
}

// Summary returns a loggable view of the configuration with secrets
// masked.
func (c Config) Summary() map[string]interface{} {
	return map[string]interface{}{
		"host":           c.Host,
		"port":           c.Port,
		"environment":    c.Environment,
		"base_url":       c.BaseURL(),
		"client_id":      Mask(c.ClientID),
		"http_timeout":   c.HTTPTimeout.String(),
		"max_rps":        c.MaxRPS,
		"cache_ttl_fast": c.CacheTTLFast.String(),
		"cache_ttl_slow": c.CacheTTLSlow.String(),
		"dry_run":        c.DryRun,
		"enable_private": c.EnablePrivate,
	}
}

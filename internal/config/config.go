// Package config resolves the proxy configuration from performance-mode
// defaults, an optional YAML file and environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Mode selects a bundle of retry and timeout defaults.
type Mode string

const (
	ModeFast     Mode = "fast"
	ModeBalanced Mode = "balanced"
	ModeSecure   Mode = "secure"
)

const (
	DefaultPort          = 8000
	DefaultEndpoint      = "https://api.deepinfra.com/v1/openai/chat/completions"
	DefaultAPIKey        = "linux.do"
	DefaultMaxRetryDelay = 10 * time.Second
)

// Config is the effective proxy configuration. Everything in it is read-only
// once Load returns.
type Config struct {
	Port            int
	PerformanceMode Mode
	Endpoints       []string

	MaxRetries     int
	RetryDelay     time.Duration
	MaxRetryDelay  time.Duration
	RequestTimeout time.Duration
	RandomDelayMin time.Duration
	RandomDelayMax time.Duration

	APIKeys        []string
	APIKeysFile    string
	UpstreamAPIKey string
	EnableMetrics  bool

	// Warnings collects non-fatal problems found while resolving, such as an
	// unknown performance mode. The caller decides how to log them.
	Warnings []string
}

// fileConfig is the YAML shape. Pointers distinguish "unset" from zero.
type fileConfig struct {
	Port             *int     `yaml:"port"`
	PerformanceMode  string   `yaml:"performance_mode"`
	Endpoints        []string `yaml:"endpoints"`
	MaxRetries       *int     `yaml:"max_retries"`
	RetryDelayMs     *int     `yaml:"retry_delay_ms"`
	RequestTimeoutMs *int     `yaml:"request_timeout_ms"`
	RandomDelayMinMs *int     `yaml:"random_delay_min_ms"`
	RandomDelayMaxMs *int     `yaml:"random_delay_max_ms"`
	MaxRetryDelayMs  *int     `yaml:"max_retry_delay_ms"`
	APIKeys          []string `yaml:"api_keys"`
	APIKeysFile      string   `yaml:"api_keys_file"`
	UpstreamAPIKey   string   `yaml:"upstream_api_key"`
	EnableMetrics    *bool    `yaml:"enable_metrics"`
}

// ModeDefaults returns the defaults for a performance mode. The boolean is
// false when the mode is unknown, in which case balanced defaults are returned.
func ModeDefaults(mode Mode) (Config, bool) {
	cfg := Config{
		Port:          DefaultPort,
		Endpoints:     []string{DefaultEndpoint},
		MaxRetryDelay: DefaultMaxRetryDelay,
		APIKeys:       []string{DefaultAPIKey},
		EnableMetrics: true,
	}

	switch mode {
	case ModeFast:
		cfg.PerformanceMode = ModeFast
		cfg.MaxRetries = 1
		cfg.RetryDelay = 200 * time.Millisecond
		cfg.RequestTimeout = 10 * time.Second
		cfg.RandomDelayMin = 0
		cfg.RandomDelayMax = 100 * time.Millisecond
		return cfg, true
	case ModeSecure:
		cfg.PerformanceMode = ModeSecure
		cfg.MaxRetries = 5
		cfg.RetryDelay = 2 * time.Second
		cfg.RequestTimeout = 60 * time.Second
		cfg.RandomDelayMin = 500 * time.Millisecond
		cfg.RandomDelayMax = 1500 * time.Millisecond
		return cfg, true
	}

	cfg.PerformanceMode = ModeBalanced
	cfg.MaxRetries = 3
	cfg.RetryDelay = time.Second
	cfg.RequestTimeout = 30 * time.Second
	cfg.RandomDelayMin = 100 * time.Millisecond
	cfg.RandomDelayMax = 500 * time.Millisecond
	return cfg, mode == ModeBalanced
}

// LoadFromEnv is Load with the process environment.
func LoadFromEnv(path string) (*Config, error) {
	return Load(path, os.Getenv)
}

// Load reads the optional YAML file at path and resolves the configuration
// against getenv. A missing file is not an error.
func Load(path string, getenv func(string) string) (*Config, error) {
	var data []byte
	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case err == nil:
			data = b
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg, err := Parse(data, getenv)
	if err != nil {
		if path != "" {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
		return nil, err
	}
	return cfg, nil
}

// Parse resolves a configuration from raw YAML (may be empty) and getenv.
func Parse(data []byte, getenv func(string) string) (*Config, error) {
	if getenv == nil {
		getenv = func(string) string { return "" }
	}

	var fc fileConfig
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("parsing yaml: %w", err)
		}
	}

	requested := strings.ToLower(strings.TrimSpace(getenv("PERFORMANCE_MODE")))
	if requested == "" {
		requested = strings.ToLower(strings.TrimSpace(fc.PerformanceMode))
	}
	if requested == "" {
		requested = string(ModeBalanced)
	}

	defaults, known := ModeDefaults(Mode(requested))
	cfg := &defaults
	if !known {
		cfg.Warnings = append(cfg.Warnings, fmt.Sprintf("unknown performance mode %q, using %s", requested, ModeBalanced))
	}

	applyFile(cfg, &fc)
	if err := applyEnv(cfg, getenv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func applyFile(cfg *Config, fc *fileConfig) {
	if fc.Port != nil {
		cfg.Port = *fc.Port
	}
	if eps := cleanList(fc.Endpoints); len(eps) > 0 {
		cfg.Endpoints = eps
	}
	if fc.MaxRetries != nil {
		cfg.MaxRetries = *fc.MaxRetries
	}
	setMillis(&cfg.RetryDelay, fc.RetryDelayMs)
	setMillis(&cfg.RequestTimeout, fc.RequestTimeoutMs)
	setMillis(&cfg.RandomDelayMin, fc.RandomDelayMinMs)
	setMillis(&cfg.RandomDelayMax, fc.RandomDelayMaxMs)
	setMillis(&cfg.MaxRetryDelay, fc.MaxRetryDelayMs)
	if keys := cleanList(fc.APIKeys); len(keys) > 0 {
		cfg.APIKeys = keys
	}
	if fc.APIKeysFile != "" {
		cfg.APIKeysFile = fc.APIKeysFile
	}
	if fc.UpstreamAPIKey != "" {
		cfg.UpstreamAPIKey = fc.UpstreamAPIKey
	}
	if fc.EnableMetrics != nil {
		cfg.EnableMetrics = *fc.EnableMetrics
	}
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	if err := envInt(getenv, "PORT", &cfg.Port); err != nil {
		return err
	}
	if eps := splitList(getenv("DEEPINFRA_MIRRORS")); len(eps) > 0 {
		cfg.Endpoints = eps
	}
	if err := envInt(getenv, "MAX_RETRIES", &cfg.MaxRetries); err != nil {
		return err
	}

	millis := []struct {
		name string
		dst  *time.Duration
	}{
		{"RETRY_DELAY", &cfg.RetryDelay},
		{"REQUEST_TIMEOUT", &cfg.RequestTimeout},
		{"RANDOM_DELAY_MIN", &cfg.RandomDelayMin},
		{"RANDOM_DELAY_MAX", &cfg.RandomDelayMax},
		{"MAX_RETRY_DELAY", &cfg.MaxRetryDelay},
	}
	for _, m := range millis {
		var v int
		set, err := envIntSet(getenv, m.name, &v)
		if err != nil {
			return err
		}
		if set {
			*m.dst = time.Duration(v) * time.Millisecond
		}
	}

	if keys := splitList(getenv("VALID_API_KEYS")); len(keys) > 0 {
		cfg.APIKeys = keys
	}
	if v := strings.TrimSpace(getenv("API_KEYS_FILE")); v != "" {
		cfg.APIKeysFile = v
	}
	if v := strings.TrimSpace(getenv("UPSTREAM_API_KEY")); v != "" {
		cfg.UpstreamAPIKey = v
	}
	if v := strings.TrimSpace(getenv("ENABLE_METRICS")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("ENABLE_METRICS: %w", err)
		}
		cfg.EnableMetrics = b
	}
	return nil
}

// Validate checks the resolved configuration for logical errors.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range (1-65535)", c.Port)
	}
	if len(c.Endpoints) == 0 {
		return errors.New("at least one endpoint is required")
	}
	for _, ep := range c.Endpoints {
		u, err := url.Parse(ep)
		if err != nil {
			return fmt.Errorf("endpoint %q: %w", ep, err)
		}
		if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("endpoint %q: must be an absolute http(s) URL", ep)
		}
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("max_retries must be at least 1, got %d", c.MaxRetries)
	}
	if c.RetryDelay < 0 || c.MaxRetryDelay < 0 {
		return errors.New("retry delays must be non-negative")
	}
	if c.RequestTimeout <= 0 {
		return errors.New("request_timeout must be positive")
	}
	if c.RandomDelayMin < 0 || c.RandomDelayMax < 0 {
		return errors.New("random delay bounds must be non-negative")
	}
	if c.RandomDelayMin > c.RandomDelayMax {
		return fmt.Errorf("random_delay_min (%s) exceeds random_delay_max (%s)", c.RandomDelayMin, c.RandomDelayMax)
	}
	return nil
}

// RandomDelayRange renders the jitter bounds the way /health reports them.
func (c *Config) RandomDelayRange() string {
	return fmt.Sprintf("%d-%dms", c.RandomDelayMin.Milliseconds(), c.RandomDelayMax.Milliseconds())
}

func setMillis(dst *time.Duration, ms *int) {
	if ms != nil {
		*dst = time.Duration(*ms) * time.Millisecond
	}
}

func envInt(getenv func(string) string, name string, dst *int) error {
	_, err := envIntSet(getenv, name, dst)
	return err
}

func envIntSet(getenv func(string) string, name string, dst *int) (bool, error) {
	raw := strings.TrimSpace(getenv(name))
	if raw == "" {
		return false, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return false, fmt.Errorf("%s: invalid integer %q", name, raw)
	}
	*dst = v
	return true, nil
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	return cleanList(strings.Split(raw, ","))
}

func cleanList(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

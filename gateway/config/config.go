package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables that override file values.
const (
	EnvListen     = "STABLEFI_GATEWAY_LISTEN"
	EnvHMACSecret = "STABLEFI_GATEWAY_HMAC_SECRET"
)

// Rate limit groups understood by the router.
const (
	LimitRead  = "read"
	LimitWrite = "write"
	LimitAdmin = "admin"
)

type RateLimitConfig struct {
	ID                string  `yaml:"id"`
	RequestsPerMinute float64 `yaml:"requestsPerMinute"`
	Burst             int     `yaml:"burst"`
	// Costs charges routes, keyed "METHOD /path", more than one token.
	Costs map[string]int `yaml:"costs"`
}

type ObservabilityConfig struct {
	ServiceName   string `yaml:"serviceName"`
	Metrics       bool   `yaml:"metrics"`
	Tracing       bool   `yaml:"tracing"`
	LogRequests   bool   `yaml:"logRequests"`
	MetricsPrefix string `yaml:"metricsPrefix"`
}

type CORSConfig struct {
	AllowedOrigins   []string `yaml:"allowedOrigins"`
	AllowCredentials bool     `yaml:"allowCredentials"`
}

type Config struct {
	ListenAddress  string              `yaml:"listen"`
	ReadTimeout    time.Duration       `yaml:"readTimeout"`
	WriteTimeout   time.Duration       `yaml:"writeTimeout"`
	IdleTimeout    time.Duration       `yaml:"idleTimeout"`
	RequestTimeout time.Duration       `yaml:"requestTimeout"`
	RateLimits     []RateLimitConfig   `yaml:"rateLimits"`
	Observability  ObservabilityConfig `yaml:"observability"`
	Auth           AuthConfig          `yaml:"auth"`
	CORS           CORSConfig          `yaml:"cors"`
}

type AuthConfig struct {
	Enabled        bool          `yaml:"enabled"`
	HMACSecret     string        `yaml:"hmacSecret"`
	Issuer         string        `yaml:"issuer"`
	Audience       string        `yaml:"audience"`
	ScopeClaim     string        `yaml:"scopeClaim"`
	OptionalPaths  []string      `yaml:"optionalPaths"`
	AllowAnonymous bool          `yaml:"allowAnonymous"`
	ClockSkew      time.Duration `yaml:"clockSkew"`
	// ReplayWindow bounds how long a token id (jti) is remembered for
	// mutating requests. Zero disables replay protection.
	ReplayWindow time.Duration `yaml:"replayWindow"`

	enabledSet        bool
	allowAnonymousSet bool
}

// UnmarshalYAML records whether the boolean switches were set explicitly.
// Unset durations, the scope claim and optional paths keep their defaults.
func (a *AuthConfig) UnmarshalYAML(node *yaml.Node) error {
	type rawAuthConfig struct {
		Enabled        *bool         `yaml:"enabled"`
		HMACSecret     string        `yaml:"hmacSecret"`
		Issuer         string        `yaml:"issuer"`
		Audience       string        `yaml:"audience"`
		ScopeClaim     string        `yaml:"scopeClaim"`
		OptionalPaths  []string      `yaml:"optionalPaths"`
		AllowAnonymous *bool         `yaml:"allowAnonymous"`
		ClockSkew      time.Duration `yaml:"clockSkew"`
		ReplayWindow   time.Duration `yaml:"replayWindow"`
	}
	var raw rawAuthConfig
	if err := node.Decode(&raw); err != nil {
		return err
	}
	a.Enabled, a.enabledSet = false, raw.Enabled != nil
	if raw.Enabled != nil {
		a.Enabled = *raw.Enabled
	}
	a.AllowAnonymous, a.allowAnonymousSet = false, raw.AllowAnonymous != nil
	if raw.AllowAnonymous != nil {
		a.AllowAnonymous = *raw.AllowAnonymous
	}
	a.HMACSecret = raw.HMACSecret
	a.Issuer = raw.Issuer
	a.Audience = raw.Audience
	if raw.ScopeClaim != "" {
		a.ScopeClaim = raw.ScopeClaim
	}
	if raw.OptionalPaths != nil {
		a.OptionalPaths = raw.OptionalPaths
	}
	if raw.ClockSkew != 0 {
		a.ClockSkew = raw.ClockSkew
	}
	if raw.ReplayWindow != 0 {
		a.ReplayWindow = raw.ReplayWindow
	}
	return nil
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	return Config{
		ListenAddress:  ":8080",
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    120 * time.Second,
		RequestTimeout: 10 * time.Second,
		RateLimits: []RateLimitConfig{
			{ID: LimitRead, RequestsPerMinute: 600, Burst: 50},
			{ID: LimitWrite, RequestsPerMinute: 120, Burst: 10, Costs: map[string]int{
				"POST /v1/engine/liquidate": 2,
				"POST /v1/bridge/send":      2,
			}},
			{ID: LimitAdmin, RequestsPerMinute: 60, Burst: 5, Costs: map[string]int{
				"POST /v1/admin/keeper/tick": 3,
			}},
		},
		Observability: ObservabilityConfig{
			ServiceName:   "stablefi-gateway",
			Metrics:       true,
			Tracing:       true,
			LogRequests:   true,
			MetricsPrefix: "gateway",
		},
		Auth: AuthConfig{
			Enabled:       true,
			ScopeClaim:    "scope",
			ClockSkew:     2 * time.Minute,
			ReplayWindow:  10 * time.Minute,
			OptionalPaths: []string{"/healthz", "/metrics"},
			enabledSet:    true,
		},
	}
}

// Load reads path (when non-empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		if err := yaml.NewDecoder(file).Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("decode config: %w", err)
		}
	}
	cfg.applyEnv()
	cfg.applyAuthDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (cfg *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvListen)); v != "" {
		cfg.ListenAddress = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvHMACSecret)); v != "" {
		cfg.Auth.HMACSecret = v
	}
}

func (cfg *Config) applyAuthDefaults() {
	if !cfg.Auth.enabledSet {
		cfg.Auth.Enabled = true
		cfg.Auth.enabledSet = true
	}
	if cfg.Auth.ClockSkew <= 0 {
		cfg.Auth.ClockSkew = 2 * time.Minute
	}
	if cfg.Auth.ScopeClaim == "" {
		cfg.Auth.ScopeClaim = "scope"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
}

var (
	ErrSecretRequired   = errors.New("auth.hmacSecret is required when auth is enabled")
	ErrAnonymousNotSet  = errors.New("auth.allowAnonymous must be explicitly set to true to enable anonymous access")
	ErrUnknownRateLimit = errors.New("unknown rate limit id")
)

func (cfg *Config) Validate() error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		return fmt.Errorf("listen address required")
	}
	if cfg.Auth.Enabled && strings.TrimSpace(cfg.Auth.HMACSecret) == "" {
		return ErrSecretRequired
	}
	if cfg.Auth.AllowAnonymous && !cfg.Auth.allowAnonymousSet {
		return ErrAnonymousNotSet
	}
	if cfg.Auth.ReplayWindow < 0 {
		return fmt.Errorf("auth.replayWindow cannot be negative")
	}
	trimmed := make([]string, len(cfg.Auth.OptionalPaths))
	for i, path := range cfg.Auth.OptionalPaths {
		p := strings.TrimSpace(path)
		if p == "" {
			return fmt.Errorf("auth.optionalPaths[%d] cannot be empty", i)
		}
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("auth.optionalPaths[%d] must start with '/'", i)
		}
		trimmed[i] = p
	}
	cfg.Auth.OptionalPaths = trimmed
	seen := make(map[string]struct{}, len(cfg.RateLimits))
	for i, limit := range cfg.RateLimits {
		switch limit.ID {
		case LimitRead, LimitWrite, LimitAdmin:
		default:
			return fmt.Errorf("rateLimits[%d]: %w %q", i, ErrUnknownRateLimit, limit.ID)
		}
		if _, dup := seen[limit.ID]; dup {
			return fmt.Errorf("rateLimits[%d]: duplicate id %q", i, limit.ID)
		}
		seen[limit.ID] = struct{}{}
		if limit.RequestsPerMinute <= 0 || limit.Burst <= 0 {
			return fmt.Errorf("rateLimits[%d]: requestsPerMinute and burst must be positive", i)
		}
		for route, cost := range limit.Costs {
			if cost <= 0 || cost > limit.Burst {
				return fmt.Errorf("rateLimits[%d]: cost of %q must be within 1..burst", i, route)
			}
		}
	}
	return nil
}

// RateLimit returns the limit for id.
func (cfg Config) RateLimit(id string) (RateLimitConfig, bool) {
	for _, limit := range cfg.RateLimits {
		if limit.ID == id {
			return limit, true
		}
	}
	return RateLimitConfig{}, false
}

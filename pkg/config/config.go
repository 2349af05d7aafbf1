// Package config provides configuration structures and loading logic for the
// photo generation service.
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

	"github.com/MaGioMusic/Lumina-Mxolod-Photo-sub001/pkg/domain"
	"github.com/MaGioMusic/Lumina-Mxolod-Photo-sub001/pkg/telemetry"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "LUMINA_"

// Config holds the full service configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Logging     LoggingConfig     `yaml:"logging"`
	Telemetry   telemetry.Config  `yaml:"telemetry"`
	Auth        AuthConfig        `yaml:"auth"`
	Admission   AdmissionConfig   `yaml:"admission"`
	Credential  CredentialConfig  `yaml:"credential"`
	SideEffects SideEffectsConfig `yaml:"side_effects"`
	Retention   RetentionConfig   `yaml:"retention"`
	Upload      UploadConfig      `yaml:"upload"`
	Storage     StorageConfig     `yaml:"storage"`
	Generation  GenerationConfig  `yaml:"generation"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
}

// ServerConfig holds the listener addresses.
type ServerConfig struct {
	DataAddress  string `yaml:"data_address"`
	AdminAddress string `yaml:"admin_address"`
	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// AuthConfig configures bearer token verification.
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	Issuer    string        `yaml:"issuer"`
	Audience  string        `yaml:"audience"`
	Leeway    time.Duration `yaml:"leeway"`
}

// LimitConfig is one admission budget. Zero fields inherit the defaults.
type LimitConfig struct {
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
}

// AdmissionConfig holds the limiter defaults and per-feature overrides.
type AdmissionConfig struct {
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
	Upload   LimitConfig   `yaml:"upload"`
	Generate LimitConfig   `yaml:"generate"`
	// SweepInterval is how often idle limiter keys and expired batches are evicted.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// CredentialConfig configures the credential issuer and cache.
type CredentialConfig struct {
	IssuerURL    string        `yaml:"issuer_url"`
	ServiceKey   string        `yaml:"service_key"`
	SafetyWindow time.Duration `yaml:"safety_window"`
	Timeout      time.Duration `yaml:"timeout"`
}

// SideEffectsConfig configures the side-effect gate.
type SideEffectsConfig struct {
	Enabled bool `yaml:"enabled"`
	Debug   bool `yaml:"debug"`
	// PolicyFile is an optional Rego module consulted for every side effect.
	PolicyFile  string `yaml:"policy_file"`
	PolicyQuery string `yaml:"policy_query"`
}

// RetentionConfig holds the raw retention day count. It is kept as text so
// that any operator input can be clamped instead of rejected.
type RetentionConfig struct {
	Days string `yaml:"days"`
}

// UploadConfig limits accepted uploads.
type UploadConfig struct {
	MaxBytes     int64    `yaml:"max_bytes"`
	AllowedTypes []string `yaml:"allowed_types"`
}

// Limits converts the configuration to domain limits.
func (u UploadConfig) Limits() domain.UploadLimits {
	return domain.UploadLimits{MaxBytes: u.MaxBytes, AllowedTypes: u.AllowedTypes}
}

// StorageConfig configures the object store.
type StorageConfig struct {
	Root          string `yaml:"root"`
	PublicBaseURL string `yaml:"public_base_url"`
}

// Generation providers.
const (
	ProviderHTTP   = "http"
	ProviderOpenAI = "openai"
)

// GenerationConfig selects and configures the generation backend.
type GenerationConfig struct {
	Provider string        `yaml:"provider"`
	Endpoint string        `yaml:"endpoint"`
	Model    string        `yaml:"model"`
	Timeout  time.Duration `yaml:"timeout"`
	Retry    RetryConfig   `yaml:"retry"`
	Breaker  BreakerConfig `yaml:"breaker"`
}

// BreakerConfig trips the generation circuit breaker after Failures
// consecutive transport failures. Zero failures disables it.
type BreakerConfig struct {
	Failures int           `yaml:"failures"`
	Cooldown time.Duration `yaml:"cooldown"`
}

// RetryConfig defines retry behaviour for generation calls.
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	InitialBackoff    time.Duration `yaml:"initial_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	Jitter            bool          `yaml:"jitter"`
}

// PipelineConfig holds batch defaults.
type PipelineConfig struct {
	DefaultConcurrency int `yaml:"default_concurrency"`
}

// Default returns the configuration used when no file or override is given.
func Default() *Config {
	upload := domain.DefaultUploadLimits()
	return &Config{
		Server: ServerConfig{
			DataAddress:     ":8080",
			AdminAddress:    ":19090",
			ShutdownTimeout: 10 * time.Second,
		},
		Logging:   LoggingConfig{Level: "info"},
		Telemetry: telemetry.Config{ServiceName: telemetry.DefaultServiceName},
		Admission: AdmissionConfig{
			Requests:      20,
			Window:        60 * time.Second,
			SweepInterval: time.Minute,
		},
		Credential: CredentialConfig{
			SafetyWindow: 60 * time.Second,
			Timeout:      10 * time.Second,
		},
		SideEffects: SideEffectsConfig{Enabled: true},
		Retention:   RetentionConfig{Days: "1"},
		Upload: UploadConfig{
			MaxBytes:     upload.MaxBytes,
			AllowedTypes: upload.AllowedTypes,
		},
		Storage: StorageConfig{
			Root:          "data/objects",
			PublicBaseURL: "http://localhost:8080/objects/",
		},
		Generation: GenerationConfig{
			Provider: ProviderHTTP,
			Timeout:  60 * time.Second,
			Retry: RetryConfig{
				MaxAttempts:       3,
				InitialBackoff:    250 * time.Millisecond,
				MaxBackoff:        5 * time.Second,
				BackoffMultiplier: 2.0,
				Jitter:            true,
			},
			Breaker: BreakerConfig{Failures: 5, Cooldown: 30 * time.Second},
		},
		Pipeline: PipelineConfig{DefaultConcurrency: 2},
	}
}

// Load reads configuration from a file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by the operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg, os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

type lookupFunc func(key string) (string, bool)

func applyEnvOverrides(cfg *Config, lookup lookupFunc) error {
	var errs []error
	get := func(name string) (string, bool) {
		val, ok := lookup(EnvPrefix + name)
		val = strings.TrimSpace(val)
		return val, ok && val != ""
	}
	setString := func(name string, dst *string) {
		if val, ok := get(name); ok {
			*dst = val
		}
	}
	setInt := func(name string, dst *int) {
		if val, ok := get(name); ok {
			n, err := strconv.Atoi(val)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	setMillis := func(name string, dst *time.Duration) {
		if val, ok := get(name); ok {
			ms, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = time.Duration(ms) * time.Millisecond
		}
	}
	setBool := func(name string, dst *bool) {
		if val, ok := get(name); ok {
			b, err := strconv.ParseBool(val)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}

	setString("DATA_ADDR", &cfg.Server.DataAddress)
	setString("ADMIN_ADDR", &cfg.Server.AdminAddress)
	setString("LOG_LEVEL", &cfg.Logging.Level)
	setBool("LOG_PRETTY", &cfg.Logging.Pretty)
	setString("OTLP_ENDPOINT", &cfg.Telemetry.Endpoint)
	setBool("OTLP_INSECURE", &cfg.Telemetry.Insecure)

	setString("JWT_SECRET", &cfg.Auth.JWTSecret)
	setString("JWT_ISSUER", &cfg.Auth.Issuer)
	setString("JWT_AUDIENCE", &cfg.Auth.Audience)

	setInt("RATE_LIMIT_REQUESTS", &cfg.Admission.Requests)
	setMillis("RATE_LIMIT_WINDOW_MS", &cfg.Admission.Window)

	setString("CREDENTIAL_ISSUER_URL", &cfg.Credential.IssuerURL)
	setString("CREDENTIAL_SERVICE_KEY", &cfg.Credential.ServiceKey)
	setMillis("CREDENTIAL_SAFETY_WINDOW_MS", &cfg.Credential.SafetyWindow)

	setBool("SIDE_EFFECTS_ENABLED", &cfg.SideEffects.Enabled)
	setBool("SIDE_EFFECT_DEBUG", &cfg.SideEffects.Debug)
	setString("SIDE_EFFECT_POLICY_FILE", &cfg.SideEffects.PolicyFile)

	// Retention is clamped rather than validated, so the raw value is kept.
	if val, ok := lookup(EnvPrefix + "RETENTION_DAYS"); ok {
		cfg.Retention.Days = val
	}

	if val, ok := get("UPLOAD_MAX_BYTES"); ok {
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sUPLOAD_MAX_BYTES: %w", EnvPrefix, err))
		} else {
			cfg.Upload.MaxBytes = n
		}
	}
	if val, ok := get("UPLOAD_ALLOWED_TYPES"); ok {
		cfg.Upload.AllowedTypes = splitList(val)
	}

	setString("STORAGE_ROOT", &cfg.Storage.Root)
	setString("PUBLIC_BASE_URL", &cfg.Storage.PublicBaseURL)

	setString("GENERATION_PROVIDER", &cfg.Generation.Provider)
	setString("GENERATION_ENDPOINT", &cfg.Generation.Endpoint)
	setString("GENERATION_MODEL", &cfg.Generation.Model)
	setInt("GENERATION_MAX_ATTEMPTS", &cfg.Generation.Retry.MaxAttempts)
	setInt("GENERATION_BREAKER_FAILURES", &cfg.Generation.Breaker.Failures)

	setInt("PIPELINE_CONCURRENCY", &cfg.Pipeline.DefaultConcurrency)

	return errors.Join(errs...)
}

func splitList(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate performs validation of the entire configuration.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server configuration: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}
	if err := c.Admission.Validate(); err != nil {
		return fmt.Errorf("admission configuration: %w", err)
	}
	if err := c.Credential.Validate(); err != nil {
		return fmt.Errorf("credential configuration: %w", err)
	}
	if err := c.Upload.Validate(); err != nil {
		return fmt.Errorf("upload configuration: %w", err)
	}
	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage configuration: %w", err)
	}
	if err := c.Generation.Validate(); err != nil {
		return fmt.Errorf("generation configuration: %w", err)
	}
	if c.Pipeline.DefaultConcurrency < 1 {
		return errors.New("pipeline configuration: default_concurrency must be at least 1")
	}
	return nil
}

// Validate checks the server addresses.
func (s ServerConfig) Validate() error {
	if s.DataAddress == "" {
		return errors.New("data_address is required")
	}
	if s.AdminAddress == s.DataAddress {
		return errors.New("admin_address must differ from data_address")
	}
	if s.ShutdownTimeout < 0 {
		return errors.New("shutdown_timeout must not be negative")
	}
	return nil
}

// Validate checks the log level.
func (l LoggingConfig) Validate() error {
	switch strings.ToLower(l.Level) {
	case "", "debug", "info", "warn", "warning", "error":
		return nil
	default:
		return fmt.Errorf("unknown log level %q", l.Level)
	}
}

// Validate checks the limiter defaults.
func (a AdmissionConfig) Validate() error {
	if a.Requests < 1 {
		return errors.New("requests must be at least 1")
	}
	if a.Window <= 0 {
		return errors.New("window must be positive")
	}
	if a.Upload.Requests < 0 || a.Upload.Window < 0 || a.Generate.Requests < 0 || a.Generate.Window < 0 {
		return errors.New("per-feature limits must not be negative")
	}
	if a.SweepInterval <= 0 {
		return errors.New("sweep_interval must be positive")
	}
	return nil
}

// Validate checks the credential settings.
func (c CredentialConfig) Validate() error {
	if c.SafetyWindow < 0 {
		return errors.New("safety_window must not be negative")
	}
	if c.IssuerURL != "" {
		if err := validateAbsoluteURL(c.IssuerURL); err != nil {
			return fmt.Errorf("issuer_url: %w", err)
		}
	}
	return nil
}

// Validate checks the upload limits.
func (u UploadConfig) Validate() error {
	if u.MaxBytes <= 0 {
		return errors.New("max_bytes must be positive")
	}
	if len(u.AllowedTypes) == 0 {
		return errors.New("allowed_types must not be empty")
	}
	return nil
}

// Validate checks the storage settings.
func (s StorageConfig) Validate() error {
	if strings.TrimSpace(s.Root) == "" {
		return errors.New("root is required")
	}
	if err := validateAbsoluteURL(s.PublicBaseURL); err != nil {
		return fmt.Errorf("public_base_url: %w", err)
	}
	return nil
}

// Validate checks the generation backend.
func (g GenerationConfig) Validate() error {
	switch g.Provider {
	case ProviderHTTP:
		if g.Endpoint != "" {
			if err := validateAbsoluteURL(g.Endpoint); err != nil {
				return fmt.Errorf("endpoint: %w", err)
			}
		}
	case ProviderOpenAI:
	default:
		return fmt.Errorf("unknown provider %q", g.Provider)
	}
	if g.Retry.MaxAttempts < 1 {
		return errors.New("retry.max_attempts must be at least 1")
	}
	if g.Breaker.Failures < 0 {
		return errors.New("breaker.failures cannot be negative")
	}
	return nil
}

func validateAbsoluteURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%q must use http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%q has no host", raw)
	}
	return nil
}

// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"math"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Broker        BrokerConfig        `yaml:"broker"`
	Classifier    ClassifierConfig    `yaml:"classifier"`
	Workflow      WorkflowConfig      `yaml:"workflow"`
	Approval      ApprovalConfig      `yaml:"approval"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// IdentityConfig describes how admin callers are authenticated. Tokens are
// HMAC-signed JWTs; the shared secret is read from SecretEnv.
type IdentityConfig struct {
	Issuer     string   `yaml:"issuer"`
	Audience   string   `yaml:"audience"`
	SecretEnv  string   `yaml:"secret_env"`
	Algorithms []string `yaml:"algorithms"`
	AdminRole  string   `yaml:"admin_role"`
	RolesClaim string   `yaml:"roles_claim"`
}

// BrokerConfig describes the NGSI-LD context broker.
type BrokerConfig struct {
	BaseURL        string               `yaml:"base_url"`
	Tenant         string               `yaml:"tenant"`
	ContextLink    string               `yaml:"context_link"`
	Timeout        time.Duration        `yaml:"timeout"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig describes circuit breaker settings for the broker.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// ClassifierConfig describes the AI classification backend.
type ClassifierConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// WorkflowConfig describes the classification workflow.
type WorkflowConfig struct {
	Poll             PollConfig     `yaml:"poll"`
	GuardPriorStatus bool           `yaml:"guard_prior_status"`
	Lock             LockConfig     `yaml:"lock"`
	RunStore         RunStoreConfig `yaml:"run_store"`
}

// PollConfig bounds the convergence poll.
type PollConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Interval    time.Duration `yaml:"interval"`
}

// Ceiling returns the longest a poll can take.
func (p PollConfig) Ceiling() time.Duration {
	return time.Duration(p.MaxAttempts) * p.Interval
}

// LockConfig describes the per-report run lock.
type LockConfig struct {
	Driver  string        `yaml:"driver"`
	AddrEnv string        `yaml:"addr_env"`
	DB      int           `yaml:"db"`
	TTL     time.Duration `yaml:"ttl"`
}

// RunStoreConfig describes run history persistence settings.
type RunStoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// ApprovalConfig holds the auto-approval criteria.
type ApprovalConfig struct {
	MinConfidence     float64  `yaml:"min_confidence"`
	AllowedPriorities []string `yaml:"allowed_priorities"`
	AllowedSeverities []string `yaml:"allowed_severities"`
	RequiresImage     bool     `yaml:"requires_image"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			HandlerTimeout:  45 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Identity: IdentityConfig{
			SecretEnv:  "REPORTFLOW_JWT_SECRET",
			Algorithms: []string{"HS256"},
			AdminRole:  "admin",
			RolesClaim: "roles",
		},
		Broker: BrokerConfig{
			Timeout: 10 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Timeout:          30 * time.Second,
			},
		},
		Classifier: ClassifierConfig{
			Timeout: 10 * time.Second,
		},
		Workflow: WorkflowConfig{
			Poll: PollConfig{
				MaxAttempts: 10,
				Interval:    2 * time.Second,
			},
			GuardPriorStatus: true,
			Lock: LockConfig{
				Driver:  "memory",
				AddrEnv: "REPORTFLOW_REDIS_ADDR",
				TTL:     time.Minute,
			},
			RunStore: RunStoreConfig{
				Driver:          "memory",
				DSNEnv:          "REPORTFLOW_DATABASE_URL",
				MaxOpenConns:    10,
				MaxIdleConns:    2,
				ConnMaxLifetime: 5 * time.Minute,
			},
		},
		Approval: ApprovalConfig{
			MinConfidence:     0.7,
			AllowedPriorities: []string{"low", "medium"},
			AllowedSeverities: []string{"low", "medium"},
			RequiresImage:     true,
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if err := validateBaseURL(c.Broker.BaseURL); err != nil {
		errs = append(errs, "broker.base_url "+err.Error())
	}
	if err := validateBaseURL(c.Classifier.BaseURL); err != nil {
		errs = append(errs, "classifier.base_url "+err.Error())
	}
	if c.Workflow.Poll.MaxAttempts < 1 {
		errs = append(errs, "workflow.poll.max_attempts must be at least 1")
	}
	if c.Workflow.Poll.Interval < 0 {
		errs = append(errs, "workflow.poll.interval must not be negative")
	}
	if mc := c.Approval.MinConfidence; math.IsNaN(mc) || mc < 0 || mc > 1 {
		errs = append(errs, "approval.min_confidence must be between 0 and 1")
	}
	if ceiling := time.Duration(c.Workflow.Poll.MaxAttempts) * c.Workflow.Poll.Interval; c.Server.HandlerTimeout > 0 && ceiling >= c.Server.HandlerTimeout {
		errs = append(errs, fmt.Sprintf("workflow.poll ceiling %s must be below server.handler_timeout %s", ceiling, c.Server.HandlerTimeout))
	}
	switch c.Workflow.Lock.Driver {
	case "", "none", "memory", "redis":
	default:
		errs = append(errs, fmt.Sprintf("workflow.lock.driver %q is not supported", c.Workflow.Lock.Driver))
	}
	switch c.Workflow.RunStore.Driver {
	case "", "memory", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("workflow.run_store.driver %q is not supported", c.Workflow.RunStore.Driver))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateBaseURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("is required")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("must be an absolute URL")
	}
	return nil
}

// applyEnvOverrides reads REPORTFLOW_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("REPORTFLOW_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("REPORTFLOW_BROKER_URL"); v != "" {
		cfg.Broker.BaseURL = v
	}
	if v := os.Getenv("REPORTFLOW_BROKER_TENANT"); v != "" {
		cfg.Broker.Tenant = v
	}
	if v := os.Getenv("REPORTFLOW_CLASSIFIER_URL"); v != "" {
		cfg.Classifier.BaseURL = v
	}
	if v := os.Getenv("REPORTFLOW_LOCK_DRIVER"); v != "" {
		cfg.Workflow.Lock.Driver = v
	}
	if v := os.Getenv("REPORTFLOW_RUN_STORE_DRIVER"); v != "" {
		cfg.Workflow.RunStore.Driver = v
	}
	if v := os.Getenv("REPORTFLOW_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}

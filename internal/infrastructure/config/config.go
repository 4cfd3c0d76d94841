package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Version     string `koanf:"version"`
	Environment string `koanf:"environment"`
	LogLevel    string `koanf:"log_level"`

	Server   ServerConfig   `koanf:"server"`
	Database DatabaseConfig `koanf:"database"`
	Redis    RedisConfig    `koanf:"redis"`

	Governance GovernanceConfig `koanf:"governance"`
}

type ServerConfig struct {
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`

	RateLimit RateLimitConfig `koanf:"rate_limit"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `koanf:"requests_per_second"`
	BurstSize         int `koanf:"burst_size"`
}

type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
}

type RedisConfig struct {
	URL          string        `koanf:"url"`
	Password     string        `koanf:"password"`
	DB           int           `koanf:"db"`
	PoolSize     int           `koanf:"pool_size"`
	MinIdleConns int           `koanf:"min_idle_conns"`
	MaxRetries   int           `koanf:"max_retries"`
	DialTimeout  time.Duration `koanf:"dial_timeout"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

// GovernanceConfig groups the tunables of the safety pipeline. Every
// threshold here has a conservative default so the engine is usable with
// an empty config file.
type GovernanceConfig struct {
	Quota    QuotaConfig    `koanf:"quota"`
	Boundary BoundaryConfig `koanf:"boundary"`
	Trust    TrustConfig    `koanf:"trust"`
	Decision DecisionConfig `koanf:"decision"`
	Rollback RollbackConfig `koanf:"rollback"`
	Audit    AuditConfig    `koanf:"audit"`

	ApprovalSweepInterval time.Duration `koanf:"approval_sweep_interval"`
	MaintenanceMode       bool          `koanf:"maintenance_mode"`
}

type QuotaConfig struct {
	SessionLimit   int           `koanf:"session_limit"`
	OrgHourlyLimit int           `koanf:"org_hourly_limit"`
	SessionWindow  time.Duration `koanf:"session_window"`
}

type BoundaryConfig struct {
	TimelineSize       int           `koanf:"timeline_size"`
	FrequencyThreshold int           `koanf:"frequency_threshold"`
	FrequencyWindow    time.Duration `koanf:"frequency_window"`
	ErrorRateThreshold float64       `koanf:"error_rate_threshold"`
	MinAttempts        int           `koanf:"min_attempts"`
	OffHoursStart      int           `koanf:"off_hours_start"`
	OffHoursEnd        int           `koanf:"off_hours_end"`
}

type TrustConfig struct {
	Retention         time.Duration `koanf:"retention"`
	MaxPatterns       int           `koanf:"max_patterns"`
	MinSamples        int           `koanf:"min_samples"`
	TopN              int           `koanf:"top_n"`
	RecomputeInterval time.Duration `koanf:"recompute_interval"`
}

type DecisionConfig struct {
	ConfidenceThreshold float64 `koanf:"confidence_threshold"`
	TrustThreshold      float64 `koanf:"trust_threshold"`
	SuccessThreshold    float64 `koanf:"success_threshold"`
}

type RollbackConfig struct {
	AutomaticWindow time.Duration `koanf:"automatic_window"`
	ManualWindow    time.Duration `koanf:"manual_window"`
	SweepInterval   time.Duration `koanf:"sweep_interval"`
}

type AuditConfig struct {
	BufferSize      int           `koanf:"buffer_size"`
	WriteRetries    int           `koanf:"write_retries"`
	RetryBackoff    time.Duration `koanf:"retry_backoff"`
	RecentRingSize  int           `koanf:"recent_ring_size"`
	CleanupInterval time.Duration `koanf:"cleanup_interval"`
}

func Load() (*Config, error) {
	k := koanf.New(".")

	defaults := &Config{
		Version:     "dev",
		Environment: "development",
		LogLevel:    "info",
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			RateLimit: RateLimitConfig{
				RequestsPerSecond: 100,
				BurstSize:         200,
			},
		},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			URL:          "localhost:6379",
			DB:           0,
			PoolSize:     10,
			MinIdleConns: 2,
			MaxRetries:   3,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Governance: GovernanceConfig{
			Quota: QuotaConfig{
				SessionLimit:   100,
				OrgHourlyLimit: 500,
				SessionWindow:  24 * time.Hour,
			},
			Boundary: BoundaryConfig{
				TimelineSize:       50,
				FrequencyThreshold: 10,
				FrequencyWindow:    time.Minute,
				ErrorRateThreshold: 0.5,
				MinAttempts:        4,
				OffHoursStart:      0,
				OffHoursEnd:        5,
			},
			Trust: TrustConfig{
				Retention:         90 * 24 * time.Hour,
				MaxPatterns:       200,
				MinSamples:        5,
				TopN:              5,
				RecomputeInterval: 15 * time.Minute,
			},
			Decision: DecisionConfig{
				ConfidenceThreshold: 0.8,
				TrustThreshold:      0.7,
				SuccessThreshold:    0.8,
			},
			Rollback: RollbackConfig{
				AutomaticWindow: 24 * time.Hour,
				ManualWindow:    72 * time.Hour,
				SweepInterval:   10 * time.Minute,
			},
			Audit: AuditConfig{
				BufferSize:      1024,
				WriteRetries:    3,
				RetryBackoff:    250 * time.Millisecond,
				RecentRingSize:  256,
				CleanupInterval: time.Hour,
			},
			ApprovalSweepInterval: 30 * time.Second,
		},
	}

	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	// Config file is optional.
	if err := k.Load(file.Provider("configs/config.yaml"), yaml.Parser()); err != nil {
		// A missing config file falls through to env overrides.
		_ = err
	}

	// Override with environment variables.
	if err := k.Load(env.Provider("GOVERNANCE_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "GOVERNANCE_")), "_", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Governance.Quota.SessionLimit <= 0 {
		return fmt.Errorf("session limit must be positive")
	}
	if c.Governance.Quota.OrgHourlyLimit <= 0 {
		return fmt.Errorf("organization hourly limit must be positive")
	}
	if t := c.Governance.Decision.ConfidenceThreshold; t < 0 || t > 1 {
		return fmt.Errorf("confidence threshold out of range: %f", t)
	}
	if c.Governance.Boundary.OffHoursStart < 0 || c.Governance.Boundary.OffHoursEnd > 23 {
		return fmt.Errorf("off hours window out of range")
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

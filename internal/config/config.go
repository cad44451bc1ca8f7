// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Redis struct {
	Addr               string        `mapstructure:"addr"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	DB                 int           `mapstructure:"db"`
	PoolSizeMultiplier int           `mapstructure:"pool_size_multiplier"`
	MinIdleConns       int           `mapstructure:"min_idle_conns"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
}

// Database configures the Job Store's backing SQL engine.
type Database struct {
	Driver          string        `mapstructure:"driver"` // "postgres" or "sqlite3"
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// Scheduler configures the four C5 maintenance loops.
type Scheduler struct {
	TickSeconds               time.Duration `mapstructure:"tick_seconds"`
	MaxConcurrentJobs         int           `mapstructure:"max_concurrent_jobs"`
	StarvationTickSeconds     time.Duration `mapstructure:"starvation_tick_seconds"`
	StarvationIncrement       float64       `mapstructure:"starvation_increment"`
	ArchiveCheckIntervalSecs  time.Duration `mapstructure:"archive_check_interval_seconds"`
	JobRetentionDays          int           `mapstructure:"job_retention_days"`
	JobArchiveRetentionDays   int           `mapstructure:"job_archive_retention_days"`
	SnapshotIntervalSeconds   time.Duration `mapstructure:"snapshot_interval_seconds"`
	SnapshotRetentionDays     int           `mapstructure:"snapshot_retention_days"`
	WorkerGraceShutdown       time.Duration `mapstructure:"worker_grace_shutdown"`
	BackendPSProbeTimeout     time.Duration `mapstructure:"backend_ps_probe_timeout"`
	BackendHealthCheckTimeout time.Duration `mapstructure:"backend_health_check_timeout"`
	BackendHealthCheckPeriod  time.Duration `mapstructure:"backend_health_check_period"`
}

// Backend describes one Ollama-compatible model-serving origin.
type Backend struct {
	ID       string   `mapstructure:"id"`
	URL      string   `mapstructure:"url"`
	Enabled  bool     `mapstructure:"enabled"`
	PrefixID string   `mapstructure:"prefix_id"`
	Tags     []string `mapstructure:"tags"`
	ModelIDs []string `mapstructure:"model_ids"`
	APIKey   string   `mapstructure:"api_key"`
}

// LoadBalancer configures the C3 Backend Selector.
type LoadBalancer struct {
	Strategy                string   `mapstructure:"strategy"` // least_connections|round_robin|fastest
	ActiveJobsWeight        float64  `mapstructure:"active_jobs_weight"`
	ResponseTimeWeight      float64  `mapstructure:"response_time_weight"`
	AlertResponseTimeMs     float64  `mapstructure:"alert_response_time_threshold_ms"`
	AlertActiveJobsThresh   int      `mapstructure:"alert_active_jobs_threshold"`
	StrategyStoreKey        string   `mapstructure:"strategy_store_key"`
	Backends                []Backend `mapstructure:"backends"`
	RequestTimeout          time.Duration `mapstructure:"request_timeout"`
}

// Archives configures the optional long-term ClickHouse mirror of backend
// snapshot rows.
type Archives struct {
	ClickHouseDSN      string `mapstructure:"clickhouse_dsn"`
	ClickHouseEnable   bool   `mapstructure:"clickhouse_enabled"`
	ClickHouseDatabase string `mapstructure:"clickhouse_database"`
	ClickHouseTable    string `mapstructure:"clickhouse_table"`
}

// AdminAPI configures the HTTP front door (internal/httpapi).
type AdminAPI struct {
	ListenAddr      string        `mapstructure:"listen_addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	JWTSecret     string `mapstructure:"jwt_secret"`
	JWTIssuer     string `mapstructure:"jwt_issuer"`
	RequireAuth   bool   `mapstructure:"require_auth"`
	DenyByDefault bool   `mapstructure:"deny_by_default"`

	RateLimitEnabled   bool          `mapstructure:"rate_limit_enabled"`
	RateLimitPerMinute int           `mapstructure:"rate_limit_per_minute"`
	RateLimitBurst     int           `mapstructure:"rate_limit_burst"`

	AuditEnabled    bool   `mapstructure:"audit_enabled"`
	AuditLogPath    string `mapstructure:"audit_log_path"`
	AuditMaxSizeMB  int    `mapstructure:"audit_max_size_mb"`
	AuditMaxBackups int    `mapstructure:"audit_max_backups"`
	AuditMaxAgeDays int    `mapstructure:"audit_max_age_days"`

	CORSEnabled      bool     `mapstructure:"cors_enabled"`
	CORSAllowOrigins []string `mapstructure:"cors_allow_origins"`
}

type CircuitBreaker struct {
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
	MinSamples       int           `mapstructure:"min_samples"`
}

type TracingConfig struct {
	Enabled            bool    `mapstructure:"enabled"`
	Endpoint           string  `mapstructure:"endpoint"`
	Environment        string  `mapstructure:"environment"`
	SamplingStrategy   string  `mapstructure:"sampling_strategy"`
	SamplingRate       float64 `mapstructure:"sampling_rate"`
}

type Tracing = TracingConfig

type ObservabilityConfig struct {
	MetricsPort int           `mapstructure:"metrics_port"`
	LogLevel    string        `mapstructure:"log_level"`
	Tracing     TracingConfig `mapstructure:"tracing"`
}

type Observability = ObservabilityConfig

type Config struct {
	Redis          Redis          `mapstructure:"redis"`
	Database       Database       `mapstructure:"database"`
	Scheduler      Scheduler      `mapstructure:"scheduler"`
	LoadBalancer   LoadBalancer   `mapstructure:"load_balancer"`
	Archives       Archives       `mapstructure:"archives"`
	AdminAPI       AdminAPI       `mapstructure:"admin_api"`
	CircuitBreaker CircuitBreaker `mapstructure:"circuit_breaker"`
	Observability  Observability  `mapstructure:"observability"`
}

func defaultConfig() *Config {
	return &Config{
		Redis: Redis{
			Addr:               "localhost:6379",
			PoolSizeMultiplier: 10,
			MinIdleConns:       5,
			DialTimeout:        5 * time.Second,
			ReadTimeout:        3 * time.Second,
			WriteTimeout:       3 * time.Second,
			MaxRetries:         3,
		},
		Database: Database{
			Driver:          "sqlite3",
			DSN:             "file:jobqueue.db?_journal=WAL&_timeout=5000",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: time.Hour,
		},
		Scheduler: Scheduler{
			TickSeconds:               2 * time.Second,
			MaxConcurrentJobs:         10,
			StarvationTickSeconds:     30 * time.Second,
			StarvationIncrement:       0.5,
			ArchiveCheckIntervalSecs:  3600 * time.Second,
			JobRetentionDays:          30,
			JobArchiveRetentionDays:   365,
			SnapshotIntervalSeconds:   300 * time.Second,
			SnapshotRetentionDays:     7,
			WorkerGraceShutdown:       10 * time.Second,
			BackendPSProbeTimeout:     3 * time.Second,
			BackendHealthCheckTimeout: 5 * time.Second,
			BackendHealthCheckPeriod:  30 * time.Second,
		},
		LoadBalancer: LoadBalancer{
			Strategy:              "least_connections",
			ActiveJobsWeight:      1.0,
			ResponseTimeWeight:    1.0,
			AlertResponseTimeMs:   5000,
			AlertActiveJobsThresh: 50,
			StrategyStoreKey:      "jobqueue:lb:strategy",
			RequestTimeout:        120 * time.Second,
		},
		Archives: Archives{
			ClickHouseEnable:   false,
			ClickHouseDatabase: "jobqueue",
			ClickHouseTable:    "backend_snapshot_mirror",
		},
		AdminAPI: AdminAPI{
			ListenAddr:         ":8080",
			ReadTimeout:        30 * time.Second,
			WriteTimeout:       30 * time.Second,
			ShutdownTimeout:    10 * time.Second,
			RequireAuth:        true,
			DenyByDefault:      true,
			RateLimitEnabled:   true,
			RateLimitPerMinute: 300,
			RateLimitBurst:     30,
			AuditEnabled:       true,
			AuditLogPath:       "./data/audit.log",
			AuditMaxSizeMB:     100,
			AuditMaxBackups:    10,
			AuditMaxAgeDays:    30,
			CORSEnabled:        false,
			CORSAllowOrigins:   []string{"*"},
		},
		CircuitBreaker: CircuitBreaker{
			FailureThreshold: 0.5,
			Window:           1 * time.Minute,
			CooldownPeriod:   30 * time.Second,
			MinSamples:       20,
		},
		Observability: Observability{
			MetricsPort: 9090,
			LogLevel:    "info",
			Tracing:     Tracing{Enabled: false, SamplingStrategy: "probabilistic", SamplingRate: 0.1},
		},
	}
}

// Load reads configuration from a YAML file and environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("JOBQUEUE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("redis.pool_size_multiplier", def.Redis.PoolSizeMultiplier)
	v.SetDefault("redis.min_idle_conns", def.Redis.MinIdleConns)
	v.SetDefault("redis.dial_timeout", def.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", def.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", def.Redis.WriteTimeout)
	v.SetDefault("redis.max_retries", def.Redis.MaxRetries)

	v.SetDefault("database.driver", def.Database.Driver)
	v.SetDefault("database.dsn", def.Database.DSN)
	v.SetDefault("database.max_open_conns", def.Database.MaxOpenConns)
	v.SetDefault("database.max_idle_conns", def.Database.MaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", def.Database.ConnMaxLifetime)

	v.SetDefault("scheduler.tick_seconds", def.Scheduler.TickSeconds)
	v.SetDefault("scheduler.max_concurrent_jobs", def.Scheduler.MaxConcurrentJobs)
	v.SetDefault("scheduler.starvation_tick_seconds", def.Scheduler.StarvationTickSeconds)
	v.SetDefault("scheduler.starvation_increment", def.Scheduler.StarvationIncrement)
	v.SetDefault("scheduler.archive_check_interval_seconds", def.Scheduler.ArchiveCheckIntervalSecs)
	v.SetDefault("scheduler.job_retention_days", def.Scheduler.JobRetentionDays)
	v.SetDefault("scheduler.job_archive_retention_days", def.Scheduler.JobArchiveRetentionDays)
	v.SetDefault("scheduler.snapshot_interval_seconds", def.Scheduler.SnapshotIntervalSeconds)
	v.SetDefault("scheduler.snapshot_retention_days", def.Scheduler.SnapshotRetentionDays)
	v.SetDefault("scheduler.worker_grace_shutdown", def.Scheduler.WorkerGraceShutdown)
	v.SetDefault("scheduler.backend_ps_probe_timeout", def.Scheduler.BackendPSProbeTimeout)
	v.SetDefault("scheduler.backend_health_check_timeout", def.Scheduler.BackendHealthCheckTimeout)
	v.SetDefault("scheduler.backend_health_check_period", def.Scheduler.BackendHealthCheckPeriod)

	v.SetDefault("load_balancer.strategy", def.LoadBalancer.Strategy)
	v.SetDefault("load_balancer.active_jobs_weight", def.LoadBalancer.ActiveJobsWeight)
	v.SetDefault("load_balancer.response_time_weight", def.LoadBalancer.ResponseTimeWeight)
	v.SetDefault("load_balancer.alert_response_time_threshold_ms", def.LoadBalancer.AlertResponseTimeMs)
	v.SetDefault("load_balancer.alert_active_jobs_threshold", def.LoadBalancer.AlertActiveJobsThresh)
	v.SetDefault("load_balancer.strategy_store_key", def.LoadBalancer.StrategyStoreKey)
	v.SetDefault("load_balancer.request_timeout", def.LoadBalancer.RequestTimeout)

	v.SetDefault("archives.clickhouse_enabled", def.Archives.ClickHouseEnable)
	v.SetDefault("archives.clickhouse_database", def.Archives.ClickHouseDatabase)
	v.SetDefault("archives.clickhouse_table", def.Archives.ClickHouseTable)

	v.SetDefault("admin_api.listen_addr", def.AdminAPI.ListenAddr)
	v.SetDefault("admin_api.read_timeout", def.AdminAPI.ReadTimeout)
	v.SetDefault("admin_api.write_timeout", def.AdminAPI.WriteTimeout)
	v.SetDefault("admin_api.shutdown_timeout", def.AdminAPI.ShutdownTimeout)
	v.SetDefault("admin_api.require_auth", def.AdminAPI.RequireAuth)
	v.SetDefault("admin_api.deny_by_default", def.AdminAPI.DenyByDefault)
	v.SetDefault("admin_api.rate_limit_enabled", def.AdminAPI.RateLimitEnabled)
	v.SetDefault("admin_api.rate_limit_per_minute", def.AdminAPI.RateLimitPerMinute)
	v.SetDefault("admin_api.rate_limit_burst", def.AdminAPI.RateLimitBurst)
	v.SetDefault("admin_api.audit_enabled", def.AdminAPI.AuditEnabled)
	v.SetDefault("admin_api.audit_log_path", def.AdminAPI.AuditLogPath)
	v.SetDefault("admin_api.audit_max_size_mb", def.AdminAPI.AuditMaxSizeMB)
	v.SetDefault("admin_api.audit_max_backups", def.AdminAPI.AuditMaxBackups)
	v.SetDefault("admin_api.audit_max_age_days", def.AdminAPI.AuditMaxAgeDays)
	v.SetDefault("admin_api.cors_enabled", def.AdminAPI.CORSEnabled)
	v.SetDefault("admin_api.cors_allow_origins", def.AdminAPI.CORSAllowOrigins)

	v.SetDefault("circuit_breaker.failure_threshold", def.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.window", def.CircuitBreaker.Window)
	v.SetDefault("circuit_breaker.cooldown_period", def.CircuitBreaker.CooldownPeriod)
	v.SetDefault("circuit_breaker.min_samples", def.CircuitBreaker.MinSamples)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)
	v.SetDefault("observability.tracing.endpoint", def.Observability.Tracing.Endpoint)
	v.SetDefault("observability.tracing.sampling_strategy", def.Observability.Tracing.SamplingStrategy)
	v.SetDefault("observability.tracing.sampling_rate", def.Observability.Tracing.SamplingRate)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks config constraints and returns an error on invalid settings.
func Validate(cfg *Config) error {
	if cfg.Scheduler.MaxConcurrentJobs < 1 {
		return fmt.Errorf("scheduler.max_concurrent_jobs must be >= 1")
	}
	if cfg.Scheduler.TickSeconds <= 0 {
		return fmt.Errorf("scheduler.tick_seconds must be > 0")
	}
	if cfg.Scheduler.StarvationTickSeconds <= 0 {
		return fmt.Errorf("scheduler.starvation_tick_seconds must be > 0")
	}
	if cfg.Database.Driver != "postgres" && cfg.Database.Driver != "sqlite3" {
		return fmt.Errorf("database.driver must be postgres or sqlite3, got %q", cfg.Database.Driver)
	}
	switch cfg.LoadBalancer.Strategy {
	case "least_connections", "round_robin", "fastest":
	default:
		return fmt.Errorf("load_balancer.strategy must be one of least_connections|round_robin|fastest")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	return nil
}

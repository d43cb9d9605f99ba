package config

import (
	"log"
	"strings"

	"github.com/spf13/viper"
)

const EnvProduction = "production"

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

type ServerConfig struct {
	Port     string `mapstructure:"port"`
	Env      string `mapstructure:"env"`
	LogLevel string `mapstructure:"log_level"`
}

// IsProduction reports whether destructive admin operations must be refused.
func (s ServerConfig) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(s.Env), EnvProduction)
}

type AuthConfig struct {
	JWTSecret       string           `mapstructure:"jwt_secret"`
	Issuer          string           `mapstructure:"issuer"`
	TokenTTLMinutes int              `mapstructure:"token_ttl_minutes"`
	AdminKey        string           `mapstructure:"admin_key"`
	Operators       []OperatorConfig `mapstructure:"operators"`
}

// OperatorConfig is a back-office user allowed to sign in. PasswordHash is a bcrypt hash.
// An empty Stores list grants access to every store.
type OperatorConfig struct {
	ID           string   `mapstructure:"id"`
	Username     string   `mapstructure:"username"`
	PasswordHash string   `mapstructure:"password_hash"`
	Stores       []string `mapstructure:"stores"`
}

type DatabaseConfig struct {
	DSN                    string `mapstructure:"dsn"`
	AuditRetentionDays     int    `mapstructure:"audit_retention_days"`
	CleanupIntervalMinutes int    `mapstructure:"cleanup_interval_minutes"`
}

type RedisConfig struct {
	Addr                  string `mapstructure:"addr"`
	Password              string `mapstructure:"password"`
	DB                    int    `mapstructure:"db"`
	IdempotencyTTLSeconds int    `mapstructure:"idempotency_ttl_seconds"`
	SessionPrefix         string `mapstructure:"session_prefix"`
}

type AuditConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	QueueName         string `mapstructure:"queue_name"`
	KeyPrefix         string `mapstructure:"key_prefix"`
	DefaultAttempts   int    `mapstructure:"default_attempts"`
	BackoffMs         int    `mapstructure:"backoff_ms"`
	WorkerConcurrency int    `mapstructure:"worker_concurrency"`
	PollIntervalMs    int    `mapstructure:"poll_interval_ms"`
	// a reserved job not finished within the lease is requeued with one attempt counted
	LeaseSeconds        int `mapstructure:"lease_seconds"`
	StalledSweepSeconds int `mapstructure:"stalled_sweep_seconds"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type RateLimitConfig struct {
	QPS   float64 `mapstructure:"qps"`   // per actor, 0 disables
	Burst int     `mapstructure:"burst"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	// e.g. BACKOFFICE_REDIS_ADDR
	v.SetEnvPrefix("backoffice")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("No config file found, using defaults and env vars")
		} else {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("auth.issuer", "backoffice")
	v.SetDefault("auth.token_ttl_minutes", 720)
	v.SetDefault("auth.admin_key", "")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.idempotency_ttl_seconds", 86400)
	v.SetDefault("redis.session_prefix", "session:revoked:")
	v.SetDefault("database.audit_retention_days", 365)
	v.SetDefault("database.cleanup_interval_minutes", 60)
	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.queue_name", "audit-logs")
	v.SetDefault("audit.key_prefix", "queue")
	v.SetDefault("audit.default_attempts", 3)
	v.SetDefault("audit.backoff_ms", 1000)
	v.SetDefault("audit.worker_concurrency", 4)
	v.SetDefault("audit.poll_interval_ms", 500)
	v.SetDefault("audit.lease_seconds", 300)
	v.SetDefault("audit.stalled_sweep_seconds", 30)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("rate_limit.qps", 20)
	v.SetDefault("rate_limit.burst", 40)
}

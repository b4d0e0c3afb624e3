package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Gateway      GatewayConfig      `mapstructure:"gateway"`
	Webhook      WebhookConfig      `mapstructure:"webhook"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	Retry        RetryConfig        `mapstructure:"retry"`
	Verification VerificationConfig `mapstructure:"verification"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Log          LogConfig          `mapstructure:"log"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port" validate:"min=1,max=65535"`
	Mode            string        `mapstructure:"mode" validate:"oneof=debug release test"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes" validate:"gt=0"`
}

// StorageConfig selects the repository backend once at startup.
type StorageConfig struct {
	Backend  string `mapstructure:"backend" validate:"oneof=postgres bolt memory"`
	BoltPath string `mapstructure:"bolt_path" validate:"required_if=Backend bolt"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns the Redis address string.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type GatewayConfig struct {
	Mode             string        `mapstructure:"mode" validate:"oneof=http sandbox"`
	BaseURL          string        `mapstructure:"base_url" validate:"required_if=Mode http"`
	APIKey           string        `mapstructure:"api_key"`
	Timeout          time.Duration `mapstructure:"timeout" validate:"gt=0"`
	MaxInCallRetries int           `mapstructure:"max_in_call_retries" validate:"min=0,max=5"`
	RateLimitRPS     float64       `mapstructure:"rate_limit_rps" validate:"gt=0"`
	RateLimitBurst   int           `mapstructure:"rate_limit_burst" validate:"min=1"`
}

type WebhookConfig struct {
	Secret            string        `mapstructure:"secret" validate:"required"`
	SignatureHeader   string        `mapstructure:"signature_header" validate:"required"`
	Tolerance         time.Duration `mapstructure:"tolerance" validate:"gt=0"`
	ProcessingTimeout time.Duration `mapstructure:"processing_timeout" validate:"gt=0"`
	DedupRetention    time.Duration `mapstructure:"dedup_retention" validate:"gt=0"`
	LockTTL           time.Duration `mapstructure:"lock_ttl" validate:"gt=0"`
}

type SchedulerConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	Interval            time.Duration `mapstructure:"interval" validate:"gt=0"`
	ReauthThreshold     time.Duration `mapstructure:"reauth_threshold" validate:"gt=0"`
	AuthorizationExpiry time.Duration `mapstructure:"authorization_expiry" validate:"gtfield=ReauthThreshold"`
	BatchSize           int           `mapstructure:"batch_size" validate:"min=1"`
	LeaseTTL            time.Duration `mapstructure:"lease_ttl" validate:"gt=0"`
}

type RetryConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Interval    time.Duration `mapstructure:"interval" validate:"gt=0"`
	BaseDelay   time.Duration `mapstructure:"base_delay" validate:"gt=0"`
	MaxDelay    time.Duration `mapstructure:"max_delay" validate:"gtefield=BaseDelay"`
	MaxAttempts int           `mapstructure:"max_attempts" validate:"min=1"`
	Jitter      float64       `mapstructure:"jitter" validate:"min=0,max=1"`
	BatchSize   int           `mapstructure:"batch_size" validate:"min=1"`
	ClaimTTL    time.Duration `mapstructure:"claim_ttl" validate:"gt=0"`
}

// VerificationConfig overrides the per-currency verification amounts (minor units).
type VerificationConfig struct {
	DefaultAmount int64            `mapstructure:"default_amount" validate:"gt=0"`
	Amounts       map[string]int64 `mapstructure:"amounts" validate:"dive,gt=0"`
}

// AuthConfig protects /api/v1 with a service bearer token when Secret is set.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Pretty bool   `mapstructure:"pretty"` // human-readable output (dev only)
}

// Load reads configuration from .env, an optional YAML file and environment
// variables, in increasing precedence. Prefix: DHS_. Nested keys use
// underscore: DHS_DATABASE_HOST, DHS_WEBHOOK_SECRET, etc.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix("DHS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints, including reauth_threshold < authorization_expiry.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.max_body_bytes", 1<<20)

	v.SetDefault("storage.backend", "postgres")
	v.SetDefault("storage.bolt_path", "deposits.db")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.dbname", "deposit_holds")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("gateway.mode", "sandbox")
	v.SetDefault("gateway.base_url", "")
	v.SetDefault("gateway.api_key", "")
	v.SetDefault("gateway.timeout", "10s")
	v.SetDefault("gateway.max_in_call_retries", 2)
	v.SetDefault("gateway.rate_limit_rps", 10)
	v.SetDefault("gateway.rate_limit_burst", 5)

	v.SetDefault("webhook.secret", "")
	v.SetDefault("webhook.signature_header", "Gateway-Signature")
	v.SetDefault("webhook.tolerance", "5m")
	v.SetDefault("webhook.processing_timeout", "10s")
	v.SetDefault("webhook.dedup_retention", "720h")
	v.SetDefault("webhook.lock_ttl", "30s")

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.interval", "1h")
	v.SetDefault("scheduler.reauth_threshold", "144h")
	v.SetDefault("scheduler.authorization_expiry", "168h")
	v.SetDefault("scheduler.batch_size", 100)
	v.SetDefault("scheduler.lease_ttl", "2m")

	v.SetDefault("retry.enabled", true)
	v.SetDefault("retry.interval", "30s")
	v.SetDefault("retry.base_delay", "30s")
	v.SetDefault("retry.max_delay", "1h")
	v.SetDefault("retry.max_attempts", 8)
	v.SetDefault("retry.jitter", 0.2)
	v.SetDefault("retry.batch_size", 50)
	v.SetDefault("retry.claim_ttl", "5m")

	v.SetDefault("verification.default_amount", 300)
	v.SetDefault("verification.amounts", map[string]int64{})

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "deposit-hold-service")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
}

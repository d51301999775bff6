package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// minSecretLength is the smallest JWT signing secret accepted at startup.
const minSecretLength = 32

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	Lockout   LockoutConfig
	RateLimit RateLimitConfig
	Sweep     SweepConfig
	CORS      CORSConfig
	Log       LogConfig
	Cache     CacheConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type JWTConfig struct {
	Secret            string
	Expiration        time.Duration
	RefreshExpiration time.Duration
}

// LockoutConfig tunes the failed-login lockout state machine.
type LockoutConfig struct {
	MaxAttempts int
	Duration    time.Duration
}

// RateLimitConfig holds per-category requests-per-minute budgets.
type RateLimitConfig struct {
	AuthPerMinute  int
	APIPerMinute   int
	AdminPerMinute int
	IdleBucketTTL  time.Duration
}

// SweepConfig schedules the background expiry sweeps.
type SweepConfig struct {
	RefreshTokenInterval time.Duration
	BlacklistInterval    time.Duration
	RateBucketInterval   time.Duration
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// CacheConfig controls the Redis response cache for task reads.
type CacheConfig struct {
	Enabled bool
	TTL     time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.JWT = JWTConfig{
		Secret:            v.GetString("JWT_SECRET"),
		Expiration:        parseDuration(v.GetString("JWT_EXPIRATION"), 15*time.Minute),
		RefreshExpiration: parseDuration(v.GetString("REFRESH_TOKEN_EXPIRATION"), 7*24*time.Hour),
	}

	cfg.Lockout = LockoutConfig{
		MaxAttempts: v.GetInt("LOCKOUT_MAX_ATTEMPTS"),
		Duration:    parseDuration(v.GetString("LOCKOUT_DURATION"), 15*time.Minute),
	}

	cfg.RateLimit = RateLimitConfig{
		AuthPerMinute:  v.GetInt("RATE_LIMIT_AUTH_PER_MINUTE"),
		APIPerMinute:   v.GetInt("RATE_LIMIT_API_PER_MINUTE"),
		AdminPerMinute: v.GetInt("RATE_LIMIT_ADMIN_PER_MINUTE"),
		IdleBucketTTL:  parseDuration(v.GetString("RATE_LIMIT_IDLE_TTL"), time.Hour),
	}

	cfg.Sweep = SweepConfig{
		RefreshTokenInterval: parseDuration(v.GetString("TOKEN_SWEEP_INTERVAL"), 24*time.Hour),
		BlacklistInterval:    parseDuration(v.GetString("BLACKLIST_SWEEP_INTERVAL"), time.Hour),
		RateBucketInterval:   parseDuration(v.GetString("RATE_BUCKET_SWEEP_INTERVAL"), 10*time.Minute),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Cache = CacheConfig{
		Enabled: v.GetBool("ENABLE_CACHE"),
		TTL:     parseDuration(v.GetString("CACHE_TTL"), 5*time.Minute),
	}

	return cfg, nil
}

// Validate enforces the invariants the process cannot start without.
func (c *Config) Validate() error {
	if len(c.JWT.Secret) < minSecretLength {
		return fmt.Errorf("JWT_SECRET must be at least %d bytes, got %d", minSecretLength, len(c.JWT.Secret))
	}
	if c.JWT.Expiration <= 0 || c.JWT.RefreshExpiration <= 0 {
		return errors.New("token lifetimes must be positive")
	}
	if c.Lockout.MaxAttempts <= 0 {
		return errors.New("LOCKOUT_MAX_ATTEMPTS must be positive")
	}
	if c.RateLimit.AuthPerMinute <= 0 || c.RateLimit.APIPerMinute <= 0 || c.RateLimit.AdminPerMinute <= 0 {
		return errors.New("rate limit budgets must be positive")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "taskapp")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_SECRET", "")
	v.SetDefault("JWT_EXPIRATION", "15m")
	v.SetDefault("REFRESH_TOKEN_EXPIRATION", "168h")

	v.SetDefault("LOCKOUT_MAX_ATTEMPTS", 5)
	v.SetDefault("LOCKOUT_DURATION", "15m")

	v.SetDefault("RATE_LIMIT_AUTH_PER_MINUTE", 5)
	v.SetDefault("RATE_LIMIT_API_PER_MINUTE", 100)
	v.SetDefault("RATE_LIMIT_ADMIN_PER_MINUTE", 200)
	v.SetDefault("RATE_LIMIT_IDLE_TTL", "1h")

	v.SetDefault("TOKEN_SWEEP_INTERVAL", "24h")
	v.SetDefault("BLACKLIST_SWEEP_INTERVAL", "1h")
	v.SetDefault("RATE_BUCKET_SWEEP_INTERVAL", "10m")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("ENABLE_CACHE", false)
	v.SetDefault("CACHE_TTL", "5m")
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}

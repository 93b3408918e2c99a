package config

import (
	"errors"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database      DatabaseConfig
	Redis         RedisConfig
	JWT           JWTConfig
	CORS          CORSConfig
	Log           LogConfig
	Enrollment    EnrollmentConfig
	Periods       PeriodsConfig
	Billing       BillingConfig
	Notifications NotificationsConfig
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
	Secret string
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// EnrollmentConfig bounds enrollment workflow inputs.
type EnrollmentConfig struct {
	RejectReasonMinLen int
	RejectReasonMaxLen int
	PaymentDueDays     int
}

// PeriodsConfig tunes the period sweep scheduler.
type PeriodsConfig struct {
	SweepInterval  time.Duration
	SweepLockTTL   time.Duration
	ActiveCacheTTL time.Duration
}

// BillingConfig governs payment validation and late fee math.
type BillingConfig struct {
	OverpaymentTolerance int64
	LateFeePerDay        int64
	LateFeeGraceDays     int
	LateFeeCap           int64
}

// NotificationsConfig sizes the async dispatch queue.
type NotificationsConfig struct {
	Workers    int
	BufferSize int
	MaxRetries int
	RetryDelay time.Duration
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
		Secret: v.GetString("JWT_SECRET"),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Enrollment = EnrollmentConfig{
		RejectReasonMinLen: v.GetInt("ENROLLMENT_REJECT_REASON_MIN_LEN"),
		RejectReasonMaxLen: v.GetInt("ENROLLMENT_REJECT_REASON_MAX_LEN"),
		PaymentDueDays:     v.GetInt("ENROLLMENT_PAYMENT_DUE_DAYS"),
	}

	cfg.Periods = PeriodsConfig{
		SweepInterval:  parseDuration(v.GetString("PERIOD_SWEEP_INTERVAL"), time.Hour),
		SweepLockTTL:   parseDuration(v.GetString("PERIOD_SWEEP_LOCK_TTL"), 5*time.Minute),
		ActiveCacheTTL: parseDuration(v.GetString("PERIOD_ACTIVE_CACHE_TTL"), 10*time.Minute),
	}

	cfg.Billing = BillingConfig{
		OverpaymentTolerance: v.GetInt64("BILLING_OVERPAYMENT_TOLERANCE"),
		LateFeePerDay:        v.GetInt64("BILLING_LATE_FEE_PER_DAY"),
		LateFeeGraceDays:     v.GetInt("BILLING_LATE_FEE_GRACE_DAYS"),
		LateFeeCap:           v.GetInt64("BILLING_LATE_FEE_CAP"),
	}

	cfg.Notifications = NotificationsConfig{
		Workers:    v.GetInt("NOTIFICATIONS_WORKERS"),
		BufferSize: v.GetInt("NOTIFICATIONS_BUFFER_SIZE"),
		MaxRetries: v.GetInt("NOTIFICATIONS_MAX_RETRIES"),
		RetryDelay: parseDuration(v.GetString("NOTIFICATIONS_RETRY_DELAY"), 5*time.Second),
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "sis_registrar")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_SECRET", "dev_secret")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("ENROLLMENT_REJECT_REASON_MIN_LEN", 10)
	v.SetDefault("ENROLLMENT_REJECT_REASON_MAX_LEN", 500)
	v.SetDefault("ENROLLMENT_PAYMENT_DUE_DAYS", 30)

	v.SetDefault("PERIOD_SWEEP_INTERVAL", "1h")
	v.SetDefault("PERIOD_SWEEP_LOCK_TTL", "5m")
	v.SetDefault("PERIOD_ACTIVE_CACHE_TTL", "10m")

	// Amounts are in centavos. Overpayment disallowed by default.
	v.SetDefault("BILLING_OVERPAYMENT_TOLERANCE", 0)
	v.SetDefault("BILLING_LATE_FEE_PER_DAY", 5000)
	v.SetDefault("BILLING_LATE_FEE_GRACE_DAYS", 7)
	v.SetDefault("BILLING_LATE_FEE_CAP", 500000)

	v.SetDefault("NOTIFICATIONS_WORKERS", 2)
	v.SetDefault("NOTIFICATIONS_BUFFER_SIZE", 64)
	v.SetDefault("NOTIFICATIONS_MAX_RETRIES", 3)
	v.SetDefault("NOTIFICATIONS_RETRY_DELAY", "5s")
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

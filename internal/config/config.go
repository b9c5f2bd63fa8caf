package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Auth      AuthConfig
	Reset     ResetConfig
	RateLimit RateLimitConfig
	Postgres  PostgresConfig
	Redis     RedisConfig
	Log       LogConfig
	Admin     AdminConfig
}

type ServerConfig struct {
	Port           string
	GinMode        string
	AllowedOrigins []string
	TrustedProxies []string
}

type AuthConfig struct {
	JWTSecret   string
	Issuer      string
	Audience    string
	AccessTTL   time.Duration
	RefreshTTL  time.Duration
	BcryptCost  int
	HashWorkers int
}

type ResetConfig struct {
	TokenTTL      time.Duration
	SweepInterval time.Duration
	URL           string
	WebhookURL    string
}

type RateLimitConfig struct {
	General Limit
	Auth    Limit
	Contact Limit
	MaxKeys int
}

type Limit struct {
	Max    int
	Window time.Duration
}

type PostgresConfig struct {
	DatabaseURL string
	Host        string
	Port        string
	User        string
	Password    string
	Database    string
	SSLMode     string
}

// Enabled reports whether enough settings are present to open a pool.
func (c PostgresConfig) Enabled() bool {
	return c.DatabaseURL != "" || (c.User != "" && c.Database != "")
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func (c RedisConfig) Enabled() bool {
	return c.Addr != ""
}

type LogConfig struct {
	Level  string
	Format string
}

type AdminConfig struct {
	Email    string
	Password string
}

// Load reads an optional .env file and then the process environment.
func Load() (Config, error) {
	if err := loadDotenv(); err != nil {
		return Config{}, err
	}
	return FromViper(NewViper())
}

// LoadPostgres reads only the database settings, for commands that never
// sign tokens.
func LoadPostgres() (PostgresConfig, error) {
	if err := loadDotenv(); err != nil {
		return PostgresConfig{}, err
	}
	return postgresFromViper(NewViper()), nil
}

func loadDotenv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

func NewViper() *viper.Viper {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("GIN_MODE", "release")
	v.SetDefault("CORS_ALLOWED_ORIGINS", "")
	v.SetDefault("TRUSTED_PROXIES", "")

	v.SetDefault("JWT_ISSUER", "credential-service")
	v.SetDefault("JWT_AUDIENCE", "credential-service-clients")
	v.SetDefault("JWT_ACCESS_TTL", "12h")
	v.SetDefault("JWT_REFRESH_TTL", "336h")
	v.SetDefault("BCRYPT_COST", 12)
	v.SetDefault("HASH_WORKERS", runtime.NumCPU())

	v.SetDefault("RESET_TOKEN_TTL", "30m")
	v.SetDefault("RESET_SWEEP_INTERVAL", "5m")
	v.SetDefault("RESET_URL", "http://localhost:3000/reset-password?token={{reset.token}}")

	v.SetDefault("RATE_LIMIT_GENERAL_MAX", 100)
	v.SetDefault("RATE_LIMIT_GENERAL_WINDOW", "15m")
	v.SetDefault("RATE_LIMIT_AUTH_MAX", 5)
	v.SetDefault("RATE_LIMIT_AUTH_WINDOW", "15m")
	v.SetDefault("RATE_LIMIT_CONTACT_MAX", 3)
	v.SetDefault("RATE_LIMIT_CONTACT_WINDOW", "60m")
	v.SetDefault("RATE_LIMIT_MAX_KEYS", 10000)

	v.SetDefault("PGHOST", "localhost")
	v.SetDefault("PGPORT", "5432")
	v.SetDefault("PGSSLMODE", "disable")

	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	return v
}

// FromViper builds and validates a Config from an already populated viper
// instance. Tests use it with v.Set overrides.
func FromViper(v *viper.Viper) (Config, error) {
	cfg := Config{
		Server: ServerConfig{
			Port:           v.GetString("PORT"),
			GinMode:        v.GetString("GIN_MODE"),
			AllowedOrigins: splitList(v.GetString("CORS_ALLOWED_ORIGINS")),
			TrustedProxies: splitList(v.GetString("TRUSTED_PROXIES")),
		},
		Auth: AuthConfig{
			JWTSecret:   v.GetString("JWT_SECRET"),
			Issuer:      v.GetString("JWT_ISSUER"),
			Audience:    v.GetString("JWT_AUDIENCE"),
			AccessTTL:   v.GetDuration("JWT_ACCESS_TTL"),
			RefreshTTL:  v.GetDuration("JWT_REFRESH_TTL"),
			BcryptCost:  v.GetInt("BCRYPT_COST"),
			HashWorkers: v.GetInt("HASH_WORKERS"),
		},
		Reset: ResetConfig{
			TokenTTL:      v.GetDuration("RESET_TOKEN_TTL"),
			SweepInterval: v.GetDuration("RESET_SWEEP_INTERVAL"),
			URL:           v.GetString("RESET_URL"),
			WebhookURL:    v.GetString("RESET_WEBHOOK_URL"),
		},
		RateLimit: RateLimitConfig{
			General: Limit{Max: v.GetInt("RATE_LIMIT_GENERAL_MAX"), Window: v.GetDuration("RATE_LIMIT_GENERAL_WINDOW")},
			Auth:    Limit{Max: v.GetInt("RATE_LIMIT_AUTH_MAX"), Window: v.GetDuration("RATE_LIMIT_AUTH_WINDOW")},
			Contact: Limit{Max: v.GetInt("RATE_LIMIT_CONTACT_MAX"), Window: v.GetDuration("RATE_LIMIT_CONTACT_WINDOW")},
			MaxKeys: v.GetInt("RATE_LIMIT_MAX_KEYS"),
		},
		Postgres: postgresFromViper(v),
		Redis: RedisConfig{
			Addr:     v.GetString("REDIS_ADDR"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
		},
		Log: LogConfig{
			Level:  v.GetString("LOG_LEVEL"),
			Format: v.GetString("LOG_FORMAT"),
		},
		Admin: AdminConfig{
			Email:    v.GetString("ADMIN_EMAIL"),
			Password: v.GetString("ADMIN_PASSWORD"),
		},
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func postgresFromViper(v *viper.Viper) PostgresConfig {
	return PostgresConfig{
		DatabaseURL: v.GetString("DATABASE_URL"),
		Host:        v.GetString("PGHOST"),
		Port:        v.GetString("PGPORT"),
		User:        v.GetString("PGUSER"),
		Password:    v.GetString("PGPASSWORD"),
		Database:    v.GetString("PGDATABASE"),
		SSLMode:     v.GetString("PGSSLMODE"),
	}
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.Auth.AccessTTL <= 0 {
		errs = append(errs, errors.New("JWT_ACCESS_TTL must be positive"))
	}
	if c.Auth.RefreshTTL <= 0 {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be positive"))
	}
	if c.Auth.BcryptCost < 4 || c.Auth.BcryptCost > 31 {
		errs = append(errs, fmt.Errorf("BCRYPT_COST must be between 4 and 31 (got %d)", c.Auth.BcryptCost))
	}
	if c.Auth.HashWorkers < 1 {
		errs = append(errs, errors.New("HASH_WORKERS must be at least 1"))
	}
	if c.Reset.TokenTTL <= 0 {
		errs = append(errs, errors.New("RESET_TOKEN_TTL must be positive"))
	}
	for name, l := range map[string]Limit{
		"GENERAL": c.RateLimit.General,
		"AUTH":    c.RateLimit.Auth,
		"CONTACT": c.RateLimit.Contact,
	} {
		if l.Max < 1 || l.Window <= 0 {
			errs = append(errs, fmt.Errorf("RATE_LIMIT_%s_MAX and RATE_LIMIT_%s_WINDOW must be positive", name, name))
		}
	}
	if c.RateLimit.MaxKeys < 1 {
		errs = append(errs, errors.New("RATE_LIMIT_MAX_KEYS must be at least 1"))
	}
	return errors.Join(errs...)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

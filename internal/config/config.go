package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Data and auth backends.
const (
	BackendREST     = "rest"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
	BackendGoTrue   = "gotrue"
)

type Config struct {
	Port                 string        `mapstructure:"PORT"`
	Env                  string        `mapstructure:"ENV"`
	SupabaseURL          string        `mapstructure:"SUPABASE_URL"`
	SupabaseAnonKey      string        `mapstructure:"SUPABASE_ANON_KEY"`
	SupabaseServiceKey   string        `mapstructure:"SUPABASE_SERVICE_KEY"`
	SupabaseJWTSecret    string        `mapstructure:"SUPABASE_JWT_SECRET"`
	DataBackend          string        `mapstructure:"DATA_BACKEND"`
	AuthBackend          string        `mapstructure:"AUTH_BACKEND"`
	DatabaseURL          string        `mapstructure:"DATABASE_URL"`
	DBMaxConns           int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns           int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL             string        `mapstructure:"REDIS_URL"`
	CORSOrigins          []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS         float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst       int           `mapstructure:"RATE_LIMIT_BURST"`
	SiteURL              string        `mapstructure:"SITE_URL"`
	Timezone             string        `mapstructure:"TIMEZONE"`
	WebRoot              string        `mapstructure:"WEB_ROOT"`
	BodyLimit            string        `mapstructure:"BODY_LIMIT"`
	WorkspaceIdleTimeout time.Duration `mapstructure:"WORKSPACE_IDLE_TIMEOUT"`
	RemoteTimeout        time.Duration `mapstructure:"REMOTE_TIMEOUT"`
	RemoteRetries        int           `mapstructure:"REMOTE_RETRIES"`
	PendingRetryInterval time.Duration `mapstructure:"PENDING_RETRY_INTERVAL"`
}

var keys = []string{
	"PORT", "ENV",
	"SUPABASE_URL", "SUPABASE_ANON_KEY", "SUPABASE_SERVICE_KEY", "SUPABASE_JWT_SECRET",
	"DATA_BACKEND", "AUTH_BACKEND",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"SITE_URL", "TIMEZONE", "WEB_ROOT", "BODY_LIMIT",
	"WORKSPACE_IDLE_TIMEOUT", "REMOTE_TIMEOUT", "REMOTE_RETRIES", "PENDING_RETRY_INTERVAL",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DATA_BACKEND", BackendREST)
	v.SetDefault("AUTH_BACKEND", BackendGoTrue)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("CORS_ORIGINS", "http://localhost:5173")
	v.SetDefault("RATE_LIMIT_RPS", 5)
	v.SetDefault("RATE_LIMIT_BURST", 10)
	v.SetDefault("SITE_URL", "http://localhost:8000")
	v.SetDefault("TIMEZONE", "Local")
	v.SetDefault("WEB_ROOT", "")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("WORKSPACE_IDLE_TIMEOUT", "30m")
	v.SetDefault("REMOTE_TIMEOUT", "15s")
	v.SetDefault("REMOTE_RETRIES", 2)
	v.SetDefault("PENDING_RETRY_INTERVAL", "1m")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	for i, o := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(o)
	}
	cfg.DataBackend = strings.ToLower(cfg.DataBackend)
	cfg.AuthBackend = strings.ToLower(cfg.AuthBackend)

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Location resolves TIMEZONE. Calendar-day filters use it.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("TIMEZONE: %w", err)
	}
	return loc, nil
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	switch c.DataBackend {
	case BackendREST:
		if c.SupabaseURL == "" || c.SupabaseAnonKey == "" {
			return fmt.Errorf("SUPABASE_URL and SUPABASE_ANON_KEY are required when DATA_BACKEND is %q", BackendREST)
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when DATA_BACKEND is %q", BackendPostgres)
		}
	case BackendMemory:
	default:
		return fmt.Errorf("DATA_BACKEND must be \"rest\", \"postgres\", or \"memory\", got %q", c.DataBackend)
	}

	switch c.AuthBackend {
	case BackendGoTrue:
		if c.SupabaseURL == "" || c.SupabaseAnonKey == "" {
			return fmt.Errorf("SUPABASE_URL and SUPABASE_ANON_KEY are required when AUTH_BACKEND is %q", BackendGoTrue)
		}
	case BackendMemory:
		if c.IsProduction() {
			return fmt.Errorf("AUTH_BACKEND %q is not allowed in production", BackendMemory)
		}
		if c.SupabaseJWTSecret == "" {
			return fmt.Errorf("SUPABASE_JWT_SECRET is required when AUTH_BACKEND is %q", BackendMemory)
		}
	default:
		return fmt.Errorf("AUTH_BACKEND must be \"gotrue\" or \"memory\", got %q", c.AuthBackend)
	}

	// The in-memory tables only know in-memory users; REST tables need a
	// GoTrue token to pass row-level security.
	if c.DataBackend == BackendREST && c.AuthBackend != BackendGoTrue {
		return fmt.Errorf("DATA_BACKEND %q requires AUTH_BACKEND %q", BackendREST, BackendGoTrue)
	}

	if c.SiteURL == "" {
		return fmt.Errorf("SITE_URL is required")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}
	if c.WorkspaceIdleTimeout <= 0 {
		return fmt.Errorf("WORKSPACE_IDLE_TIMEOUT must be positive")
	}
	if c.RemoteRetries < 0 {
		return fmt.Errorf("REMOTE_RETRIES must not be negative")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	return nil
}

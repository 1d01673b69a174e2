package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Port              string        `mapstructure:"PORT"`
	Env               string        `mapstructure:"ENV"`
	LogLevel          string        `mapstructure:"LOG_LEVEL"`
	DatabaseURL       string        `mapstructure:"DATABASE_URL"`
	DBMaxConns        int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns        int32         `mapstructure:"DB_MIN_CONNS"`
	MigrationsDir     string        `mapstructure:"MIGRATIONS_DIR"`
	FHIRServerURL     string        `mapstructure:"FHIR_SERVER_URL"`
	FHIRTimeout       time.Duration `mapstructure:"FHIR_TIMEOUT"`
	EncryptionKey     string        `mapstructure:"ENCRYPTION_KEY"`
	EncryptionIV      string        `mapstructure:"ENCRYPTION_IV"`
	EncryptionMode    string        `mapstructure:"ENCRYPTION_MODE"`
	JWTSigningKey     string        `mapstructure:"JWT_SIGNING_KEY"`
	JWTIssuer         string        `mapstructure:"JWT_ISSUER"`
	JWTAudience       string        `mapstructure:"JWT_AUDIENCE"`
	CORSOrigins       []string      `mapstructure:"CORS_ORIGINS"`
	ReconcileInterval time.Duration `mapstructure:"RECONCILE_INTERVAL"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("MIGRATIONS_DIR", "")
	v.SetDefault("FHIR_TIMEOUT", "30s")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RECONCILE_INTERVAL", "0s")
	v.SetDefault("ENCRYPTION_MODE", "legacy")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("LOG_LEVEL")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("MIGRATIONS_DIR")
	v.BindEnv("FHIR_SERVER_URL")
	v.BindEnv("FHIR_TIMEOUT")
	v.BindEnv("ENCRYPTION_KEY")
	v.BindEnv("ENCRYPTION_IV")
	v.BindEnv("ENCRYPTION_MODE")
	v.BindEnv("JWT_SIGNING_KEY")
	v.BindEnv("JWT_ISSUER")
	v.BindEnv("JWT_AUDIENCE")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("RECONCILE_INTERVAL")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() && cfg.JWTSigningKey == "" {
		log.Warn().Msg("ENV=development without JWT_SIGNING_KEY: requests are attributed to the dev user")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks the settings the sync services cannot run without. The
// encryption key and IV are used as-is (padded or truncated), so only their
// presence is checked here.
func (c *Config) Validate() error {
	if c.FHIRServerURL == "" {
		return fmt.Errorf("FHIR_SERVER_URL is required")
	}
	u, err := url.Parse(c.FHIRServerURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("FHIR_SERVER_URL must be an absolute URL, got %q", c.FHIRServerURL)
	}
	if c.EncryptionKey == "" {
		return fmt.Errorf("ENCRYPTION_KEY is required")
	}
	if c.EncryptionIV == "" {
		return fmt.Errorf("ENCRYPTION_IV is required")
	}
	if c.EncryptionMode != "legacy" && c.EncryptionMode != "sealed" {
		return fmt.Errorf("ENCRYPTION_MODE must be legacy or sealed, got %q", c.EncryptionMode)
	}
	if !c.IsDev() && c.JWTSigningKey == "" {
		return fmt.Errorf("JWT_SIGNING_KEY is required outside development (current ENV=%q)", c.Env)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) must not exceed DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.ReconcileInterval < 0 {
		return fmt.Errorf("RECONCILE_INTERVAL must not be negative")
	}
	return nil
}

// Package config loads server configuration from the environment and an
// optional .env file.
package config

import (
	"fmt"
	"log"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT" validate:"required"`
	Env         string `mapstructure:"ENV" validate:"oneof=development staging production"`
	BaseURL     string `mapstructure:"BASE_URL" validate:"required,url"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS" validate:"gte=1"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS" validate:"gte=0"`

	// Persistence selects the repository backend.
	Persistence string `mapstructure:"PERSISTENCE" validate:"oneof=memory postgres"`

	JWTSecret string `mapstructure:"JWT_SECRET"`

	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	// ResourceHandlers lists the resource packages to register, in
	// registration order. Order matters outside strict mode: the last
	// registration for a resource type wins.
	ResourceHandlers []string `mapstructure:"RESOURCE_HANDLERS" validate:"min=1,dive,oneof=patient relatedperson practitioner organization location encounter observation condition bundle"`

	// StrictHandlerRegistry makes a duplicate handler registration a startup
	// error instead of a replacement.
	StrictHandlerRegistry bool `mapstructure:"STRICT_HANDLER_REGISTRY"`

	RequestTimeout int   `mapstructure:"REQUEST_TIMEOUT_SECONDS" validate:"gte=1"`
	MaxBodyBytes   int64 `mapstructure:"MAX_BODY_BYTES" validate:"gte=1024"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("BASE_URL", "http://localhost:8000/fhir")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("PERSISTENCE", "postgres")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RESOURCE_HANDLERS", "patient,relatedperson,practitioner,organization,location,encounter,observation,condition,bundle")
	v.SetDefault("STRICT_HANDLER_REGISTRY", false)
	v.SetDefault("REQUEST_TIMEOUT_SECONDS", 30)
	v.SetDefault("MAX_BODY_BYTES", 4<<20)

	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("BASE_URL")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("PERSISTENCE")
	v.BindEnv("JWT_SECRET")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("RESOURCE_HANDLERS")
	v.BindEnv("STRICT_HANDLER_REGISTRY")
	v.BindEnv("REQUEST_TIMEOUT_SECONDS")
	v.BindEnv("MAX_BODY_BYTES")

	// Missing .env is fine; the environment alone can carry everything.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Viper splits env lists on commas but leaves whitespace around the
	// elements, and a value set programmatically may not be split at all.
	cfg.CORSOrigins = normalizeList(cfg.CORSOrigins)
	cfg.ResourceHandlers = normalizeList(cfg.ResourceHandlers)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.IsDev() {
		log.Println("WARNING: running in development mode, requests are not authenticated")
	}
	return cfg, nil
}

// Validate applies the struct tags plus the cross-field rules the tags
// cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Persistence == "postgres" && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required when PERSISTENCE=postgres")
	}
	if !c.IsDev() && c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required outside development")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS exceeds DB_MAX_CONNS")
	}
	return nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// normalizeList re-splits any element still carrying commas, trims every
// element, and drops empties.
func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		for _, p := range strings.Split(s, ",") {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
	}
	return out
}

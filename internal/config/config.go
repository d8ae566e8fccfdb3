package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL       string        `mapstructure:"REDIS_URL"`
	AuthIssuer     string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string        `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string        `mapstructure:"AUTH_SIGNING_KEY"`
	DefaultTenant  string        `mapstructure:"DEFAULT_TENANT"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	OTLPEndpoint   string        `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	MatchCacheTTL     time.Duration `mapstructure:"MATCH_CACHE_TTL"`
	MatchTimeout      time.Duration `mapstructure:"MATCH_TIMEOUT"`
	MatchWorkers      int           `mapstructure:"MATCH_WORKERS"`
	MatchMaxDistance  float64       `mapstructure:"MATCH_MAX_DISTANCE"`
	MatchDistanceUnit string        `mapstructure:"MATCH_DISTANCE_UNIT"`
	MatchLexiconFile  string        `mapstructure:"MATCH_LEXICON_FILE"`
}

var keys = []string{
	"PORT",
	"ENV",
	"DATABASE_URL",
	"DB_MAX_CONNS",
	"DB_MIN_CONNS",
	"REDIS_URL",
	"AUTH_ISSUER",
	"AUTH_AUDIENCE",
	"AUTH_SIGNING_KEY",
	"DEFAULT_TENANT",
	"CORS_ORIGINS",
	"REQUEST_TIMEOUT",
	"OTEL_EXPORTER_OTLP_ENDPOINT",
	"MATCH_CACHE_TTL",
	"MATCH_TIMEOUT",
	"MATCH_WORKERS",
	"MATCH_MAX_DISTANCE",
	"MATCH_DISTANCE_UNIT",
	"MATCH_LEXICON_FILE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("MATCH_CACHE_TTL", "10m")
	v.SetDefault("MATCH_TIMEOUT", "5s")
	v.SetDefault("MATCH_WORKERS", 0)
	v.SetDefault("MATCH_MAX_DISTANCE", 100)
	v.SetDefault("MATCH_DISTANCE_UNIT", "miles")

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

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: DevAuthMiddleware is active, all requests get admin access.")
		log.Println("WARNING: Set ENV=production and AUTH_SIGNING_KEY for production.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks that the configuration is safe to run. Outside development
// a JWT signing key and issuer are required.
func (c *Config) Validate() error {
	if !c.IsDev() {
		if c.AuthSigningKey == "" {
			return fmt.Errorf("AUTH_SIGNING_KEY is required when ENV=%q", c.Env)
		}
		if c.AuthIssuer == "" {
			return fmt.Errorf("AUTH_ISSUER is required when ENV=%q", c.Env)
		}
	}
	switch strings.ToLower(c.MatchDistanceUnit) {
	case "miles", "km":
	default:
		return fmt.Errorf("MATCH_DISTANCE_UNIT must be \"miles\" or \"km\", got %q", c.MatchDistanceUnit)
	}
	if c.MatchMaxDistance <= 0 {
		return fmt.Errorf("MATCH_MAX_DISTANCE must be positive, got %v", c.MatchMaxDistance)
	}
	if c.MatchWorkers < 0 {
		return fmt.Errorf("MATCH_WORKERS must not be negative, got %d", c.MatchWorkers)
	}
	if c.MatchTimeout <= 0 {
		return fmt.Errorf("MATCH_TIMEOUT must be positive, got %s", c.MatchTimeout)
	}
	return nil
}

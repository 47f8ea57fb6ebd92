package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string   `mapstructure:"PORT"`
	Env            string   `mapstructure:"ENV"`
	AuthMode       string   `mapstructure:"AUTH_MODE"`
	DatabaseURL    string   `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32    `mapstructure:"DB_MIN_CONNS"`
	RedisURL       string   `mapstructure:"REDIS_URL"`
	AuthIssuer     string   `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string   `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string   `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string   `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`

	TxTimeout                time.Duration `mapstructure:"TX_TIMEOUT"`
	MaxActiveLoad            int           `mapstructure:"MAX_ACTIVE_LOAD"`
	AssignmentHandlingWindow time.Duration `mapstructure:"ASSIGNMENT_HANDLING_WINDOW"`
	TriagePolicy             string        `mapstructure:"TRIAGE_POLICY"`

	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST"`

	OTelEndpoint    string `mapstructure:"OTEL_ENDPOINT"`
	OTelServiceName string `mapstructure:"OTEL_SERVICE_NAME"`
	EventsChannel   string `mapstructure:"EVENTS_CHANNEL"`
}

var keys = []string{
	"PORT", "ENV", "AUTH_MODE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"REDIS_URL", "AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"CORS_ORIGINS", "TX_TIMEOUT", "MAX_ACTIVE_LOAD", "ASSIGNMENT_HANDLING_WINDOW",
	"TRIAGE_POLICY", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "OTEL_ENDPOINT", "OTEL_SERVICE_NAME", "EVENTS_CHANNEL",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "") // "" -> inferred from ENV
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("TX_TIMEOUT", "5s")
	v.SetDefault("MAX_ACTIVE_LOAD", 5)
	v.SetDefault("ASSIGNMENT_HANDLING_WINDOW", "720h")
	v.SetDefault("TRIAGE_POLICY", "declared")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("OTEL_SERVICE_NAME", "stixconnect")
	v.SetDefault("EVENTS_CHANNEL", "stixconnect:consultations")

	for _, k := range keys {
		v.BindEnv(k)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: requests without a token act as admin. Do NOT use in production.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns AUTH_MODE when set. Otherwise development
// environments get "development" and everything else "jwt".
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "jwt"
}

func (c *Config) Validate() error {
	switch mode := c.ResolvedAuthMode(); mode {
	case "development":
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE=development is not allowed when ENV=production")
		}
	case "jwt":
		if c.AuthSigningKey == "" && c.AuthJWKSURL == "" {
			return fmt.Errorf("AUTH_MODE=jwt requires AUTH_SIGNING_KEY or AUTH_JWKS_URL")
		}
	default:
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"jwt\", got %q", mode)
	}

	if c.TxTimeout <= 0 {
		return fmt.Errorf("TX_TIMEOUT must be positive, got %s", c.TxTimeout)
	}
	if c.MaxActiveLoad <= 0 {
		return fmt.Errorf("MAX_ACTIVE_LOAD must be positive, got %d", c.MaxActiveLoad)
	}
	if c.AssignmentHandlingWindow <= 0 {
		return fmt.Errorf("ASSIGNMENT_HANDLING_WINDOW must be positive, got %s", c.AssignmentHandlingWindow)
	}
	if c.TriagePolicy != "declared" && c.TriagePolicy != "vitals" {
		return fmt.Errorf("TRIAGE_POLICY must be \"declared\" or \"vitals\", got %q", c.TriagePolicy)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	return nil
}

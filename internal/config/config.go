package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

type Config struct {
	Port                  string        `mapstructure:"PORT"`
	Env                   string        `mapstructure:"ENV"`
	Store                 string        `mapstructure:"STORE"`
	DatabaseURL           string        `mapstructure:"DATABASE_URL"`
	DBMaxConns            int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns            int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL              string        `mapstructure:"REDIS_URL"`
	KafkaBrokers          string        `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic            string        `mapstructure:"KAFKA_TOPIC"`
	SQSEmailQueueURL      string        `mapstructure:"SQS_EMAIL_QUEUE_URL"`
	SQSSMSQueueURL        string        `mapstructure:"SQS_SMS_QUEUE_URL"`
	AuthIssuer            string        `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL           string        `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience          string        `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey        string        `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins           []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS          float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst        int           `mapstructure:"RATE_LIMIT_BURST"`
	Timezone              string        `mapstructure:"TIMEZONE"`
	CancellationWindow    time.Duration `mapstructure:"CANCELLATION_WINDOW"`
	EscalationRadiusKm    float64       `mapstructure:"ESCALATION_RADIUS_KM"`
	EscalationTopN        int           `mapstructure:"ESCALATION_TOP_N"`
	LedgerRefreshInterval time.Duration `mapstructure:"LEDGER_REFRESH_INTERVAL"`
	HubSendBuffer         int           `mapstructure:"HUB_SEND_BUFFER"`
}

var keys = []string{
	"PORT", "ENV", "STORE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"REDIS_URL", "KAFKA_BROKERS", "KAFKA_TOPIC", "SQS_EMAIL_QUEUE_URL", "SQS_SMS_QUEUE_URL",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY", "CORS_ORIGINS",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "TIMEZONE", "CANCELLATION_WINDOW",
	"ESCALATION_RADIUS_KM", "ESCALATION_TOP_N", "LEDGER_REFRESH_INTERVAL", "HUB_SEND_BUFFER",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("STORE", StorePostgres)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("KAFKA_TOPIC", "medibook.appointment-events")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("TIMEZONE", "UTC")
	v.SetDefault("CANCELLATION_WINDOW", "2h")
	v.SetDefault("ESCALATION_RADIUS_KM", 10)
	v.SetDefault("ESCALATION_TOP_N", 3)
	v.SetDefault("LEDGER_REFRESH_INTERVAL", "30s")
	v.SetDefault("HUB_SEND_BUFFER", 256)

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

	if cfg.Store == StorePostgres && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required when STORE=%s", StorePostgres)
	}

	if cfg.IsDev() {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: Dev auth is active; X-Dev-User/X-Dev-Roles are trusted.")
		log.Println("WARNING: Set ENV=production and configure AUTH_ISSUER for production.")
		log.Println("WARNING: ============================================================")
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

// Location resolves TIMEZONE, which interprets slot dates and times.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Timezone)
}

// Validate checks that the configuration is safe to run. Outside development
// a JWT verifier must be configured.
func (c *Config) Validate() error {
	switch c.Store {
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE=%s", StorePostgres)
		}
		if c.LedgerRefreshInterval <= 0 {
			return fmt.Errorf("LEDGER_REFRESH_INTERVAL must be positive, got %s", c.LedgerRefreshInterval)
		}
	case StoreMemory:
		if c.IsProduction() {
			return fmt.Errorf("STORE=%s is not allowed in production", StoreMemory)
		}
	default:
		return fmt.Errorf("STORE must be %q or %q, got %q", StorePostgres, StoreMemory, c.Store)
	}

	if !c.IsDev() && c.AuthIssuer == "" && c.AuthSigningKey == "" {
		return fmt.Errorf(
			"AUTH_ISSUER or AUTH_SIGNING_KEY must be set outside development (current ENV=%q). "+
				"Refusing to start without authentication configuration", c.Env)
	}
	if c.AuthIssuer != "" && c.AuthJWKSURL == "" && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_JWKS_URL or AUTH_SIGNING_KEY is required to verify tokens from %s", c.AuthIssuer)
	}

	if _, err := c.Location(); err != nil {
		return fmt.Errorf("TIMEZONE: %w", err)
	}
	if c.CancellationWindow < 0 {
		return fmt.Errorf("CANCELLATION_WINDOW must not be negative, got %s", c.CancellationWindow)
	}
	if c.EscalationRadiusKm <= 0 {
		return fmt.Errorf("ESCALATION_RADIUS_KM must be positive, got %g", c.EscalationRadiusKm)
	}
	if c.EscalationTopN <= 0 {
		return fmt.Errorf("ESCALATION_TOP_N must be positive, got %d", c.EscalationTopN)
	}
	if c.HubSendBuffer <= 0 {
		return fmt.Errorf("HUB_SEND_BUFFER must be positive, got %d", c.HubSendBuffer)
	}
	if (c.SQSEmailQueueURL != "" || c.SQSSMSQueueURL != "") && c.IsDev() {
		log.Println("WARNING: SQS queues configured in development; notifications will be enqueued")
	}
	return nil
}

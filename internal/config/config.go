package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Rule sources.
const (
	RuleSourceFile     = "file"
	RuleSourceFHIR     = "fhir"
	RuleSourcePostgres = "postgres"
)

type Config struct {
	Port                 string        `mapstructure:"PORT"`
	Env                  string        `mapstructure:"ENV"`
	LogLevel             string        `mapstructure:"LOG_LEVEL"`
	DatabaseURL          string        `mapstructure:"DATABASE_URL"`
	DBMaxConns           int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns           int32         `mapstructure:"DB_MIN_CONNS"`
	MigrationsDir        string        `mapstructure:"MIGRATIONS_DIR"`
	RedisURL             string        `mapstructure:"REDIS_URL"`
	FHIRServerURL        string        `mapstructure:"FHIR_SERVER_URL"`
	FHIRServerToken      string        `mapstructure:"FHIR_SERVER_TOKEN"`
	TerminologyURL       string        `mapstructure:"TERMINOLOGY_URL"`
	TerminologyUser      string        `mapstructure:"TERMINOLOGY_USER"`
	TerminologyPassword  string        `mapstructure:"TERMINOLOGY_PASSWORD"`
	TerminologyCacheSize int           `mapstructure:"TERMINOLOGY_CACHE_SIZE"`
	TerminologyCacheTTL  time.Duration `mapstructure:"TERMINOLOGY_CACHE_TTL"`
	MaxURILength         int           `mapstructure:"MAX_URI_LENGTH"`
	RequestTimeout       time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	RuleSource           string        `mapstructure:"RULE_SOURCE"`
	RulesDir             string        `mapstructure:"RULES_DIR"`
	ConditionPolicy      string        `mapstructure:"CONDITION_POLICY"`
	CDSJWTSecret         string        `mapstructure:"CDS_JWT_SECRET"`
	CDSJWTIssuer         string        `mapstructure:"CDS_JWT_ISSUER"`
	CDSJWTAudience       string        `mapstructure:"CDS_JWT_AUDIENCE"`
	AdminToken           string        `mapstructure:"ADMIN_TOKEN"`
	BreakerMaxFailures   uint32        `mapstructure:"BREAKER_MAX_FAILURES"`
	BreakerTimeout       time.Duration `mapstructure:"BREAKER_TIMEOUT"`
	OTELServiceName      string        `mapstructure:"OTEL_SERVICE_NAME"`
	MaxBodySize          string        `mapstructure:"MAX_BODY_SIZE"`
	RateLimitRPS         float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst       int           `mapstructure:"RATE_LIMIT_BURST"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "MIGRATIONS_DIR",
	"REDIS_URL",
	"FHIR_SERVER_URL", "FHIR_SERVER_TOKEN",
	"TERMINOLOGY_URL", "TERMINOLOGY_USER", "TERMINOLOGY_PASSWORD",
	"TERMINOLOGY_CACHE_SIZE", "TERMINOLOGY_CACHE_TTL",
	"MAX_URI_LENGTH", "REQUEST_TIMEOUT",
	"RULE_SOURCE", "RULES_DIR", "CONDITION_POLICY",
	"CDS_JWT_SECRET", "CDS_JWT_ISSUER", "CDS_JWT_AUDIENCE", "ADMIN_TOKEN",
	"BREAKER_MAX_FAILURES", "BREAKER_TIMEOUT",
	"OTEL_SERVICE_NAME",
	"MAX_BODY_SIZE", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
}

// Load reads configuration from the environment and an optional .env file.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 1)
	v.SetDefault("MIGRATIONS_DIR", "./migrations")
	v.SetDefault("TERMINOLOGY_CACHE_SIZE", 100)
	v.SetDefault("TERMINOLOGY_CACHE_TTL", "60m")
	v.SetDefault("MAX_URI_LENGTH", 8000)
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("RULE_SOURCE", RuleSourceFile)
	v.SetDefault("RULES_DIR", "./rules")
	v.SetDefault("CONDITION_POLICY", "per-condition")
	v.SetDefault("BREAKER_MAX_FAILURES", 5)
	v.SetDefault("BREAKER_TIMEOUT", "30s")
	v.SetDefault("OTEL_SERVICE_NAME", "cds-hooks")
	v.SetDefault("MAX_BODY_SIZE", "4M")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)

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
	if err := cfg.Validate(); err != nil {
		return nil, err
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

// Validate checks cross-field rules. The rule source decides which backing
// service must be configured, and production refuses to run without CDS
// client authentication.
func (c *Config) Validate() error {
	switch c.RuleSource {
	case RuleSourceFile:
		if c.RulesDir == "" {
			return fmt.Errorf("RULES_DIR is required when RULE_SOURCE is %q", RuleSourceFile)
		}
	case RuleSourceFHIR:
		if c.FHIRServerURL == "" {
			return fmt.Errorf("FHIR_SERVER_URL is required when RULE_SOURCE is %q", RuleSourceFHIR)
		}
	case RuleSourcePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when RULE_SOURCE is %q", RuleSourcePostgres)
		}
	default:
		return fmt.Errorf("RULE_SOURCE must be %q, %q or %q, got %q", RuleSourceFile, RuleSourceFHIR, RuleSourcePostgres, c.RuleSource)
	}

	if c.ConditionPolicy != "per-condition" && c.ConditionPolicy != "require-all" {
		return fmt.Errorf("CONDITION_POLICY must be \"per-condition\" or \"require-all\", got %q", c.ConditionPolicy)
	}
	if c.MaxURILength <= 0 {
		return fmt.Errorf("MAX_URI_LENGTH must be positive, got %d", c.MaxURILength)
	}
	if c.TerminologyCacheSize <= 0 {
		return fmt.Errorf("TERMINOLOGY_CACHE_SIZE must be positive, got %d", c.TerminologyCacheSize)
	}
	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must not be negative")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}

	if c.IsProduction() && c.CDSJWTSecret == "" {
		return fmt.Errorf("CDS_JWT_SECRET is required in production")
	}
	if c.CDSJWTSecret != "" && len(c.CDSJWTSecret) < 32 {
		return fmt.Errorf("CDS_JWT_SECRET must be at least 32 bytes, got %d", len(c.CDSJWTSecret))
	}
	return nil
}

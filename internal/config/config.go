// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string

	// Storage; either may be empty to run on in-memory stores
	DatabaseURL string
	RedisURL    string

	// Relying party
	RPID      string
	RPName    string
	RPOrigins []string

	// Session signing
	SigningKey   string // hex P-256 private scalar
	ChallengeTTL time.Duration
	SessionTTL   time.Duration

	// Ceremony policy
	RequireUserVerification bool
	RequireWalletProof      bool
	AllowNoneAttestation    bool
	AllowZeroCounter        bool

	// Risk policy
	RiskBlockThreshold int
	ProgramAllowlist   []string
	BlocklistFile      string
	PhishingTimeout    time.Duration
}

const (
	DefaultPort               = "9000"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "json"
	DefaultRPID               = "localhost"
	DefaultRPName             = "Warden"
	DefaultRPOrigin           = "http://localhost:3000"
	DefaultChallengeTTL       = 5 * time.Minute
	DefaultSessionTTL         = 24 * time.Hour
	DefaultRiskBlockThreshold = 75
	DefaultPhishingTimeout    = 300 * time.Millisecond
)

// Load reads configuration from environment variables.
// A .env file is loaded first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                    getEnv("PORT", DefaultPort),
		Env:                     getEnv("ENV", DefaultEnv),
		LogLevel:                getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:               getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:             os.Getenv("DATABASE_URL"),
		RedisURL:                os.Getenv("REDIS_URL"),
		RPID:                    getEnv("RP_ID", DefaultRPID),
		RPName:                  getEnv("RP_NAME", DefaultRPName),
		RPOrigins:               getEnvList("RP_ORIGINS", []string{DefaultRPOrigin}),
		SigningKey:              os.Getenv("SIGNING_KEY"),
		RequireUserVerification: getEnvBool("REQUIRE_USER_VERIFICATION", true),
		RequireWalletProof:      getEnvBool("REQUIRE_WALLET_PROOF", true),
		AllowNoneAttestation:    getEnvBool("ALLOW_NONE_ATTESTATION", false),
		AllowZeroCounter:        getEnvBool("ALLOW_ZERO_COUNTER", true),
		ProgramAllowlist:        getEnvList("PROGRAM_ALLOWLIST", nil),
		BlocklistFile:           os.Getenv("BLOCKLIST_FILE"),
	}

	var err error
	if cfg.ChallengeTTL, err = getEnvDuration("CHALLENGE_TTL", DefaultChallengeTTL); err != nil {
		return nil, err
	}
	if cfg.SessionTTL, err = getEnvDuration("SESSION_TTL", DefaultSessionTTL); err != nil {
		return nil, err
	}
	if cfg.PhishingTimeout, err = getEnvDuration("PHISHING_TIMEOUT", DefaultPhishingTimeout); err != nil {
		return nil, err
	}
	if cfg.RiskBlockThreshold, err = getEnvInt("RISK_BLOCK_THRESHOLD", DefaultRiskBlockThreshold); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if c.RPID == "" {
		return fmt.Errorf("RP_ID is required")
	}
	if len(c.RPOrigins) == 0 {
		return fmt.Errorf("RP_ORIGINS must list at least one origin")
	}
	if c.ChallengeTTL <= 0 {
		return fmt.Errorf("CHALLENGE_TTL must be positive")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be positive")
	}
	if c.RiskBlockThreshold < 1 || c.RiskBlockThreshold > 100 {
		return fmt.Errorf("RISK_BLOCK_THRESHOLD must be between 1 and 100")
	}
	if c.IsProduction() && c.SigningKey == "" {
		return fmt.Errorf("SIGNING_KEY is required in production")
	}
	if c.SigningKey != "" {
		key := strings.TrimPrefix(c.SigningKey, "0x")
		if len(key) != 64 {
			return fmt.Errorf("SIGNING_KEY must be 64 hex characters (with or without 0x prefix)")
		}
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return i, nil
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

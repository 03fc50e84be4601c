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
	LogFormat string // "json" or "text"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Chain settings
	RPCURL            string
	ChainID           int64
	VerifyingContract string // address bound into every signature domain
	CustodyAddress    string // account escrow deposits are held in
	CustodyKey        string // hex private key for on-chain custody transfers (optional)

	// Protocol settings
	OwnerAddress string // initial protocol owner / default arbiter
	FeeBps       int64  // delivery fee in basis points
	MinDeposit   string // raw token units
	GracePeriod  time.Duration
	Tokens       []string // allowlist bootstrap, comma-separated addresses

	// Security
	AdminSecret  string // admin API secret
	RateLimitRPS int
}

// Defaults
const (
	DefaultPort        = "8080"
	DefaultEnv         = "development"
	DefaultLogLevel    = "info"
	DefaultLogFormat   = "json"
	DefaultChainID     = 84532 // Base Sepolia
	DefaultFeeBps      = 100
	DefaultGracePeriod = 72 * time.Hour
	DefaultRateLimit   = 100
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:         getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:       os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RPCURL:            os.Getenv("RPC_URL"),      // Optional, mock tokens if not set
		ChainID:           getEnvInt64("CHAIN_ID", DefaultChainID),
		VerifyingContract: os.Getenv("VERIFYING_CONTRACT"),
		CustodyAddress:    os.Getenv("CUSTODY_ADDRESS"),
		CustodyKey:        os.Getenv("CUSTODY_KEY"),
		OwnerAddress:      os.Getenv("OWNER_ADDRESS"),
		FeeBps:            getEnvInt64("FEE_BPS", DefaultFeeBps),
		MinDeposit:        getEnv("MIN_DEPOSIT", "0"),
		GracePeriod:       getEnvDuration("GRACE_PERIOD", DefaultGracePeriod),
		Tokens:            splitList(os.Getenv("ALLOWED_TOKENS")),
		AdminSecret:       os.Getenv("ADMIN_SECRET"),
		RateLimitRPS:      int(getEnvInt64("RATE_LIMIT_RPS", DefaultRateLimit)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.OwnerAddress == "" {
		return fmt.Errorf("OWNER_ADDRESS is required")
	}
	if !isHexAddress(c.OwnerAddress) {
		return fmt.Errorf("OWNER_ADDRESS must be a 0x-prefixed 20-byte address")
	}
	if c.CustodyAddress == "" {
		return fmt.Errorf("CUSTODY_ADDRESS is required")
	}
	if !isHexAddress(c.CustodyAddress) {
		return fmt.Errorf("CUSTODY_ADDRESS must be a 0x-prefixed 20-byte address")
	}
	if c.VerifyingContract == "" {
		// Signatures are domain-bound to this address; without one they would
		// verify against every deployment sharing the chain id.
		return fmt.Errorf("VERIFYING_CONTRACT is required")
	}
	if !isHexAddress(c.VerifyingContract) {
		return fmt.Errorf("VERIFYING_CONTRACT must be a 0x-prefixed 20-byte address")
	}
	if c.FeeBps < 0 || c.FeeBps > 1000 {
		return fmt.Errorf("FEE_BPS must be between 0 and 1000")
	}
	if c.CustodyKey != "" {
		key := strings.TrimPrefix(c.CustodyKey, "0x")
		if len(key) != 64 {
			return fmt.Errorf("CUSTODY_KEY must be 64 hex characters (with or without 0x prefix)")
		}
	}
	if c.RPCURL != "" && c.CustodyKey == "" {
		return fmt.Errorf("CUSTODY_KEY is required when RPC_URL is set")
	}
	for _, t := range c.Tokens {
		if !isHexAddress(t) {
			return fmt.Errorf("ALLOWED_TOKENS entry %q is not a valid address", t)
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

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, strings.ToLower(part))
		}
	}
	return out
}

func isHexAddress(addr string) bool {
	if len(addr) != 42 || !strings.HasPrefix(addr, "0x") {
		return false
	}
	for _, c := range addr[2:] {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

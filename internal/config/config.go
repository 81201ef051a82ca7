package config

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	Development bool
	LogLevel    string
	// InMemory replaces Postgres with the in-memory repository
	InMemory bool

	// API configuration
	APIPort int

	// Postgres configuration
	PostgresUser     string
	PostgresPassword string
	PostgresHost     string
	PostgresPort     int
	PostgresDB       string

	// Blockchain configuration
	RPCURL                        string
	ChainID                       *big.Int
	SpendPermissionManagerAddress string
	TokenAddress                  string
	TokenDecimals                 int32
	SpenderPrivateKey             string
	FinalityTimeout               time.Duration
	Confirmations                 uint64
	MaxConcurrentSettlements      int64

	// EIP-712 domain of the SpendPermissionManager
	DomainName    string
	DomainVersion string

	// Tip configuration
	DefaultTipAmount decimal.Decimal
	TrialAmount      decimal.Decimal

	// Operator alerts
	TelegramBotToken string
	TelegramChatID   string

	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
	SMTPSender   string
	AlertEmail   string
}

// LoadConfig loads the configuration from environment variables
func LoadConfig() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		Development: getEnvAsBool("DEVELOPMENT", false),
		LogLevel:    getEnv("LOG_LEVEL", ""),
		InMemory:    getEnvAsBool("IN_MEMORY", false),

		APIPort: getEnvAsInt("API_PORT", 6533),

		PostgresUser:     getEnv("POSTGRES_USER", "postgres"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "password"),
		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnvAsInt("POSTGRES_PORT", 5432),
		PostgresDB:       getEnv("POSTGRES_DB", "tributum"),

		RPCURL:                        getEnv("RPC_URL", "https://mainnet.base.org"),
		ChainID:                       getEnvAsBigInt("CHAIN_ID", big.NewInt(8453)), // Base mainnet
		SpendPermissionManagerAddress: getEnv("SPEND_PERMISSION_MANAGER_ADDRESS", "0xf85210B21cC50302F477BA56686d2019dC9b67Ad"),
		TokenAddress:                  getEnv("TOKEN_ADDRESS", "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"), // USDC on Base
		TokenDecimals:                 int32(getEnvAsInt("TOKEN_DECIMALS", 6)),
		SpenderPrivateKey:             getEnv("SPENDER_PRIVATE_KEY", ""),
		FinalityTimeout:               getEnvAsDuration("FINALITY_TIMEOUT", 60*time.Second),
		Confirmations:                 uint64(getEnvAsInt("CONFIRMATIONS", 0)),
		MaxConcurrentSettlements:      int64(getEnvAsInt("MAX_CONCURRENT_SETTLEMENTS", 32)),

		DomainName:    getEnv("DOMAIN_NAME", "Spend Permission Manager"),
		DomainVersion: getEnv("DOMAIN_VERSION", "1"),

		DefaultTipAmount: getEnvAsDecimal("DEFAULT_TIP_AMOUNT", decimal.RequireFromString("0.01")),
		TrialAmount:      getEnvAsDecimal("TRIAL_AMOUNT", decimal.RequireFromString("0.000001")),

		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),

		SMTPHost:     getEnv("SMTP_HOST", ""),
		SMTPPort:     getEnvAsInt("SMTP_PORT", 587),
		SMTPUser:     getEnv("SMTP_USER", ""),
		SMTPPassword: getEnv("SMTP_PASSWORD", ""),
		SMTPSender:   getEnv("SMTP_SENDER", ""),
		AlertEmail:   getEnv("ALERT_EMAIL", ""),
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are properly set
func (c *Config) Validate() error {
	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}

	if c.ChainID == nil || c.ChainID.Sign() <= 0 {
		return fmt.Errorf("CHAIN_ID must be a positive integer")
	}

	if !common.IsHexAddress(c.SpendPermissionManagerAddress) {
		return fmt.Errorf("invalid SPEND_PERMISSION_MANAGER_ADDRESS format: %q", c.SpendPermissionManagerAddress)
	}

	if !common.IsHexAddress(c.TokenAddress) {
		return fmt.Errorf("invalid TOKEN_ADDRESS format: %q", c.TokenAddress)
	}

	if c.TokenDecimals < 0 || c.TokenDecimals > 36 {
		return fmt.Errorf("TOKEN_DECIMALS out of range: %d", c.TokenDecimals)
	}

	if c.SpenderPrivateKey == "" {
		return fmt.Errorf("SPENDER_PRIVATE_KEY is required")
	}
	if _, err := c.SpenderKey(); err != nil {
		return fmt.Errorf("invalid SPENDER_PRIVATE_KEY: %w", err)
	}

	if c.FinalityTimeout <= 0 {
		return fmt.Errorf("FINALITY_TIMEOUT must be positive")
	}

	if c.MaxConcurrentSettlements <= 0 {
		return fmt.Errorf("MAX_CONCURRENT_SETTLEMENTS must be positive")
	}

	if !c.DefaultTipAmount.IsPositive() {
		return fmt.Errorf("DEFAULT_TIP_AMOUNT must be positive")
	}

	if !c.TrialAmount.IsPositive() {
		return fmt.Errorf("TRIAL_AMOUNT must be positive")
	}

	if !c.InMemory {
		if c.PostgresDB == "" {
			return fmt.Errorf("POSTGRES_DB is required")
		}
		if c.PostgresHost == "" {
			return fmt.Errorf("POSTGRES_HOST is required")
		}
	}

	if c.TelegramBotToken != "" && c.TelegramChatID == "" {
		return fmt.Errorf("TELEGRAM_CHAT_ID is required when TELEGRAM_BOT_TOKEN is set")
	}

	if c.AlertEmail != "" && c.SMTPHost == "" {
		return fmt.Errorf("SMTP_HOST is required when ALERT_EMAIL is set")
	}

	return nil
}

// SpenderKey parses the service's signing key.
func (c *Config) SpenderKey() (*ecdsa.PrivateKey, error) {
	return crypto.HexToECDSA(strings.TrimPrefix(c.SpenderPrivateKey, "0x"))
}

// Helper functions to read environment variables
func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(name string, defaultValue int) int {
	if valueStr, exists := os.LookupEnv(name); exists {
		if value, err := strconv.Atoi(valueStr); err == nil {
			return value
		}
	}
	return defaultValue
}

func getEnvAsBool(name string, defaultValue bool) bool {
	if valueStr, exists := os.LookupEnv(name); exists {
		if value, err := strconv.ParseBool(valueStr); err == nil {
			return value
		}
	}
	return defaultValue
}

func getEnvAsBigInt(name string, defaultValue *big.Int) *big.Int {
	if valueStr, exists := os.LookupEnv(name); exists {
		if value, ok := new(big.Int).SetString(valueStr, 10); ok {
			return value
		}
	}
	return defaultValue
}

func getEnvAsDuration(name string, defaultValue time.Duration) time.Duration {
	if valueStr, exists := os.LookupEnv(name); exists {
		if value, err := time.ParseDuration(valueStr); err == nil {
			return value
		}
	}
	return defaultValue
}

func getEnvAsDecimal(name string, defaultValue decimal.Decimal) decimal.Decimal {
	if valueStr, exists := os.LookupEnv(name); exists {
		if value, err := decimal.NewFromString(valueStr); err == nil {
			return value
		}
	}
	return defaultValue
}

package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// AppleConfig holds App Store Server API credentials
type AppleConfig struct {
	PrivateKey  string // PKCS#8 EC private key, PEM encoded
	KeyID       string
	IssuerID    string
	BundleID    string
	Environment string // "production" or "sandbox"
	JWKSURL     string
	// VerifyWebhooks selects the webhook decode policy: full signature
	// verification when true, fast-path decode when false.
	VerifyWebhooks bool
	// TimeoutSeconds bounds every outbound call to Apple so a hung
	// upstream cannot block a detached reconciliation indefinitely.
	TimeoutSeconds int
}

type Config struct {
	// Server configuration
	Port string
	Mode string

	// Database configuration
	DatabaseURL string

	// Redis configuration
	RedisURL string

	// Internal API authentication
	APIKey string

	// Apple App Store Server configuration
	Apple AppleConfig

	// Brevo email configuration (reconciliation failure alerts)
	BrevoAPIKey    string
	BrevoFromEmail string
	BrevoFromName  string
	AlertEmail     string

	ServiceName string
}

var AppConfig *Config

func InitConfig() error {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		// Ignore error if .env file doesn't exist
	}

	AppConfig = &Config{
		Port:        getEnv("PORT", "8080"),
		Mode:        getEnv("GIN_MODE", "debug"),
		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", "redis://localhost:6379/0"),
		APIKey:      getEnv("API_KEY", ""),
		Apple: AppleConfig{
			PrivateKey:     getEnv("APPLE_PRIVATE_KEY", ""),
			KeyID:          getEnv("APPLE_KEY_ID", ""),
			IssuerID:       getEnv("APPLE_ISSUER_ID", ""),
			BundleID:       getEnv("APPLE_BUNDLE_ID", ""),
			Environment:    getEnv("APPLE_ENVIRONMENT", "sandbox"),
			JWKSURL:        getEnv("APPLE_JWKS_URL", "https://appleid.apple.com/auth/keys"),
			VerifyWebhooks: getEnvBool("APPLE_VERIFY_WEBHOOKS", true),
			TimeoutSeconds: getEnvInt("APPLE_TIMEOUT_SECONDS", 10),
		},
		BrevoAPIKey:    getEnv("BREVO_API_KEY", ""),
		BrevoFromEmail: getEnv("BREVO_FROM_EMAIL", ""),
		BrevoFromName:  getEnv("BREVO_FROM_NAME", "Entitlement Service"),
		AlertEmail:     getEnv("ALERT_EMAIL", ""),
		ServiceName:    getEnv("SERVICE_NAME", "Entitlement Service"),
	}

	return nil
}

// IsProduction reports whether the Apple environment targets production hosts
func (a AppleConfig) IsProduction() bool {
	return a.Environment == "production"
}

// Validate checks that the signing credentials required by the
// reconciliation core are present. Called once at startup.
func (a AppleConfig) Validate() error {
	if a.PrivateKey == "" || a.KeyID == "" || a.IssuerID == "" {
		return fmt.Errorf("missing Apple credentials: APPLE_PRIVATE_KEY, APPLE_KEY_ID and APPLE_ISSUER_ID are required")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

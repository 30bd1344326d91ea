/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the escrow service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort        string `mapstructure:"SERVER_PORT"`
	DatabaseURL       string `mapstructure:"DATABASE_URL"`
	RedisURL          string `mapstructure:"REDIS_URL"`
	RabbitMQURL       string `mapstructure:"RABBITMQ_URL"`
	JWTSecret         string `mapstructure:"JWT_SECRET"`
	InternalAPIKey    string `mapstructure:"INTERNAL_API_KEY"`
	PlatformBaseURL   string `mapstructure:"PLATFORM_BASE_URL"`
	StripeSecretKey   string `mapstructure:"STRIPE_SECRET_KEY"`
	StripeWebhookKey  string `mapstructure:"STRIPE_WEBHOOK_SECRET"`
	PaystackSecretKey string `mapstructure:"PAYSTACK_SECRET_KEY"`
	PaystackAPIBase   string `mapstructure:"PAYSTACK_API_BASE_URL"`
	PaystackWebhook   string `mapstructure:"PAYSTACK_WEBHOOK_SECRET"`

	AutoReleaseHours int `mapstructure:"AUTO_RELEASE_HOURS"`

	FeeDefaultPercent   float64 `mapstructure:"FEE_DEFAULT_PERCENT"`
	FeeNGNLowPercent    float64 `mapstructure:"FEE_NGN_LOW_PERCENT"`
	FeeNGNHighPercent   float64 `mapstructure:"FEE_NGN_HIGH_PERCENT"`
	FeeNGNTierThreshold int64   `mapstructure:"FEE_NGN_TIER_THRESHOLD"`

	WebhookDedupTTLMinutes int `mapstructure:"WEBHOOK_DEDUP_TTL_MINUTES"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("PAYSTACK_API_BASE_URL", "https://api.paystack.co")
	viper.SetDefault("AUTO_RELEASE_HOURS", 12)
	viper.SetDefault("FEE_DEFAULT_PERCENT", 0.0)
	viper.SetDefault("FEE_NGN_LOW_PERCENT", 20.0)
	viper.SetDefault("FEE_NGN_HIGH_PERCENT", 10.0)
	viper.SetDefault("FEE_NGN_TIER_THRESHOLD", 100000)
	viper.SetDefault("WEBHOOK_DEDUP_TTL_MINUTES", 1440)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("JWT_SECRET")
	_ = viper.BindEnv("INTERNAL_API_KEY")
	_ = viper.BindEnv("PLATFORM_BASE_URL")
	_ = viper.BindEnv("STRIPE_SECRET_KEY")
	_ = viper.BindEnv("STRIPE_WEBHOOK_SECRET")
	_ = viper.BindEnv("PAYSTACK_SECRET_KEY")
	_ = viper.BindEnv("PAYSTACK_API_BASE_URL")
	_ = viper.BindEnv("PAYSTACK_WEBHOOK_SECRET")
	_ = viper.BindEnv("AUTO_RELEASE_HOURS")
	_ = viper.BindEnv("FEE_DEFAULT_PERCENT")
	_ = viper.BindEnv("FEE_NGN_LOW_PERCENT")
	_ = viper.BindEnv("FEE_NGN_HIGH_PERCENT")
	_ = viper.BindEnv("FEE_NGN_TIER_THRESHOLD")
	_ = viper.BindEnv("WEBHOOK_DEDUP_TTL_MINUTES")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		// If the config file is not found, we can ignore the error.
		// For other errors, we should return them.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)

	// Paystack signs webhooks with the account's secret key unless a dedicated
	// webhook secret is configured.
	config.PaystackWebhook = strings.TrimSpace(config.PaystackWebhook)
	if config.PaystackWebhook == "" {
		config.PaystackWebhook = strings.TrimSpace(config.PaystackSecretKey)
	}

	if config.AutoReleaseHours <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive auto-release window; using default\" hours=%d", config.AutoReleaseHours)
		config.AutoReleaseHours = 12
	}
	if config.WebhookDedupTTLMinutes <= 0 {
		config.WebhookDedupTTLMinutes = 1440
	}

	if config.FeeDefaultPercent < 0 {
		log.Printf("level=warn component=config msg=\"negative default fee percent; coercing to zero\" fee_percent=%f", config.FeeDefaultPercent)
		config.FeeDefaultPercent = 0
	}
	if config.FeeDefaultPercent > 100 {
		log.Printf("level=warn component=config msg=\"default fee percent too high; capping at 100\" fee_percent=%f", config.FeeDefaultPercent)
		config.FeeDefaultPercent = 100
	}
	if config.FeeNGNLowPercent < 0 || config.FeeNGNLowPercent > 100 {
		log.Printf("level=warn component=config msg=\"NGN low-tier fee percent out of range; using default\" fee_percent=%f", config.FeeNGNLowPercent)
		config.FeeNGNLowPercent = 20
	}
	if config.FeeNGNHighPercent < 0 || config.FeeNGNHighPercent > 100 {
		log.Printf("level=warn component=config msg=\"NGN high-tier fee percent out of range; using default\" fee_percent=%f", config.FeeNGNHighPercent)
		config.FeeNGNHighPercent = 10
	}
	if config.FeeNGNTierThreshold <= 0 {
		config.FeeNGNTierThreshold = 100000
	}

	return
}

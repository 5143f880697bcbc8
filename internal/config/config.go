package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration for the guest access service.
// Values are read once from the environment at startup.
type Config struct {
	Environment string

	Server      ServerConfig
	Redis       RedisConfig
	Kafka       KafkaConfig
	OTP         OTPConfig
	Session     SessionConfig
	ActionToken ActionTokenConfig
	RateLimit   RateLimitConfig
	Delivery    DeliveryConfig
	Orders      OrdersConfig
	Backoffice  BackofficeConfig
	Logging     LoggingConfig
}

type ServerConfig struct {
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	InternalAPIKey string
}

type RedisConfig struct {
	URL      string
	DB       int
	PoolSize int
}

type KafkaConfig struct {
	Enabled       bool
	Brokers       []string
	SecurityTopic string
}

type OTPConfig struct {
	CodeTTL            time.Duration
	ResendCooldown     time.Duration
	MaxAttempts        int
	Pepper             string
	ChallengeRetention time.Duration
}

type SessionConfig struct {
	Secret string
	TTL    time.Duration
	Issuer string
}

type ActionTokenConfig struct {
	DefaultTTL time.Duration
	Retention  time.Duration
}

type RateLimitConfig struct {
	Window              time.Duration
	IssuePerIdentifier  int
	IssuePerIP          int
	VerifyPerIdentifier int
	VerifyPerIP         int
}

type DeliveryConfig struct {
	// Provider selects the code delivery collaborator: "mailer" or "twilio".
	Provider         string
	MailerURL        string
	MailerAPIKey     string
	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFrom       string
	Timeout          time.Duration
}

type OrdersConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

type BackofficeConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig reads configuration from the environment. A .env file is
// loaded first when present so local development matches deployment.
func LoadConfig() *Config {
	_ = godotenv.Load()

	return &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Port:           getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:    getEnvDuration("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:   getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:    getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			InternalAPIKey: getEnv("INTERNAL_API_KEY", ""),
		},
		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", "redis://localhost:6379"),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 50),
		},
		Kafka: KafkaConfig{
			Enabled:       getEnvBool("KAFKA_ENABLED", false),
			Brokers:       getEnvList("KAFKA_BROKERS", "localhost:9092"),
			SecurityTopic: getEnv("KAFKA_SECURITY_TOPIC", "security-incidents"),
		},
		OTP: OTPConfig{
			CodeTTL:            getEnvDuration("OTP_CODE_TTL", 10*time.Minute),
			ResendCooldown:     getEnvDuration("OTP_RESEND_COOLDOWN", 60*time.Second),
			MaxAttempts:        getEnvInt("OTP_MAX_ATTEMPTS", 5),
			Pepper:             getEnv("OTP_PEPPER", ""),
			ChallengeRetention: getEnvDuration("OTP_CHALLENGE_RETENTION", 24*time.Hour),
		},
		Session: SessionConfig{
			Secret: getEnv("SESSION_SECRET", ""),
			TTL:    getEnvDuration("SESSION_TTL", 20*time.Minute),
			Issuer: getEnv("SESSION_ISSUER", "guest-access-service"),
		},
		ActionToken: ActionTokenConfig{
			DefaultTTL: getEnvDuration("ACTION_TOKEN_TTL", 30*24*time.Hour),
			Retention:  getEnvDuration("ACTION_TOKEN_RETENTION", 7*24*time.Hour),
		},
		RateLimit: RateLimitConfig{
			Window:              getEnvDuration("RATE_LIMIT_WINDOW", time.Hour),
			IssuePerIdentifier:  getEnvInt("RATE_LIMIT_ISSUE_PER_IDENTIFIER", 10),
			IssuePerIP:          getEnvInt("RATE_LIMIT_ISSUE_PER_IP", 30),
			VerifyPerIdentifier: getEnvInt("RATE_LIMIT_VERIFY_PER_IDENTIFIER", 20),
			VerifyPerIP:         getEnvInt("RATE_LIMIT_VERIFY_PER_IP", 60),
		},
		Delivery: DeliveryConfig{
			Provider:         getEnv("DELIVERY_PROVIDER", "mailer"),
			MailerURL:        getEnv("MAILER_URL", "http://localhost:8090/send"),
			MailerAPIKey:     getEnv("MAILER_API_KEY", ""),
			TwilioAccountSID: getEnv("TWILIO_ACCOUNT_SID", ""),
			TwilioAuthToken:  getEnv("TWILIO_AUTH_TOKEN", ""),
			TwilioFrom:       getEnv("TWILIO_FROM_NUMBER", ""),
			Timeout:          getEnvDuration("DELIVERY_TIMEOUT", 10*time.Second),
		},
		Orders: OrdersConfig{
			BaseURL: getEnv("ORDERS_API_URL", "http://localhost:8091"),
			APIKey:  getEnv("ORDERS_API_KEY", ""),
			Timeout: getEnvDuration("ORDERS_TIMEOUT", 5*time.Second),
		},
		Backoffice: BackofficeConfig{
			BaseURL: getEnv("BACKOFFICE_API_URL", "http://localhost:8092"),
			APIKey:  getEnv("BACKOFFICE_API_KEY", ""),
			Timeout: getEnvDuration("BACKOFFICE_TIMEOUT", 10*time.Second),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}
}

// Validate reports configuration that cannot be defaulted safely.
func (c *Config) Validate() error {
	if c.IsProduction() {
		if c.OTP.Pepper == "" {
			return fmt.Errorf("OTP_PEPPER is required in production")
		}
		if c.Session.Secret == "" {
			return fmt.Errorf("SESSION_SECRET is required in production")
		}
		if c.Server.InternalAPIKey == "" {
			return fmt.Errorf("INTERNAL_API_KEY is required in production")
		}
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return !c.IsProduction()
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvList(key, defaultValue string) []string {
	raw := getEnv(key, defaultValue)
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

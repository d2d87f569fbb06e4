package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	RabbitMQ RabbitMQConfig
	Redis    RedisConfig
	Provider ProviderConfig
	Engine   EngineConfig
	Log      LogConfig
	Env      string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port string
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RabbitMQConfig holds RabbitMQ configuration
type RabbitMQConfig struct {
	Host      string
	Port      string
	User      string
	Password  string
	QueueName string
}

// RedisConfig holds the Redis connection used for delivery leases
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// ProviderConfig holds the default messaging provider credentials.
// Instances may override URL and key per row.
type ProviderConfig struct {
	APIURL  string
	APIKey  string
	Timeout time.Duration
}

// EngineConfig tunes the delivery loop
type EngineConfig struct {
	MinSendInterval    time.Duration
	BusinessHoursPoll  time.Duration
	MaxMessageLength   int
	MaxConsecutiveFail int
	QuotaTimezone      string
	DefaultPhoneRegion string
	LeaseTTL           time.Duration
}

// LogConfig holds logger settings
type LogConfig struct {
	Level  string
	Format string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	config := &Config{
		Server: ServerConfig{
			Port: getEnv("PORT", "8080"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("POSTGRES_HOST", "localhost"),
			Port:     getEnv("POSTGRES_PORT", "5432"),
			User:     getEnv("POSTGRES_USER", "engagecrm"),
			Password: getEnv("POSTGRES_PASSWORD", ""),
			DBName:   getEnv("POSTGRES_DB", "engagecrm"),
			SSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),
		},
		RabbitMQ: RabbitMQConfig{
			Host:      getEnv("RABBITMQ_HOST", "localhost"),
			Port:      getEnv("RABBITMQ_PORT", "5672"),
			User:      getEnv("RABBITMQ_DEFAULT_USER", "guest"),
			Password:  getEnv("RABBITMQ_DEFAULT_PASS", "guest"),
			QueueName: getEnv("RABBITMQ_QUEUE", "campaign_deliveries"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Provider: ProviderConfig{
			APIURL:  getEnv("EVOLUTION_API_URL", ""),
			APIKey:  getEnv("EVOLUTION_API_KEY", ""),
			Timeout: getEnvAsDuration("EVOLUTION_API_TIMEOUT", 30*time.Second),
		},
		Engine: EngineConfig{
			MinSendInterval:    getEnvAsDuration("MIN_SEND_INTERVAL", time.Second),
			BusinessHoursPoll:  getEnvAsDuration("BUSINESS_HOURS_POLL", time.Minute),
			MaxMessageLength:   getEnvAsInt("MAX_MESSAGE_LENGTH", 1000),
			MaxConsecutiveFail: getEnvAsInt("MAX_CONSECUTIVE_FAILURES", 5),
			QuotaTimezone:      getEnv("QUOTA_TIMEZONE", "UTC"),
			DefaultPhoneRegion: getEnv("DEFAULT_PHONE_REGION", "BR"),
			LeaseTTL:           getEnvAsDuration("LEASE_TTL", 2*time.Minute),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Env: getEnv("ENV", "development"),
	}

	// Validate required fields
	if config.Database.Password == "" {
		return nil, fmt.Errorf("POSTGRES_PASSWORD is required")
	}
	if _, err := time.LoadLocation(config.Engine.QuotaTimezone); err != nil {
		return nil, fmt.Errorf("QUOTA_TIMEZONE is invalid: %w", err)
	}
	if config.Engine.MaxMessageLength <= 0 {
		return nil, fmt.Errorf("MAX_MESSAGE_LENGTH must be positive")
	}
	if config.Engine.MaxConsecutiveFail <= 0 {
		return nil, fmt.Errorf("MAX_CONSECUTIVE_FAILURES must be positive")
	}

	return config, nil
}

// GetDatabaseDSN returns PostgreSQL connection string
func (c *Config) GetDatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.DBName,
		c.Database.SSLMode,
	)
}

// GetRabbitMQURL returns RabbitMQ connection URL
func (c *Config) GetRabbitMQURL() string {
	return fmt.Sprintf(
		"amqp://%s:%s@%s:%s/",
		c.RabbitMQ.User,
		c.RabbitMQ.Password,
		c.RabbitMQ.Host,
		c.RabbitMQ.Port,
	)
}

// QuotaLocation returns the timezone that defines a quota "day"
func (c *Config) QuotaLocation() *time.Location {
	loc, err := time.LoadLocation(c.Engine.QuotaTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// getEnv gets environment variable or returns default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets environment variable as integer or returns default
func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvAsDuration accepts Go durations ("90s") or plain seconds
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

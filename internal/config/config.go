package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Config struct {
	Port             string
	Environment      string
	InstanceID       string
	AllowedOrigins   []string
	AllowCredentials bool
	LogFilePath      string

	JWTSecret string

	DatabaseDSN string

	RedisHost     string
	RedisPort     string
	RedisPassword string
	PresenceTTL   time.Duration

	KafkaBrokers   []string
	RoomEventTopic string
	UserEventTopic string
	PushJobTopic   string

	PushProviderURL string
	PushProviderKey string
	PushWorkers     int
	PushMaxRetries  int
}

func LoadConfig() *Config {
	// Get allowed origins from environment variable
	allowedOrigins := []string{"*"} // Default to allow all origins
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		allowedOrigins = splitTrimmed(origins)
	}

	kafkaBrokers := []string{"localhost:9092"} // Default
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		kafkaBrokers = splitTrimmed(brokers)
	}

	return &Config{
		Port:             getEnv("PORT", "8082"),
		Environment:      getEnv("ENVIRONMENT", "development"),
		InstanceID:       getEnv("INSTANCE_ID", uuid.New().String()),
		AllowedOrigins:   allowedOrigins,
		AllowCredentials: getEnv("ALLOW_CREDENTIALS", "false") == "true",
		LogFilePath:      getEnv("LOG_FILE_PATH", "marketchat.log"),

		JWTSecret: getEnv("JWT_SECRET", ""),

		DatabaseDSN: getEnv("DATABASE_DSN", "host=localhost port=5432 user=postgres dbname=marketchat sslmode=disable"),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		PresenceTTL:   time.Duration(getEnvAsInt("PRESENCE_TTL_SECONDS", 60)) * time.Second,

		KafkaBrokers:   kafkaBrokers,
		RoomEventTopic: getEnv("ROOM_EVENT_TOPIC", "chat-room-events"),
		UserEventTopic: getEnv("USER_EVENT_TOPIC", "user-events"),
		PushJobTopic:   getEnv("PUSH_JOB_TOPIC", "push-jobs"),

		PushProviderURL: getEnv("PUSH_PROVIDER_URL", "http://localhost:9099"),
		PushProviderKey: getEnv("PUSH_PROVIDER_KEY", ""),
		PushWorkers:     getEnvAsInt("PUSH_WORKERS", 8),
		PushMaxRetries:  getEnvAsInt("PUSH_MAX_RETRIES", 3),
	}
}

func splitTrimmed(value string) []string {
	parts := strings.Split(value, ",")
	for i, part := range parts {
		parts[i] = strings.TrimSpace(part)
	}
	return parts
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return value
	}
	return defaultValue
}

// GetCORSOrigins returns CORS origins as a comma-separated string
func (c *Config) GetCORSOrigins() string {
	if c.IsProduction() && len(c.AllowedOrigins) > 0 && c.AllowedOrigins[0] != "*" {
		return strings.Join(c.AllowedOrigins, ",")
	}
	return "*"
}

// ConsumerGroupID is unique per gateway instance so every instance sees
// every fan-out event (broadcast semantics, not work sharing).
func (c *Config) ConsumerGroupID() string {
	return "marketchat-ws-" + c.InstanceID
}

func (c *Config) RedisAddr() string {
	return c.RedisHost + ":" + c.RedisPort
}

// IsDevelopment returns true if environment is development
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if environment is production
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds all application configuration
type Config struct {
	ServiceName string
	Billing     BillingConfig
	Database    DatabaseConfig
	RabbitMQ    RabbitMQConfig
	Anomaly     AnomalyConfig
}

// BillingConfig holds billing backend API settings
type BillingConfig struct {
	BaseURL                string
	BearerToken            string
	RequestTimeoutSeconds  int
	ReadingRouteCandidates []string
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	URL string
}

// RabbitMQConfig holds RabbitMQ connection and queue settings
type RabbitMQConfig struct {
	URL                string
	CommandExchange    string
	CommandQueue       string
	CommandRoutingKey  string
	EventExchange      string
	ApprovedRoutingKey string
	RejectedRoutingKey string
	BatchRoutingKey    string
	DLQQueue           string
	PrefetchCount      int
}

// AnomalyConfig holds anomaly flagging settings
type AnomalyConfig struct {
	DeltaThresholdPercent float64
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "billing-reconciliation-worker"),
		Billing: BillingConfig{
			BaseURL:               getEnv("BILLING_API_URL", ""),
			BearerToken:           getEnv("BILLING_API_TOKEN", ""),
			RequestTimeoutSeconds: getEnvAsInt("BILLING_REQUEST_TIMEOUT_SECONDS", 20),
			ReadingRouteCandidates: getEnvAsSlice("BILLING_READING_ROUTE_CANDIDATES",
				[]string{"meter_reading", "readings", "meter-readings", "meterreadings"}),
		},
		Database: DatabaseConfig{
			URL: getEnv("DATABASE_URL", ""),
		},
		RabbitMQ: RabbitMQConfig{
			URL:                getEnv("RABBITMQ_URL", ""),
			CommandExchange:    getEnv("RABBITMQ_COMMAND_EXCHANGE", "billing-reconciliation.commands.exchange"),
			CommandQueue:       getEnv("RABBITMQ_COMMAND_QUEUE", "billing-reconciliation.commands.queue"),
			CommandRoutingKey:  getEnv("RABBITMQ_COMMAND_ROUTING_KEY", "reconcile.batch"),
			EventExchange:      getEnv("RABBITMQ_EVENT_EXCHANGE", "billing-reconciliation.events.exchange"),
			ApprovedRoutingKey: getEnv("RABBITMQ_APPROVED_ROUTING_KEY", "reading.approved"),
			RejectedRoutingKey: getEnv("RABBITMQ_REJECTED_ROUTING_KEY", "reading.rejected"),
			BatchRoutingKey:    getEnv("RABBITMQ_BATCH_ROUTING_KEY", "reconcile.batch.completed"),
			DLQQueue:           getEnv("RABBITMQ_DLQ_QUEUE", "billing-reconciliation.commands.dlq"),
			PrefetchCount:      getEnvAsInt("RABBITMQ_PREFETCH", 1),
		},
		Anomaly: AnomalyConfig{
			DeltaThresholdPercent: getEnvAsFloat("ANOMALY_DELTA_THRESHOLD_PERCENT", 20.0),
		},
	}

	// Validate required fields
	if cfg.Billing.BaseURL == "" {
		return nil, fmt.Errorf("BILLING_API_URL is required but not set in environment variables")
	}
	if cfg.Billing.BearerToken == "" {
		return nil, fmt.Errorf("BILLING_API_TOKEN is required but not set in environment variables")
	}
	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required but not set in environment variables")
	}
	if cfg.RabbitMQ.URL == "" {
		return nil, fmt.Errorf("RABBITMQ_URL is required but not set in environment variables")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	parts := strings.Split(valueStr, ",")
	values := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	if len(values) == 0 {
		return defaultValue
	}
	return values
}

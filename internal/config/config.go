// Package config loads process configuration from the environment, optionally
// seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

const (
	BackendDynamoDB = "dynamodb"
	BackendPostgres = "postgres"
)

type Config struct {
	RunLocal bool   `env:"RUN_LOCAL,default=false"`
	HTTPAddr string `env:"HTTP_ADDR,default=:8080" validate:"required"`
	LogLevel string `env:"LOG_LEVEL,default=info" validate:"oneof=debug info warn error"`

	AWSRegion           string `env:"AWS_REGION,default=us-east-1"`
	AWSEndpointOverride string `env:"AWS_ENDPOINT_OVERRIDE" validate:"omitempty,url"`

	StoreBackend           string `env:"STORE_BACKEND,default=dynamodb" validate:"oneof=dynamodb postgres"`
	PurchaseTokensTable    string `env:"PURCHASE_TOKENS_TABLE,default=purchase_tokens" validate:"required_if=StoreBackend dynamodb"`
	PurchaseTokenKeysTable string `env:"PURCHASE_TOKEN_KEYS_TABLE,default=purchase_token_keys" validate:"required_if=StoreBackend dynamodb"`
	DatabaseURL            string `env:"DATABASE_URL" validate:"required_if=StoreBackend postgres"`

	RedisAddress  string        `env:"REDIS_ADDRESS"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	RedisDB       int           `env:"REDIS_DB_NUMBER,default=0" validate:"gte=0"`
	CacheTTL      time.Duration `env:"CACHE_TTL,default=24h" validate:"gt=0"`

	NATSURL     string `env:"NATS_URL"`
	NATSSubject string `env:"NATS_SUBJECT,default=billing.purchase.acknowledged"`

	ReverifyQueueURL string        `env:"REVERIFY_QUEUE_URL"`
	ReverifyDelay    time.Duration `env:"REVERIFY_DELAY,default=1m" validate:"gte=0,lte=15m"`

	// RTDNDedupeTable enables Pub/Sub redelivery deduplication when set.
	RTDNDedupeTable string        `env:"RTDN_DEDUPE_TABLE"`
	RTDNDedupeTTL   time.Duration `env:"RTDN_DEDUPE_TTL,default=48h" validate:"gt=0"`

	GoogleServiceAccountJSON string `env:"GOOGLE_SERVICE_ACCOUNT_JSON"`
	GooglePlayPackageName    string `env:"GOOGLE_PLAY_PACKAGE_NAME" validate:"required_with=GoogleServiceAccountJSON"`
	GooglePlayProductIDs     string `env:"GOOGLE_PLAY_PRODUCT_IDS" validate:"required_with=GoogleServiceAccountJSON"`
	GooglePlayBaseURL        string `env:"GOOGLE_PLAY_BASE_URL" validate:"omitempty,url"`

	// AdminSecretKey is carried for operator tooling and never interpreted here.
	AdminSecretKey string `env:"BACKEND_ADMIN_SECRET_KEY"`

	ProvisionalTTL   time.Duration `env:"PROVISIONAL_TTL,default=72h" validate:"gt=0"`
	VerifyTimeout    time.Duration `env:"VERIFY_TIMEOUT,default=10s" validate:"gt=0"`
	SweepSchedule    string        `env:"SWEEP_SCHEDULE,default=@every 5m" validate:"required"`
	MetricsNamespace string        `env:"METRICS_NAMESPACE,default=purchase_tokens"`
}

// Load reads envFile when it exists (variables already set win) and decodes
// the environment into a validated Config. An empty envFile means ".env".
func Load(envFile string) (*Config, error) {
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// ProductIDs splits GOOGLE_PLAY_PRODUCT_IDS on commas.
func (c *Config) ProductIDs() []string {
	var ids []string
	for _, id := range strings.Split(c.GooglePlayProductIDs, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// GoogleConfigured reports whether the Google Play verifier can be built.
func (c *Config) GoogleConfigured() bool {
	return c.GoogleServiceAccountJSON != ""
}

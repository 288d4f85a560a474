package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds the application's configuration values, loaded from the
// environment. Tags name the variable, provide defaults and mark required
// settings.
type Config struct {
	AppEnv     string `envconfig:"APP_ENV" default:"development"`
	LogLevel   string `envconfig:"LOG_LEVEL" default:"info"`
	HttpServer ServerConfig
	Postgres   PostgresConfig
	Redis      RedisConfig
	DocStore   DocStoreConfig
	Importer   ImporterConfig
}

// ServerConfig holds HTTP server-specific configurations.
type ServerConfig struct {
	Port         string        `envconfig:"HTTP_SERVER_PORT" default:"8080"`
	TimeoutRead  time.Duration `envconfig:"HTTP_SERVER_TIMEOUT_READ" default:"15s"`
	TimeoutWrite time.Duration `envconfig:"HTTP_SERVER_TIMEOUT_WRITE" default:"60s"`
	TimeoutIdle  time.Duration `envconfig:"HTTP_SERVER_TIMEOUT_IDLE" default:"60s"`
}

// PostgresConfig holds connection details for the relational mirror.
type PostgresConfig struct {
	Host     string `envconfig:"POSTGRES_HOST" required:"true"`
	Port     string `envconfig:"POSTGRES_PORT" default:"5432"`
	User     string `envconfig:"POSTGRES_USER" required:"true"`
	Password string `envconfig:"POSTGRES_PASSWORD" required:"true"`
	DBName   string `envconfig:"POSTGRES_DBNAME" required:"true"`
}

// DSN constructs the Data Source Name string for connecting to PostgreSQL.
func (pc *PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		pc.Host, pc.Port, pc.User, pc.Password, pc.DBName)
}

// RedisConfig holds the product-update stream settings.
type RedisConfig struct {
	Addr      string        `envconfig:"REDIS_ADDR" required:"true"`
	Stream    string        `envconfig:"REDIS_STREAM" default:"product_updates"`
	Group     string        `envconfig:"REDIS_GROUP" default:"product-query"`
	Consumer  string        `envconfig:"REDIS_CONSUMER" default:"product-query-1"`
	BatchSize int64         `envconfig:"REDIS_BATCH_SIZE" default:"100"`
	Block     time.Duration `envconfig:"REDIS_BLOCK" default:"5s"`
}

// DocStoreConfig holds connection details for the canonical document store.
type DocStoreConfig struct {
	URL       string `envconfig:"DOCSTORE_URL" required:"true"`
	User      string `envconfig:"DOCSTORE_USER" default:""`
	Password  string `envconfig:"DOCSTORE_PASSWORD" default:""`
	Namespace string `envconfig:"DOCSTORE_NAMESPACE" default:"off"`
	Database  string `envconfig:"DOCSTORE_DATABASE" default:"off"`
	Table     string `envconfig:"DOCSTORE_TABLE" default:"product"`
}

// ImporterConfig tunes the sync orchestrator.
type ImporterConfig struct {
	PageSize int `envconfig:"IMPORTER_PAGE_SIZE" default:"100"`
}

// Load initializes the configuration from environment variables. It should be
// called once during application startup.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process configuration: %w", err)
	}
	return &cfg, nil
}

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const (
	DatabaseSQLite   = "sqlite"
	DatabasePostgres = "postgresql"

	MQBackendNone     = "none"
	MQBackendRabbitMQ = "rabbitmq"
	MQBackendPubSub   = "pubsub"

	defaultSQLitePath = "./sql_app.db"
	sqliteURLPrefix   = "sqlite:///"
)

type Config struct {
	AppName        string        `envconfig:"APP_NAME" default:"user-service"`
	Environment    string        `envconfig:"ENVIRONMENT" default:"development"`
	Debug          bool          `envconfig:"DEBUG" default:"false"`
	ServerPort     int           `envconfig:"SERVER_PORT" default:"8080"`
	APIPrefix      string        `envconfig:"API_PREFIX" default:"/api/v1"`
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"60s"`
	RateLimit      int           `envconfig:"RATE_LIMIT_PER_MINUTE" default:"120"`

	Database DatabaseConfig
	Log      LogConfig
	MQ       MQConfig
}

type DatabaseConfig struct {
	Type        string `envconfig:"DATABASE_TYPE" default:"sqlite"`
	URL         string `envconfig:"DATABASE_URL"`
	Host        string `envconfig:"DB_HOST" default:"localhost"`
	Port        int    `envconfig:"DB_PORT" default:"5432"`
	User        string `envconfig:"DB_USER" default:"users"`
	Password    string `envconfig:"DB_PASSWORD" default:"password"`
	DBName      string `envconfig:"DB_NAME" default:"users_db"`
	UseSSL      bool   `envconfig:"DB_SSL" default:"false"`
	AutoMigrate bool   `envconfig:"DB_AUTO_MIGRATE" default:"true"`
}

type LogConfig struct {
	// Format is "text" or "json". Empty picks by environment.
	Format string `envconfig:"LOG_FORMAT"`
	Level  string `envconfig:"LOG_LEVEL"`
}

type MQConfig struct {
	Backend  string `envconfig:"MQ_BACKEND" default:"none"`
	Channel  string `envconfig:"USER_EVENTS_CHANNEL" default:"user-events"`
	RabbitMQ RabbitMQConfig
	PubSub   PubSubConfig
}

type RabbitMQConfig struct {
	URL             string `envconfig:"RABBITMQ_URL"`
	QueueDurable    bool   `envconfig:"RABBITMQ_QUEUE_DURABLE" default:"true"`
	QueueAutoDelete bool   `envconfig:"RABBITMQ_QUEUE_AUTO_DELETE" default:"false"`
	PrefetchCount   int    `envconfig:"RABBITMQ_PREFETCH_COUNT" default:"0"`
}

type PubSubConfig struct {
	ProjectID          string `envconfig:"PUBSUB_PROJECT_ID"`
	CredentialsFile    string `envconfig:"PUBSUB_CREDENTIALS_FILE"`
	SubscriptionSuffix string `envconfig:"PUBSUB_SUBSCRIPTION_SUFFIX" default:"-sub"`
}

// LoadConfig reads a .env file when one exists and then the process environment.
func LoadConfig() (Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return Config{}, fmt.Errorf("load .env: %w", err)
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks settings that envconfig cannot express.
func (c Config) Validate() error {
	if _, err := c.Database.Driver(); err != nil {
		return err
	}
	if c.Database.normalizedType() == DatabasePostgres && strings.TrimSpace(c.Database.Host) == "" && strings.TrimSpace(c.Database.URL) == "" {
		return errors.New("DATABASE_URL or DB_HOST must be set for PostgreSQL")
	}

	switch strings.ToLower(strings.TrimSpace(c.MQ.Backend)) {
	case "", MQBackendNone:
	case MQBackendRabbitMQ:
		if strings.TrimSpace(c.MQ.RabbitMQ.URL) == "" {
			return errors.New("RABBITMQ_URL is required when MQ_BACKEND=rabbitmq")
		}
	case MQBackendPubSub:
		if strings.TrimSpace(c.MQ.PubSub.ProjectID) == "" {
			return errors.New("PUBSUB_PROJECT_ID is required when MQ_BACKEND=pubsub")
		}
	default:
		return fmt.Errorf("unsupported mq backend: %s", c.MQ.Backend)
	}
	return nil
}

// IsDevelopment reports whether the service runs in the development environment.
func (c Config) IsDevelopment() bool {
	return strings.EqualFold(c.Environment, "development")
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

func (d DatabaseConfig) normalizedType() string {
	switch strings.ToLower(strings.TrimSpace(d.Type)) {
	case "", DatabaseSQLite, "sqlite3":
		return DatabaseSQLite
	case DatabasePostgres, "postgres":
		return DatabasePostgres
	default:
		return d.Type
	}
}

// Driver returns the database/sql driver name for the configured database type.
func (d DatabaseConfig) Driver() (string, error) {
	switch d.normalizedType() {
	case DatabaseSQLite:
		return "sqlite3", nil
	case DatabasePostgres:
		return "postgres", nil
	default:
		return "", fmt.Errorf("unsupported database type: %s", d.Type)
	}
}

// DSN returns the connection string handed to sql.Open.
func (d DatabaseConfig) DSN() (string, error) {
	switch d.normalizedType() {
	case DatabaseSQLite:
		return d.sqlitePath(), nil
	case DatabasePostgres:
		if strings.TrimSpace(d.URL) != "" {
			return d.URL, nil
		}
		return d.postgresURL(), nil
	default:
		return "", fmt.Errorf("unsupported database type: %s", d.Type)
	}
}

// MigrationURL returns the database URL understood by golang-migrate.
func (d DatabaseConfig) MigrationURL() (string, error) {
	switch d.normalizedType() {
	case DatabaseSQLite:
		return "sqlite3://" + d.sqlitePath(), nil
	case DatabasePostgres:
		return d.DSN()
	default:
		return "", fmt.Errorf("unsupported database type: %s", d.Type)
	}
}

// MigrationsDir is the directory under the embedded migrations tree for this database type.
func (d DatabaseConfig) MigrationsDir() string {
	if d.normalizedType() == DatabasePostgres {
		return "postgres"
	}
	return "sqlite"
}

func (d DatabaseConfig) sqlitePath() string {
	path := strings.TrimSpace(d.URL)
	if path == "" {
		return defaultSQLitePath
	}
	return strings.TrimPrefix(path, sqliteURLPrefix)
}

func (d DatabaseConfig) postgresURL() string {
	sslmode := "disable"
	if d.UseSSL {
		sslmode = "require"
	}

	u := &url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		User:   url.UserPassword(d.User, d.Password),
		Path:   d.DBName,
	}
	q := u.Query()
	q.Set("sslmode", sslmode)
	u.RawQuery = q.Encode()
	return u.String()
}

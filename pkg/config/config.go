package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/dhis2-sre/dbh-manager/internal/errdef"
	"gopkg.in/yaml.v3"
)

// DefaultCatalogSchemaName is the schema, or database on Postgres, holding the catalog of an
// instance.
const DefaultCatalogSchemaName = "DATABASEHOTEL_INSTANCE_DATA"

type Config struct {
	BasePath      string
	HTTPPort      int
	Logging       Logging
	DatabaseHotel DatabaseHotel
	Databases     []Database
	Janitor       Janitor
	Redis         *Redis
	RabbitMQ      *RabbitMQ
	Tracing       Tracing
}

func New() (Config, error) {
	basePath := getEnv("BASE_PATH", "")

	httpPort, err := getEnvAsInt("HTTP_PORT", 8080)
	if err != nil {
		return Config{}, err
	}

	logging, err := newLogging()
	if err != nil {
		return Config{}, err
	}

	dbh, err := newDatabaseHotel()
	if err != nil {
		return Config{}, err
	}

	janitor, err := newJanitor()
	if err != nil {
		return Config{}, err
	}

	redis, err := newRedis()
	if err != nil {
		return Config{}, err
	}

	rabbitMQ, err := newRabbitMQ()
	if err != nil {
		return Config{}, err
	}

	file, err := requireEnv("DATABASE_CONFIG_FILE")
	if err != nil {
		return Config{}, err
	}
	databases, err := LoadDatabases(file)
	if err != nil {
		return Config{}, err
	}

	return Config{
		BasePath:      basePath,
		HTTPPort:      httpPort,
		Logging:       logging,
		DatabaseHotel: dbh,
		Databases:     databases,
		Janitor:       janitor,
		Redis:         redis,
		RabbitMQ:      rabbitMQ,
		Tracing:       Tracing{JaegerEndpoint: getEnv("JAEGER_ENDPOINT", "")},
	}, nil
}

type Logging struct {
	Level  slog.Level
	Pretty bool
}

func newLogging() (Logging, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(getEnv("LOG_LEVEL", "INFO"))); err != nil {
		return Logging{}, fmt.Errorf("can't parse LOG_LEVEL: %v", err)
	}

	pretty, err := getEnvAsBool("LOG_PRETTY", false)
	if err != nil {
		return Logging{}, err
	}

	return Logging{Level: level, Pretty: pretty}, nil
}

// DatabaseHotel holds the policies shared by every database instance.
type DatabaseHotel struct {
	CooldownAfterDelete        time.Duration
	CooldownForUnused          time.Duration
	DefaultInstanceName        string
	ResourceUseCollectInterval time.Duration
	RetryDelay                 time.Duration
	CatalogSchemaName          string
}

func newDatabaseHotel() (DatabaseHotel, error) {
	months, err := getEnvAsInt("COOLDOWN_MONTHS_AFTER_DELETE", 1)
	if err != nil {
		return DatabaseHotel{}, err
	}

	days, err := getEnvAsInt("COOLDOWN_DAYS_FOR_UNUSED", 1)
	if err != nil {
		return DatabaseHotel{}, err
	}

	interval, err := getEnvAsDuration("RESOURCE_USE_COLLECT_INTERVAL", 5*time.Minute)
	if err != nil {
		return DatabaseHotel{}, err
	}

	retryDelay, err := getEnvAsDuration("RETRY_DELAY", 10*time.Second)
	if err != nil {
		return DatabaseHotel{}, err
	}

	return DatabaseHotel{
		CooldownAfterDelete:        MonthsToDuration(months),
		CooldownForUnused:          time.Duration(days) * 24 * time.Hour,
		DefaultInstanceName:        getEnv("DEFAULT_INSTANCE_NAME", ""),
		ResourceUseCollectInterval: interval,
		RetryDelay:                 retryDelay,
		CatalogSchemaName:          getEnv("CATALOG_SCHEMA_NAME", DefaultCatalogSchemaName),
	}, nil
}

// MonthsToDuration counts a month as 30 days.
func MonthsToDuration(months int) time.Duration {
	return time.Duration(months) * 30 * 24 * time.Hour
}

type Janitor struct {
	DropAllowed           bool
	PurgeExpiredCooldowns bool
	Interval              time.Duration
}

func newJanitor() (Janitor, error) {
	dropAllowed, err := getEnvAsBool("DROP_ALLOWED", false)
	if err != nil {
		return Janitor{}, err
	}

	purge, err := getEnvAsBool("PURGE_EXPIRED_COOLDOWNS", false)
	if err != nil {
		return Janitor{}, err
	}

	interval, err := getEnvAsDuration("JANITOR_INTERVAL", time.Hour)
	if err != nil {
		return Janitor{}, err
	}

	return Janitor{
		DropAllowed:           dropAllowed,
		PurgeExpiredCooldowns: purge,
		Interval:              interval,
	}, nil
}

type Redis struct {
	Host string
	Port int
}

// newRedis returns nil if Redis isn't configured.
func newRedis() (*Redis, error) {
	host := getEnv("REDIS_HOST", "")
	if host == "" {
		return nil, nil
	}

	port, err := requireEnvAsInt("REDIS_PORT")
	if err != nil {
		return nil, err
	}

	return &Redis{Host: host, Port: port}, nil
}

type RabbitMQ struct {
	Host     string
	Port     int
	Username string
	Password string
	Exchange string
}

// newRabbitMQ returns nil if RabbitMQ isn't configured.
func newRabbitMQ() (*RabbitMQ, error) {
	host := getEnv("RABBITMQ_HOST", "")
	if host == "" {
		return nil, nil
	}

	port, err := requireEnvAsInt("RABBITMQ_PORT")
	if err != nil {
		return nil, err
	}
	username, err := requireEnv("RABBITMQ_USERNAME")
	if err != nil {
		return nil, err
	}
	password, err := requireEnv("RABBITMQ_PASSWORD")
	if err != nil {
		return nil, err
	}

	return &RabbitMQ{
		Host:     host,
		Port:     port,
		Username: username,
		Password: password,
		Exchange: getEnv("RABBITMQ_EXCHANGE", "dbh-events"),
	}, nil
}

func (r RabbitMQ) GetURI() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d/", r.Username, r.Password, r.Host, r.Port)
}

type Tracing struct {
	JaegerEndpoint string
}

type databasesFile struct {
	Databases []Database `yaml:"databases"`
}

// LoadDatabases reads the backend configuration from the YAML file at path and validates every
// entry.
func LoadDatabases(path string) ([]Database, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errdef.NewConfiguration("failed to read database configuration %q: %v", path, err)
	}

	var f databasesFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, errdef.NewConfiguration("failed to parse database configuration %q: %v", path, err)
	}

	if err := ValidateDatabases(f.Databases); err != nil {
		return nil, err
	}

	return f.Databases, nil
}

func requireEnv(key string) (string, error) {
	value, exists := os.LookupEnv(key)
	if !exists {
		return "", errdef.NewConfiguration("can't find environment variable: %s", key)
	}
	return value, nil
}

func requireEnvAsInt(key string) (int, error) {
	valueStr, err := requireEnv(key)
	if err != nil {
		return 0, err
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return 0, errdef.NewConfiguration("can't parse %s as integer: %v", key, err)
	}
	return value, nil
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) (int, error) {
	if _, exists := os.LookupEnv(key); !exists {
		return fallback, nil
	}
	return requireEnvAsInt(key)
}

func getEnvAsBool(key string, fallback bool) (bool, error) {
	valueStr, exists := os.LookupEnv(key)
	if !exists {
		return fallback, nil
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return false, errdef.NewConfiguration("can't parse %s as boolean: %v", key, err)
	}
	return value, nil
}

func getEnvAsDuration(key string, fallback time.Duration) (time.Duration, error) {
	valueStr, exists := os.LookupEnv(key)
	if !exists {
		return fallback, nil
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return 0, errdef.NewConfiguration("can't parse %s as duration: %v", key, err)
	}
	return value, nil
}

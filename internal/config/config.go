package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

// Config is the process-wide configuration. It is built once by Load and
// handed to the constructors that need it.
type Config struct {
	ListenAddr string
	LogLevel   slog.Level

	Database DatabaseConfig
	Storage  StorageConfig
}

// DatabaseConfig describes the metadata database connection.
type DatabaseConfig struct {
	Driver   string
	Host     string
	Port     string
	Name     string
	User     string
	Password string
	SSLMode  string
	// Path is the database file used by the sqlite3 driver.
	Path string
}

// StorageConfig describes the S3-compatible object store.
type StorageConfig struct {
	// Endpoint is the host:port reachable from inside the deployment network.
	Endpoint string
	// PublicEndpoint is the host:port callers outside the network use. When
	// empty, presigned URLs carry Endpoint.
	PublicEndpoint string
	AccessKey      string
	SecretKey      string
	Bucket         string
	Region         string
	UseSSL         bool
}

// DSN returns the data source name for the configured driver.
func (c DatabaseConfig) DSN() string {
	if c.Driver == DriverSQLite {
		return c.Path
	}

	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// Load reads an optional .env file and the process environment. Every
// setting has a default suitable for a local containerized deployment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	return FromLookup(os.LookupEnv)
}

// FromLookup builds a Config from the given lookup function.
func FromLookup(lookup func(string) (string, bool)) (Config, error) {
	getenv := func(key, fallback string) string {
		if v, ok := lookup(key); ok && v != "" {
			return v
		}
		return fallback
	}

	level, err := parseLevel(getenv("LOG_LEVEL", "info"))
	if err != nil {
		return Config{}, err
	}

	useSSL, err := strconv.ParseBool(getenv("MINIO_STORAGE_USE_SSL", "false"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid MINIO_STORAGE_USE_SSL: %w", err)
	}

	cfg := Config{
		ListenAddr: getenv("LISTEN_ADDR", ":8000"),
		LogLevel:   level,
		Database: DatabaseConfig{
			Driver:   getenv("DB_DRIVER", DriverPostgres),
			Host:     getenv("DB_HOST", "uploadhub_db"),
			Port:     getenv("DB_PORT", "5432"),
			Name:     getenv("DB_NAME", "filesdb"),
			User:     getenv("DB_USER", "postgres"),
			Password: getenv("DB_PASS", "postgres"),
			SSLMode:  getenv("DB_SSLMODE", "disable"),
			Path:     getenv("DB_PATH", "./data/uploadhub.sqlite"),
		},
		Storage: StorageConfig{
			Endpoint:       getenv("MINIO_STORAGE_ENDPOINT", "uploadhub_minio:9000"),
			PublicEndpoint: getenv("MINIO_STORAGE_PUBLIC_ENDPOINT", "localhost:9000"),
			AccessKey:      getenv("MINIO_STORAGE_ACCESS_KEY", "minioadmin"),
			SecretKey:      getenv("MINIO_STORAGE_SECRET_KEY", "minioadmin"),
			Bucket:         getenv("MINIO_STORAGE_BUCKET_NAME", "uploads"),
			Region:         getenv("MINIO_STORAGE_REGION", "us-east-1"),
			UseSSL:         useSSL,
		},
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate reports the first setting that cannot work.
func (c Config) Validate() error {
	switch c.Database.Driver {
	case DriverPostgres, DriverSQLite:
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.Database.Driver)
	}

	if c.Storage.Endpoint == "" {
		return errors.New("MINIO_STORAGE_ENDPOINT must not be empty")
	}

	if c.Storage.Bucket == "" {
		return errors.New("MINIO_STORAGE_BUCKET_NAME must not be empty")
	}

	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("invalid LOG_LEVEL %q: %w", s, err)
	}
	return level, nil
}

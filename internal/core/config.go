package core

import (
	"log/slog"
	"time"
)

// PresignExpiry is how long an issued upload URL stays valid.
const PresignExpiry = 300 * time.Second

// Clock returns the current time. Handlers derive storage keys and
// timestamps from it.
type Clock func() time.Time

type Config struct {
	Bucket   string
	Objects  ObjectStore
	Metadata MetadataStore
	Logger   *slog.Logger
	Clock    Clock
}

type ConfigOption func(*Config)

func WithBucket(bucket string) ConfigOption {
	return func(cfg *Config) {
		cfg.Bucket = bucket
	}
}

func WithObjectStore(objects ObjectStore) ConfigOption {
	return func(cfg *Config) {
		cfg.Objects = objects
	}
}

func WithMetadataStore(store MetadataStore) ConfigOption {
	return func(cfg *Config) {
		cfg.Metadata = store
	}
}

func WithLogger(logger *slog.Logger) ConfigOption {
	return func(cfg *Config) {
		cfg.Logger = logger
	}
}

func WithClock(clock Clock) ConfigOption {
	return func(cfg *Config) {
		cfg.Clock = clock
	}
}

func NewConfig(opts ...ConfigOption) Config {
	cfg := Config{}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mediaforge/dispatch/internal/media"
	mediapostgres "github.com/mediaforge/dispatch/internal/media/postgres"
	"github.com/mediaforge/dispatch/internal/stream"
)

type Globals struct {
	Debug   bool
	Version string
}

// RedisFlags configures the redis broker and reference store.
type RedisFlags struct {
	Addr     string `help:"redis address" default:"localhost:6379" env:"DISPATCH_REDIS_ADDR"`
	Password string `help:"redis password" default:"" env:"DISPATCH_REDIS_PASSWORD"`
	DB       int    `help:"redis database number" default:"0" env:"DISPATCH_REDIS_DB"`
}

func (f *RedisFlags) options() *redis.Options {
	return &redis.Options{Addr: f.Addr, Password: f.Password, DB: f.DB}
}

// PostgresFlags configures the postgres media store.
type PostgresFlags struct {
	ConnString      string `help:"PostgreSQL connection string" env:"POSTGRES_CONNECTION_STRING"`
	MaxConns        int32  `help:"maximum number of connections in pool" default:"10"`
	MinConns        int32  `help:"minimum number of connections in pool" default:"2"`
	MaxConnLifetime int32  `help:"maximum connection lifetime in seconds" default:"3600"`
	MaxConnIdleTime int32  `help:"maximum connection idle time in seconds" default:"1800"`
}

// ProviderFlags configures the external generation provider.
type ProviderFlags struct {
	URL     string        `help:"provider endpoint URL" default:"" env:"DISPATCH_PROVIDER_URL"`
	APIKey  string        `help:"provider API key" default:"" env:"DISPATCH_PROVIDER_API_KEY"`
	Timeout time.Duration `help:"per-call timeout" default:"30s" env:"DISPATCH_PROVIDER_TIMEOUT"`
}

// ReconcilerFlags configures the staleness sweep.
type ReconcilerFlags struct {
	Interval    time.Duration `help:"sweep interval" default:"5s" env:"DISPATCH_RECONCILE_INTERVAL"`
	StaleAfter  time.Duration `help:"staleness threshold, set just above the provider execution timeout" default:"2m" env:"DISPATCH_RECONCILE_STALE_AFTER"`
	MaxAttempts int32         `help:"resubmission budget before terminal failure" default:"3" env:"DISPATCH_RECONCILE_MAX_ATTEMPTS"`
	BatchSize   int           `help:"maximum items repaired per sweep" default:"50" env:"DISPATCH_RECONCILE_BATCH_SIZE"`
}

func (f *ReconcilerFlags) Validate() error {
	if f.Interval <= 0 {
		return errors.New("reconcile interval must be positive")
	}
	if f.StaleAfter <= 0 {
		return errors.New("reconcile stale-after must be positive")
	}
	return nil
}

// newBroker builds the selected stream broker.
func newBroker(ctx context.Context, brokerType string, redisFlags *RedisFlags) (stream.Broker, func() error, error) {
	switch brokerType {
	case "memory":
		return stream.NewMemory(), func() error { return nil }, nil
	case "redis":
		broker := stream.NewRedis(redisFlags.options())
		if err := broker.Ping(ctx); err != nil {
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		return broker, broker.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown broker type %q", brokerType)
	}
}

// newMediaStore builds the selected media store.
func newMediaStore(ctx context.Context, storeType string, pgFlags *PostgresFlags) (media.Store, func(), error) {
	switch storeType {
	case "memory":
		return media.NewMemoryStore(), func() {}, nil
	case "postgres":
		if pgFlags.ConnString == "" {
			return nil, nil, errors.New("PostgreSQL connection string is required (--postgres-conn-string or POSTGRES_CONNECTION_STRING)")
		}
		pool, err := mediapostgres.NewPool(ctx, &mediapostgres.PoolConfig{
			ConnString:      pgFlags.ConnString,
			MaxConns:        pgFlags.MaxConns,
			MinConns:        pgFlags.MinConns,
			MaxConnLifetime: pgFlags.MaxConnLifetime,
			MaxConnIdleTime: pgFlags.MaxConnIdleTime,
		})
		if err != nil {
			return nil, nil, err
		}
		store, err := mediapostgres.NewStore(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store, pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store type %q", storeType)
	}
}

package commands

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mediaforge/dispatch/internal/blob"
	"github.com/mediaforge/dispatch/internal/consumer"
	"github.com/mediaforge/dispatch/internal/jobref"
	"github.com/mediaforge/dispatch/internal/logger"
	"github.com/mediaforge/dispatch/internal/pipeline"
	"github.com/mediaforge/dispatch/internal/provider"
	"github.com/mediaforge/dispatch/internal/reconciler"
	"github.com/mediaforge/dispatch/internal/telemetry"
)

type ServerCmd struct {
	Broker string `help:"stream broker (memory or redis)" default:"redis" env:"DISPATCH_BROKER" enum:"memory,redis"`
	Store  string `help:"media store (memory or postgres)" default:"postgres" env:"DISPATCH_STORE" enum:"memory,postgres"`

	Topology string        `help:"path to a pipeline topology YAML file (compiled-in defaults when empty)" default:"" env:"DISPATCH_TOPOLOGY"`
	RefTTL   time.Duration `help:"TTL for external job references" default:"1h" env:"DISPATCH_REF_TTL"`
	BlobDir  string        `help:"directory for blob storage (in-memory when empty)" default:"" env:"DISPATCH_BLOB_DIR"`
	Tracing  bool          `help:"enable tracing and metrics export" default:"false" env:"DISPATCH_TRACING"`

	ShutdownTimeout time.Duration `help:"bound on graceful shutdown" default:"15s" env:"DISPATCH_SHUTDOWN_TIMEOUT"`

	Redis      RedisFlags      `embed:"" prefix:"redis-"`
	Postgres   PostgresFlags   `embed:"" prefix:"postgres-"`
	Provider   ProviderFlags   `embed:"" prefix:"provider-"`
	Reconciler ReconcilerFlags `embed:"" prefix:"reconcile-"`
}

func (c *ServerCmd) Run(globals *Globals) error {
	log := logger.Setup(globals.Debug)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().Str("version", globals.Version).Bool("debug", globals.Debug).Msg("Starting dispatch server")

	if c.Provider.URL == "" {
		return errors.New("provider URL is required (--provider-url or DISPATCH_PROVIDER_URL)")
	}

	if c.Tracing {
		log.Info().Msg("Tracing is enabled")
		shutdown, err := telemetry.InitTelemetry(ctx, "dispatch-server", globals.Version)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without metrics")
			shutdown = func(ctx context.Context) error { return nil }
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Failed to shutdown telemetry")
			}
		}()
	}

	broker, closeBroker, err := newBroker(ctx, c.Broker, &c.Redis)
	if err != nil {
		return err
	}
	defer closeBroker() //nolint:errcheck

	store, closeStore, err := newMediaStore(ctx, c.Store, &c.Postgres)
	if err != nil {
		return err
	}
	defer closeStore()
	log.Info().Str("broker", c.Broker).Str("store", c.Store).Msg("Backends ready")

	// The reference store follows the broker: redis when redis is already
	// around, memory otherwise.
	var refs jobref.Store
	if c.Broker == "redis" {
		refClient := redis.NewClient(c.Redis.options())
		defer refClient.Close() //nolint:errcheck
		refs = jobref.NewRedisStore(refClient, c.RefTTL)
	} else {
		memRefs := jobref.NewMemoryStore(c.RefTTL)
		if err := memRefs.Start(); err != nil {
			return fmt.Errorf("failed to start reference store: %w", err)
		}
		defer memRefs.Stop() //nolint:errcheck
		refs = memRefs
	}

	var blobs blob.Store
	if c.BlobDir != "" {
		blobs, err = blob.NewFilesystemStore(c.BlobDir)
		if err != nil {
			return err
		}
	} else {
		blobs = blob.NewMemoryStore()
	}

	prov := provider.NewHTTPClient(c.Provider.URL, c.Provider.APIKey,
		provider.WithHTTPTimeout(c.Provider.Timeout))

	pub := pipeline.NewPublisher(broker)
	handlers := map[string]consumer.Handler{
		pipeline.HandlerGenerate:  pipeline.NewGenerateHandler(prov, refs, store, pub),
		pipeline.HandlerStatus:    pipeline.NewStatusHandler(store, pub),
		pipeline.HandlerThumbnail: pipeline.NewThumbnailHandler(blobs, store, nil),
	}

	topo := pipeline.DefaultTopology()
	if c.Topology != "" {
		topo, err = pipeline.LoadTopology(c.Topology)
		if err != nil {
			return err
		}
	}

	var stoppers []func(context.Context) error
	var notifiedBindings []consumer.Binding
	for _, b := range topo.Bindings {
		h := handlers[b.Handler]
		switch b.Strategy {
		case pipeline.StrategyBlocking:
			bc := consumer.NewBlocking(broker, b.Stream, b.Group, h)
			if err := bc.Start(ctx); err != nil {
				return fmt.Errorf("failed to start consumer for %s: %w", b.Stream, err)
			}
			stoppers = append(stoppers, bc.Stop)
		case pipeline.StrategyNotified:
			notifiedBindings = append(notifiedBindings, consumer.Binding{
				Stream:  b.Stream,
				Group:   b.Group,
				Handler: h,
			})
		}
	}
	if len(notifiedBindings) > 0 {
		nc := consumer.NewNotified(broker, notifiedBindings)
		if err := nc.Start(ctx); err != nil {
			return fmt.Errorf("failed to start notified consumer: %w", err)
		}
		stoppers = append(stoppers, nc.Stop)
	}

	rec := reconciler.New(reconciler.Config{
		Interval:    c.Reconciler.Interval,
		StaleAfter:  c.Reconciler.StaleAfter,
		MaxAttempts: c.Reconciler.MaxAttempts,
		BatchSize:   c.Reconciler.BatchSize,
	}, store, refs, prov, pub)
	if err := rec.Start(); err != nil {
		return fmt.Errorf("failed to start reconciler: %w", err)
	}

	log.Info().Int("bindings", len(topo.Bindings)).Msg("Dispatch server running")
	<-ctx.Done()
	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), c.ShutdownTimeout)
	defer cancel()

	if err := rec.Stop(); err != nil {
		log.Warn().Err(err).Msg("Failed to stop reconciler")
	}
	for _, stopConsumer := range stoppers {
		if err := stopConsumer(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Failed to stop consumer")
		}
	}

	log.Info().Msg("Shutdown complete")
	return nil
}

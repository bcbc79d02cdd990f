package commands

import (
	"context"
	"errors"

	"github.com/mediaforge/dispatch/internal/logger"
	"github.com/mediaforge/dispatch/internal/media"
	"github.com/mediaforge/dispatch/internal/pipeline"
)

// EnqueueCmd creates a media item and appends its generation request. It is a
// development stand-in for the web-facing request layer.
type EnqueueCmd struct {
	Prompt string `help:"generation prompt" arg:""`
	User   string `help:"user id recorded on the item" default:"dev"`
	Seed   int64  `help:"generation seed" default:"0"`
	Width  int32  `help:"output width" default:"1024"`
	Height int32  `help:"output height" default:"1024"`

	Broker string `help:"stream broker (memory or redis)" default:"redis" env:"DISPATCH_BROKER" enum:"memory,redis"`
	Store  string `help:"media store (memory or postgres)" default:"postgres" env:"DISPATCH_STORE" enum:"memory,postgres"`

	Redis    RedisFlags    `embed:"" prefix:"redis-"`
	Postgres PostgresFlags `embed:"" prefix:"postgres-"`
}

func (c *EnqueueCmd) Run(globals *Globals) error {
	log := logger.Setup(globals.Debug)
	ctx := context.Background()

	// Memory backends live and die with one process; nothing would consume
	// the request.
	if c.Broker == "memory" || c.Store == "memory" {
		return errors.New("enqueue requires the redis broker and the postgres store")
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

	item := &media.Item{
		UserID: c.User,
		Prompt: c.Prompt,
		Seed:   c.Seed,
		Width:  c.Width,
		Height: c.Height,
	}
	if err := store.Create(ctx, item); err != nil {
		return err
	}

	msgID, err := pipeline.NewPublisher(broker).PublishGenerationRequest(ctx, item)
	if err != nil {
		return err
	}

	log.Info().
		Str("media_id", item.ID).
		Str("message_id", msgID).
		Msg("Generation request enqueued")
	return nil
}

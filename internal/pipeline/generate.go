package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mediaforge/dispatch/internal/jobref"
	"github.com/mediaforge/dispatch/internal/media"
	"github.com/mediaforge/dispatch/internal/provider"
	"github.com/mediaforge/dispatch/internal/stream"
)

// GenerateHandler consumes generation requests: submit the job to the
// provider, remember the external job id, mark the item processing, and tell
// the status stream.
type GenerateHandler struct {
	provider provider.Client
	refs     jobref.Store
	store    media.Store
	pub      *Publisher
}

// NewGenerateHandler creates the generation-request handler.
func NewGenerateHandler(p provider.Client, refs jobref.Store, store media.Store, pub *Publisher) *GenerateHandler {
	return &GenerateHandler{provider: p, refs: refs, store: store, pub: pub}
}

func (h *GenerateHandler) Handle(ctx context.Context, msg stream.Message) error {
	mediaID := msg.Fields[FieldMediaID]
	if mediaID == "" {
		return fmt.Errorf("generation request %s has no %s field", msg.ID, FieldMediaID)
	}

	// The request may be stale: the user can cancel between enqueue and here.
	item, err := h.store.Get(ctx, mediaID)
	if err != nil {
		return fmt.Errorf("failed to load media item %s: %w", mediaID, err)
	}
	if item.Cancelled() {
		log.Info().Str("media_id", mediaID).Msg("Skipping generation for cancelled item")
		return nil
	}

	seed := numericField(msg, FieldSeed, mediaID)
	width := int32(numericField(msg, FieldWidth, mediaID))
	height := int32(numericField(msg, FieldHeight, mediaID))

	jobID, err := h.provider.Submit(ctx, provider.GenerationInput{
		MediaID: mediaID,
		Prompt:  msg.Fields[FieldPrompt],
		Seed:    seed,
		Width:   width,
		Height:  height,
	})
	if err != nil {
		return fmt.Errorf("failed to submit generation job for %s: %w", mediaID, err)
	}

	if err := h.refs.Put(ctx, jobref.Ref{MediaID: mediaID, JobID: jobID, SubmittedAt: time.Now()}); err != nil {
		// The job is already running; losing the reference only costs the
		// reconciler a resubmission later.
		log.Warn().Err(err).Str("media_id", mediaID).Str("job_id", jobID).Msg("Failed to store job reference")
	}

	changed, err := h.store.MarkProcessing(ctx, mediaID)
	if err != nil {
		if errors.Is(err, media.ErrCancelled) {
			log.Info().Str("media_id", mediaID).Msg("Item cancelled during submission")
			return nil
		}
		return fmt.Errorf("failed to mark %s processing: %w", mediaID, err)
	}

	if changed {
		if _, err := h.pub.PublishStatus(ctx, mediaID, StatusProcessing, "", ""); err != nil {
			log.Warn().Err(err).Str("media_id", mediaID).Msg("Failed to publish processing status")
		}
	}

	log.Info().
		Str("media_id", mediaID).
		Str("job_id", jobID).
		Msg("Generation job submitted")
	return nil
}

// numericField parses an optional numeric field, degrading malformed values to
// zero with a warning rather than dropping the whole request.
func numericField(msg stream.Message, field, mediaID string) int64 {
	raw := msg.Fields[field]
	if raw == "" {
		return 0
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Warn().
			Str("media_id", mediaID).
			Str("field", field).
			Str("value", raw).
			Msg("Malformed numeric field, using zero")
		return 0
	}
	return v
}

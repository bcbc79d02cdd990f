package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/mediaforge/dispatch/internal/media"
	"github.com/mediaforge/dispatch/internal/stream"
)

// StatusHandler consumes status updates and applies them to the media store.
// A completion that actually changed the item triggers a thumbnail request;
// replayed completions do not, which keeps recovery paths indistinguishable
// from the primary path downstream.
type StatusHandler struct {
	store media.Store
	pub   *Publisher
}

// NewStatusHandler creates the status-update handler.
func NewStatusHandler(store media.Store, pub *Publisher) *StatusHandler {
	return &StatusHandler{store: store, pub: pub}
}

func (h *StatusHandler) Handle(ctx context.Context, msg stream.Message) error {
	mediaID := msg.Fields[FieldMediaID]
	status := msg.Fields[FieldStatus]
	if mediaID == "" || status == "" {
		return fmt.Errorf("status update %s missing %s or %s", msg.ID, FieldMediaID, FieldStatus)
	}

	switch status {
	case StatusQueued:
		// Retry announcement; the store was already reset by the writer.
		return nil

	case StatusProcessing:
		_, err := h.store.MarkProcessing(ctx, mediaID)
		if err != nil && !errors.Is(err, media.ErrCancelled) {
			return fmt.Errorf("failed to mark %s processing: %w", mediaID, err)
		}
		return nil

	case StatusCompleted:
		changed, err := h.store.Complete(ctx, mediaID, msg.Fields[FieldS3Key])
		if err != nil {
			if errors.Is(err, media.ErrCancelled) {
				log.Info().Str("media_id", mediaID).Msg("Ignoring completion for cancelled item")
				return nil
			}
			return fmt.Errorf("failed to complete %s: %w", mediaID, err)
		}
		if !changed {
			// A replayed completion (recovery path) still needs to fire the
			// thumbnail trigger when no thumbnail exists yet.
			item, err := h.store.Get(ctx, mediaID)
			if err != nil {
				return fmt.Errorf("failed to load media item %s: %w", mediaID, err)
			}
			if item.State != media.StateCompleted || item.ThumbKey != "" {
				return nil
			}
		}
		if _, err := h.pub.PublishThumbnailRequest(ctx, mediaID); err != nil {
			log.Warn().Err(err).Str("media_id", mediaID).Msg("Failed to publish thumbnail request")
		}
		return nil

	case StatusFailed:
		_, err := h.store.Fail(ctx, mediaID, msg.Fields[FieldError])
		if err != nil {
			return fmt.Errorf("failed to fail %s: %w", mediaID, err)
		}
		return nil

	default:
		return fmt.Errorf("status update %s carries unknown status %q", msg.ID, status)
	}
}

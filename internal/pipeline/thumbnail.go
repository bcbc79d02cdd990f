package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"

	_ "image/jpeg" // register jpeg decoding for provider outputs

	"github.com/rs/zerolog/log"

	"github.com/mediaforge/dispatch/internal/blob"
	"github.com/mediaforge/dispatch/internal/media"
	"github.com/mediaforge/dispatch/internal/stream"
)

// ScaleFunc turns a source image into a thumbnail.
type ScaleFunc func(src []byte) ([]byte, error)

// ThumbnailHandler consumes thumbnail requests: fetch the completed output
// from the blob store, scale it, store the thumbnail, and record its key on
// the item.
type ThumbnailHandler struct {
	blobs blob.Store
	store media.Store
	scale ScaleFunc
}

// NewThumbnailHandler creates the thumbnail handler. A nil scale falls back
// to the built-in nearest-neighbor scaler at 256px.
func NewThumbnailHandler(blobs blob.Store, store media.Store, scale ScaleFunc) *ThumbnailHandler {
	if scale == nil {
		scale = NearestNeighborScaler(256)
	}
	return &ThumbnailHandler{blobs: blobs, store: store, scale: scale}
}

func (h *ThumbnailHandler) Handle(ctx context.Context, msg stream.Message) error {
	mediaID := msg.Fields[FieldMediaID]
	if mediaID == "" {
		return fmt.Errorf("thumbnail request %s has no %s field", msg.ID, FieldMediaID)
	}

	item, err := h.store.Get(ctx, mediaID)
	if err != nil {
		return fmt.Errorf("failed to load media item %s: %w", mediaID, err)
	}
	if item.S3Key == "" {
		return fmt.Errorf("media item %s has no output to thumbnail", mediaID)
	}
	if item.ThumbKey != "" {
		log.Debug().Str("media_id", mediaID).Msg("Thumbnail already present, skipping")
		return nil
	}

	src, err := h.blobs.Get(ctx, item.S3Key)
	if err != nil {
		return fmt.Errorf("failed to fetch source %s: %w", item.S3Key, err)
	}

	thumb, err := h.scale(src.Data)
	if err != nil {
		return fmt.Errorf("failed to scale %s: %w", item.S3Key, err)
	}

	thumbKey := ThumbKeyFor(mediaID)
	if err := h.blobs.Put(ctx, thumbKey, thumb, "image/png"); err != nil {
		return fmt.Errorf("failed to store thumbnail %s: %w", thumbKey, err)
	}

	if err := h.store.SetThumbnail(ctx, mediaID, thumbKey); err != nil {
		return fmt.Errorf("failed to record thumbnail for %s: %w", mediaID, err)
	}

	log.Info().
		Str("media_id", mediaID).
		Str("thumb_key", thumbKey).
		Msg("Thumbnail generated")
	return nil
}

// NearestNeighborScaler returns a ScaleFunc that fits the image inside a
// maxDim square and re-encodes it as PNG. Quality is deliberately crude;
// anything better belongs in a dedicated image service.
func NearestNeighborScaler(maxDim int) ScaleFunc {
	return func(src []byte) ([]byte, error) {
		img, _, err := image.Decode(bytes.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("failed to decode image: %w", err)
		}

		bounds := img.Bounds()
		w, h := bounds.Dx(), bounds.Dy()
		if w <= 0 || h <= 0 {
			return nil, fmt.Errorf("image has empty bounds")
		}

		tw, th := w, h
		if w >= h && w > maxDim {
			tw = maxDim
			th = h * maxDim / w
		} else if h > w && h > maxDim {
			th = maxDim
			tw = w * maxDim / h
		}
		if tw < 1 {
			tw = 1
		}
		if th < 1 {
			th = 1
		}

		dst := image.NewRGBA(image.Rect(0, 0, tw, th))
		for y := 0; y < th; y++ {
			sy := bounds.Min.Y + y*h/th
			for x := 0; x < tw; x++ {
				sx := bounds.Min.X + x*w/tw
				dst.Set(x, y, img.At(sx, sy))
			}
		}

		var buf bytes.Buffer
		if err := png.Encode(&buf, dst); err != nil {
			return nil, fmt.Errorf("failed to encode thumbnail: %w", err)
		}
		return buf.Bytes(), nil
	}
}

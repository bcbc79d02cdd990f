package pipeline

import (
	"context"
	"fmt"
	"strconv"

	"github.com/mediaforge/dispatch/internal/media"
	"github.com/mediaforge/dispatch/internal/stream"
	"github.com/mediaforge/dispatch/internal/telemetry"
)

// Publisher appends well-formed pipeline messages. It is the only writer of
// the stream field contracts, so producers cannot drift apart.
type Publisher struct {
	broker stream.Broker
}

// NewPublisher creates a publisher on the given broker.
func NewPublisher(broker stream.Broker) *Publisher {
	return &Publisher{broker: broker}
}

// PublishGenerationRequest appends a generation request for the item.
func (p *Publisher) PublishGenerationRequest(ctx context.Context, item *media.Item) (string, error) {
	return p.append(ctx, StreamGenerate, map[string]string{
		FieldMediaID: item.ID,
		FieldUserID:  item.UserID,
		FieldPrompt:  item.Prompt,
		FieldSeed:    strconv.FormatInt(item.Seed, 10),
		FieldWidth:   strconv.FormatInt(int64(item.Width), 10),
		FieldHeight:  strconv.FormatInt(int64(item.Height), 10),
	})
}

// PublishStatus appends a status update. s3Key and errMsg are optional and
// omitted when empty.
func (p *Publisher) PublishStatus(ctx context.Context, mediaID, status, s3Key, errMsg string) (string, error) {
	fields := map[string]string{
		FieldMediaID: mediaID,
		FieldStatus:  status,
	}
	if s3Key != "" {
		fields[FieldS3Key] = s3Key
	}
	if errMsg != "" {
		fields[FieldError] = errMsg
	}
	return p.append(ctx, StreamStatus, fields)
}

// PublishThumbnailRequest appends a thumbnail request for the item.
func (p *Publisher) PublishThumbnailRequest(ctx context.Context, mediaID string) (string, error) {
	return p.append(ctx, StreamThumbnail, map[string]string{
		FieldMediaID: mediaID,
	})
}

func (p *Publisher) append(ctx context.Context, streamName string, fields map[string]string) (string, error) {
	id, err := p.broker.Append(ctx, streamName, fields)
	if err != nil {
		return "", fmt.Errorf("failed to append to %s: %w", streamName, err)
	}
	telemetry.GetMetrics().MessagesAppended.Add(ctx, 1)
	return id, nil
}

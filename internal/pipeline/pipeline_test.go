package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mediaforge/dispatch/internal/blob"
	"github.com/mediaforge/dispatch/internal/jobref"
	"github.com/mediaforge/dispatch/internal/media"
	"github.com/mediaforge/dispatch/internal/provider"
	"github.com/mediaforge/dispatch/internal/stream"
)

// fakeProvider records submissions and serves canned statuses.
type fakeProvider struct {
	mu        sync.Mutex
	submitted []provider.GenerationInput
	statuses  map[string]provider.JobStatus
	cancelled []string
	submitErr error
	statusErr error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{statuses: make(map[string]provider.JobStatus)}
}

func (f *fakeProvider) Submit(ctx context.Context, input provider.GenerationInput) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submitted = append(f.submitted, input)
	return fmt.Sprintf("job-%d", len(f.submitted)), nil
}

func (f *fakeProvider) GetStatus(ctx context.Context, jobID string) (provider.JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return provider.JobStatus{}, f.statusErr
	}
	status, ok := f.statuses[jobID]
	if !ok {
		return provider.JobStatus{}, fmt.Errorf("unknown job %s", jobID)
	}
	return status, nil
}

func (f *fakeProvider) Cancel(ctx context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, jobID)
	return nil
}

func drain(t *testing.T, broker stream.Broker, streamName, group string) []stream.Message {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, broker.EnsureGroup(ctx, streamName, group))
	var all []stream.Message
	for {
		msgs, err := broker.Claim(ctx, streamName, group, "test", 16)
		require.NoError(t, err)
		if len(msgs) == 0 {
			return all
		}
		all = append(all, msgs...)
	}
}

func TestPublisherFieldContracts(t *testing.T) {
	ctx := context.Background()
	broker := stream.NewMemory()
	pub := NewPublisher(broker)

	// Position the test groups before publishing, since fresh groups only see
	// future messages.
	require.NoError(t, broker.EnsureGroup(ctx, StreamGenerate, "t"))
	require.NoError(t, broker.EnsureGroup(ctx, StreamStatus, "t"))
	require.NoError(t, broker.EnsureGroup(ctx, StreamThumbnail, "t"))

	item := &media.Item{ID: "media-1", UserID: "user-1", Prompt: "a fox", Seed: 7, Width: 1024, Height: 768}
	_, err := pub.PublishGenerationRequest(ctx, item)
	require.NoError(t, err)

	msgs := drain(t, broker, StreamGenerate, "t")
	require.Len(t, msgs, 1)
	require.Equal(t, "media-1", msgs[0].Fields[FieldMediaID])
	require.Equal(t, "7", msgs[0].Fields[FieldSeed])
	require.Equal(t, "1024", msgs[0].Fields[FieldWidth])
	require.Equal(t, "768", msgs[0].Fields[FieldHeight])

	_, err = pub.PublishStatus(ctx, "media-1", StatusCompleted, "outputs/fox.png", "")
	require.NoError(t, err)

	msgs = drain(t, broker, StreamStatus, "t")
	require.Len(t, msgs, 1)
	require.Equal(t, StatusCompleted, msgs[0].Fields[FieldStatus])
	require.Equal(t, "outputs/fox.png", msgs[0].Fields[FieldS3Key])
	_, hasErr := msgs[0].Fields[FieldError]
	require.False(t, hasErr, "empty optional fields are omitted")

	_, err = pub.PublishThumbnailRequest(ctx, "media-1")
	require.NoError(t, err)
	msgs = drain(t, broker, StreamThumbnail, "t")
	require.Len(t, msgs, 1)
	require.Equal(t, "media-1", msgs[0].Fields[FieldMediaID])
}

func TestGenerateHandler(t *testing.T) {
	ctx := context.Background()
	broker := stream.NewMemory()
	store := media.NewMemoryStore()
	refs := jobref.NewMemoryStore(time.Hour)
	prov := newFakeProvider()
	pub := NewPublisher(broker)

	require.NoError(t, broker.EnsureGroup(ctx, StreamStatus, "t"))

	item := &media.Item{UserID: "user-1", Prompt: "a fox", Seed: 7, Width: 1024, Height: 768}
	require.NoError(t, store.Create(ctx, item))

	h := NewGenerateHandler(prov, refs, store, pub)
	err := h.Handle(ctx, stream.Message{ID: "1-0", Fields: map[string]string{
		FieldMediaID: item.ID,
		FieldPrompt:  item.Prompt,
		FieldSeed:    "7",
		FieldWidth:   "1024",
		FieldHeight:  "768",
	}})
	require.NoError(t, err)

	require.Len(t, prov.submitted, 1)
	require.Equal(t, item.ID, prov.submitted[0].MediaID)
	require.Equal(t, int32(1024), prov.submitted[0].Width)

	ref, ok, err := refs.Get(ctx, item.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "job-1", ref.JobID)

	got, err := store.Get(ctx, item.ID)
	require.NoError(t, err)
	require.Equal(t, media.StateProcessing, got.State)

	msgs := drain(t, broker, StreamStatus, "t")
	require.Len(t, msgs, 1)
	require.Equal(t, StatusProcessing, msgs[0].Fields[FieldStatus])
}

func TestGenerateHandlerSkipsCancelled(t *testing.T) {
	ctx := context.Background()
	broker := stream.NewMemory()
	store := media.NewMemoryStore()
	refs := jobref.NewMemoryStore(time.Hour)
	prov := newFakeProvider()

	item := &media.Item{UserID: "user-1", Prompt: "a fox"}
	require.NoError(t, store.Create(ctx, item))
	_, err := store.Cancel(ctx, item.ID)
	require.NoError(t, err)

	h := NewGenerateHandler(prov, refs, store, NewPublisher(broker))
	err = h.Handle(ctx, stream.Message{ID: "1-0", Fields: map[string]string{FieldMediaID: item.ID}})
	require.NoError(t, err)
	require.Empty(t, prov.submitted, "cancelled items must not be submitted")
}

func TestGenerateHandlerMalformedNumericFields(t *testing.T) {
	ctx := context.Background()
	broker := stream.NewMemory()
	store := media.NewMemoryStore()
	refs := jobref.NewMemoryStore(time.Hour)
	prov := newFakeProvider()

	item := &media.Item{UserID: "user-1", Prompt: "a fox"}
	require.NoError(t, store.Create(ctx, item))

	h := NewGenerateHandler(prov, refs, store, NewPublisher(broker))
	err := h.Handle(ctx, stream.Message{ID: "1-0", Fields: map[string]string{
		FieldMediaID: item.ID,
		FieldPrompt:  item.Prompt,
		FieldSeed:    "not-a-number",
		FieldWidth:   "1024px",
	}})
	require.NoError(t, err)

	// Malformed fields degrade to zero; the request still goes out.
	require.Len(t, prov.submitted, 1)
	require.Equal(t, int64(0), prov.submitted[0].Seed)
	require.Equal(t, int32(0), prov.submitted[0].Width)
	require.Equal(t, int32(0), prov.submitted[0].Height)
}

func TestStatusHandlerCompletionTriggersThumbnail(t *testing.T) {
	ctx := context.Background()
	broker := stream.NewMemory()
	store := media.NewMemoryStore()
	pub := NewPublisher(broker)

	require.NoError(t, broker.EnsureGroup(ctx, StreamThumbnail, "t"))

	item := &media.Item{UserID: "user-1", Prompt: "a fox"}
	require.NoError(t, store.Create(ctx, item))

	h := NewStatusHandler(store, pub)
	msg := stream.Message{ID: "1-0", Fields: map[string]string{
		FieldMediaID: item.ID,
		FieldStatus:  StatusCompleted,
		FieldS3Key:   "outputs/fox.png",
	}}
	require.NoError(t, h.Handle(ctx, msg))

	got, err := store.Get(ctx, item.ID)
	require.NoError(t, err)
	require.Equal(t, media.StateCompleted, got.State)
	require.Equal(t, "outputs/fox.png", got.S3Key)

	// Once the thumbnail exists, a replayed completion is a full no-op.
	require.NoError(t, store.SetThumbnail(ctx, item.ID, ThumbKeyFor(item.ID)))
	require.NoError(t, h.Handle(ctx, msg))

	msgs := drain(t, broker, StreamThumbnail, "t")
	require.Len(t, msgs, 1, "exactly one thumbnail request per completion")
}

func TestStatusHandlerReplayedCompletionStillTriggersThumbnail(t *testing.T) {
	// Recovery can complete the item before the status append is consumed;
	// the consumer must still fire the thumbnail trigger.
	ctx := context.Background()
	broker := stream.NewMemory()
	store := media.NewMemoryStore()
	pub := NewPublisher(broker)

	require.NoError(t, broker.EnsureGroup(ctx, StreamThumbnail, "t"))

	item := &media.Item{UserID: "user-1", Prompt: "a fox"}
	require.NoError(t, store.Create(ctx, item))
	_, err := store.Complete(ctx, item.ID, "outputs/fox.png")
	require.NoError(t, err)

	h := NewStatusHandler(store, pub)
	require.NoError(t, h.Handle(ctx, stream.Message{ID: "1-0", Fields: map[string]string{
		FieldMediaID: item.ID,
		FieldStatus:  StatusCompleted,
		FieldS3Key:   "outputs/fox.png",
	}}))

	msgs := drain(t, broker, StreamThumbnail, "t")
	require.Len(t, msgs, 1)
}

func TestStatusHandlerCancelledCompletionIgnored(t *testing.T) {
	ctx := context.Background()
	broker := stream.NewMemory()
	store := media.NewMemoryStore()

	item := &media.Item{UserID: "user-1", Prompt: "a fox"}
	require.NoError(t, store.Create(ctx, item))
	_, err := store.Cancel(ctx, item.ID)
	require.NoError(t, err)

	h := NewStatusHandler(store, NewPublisher(broker))
	require.NoError(t, h.Handle(ctx, stream.Message{ID: "1-0", Fields: map[string]string{
		FieldMediaID: item.ID,
		FieldStatus:  StatusCompleted,
		FieldS3Key:   "outputs/fox.png",
	}}))

	got, err := store.Get(ctx, item.ID)
	require.NoError(t, err)
	require.Empty(t, got.S3Key)
	require.NotEqual(t, media.StateCompleted, got.State)
}

func TestStatusHandlerFailed(t *testing.T) {
	ctx := context.Background()
	broker := stream.NewMemory()
	store := media.NewMemoryStore()

	item := &media.Item{UserID: "user-1", Prompt: "a fox"}
	require.NoError(t, store.Create(ctx, item))

	h := NewStatusHandler(store, NewPublisher(broker))
	require.NoError(t, h.Handle(ctx, stream.Message{ID: "1-0", Fields: map[string]string{
		FieldMediaID: item.ID,
		FieldStatus:  StatusFailed,
		FieldError:   "worker exploded",
	}}))

	got, err := store.Get(ctx, item.ID)
	require.NoError(t, err)
	require.Equal(t, media.StateFailed, got.State)
	require.Equal(t, "worker exploded", got.Error)
}

func TestThumbnailHandler(t *testing.T) {
	ctx := context.Background()
	blobs := blob.NewMemoryStore()
	store := media.NewMemoryStore()

	// A 32x16 source image.
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 32, 16))))

	item := &media.Item{UserID: "user-1", Prompt: "a fox"}
	require.NoError(t, store.Create(ctx, item))
	_, err := store.Complete(ctx, item.ID, "outputs/fox.png")
	require.NoError(t, err)
	require.NoError(t, blobs.Put(ctx, "outputs/fox.png", buf.Bytes(), "image/png"))

	h := NewThumbnailHandler(blobs, store, NearestNeighborScaler(8))
	require.NoError(t, h.Handle(ctx, stream.Message{ID: "1-0", Fields: map[string]string{FieldMediaID: item.ID}}))

	got, err := store.Get(ctx, item.ID)
	require.NoError(t, err)
	require.Equal(t, ThumbKeyFor(item.ID), got.ThumbKey)

	obj, err := blobs.Get(ctx, got.ThumbKey)
	require.NoError(t, err)
	img, err := png.Decode(bytes.NewReader(obj.Data))
	require.NoError(t, err)
	require.Equal(t, 8, img.Bounds().Dx())
	require.Equal(t, 4, img.Bounds().Dy())
}

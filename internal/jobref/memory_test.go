package jobref

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryStorePutGetDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Minute)

	_, ok, err := s.Get(ctx, "media-1")
	require.NoError(t, err)
	require.False(t, ok)

	ref := Ref{MediaID: "media-1", JobID: "job-abc", SubmittedAt: time.Now()}
	require.NoError(t, s.Put(ctx, ref))

	got, ok, err := s.Get(ctx, "media-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "job-abc", got.JobID)

	// Put replaces.
	ref.JobID = "job-def"
	require.NoError(t, s.Put(ctx, ref))
	got, ok, err = s.Get(ctx, "media-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "job-def", got.JobID)

	require.NoError(t, s.Delete(ctx, "media-1"))
	_, ok, err = s.Get(ctx, "media-1")
	require.NoError(t, err)
	require.False(t, ok)

	// Deleting a missing reference is fine.
	require.NoError(t, s.Delete(ctx, "media-1"))
}

func TestMemoryStoreExpiry(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(20 * time.Millisecond)

	require.NoError(t, s.Put(ctx, Ref{MediaID: "media-1", JobID: "job-abc"}))

	_, ok, err := s.Get(ctx, "media-1")
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(30 * time.Millisecond)

	// Expired references read as absent, not as errors.
	_, ok, err = s.Get(ctx, "media-1")
	require.NoError(t, err)
	require.False(t, ok)
}

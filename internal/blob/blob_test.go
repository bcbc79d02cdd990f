package blob

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStores(t *testing.T) {
	ctx := context.Background()

	fsStore, err := NewFilesystemStore(t.TempDir())
	require.NoError(t, err)

	stores := map[string]Store{
		"memory":     NewMemoryStore(),
		"filesystem": fsStore,
	}

	for name, s := range stores {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get(ctx, "outputs/missing.png")
			require.ErrorIs(t, err, ErrNotFound)

			_, err = s.SignedURL("outputs/missing.png", time.Minute)
			require.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.Put(ctx, "outputs/fox.png", []byte("png-bytes"), "image/png"))

			obj, err := s.Get(ctx, "outputs/fox.png")
			require.NoError(t, err)
			require.Equal(t, []byte("png-bytes"), obj.Data)
			require.Equal(t, "image/png", obj.ContentType)

			// Put replaces.
			require.NoError(t, s.Put(ctx, "outputs/fox.png", []byte("v2"), "image/png"))
			obj, err = s.Get(ctx, "outputs/fox.png")
			require.NoError(t, err)
			require.Equal(t, []byte("v2"), obj.Data)

			u, err := s.SignedURL("outputs/fox.png", time.Minute)
			require.NoError(t, err)
			require.NotEmpty(t, u)
		})
	}
}

func TestFilesystemStoreRejectsEscapingKeys(t *testing.T) {
	ctx := context.Background()
	s, err := NewFilesystemStore(t.TempDir())
	require.NoError(t, err)

	for _, key := range []string{"../outside", "/abs/path", "a/../../b"} {
		require.Error(t, s.Put(ctx, key, []byte("x"), "text/plain"), key)
	}
}

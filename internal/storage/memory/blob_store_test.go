package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "sessions/s-1.json", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, "memory://sessions/s-1.json", uri)

	payload[0] = 'C'
	stored, ok := store.Object("sessions/s-1.json")
	require.True(t, ok)
	assert.Equal(t, "content", string(stored))

	stored[0] = 'X'
	again, _ := store.Object("sessions/s-1.json")
	assert.Equal(t, "content", string(again), "Object returns a copy")
}

func TestBlobStoreDeleteAndPaths(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewBlobStore()
	for _, p := range []string{"b.json", "a.json"} {
		_, err := store.PutObject(ctx, p, "", bytes.NewReader([]byte("{}")))
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"a.json", "b.json"}, store.Paths())

	require.NoError(t, store.DeleteObject(ctx, "a.json"))
	require.NoError(t, store.DeleteObject(ctx, "a.json"))
	assert.Equal(t, []string{"b.json"}, store.Paths())
	_, ok := store.Object("a.json")
	assert.False(t, ok)
}

func TestBlobStoreRejects(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	_, err := store.PutObject(context.Background(), "", "", bytes.NewReader(nil))
	require.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = store.PutObject(ctx, "x", "", bytes.NewReader(nil))
	require.ErrorIs(t, err, context.Canceled)
}

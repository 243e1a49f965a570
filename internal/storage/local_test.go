package storage_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"imaging-backend/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLocalStore(t *testing.T) *storage.LocalObjectStore {
	t.Helper()

	store, err := storage.NewLocalObjectStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.EnsureBucket(context.Background()))
	return store
}

func TestLocalPutGet(t *testing.T) {
	store := newLocalStore(t)

	content := []byte("result image bytes")
	require.NoError(t, store.PutObject(context.Background(), "jobs/abc/result/output.png", bytes.NewReader(content)))

	obj, err := store.GetObject(context.Background(), "jobs/abc/result/output.png")
	require.NoError(t, err)
	defer obj.Close()

	data, err := io.ReadAll(obj)
	require.NoError(t, err)
	assert.Equal(t, content, data)
}

func TestLocalGetMissing(t *testing.T) {
	store := newLocalStore(t)

	_, err := store.GetObject(context.Background(), "jobs/nope/input.png")
	assert.True(t, errors.Is(err, storage.ErrObjectNotFound))
}

func TestLocalListAndDelete(t *testing.T) {
	store := newLocalStore(t)

	keys := []string{"jobs/a/input/image.png", "jobs/a/result/output.png", "jobs/b/input/image.png"}
	for _, key := range keys {
		require.NoError(t, store.PutObject(context.Background(), key, bytes.NewReader([]byte("content: "+key))))
	}

	objs, err := store.ListObjects(context.Background(), "jobs/a/")
	require.NoError(t, err)
	assert.Len(t, objs, 2)

	require.NoError(t, store.DeleteObjects(context.Background(), "jobs/a"))

	objs, err = store.ListObjects(context.Background(), "jobs/a/")
	require.NoError(t, err)
	assert.Len(t, objs, 0)

	objs, err = store.ListObjects(context.Background(), "jobs/b/")
	require.NoError(t, err)
	assert.Len(t, objs, 1)
}

package blobstore

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T, s BlobStore) {
	t.Helper()
	ctx := context.Background()

	_, err := s.Open(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, s.Put(ctx, "snapshots/a.snap", strings.NewReader("first")))
	require.NoError(t, s.Put(ctx, "snapshots/b.snap", strings.NewReader("second")))
	require.NoError(t, s.Put(ctx, "other/c.snap", strings.NewReader("third")))

	rc, err := s.Open(ctx, "snapshots/a.snap")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "first", string(data))

	// Replacement is atomic and complete.
	require.NoError(t, s.Put(ctx, "snapshots/a.snap", strings.NewReader("replaced")))
	rc, err = s.Open(ctx, "snapshots/a.snap")
	require.NoError(t, err)
	data, err = io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "replaced", string(data))

	names, err := s.List(ctx, "snapshots/")
	require.NoError(t, err)
	assert.Equal(t, []string{"snapshots/a.snap", "snapshots/b.snap"}, names)

	require.NoError(t, s.Delete(ctx, "snapshots/a.snap"))
	require.NoError(t, s.Delete(ctx, "snapshots/a.snap"), "double delete is fine")
	_, err = s.Open(ctx, "snapshots/a.snap")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestLocalStore(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	testStore(t, s)
}

func TestLocalStoreRejectsEscapingNames(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	for _, name := range []string{"../escape", "/abs/path", "."} {
		assert.Error(t, s.Put(ctx, name, strings.NewReader("x")), name)
	}
}

func TestMemoryStore(t *testing.T) {
	testStore(t, NewMemoryStore())
}

func TestMemoryStoreReaderIsolation(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "a", strings.NewReader("old")))
	rc, err := s.Open(ctx, "a")
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "a", strings.NewReader("new")))

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "old", string(data), "open readers see the content at open time")
}

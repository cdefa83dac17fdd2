package hnsw

import (
	"bytes"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func buildSample(t *testing.T, n int) *Index {
	t.Helper()
	idx := seeded(t, 4)
	rng := rand.New(rand.NewSource(99))
	for i := 0; i < n; i++ {
		v := []float32{rng.Float32(), rng.Float32(), rng.Float32(), rng.Float32()}
		mustInsert(t, idx, fmt.Sprintf("chunk-%04d", i), v)
	}
	idx.Remove("chunk-0003")
	idx.Remove("chunk-0007")
	return idx
}

func TestSnapshotRoundTrip(t *testing.T) {
	for _, codec := range []Codec{CodecRaw, CodecZstd, CodecLZ4} {
		t.Run(codec.String(), func(t *testing.T) {
			idx := buildSample(t, 50)

			var buf bytes.Buffer
			require.NoError(t, idx.WriteSnapshot(&buf, codec))

			loaded, err := ReadSnapshot(&buf)
			require.NoError(t, err)

			require.Equal(t, idx.Len(), loaded.Len())
			require.Equal(t, idx.ChunkIDs(), loaded.ChunkIDs())
			require.Equal(t, idx.Stats(), loaded.Stats())

			// Identical queryable structure: same results, same order.
			q := []float32{0.5, 0.1, 0.9, 0.2}
			want, err := idx.Search(q, 10)
			require.NoError(t, err)
			got, err := loaded.Search(q, 10)
			require.NoError(t, err)
			require.Equal(t, want, got)
		})
	}
}

func TestSnapshotLoadedIndexIsMutable(t *testing.T) {
	idx := buildSample(t, 10)

	var buf bytes.Buffer
	require.NoError(t, idx.WriteSnapshot(&buf, CodecZstd))
	loaded, err := ReadSnapshot(&buf)
	require.NoError(t, err)

	require.NoError(t, loaded.Insert("new-chunk", []float32{1, 2, 3, 4}))
	require.True(t, loaded.Contains("new-chunk"))
}

func TestSnapshotRejectsCorruption(t *testing.T) {
	idx := buildSample(t, 10)
	var buf bytes.Buffer
	require.NoError(t, idx.WriteSnapshot(&buf, CodecZstd))

	data := buf.Bytes()

	t.Run("bad magic", func(t *testing.T) {
		bad := append([]byte(nil), data...)
		bad[0] ^= 0xff
		_, err := ReadSnapshot(bytes.NewReader(bad))
		require.ErrorIs(t, err, ErrBadSnapshot)
	})

	t.Run("bad version", func(t *testing.T) {
		bad := append([]byte(nil), data...)
		bad[4] = 0xff
		_, err := ReadSnapshot(bytes.NewReader(bad))
		require.ErrorIs(t, err, ErrSnapshotVersion)
	})

	t.Run("flipped payload byte", func(t *testing.T) {
		bad := append([]byte(nil), data...)
		bad[len(bad)-1] ^= 0xff
		_, err := ReadSnapshot(bytes.NewReader(bad))
		require.ErrorIs(t, err, ErrBadSnapshot)
	})

	t.Run("truncated", func(t *testing.T) {
		_, err := ReadSnapshot(bytes.NewReader(data[:10]))
		require.ErrorIs(t, err, ErrBadSnapshot)
	})
}

func TestSnapshotRejectsParameterMismatch(t *testing.T) {
	idx := buildSample(t, 5)
	var buf bytes.Buffer
	require.NoError(t, idx.WriteSnapshot(&buf, CodecRaw))
	data := buf.Bytes()

	_, err := ReadSnapshot(bytes.NewReader(data), func(o *Options) { o.Dimension = 128 })
	require.ErrorIs(t, err, ErrSnapshotMismatch)

	_, err = ReadSnapshot(bytes.NewReader(data), func(o *Options) { o.M = 99 })
	require.ErrorIs(t, err, ErrSnapshotMismatch)

	// Matching expectations load fine.
	loaded, err := ReadSnapshot(bytes.NewReader(data), func(o *Options) { o.Dimension = 4 })
	require.NoError(t, err)
	require.Equal(t, 4, loaded.Dimension())
}

func TestSnapshotEmptyIndex(t *testing.T) {
	idx := seeded(t, 4)
	var buf bytes.Buffer
	require.NoError(t, idx.WriteSnapshot(&buf, CodecZstd))
	loaded, err := ReadSnapshot(&buf)
	require.NoError(t, err)
	require.Equal(t, 0, loaded.Len())

	res, err := loaded.Search([]float32{1, 0, 0, 0}, 3)
	require.NoError(t, err)
	require.Empty(t, res)
}

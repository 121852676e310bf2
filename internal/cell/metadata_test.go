package cell

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMetadataIndex(t *testing.T, root string) *MetadataIndex {
	t.Helper()
	idx, err := NewMetadataIndex(root, MetadataIndexOptions{Logger: zerolog.Nop()})
	require.NoError(t, err)
	return idx
}

func sampleFileInfo(fileID string) *FileInfo {
	category := "documents"
	return &FileInfo{
		FileID:      fileID,
		Name:        "report.pdf",
		MimeType:    "application/pdf",
		Category:    &category,
		Tags:        map[string]string{"team": "storage"},
		Size:        13,
		ChunkSize:   DefaultChunkSize,
		ChunkHashes: []Hash{Sum([]byte("Hello, World!"))},
		Checksums:   map[string][]byte{ChecksumSHA256: {0x01, 0x02}},
		CreatedAt:   1700000000,
		Version:     1,
		Signature:   []byte{0xDE, 0xAD},
	}
}

func TestMetadataIndex_RoundTrip(t *testing.T) {
	root := filepath.Join(t.TempDir(), "metadata")
	idx := newTestMetadataIndex(t, root)
	ctx := context.Background()
	info := sampleFileInfo("doc-1")

	require.NoError(t, idx.Put(ctx, info))
	assert.True(t, idx.Cached("doc-1"))
	assert.FileExists(t, filepath.Join(root, "doc-1.json"))

	t.Run("from cache", func(t *testing.T) {
		got, err := idx.Get(ctx, "doc-1")
		require.NoError(t, err)
		assert.Equal(t, info, got)
	})

	t.Run("after eviction", func(t *testing.T) {
		idx.Evict("doc-1")
		assert.False(t, idx.Cached("doc-1"))

		got, err := idx.Get(ctx, "doc-1")
		require.NoError(t, err)
		assert.Equal(t, info, got)
		assert.True(t, idx.Cached("doc-1"))
	})

	t.Run("fresh instance", func(t *testing.T) {
		other := newTestMetadataIndex(t, root)
		got, err := other.Get(ctx, "doc-1")
		require.NoError(t, err)
		assert.Equal(t, info, got)
	})
}

func TestMetadataIndex_AbsentOptionalFields(t *testing.T) {
	root := t.TempDir()
	idx := newTestMetadataIndex(t, root)
	ctx := context.Background()

	info := sampleFileInfo("bare")
	info.Category = nil
	info.Signature = nil
	require.NoError(t, idx.Put(ctx, info))

	fresh := newTestMetadataIndex(t, root)
	got, err := fresh.Get(ctx, "bare")
	require.NoError(t, err)
	assert.Nil(t, got.Category)
	assert.Nil(t, got.Signature)

	// An empty category is a value, not an absence.
	empty := ""
	info.Category = &empty
	require.NoError(t, idx.Put(ctx, info))
	fresh = newTestMetadataIndex(t, root)
	got, err = fresh.Get(ctx, "bare")
	require.NoError(t, err)
	require.NotNil(t, got.Category)
	assert.Equal(t, "", *got.Category)
}

func TestMetadataIndex_GetReturnsCopies(t *testing.T) {
	idx := newTestMetadataIndex(t, t.TempDir())
	ctx := context.Background()
	require.NoError(t, idx.Put(ctx, sampleFileInfo("copy")))

	got, err := idx.Get(ctx, "copy")
	require.NoError(t, err)
	got.Name = "mutated"
	got.Tags["team"] = "mutated"
	got.ChunkHashes[0] = Hash{}

	again, err := idx.Get(ctx, "copy")
	require.NoError(t, err)
	assert.Equal(t, "report.pdf", again.Name)
	assert.Equal(t, "storage", again.Tags["team"])
	assert.False(t, again.ChunkHashes[0].IsZero())
}

func TestMetadataIndex_NotFound(t *testing.T) {
	idx := newTestMetadataIndex(t, t.TempDir())

	got, err := idx.Get(context.Background(), "missing")
	assert.Nil(t, got)
	assert.ErrorIs(t, err, ErrFileNotFound)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMetadataIndex_Corrupt(t *testing.T) {
	root := t.TempDir()
	idx := newTestMetadataIndex(t, root)
	ctx := context.Background()

	tests := []struct {
		name    string
		content string
	}{
		{"garbage", "not json at all"},
		{"truncated", `{"file_id": "bad", "name": `},
		{"wrong hash length", `{"file_id": "bad", "chunk_hashes": ["abcd"]}`},
		{"mismatched id", `{"file_id": "someone-else"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, os.WriteFile(filepath.Join(root, "bad.json"), []byte(tt.content), 0o644))
			idx.Evict("bad")

			_, err := idx.Get(ctx, "bad")
			assert.ErrorIs(t, err, ErrCorruptMetadata)
			assert.NotErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestMetadataIndex_InvalidFileIDs(t *testing.T) {
	idx := newTestMetadataIndex(t, t.TempDir())
	ctx := context.Background()

	for _, id := range []string{"", ".", "..", "a/b", `a\b`, "../escape", "nul\x00byte"} {
		t.Run(id, func(t *testing.T) {
			_, err := idx.Get(ctx, id)
			assert.ErrorIs(t, err, ErrInvalidFileID)

			info := sampleFileInfo(id)
			assert.ErrorIs(t, idx.Put(ctx, info), ErrInvalidFileID)
			assert.ErrorIs(t, idx.Remove(ctx, id), ErrInvalidFileID)
		})
	}
}

func TestMetadataIndex_PutWriteFailureDropsCache(t *testing.T) {
	root := t.TempDir()
	idx := newTestMetadataIndex(t, root)
	ctx := context.Background()

	require.NoError(t, idx.Put(ctx, sampleFileInfo("doc")))
	require.True(t, idx.Cached("doc"))

	// A directory at the record path makes the rename fail.
	require.NoError(t, os.Remove(filepath.Join(root, "doc.json")))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "doc.json", "blocker"), 0o755))

	next := sampleFileInfo("doc")
	next.Version = 2
	err := idx.Put(ctx, next)
	require.ErrorIs(t, err, ErrIO)
	assert.False(t, idx.Cached("doc"))

	// No temp files left behind.
	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp")
	}
}

func TestMetadataIndex_ListAndRemove(t *testing.T) {
	root := t.TempDir()
	idx := newTestMetadataIndex(t, root)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, idx.Put(ctx, sampleFileInfo(id)))
	}
	require.NoError(t, os.WriteFile(filepath.Join(root, ".meta-1.tmp"), []byte("{}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("x"), 0o644))

	ids, err := idx.List(ctx)
	require.NoError(t, err)
	sort.Strings(ids)
	assert.Equal(t, []string{"a", "b", "c"}, ids)

	require.NoError(t, idx.Remove(ctx, "b"))
	assert.False(t, idx.Cached("b"))
	_, err = idx.Get(ctx, "b")
	assert.ErrorIs(t, err, ErrFileNotFound)

	// Removing again is fine.
	require.NoError(t, idx.Remove(ctx, "b"))

	ids, err = idx.List(ctx)
	require.NoError(t, err)
	assert.Len(t, ids, 2)
}

func TestMetadataIndex_CacheIsBounded(t *testing.T) {
	root := t.TempDir()
	idx, err := NewMetadataIndex(root, MetadataIndexOptions{CacheSize: 2, Logger: zerolog.Nop()})
	require.NoError(t, err)
	ctx := context.Background()

	for _, id := range []string{"one", "two", "three"} {
		require.NoError(t, idx.Put(ctx, sampleFileInfo(id)))
	}
	assert.Equal(t, 2, idx.CacheLen())
	assert.False(t, idx.Cached("one"))

	// Evicted entries are still served from disk.
	got, err := idx.Get(ctx, "one")
	require.NoError(t, err)
	assert.Equal(t, "one", got.FileID)
}

func TestMetadataIndex_ConcurrentPutGet(t *testing.T) {
	idx := newTestMetadataIndex(t, t.TempDir())
	ctx := context.Background()
	require.NoError(t, idx.Put(ctx, sampleFileInfo("hot")))

	const goroutines = 10
	var wg sync.WaitGroup
	wg.Add(goroutines * 2)
	for i := 0; i < goroutines; i++ {
		go func(v int) {
			defer wg.Done()
			info := sampleFileInfo("hot")
			info.Version = uint64(v + 2)
			assert.NoError(t, idx.Put(ctx, info))
		}(i)
		go func() {
			defer wg.Done()
			got, err := idx.Get(ctx, "hot")
			if assert.NoError(t, err) {
				assert.Equal(t, "hot", got.FileID)
			}
		}()
	}
	wg.Wait()

	// Cache and disk agree after the dust settles.
	cached, err := idx.Get(ctx, "hot")
	require.NoError(t, err)
	idx.Evict("hot")
	onDisk, err := idx.Get(ctx, "hot")
	require.NoError(t, err)
	assert.Equal(t, cached.Version, onDisk.Version)
}

func TestMetadataIndex_CanceledContext(t *testing.T) {
	idx := newTestMetadataIndex(t, t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, idx.Put(ctx, sampleFileInfo("x")), context.Canceled)
	_, err := idx.Get(ctx, "x")
	assert.ErrorIs(t, err, context.Canceled)
}

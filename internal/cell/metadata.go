package cell

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

// DefaultMetadataCacheSize bounds the in-memory metadata cache.
const DefaultMetadataCacheSize = 4096

const metadataExt = ".json"

// MetadataIndex caches FileInfo records in memory and persists each one as
// {root}/{file_id}.json. Disk is the source of truth; the cache is a bounded
// LRU and misses fall back to disk.
type MetadataIndex struct {
	root    string
	logger  zerolog.Logger
	metrics *Metrics

	// mu makes the cache update and the disk write of a Put one unit with
	// respect to readers.
	mu    sync.RWMutex
	cache *lru.Cache[string, *FileInfo]
}

// MetadataIndexOptions configures a MetadataIndex.
type MetadataIndexOptions struct {
	CacheSize int // Defaults to DefaultMetadataCacheSize
	Logger    zerolog.Logger
	Metrics   *Metrics
}

// NewMetadataIndex creates a metadata index rooted at root.
func NewMetadataIndex(root string, opts MetadataIndexOptions) (*MetadataIndex, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create metadata dir: %w", ErrIO, err)
	}
	size := opts.CacheSize
	if size <= 0 {
		size = DefaultMetadataCacheSize
	}
	cache, err := lru.New[string, *FileInfo](size)
	if err != nil {
		return nil, fmt.Errorf("create metadata cache: %w", err)
	}
	return &MetadataIndex{
		root:    root,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		cache:   cache,
	}, nil
}

// validateFileID rejects IDs that cannot safely name a file in the root.
func validateFileID(fileID string) error {
	if fileID == "" || fileID == "." || fileID == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidFileID, fileID)
	}
	if strings.ContainsAny(fileID, `/\`) || strings.ContainsRune(fileID, 0) {
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidFileID, fileID)
	}
	return nil
}

func (m *MetadataIndex) path(fileID string) string {
	return filepath.Join(m.root, fileID+metadataExt)
}

// Put persists info and caches it, replacing any prior version. When Put
// returns nil, cache and disk hold the same record.
func (m *MetadataIndex) Put(ctx context.Context, info *FileInfo) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if info == nil {
		return fmt.Errorf("%w: nil file info", ErrInvalidFileID)
	}
	if err := validateFileID(info.FileID); err != nil {
		return err
	}

	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("encode metadata %s: %w", info.FileID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := syncedWriteFile(m.path(info.FileID), data, 0o644); err != nil {
		// The previous cached version may no longer match disk.
		m.cache.Remove(info.FileID)
		return fmt.Errorf("%w: write metadata %s: %w", ErrIO, info.FileID, err)
	}
	m.cache.Add(info.FileID, info.Clone())
	m.metrics.recordMetadata("put", "disk")

	m.logger.Debug().
		Str("file_id", info.FileID).
		Uint64("version", info.Version).
		Int("chunks", info.ChunkCount()).
		Msg("Stored file metadata")
	return nil
}

// Get returns the FileInfo for fileID, serving from cache when possible.
// It returns ErrFileNotFound when no record exists and ErrCorruptMetadata
// when the persisted bytes cannot be decoded.
func (m *MetadataIndex) Get(ctx context.Context, fileID string) (*FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateFileID(fileID); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if info, ok := m.cache.Get(fileID); ok {
		m.metrics.recordMetadata("get", "cache")
		return info.Clone(), nil
	}

	info, err := m.load(fileID)
	if err != nil {
		return nil, err
	}
	// The cache is internally synchronized; holding the read lock only
	// excludes a concurrent Put from interleaving with this fill.
	m.cache.Add(fileID, info)
	m.metrics.recordMetadata("get", "disk")
	return info.Clone(), nil
}

func (m *MetadataIndex) load(fileID string) (*FileInfo, error) {
	data, err := os.ReadFile(m.path(fileID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, fileID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read metadata %s: %w", ErrIO, fileID, err)
	}

	var info FileInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCorruptMetadata, fileID, err)
	}
	if info.FileID != fileID {
		return nil, fmt.Errorf("%w: %s: record names file %q", ErrCorruptMetadata, fileID, info.FileID)
	}
	return &info, nil
}

// Evict drops the cached entry for fileID. The persisted record is kept.
func (m *MetadataIndex) Evict(fileID string) {
	m.cache.Remove(fileID)
}

// Cached reports whether fileID is currently held in the cache.
func (m *MetadataIndex) Cached(fileID string) bool {
	return m.cache.Contains(fileID)
}

// CacheLen returns the number of cached entries.
func (m *MetadataIndex) CacheLen() int {
	return m.cache.Len()
}

// Remove deletes the record for fileID from cache and disk. Removing a
// missing record is not an error. Chunk references are the caller's to
// release.
func (m *MetadataIndex) Remove(ctx context.Context, fileID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateFileID(fileID); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.cache.Remove(fileID)
	if err := os.Remove(m.path(fileID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: remove metadata %s: %w", ErrIO, fileID, err)
	}
	m.metrics.recordMetadata("remove", "disk")
	return nil
}

// List returns the IDs of all persisted records.
func (m *MetadataIndex) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	entries, err := os.ReadDir(m.root)
	if err != nil {
		return nil, fmt.Errorf("%w: list metadata: %w", ErrIO, err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) != metadataExt || strings.HasPrefix(name, ".") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, metadataExt))
	}
	return ids, nil
}

// syncedWriteFile writes data to path through a temp file in the same
// directory, fsyncs it and renames it into place, so readers never observe
// a partially written record.
func syncedWriteFile(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".meta-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}

package cell

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// shardPrefixLen is the number of hex characters used for the shard
// directory: chunks/<hex[0:4]>/<hex>.
const shardPrefixLen = 4

// chunkDir is the hash-sharded directory that backs the chunk store.
// ChunkStore, RefCounter and GarbageCollector all address chunk files
// through it; nothing else writes under its root.
type chunkDir struct {
	root string
}

func newChunkDir(root string) (*chunkDir, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create chunks dir: %w", ErrIO, err)
	}
	return &chunkDir{root: root}, nil
}

// path returns the filesystem path for a chunk. It does not touch the disk.
func (d *chunkDir) path(h Hash) string {
	hex := h.String()
	return filepath.Join(d.root, hex[:shardPrefixLen], hex)
}

func (d *chunkDir) exists(h Hash) bool {
	_, err := os.Stat(d.path(h))
	return err == nil
}

// write stores data at the hash-derived path via a unique temp file and an
// atomic rename. Concurrent writers of the same hash race only on the rename,
// and both carry identical bytes.
func (d *chunkDir) write(h Hash, data []byte) error {
	chunkPath := d.path(h)
	shard := filepath.Dir(chunkPath)
	if err := os.MkdirAll(shard, 0o755); err != nil {
		return fmt.Errorf("%w: create shard dir: %w", ErrIO, err)
	}

	tmpFile, err := os.CreateTemp(shard, ".chunk-*.tmp")
	if err != nil {
		return fmt.Errorf("%w: create temp file: %w", ErrIO, err)
	}
	tmpPath := tmpFile.Name()

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: write chunk: %w", ErrIO, err)
	}
	if err := tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: close temp file: %w", ErrIO, err)
	}
	if err := os.Rename(tmpPath, chunkPath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: rename chunk: %w", ErrIO, err)
	}
	return nil
}

func (d *chunkDir) read(h Hash) ([]byte, error) {
	data, err := os.ReadFile(d.path(h))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrChunkNotFound, h)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read chunk %s: %w", ErrIO, h, err)
	}
	return data, nil
}

// remove deletes a chunk file. A missing file is not an error.
func (d *chunkDir) remove(h Hash) error {
	if err := os.Remove(d.path(h)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: delete chunk %s: %w", ErrIO, h, err)
	}
	return nil
}

// removePath deletes a file found by walk. It reports whether the file
// existed, so a concurrent removal is not counted twice.
func (d *chunkDir) removePath(path string) (bool, error) {
	err := os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: delete chunk file %s: %w", ErrIO, path, err)
	}
	return true, nil
}

// chunkEntry is one file found while walking the chunk root.
type chunkEntry struct {
	path string
	hash Hash
	size int64
}

// walk visits every file under the root whose name decodes as a hash.
// Undecodable names and unreadable entries are reported through skip and
// never abort the walk; only ctx cancellation or fn's error stops it.
func (d *chunkDir) walk(ctx context.Context, fn func(chunkEntry) error, skip func(path string, err error)) error {
	return filepath.WalkDir(d.root, func(path string, entry fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			skip(path, err)
			if entry != nil && entry.IsDir() && path != d.root {
				return fs.SkipDir
			}
			return nil
		}
		if entry.IsDir() {
			return nil
		}
		h, err := ParseHash(entry.Name())
		if err != nil {
			skip(path, err)
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			skip(path, err)
			return nil
		}
		return fn(chunkEntry{path: path, hash: h, size: info.Size()})
	})
}

// pruneEmptyShards removes shard directories that no longer hold any file.
func (d *chunkDir) pruneEmptyShards() int {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return 0
	}
	pruned := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		// os.Remove refuses non-empty directories, which is the check we want.
		if os.Remove(filepath.Join(d.root, e.Name())) == nil {
			pruned++
		}
	}
	return pruned
}

package cell

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ChecksumSHA256 is the whole-file checksum algorithm recorded by StoreFile.
const ChecksumSHA256 = "sha256"

const defaultIngestConcurrency = 4

// Config configures a Cell. Only BaseDir is required.
type Config struct {
	BaseDir           string
	ChunkSize         uint32 // Target chunk size for StoreFile (default DefaultChunkSize)
	MetadataCacheSize int    // Default DefaultMetadataCacheSize
	IngestConcurrency int    // Parallel chunk writes per StoreFile (default 4)
	Logger            zerolog.Logger
	Metrics           *Metrics // Optional
}

// Cell owns the chunk store, reference counter, garbage collector and
// metadata index of one node, all under a single base directory:
//
//	{base}/
//	  chunks/{hash[0:4]}/{hash}
//	  metadata/{file_id}.json
type Cell struct {
	baseDir   string
	chunkSize uint32
	ingest    int
	logger    zerolog.Logger

	chunks *ChunkStore
	meta   *MetadataIndex
	gc     *GarbageCollector

	// Held from metadata read to reference release in StoreFile and
	// ReleaseFile.
	files *fileLocks
}

// Open creates the directory layout under cfg.BaseDir and rebuilds the
// reference table from the persisted metadata.
func Open(ctx context.Context, cfg Config) (*Cell, error) {
	if cfg.BaseDir == "" {
		return nil, fmt.Errorf("base directory must be set")
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.IngestConcurrency <= 0 {
		cfg.IngestConcurrency = defaultIngestConcurrency
	}
	logger := cfg.Logger.With().Str("component", "cell").Logger()

	chunks, err := NewChunkStore(filepath.Join(cfg.BaseDir, "chunks"), ChunkStoreOptions{
		Logger:  logger,
		Metrics: cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}
	meta, err := NewMetadataIndex(filepath.Join(cfg.BaseDir, "metadata"), MetadataIndexOptions{
		CacheSize: cfg.MetadataCacheSize,
		Logger:    logger,
		Metrics:   cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}

	c := &Cell{
		baseDir:   cfg.BaseDir,
		chunkSize: cfg.ChunkSize,
		ingest:    cfg.IngestConcurrency,
		logger:    logger,
		chunks:    chunks,
		meta:      meta,
		gc:        NewGarbageCollector(chunks, logger, cfg.Metrics),
		files:     newFileLocks(),
	}

	if err := c.RebuildRefs(ctx); err != nil {
		return nil, fmt.Errorf("rebuild references: %w", err)
	}
	return c, nil
}

// BaseDir returns the storage base directory.
func (c *Cell) BaseDir() string { return c.baseDir }

// ChunkSize returns the target chunk size used by StoreFile.
func (c *Cell) ChunkSize() uint32 { return c.chunkSize }

// Chunks returns the chunk store.
func (c *Cell) Chunks() *ChunkStore { return c.chunks }

// Refs returns the reference counter.
func (c *Cell) Refs() *RefCounter { return c.chunks.refs }

// Metadata returns the metadata index.
func (c *Cell) Metadata() *MetadataIndex { return c.meta }

// GC returns the garbage collector.
func (c *Cell) GC() *GarbageCollector { return c.gc }

// FileSpec carries the caller-supplied attributes of a file being stored.
type FileSpec struct {
	FileID    string
	Name      string
	MimeType  string
	Category  *string
	Tags      map[string]string
	Signature []byte
}

// StoreFile splits r into chunks, stores them and commits a FileInfo for
// spec.FileID. Storing an existing file ID creates the next version and
// releases the previous version's chunk references once the new metadata is
// committed. On failure every reference taken by this call is released.
// Concurrent stores of the same file ID run one after another, each
// producing its own version.
func (c *Cell) StoreFile(ctx context.Context, spec FileSpec, r io.Reader) (*FileInfo, error) {
	if err := validateFileID(spec.FileID); err != nil {
		return nil, err
	}
	unlock := c.files.lock(spec.FileID)
	defer unlock()

	prev, err := c.meta.Get(ctx, spec.FileID)
	if err != nil && !errors.Is(err, ErrFileNotFound) {
		return nil, err
	}

	var (
		mu     sync.Mutex
		stored = make(map[uint32]Hash)
		size   uint64
		sum    = sha256.New()
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.ingest)

	chunker := NewChunker(r, c.chunkSize)
	var readErr error
	for gctx.Err() == nil {
		data, idx, err := chunker.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			readErr = fmt.Errorf("read file data: %w", err)
			break
		}
		size += uint64(len(data))
		_, _ = sum.Write(data)

		g.Go(func() error {
			chunk, err := c.chunks.Store(gctx, data, spec.FileID, idx)
			if err != nil {
				return fmt.Errorf("store chunk %d: %w", idx, err)
			}
			mu.Lock()
			stored[idx] = chunk.Hash
			mu.Unlock()
			return nil
		})
	}
	waitErr := g.Wait()
	if err := errors.Join(readErr, waitErr); err != nil {
		c.release(stored)
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		c.release(stored)
		return nil, err
	}

	hashes := make([]Hash, len(stored))
	for idx, h := range stored {
		hashes[idx] = h
	}

	info := &FileInfo{
		FileID:      spec.FileID,
		Name:        spec.Name,
		MimeType:    spec.MimeType,
		Category:    spec.Category,
		Tags:        spec.Tags,
		Size:        size,
		ChunkSize:   c.chunkSize,
		ChunkHashes: hashes,
		Checksums:   map[string][]byte{ChecksumSHA256: sum.Sum(nil)},
		CreatedAt:   uint64(time.Now().Unix()),
		Version:     1,
		Signature:   spec.Signature,
	}
	if prev != nil {
		info.Version = prev.Version + 1
	}

	if err := c.meta.Put(ctx, info); err != nil {
		c.release(stored)
		return nil, err
	}

	if prev != nil {
		for _, h := range prev.ChunkHashes {
			if err := c.chunks.refs.Decrement(h); err != nil {
				c.logger.Warn().Err(err).
					Str("file_id", spec.FileID).
					Str("hash", h.Short()).
					Msg("Failed to release chunk of previous version")
			}
		}
	}

	c.logger.Info().
		Str("file_id", info.FileID).
		Uint64("version", info.Version).
		Uint64("size", info.Size).
		Int("chunks", info.ChunkCount()).
		Msg("Stored file")
	return info, nil
}

func (c *Cell) release(stored map[uint32]Hash) {
	for _, h := range stored {
		if err := c.chunks.refs.Decrement(h); err != nil {
			c.logger.Warn().Err(err).Str("hash", h.Short()).Msg("Failed to release chunk reference")
		}
	}
}

// ReadFile reconstructs fileID into w and returns the number of bytes
// written. It fails with ErrSizeMismatch when the chunks do not add up to
// the recorded size.
func (c *Cell) ReadFile(ctx context.Context, fileID string, w io.Writer) (int64, error) {
	info, err := c.meta.Get(ctx, fileID)
	if err != nil {
		return 0, err
	}

	var written int64
	for i, h := range info.ChunkHashes {
		data, err := c.chunks.Retrieve(ctx, h)
		if err != nil {
			return written, fmt.Errorf("chunk %d of %s: %w", i, fileID, err)
		}
		n, err := w.Write(data)
		written += int64(n)
		if err != nil {
			return written, fmt.Errorf("write chunk %d: %w", i, err)
		}
	}
	if uint64(written) != info.Size {
		return written, fmt.Errorf("%w: %s: reconstructed %d bytes, recorded %d", ErrSizeMismatch, fileID, written, info.Size)
	}
	return written, nil
}

// ReleaseFile removes fileID's metadata and releases one reference per
// manifest entry, deleting chunks no other file uses. Of two concurrent
// releases of the same file, the second fails with ErrFileNotFound.
func (c *Cell) ReleaseFile(ctx context.Context, fileID string) error {
	unlock := c.files.lock(fileID)
	defer unlock()

	info, err := c.meta.Get(ctx, fileID)
	if err != nil {
		return err
	}
	if err := c.meta.Remove(ctx, fileID); err != nil {
		return err
	}

	var errs []error
	for _, h := range info.ChunkHashes {
		if err := c.chunks.refs.Decrement(h); err != nil {
			errs = append(errs, err)
		}
	}
	c.logger.Info().Str("file_id", fileID).Int("chunks", info.ChunkCount()).Msg("Released file")
	return errors.Join(errs...)
}

// RebuildRefs recomputes the reference table from persisted metadata: one
// reference per manifest entry of every file. Stores are paused while it
// runs. Unreadable records are logged and skipped; their chunks become
// eligible for garbage collection.
func (c *Cell) RebuildRefs(ctx context.Context) error {
	return c.chunks.exclusive(func() error {
		ids, err := c.meta.List(ctx)
		if err != nil {
			return err
		}

		counts := make(map[Hash]uint32)
		for _, id := range ids {
			info, err := c.meta.Get(ctx, id)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				c.logger.Warn().Err(err).Str("file_id", id).Msg("Skipping unreadable metadata during reference rebuild")
				continue
			}
			for _, h := range info.ChunkHashes {
				counts[h]++
			}
		}
		c.chunks.refs.reset(counts)

		c.logger.Debug().Int("files", len(ids)).Int("chunks", len(counts)).Msg("Rebuilt reference table")
		return nil
	})
}

// Stats summarizes the cell's storage state.
type Stats struct {
	ChunkFiles    int   // Chunk files on disk
	ChunkBytes    int64 // Bytes held by chunk files
	LiveRefs      int   // Hashes with a positive reference count
	CachedFiles   int   // FileInfo records in the metadata cache
	MetadataFiles int   // FileInfo records on disk
}

// Stats scans the chunk directory and reports storage statistics.
func (c *Cell) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := c.chunks.dir.walk(ctx, func(e chunkEntry) error {
		st.ChunkFiles++
		st.ChunkBytes += e.size
		return nil
	}, func(string, error) {})
	if err != nil {
		return st, err
	}
	ids, err := c.meta.List(ctx)
	if err != nil {
		return st, err
	}
	st.MetadataFiles = len(ids)
	st.LiveRefs = c.chunks.refs.Len()
	st.CachedFiles = c.meta.CacheLen()
	return st, nil
}

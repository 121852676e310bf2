package cell

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// ChunkStore persists chunk payloads under a hash-sharded directory and
// deduplicates on write. Every Store call takes one reference in the
// RefCounter, whether or not bytes were written.
//
// Layout:
//
//	{root}/
//	  {hash[0:4]}/
//	    {hash}      # raw chunk bytes
type ChunkStore struct {
	dir     *chunkDir
	refs    *RefCounter
	logger  zerolog.Logger
	metrics *Metrics

	// sweepGate serializes garbage collection sweeps against stores.
	// Store holds it shared across increment+write; a sweep holds it
	// exclusively for its snapshot and walk.
	sweepGate sync.RWMutex
}

// ChunkStoreOptions configures a ChunkStore.
type ChunkStoreOptions struct {
	Logger  zerolog.Logger
	Metrics *Metrics // Optional
}

// NewChunkStore creates a chunk store rooted at root, together with the
// RefCounter that owns its reference table.
func NewChunkStore(root string, opts ChunkStoreOptions) (*ChunkStore, error) {
	dir, err := newChunkDir(root)
	if err != nil {
		return nil, err
	}
	return &ChunkStore{
		dir:     dir,
		refs:    newRefCounter(dir, opts.Logger, opts.Metrics),
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}, nil
}

// Root returns the chunk storage root.
func (s *ChunkStore) Root() string {
	return s.dir.root
}

// Refs returns the reference counter backing this store.
func (s *ChunkStore) Refs() *RefCounter {
	return s.refs
}

// Store hashes data, writes it unless identical content already exists and
// records one reference for the hash. The returned Chunk has no signature
// and a zero sequence.
func (s *ChunkStore) Store(ctx context.Context, data []byte, fileID string, index uint32) (*Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	hash := Sum(data)

	s.sweepGate.RLock()
	defer s.sweepGate.RUnlock()

	// Reference first: once we hold it, no decrement elsewhere can drop the
	// count to zero and delete the bytes we are about to rely on.
	s.refs.Increment(hash)

	if s.dir.exists(hash) {
		s.metrics.recordDedup()
		s.logger.Debug().
			Str("hash", hash.Short()).
			Str("file_id", fileID).
			Uint32("index", index).
			Msg("Chunk already stored, skipping write")
	} else {
		if err := s.dir.write(hash, data); err != nil {
			if relErr := s.refs.Decrement(hash); relErr != nil {
				err = fmt.Errorf("%w (release reference: %v)", err, relErr)
			}
			return nil, err
		}
		s.metrics.recordWrite(len(data))
	}

	return &Chunk{
		Hash:   hash,
		Size:   uint32(len(data)),
		Index:  index,
		FileID: fileID,
	}, nil
}

// Retrieve reads a chunk's bytes. It returns ErrChunkNotFound when the hash
// is not stored, and an ErrIO-class error for any other failure. The bytes
// are not re-hashed; use RetrieveVerified for tamper detection.
func (s *ChunkStore) Retrieve(ctx context.Context, hash Hash) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := s.dir.read(hash)
	if err != nil {
		return nil, err
	}
	s.metrics.recordRead(len(data))
	return data, nil
}

// RetrieveVerified reads a chunk and checks that it still hashes to its key.
func (s *ChunkStore) RetrieveVerified(ctx context.Context, hash Hash) ([]byte, error) {
	data, err := s.Retrieve(ctx, hash)
	if err != nil {
		return nil, err
	}
	if actual := Sum(data); actual != hash {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrHashMismatch, hash, actual)
	}
	return data, nil
}

// Has reports whether a chunk file exists for hash.
func (s *ChunkStore) Has(hash Hash) bool {
	return s.dir.exists(hash)
}

// Stat returns the on-disk size of a chunk.
func (s *ChunkStore) Stat(hash Hash) (int64, error) {
	info, err := os.Stat(s.dir.path(hash))
	if os.IsNotExist(err) {
		return 0, fmt.Errorf("%w: %s", ErrChunkNotFound, hash)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: stat chunk %s: %w", ErrIO, hash, err)
	}
	return info.Size(), nil
}

// Path returns the filesystem path a chunk is (or would be) stored at.
func (s *ChunkStore) Path(hash Hash) string {
	return s.dir.path(hash)
}

// exclusive runs fn with stores paused.
func (s *ChunkStore) exclusive(fn func() error) error {
	s.sweepGate.Lock()
	defer s.sweepGate.Unlock()
	return fn()
}

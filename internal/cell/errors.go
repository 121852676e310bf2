package cell

import (
	"errors"
	"fmt"
)

// Storage error classes. Callers classify with errors.Is.
var (
	ErrNotFound        = errors.New("not found")
	ErrIO              = errors.New("storage io failure")
	ErrCorruptMetadata = errors.New("corrupt metadata")
	ErrInvalidHash     = errors.New("invalid hash")
	ErrInvalidFileID   = errors.New("invalid file id")
	ErrHashMismatch    = errors.New("chunk hash mismatch")
	ErrSizeMismatch    = errors.New("file size mismatch")
)

// Both wrap ErrNotFound so a caller can fall back to fetching from a peer
// without caring which kind of entity was missing.
var (
	ErrChunkNotFound = fmt.Errorf("chunk %w", ErrNotFound)
	ErrFileNotFound  = fmt.Errorf("file %w", ErrNotFound)
)

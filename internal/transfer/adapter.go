package transfer

import (
	"context"
	"fmt"
	"maps"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hiveflow/hiveflow/internal/cell"
)

// Adapter builds and serves transfer messages on top of a node's chunk
// store and metadata index.
type Adapter struct {
	chunks *cell.ChunkStore
	meta   *cell.MetadataIndex
	logger zerolog.Logger

	// seq is the last transmission sequence handed out.
	seq atomic.Uint64
}

// NewAdapter creates an adapter over the given storage components.
func NewAdapter(chunks *cell.ChunkStore, meta *cell.MetadataIndex, logger zerolog.Logger) *Adapter {
	return &Adapter{
		chunks: chunks,
		meta:   meta,
		logger: logger.With().Str("component", "transfer").Logger(),
	}
}

// NextSequence returns the next transmission sequence number, starting at 1.
func (a *Adapter) NextSequence() uint64 {
	return a.seq.Add(1)
}

// NewRequesterID returns a random 16-byte requester identity.
func NewRequesterID() []byte {
	id := uuid.New()
	return id[:]
}

// BuildRequest creates a request for a whole chunk.
func BuildRequest(fileID string, chunkIndex uint32, priority Priority, requesterID []byte) *ChunkRequest {
	return BuildResumeRequest(fileID, chunkIndex, priority, requesterID, 0)
}

// BuildResumeRequest creates a request for the bytes of a chunk from offset
// onwards, for resuming a partially received chunk. Unknown priorities are
// coerced to PriorityNormal.
func BuildResumeRequest(fileID string, chunkIndex uint32, priority Priority, requesterID []byte, offset uint64) *ChunkRequest {
	return &ChunkRequest{
		FileID:      fileID,
		ChunkIndex:  chunkIndex,
		Offset:      offset,
		RequesterID: requesterID,
		Priority:    PriorityFromWire(int32(priority)),
	}
}

// BuildData reads the chunk's payload and wraps it with the chunk's file,
// index, signature and sequence. Not-found and IO errors from the store are
// returned unchanged in class.
func (a *Adapter) BuildData(ctx context.Context, chunk *cell.Chunk) (*ChunkData, error) {
	data, err := a.chunks.Retrieve(ctx, chunk.Hash)
	if err != nil {
		return nil, fmt.Errorf("build data for %s[%d]: %w", chunk.FileID, chunk.Index, err)
	}
	return &ChunkData{
		FileID:     chunk.FileID,
		ChunkIndex: chunk.Index,
		Data:       data,
		Signature:  chunk.Signature,
		Sequence:   chunk.Sequence,
	}, nil
}

// Serve answers req: it resolves the chunk hash through the file's
// manifest, reads the bytes, applies the request offset and stamps the
// response with the next transmission sequence number.
func (a *Adapter) Serve(ctx context.Context, req *ChunkRequest) (*ChunkData, error) {
	info, err := a.meta.Get(ctx, req.FileID)
	if err != nil {
		return nil, err
	}
	hash, ok := info.ChunkHash(req.ChunkIndex)
	if !ok {
		return nil, fmt.Errorf("%w: %s has %d chunks, requested %d",
			ErrChunkIndexOutOfRange, req.FileID, info.ChunkCount(), req.ChunkIndex)
	}

	resp, err := a.BuildData(ctx, &cell.Chunk{
		Hash:   hash,
		Index:  req.ChunkIndex,
		FileID: req.FileID,
	})
	if err != nil {
		return nil, err
	}
	if req.Offset > uint64(len(resp.Data)) {
		return nil, fmt.Errorf("%w: offset %d, chunk %d of %s is %d bytes",
			ErrInvalidOffset, req.Offset, req.ChunkIndex, req.FileID, len(resp.Data))
	}
	resp.Data = resp.Data[req.Offset:]
	resp.Sequence = a.NextSequence()

	a.logger.Debug().
		Str("file_id", req.FileID).
		Uint32("index", req.ChunkIndex).
		Uint64("offset", req.Offset).
		Uint64("sequence", resp.Sequence).
		Str("priority", req.Priority.String()).
		Int("bytes", len(resp.Data)).
		Msg("Served chunk")
	return resp, nil
}

// ChunkInfoFor converts a chunk record to its wire description.
func ChunkInfoFor(chunk *cell.Chunk) *ChunkInfo {
	return &ChunkInfo{
		FileID:    chunk.FileID,
		Index:     chunk.Index,
		Hash:      chunk.Hash.Bytes(),
		Size:      chunk.Size,
		Signature: chunk.Signature,
		Sequence:  chunk.Sequence,
	}
}

// ChunkFromInfo converts a wire chunk description into a chunk record. It
// fails with cell.ErrInvalidHash when the hash is not exactly 32 bytes.
func ChunkFromInfo(info *ChunkInfo) (*cell.Chunk, error) {
	hash, err := cell.HashFromBytes(info.Hash)
	if err != nil {
		return nil, err
	}
	return &cell.Chunk{
		Hash:      hash,
		Size:      info.Size,
		Index:     info.Index,
		FileID:    info.FileID,
		Signature: info.Signature,
		Sequence:  info.Sequence,
	}, nil
}

// FileMetadataFor converts a FileInfo to its wire form. The wire hash is
// the first chunk's hash, or empty for a file without chunks.
func FileMetadataFor(info *cell.FileInfo) *FileMetadata {
	md := &FileMetadata{
		FileID:    info.FileID,
		Name:      info.Name,
		Size:      info.Size,
		ChunkSize: info.ChunkSize,
		MimeType:  info.MimeType,
		Tags:      maps.Clone(info.Tags),
		CreatedAt: info.CreatedAt,
		Version:   info.Version,
		Signature: info.Signature,
		Checksums: maps.Clone(info.Checksums),
	}
	if first, ok := info.ChunkHash(0); ok {
		md.Hash = first.Bytes()
	}
	if info.Category != nil {
		md.Category = *info.Category
	}
	return md
}

// FileInfoFromMetadata converts wire metadata to a FileInfo. The result
// carries at most one chunk hash, the wire fingerprint; the rest of the
// manifest must come from elsewhere. Empty category and signature decode
// as absent. A non-empty hash that is not 32 bytes fails with
// cell.ErrInvalidHash.
func FileInfoFromMetadata(md *FileMetadata) (*cell.FileInfo, error) {
	info := &cell.FileInfo{
		FileID:    md.FileID,
		Name:      md.Name,
		MimeType:  md.MimeType,
		Tags:      maps.Clone(md.Tags),
		Size:      md.Size,
		ChunkSize: md.ChunkSize,
		Checksums: maps.Clone(md.Checksums),
		CreatedAt: md.CreatedAt,
		Version:   md.Version,
	}
	if len(md.Hash) > 0 {
		hash, err := cell.HashFromBytes(md.Hash)
		if err != nil {
			return nil, fmt.Errorf("file metadata %s: %w", md.FileID, err)
		}
		info.ChunkHashes = []cell.Hash{hash}
	}
	if md.Category != "" {
		category := md.Category
		info.Category = &category
	}
	if len(md.Signature) > 0 {
		info.Signature = md.Signature
	}
	return info, nil
}

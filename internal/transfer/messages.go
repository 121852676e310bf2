// Package transfer translates between the storage core's entities and the
// wire messages peers exchange to move chunks: requests, data responses,
// chunk descriptors and file metadata.
package transfer

import (
	"fmt"
	"strings"
)

// Priority orders outbound service of pending chunk requests.
type Priority int32

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
)

// PriorityFromWire maps a wire value to a Priority. Values outside the known
// range are treated as Normal so newer peers can add levels.
func PriorityFromWire(v int32) Priority {
	switch Priority(v) {
	case PriorityLow, PriorityNormal, PriorityHigh:
		return Priority(v)
	default:
		return PriorityNormal
	}
}

// ParsePriority parses a priority name as printed by String.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "normal", "":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	default:
		return PriorityNormal, fmt.Errorf("invalid priority %q: expected low, normal or high", s)
	}
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	default:
		return "unknown"
	}
}

// ChunkInfo describes one chunk without carrying its payload.
type ChunkInfo struct {
	FileID    string
	Index     uint32
	Hash      []byte // 32 bytes
	Size      uint32
	Signature []byte
	Sequence  uint64
}

// ChunkRequest solicits one chunk of a file from a peer.
type ChunkRequest struct {
	FileID     string
	ChunkIndex uint32
	// Offset lets a resumed transfer ask for the tail of a chunk that failed
	// partway through. Zero requests the whole chunk.
	Offset      uint64
	RequesterID []byte
	Priority    Priority
}

// ChunkData answers a ChunkRequest.
type ChunkData struct {
	FileID     string
	ChunkIndex uint32
	Data       []byte
	Signature  []byte
	// Sequence is the transmission order, independent of ChunkIndex.
	Sequence uint64
}

// FileMetadata is the wire form of a file's metadata. Hash carries only the
// first chunk hash as a fingerprint, so the full manifest does not survive
// a round trip through this message.
type FileMetadata struct {
	FileID    string
	Name      string
	Size      uint64
	ChunkSize uint32
	MimeType  string
	Hash      []byte
	Tags      map[string]string
	CreatedAt uint64
	Version   uint64
	Category  string
	Signature []byte
	Checksums map[string][]byte
}

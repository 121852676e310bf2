package cell

import (
	"io"

	chunker "github.com/ipfs/boxo/chunker"
)

// DefaultChunkSize is the target chunk size when none is configured.
const DefaultChunkSize = 256 * 1024

// Chunker splits a stream into fixed-size chunks. Every chunk but the last
// is exactly the configured size; the last may be shorter.
type Chunker struct {
	splitter chunker.Splitter
	next     uint32
}

// NewChunker creates a chunker over r. A zero size selects DefaultChunkSize.
func NewChunker(r io.Reader, size uint32) *Chunker {
	if size == 0 {
		size = DefaultChunkSize
	}
	return &Chunker{splitter: chunker.NewSizeSplitter(r, int64(size))}
}

// Next returns the next chunk and its index within the stream.
// It returns io.EOF once the stream is exhausted.
func (c *Chunker) Next() ([]byte, uint32, error) {
	data, err := c.splitter.NextBytes()
	if err != nil {
		return nil, 0, err
	}
	idx := c.next
	c.next++
	return data, idx, nil
}

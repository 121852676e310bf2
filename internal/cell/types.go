package cell

import "maps"

// Chunk is a content-addressed unit of file data. Index is the position
// within FileID, the file that registered the record. Signature is carried
// opaquely and is nil when none was supplied. Sequence is the transmission
// order, 0 until assigned.
type Chunk struct {
	Hash      Hash   `json:"hash"`
	Size      uint32 `json:"size"`
	Index     uint32 `json:"index"`
	FileID    string `json:"file_id"`
	Signature []byte `json:"signature"`
	Sequence  uint64 `json:"sequence"`
}

// FileInfo describes a logical file assembled from chunks. ChunkHashes is
// the reconstruction manifest: entry i is chunk index i. CreatedAt is in
// Unix seconds.
type FileInfo struct {
	FileID      string            `json:"file_id"`
	Name        string            `json:"name"`
	MimeType    string            `json:"mime_type"`
	Category    *string           `json:"category"`
	Tags        map[string]string `json:"tags"`
	Size        uint64            `json:"size"`
	ChunkSize   uint32            `json:"chunk_size"`
	ChunkHashes []Hash            `json:"chunk_hashes"`
	Checksums   map[string][]byte `json:"checksums"`
	CreatedAt   uint64            `json:"created_at"`
	Version     uint64            `json:"version"`
	Signature   []byte            `json:"signature"`
}

// ChunkCount returns the number of chunks in the manifest.
func (fi *FileInfo) ChunkCount() int {
	return len(fi.ChunkHashes)
}

// ChunkHash returns the hash of chunk index i.
func (fi *FileInfo) ChunkHash(i uint32) (Hash, bool) {
	if int(i) >= len(fi.ChunkHashes) {
		return Hash{}, false
	}
	return fi.ChunkHashes[i], true
}

// Clone returns a deep copy so cached entries cannot be mutated by callers.
func (fi *FileInfo) Clone() *FileInfo {
	if fi == nil {
		return nil
	}
	c := *fi
	if fi.Category != nil {
		cat := *fi.Category
		c.Category = &cat
	}
	c.Tags = maps.Clone(fi.Tags)
	if fi.ChunkHashes != nil {
		c.ChunkHashes = append([]Hash(nil), fi.ChunkHashes...)
	}
	if fi.Checksums != nil {
		c.Checksums = make(map[string][]byte, len(fi.Checksums))
		for k, v := range fi.Checksums {
			c.Checksums[k] = cloneBytes(v)
		}
	}
	c.Signature = cloneBytes(fi.Signature)
	return &c
}

// cloneBytes copies b, preserving the nil/empty distinction.
func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte{}, b...)
}

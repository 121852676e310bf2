package transfer

import (
	"fmt"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"
)

// Messages encode as protobuf wire format. Zero values are omitted, unknown
// fields are skipped on decode, and map fields are written in key order so
// encoding is deterministic.

// MarshalBinary encodes the message in protobuf wire format.
func (m *ChunkInfo) MarshalBinary() ([]byte, error) {
	var e encoder
	e.string(1, m.FileID)
	e.uint(2, uint64(m.Index))
	e.bytes(3, m.Hash)
	e.uint(4, uint64(m.Size))
	e.bytes(5, m.Signature)
	e.uint(6, m.Sequence)
	return e.b, nil
}

// UnmarshalBinary decodes protobuf wire bytes into the message.
func (m *ChunkInfo) UnmarshalBinary(b []byte) error {
	*m = ChunkInfo{}
	return decodeFields(b, func(f *field) {
		switch f.num {
		case 1:
			m.FileID = f.string()
		case 2:
			m.Index = uint32(f.varint())
		case 3:
			m.Hash = f.bytes()
		case 4:
			m.Size = uint32(f.varint())
		case 5:
			m.Signature = f.bytes()
		case 6:
			m.Sequence = f.varint()
		}
	})
}

// MarshalBinary encodes the message in protobuf wire format.
func (m *ChunkRequest) MarshalBinary() ([]byte, error) {
	var e encoder
	e.string(1, m.FileID)
	e.uint(2, uint64(m.ChunkIndex))
	e.uint(3, m.Offset)
	e.bytes(4, m.RequesterID)
	e.int32(5, int32(m.Priority))
	return e.b, nil
}

// UnmarshalBinary decodes protobuf wire bytes into the message. An unknown
// priority value decodes as PriorityNormal.
func (m *ChunkRequest) UnmarshalBinary(b []byte) error {
	*m = ChunkRequest{}
	return decodeFields(b, func(f *field) {
		switch f.num {
		case 1:
			m.FileID = f.string()
		case 2:
			m.ChunkIndex = uint32(f.varint())
		case 3:
			m.Offset = f.varint()
		case 4:
			m.RequesterID = f.bytes()
		case 5:
			m.Priority = PriorityFromWire(int32(f.varint()))
		}
	})
}

// MarshalBinary encodes the message in protobuf wire format.
func (m *ChunkData) MarshalBinary() ([]byte, error) {
	var e encoder
	e.string(1, m.FileID)
	e.uint(2, uint64(m.ChunkIndex))
	e.bytes(3, m.Data)
	e.bytes(4, m.Signature)
	e.uint(5, m.Sequence)
	return e.b, nil
}

// UnmarshalBinary decodes protobuf wire bytes into the message.
func (m *ChunkData) UnmarshalBinary(b []byte) error {
	*m = ChunkData{}
	return decodeFields(b, func(f *field) {
		switch f.num {
		case 1:
			m.FileID = f.string()
		case 2:
			m.ChunkIndex = uint32(f.varint())
		case 3:
			m.Data = f.bytes()
		case 4:
			m.Signature = f.bytes()
		case 5:
			m.Sequence = f.varint()
		}
	})
}

// MarshalBinary encodes the message in protobuf wire format.
func (m *FileMetadata) MarshalBinary() ([]byte, error) {
	var e encoder
	e.string(1, m.FileID)
	e.string(2, m.Name)
	e.uint(3, m.Size)
	e.uint(4, uint64(m.ChunkSize))
	e.string(5, m.MimeType)
	e.bytes(6, m.Hash)
	e.stringMap(7, m.Tags)
	e.uint(8, m.CreatedAt)
	e.uint(9, m.Version)
	e.string(10, m.Category)
	e.bytes(11, m.Signature)
	e.bytesMap(12, m.Checksums)
	return e.b, nil
}

// UnmarshalBinary decodes protobuf wire bytes into the message.
func (m *FileMetadata) UnmarshalBinary(b []byte) error {
	*m = FileMetadata{}
	return decodeFields(b, func(f *field) {
		switch f.num {
		case 1:
			m.FileID = f.string()
		case 2:
			m.Name = f.string()
		case 3:
			m.Size = f.varint()
		case 4:
			m.ChunkSize = uint32(f.varint())
		case 5:
			m.MimeType = f.string()
		case 6:
			m.Hash = f.bytes()
		case 7:
			k, v, ok := f.stringEntry()
			if ok {
				if m.Tags == nil {
					m.Tags = make(map[string]string)
				}
				m.Tags[k] = v
			}
		case 8:
			m.CreatedAt = f.varint()
		case 9:
			m.Version = f.varint()
		case 10:
			m.Category = f.string()
		case 11:
			m.Signature = f.bytes()
		case 12:
			k, v, ok := f.bytesEntry()
			if ok {
				if m.Checksums == nil {
					m.Checksums = make(map[string][]byte)
				}
				m.Checksums[k] = v
			}
		}
	})
}

type encoder struct {
	b []byte
}

func (e *encoder) string(num protowire.Number, s string) {
	if s == "" {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendString(e.b, s)
}

func (e *encoder) bytes(num protowire.Number, v []byte) {
	if len(v) == 0 {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendBytes(e.b, v)
}

func (e *encoder) uint(num protowire.Number, v uint64) {
	if v == 0 {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.VarintType)
	e.b = protowire.AppendVarint(e.b, v)
}

// int32 sign-extends negative values to ten bytes, as protobuf does.
func (e *encoder) int32(num protowire.Number, v int32) {
	if v == 0 {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.VarintType)
	e.b = protowire.AppendVarint(e.b, uint64(int64(v)))
}

// Map fields are repeated entry messages with the key in field 1 and the
// value in field 2.

func (e *encoder) stringMap(num protowire.Number, m map[string]string) {
	for _, k := range sortedKeys(m) {
		var entry encoder
		entry.string(1, k)
		entry.string(2, m[k])
		e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
		e.b = protowire.AppendBytes(e.b, entry.b)
	}
}

func (e *encoder) bytesMap(num protowire.Number, m map[string][]byte) {
	for _, k := range sortedKeys(m) {
		var entry encoder
		entry.string(1, k)
		entry.bytes(2, m[k])
		e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
		e.b = protowire.AppendBytes(e.b, entry.b)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// field is one decoded tag plus the bytes that follow it. Accessors consume
// the value when the wire type matches; a field left unconsumed is skipped.
type field struct {
	num protowire.Number
	typ protowire.Type
	buf []byte
	n   int
	err error
}

func (f *field) consumed(n int) bool {
	if n < 0 {
		f.err = protowire.ParseError(n)
		return false
	}
	f.n = n
	return true
}

func (f *field) varint() uint64 {
	if f.typ != protowire.VarintType {
		return 0
	}
	v, n := protowire.ConsumeVarint(f.buf)
	if !f.consumed(n) {
		return 0
	}
	return v
}

func (f *field) raw() ([]byte, bool) {
	if f.typ != protowire.BytesType {
		return nil, false
	}
	v, n := protowire.ConsumeBytes(f.buf)
	if !f.consumed(n) {
		return nil, false
	}
	return v, true
}

// bytes copies the value out of the input buffer. Empty decodes as nil.
func (f *field) bytes() []byte {
	v, ok := f.raw()
	if !ok || len(v) == 0 {
		return nil
	}
	return append([]byte(nil), v...)
}

func (f *field) string() string {
	v, _ := f.raw()
	return string(v)
}

func (f *field) stringEntry() (string, string, bool) {
	entry, ok := f.raw()
	if !ok {
		return "", "", false
	}
	var k, v string
	if err := decodeFields(entry, func(ef *field) {
		switch ef.num {
		case 1:
			k = ef.string()
		case 2:
			v = ef.string()
		}
	}); err != nil {
		f.err = err
		return "", "", false
	}
	return k, v, true
}

func (f *field) bytesEntry() (string, []byte, bool) {
	entry, ok := f.raw()
	if !ok {
		return "", nil, false
	}
	var k string
	var v []byte
	if err := decodeFields(entry, func(ef *field) {
		switch ef.num {
		case 1:
			k = ef.string()
		case 2:
			v = ef.bytes()
		}
	}); err != nil {
		f.err = err
		return "", nil, false
	}
	if v == nil {
		v = []byte{}
	}
	return k, v, true
}

// decodeFields walks the tags in b and hands each to fn.
func decodeFields(b []byte, fn func(*field)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %w", ErrMalformedMessage, protowire.ParseError(n))
		}
		b = b[n:]

		f := field{num: num, typ: typ, buf: b}
		fn(&f)
		if f.err != nil {
			return fmt.Errorf("%w: field %d: %w", ErrMalformedMessage, num, f.err)
		}
		if f.n == 0 {
			f.n = protowire.ConsumeFieldValue(num, typ, b)
			if f.n < 0 {
				return fmt.Errorf("%w: field %d: %w", ErrMalformedMessage, num, protowire.ParseError(f.n))
			}
		}
		b = b[f.n:]
	}
	return nil
}

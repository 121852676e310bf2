package transfer

import "errors"

var (
	// ErrChunkIndexOutOfRange is returned when a request names a chunk index
	// past the end of the file's manifest.
	ErrChunkIndexOutOfRange = errors.New("chunk index out of range")

	// ErrInvalidOffset is returned when a request's offset lies past the end
	// of the chunk.
	ErrInvalidOffset = errors.New("offset beyond end of chunk")

	// ErrMalformedMessage is returned when wire bytes cannot be decoded.
	ErrMalformedMessage = errors.New("malformed message")

	// ErrUnsupportedVersion is returned for envelopes from an incompatible
	// protocol version.
	ErrUnsupportedVersion = errors.New("unsupported protocol version")

	// ErrUnexpectedType is returned when an envelope is decoded as the wrong
	// message type.
	ErrUnexpectedType = errors.New("unexpected message type")
)

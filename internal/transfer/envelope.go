package transfer

import (
	"encoding"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// ProtocolVersion is the current transfer protocol version.
// Version history:
//   - v1: chunk info, request, data and file metadata messages
const ProtocolVersion = 1

// MessageType identifies the payload carried by an Envelope.
type MessageType string

const (
	// MessageTypeChunkInfo describes a chunk without its payload
	MessageTypeChunkInfo MessageType = "chunk_info"

	// MessageTypeChunkRequest asks a peer for one chunk
	MessageTypeChunkRequest MessageType = "chunk_request"

	// MessageTypeChunkData answers a chunk request
	MessageTypeChunkData MessageType = "chunk_data"

	// MessageTypeFileMetadata announces a file
	MessageTypeFileMetadata MessageType = "file_metadata"
)

// Message is implemented by every wire message.
type Message interface {
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
	MessageType() MessageType
}

func (*ChunkInfo) MessageType() MessageType    { return MessageTypeChunkInfo }
func (*ChunkRequest) MessageType() MessageType { return MessageTypeChunkRequest }
func (*ChunkData) MessageType() MessageType    { return MessageTypeChunkData }
func (*FileMetadata) MessageType() MessageType { return MessageTypeFileMetadata }

// Envelope frames a wire message for the transport.
type Envelope struct {
	Version int         `json:"version"` // Protocol version for compatibility checking
	Type    MessageType `json:"type"`
	ID      string      `json:"id"`      // Unique message ID
	From    string      `json:"from"`    // Sender's node ID
	Payload []byte      `json:"payload"` // Protobuf-encoded message
}

// NewEnvelope wraps msg. An empty id is replaced with a random UUID.
func NewEnvelope(id, from string, msg Message) (*Envelope, error) {
	data, err := msg.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", msg.MessageType(), err)
	}
	if id == "" {
		id = uuid.New().String()
	}
	return &Envelope{
		Version: ProtocolVersion,
		Type:    msg.MessageType(),
		ID:      id,
		From:    from,
		Payload: data,
	}, nil
}

// Decode unmarshals the payload into msg, which must match the envelope type.
func (e *Envelope) Decode(msg Message) error {
	if e.Type != msg.MessageType() {
		return fmt.Errorf("%w: got %s, want %s", ErrUnexpectedType, e.Type, msg.MessageType())
	}
	if err := msg.UnmarshalBinary(e.Payload); err != nil {
		return fmt.Errorf("unmarshal %s payload: %w", e.Type, err)
	}
	return nil
}

// DecodePayload returns the payload as a freshly allocated message of the
// envelope's type.
func (e *Envelope) DecodePayload() (Message, error) {
	var msg Message
	switch e.Type {
	case MessageTypeChunkInfo:
		msg = &ChunkInfo{}
	case MessageTypeChunkRequest:
		msg = &ChunkRequest{}
	case MessageTypeChunkData:
		msg = &ChunkData{}
	case MessageTypeFileMetadata:
		msg = &FileMetadata{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnexpectedType, e.Type)
	}
	if err := e.Decode(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Marshal serializes the envelope to JSON.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalEnvelope deserializes an envelope and checks its version.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: unmarshal envelope: %w", ErrMalformedMessage, err)
	}
	if env.Version != ProtocolVersion {
		return nil, fmt.Errorf("%w: got %d, expected %d", ErrUnsupportedVersion, env.Version, ProtocolVersion)
	}
	return &env, nil
}

package log

import (
	"time"
)

// Event represents a protocol log event captured at any layer.
// CBOR encoding uses integer keys for compactness.
type Event struct {
	// Timestamp when the event occurred (nanosecond precision).
	Timestamp time.Time `cbor:"1,keyasint"`

	// ConnectionID uniquely identifies the transport connection (UUID).
	ConnectionID string `cbor:"2,keyasint"`

	// ChannelID identifies the secure channel, when one is established.
	ChannelID uint32 `cbor:"3,keyasint,omitempty"`

	// Direction indicates message flow.
	Direction Direction `cbor:"4,keyasint"`

	// Layer where the event was captured.
	Layer Layer `cbor:"5,keyasint"`

	// Category classifies the event type.
	Category Category `cbor:"6,keyasint"`

	// RemoteAddr is the peer address (IP:port).
	RemoteAddr string `cbor:"7,keyasint,omitempty"`

	// Type-specific payload (one of these will be set).
	Chunk       *ChunkEvent       `cbor:"8,keyasint,omitempty"`  // Transport/channel chunk
	StateChange *StateChangeEvent `cbor:"9,keyasint,omitempty"`  // Channel state transitions
	Error       *ErrorEventData   `cbor:"10,keyasint,omitempty"` // Faults at any layer
}

// Direction indicates the direction of message flow.
type Direction uint8

const (
	// DirectionIn indicates an incoming chunk.
	DirectionIn Direction = 0
	// DirectionOut indicates an outgoing chunk.
	DirectionOut Direction = 1
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// Layer indicates which protocol layer captured the event.
type Layer uint8

const (
	// LayerTransport is the byte-stream layer (raw chunk frames).
	LayerTransport Layer = 0
	// LayerChannel is the secure channel layer (secured chunks, tokens).
	LayerChannel Layer = 1
)

// String returns the layer name.
func (l Layer) String() string {
	switch l {
	case LayerTransport:
		return "TRANSPORT"
	case LayerChannel:
		return "CHANNEL"
	default:
		return "UNKNOWN"
	}
}

// Category classifies the event type.
type Category uint8

const (
	// CategoryChunk indicates a chunk was sent or received.
	CategoryChunk Category = 0
	// CategoryState indicates a state change.
	CategoryState Category = 1
	// CategoryError indicates a fault.
	CategoryError Category = 2
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryChunk:
		return "CHUNK"
	case CategoryState:
		return "STATE"
	case CategoryError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// MaxChunkDataSize is the maximum chunk data size to include in log
// events (4 KB). Larger chunks are truncated to avoid excessive memory
// usage in capture files.
const MaxChunkDataSize = 4096

// ChunkEvent captures one chunk on the wire.
type ChunkEvent struct {
	// Type is the 3-byte message type tag.
	Type string `cbor:"1,keyasint"`

	// Flag is the chunk flag name (FINAL, INTERMEDIATE, ABORT).
	Flag string `cbor:"2,keyasint,omitempty"`

	// Size is the total chunk size in bytes.
	Size int `cbor:"3,keyasint"`

	// SequenceNumber and RequestID come from the sequence header,
	// when the chunk was decoded far enough to know them.
	SequenceNumber uint32 `cbor:"4,keyasint,omitempty"`
	RequestID      uint32 `cbor:"5,keyasint,omitempty"`

	// TokenID identifies the securing key generation, for symmetric chunks.
	TokenID uint32 `cbor:"6,keyasint,omitempty"`

	// Data is the chunk bytes, possibly truncated.
	Data []byte `cbor:"7,keyasint,omitempty"`

	// Truncated indicates Data was cut at MaxChunkDataSize.
	Truncated bool `cbor:"8,keyasint,omitempty"`
}

// StateChangeEvent captures a channel state transition.
type StateChangeEvent struct {
	// OldState and NewState are state names.
	OldState string `cbor:"1,keyasint"`
	NewState string `cbor:"2,keyasint"`

	// Reason describes what triggered the transition.
	Reason string `cbor:"3,keyasint,omitempty"`
}

// ErrorEventData captures a fault.
type ErrorEventData struct {
	// Layer where the fault occurred.
	Layer Layer `cbor:"1,keyasint"`

	// Message is the error text.
	Message string `cbor:"2,keyasint"`

	// Context adds free-form detail (operation, token id, ...).
	Context string `cbor:"3,keyasint,omitempty"`
}

// TruncateChunkData clips data for inclusion in a ChunkEvent.
func TruncateChunkData(data []byte) (clipped []byte, truncated bool) {
	if len(data) > MaxChunkDataSize {
		return data[:MaxChunkDataSize], true
	}
	return data, false
}

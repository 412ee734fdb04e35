package transport

import (
	"errors"
	"fmt"

	"github.com/uasc-protocol/uasc-go/pkg/chunk"
	"github.com/uasc-protocol/uasc-go/pkg/wire"
)

// ProtocolVersion is the connection protocol version this package speaks.
const ProtocolVersion uint32 = 0

// Negotiation bounds.
const (
	// MinBufferSize is the smallest buffer size either side may end up
	// with. Hellos proposing less are rejected.
	MinBufferSize = 8192

	// MaxEndpointURLLength bounds the endpoint URL in a Hello.
	MaxEndpointURLLength = 4096
)

// Default limits used when the application does not configure its own.
const (
	DefaultReceiveBufferSize uint32 = 65535
	DefaultSendBufferSize    uint32 = 65535
	DefaultMaxMessageSize    uint32 = 16 << 20
	DefaultMaxChunkCount     uint32 = 256
)

// Status codes carried by Error chunks.
const (
	StatusBadTCPMessageTypeInvalid      uint32 = 0x807E0000
	StatusBadTCPMessageTooLarge         uint32 = 0x80800000
	StatusBadTCPInternalError           uint32 = 0x80820000
	StatusBadTCPEndpointURLInvalid      uint32 = 0x80830000
	StatusBadProtocolVersionUnsupported uint32 = 0x80BE0000
	StatusBadSecureChannelClosed        uint32 = 0x80860000
	StatusBadSecurityChecksFailed       uint32 = 0x80130000
)

// Transport errors.
var (
	// ErrNegotiationFailed indicates the Hello/Acknowledge exchange
	// could not settle on usable limits.
	ErrNegotiationFailed = errors.New("transport negotiation failed")

	// ErrProtocolVersionMismatch indicates the peer speaks an
	// unsupported connection protocol version.
	ErrProtocolVersionMismatch = errors.New("unsupported protocol version")

	// ErrChunkTooLarge indicates a chunk exceeding the negotiated
	// receive buffer, or a write exceeding the peer's.
	ErrChunkTooLarge = errors.New("chunk exceeds negotiated buffer size")

	// ErrConnectionClosed indicates an operation on a closed connection.
	ErrConnectionClosed = errors.New("connection closed")
)

// PeerError is an Error chunk received from the peer.
type PeerError struct {
	Code   uint32
	Reason string
}

// Error implements the error interface.
func (e *PeerError) Error() string {
	return fmt.Sprintf("peer error 0x%08X: %s", e.Code, e.Reason)
}

// Limits are the negotiated per-connection transport limits.
// Buffer sizes bound single chunks; MaxMessageSize and MaxChunkCount
// bound reassembled messages and are enforced by the channel layer.
type Limits struct {
	ReceiveBufferSize uint32
	SendBufferSize    uint32
	MaxMessageSize    uint32
	MaxChunkCount     uint32
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		ReceiveBufferSize: DefaultReceiveBufferSize,
		SendBufferSize:    DefaultSendBufferSize,
		MaxMessageSize:    DefaultMaxMessageSize,
		MaxChunkCount:     DefaultMaxChunkCount,
	}
}

// Hello opens a connection. The buffer sizes describe the sender's
// capacities; the server revises them downward in its Acknowledge.
type Hello struct {
	Version           uint32
	ReceiveBufferSize uint32
	SendBufferSize    uint32
	MaxMessageSize    uint32
	MaxChunkCount     uint32
	EndpointURL       string
}

// Acknowledge answers a Hello with the revised, now binding, limits.
type Acknowledge struct {
	Version           uint32
	ReceiveBufferSize uint32
	SendBufferSize    uint32
	MaxMessageSize    uint32
	MaxChunkCount     uint32
}

// Error reports a fatal transport fault to the peer before the
// connection is dropped.
type Error struct {
	Code   uint32
	Reason string
}

// ReverseHello lets a server behind a firewall initiate the TCP
// connection; the client then proceeds with its normal Hello.
type ReverseHello struct {
	ServerURI   string
	EndpointURL string
}

// encodeConnectionChunk wraps a body in the chunk envelope for a
// connection-level message type.
func encodeConnectionChunk(msgType string, body func(w *wire.Writer)) []byte {
	w := wire.NewWriter(64)
	w.WriteRaw([]byte(msgType))
	w.WriteUint8(byte(chunk.FlagFinal))
	w.WriteUint32(0) // patched below
	body(w)
	w.PatchUint32(4, uint32(w.Len()))
	return w.Bytes()
}

// decodeConnectionChunk validates the prefix of a connection chunk and
// returns a reader positioned at its body.
func decodeConnectionChunk(data []byte, wantType string) (*wire.Reader, error) {
	prefix, err := chunk.DecodePrefix(data)
	if err != nil {
		return nil, err
	}
	if prefix.Type != wantType {
		return nil, fmt.Errorf("%w: got %q, want %q", chunk.ErrUnknownMessageType, prefix.Type, wantType)
	}
	if uint32(len(data)) < prefix.MessageSize {
		return nil, fmt.Errorf("%w: %d bytes available, %d declared",
			chunk.ErrTruncatedChunk, len(data), prefix.MessageSize)
	}
	r := wire.NewReader(data[:prefix.MessageSize])
	_, _ = r.ReadRaw(chunk.PrefixSize)
	return r, nil
}

// Encode serializes the Hello as a complete chunk.
func (h *Hello) Encode() []byte {
	return encodeConnectionChunk(chunk.TypeHello, func(w *wire.Writer) {
		w.WriteUint32(h.Version)
		w.WriteUint32(h.ReceiveBufferSize)
		w.WriteUint32(h.SendBufferSize)
		w.WriteUint32(h.MaxMessageSize)
		w.WriteUint32(h.MaxChunkCount)
		w.WriteString(h.EndpointURL)
	})
}

// DecodeHello parses a complete Hello chunk.
func DecodeHello(data []byte) (*Hello, error) {
	r, err := decodeConnectionChunk(data, chunk.TypeHello)
	if err != nil {
		return nil, err
	}
	h := &Hello{}
	fields := []*uint32{&h.Version, &h.ReceiveBufferSize, &h.SendBufferSize, &h.MaxMessageSize, &h.MaxChunkCount}
	for _, f := range fields {
		if *f, err = r.ReadUint32(); err != nil {
			return nil, fmt.Errorf("%w: hello: %v", chunk.ErrTruncatedChunk, err)
		}
	}
	if h.EndpointURL, err = r.ReadString(); err != nil {
		return nil, fmt.Errorf("%w: hello endpoint url: %v", chunk.ErrTruncatedChunk, err)
	}
	return h, nil
}

// Encode serializes the Acknowledge as a complete chunk.
func (a *Acknowledge) Encode() []byte {
	return encodeConnectionChunk(chunk.TypeAcknowledge, func(w *wire.Writer) {
		w.WriteUint32(a.Version)
		w.WriteUint32(a.ReceiveBufferSize)
		w.WriteUint32(a.SendBufferSize)
		w.WriteUint32(a.MaxMessageSize)
		w.WriteUint32(a.MaxChunkCount)
	})
}

// DecodeAcknowledge parses a complete Acknowledge chunk.
func DecodeAcknowledge(data []byte) (*Acknowledge, error) {
	r, err := decodeConnectionChunk(data, chunk.TypeAcknowledge)
	if err != nil {
		return nil, err
	}
	a := &Acknowledge{}
	fields := []*uint32{&a.Version, &a.ReceiveBufferSize, &a.SendBufferSize, &a.MaxMessageSize, &a.MaxChunkCount}
	for _, f := range fields {
		if *f, err = r.ReadUint32(); err != nil {
			return nil, fmt.Errorf("%w: acknowledge: %v", chunk.ErrTruncatedChunk, err)
		}
	}
	return a, nil
}

// Encode serializes the Error as a complete chunk.
func (e *Error) Encode() []byte {
	return encodeConnectionChunk(chunk.TypeError, func(w *wire.Writer) {
		w.WriteUint32(e.Code)
		w.WriteString(e.Reason)
	})
}

// DecodeError parses a complete Error chunk.
func DecodeError(data []byte) (*Error, error) {
	r, err := decodeConnectionChunk(data, chunk.TypeError)
	if err != nil {
		return nil, err
	}
	e := &Error{}
	if e.Code, err = r.ReadUint32(); err != nil {
		return nil, fmt.Errorf("%w: error code: %v", chunk.ErrTruncatedChunk, err)
	}
	if e.Reason, err = r.ReadString(); err != nil {
		return nil, fmt.Errorf("%w: error reason: %v", chunk.ErrTruncatedChunk, err)
	}
	return e, nil
}

// Encode serializes the ReverseHello as a complete chunk.
func (r *ReverseHello) Encode() []byte {
	return encodeConnectionChunk(chunk.TypeReverseHello, func(w *wire.Writer) {
		w.WriteString(r.ServerURI)
		w.WriteString(r.EndpointURL)
	})
}

// DecodeReverseHello parses a complete ReverseHello chunk.
func DecodeReverseHello(data []byte) (*ReverseHello, error) {
	r, err := decodeConnectionChunk(data, chunk.TypeReverseHello)
	if err != nil {
		return nil, err
	}
	rh := &ReverseHello{}
	if rh.ServerURI, err = r.ReadString(); err != nil {
		return nil, fmt.Errorf("%w: server uri: %v", chunk.ErrTruncatedChunk, err)
	}
	if rh.EndpointURL, err = r.ReadString(); err != nil {
		return nil, fmt.Errorf("%w: endpoint url: %v", chunk.ErrTruncatedChunk, err)
	}
	return rh, nil
}

// Negotiate revises a client's Hello against the server's own limits.
// Each side's send buffer is capped by the other side's receive buffer;
// message size and chunk count take the smaller non-zero value (zero
// means unbounded). The returned Limits are from the server's
// perspective.
func Negotiate(local Limits, hello *Hello) (*Acknowledge, Limits, error) {
	if hello.Version != ProtocolVersion {
		return nil, Limits{}, fmt.Errorf("%w: %d", ErrProtocolVersionMismatch, hello.Version)
	}

	recv := minUint32(local.ReceiveBufferSize, hello.SendBufferSize)
	send := minUint32(local.SendBufferSize, hello.ReceiveBufferSize)
	if recv < MinBufferSize || send < MinBufferSize {
		return nil, Limits{}, fmt.Errorf("%w: buffer below %d bytes", ErrNegotiationFailed, MinBufferSize)
	}

	negotiated := Limits{
		ReceiveBufferSize: recv,
		SendBufferSize:    send,
		MaxMessageSize:    minNonZero(local.MaxMessageSize, hello.MaxMessageSize),
		MaxChunkCount:     minNonZero(local.MaxChunkCount, hello.MaxChunkCount),
	}
	ack := &Acknowledge{
		Version:           ProtocolVersion,
		ReceiveBufferSize: negotiated.ReceiveBufferSize,
		SendBufferSize:    negotiated.SendBufferSize,
		MaxMessageSize:    negotiated.MaxMessageSize,
		MaxChunkCount:     negotiated.MaxChunkCount,
	}
	return ack, negotiated, nil
}

// clientLimits converts a server Acknowledge into the client's view of
// the connection limits. The server's send buffer is what the client
// must be able to receive and vice versa.
func clientLimits(offered Limits, ack *Acknowledge) (Limits, error) {
	if ack.Version != ProtocolVersion {
		return Limits{}, fmt.Errorf("%w: %d", ErrProtocolVersionMismatch, ack.Version)
	}
	if ack.SendBufferSize > offered.ReceiveBufferSize || ack.ReceiveBufferSize > offered.SendBufferSize {
		return Limits{}, fmt.Errorf("%w: server raised buffer sizes", ErrNegotiationFailed)
	}
	if ack.SendBufferSize < MinBufferSize || ack.ReceiveBufferSize < MinBufferSize {
		return Limits{}, fmt.Errorf("%w: buffer below %d bytes", ErrNegotiationFailed, MinBufferSize)
	}
	return Limits{
		ReceiveBufferSize: ack.SendBufferSize,
		SendBufferSize:    ack.ReceiveBufferSize,
		MaxMessageSize:    ack.MaxMessageSize,
		MaxChunkCount:     ack.MaxChunkCount,
	}, nil
}

func minUint32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

func minNonZero(a, b uint32) uint32 {
	if a == 0 {
		return b
	}
	if b == 0 {
		return a
	}
	return minUint32(a, b)
}

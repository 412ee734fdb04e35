// Package chunk encodes and decodes the fixed chunk envelope of the
// UASC wire format.
//
// Every chunk starts with an 8-byte prefix (3-byte message type tag,
// 1-byte chunk flag, 4-byte total size including the prefix). Channel
// chunks (OPN, CLO, MSG) continue with a 4-byte secure channel id, a
// security header whose shape is chosen by the channel state machine,
// an 8-byte sequence header, and the body. Connection chunks (HEL,
// ACK, ERR, RHE) carry their payload directly after the prefix and are
// handled by the transport package.
package chunk

import (
	"errors"
	"fmt"

	"github.com/uasc-protocol/uasc-go/pkg/secheader"
	"github.com/uasc-protocol/uasc-go/pkg/wire"
)

// Message type tags.
const (
	TypeHello        = "HEL"
	TypeAcknowledge  = "ACK"
	TypeError        = "ERR"
	TypeReverseHello = "RHE"
	TypeOpenChannel  = "OPN"
	TypeCloseChannel = "CLO"
	TypeMessage      = "MSG"
)

// Fixed sizes of the envelope pieces.
const (
	// PrefixSize is the size of the common chunk prefix: type tag,
	// chunk flag, and total message size.
	PrefixSize = 8

	// HeaderSize is PrefixSize plus the secure channel id.
	HeaderSize = PrefixSize + 4

	// SequenceHeaderSize is the fixed size of the sequence header.
	SequenceHeaderSize = 8
)

// Flag marks a chunk's position within its logical message.
type Flag byte

const (
	// FlagIntermediate marks a chunk with more chunks to follow.
	FlagIntermediate Flag = 'C'

	// FlagFinal marks the last chunk of a message.
	FlagFinal Flag = 'F'

	// FlagAbort cancels an in-flight multi-chunk message.
	FlagAbort Flag = 'A'
)

// String returns the flag name.
func (f Flag) String() string {
	switch f {
	case FlagIntermediate:
		return "INTERMEDIATE"
	case FlagFinal:
		return "FINAL"
	case FlagAbort:
		return "ABORT"
	default:
		return "UNKNOWN"
	}
}

// Valid reports whether f is one of the three defined flag values.
func (f Flag) Valid() bool {
	return f == FlagIntermediate || f == FlagFinal || f == FlagAbort
}

// Framer errors.
var (
	// ErrTruncatedChunk indicates fewer bytes than the declared message size.
	ErrTruncatedChunk = errors.New("truncated chunk")

	// ErrUnknownMessageType indicates an unrecognized 3-byte type tag.
	ErrUnknownMessageType = errors.New("unknown message type")

	// ErrInvalidChunkFlag indicates a flag byte outside {F, C, A}.
	ErrInvalidChunkFlag = errors.New("invalid chunk flag")

	// ErrBodyTooLarge indicates an encode that would exceed the
	// negotiated maximum chunk size.
	ErrBodyTooLarge = errors.New("chunk body too large")

	// ErrChunkSizeExceeded indicates a received chunk whose declared
	// size exceeds the negotiated maximum. Treated as a protocol
	// violation by the channel layer.
	ErrChunkSizeExceeded = errors.New("chunk size exceeds negotiated maximum")
)

// channelTypes are the tags that carry a secure channel envelope.
var channelTypes = map[string]bool{
	TypeOpenChannel:  true,
	TypeCloseChannel: true,
	TypeMessage:      true,
}

// connectionTypes are the tags handled at the transport layer.
var connectionTypes = map[string]bool{
	TypeHello:        true,
	TypeAcknowledge:  true,
	TypeError:        true,
	TypeReverseHello: true,
}

// KnownType reports whether tag is a recognized 3-byte message type.
func KnownType(tag string) bool {
	return channelTypes[tag] || connectionTypes[tag]
}

// Prefix is the common 8-byte chunk prefix.
type Prefix struct {
	// Type is the 3-byte message type tag.
	Type string

	// Flag is the chunk flag byte.
	Flag Flag

	// MessageSize is the total chunk length including the prefix.
	MessageSize uint32
}

// DecodePrefix parses the 8-byte prefix from the start of data.
func DecodePrefix(data []byte) (*Prefix, error) {
	if len(data) < PrefixSize {
		return nil, fmt.Errorf("%w: %d bytes, prefix needs %d", ErrTruncatedChunk, len(data), PrefixSize)
	}
	r := wire.NewReader(data)
	tag, _ := r.ReadRaw(3)
	flagByte, _ := r.ReadUint8()
	size, _ := r.ReadUint32()

	p := &Prefix{Type: string(tag), Flag: Flag(flagByte), MessageSize: size}
	if !KnownType(p.Type) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, p.Type)
	}
	if !p.Flag.Valid() {
		return nil, fmt.Errorf("%w: %#x", ErrInvalidChunkFlag, byte(p.Flag))
	}
	return p, nil
}

// SequenceHeader orders chunks within a channel direction and
// correlates the chunks of one logical message.
type SequenceHeader struct {
	// SequenceNumber increases by exactly 1 per chunk per direction,
	// wrapping from the maximum 32-bit value to 1.
	SequenceNumber uint32

	// RequestID is shared by all chunks of one logical message.
	RequestID uint32
}

// Encode appends the sequence header to w.
func (h *SequenceHeader) Encode(w *wire.Writer) {
	w.WriteUint32(h.SequenceNumber)
	w.WriteUint32(h.RequestID)
}

// DecodeSequenceHeader reads a sequence header from r.
func DecodeSequenceHeader(r *wire.Reader) (*SequenceHeader, error) {
	seq, err := r.ReadUint32()
	if err != nil {
		return nil, fmt.Errorf("%w: sequence number: %v", ErrTruncatedChunk, err)
	}
	req, err := r.ReadUint32()
	if err != nil {
		return nil, fmt.Errorf("%w: request id: %v", ErrTruncatedChunk, err)
	}
	return &SequenceHeader{SequenceNumber: seq, RequestID: req}, nil
}

// HeaderKind selects which security header shape a chunk carries.
// The channel state machine picks the kind from its handshake state;
// the framer never infers it from header bytes.
type HeaderKind int

const (
	// KindAsymmetric selects the handshake header shape.
	KindAsymmetric HeaderKind = iota

	// KindSymmetric selects the established-session header shape.
	KindSymmetric
)

// Envelope is a fully decoded chunk.
// Exactly one of Asymmetric and Symmetric is set, matching the
// HeaderKind the chunk was decoded with.
type Envelope struct {
	Type      string
	Flag      Flag
	ChannelID uint32

	Asymmetric *secheader.Asymmetric
	Symmetric  *secheader.Symmetric

	Sequence SequenceHeader
	Body     []byte
}

// securityHeaderSize returns the encoded security header length.
func (e *Envelope) securityHeaderSize() int {
	if e.Asymmetric != nil {
		return e.Asymmetric.EncodedSize()
	}
	return secheader.SymmetricEncodedSize
}

// EncodedSize returns the total chunk length the envelope will encode to.
func (e *Envelope) EncodedSize() int {
	return HeaderSize + e.securityHeaderSize() + SequenceHeaderSize + len(e.Body)
}

// Encode serializes the envelope. maxChunkSize, when non-zero, is the
// negotiated ceiling for the total chunk length.
func Encode(e *Envelope, maxChunkSize uint32) ([]byte, error) {
	if !channelTypes[e.Type] {
		return nil, fmt.Errorf("%w: %q is not a channel message type", ErrUnknownMessageType, e.Type)
	}
	if !e.Flag.Valid() {
		return nil, fmt.Errorf("%w: %#x", ErrInvalidChunkFlag, byte(e.Flag))
	}
	if (e.Asymmetric == nil) == (e.Symmetric == nil) {
		return nil, fmt.Errorf("%w: exactly one security header shape required", secheader.ErrMalformedHeader)
	}

	total := e.EncodedSize()
	if maxChunkSize != 0 && uint32(total) > maxChunkSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrBodyTooLarge, total, maxChunkSize)
	}

	w := wire.NewWriter(total)
	w.WriteRaw([]byte(e.Type))
	w.WriteUint8(byte(e.Flag))
	w.WriteUint32(uint32(total))
	w.WriteUint32(e.ChannelID)
	if e.Asymmetric != nil {
		if err := e.Asymmetric.Encode(w); err != nil {
			return nil, err
		}
	} else {
		e.Symmetric.Encode(w)
	}
	e.Sequence.Encode(w)
	w.WriteRaw(e.Body)
	return w.Bytes(), nil
}

// Decode parses a chunk envelope. kind selects the security header
// shape to expect; maxChunkSize, when non-zero, is the negotiated
// ceiling enforced before any further parsing.
func Decode(data []byte, kind HeaderKind, maxChunkSize uint32) (*Envelope, error) {
	prefix, err := DecodePrefix(data)
	if err != nil {
		return nil, err
	}
	if !channelTypes[prefix.Type] {
		return nil, fmt.Errorf("%w: %q is not a channel message type", ErrUnknownMessageType, prefix.Type)
	}
	if maxChunkSize != 0 && prefix.MessageSize > maxChunkSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrChunkSizeExceeded, prefix.MessageSize, maxChunkSize)
	}
	if uint32(len(data)) < prefix.MessageSize {
		return nil, fmt.Errorf("%w: %d bytes available, %d declared",
			ErrTruncatedChunk, len(data), prefix.MessageSize)
	}
	if prefix.MessageSize < uint32(HeaderSize+SequenceHeaderSize) {
		return nil, fmt.Errorf("%w: declared size %d below minimum envelope",
			ErrTruncatedChunk, prefix.MessageSize)
	}

	r := wire.NewReader(data[:prefix.MessageSize])
	_, _ = r.ReadRaw(PrefixSize)
	channelID, _ := r.ReadUint32()

	e := &Envelope{
		Type:      prefix.Type,
		Flag:      prefix.Flag,
		ChannelID: channelID,
	}

	switch kind {
	case KindAsymmetric:
		h, err := secheader.DecodeAsymmetric(r)
		if err != nil {
			return nil, err
		}
		e.Asymmetric = h
	case KindSymmetric:
		h, err := secheader.DecodeSymmetric(r)
		if err != nil {
			return nil, err
		}
		e.Symmetric = h
	default:
		return nil, fmt.Errorf("%w: header kind %d", secheader.ErrMalformedHeader, kind)
	}

	seq, err := DecodeSequenceHeader(r)
	if err != nil {
		return nil, err
	}
	e.Sequence = *seq

	body, err := r.ReadRaw(r.Remaining())
	if err != nil {
		return nil, fmt.Errorf("%w: body: %v", ErrTruncatedChunk, err)
	}
	e.Body = body
	return e, nil
}

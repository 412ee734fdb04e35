package channel

import (
	"fmt"
	"sync"
	"time"

	"github.com/uasc-protocol/uasc-go/pkg/chunk"
	"github.com/uasc-protocol/uasc-go/pkg/log"
	"github.com/uasc-protocol/uasc-go/pkg/policy"
	"github.com/uasc-protocol/uasc-go/pkg/secheader"
	"github.com/uasc-protocol/uasc-go/pkg/wire"
)

// State is the secure channel lifecycle state.
type State int

const (
	// StateClosed means the channel has no usable key material. Both
	// the initial and the terminal state.
	StateClosed State = iota

	// StateOpening means the asymmetric handshake is in flight.
	StateOpening

	// StateOpen means symmetric traffic flows under the current token.
	StateOpen

	// StateRenewing means a token renewal handshake is in flight while
	// symmetric traffic continues under the current token.
	StateRenewing
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpening:
		return "OPENING"
	case StateOpen:
		return "OPEN"
	case StateRenewing:
		return "RENEWING"
	default:
		return "UNKNOWN"
	}
}

// Role distinguishes the side that requested the channel from the side
// that granted it.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

// String returns the role name.
func (r Role) String() string {
	if r == RoleServer {
		return "SERVER"
	}
	return "CLIENT"
}

// Negotiation and lifetime defaults.
const (
	// DefaultMaxChunkSize bounds one chunk on the wire.
	DefaultMaxChunkSize = 65535

	// DefaultMaxMessageSize bounds one reassembled message.
	DefaultMaxMessageSize = 16 << 20

	// DefaultMaxChunkCount bounds the chunks of one message.
	DefaultMaxChunkCount = 256

	// DefaultMaxPendingRequests bounds concurrent reassemblies.
	DefaultMaxPendingRequests = 64

	// DefaultTokenLifetime is the issued token lifetime when the
	// requester asks for none.
	DefaultTokenLifetime = time.Hour

	// maxRenewalGrace caps how long a superseded token stays
	// acceptable for inbound traffic.
	maxRenewalGrace = time.Minute
)

// RenewalGraceFor returns the inbound acceptance window for a
// superseded token: a quarter of the lifetime, capped at one minute.
func RenewalGraceFor(lifetime time.Duration) time.Duration {
	grace := lifetime / 4
	if grace > maxRenewalGrace {
		grace = maxRenewalGrace
	}
	return grace
}

// symmetricHeaderOffset is where the encrypted region of a symmetric
// chunk starts: after the chunk header and the token id.
const symmetricHeaderOffset = chunk.HeaderSize + secheader.SymmetricEncodedSize

// Config parameterizes one secure channel.
type Config struct {
	// ChannelID is the id assigned by the server side.
	ChannelID uint32

	// Policy is the negotiated security policy.
	Policy *policy.Policy

	// Role is which side of the handshake this channel is.
	Role Role

	// MaxChunkSize bounds one chunk in either direction. Zero means
	// DefaultMaxChunkSize.
	MaxChunkSize uint32

	// MaxMessageSize bounds one reassembled message. Zero means
	// DefaultMaxMessageSize.
	MaxMessageSize uint32

	// MaxChunkCount bounds the chunks of one message. Zero means
	// DefaultMaxChunkCount.
	MaxChunkCount int

	// MaxPendingRequests bounds concurrent inbound reassemblies. Zero
	// means DefaultMaxPendingRequests.
	MaxPendingRequests int

	// ConnectionID tags log events with the transport connection.
	ConnectionID string

	// Logger receives channel events. Nil means no logging.
	Logger log.Logger

	// Now overrides the clock, for tests. Nil means time.Now.
	Now func() time.Time
}

func (c *Config) applyDefaults() {
	if c.MaxChunkSize == 0 {
		c.MaxChunkSize = DefaultMaxChunkSize
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.MaxChunkCount == 0 {
		c.MaxChunkCount = DefaultMaxChunkCount
	}
	if c.MaxPendingRequests == 0 {
		c.MaxPendingRequests = DefaultMaxPendingRequests
	}
	if c.Logger == nil {
		c.Logger = log.NoopLogger{}
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// SecureChannel is one side of an established secure channel. It
// secures outbound messages into chunk sequences and verifies,
// decrypts, orders and reassembles inbound chunks.
//
// All methods are safe for concurrent use. A cryptographic fault,
// sequence gap or protocol violation closes the channel; every later
// call reports ErrChannelClosed wrapping the original fault.
type SecureChannel struct {
	cfg Config

	mu    sync.Mutex
	state State
	fault error

	sendSeq sendSequence
	recvSeq recvSequence
	asm     *assembler

	current    *SecurityToken
	previous   *SecurityToken
	graceUntil time.Time
}

// NewSecureChannel builds a channel in the Closed state.
func NewSecureChannel(cfg Config) (*SecureChannel, error) {
	if cfg.Policy == nil {
		return nil, fmt.Errorf("%w: policy is required", ErrInvalidSecurityPolicy)
	}
	cfg.applyDefaults()
	return &SecureChannel{
		cfg:   cfg,
		state: StateClosed,
		asm:   newAssembler(cfg.MaxPendingRequests, cfg.MaxMessageSize, cfg.MaxChunkCount),
	}, nil
}

// ChannelID returns the server-assigned channel id.
func (c *SecureChannel) ChannelID() uint32 { return c.cfg.ChannelID }

// Policy returns the negotiated security policy.
func (c *SecureChannel) Policy() *policy.Policy { return c.cfg.Policy }

// State returns the current lifecycle state.
func (c *SecureChannel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Fault returns the error that closed the channel, or nil.
func (c *SecureChannel) Fault() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fault
}

// CurrentToken returns the active security token, or nil before the
// handshake completes.
func (c *SecureChannel) CurrentToken() *SecurityToken {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// StartOpening transitions Closed to Opening when the asymmetric
// handshake begins.
func (c *SecureChannel) StartOpening() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateClosed || c.fault != nil {
		return fmt.Errorf("%w: cannot open from %s", ErrInvalidState, c.state)
	}
	c.setStateLocked(StateOpening, "asymmetric handshake started")
	return nil
}

// CompleteOpen installs the first security token and transitions the
// channel to Open.
func (c *SecureChannel) CompleteOpen(token *SecurityToken) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateOpening {
		return fmt.Errorf("%w: cannot complete open from %s", ErrInvalidState, c.state)
	}
	c.current = token
	c.setStateLocked(StateOpen, fmt.Sprintf("token %d installed", token.ID))
	return nil
}

// BeginRenewal transitions Open to Renewing when a renewal handshake
// starts. Symmetric traffic continues under the current token.
func (c *SecureChannel) BeginRenewal() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateOpen {
		return fmt.Errorf("%w: cannot renew from %s", ErrInvalidState, c.state)
	}
	c.setStateLocked(StateRenewing, "token renewal started")
	return nil
}

// CompleteRenewal installs the renewed token. The superseded token
// stays valid for inbound chunks until its grace window ends or the
// new token is first used outbound, whichever comes first.
func (c *SecureChannel) CompleteRenewal(token *SecurityToken) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateRenewing {
		return fmt.Errorf("%w: cannot complete renewal from %s", ErrInvalidState, c.state)
	}
	c.previous = c.current
	c.graceUntil = c.cfg.Now().Add(RenewalGraceFor(token.Lifetime))
	c.current = token
	c.setStateLocked(StateOpen, fmt.Sprintf("token renewed to %d", token.ID))
	return nil
}

// Inbound is the result of processing one inbound chunk.
type Inbound struct {
	// Type is the chunk's message type tag.
	Type string

	// Flag is the chunk flag.
	Flag chunk.Flag

	// SequenceNumber and RequestID come from the decrypted sequence
	// header.
	SequenceNumber uint32
	RequestID      uint32

	// TokenID is the token that secured the chunk.
	TokenID uint32

	// Outcome reports what the chunk produced for its request.
	Outcome Outcome

	// Message is the complete reassembled message when Outcome is
	// OutcomeComplete, nil otherwise.
	Message []byte
}

// SecureOutbound secures one logical message into an ordered chunk
// sequence. msgType is TypeMessage or TypeCloseChannel; all chunks
// share requestID. The payload is split so every chunk, including its
// security overhead, fits the negotiated chunk size.
func (c *SecureChannel) SecureOutbound(msgType string, requestID uint32, payload []byte) ([][]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.trafficAllowedLocked(); err != nil {
		return nil, err
	}
	if msgType != chunk.TypeMessage && msgType != chunk.TypeCloseChannel {
		return nil, fmt.Errorf("%w: %q is not a symmetric message type", chunk.ErrUnknownMessageType, msgType)
	}

	// First outbound use of a renewed token ends the previous token's
	// inbound grace early.
	c.previous = nil

	maxBody := c.maxBodyLocked()
	if maxBody <= 0 {
		return nil, fmt.Errorf("%w: negotiated chunk size %d leaves no room for a body",
			chunk.ErrBodyTooLarge, c.cfg.MaxChunkSize)
	}
	if uint32(len(payload)) > c.cfg.MaxMessageSize {
		return nil, fmt.Errorf("%w: %d > %d", chunk.ErrBodyTooLarge, len(payload), c.cfg.MaxMessageSize)
	}
	count := (len(payload) + maxBody - 1) / maxBody
	if count == 0 {
		count = 1
	}
	if count > c.cfg.MaxChunkCount {
		return nil, fmt.Errorf("%w: %d chunks needed, maximum %d",
			chunk.ErrBodyTooLarge, count, c.cfg.MaxChunkCount)
	}

	chunks := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		start := i * maxBody
		end := start + maxBody
		if end > len(payload) {
			end = len(payload)
		}
		flag := chunk.FlagIntermediate
		if i == count-1 {
			flag = chunk.FlagFinal
		}
		data, err := c.encodeSymmetricLocked(msgType, flag, requestID, payload[start:end])
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, data)
	}
	return chunks, nil
}

// SecureAbort secures a single abort chunk cancelling requestID. The
// body carries the status code and reason, matching the error chunk
// payload shape.
func (c *SecureChannel) SecureAbort(requestID uint32, code uint32, reason string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.trafficAllowedLocked(); err != nil {
		return nil, err
	}
	c.previous = nil

	w := wire.NewWriter(8 + len(reason))
	w.WriteUint32(code)
	w.WriteString(reason)
	return c.encodeSymmetricLocked(chunk.TypeMessage, chunk.FlagAbort, requestID, w.Bytes())
}

// Close secures a final close chunk and transitions the channel to
// Closed. The caller sends the chunk; the peer does not acknowledge.
func (c *SecureChannel) Close(requestID uint32) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.trafficAllowedLocked(); err != nil {
		return nil, err
	}
	c.previous = nil

	data, err := c.encodeSymmetricLocked(chunk.TypeCloseChannel, chunk.FlagFinal, requestID, nil)
	if err != nil {
		return nil, err
	}
	c.closeLocked("close requested")
	return data, nil
}

// SecureInbound verifies, decrypts and orders one inbound symmetric
// chunk, feeding its body into reassembly. Cryptographic faults,
// sequence gaps, unknown or expired tokens and channel id mismatches
// close the channel. A reassembly limit violation fails only the
// offending request.
func (c *SecureChannel) SecureInbound(data []byte) (*Inbound, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.trafficAllowedLocked(); err != nil {
		return nil, err
	}

	prefix, err := chunk.DecodePrefix(data)
	if err != nil {
		return nil, c.failLocked(err, "decoding chunk prefix")
	}
	if prefix.Type != chunk.TypeMessage && prefix.Type != chunk.TypeCloseChannel {
		return nil, c.failLocked(fmt.Errorf("%w: %q is not a symmetric message type",
			chunk.ErrUnknownMessageType, prefix.Type), "decoding chunk prefix")
	}
	if prefix.MessageSize > c.cfg.MaxChunkSize {
		return nil, c.failLocked(fmt.Errorf("%w: %d > %d",
			chunk.ErrChunkSizeExceeded, prefix.MessageSize, c.cfg.MaxChunkSize), "decoding chunk prefix")
	}
	if uint32(len(data)) < prefix.MessageSize || prefix.MessageSize < symmetricHeaderOffset+chunk.SequenceHeaderSize {
		return nil, c.failLocked(fmt.Errorf("%w: %d bytes available, %d declared",
			chunk.ErrTruncatedChunk, len(data), prefix.MessageSize), "decoding chunk prefix")
	}
	data = data[:prefix.MessageSize]

	r := wire.NewReader(data[chunk.PrefixSize:symmetricHeaderOffset])
	channelID, _ := r.ReadUint32()
	tokenID, _ := r.ReadUint32()
	if channelID != c.cfg.ChannelID {
		return nil, c.failLocked(fmt.Errorf("%w: chunk names channel %d",
			ErrChannelNotFound, channelID), "matching channel id")
	}

	now := c.cfg.Now()
	token, err := c.tokenForLocked(tokenID, now)
	if err != nil {
		return nil, c.failLocked(err, "selecting security token")
	}

	seq, body, err := c.openSymmetricLocked(token, data)
	if err != nil {
		return nil, c.failLocked(err, "opening chunk")
	}
	if err := c.recvSeq.Accept(seq.SequenceNumber); err != nil {
		return nil, c.failLocked(err, "checking sequence continuity")
	}

	c.logChunk(log.DirectionIn, prefix.Type, prefix.Flag, len(data), seq, tokenID, data)

	in := &Inbound{
		Type:           prefix.Type,
		Flag:           prefix.Flag,
		SequenceNumber: seq.SequenceNumber,
		RequestID:      seq.RequestID,
		TokenID:        tokenID,
	}

	if prefix.Type == chunk.TypeCloseChannel {
		in.Outcome = OutcomeComplete
		in.Message = body
		c.closeLocked("close received")
		return in, nil
	}

	outcome, message, err := c.asm.Add(seq.RequestID, prefix.Flag, body)
	if err != nil {
		// Limit violations fail the request, not the channel.
		c.logError(err, fmt.Sprintf("reassembling request %d", seq.RequestID))
		return nil, err
	}
	in.Outcome = outcome
	in.Message = message
	return in, nil
}

// trafficAllowedLocked checks that symmetric traffic is legal now.
func (c *SecureChannel) trafficAllowedLocked() error {
	if c.fault != nil {
		return fmt.Errorf("%w: %w", ErrChannelClosed, c.fault)
	}
	switch c.state {
	case StateOpen, StateRenewing:
		return nil
	case StateClosed:
		return ErrChannelClosed
	default:
		return fmt.Errorf("%w: channel is %s", ErrInvalidState, c.state)
	}
}

// maxBodyLocked returns the largest plaintext body that fits one chunk
// after headers, worst-case padding and the signature.
func (c *SecureChannel) maxBodyLocked() int {
	p := c.cfg.Policy
	capacity := int(c.cfg.MaxChunkSize) - symmetricHeaderOffset - chunk.SequenceHeaderSize
	capacity -= p.SymmetricSignatureSize()
	if block := p.SymmetricBlockSize(); block > 1 {
		capacity -= block
	}
	return capacity
}

// encodeSymmetricLocked secures one chunk: headers, sequence header,
// body and padding are signed, then everything after the token id is
// encrypted.
func (c *SecureChannel) encodeSymmetricLocked(msgType string, flag chunk.Flag, requestID uint32, body []byte) ([]byte, error) {
	p := c.cfg.Policy
	token := c.current
	if token.Expired(c.cfg.Now()) {
		return nil, c.failLocked(fmt.Errorf("%w: token %d", ErrTokenExpired, token.ID), "securing chunk")
	}

	sigSize := p.SymmetricSignatureSize()
	padding := buildPadding(chunk.SequenceHeaderSize+len(body)+sigSize, p.SymmetricBlockSize())

	seq := chunk.SequenceHeader{
		SequenceNumber: c.sendSeq.Next(),
		RequestID:      requestID,
	}

	total := symmetricHeaderOffset + chunk.SequenceHeaderSize + len(body) + len(padding) + sigSize
	if uint32(total) > c.cfg.MaxChunkSize {
		return nil, fmt.Errorf("%w: %d > %d", chunk.ErrBodyTooLarge, total, c.cfg.MaxChunkSize)
	}

	w := wire.NewWriter(total)
	w.WriteRaw([]byte(msgType))
	w.WriteUint8(byte(flag))
	w.WriteUint32(uint32(total))
	w.WriteUint32(c.cfg.ChannelID)
	w.WriteUint32(token.ID)
	seq.Encode(w)
	w.WriteRaw(body)
	w.WriteRaw(padding)
	out := w.Bytes()

	if sigSize > 0 {
		sig, err := p.SymmetricSign(token.LocalKeys.SigningKey, out)
		if err != nil {
			return nil, err
		}
		out = append(out, sig...)
	}

	if p.SymmetricBlockSize() > 1 {
		enc, err := p.SymmetricEncrypt(token.LocalKeys.EncryptionKey, token.LocalKeys.IV, out[symmetricHeaderOffset:])
		if err != nil {
			return nil, err
		}
		copy(out[symmetricHeaderOffset:], enc)
	}

	c.logChunk(log.DirectionOut, msgType, flag, len(out), &seq, token.ID, out)
	return out, nil
}

// openSymmetricLocked decrypts and verifies one inbound chunk, and
// strips padding and signature. data is the complete chunk.
func (c *SecureChannel) openSymmetricLocked(token *SecurityToken, data []byte) (*chunk.SequenceHeader, []byte, error) {
	p := c.cfg.Policy

	region := data[symmetricHeaderOffset:]
	if p.SymmetricBlockSize() > 1 {
		plain, err := p.SymmetricDecrypt(token.RemoteKeys.EncryptionKey, token.RemoteKeys.IV, region)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
		}
		region = plain
	}

	sigSize := p.SymmetricSignatureSize()
	if len(region) < chunk.SequenceHeaderSize+sigSize {
		return nil, nil, fmt.Errorf("%w: %d plaintext bytes", ErrDecryptionFailed, len(region))
	}
	sigStart := len(region) - sigSize
	if sigSize > 0 {
		signed := make([]byte, 0, symmetricHeaderOffset+sigStart)
		signed = append(signed, data[:symmetricHeaderOffset]...)
		signed = append(signed, region[:sigStart]...)
		if err := p.SymmetricVerify(token.RemoteKeys.SigningKey, signed, region[sigStart:]); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
		}
	}

	payload := region[:sigStart]
	if p.SymmetricBlockSize() > 1 {
		var err error
		payload, err = stripPadding(payload, chunk.SequenceHeaderSize)
		if err != nil {
			return nil, nil, err
		}
	}

	r := wire.NewReader(payload)
	seq, err := chunk.DecodeSequenceHeader(r)
	if err != nil {
		return nil, nil, err
	}
	body := make([]byte, r.Remaining())
	copy(body, payload[chunk.SequenceHeaderSize:])
	return seq, body, nil
}

// tokenForLocked resolves a token id to key material, honoring the
// renewal grace window for the superseded token.
func (c *SecureChannel) tokenForLocked(id uint32, now time.Time) (*SecurityToken, error) {
	if c.current != nil && id == c.current.ID {
		if c.current.Expired(now) {
			return nil, fmt.Errorf("%w: token %d", ErrTokenExpired, id)
		}
		return c.current, nil
	}
	if c.previous != nil && id == c.previous.ID {
		if now.After(c.graceUntil) || c.previous.Expired(now) {
			return nil, fmt.Errorf("%w: superseded token %d past grace", ErrTokenExpired, id)
		}
		return c.previous, nil
	}
	return nil, fmt.Errorf("%w: token %d", ErrUnknownToken, id)
}

// failLocked records the first fault, closes the channel and returns
// the fault for the caller to propagate.
func (c *SecureChannel) failLocked(err error, context string) error {
	if c.fault == nil {
		c.fault = err
		c.logError(err, context)
		c.closeLocked("fault: " + err.Error())
	}
	return err
}

func (c *SecureChannel) closeLocked(reason string) {
	if c.state == StateClosed {
		return
	}
	c.asm.Reset()
	c.current = nil
	c.previous = nil
	c.setStateLocked(StateClosed, reason)
}

func (c *SecureChannel) setStateLocked(next State, reason string) {
	prev := c.state
	c.state = next
	c.cfg.Logger.Log(log.Event{
		Timestamp:    c.cfg.Now(),
		ConnectionID: c.cfg.ConnectionID,
		ChannelID:    c.cfg.ChannelID,
		Direction:    log.DirectionOut,
		Layer:        log.LayerChannel,
		Category:     log.CategoryState,
		StateChange: &log.StateChangeEvent{
			OldState: prev.String(),
			NewState: next.String(),
			Reason:   reason,
		},
	})
}

func (c *SecureChannel) logChunk(dir log.Direction, msgType string, flag chunk.Flag, size int, seq *chunk.SequenceHeader, tokenID uint32, data []byte) {
	clipped, truncated := log.TruncateChunkData(data)
	c.cfg.Logger.Log(log.Event{
		Timestamp:    c.cfg.Now(),
		ConnectionID: c.cfg.ConnectionID,
		ChannelID:    c.cfg.ChannelID,
		Direction:    dir,
		Layer:        log.LayerChannel,
		Category:     log.CategoryChunk,
		Chunk: &log.ChunkEvent{
			Type:           msgType,
			Flag:           flag.String(),
			Size:           size,
			SequenceNumber: seq.SequenceNumber,
			RequestID:      seq.RequestID,
			TokenID:        tokenID,
			Data:           clipped,
			Truncated:      truncated,
		},
	})
}

func (c *SecureChannel) logError(err error, context string) {
	c.cfg.Logger.Log(log.Event{
		Timestamp:    c.cfg.Now(),
		ConnectionID: c.cfg.ConnectionID,
		ChannelID:    c.cfg.ChannelID,
		Direction:    log.DirectionIn,
		Layer:        log.LayerChannel,
		Category:     log.CategoryError,
		Error: &log.ErrorEventData{
			Layer:   log.LayerChannel,
			Message: err.Error(),
			Context: context,
		},
	})
}

// buildPadding returns the padding field for a plaintext region that
// currently holds unpadded bytes, aligning the region to blockSize.
// The first byte is the padding size, followed by that many bytes each
// holding the same value. No padding under a block size of 1.
func buildPadding(unpadded, blockSize int) []byte {
	if blockSize <= 1 {
		return nil
	}
	padSize := blockSize - (unpadded+1)%blockSize
	if padSize == blockSize {
		padSize = 0
	}
	padding := make([]byte, padSize+1)
	for i := range padding {
		padding[i] = byte(padSize)
	}
	return padding
}

// stripPadding removes the padding field from the end of a decrypted
// region, validating every padding byte. minLen is the shortest legal
// result.
func stripPadding(region []byte, minLen int) ([]byte, error) {
	if len(region) < 1 {
		return nil, fmt.Errorf("%w: region too short for padding", ErrDecryptionFailed)
	}
	padSize := int(region[len(region)-1])
	end := len(region) - padSize - 1
	if end < minLen {
		return nil, fmt.Errorf("%w: padding size %d exceeds region", ErrDecryptionFailed, padSize)
	}
	for _, b := range region[end:] {
		if int(b) != padSize {
			return nil, fmt.Errorf("%w: inconsistent padding", ErrDecryptionFailed)
		}
	}
	return region[:end], nil
}

package channel

import (
	"fmt"
	"time"

	"github.com/uasc-protocol/uasc-go/pkg/secheader"
	"github.com/uasc-protocol/uasc-go/pkg/wire"
)

// Open request types.
const (
	// RequestIssue asks for a new channel and its first token.
	RequestIssue uint32 = 0

	// RequestRenew asks for a replacement token on an open channel.
	RequestRenew uint32 = 1
)

// OpenRequest is the payload of a channel-open chunk sent by the
// client.
type OpenRequest struct {
	// RequestType is RequestIssue or RequestRenew.
	RequestType uint32

	// RequestedLifetime is the token lifetime the client asks for.
	// Zero lets the server choose.
	RequestedLifetime time.Duration

	// ClientNonce seeds the server-to-client key derivation.
	ClientNonce []byte
}

// Encode serializes the request payload.
func (req *OpenRequest) Encode() []byte {
	w := wire.NewWriter(12 + len(req.ClientNonce))
	w.WriteUint32(req.RequestType)
	w.WriteUint32(uint32(req.RequestedLifetime / time.Millisecond))
	w.WriteByteString(req.ClientNonce)
	return w.Bytes()
}

// DecodeOpenRequest parses a channel-open request payload.
func DecodeOpenRequest(data []byte) (*OpenRequest, error) {
	r := wire.NewReader(data)
	reqType, err := r.ReadUint32()
	if err != nil {
		return nil, fmt.Errorf("%w: request type: %v", secheader.ErrMalformedHeader, err)
	}
	if reqType != RequestIssue && reqType != RequestRenew {
		return nil, fmt.Errorf("%w: request type %d", secheader.ErrMalformedHeader, reqType)
	}
	lifetimeMs, err := r.ReadUint32()
	if err != nil {
		return nil, fmt.Errorf("%w: requested lifetime: %v", secheader.ErrMalformedHeader, err)
	}
	nonce, err := r.ReadByteString()
	if err != nil {
		return nil, fmt.Errorf("%w: client nonce: %v", secheader.ErrMalformedHeader, err)
	}
	return &OpenRequest{
		RequestType:       reqType,
		RequestedLifetime: time.Duration(lifetimeMs) * time.Millisecond,
		ClientNonce:       nonce,
	}, nil
}

// OpenResponse is the payload of a channel-open chunk sent by the
// server.
type OpenResponse struct {
	// ChannelID is the server-assigned channel id.
	ChannelID uint32

	// TokenID names the issued token.
	TokenID uint32

	// RevisedLifetime is the lifetime the server granted.
	RevisedLifetime time.Duration

	// ServerNonce seeds the client-to-server key derivation.
	ServerNonce []byte
}

// Encode serializes the response payload.
func (resp *OpenResponse) Encode() []byte {
	w := wire.NewWriter(16 + len(resp.ServerNonce))
	w.WriteUint32(resp.ChannelID)
	w.WriteUint32(resp.TokenID)
	w.WriteUint32(uint32(resp.RevisedLifetime / time.Millisecond))
	w.WriteByteString(resp.ServerNonce)
	return w.Bytes()
}

// DecodeOpenResponse parses a channel-open response payload.
func DecodeOpenResponse(data []byte) (*OpenResponse, error) {
	r := wire.NewReader(data)
	channelID, err := r.ReadUint32()
	if err != nil {
		return nil, fmt.Errorf("%w: channel id: %v", secheader.ErrMalformedHeader, err)
	}
	tokenID, err := r.ReadUint32()
	if err != nil {
		return nil, fmt.Errorf("%w: token id: %v", secheader.ErrMalformedHeader, err)
	}
	lifetimeMs, err := r.ReadUint32()
	if err != nil {
		return nil, fmt.Errorf("%w: revised lifetime: %v", secheader.ErrMalformedHeader, err)
	}
	nonce, err := r.ReadByteString()
	if err != nil {
		return nil, fmt.Errorf("%w: server nonce: %v", secheader.ErrMalformedHeader, err)
	}
	return &OpenResponse{
		ChannelID:       channelID,
		TokenID:         tokenID,
		RevisedLifetime: time.Duration(lifetimeMs) * time.Millisecond,
		ServerNonce:     nonce,
	}, nil
}

// primeSequences records sequence numbers consumed by the handshake,
// which shares numbering with the symmetric traffic that follows.
func (c *SecureChannel) primeSequences(lastSent, lastReceived uint32) {
	c.sendSeq.mu.Lock()
	c.sendSeq.last = lastSent
	c.sendSeq.mu.Unlock()

	c.mu.Lock()
	c.recvSeq.last = lastReceived
	c.mu.Unlock()
}

// nextSendSequence issues an outbound sequence number for a handshake
// chunk sent within the open channel.
func (c *SecureChannel) nextSendSequence() uint32 {
	return c.sendSeq.Next()
}

// acceptRecvSequence validates the sequence number of a handshake
// chunk received within the open channel.
func (c *SecureChannel) acceptRecvSequence(n uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.recvSeq.Accept(n); err != nil {
		return c.failLocked(err, "checking handshake sequence continuity")
	}
	return nil
}

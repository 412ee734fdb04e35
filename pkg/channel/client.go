package channel

import (
	"crypto"
	"fmt"
	"time"

	"github.com/uasc-protocol/uasc-go/pkg/chunk"
	"github.com/uasc-protocol/uasc-go/pkg/log"
	"github.com/uasc-protocol/uasc-go/pkg/policy"
)

// ClientConfig parameterizes the client side of the channel-open
// handshake.
type ClientConfig struct {
	// Policy is the policy to request.
	Policy *policy.Policy

	// Certificate is the client's DER-encoded certificate.
	Certificate []byte

	// Key is the client's private key.
	Key crypto.PrivateKey

	// ServerCertificate is the server's DER-encoded certificate,
	// obtained out of band or from endpoint discovery. Nil under None.
	ServerCertificate []byte

	// TrustStore validates the certificate the server presents.
	TrustStore TrustStore

	// RequestedLifetime is the token lifetime to ask for. Zero lets
	// the server choose.
	RequestedLifetime time.Duration

	// Channel limits, zero for defaults.
	MaxChunkSize       uint32
	MaxMessageSize     uint32
	MaxChunkCount      int
	MaxPendingRequests int

	// ConnectionID tags log events with the transport connection.
	ConnectionID string

	// Logger receives channel events. Nil means no logging.
	Logger log.Logger

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Client drives the client side of the channel-open and token renewal
// handshakes. One Client serves one connection.
type Client struct {
	cfg ClientConfig
	ctx *AsymmetricContext

	// nonce of the request in flight, consumed by the completion.
	pendingNonce []byte
}

// NewClient builds a handshake client, validating the certificate
// material against the policy.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Policy == nil {
		return nil, fmt.Errorf("%w: policy is required", ErrInvalidSecurityPolicy)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	ctx, err := NewAsymmetricContext(cfg.Policy, cfg.Certificate, cfg.Key, cfg.ServerCertificate)
	if err != nil {
		return nil, err
	}
	return &Client{cfg: cfg, ctx: ctx}, nil
}

// OpenRequest secures the initial channel-open chunk. The channel id
// is zero until the server assigns one.
func (cl *Client) OpenRequest(requestID uint32) ([]byte, error) {
	nonce, err := NewNonce(cl.cfg.Policy)
	if err != nil {
		return nil, err
	}
	cl.pendingNonce = nonce

	req := OpenRequest{
		RequestType:       RequestIssue,
		RequestedLifetime: cl.cfg.RequestedLifetime,
		ClientNonce:       nonce,
	}
	return SecureOpenChunk(cl.ctx, 0, chunk.SequenceHeader{
		SequenceNumber: 1,
		RequestID:      requestID,
	}, req.Encode())
}

// CompleteOpen verifies the server's open response and returns the
// established channel.
func (cl *Client) CompleteOpen(data []byte) (*SecureChannel, error) {
	oc, resp, err := cl.verifyResponse(data)
	if err != nil {
		return nil, err
	}
	if oc.Sequence.SequenceNumber != 1 {
		return nil, fmt.Errorf("%w: got %d, want 1",
			ErrSequenceNumberMismatch, oc.Sequence.SequenceNumber)
	}

	token, err := deriveToken(resp.TokenID, cl.cfg.Policy, cl.pendingNonce, resp.ServerNonce,
		resp.RevisedLifetime, cl.cfg.Now())
	if err != nil {
		return nil, err
	}
	cl.pendingNonce = nil

	ch, err := NewSecureChannel(Config{
		ChannelID:          resp.ChannelID,
		Policy:             cl.cfg.Policy,
		Role:               RoleClient,
		MaxChunkSize:       cl.cfg.MaxChunkSize,
		MaxMessageSize:     cl.cfg.MaxMessageSize,
		MaxChunkCount:      cl.cfg.MaxChunkCount,
		MaxPendingRequests: cl.cfg.MaxPendingRequests,
		ConnectionID:       cl.cfg.ConnectionID,
		Logger:             cl.cfg.Logger,
		Now:                cl.cfg.Now,
	})
	if err != nil {
		return nil, err
	}
	if err := ch.StartOpening(); err != nil {
		return nil, err
	}
	if err := ch.CompleteOpen(token); err != nil {
		return nil, err
	}
	ch.primeSequences(1, 1)
	return ch, nil
}

// RenewRequest secures a token renewal chunk for an open channel.
func (cl *Client) RenewRequest(ch *SecureChannel, requestID uint32) ([]byte, error) {
	if err := ch.BeginRenewal(); err != nil {
		return nil, err
	}
	nonce, err := NewNonce(cl.cfg.Policy)
	if err != nil {
		return nil, err
	}
	cl.pendingNonce = nonce

	req := OpenRequest{
		RequestType:       RequestRenew,
		RequestedLifetime: cl.cfg.RequestedLifetime,
		ClientNonce:       nonce,
	}
	return SecureOpenChunk(cl.ctx, ch.ChannelID(), chunk.SequenceHeader{
		SequenceNumber: ch.nextSendSequence(),
		RequestID:      requestID,
	}, req.Encode())
}

// CompleteRenewal verifies the server's renewal response and installs
// the new token on the channel.
func (cl *Client) CompleteRenewal(ch *SecureChannel, data []byte) error {
	oc, resp, err := cl.verifyResponse(data)
	if err != nil {
		return err
	}
	if resp.ChannelID != ch.ChannelID() {
		return fmt.Errorf("%w: response names channel %d", ErrChannelNotFound, resp.ChannelID)
	}
	if err := ch.acceptRecvSequence(oc.Sequence.SequenceNumber); err != nil {
		return err
	}

	token, err := deriveToken(resp.TokenID, cl.cfg.Policy, cl.pendingNonce, resp.ServerNonce,
		resp.RevisedLifetime, cl.cfg.Now())
	if err != nil {
		return err
	}
	cl.pendingNonce = nil
	return ch.CompleteRenewal(token)
}

// verifyResponse opens an inbound handshake chunk and decodes its
// response payload.
func (cl *Client) verifyResponse(data []byte) (*OpenChunk, *OpenResponse, error) {
	oc, err := OpenOpenChunk(data, cl.cfg.Certificate, cl.cfg.Key, cl.cfg.TrustStore, cl.cfg.MaxChunkSize)
	if err != nil {
		return nil, nil, err
	}
	if oc.Policy.URI != cl.cfg.Policy.URI {
		return nil, nil, fmt.Errorf("%w: response uses %s, requested %s",
			ErrInvalidSecurityPolicy, oc.Policy.URI, cl.cfg.Policy.URI)
	}
	if !cl.cfg.Policy.IsNone() && len(cl.pendingNonce) == 0 {
		return nil, nil, fmt.Errorf("%w: no open request in flight", ErrInvalidState)
	}
	resp, err := DecodeOpenResponse(oc.Body)
	if err != nil {
		return nil, nil, err
	}
	if !oc.Policy.IsNone() && len(resp.ServerNonce) != oc.Policy.NonceLength {
		return nil, nil, fmt.Errorf("%w: server nonce is %d bytes, policy requires %d",
			ErrInvalidSecurityPolicy, len(resp.ServerNonce), oc.Policy.NonceLength)
	}
	return oc, resp, nil
}

package channel

import (
	"crypto"
	"fmt"
	"sync"
	"time"

	"github.com/uasc-protocol/uasc-go/pkg/chunk"
	"github.com/uasc-protocol/uasc-go/pkg/log"
	"github.com/uasc-protocol/uasc-go/pkg/policy"
)

// ManagerConfig parameterizes the server-side channel manager.
type ManagerConfig struct {
	// Policies is the allowed policy URI list. Empty allows every
	// registered policy.
	Policies []string

	// Certificate is the server's DER-encoded certificate.
	Certificate []byte

	// Key is the server's private key.
	Key crypto.PrivateKey

	// TrustStore validates client certificates. Required for any
	// policy other than None.
	TrustStore TrustStore

	// MaxTokenLifetime caps granted token lifetimes. Zero means
	// DefaultTokenLifetime.
	MaxTokenLifetime time.Duration

	// Channel limits, zero for defaults.
	MaxChunkSize       uint32
	MaxMessageSize     uint32
	MaxChunkCount      int
	MaxPendingRequests int

	// Logger receives channel events. Nil means no logging.
	Logger log.Logger

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Manager issues, renews and tracks server-side secure channels.
// Safe for concurrent use by multiple connection handlers.
type Manager struct {
	cfg ManagerConfig

	mu            sync.Mutex
	nextChannelID uint32
	channels      map[uint32]*serverChannel
}

type serverChannel struct {
	channel     *SecureChannel
	nextTokenID uint32
}

// NewManager builds a channel manager.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.MaxTokenLifetime == 0 {
		cfg.MaxTokenLifetime = DefaultTokenLifetime
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NoopLogger{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		cfg:      cfg,
		channels: make(map[uint32]*serverChannel),
	}
}

// policyAllowed checks the URI against the configured allowlist.
func (m *Manager) policyAllowed(uri string) bool {
	if len(m.cfg.Policies) == 0 {
		return true
	}
	for _, allowed := range m.cfg.Policies {
		if allowed == uri {
			return true
		}
	}
	return false
}

// HandleOpen processes one inbound channel-open chunk, either issuing
// a new channel or renewing the token of an existing one, and returns
// the secured response chunk together with the affected channel.
func (m *Manager) HandleOpen(connectionID string, data []byte) ([]byte, *SecureChannel, error) {
	oc, err := OpenOpenChunk(data, m.cfg.Certificate, m.cfg.Key, m.cfg.TrustStore, m.cfg.MaxChunkSize)
	if err != nil {
		return nil, nil, err
	}
	if !m.policyAllowed(oc.Policy.URI) {
		return nil, nil, fmt.Errorf("%w: %s not accepted by this endpoint",
			ErrInvalidSecurityPolicy, oc.Policy.URI)
	}
	req, err := DecodeOpenRequest(oc.Body)
	if err != nil {
		return nil, nil, err
	}
	if !oc.Policy.IsNone() && len(req.ClientNonce) != oc.Policy.NonceLength {
		return nil, nil, fmt.Errorf("%w: client nonce is %d bytes, policy requires %d",
			ErrInvalidSecurityPolicy, len(req.ClientNonce), oc.Policy.NonceLength)
	}

	if req.RequestType == RequestIssue {
		return m.issue(connectionID, oc, req)
	}
	return m.renew(oc, req)
}

// issue creates a new channel with its first token.
func (m *Manager) issue(connectionID string, oc *OpenChunk, req *OpenRequest) ([]byte, *SecureChannel, error) {
	if oc.ChannelID != 0 {
		return nil, nil, fmt.Errorf("%w: issue request names channel %d", ErrInvalidState, oc.ChannelID)
	}
	if oc.Sequence.SequenceNumber != 1 {
		return nil, nil, fmt.Errorf("%w: got %d, want 1",
			ErrSequenceNumberMismatch, oc.Sequence.SequenceNumber)
	}

	lifetime := m.grantLifetime(req.RequestedLifetime)
	serverNonce, err := NewNonce(oc.Policy)
	if err != nil {
		return nil, nil, err
	}

	m.mu.Lock()
	m.nextChannelID++
	channelID := m.nextChannelID
	m.mu.Unlock()

	now := m.cfg.Now()
	token, err := deriveToken(1, oc.Policy, serverNonce, req.ClientNonce, lifetime, now)
	if err != nil {
		return nil, nil, err
	}

	ch, err := NewSecureChannel(Config{
		ChannelID:          channelID,
		Policy:             oc.Policy,
		Role:               RoleServer,
		MaxChunkSize:       m.cfg.MaxChunkSize,
		MaxMessageSize:     m.cfg.MaxMessageSize,
		MaxChunkCount:      m.cfg.MaxChunkCount,
		MaxPendingRequests: m.cfg.MaxPendingRequests,
		ConnectionID:       connectionID,
		Logger:             m.cfg.Logger,
		Now:                m.cfg.Now,
	})
	if err != nil {
		return nil, nil, err
	}
	if err := ch.StartOpening(); err != nil {
		return nil, nil, err
	}
	if err := ch.CompleteOpen(token); err != nil {
		return nil, nil, err
	}
	// The open request and response each consume one sequence number.
	ch.primeSequences(1, 1)

	respChunk, err := m.secureResponse(oc, channelID, chunk.SequenceHeader{
		SequenceNumber: 1,
		RequestID:      oc.Sequence.RequestID,
	}, &OpenResponse{
		ChannelID:       channelID,
		TokenID:         token.ID,
		RevisedLifetime: lifetime,
		ServerNonce:     serverNonce,
	})
	if err != nil {
		return nil, nil, err
	}

	m.mu.Lock()
	m.channels[channelID] = &serverChannel{channel: ch, nextTokenID: 2}
	m.mu.Unlock()
	return respChunk, ch, nil
}

// renew replaces the token of an existing channel. The superseded
// token stays acceptable for inbound traffic during its grace window.
func (m *Manager) renew(oc *OpenChunk, req *OpenRequest) ([]byte, *SecureChannel, error) {
	m.mu.Lock()
	sc, ok := m.channels[oc.ChannelID]
	m.mu.Unlock()
	if !ok {
		return nil, nil, fmt.Errorf("%w: channel %d", ErrChannelNotFound, oc.ChannelID)
	}
	ch := sc.channel
	if oc.Policy.URI != ch.Policy().URI {
		return nil, nil, fmt.Errorf("%w: renewal must keep policy %s",
			ErrInvalidSecurityPolicy, ch.Policy().URI)
	}
	if err := ch.acceptRecvSequence(oc.Sequence.SequenceNumber); err != nil {
		return nil, nil, err
	}
	if err := ch.BeginRenewal(); err != nil {
		return nil, nil, err
	}

	lifetime := m.grantLifetime(req.RequestedLifetime)
	serverNonce, err := NewNonce(oc.Policy)
	if err != nil {
		return nil, nil, err
	}

	m.mu.Lock()
	tokenID := sc.nextTokenID
	sc.nextTokenID++
	m.mu.Unlock()

	token, err := deriveToken(tokenID, oc.Policy, serverNonce, req.ClientNonce, lifetime, m.cfg.Now())
	if err != nil {
		return nil, nil, err
	}
	if err := ch.CompleteRenewal(token); err != nil {
		return nil, nil, err
	}

	respChunk, err := m.secureResponse(oc, oc.ChannelID, chunk.SequenceHeader{
		SequenceNumber: ch.nextSendSequence(),
		RequestID:      oc.Sequence.RequestID,
	}, &OpenResponse{
		ChannelID:       oc.ChannelID,
		TokenID:         token.ID,
		RevisedLifetime: lifetime,
		ServerNonce:     serverNonce,
	})
	if err != nil {
		return nil, nil, err
	}
	return respChunk, ch, nil
}

// secureResponse secures the open response to the requesting client.
func (m *Manager) secureResponse(oc *OpenChunk, channelID uint32, seq chunk.SequenceHeader, resp *OpenResponse) ([]byte, error) {
	var remoteCert []byte
	if oc.SenderCertificate != nil {
		remoteCert = oc.SenderCertificate.Raw
	}
	ctx, err := NewAsymmetricContext(oc.Policy, m.cfg.Certificate, m.cfg.Key, remoteCert)
	if err != nil {
		return nil, err
	}
	return SecureOpenChunk(ctx, channelID, seq, resp.Encode())
}

// grantLifetime clamps the requested token lifetime.
func (m *Manager) grantLifetime(requested time.Duration) time.Duration {
	if requested <= 0 || requested > m.cfg.MaxTokenLifetime {
		return m.cfg.MaxTokenLifetime
	}
	return requested
}

// Get returns the channel with the given id.
func (m *Manager) Get(channelID uint32) (*SecureChannel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sc, ok := m.channels[channelID]
	if !ok {
		return nil, fmt.Errorf("%w: channel %d", ErrChannelNotFound, channelID)
	}
	return sc.channel, nil
}

// Remove drops a channel from the manager, closing it if still open.
func (m *Manager) Remove(channelID uint32) error {
	m.mu.Lock()
	sc, ok := m.channels[channelID]
	delete(m.channels, channelID)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: channel %d", ErrChannelNotFound, channelID)
	}
	sc.channel.mu.Lock()
	sc.channel.closeLocked("removed from manager")
	sc.channel.mu.Unlock()
	return nil
}

// Count returns the number of tracked channels.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.channels)
}

// policyOrDefault resolves the configured policy list, defaulting to
// every registered policy.
func (m *Manager) policyOrDefault() []string {
	if len(m.cfg.Policies) > 0 {
		return m.cfg.Policies
	}
	return policy.SupportedURIs()
}

// SupportedPolicies returns the policy URIs this manager accepts.
func (m *Manager) SupportedPolicies() []string {
	return m.policyOrDefault()
}

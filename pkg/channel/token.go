package channel

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/uasc-protocol/uasc-go/pkg/policy"
)

// SecurityToken is one generation of symmetric keying material for a
// secure channel. A renewal creates a new token; during the grace
// window the previous token stays valid for inbound traffic so that
// chunks secured before the renewal completed are still accepted.
type SecurityToken struct {
	// ID identifies the token in symmetric security headers. Unique
	// per channel, never reused across renewals.
	ID uint32

	// CreatedAt is when the token was issued.
	CreatedAt time.Time

	// Lifetime is how long the token is valid after CreatedAt.
	Lifetime time.Duration

	// LocalKeys secures outbound chunks, RemoteKeys verifies and
	// decrypts inbound chunks.
	LocalKeys  *policy.KeyMaterial
	RemoteKeys *policy.KeyMaterial
}

// ExpiresAt returns the instant the token's lifetime ends.
func (t *SecurityToken) ExpiresAt() time.Time {
	return t.CreatedAt.Add(t.Lifetime)
}

// Expired reports whether the token's lifetime has ended at now.
func (t *SecurityToken) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt())
}

// deriveToken builds the symmetric key material for a token from the
// handshake nonces. Each side's sending keys are derived with the
// peer's nonce as the secret and its own nonce as the seed, so both
// sides compute identical key sets from the same two nonces.
func deriveToken(id uint32, p *policy.Policy, localNonce, remoteNonce []byte, lifetime time.Duration, now time.Time) (*SecurityToken, error) {
	local, err := p.DeriveKeys(remoteNonce, localNonce)
	if err != nil {
		return nil, fmt.Errorf("deriving local keys: %w", err)
	}
	remote, err := p.DeriveKeys(localNonce, remoteNonce)
	if err != nil {
		return nil, fmt.Errorf("deriving remote keys: %w", err)
	}
	return &SecurityToken{
		ID:         id,
		CreatedAt:  now,
		Lifetime:   lifetime,
		LocalKeys:  local,
		RemoteKeys: remote,
	}, nil
}

// NewNonce returns a fresh random nonce of the policy's nonce length.
func NewNonce(p *policy.Policy) ([]byte, error) {
	if p.NonceLength == 0 {
		return nil, nil
	}
	nonce := make([]byte, p.NonceLength)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return nonce, nil
}

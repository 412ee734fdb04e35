package policy

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"fmt"
	"hash"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeyMaterial holds one direction's derived symmetric keys.
type KeyMaterial struct {
	// SigningKey keys the symmetric signature algorithm.
	SigningKey []byte

	// EncryptionKey keys the symmetric encryption algorithm.
	EncryptionKey []byte

	// IV is the initialization vector for CBC encryption.
	IV []byte
}

// DeriveKeys expands a (secret, seed) nonce pair into the symmetric key
// material for one channel direction. The output is split as
// signing key || encryption key || IV per the policy's sizes.
//
// By convention the sender's keys are derived with the receiver's nonce
// as secret and the sender's nonce as seed, so both peers compute
// identical key sets for each direction.
func (p *Policy) DeriveKeys(secret, seed []byte) (*KeyMaterial, error) {
	total := p.SymmetricSigningKeySize + p.SymmetricEncryptionKeySize + p.SymmetricIVSize
	if total == 0 {
		return &KeyMaterial{}, nil
	}

	var out []byte
	switch p.KeyDerivation {
	case DerivationPSha1:
		out = pHash(sha1.New, secret, seed, total)
	case DerivationPSha256:
		out = pHash(sha256.New, secret, seed, total)
	case DerivationHkdfSha256:
		out = make([]byte, total)
		if _, err := io.ReadFull(hkdf.New(sha256.New, secret, seed, nil), out); err != nil {
			return nil, fmt.Errorf("hkdf expand: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: policy %q has no key derivation function",
			ErrInvalidKey, p.URI)
	}

	km := &KeyMaterial{
		SigningKey:    out[:p.SymmetricSigningKeySize],
		EncryptionKey: out[p.SymmetricSigningKeySize : p.SymmetricSigningKeySize+p.SymmetricEncryptionKeySize],
		IV:            out[p.SymmetricSigningKeySize+p.SymmetricEncryptionKeySize:],
	}
	return km, nil
}

// pHash is the TLS-style P_HASH pseudo-random function:
//
//	A(0) = seed, A(n) = HMAC(secret, A(n-1))
//	output = HMAC(secret, A(1) || seed) || HMAC(secret, A(2) || seed) || ...
func pHash(newHash func() hash.Hash, secret, seed []byte, n int) []byte {
	out := make([]byte, 0, n)
	a := seed
	for len(out) < n {
		mac := hmac.New(newHash, secret)
		mac.Write(a)
		a = mac.Sum(nil)

		mac = hmac.New(newHash, secret)
		mac.Write(a)
		mac.Write(seed)
		out = append(out, mac.Sum(nil)...)
	}
	return out[:n]
}

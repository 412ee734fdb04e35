// Package secheader encodes and decodes the two security header shapes
// of the UASC wire format.
//
// The asymmetric header (policy URI, sender certificate, receiver
// certificate thumbprint) appears only on channel-open handshake
// chunks. The symmetric header (a single token id) appears on every
// chunk after the handshake completes. Which shape a chunk carries is
// decided by the channel state machine, never by inspecting the bytes.
//
// Both codecs are pure transforms: decoding the encoding of any valid
// header yields a structurally equal header.
package secheader

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/uasc-protocol/uasc-go/pkg/policy"
	"github.com/uasc-protocol/uasc-go/pkg/wire"
)

// ThumbprintLength is the required receiver thumbprint length: the
// SHA-1 digest of the DER-encoded receiver certificate.
const ThumbprintLength = 20

// Header codec errors.
var (
	// ErrMalformedHeader indicates a security header that violates the
	// wire format or its invariants.
	ErrMalformedHeader = errors.New("malformed security header")
)

// Asymmetric is the security header used during the channel-open
// handshake.
type Asymmetric struct {
	// SecurityPolicyURI names the policy securing the channel.
	// Mandatory, at most 255 UTF-8 bytes.
	SecurityPolicyURI string

	// SenderCertificate is the sender's DER-encoded certificate.
	// Nil exactly when the chunk is unsigned.
	SenderCertificate []byte

	// ReceiverThumbprint is the SHA-1 thumbprint of the receiver's
	// certificate. Nil exactly when the chunk is unencrypted; exactly
	// 20 bytes otherwise.
	ReceiverThumbprint []byte
}

// NewAsymmetric constructs a validated asymmetric header.
func NewAsymmetric(policyURI string, senderCert, receiverThumbprint []byte) (*Asymmetric, error) {
	h := &Asymmetric{
		SecurityPolicyURI:  policyURI,
		SenderCertificate:  senderCert,
		ReceiverThumbprint: receiverThumbprint,
	}
	if err := h.Validate(); err != nil {
		return nil, err
	}
	return h, nil
}

// Validate checks the header invariants.
func (h *Asymmetric) Validate() error {
	if h.SecurityPolicyURI == "" {
		return fmt.Errorf("%w: security policy URI is required", ErrMalformedHeader)
	}
	if len(h.SecurityPolicyURI) > policy.MaxURILength {
		return fmt.Errorf("%w: security policy URI is %d bytes, maximum %d",
			ErrMalformedHeader, len(h.SecurityPolicyURI), policy.MaxURILength)
	}
	if h.ReceiverThumbprint != nil && len(h.ReceiverThumbprint) != ThumbprintLength {
		return fmt.Errorf("%w: receiver thumbprint is %d bytes, must be %d",
			ErrMalformedHeader, len(h.ReceiverThumbprint), ThumbprintLength)
	}
	return nil
}

// Equal reports structural equality.
func (h *Asymmetric) Equal(other *Asymmetric) bool {
	return h.SecurityPolicyURI == other.SecurityPolicyURI &&
		bytes.Equal(h.SenderCertificate, other.SenderCertificate) &&
		(h.SenderCertificate == nil) == (other.SenderCertificate == nil) &&
		bytes.Equal(h.ReceiverThumbprint, other.ReceiverThumbprint) &&
		(h.ReceiverThumbprint == nil) == (other.ReceiverThumbprint == nil)
}

// EncodedSize returns the encoded header length in bytes.
func (h *Asymmetric) EncodedSize() int {
	size := 4 + len(h.SecurityPolicyURI) + 4 + 4
	size += len(h.SenderCertificate)
	size += len(h.ReceiverThumbprint)
	return size
}

// Encode appends the header to w. The header must be valid.
func (h *Asymmetric) Encode(w *wire.Writer) error {
	if err := h.Validate(); err != nil {
		return err
	}
	w.WriteString(h.SecurityPolicyURI)
	w.WriteByteString(h.SenderCertificate)
	w.WriteByteString(h.ReceiverThumbprint)
	return nil
}

// DecodeAsymmetric reads an asymmetric security header from r.
// The policy URI must name a registered security policy.
func DecodeAsymmetric(r *wire.Reader) (*Asymmetric, error) {
	uri, err := r.ReadString()
	if err != nil {
		return nil, fmt.Errorf("%w: security policy URI: %v", ErrMalformedHeader, err)
	}
	if len(uri) > policy.MaxURILength {
		return nil, fmt.Errorf("%w: security policy URI is %d bytes, maximum %d",
			ErrMalformedHeader, len(uri), policy.MaxURILength)
	}
	if !policy.IsSupported(uri) {
		return nil, fmt.Errorf("%w: %q", policy.ErrUnknownPolicy, uri)
	}

	cert, err := r.ReadByteString()
	if err != nil {
		return nil, fmt.Errorf("%w: sender certificate: %v", ErrMalformedHeader, err)
	}
	thumbprint, err := r.ReadByteString()
	if err != nil {
		return nil, fmt.Errorf("%w: receiver thumbprint: %v", ErrMalformedHeader, err)
	}
	if thumbprint != nil && len(thumbprint) != ThumbprintLength {
		return nil, fmt.Errorf("%w: receiver thumbprint is %d bytes, must be %d",
			ErrMalformedHeader, len(thumbprint), ThumbprintLength)
	}

	return &Asymmetric{
		SecurityPolicyURI:  uri,
		SenderCertificate:  cert,
		ReceiverThumbprint: thumbprint,
	}, nil
}

// Symmetric is the security header used for every chunk after the
// handshake completes. It identifies the negotiated key set.
type Symmetric struct {
	// TokenID names one generation of symmetric key material.
	TokenID uint32
}

// SymmetricEncodedSize is the fixed encoded length of a symmetric header.
const SymmetricEncodedSize = 4

// Encode appends the header to w.
func (h *Symmetric) Encode(w *wire.Writer) {
	w.WriteUint32(h.TokenID)
}

// DecodeSymmetric reads a symmetric security header from r.
func DecodeSymmetric(r *wire.Reader) (*Symmetric, error) {
	tokenID, err := r.ReadUint32()
	if err != nil {
		return nil, fmt.Errorf("%w: token id: %v", ErrMalformedHeader, err)
	}
	return &Symmetric{TokenID: tokenID}, nil
}

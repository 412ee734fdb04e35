package cert

import (
	"crypto/x509"
	"fmt"
	"sync"
	"time"
)

// TrustStore decides which peer certificates may open secure channels.
// Implementations must be safe for concurrent use.
type TrustStore interface {
	// Verify parses a DER-encoded certificate, checks its validity
	// period and that it is trusted, either directly or via a trusted
	// issuing CA. Returns the parsed certificate on success.
	Verify(der []byte) (*x509.Certificate, error)

	// Trust adds a certificate to the trust anchors.
	Trust(c *x509.Certificate) error

	// Trusted returns the current trust anchors.
	Trusted() []*x509.Certificate
}

// MemoryTrustStore keeps trust anchors in memory, keyed by thumbprint.
type MemoryTrustStore struct {
	mu      sync.RWMutex
	anchors map[string]*x509.Certificate

	// now overrides the clock, for tests.
	now func() time.Time
}

// NewMemoryTrustStore creates an empty in-memory trust store.
func NewMemoryTrustStore() *MemoryTrustStore {
	return &MemoryTrustStore{
		anchors: make(map[string]*x509.Certificate),
		now:     time.Now,
	}
}

// Trust adds a certificate to the trust anchors. Self-signed peer
// certificates are trusted directly; CA certificates trust everything
// they issued.
func (s *MemoryTrustStore) Trust(c *x509.Certificate) error {
	if c == nil {
		return ErrInvalidCert
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.anchors[ThumbprintHex(c.Raw)] = c
	return nil
}

// Verify checks a DER-encoded certificate against the anchors.
func (s *MemoryTrustStore) Verify(der []byte) (*x509.Certificate, error) {
	c, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCert, err)
	}
	if err := ValidateAt(c, s.now()); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	// Directly pinned certificate.
	if _, ok := s.anchors[ThumbprintHex(der)]; ok {
		return c, nil
	}

	// Issued by a trusted CA.
	roots := x509.NewCertPool()
	haveCA := false
	for _, anchor := range s.anchors {
		if anchor.IsCA {
			roots.AddCert(anchor)
			haveCA = true
		}
	}
	if haveCA {
		opts := x509.VerifyOptions{
			Roots:       roots,
			CurrentTime: s.now(),
			KeyUsages:   []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
		}
		if _, err := c.Verify(opts); err == nil {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUntrusted, ThumbprintHex(der))
}

// Trusted returns the current trust anchors.
func (s *MemoryTrustStore) Trusted() []*x509.Certificate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*x509.Certificate, 0, len(s.anchors))
	for _, c := range s.anchors {
		out = append(out, c)
	}
	return out
}

var _ TrustStore = (*MemoryTrustStore)(nil)

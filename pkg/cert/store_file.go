package cert

import (
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// DirectoryTrustStore is a PKI directory layout: DER certificates in a
// trusted/ subdirectory are trust anchors, and certificates that fail
// verification are written to rejected/ so an operator can inspect and
// promote them.
type DirectoryTrustStore struct {
	trustedDir  string
	rejectedDir string

	mu sync.Mutex

	now func() time.Time
}

// NewDirectoryTrustStore opens (creating if needed) a PKI directory.
func NewDirectoryTrustStore(dir string) (*DirectoryTrustStore, error) {
	s := &DirectoryTrustStore{
		trustedDir:  filepath.Join(dir, "trusted"),
		rejectedDir: filepath.Join(dir, "rejected"),
		now:         time.Now,
	}
	for _, d := range []string{s.trustedDir, s.rejectedDir} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", d, err)
		}
	}
	return s, nil
}

// Trust writes a certificate into the trusted directory and removes
// any matching entry from rejected.
func (s *DirectoryTrustStore) Trust(c *x509.Certificate) error {
	if c == nil {
		return ErrInvalidCert
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	name := ThumbprintHex(c.Raw) + ".der"
	if err := os.WriteFile(filepath.Join(s.trustedDir, name), c.Raw, 0644); err != nil {
		return err
	}
	_ = os.Remove(filepath.Join(s.rejectedDir, name))
	return nil
}

// Verify checks a DER-encoded certificate against the trusted
// directory. Unknown certificates are recorded in rejected/ and fail
// with ErrUntrusted.
func (s *DirectoryTrustStore) Verify(der []byte) (*x509.Certificate, error) {
	c, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCert, err)
	}
	if err := ValidateAt(c, s.now()); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	anchors, err := s.loadLocked(s.trustedDir)
	if err != nil {
		return nil, err
	}

	thumb := ThumbprintHex(der)
	roots := x509.NewCertPool()
	haveCA := false
	for _, anchor := range anchors {
		if ThumbprintHex(anchor.Raw) == thumb {
			return c, nil
		}
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

	// Record for operator review. Best effort only.
	_ = os.WriteFile(filepath.Join(s.rejectedDir, thumb+".der"), der, 0644)
	return nil, fmt.Errorf("%w: %s", ErrUntrusted, thumb)
}

// Trusted returns the certificates in the trusted directory.
func (s *DirectoryTrustStore) Trusted() []*x509.Certificate {
	s.mu.Lock()
	defer s.mu.Unlock()
	anchors, err := s.loadLocked(s.trustedDir)
	if err != nil {
		return nil
	}
	return anchors
}

// Rejected returns the certificates awaiting operator review.
func (s *DirectoryTrustStore) Rejected() []*x509.Certificate {
	s.mu.Lock()
	defer s.mu.Unlock()
	certs, err := s.loadLocked(s.rejectedDir)
	if err != nil {
		return nil
	}
	return certs
}

// loadLocked reads every .der file in dir, skipping unparseable files.
func (s *DirectoryTrustStore) loadLocked(dir string) ([]*x509.Certificate, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var certs []*x509.Certificate
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".der") {
			continue
		}
		der, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		c, err := x509.ParseCertificate(der)
		if err != nil {
			continue
		}
		certs = append(certs, c)
	}
	return certs, nil
}

var _ TrustStore = (*DirectoryTrustStore)(nil)

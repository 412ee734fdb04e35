// Package cert manages application instance certificates and the trust
// stores that decide which peers may open secure channels.
package cert

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/url"
	"time"
)

// Certificate errors.
var (
	ErrInvalidCert     = errors.New("invalid certificate")
	ErrCertExpired     = errors.New("certificate has expired")
	ErrCertNotYetValid = errors.New("certificate is not yet valid")
	ErrUntrusted       = errors.New("certificate is not trusted")
	ErrCertNotFound    = errors.New("certificate not found")
)

// DefaultValidity is the validity period for generated application
// instance certificates.
const DefaultValidity = 365 * 24 * time.Hour

// Thumbprint returns the SHA-1 digest of a DER-encoded certificate,
// the identifier used in asymmetric security headers.
func Thumbprint(der []byte) []byte {
	sum := sha1.Sum(der)
	return sum[:]
}

// ThumbprintHex returns the thumbprint as a lowercase hex string,
// suitable as a file name or map key.
func ThumbprintHex(der []byte) string {
	return hex.EncodeToString(Thumbprint(der))
}

// Identity is an application instance certificate with its private key.
type Identity struct {
	// Certificate is the parsed X.509 certificate.
	Certificate *x509.Certificate

	// Key is the matching private key, RSA or ECDSA.
	Key crypto.PrivateKey
}

// DER returns the raw DER encoding of the certificate.
func (id *Identity) DER() []byte {
	if id == nil || id.Certificate == nil {
		return nil
	}
	return id.Certificate.Raw
}

// Thumbprint returns the certificate's SHA-1 thumbprint.
func (id *Identity) Thumbprint() []byte {
	return Thumbprint(id.DER())
}

// GenerateOptions parameterizes self-signed identity generation.
type GenerateOptions struct {
	// CommonName is the certificate subject common name.
	CommonName string

	// ApplicationURI is placed in the subject alternative names, where
	// peers look it up during endpoint matching.
	ApplicationURI string

	// Hosts are DNS names or IP addresses to include as subject
	// alternative names.
	Hosts []string

	// RSABits selects the RSA key size. Zero means 2048. Ignored when
	// ECDSA is set.
	RSABits int

	// ECDSA selects a P-256 ECDSA key instead of RSA.
	ECDSA bool

	// Validity is the certificate lifetime. Zero means DefaultValidity.
	Validity time.Duration
}

// Generate creates a self-signed application instance certificate.
func Generate(opts GenerateOptions) (*Identity, error) {
	var key crypto.Signer
	var err error
	if opts.ECDSA {
		key, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	} else {
		bits := opts.RSABits
		if bits == 0 {
			bits = 2048
		}
		key, err = rsa.GenerateKey(rand.Reader, bits)
	}
	if err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}

	validity := opts.Validity
	if validity == 0 {
		validity = DefaultValidity
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generating serial: %w", err)
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: opts.CommonName},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(validity),
		KeyUsage: x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment |
			x509.KeyUsageDataEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	if opts.ApplicationURI != "" {
		uri, err := url.Parse(opts.ApplicationURI)
		if err != nil {
			return nil, fmt.Errorf("parsing application URI: %w", err)
		}
		tmpl.URIs = append(tmpl.URIs, uri)
	}
	for _, host := range opts.Hosts {
		if ip := net.ParseIP(host); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, host)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	if err != nil {
		return nil, fmt.Errorf("creating certificate: %w", err)
	}
	parsed, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return &Identity{Certificate: parsed, Key: key}, nil
}

// ApplicationURI returns the application URI embedded in a
// certificate's subject alternative names, or the empty string.
func ApplicationURI(c *x509.Certificate) string {
	if c == nil || len(c.URIs) == 0 {
		return ""
	}
	return c.URIs[0].String()
}

// ValidateAt checks a certificate's validity period against now.
func ValidateAt(c *x509.Certificate, now time.Time) error {
	if c == nil {
		return ErrInvalidCert
	}
	if now.Before(c.NotBefore) {
		return fmt.Errorf("%w: valid from %s", ErrCertNotYetValid, c.NotBefore.Format(time.RFC3339))
	}
	if now.After(c.NotAfter) {
		return fmt.Errorf("%w: expired %s", ErrCertExpired, c.NotAfter.Format(time.RFC3339))
	}
	return nil
}

package cert

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateRSAIdentity(t *testing.T) {
	id, err := Generate(GenerateOptions{
		CommonName:     "test-server",
		ApplicationURI: "urn:example:test-server",
		Hosts:          []string{"localhost", "127.0.0.1"},
	})
	require.NoError(t, err)

	assert.Equal(t, "test-server", id.Certificate.Subject.CommonName)
	assert.Equal(t, "urn:example:test-server", ApplicationURI(id.Certificate))
	assert.IsType(t, &rsa.PrivateKey{}, id.Key)
	assert.Len(t, id.Thumbprint(), 20)
	assert.Len(t, id.Certificate.DNSNames, 1)
	assert.Len(t, id.Certificate.IPAddresses, 1)
}

func TestGenerateECDSAIdentity(t *testing.T) {
	id, err := Generate(GenerateOptions{CommonName: "ecc-node", ECDSA: true})
	require.NoError(t, err)
	assert.IsType(t, &ecdsa.PrivateKey{}, id.Key)
}

func TestSaveAndLoadIdentity(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "cert.pem")
	keyPath := filepath.Join(dir, "key.pem")

	id, err := Generate(GenerateOptions{CommonName: "persisted"})
	require.NoError(t, err)
	require.NoError(t, id.Save(certPath, keyPath))

	loaded, err := LoadIdentity(certPath, keyPath)
	require.NoError(t, err)
	assert.Equal(t, id.DER(), loaded.DER())
	assert.IsType(t, &rsa.PrivateKey{}, loaded.Key)
}

func TestValidateAt(t *testing.T) {
	id, err := Generate(GenerateOptions{CommonName: "short-lived", Validity: time.Hour})
	require.NoError(t, err)

	require.NoError(t, ValidateAt(id.Certificate, time.Now()))

	err = ValidateAt(id.Certificate, time.Now().Add(48*time.Hour))
	assert.True(t, errors.Is(err, ErrCertExpired))

	err = ValidateAt(id.Certificate, time.Now().Add(-48*time.Hour))
	assert.True(t, errors.Is(err, ErrCertNotYetValid))
}

func TestPEMCodec(t *testing.T) {
	id, err := Generate(GenerateOptions{CommonName: "pem", ECDSA: true})
	require.NoError(t, err)

	c, err := DecodeCertPEM(EncodeCertPEM(id.Certificate))
	require.NoError(t, err)
	assert.Equal(t, id.DER(), c.Raw)

	keyPEM, err := EncodeKeyPEM(id.Key)
	require.NoError(t, err)
	key, err := DecodeKeyPEM(keyPEM)
	require.NoError(t, err)
	assert.IsType(t, &ecdsa.PrivateKey{}, key)

	_, err = DecodeCertPEM([]byte("not pem"))
	assert.True(t, errors.Is(err, ErrInvalidPEM))
}

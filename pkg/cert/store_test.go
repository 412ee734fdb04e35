package cert

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryTrustStorePinnedCertificate(t *testing.T) {
	store := NewMemoryTrustStore()
	id, err := Generate(GenerateOptions{CommonName: "peer"})
	require.NoError(t, err)

	_, err = store.Verify(id.DER())
	assert.True(t, errors.Is(err, ErrUntrusted))

	require.NoError(t, store.Trust(id.Certificate))
	c, err := store.Verify(id.DER())
	require.NoError(t, err)
	assert.Equal(t, "peer", c.Subject.CommonName)
	assert.Len(t, store.Trusted(), 1)
}

func TestMemoryTrustStoreRejectsGarbage(t *testing.T) {
	store := NewMemoryTrustStore()
	_, err := store.Verify([]byte{0x01, 0x02})
	assert.True(t, errors.Is(err, ErrInvalidCert))
}

func TestDirectoryTrustStore(t *testing.T) {
	store, err := NewDirectoryTrustStore(t.TempDir())
	require.NoError(t, err)

	id, err := Generate(GenerateOptions{CommonName: "device"})
	require.NoError(t, err)

	// Unknown certificates land in rejected/ for review.
	_, err = store.Verify(id.DER())
	assert.True(t, errors.Is(err, ErrUntrusted))
	require.Len(t, store.Rejected(), 1)

	// Promoting clears the rejected entry.
	require.NoError(t, store.Trust(id.Certificate))
	assert.Empty(t, store.Rejected())

	c, err := store.Verify(id.DER())
	require.NoError(t, err)
	assert.Equal(t, "device", c.Subject.CommonName)
	assert.Len(t, store.Trusted(), 1)
}

func TestDirectoryTrustStorePersistsAcrossOpens(t *testing.T) {
	dir := t.TempDir()
	store, err := NewDirectoryTrustStore(dir)
	require.NoError(t, err)

	id, err := Generate(GenerateOptions{CommonName: "durable"})
	require.NoError(t, err)
	require.NoError(t, store.Trust(id.Certificate))

	reopened, err := NewDirectoryTrustStore(dir)
	require.NoError(t, err)
	_, err = reopened.Verify(id.DER())
	assert.NoError(t, err)
}

package channel

import (
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uasc-protocol/uasc-go/pkg/chunk"
	"github.com/uasc-protocol/uasc-go/pkg/policy"
)

func TestOpenRequestCodec(t *testing.T) {
	req := &OpenRequest{
		RequestType:       RequestRenew,
		RequestedLifetime: 30 * time.Minute,
		ClientNonce:       []byte{1, 2, 3, 4},
	}
	got, err := DecodeOpenRequest(req.Encode())
	require.NoError(t, err)
	assert.Equal(t, req, got)
}

func TestOpenRequestRejectsUnknownType(t *testing.T) {
	req := &OpenRequest{RequestType: 7}
	_, err := DecodeOpenRequest(req.Encode())
	require.Error(t, err)
}

func TestOpenResponseCodec(t *testing.T) {
	resp := &OpenResponse{
		ChannelID:       12,
		TokenID:         3,
		RevisedLifetime: time.Hour,
		ServerNonce:     []byte{9, 8, 7},
	}
	got, err := DecodeOpenResponse(resp.Encode())
	require.NoError(t, err)
	assert.Equal(t, resp, got)
}

func TestOpenChunkRoundTripSignedEncrypted(t *testing.T) {
	p, err := policy.Lookup(policy.URIBasic256Sha256)
	require.NoError(t, err)

	senderKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	receiverKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	senderCert := makeCert(t, senderKey, "sender")
	receiverCert := makeCert(t, receiverKey, "receiver")

	ctx, err := NewAsymmetricContext(p, senderCert, senderKey, receiverCert)
	require.NoError(t, err)

	body := []byte("open payload")
	seq := chunk.SequenceHeader{SequenceNumber: 1, RequestID: 42}
	data, err := SecureOpenChunk(ctx, 0, seq, body)
	require.NoError(t, err)

	oc, err := OpenOpenChunk(data, receiverCert, receiverKey, acceptParsedTrust{}, 0)
	require.NoError(t, err)
	assert.Equal(t, p.URI, oc.Policy.URI)
	assert.Equal(t, seq, oc.Sequence)
	assert.Equal(t, body, oc.Body)
	require.NotNil(t, oc.SenderCertificate)
	assert.Equal(t, senderCert, oc.SenderCertificate.Raw)
}

func TestOpenChunkWrongReceiverRejected(t *testing.T) {
	p, err := policy.Lookup(policy.URIBasic256Sha256)
	require.NoError(t, err)

	senderKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	receiverKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	senderCert := makeCert(t, senderKey, "sender")
	receiverCert := makeCert(t, receiverKey, "receiver")
	otherCert := makeCert(t, otherKey, "other")

	ctx, err := NewAsymmetricContext(p, senderCert, senderKey, receiverCert)
	require.NoError(t, err)
	data, err := SecureOpenChunk(ctx, 0, chunk.SequenceHeader{SequenceNumber: 1, RequestID: 1}, []byte("x"))
	require.NoError(t, err)

	// A third party cannot accept a chunk encrypted to someone else.
	_, err = OpenOpenChunk(data, otherCert, otherKey, acceptParsedTrust{}, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidCertificate))
}

func TestOpenChunkTamperRejected(t *testing.T) {
	p, err := policy.Lookup(policy.URIEccNistP256)
	require.NoError(t, err)

	senderKey := keyForPolicy(t, p)
	receiverKey := keyForPolicy(t, p)
	senderCert := makeCert(t, senderKey, "sender")
	receiverCert := makeCert(t, receiverKey, "receiver")

	ctx, err := NewAsymmetricContext(p, senderCert, senderKey, nil)
	require.NoError(t, err)
	data, err := SecureOpenChunk(ctx, 0, chunk.SequenceHeader{SequenceNumber: 1, RequestID: 1}, []byte("signed"))
	require.NoError(t, err)

	tampered := append([]byte{}, data...)
	tampered[len(tampered)-1] ^= 0x01
	_, err = OpenOpenChunk(tampered, receiverCert, receiverKey, acceptParsedTrust{}, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSignatureInvalid))
}

func TestAsymPaddingAlignment(t *testing.T) {
	for _, tc := range []struct {
		unpadded   int
		plainBlock int
		twoByte    bool
	}{
		{40, 117, false},
		{117, 117, false},
		{118, 117, false},
		{40, 446, true},
		{446, 446, true},
	} {
		field := asymPadding(tc.unpadded, tc.plainBlock, tc.twoByte)
		total := tc.unpadded + len(field)
		require.Equal(t, 0, total%tc.plainBlock,
			"unpadded=%d block=%d twoByte=%v", tc.unpadded, tc.plainBlock, tc.twoByte)

		region := make([]byte, tc.unpadded)
		region = append(region, field...)
		stripped, err := stripAsymPadding(region, 0, tc.twoByte)
		require.NoError(t, err)
		assert.Len(t, stripped, tc.unpadded)
	}
}

func TestDeriveTokenSymmetry(t *testing.T) {
	p, err := policy.Lookup(policy.URIBasic256Sha256)
	require.NoError(t, err)

	clientNonce, err := NewNonce(p)
	require.NoError(t, err)
	serverNonce, err := NewNonce(p)
	require.NoError(t, err)
	now := time.Now()

	clientTok, err := deriveToken(1, p, clientNonce, serverNonce, time.Hour, now)
	require.NoError(t, err)
	serverTok, err := deriveToken(1, p, serverNonce, clientNonce, time.Hour, now)
	require.NoError(t, err)

	// One side's sending keys are the other side's receiving keys.
	assert.Equal(t, clientTok.LocalKeys, serverTok.RemoteKeys)
	assert.Equal(t, clientTok.RemoteKeys, serverTok.LocalKeys)
	assert.NotEqual(t, clientTok.LocalKeys, clientTok.RemoteKeys)
}

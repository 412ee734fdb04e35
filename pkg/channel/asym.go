package channel

import (
	"crypto"
	"crypto/sha1"
	"crypto/x509"
	"fmt"

	"github.com/uasc-protocol/uasc-go/pkg/chunk"
	"github.com/uasc-protocol/uasc-go/pkg/policy"
	"github.com/uasc-protocol/uasc-go/pkg/secheader"
	"github.com/uasc-protocol/uasc-go/pkg/wire"
)

// TrustStore validates peer certificates presented during the
// asymmetric handshake.
type TrustStore interface {
	// Verify parses and validates a DER-encoded certificate, checking
	// it against the trust anchors. Returns the parsed certificate on
	// success.
	Verify(der []byte) (*x509.Certificate, error)
}

// AsymmetricContext holds the certificate material that secures
// channel-open chunks for one handshake direction pair.
type AsymmetricContext struct {
	// Policy is the security policy of the handshake.
	Policy *policy.Policy

	// LocalCertificate is the local DER-encoded certificate, sent in
	// the security header when the policy signs. Nil under None.
	LocalCertificate []byte

	// LocalKey signs outbound and decrypts inbound handshake chunks.
	// Nil under None.
	LocalKey crypto.PrivateKey

	// RemoteCertificate is the peer's parsed certificate, used to
	// encrypt outbound and verify inbound handshake chunks. Nil under
	// None, and on the server side until the client's open arrives.
	RemoteCertificate *x509.Certificate
}

// NewAsymmetricContext builds a handshake context, validating that the
// certificate keys fall within the policy's bounds.
func NewAsymmetricContext(p *policy.Policy, localCert []byte, localKey crypto.PrivateKey, remoteCert []byte) (*AsymmetricContext, error) {
	ctx := &AsymmetricContext{
		Policy:           p,
		LocalCertificate: localCert,
		LocalKey:         localKey,
	}
	if p.IsNone() {
		return ctx, nil
	}
	if localCert == nil || localKey == nil {
		return nil, fmt.Errorf("%w: policy %s requires a local certificate and key",
			ErrInvalidCertificate, p.URI)
	}
	if remoteCert != nil {
		parsed, err := x509.ParseCertificate(remoteCert)
		if err != nil {
			return nil, fmt.Errorf("%w: parsing remote certificate: %v", ErrInvalidCertificate, err)
		}
		if err := p.ValidateCertificateKey(parsed.PublicKey); err != nil {
			return nil, fmt.Errorf("%w: remote certificate: %v", ErrInvalidCertificate, err)
		}
		ctx.RemoteCertificate = parsed
	}
	return ctx, nil
}

// localPublic returns the public half of the local key.
func (ctx *AsymmetricContext) localPublic() (crypto.PublicKey, error) {
	signer, ok := ctx.LocalKey.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("%w: local key does not expose its public half", policy.ErrInvalidKey)
	}
	return signer.Public(), nil
}

// encrypts reports whether handshake chunks are encrypted under this
// context's policy.
func (ctx *AsymmetricContext) encrypts() bool {
	return ctx.Policy.AsymmetricEncryption != policy.EncryptionNone
}

// header builds the asymmetric security header for an outbound chunk.
func (ctx *AsymmetricContext) header() (*secheader.Asymmetric, error) {
	var thumbprint []byte
	if ctx.encrypts() {
		if ctx.RemoteCertificate == nil {
			return nil, fmt.Errorf("%w: remote certificate required for encryption", ErrInvalidCertificate)
		}
		tp := sha1.Sum(ctx.RemoteCertificate.Raw)
		thumbprint = tp[:]
	}
	var cert []byte
	if ctx.Policy.AsymmetricSignature != policy.SignatureNone {
		cert = ctx.LocalCertificate
	}
	return secheader.NewAsymmetric(ctx.Policy.URI, cert, thumbprint)
}

// SecureOpenChunk secures one channel-open chunk. The sequence header,
// body, padding and signature are signed with the local key over the
// whole chunk, then encrypted blockwise to the remote certificate.
func SecureOpenChunk(ctx *AsymmetricContext, channelID uint32, seq chunk.SequenceHeader, body []byte) ([]byte, error) {
	p := ctx.Policy

	hdr, err := ctx.header()
	if err != nil {
		return nil, err
	}

	var sigSize int
	if p.AsymmetricSignature != policy.SignatureNone {
		pub, err := ctx.localPublic()
		if err != nil {
			return nil, err
		}
		sigSize = p.AsymmetricSignatureSize(pub)
	}

	var padding []byte
	plainBlock, cipherBlock := 1, 1
	if ctx.encrypts() {
		remotePub := ctx.RemoteCertificate.PublicKey
		plainBlock = p.AsymmetricPlainBlockSize(remotePub)
		cipherBlock = p.AsymmetricCipherBlockSize(remotePub)
		padding = asymPadding(chunk.SequenceHeaderSize+len(body)+sigSize, plainBlock, cipherBlock > 256)
	}

	plainLen := chunk.SequenceHeaderSize + len(body) + len(padding) + sigSize
	encLen := plainLen
	if ctx.encrypts() {
		encLen = plainLen / plainBlock * cipherBlock
	}
	headerLen := chunk.HeaderSize + hdr.EncodedSize()
	total := headerLen + encLen

	// The declared size is the final encrypted size; the signature
	// covers the chunk with that size already in place.
	w := wire.NewWriter(headerLen + plainLen)
	w.WriteRaw([]byte(chunk.TypeOpenChannel))
	w.WriteUint8(byte(chunk.FlagFinal))
	w.WriteUint32(uint32(total))
	w.WriteUint32(channelID)
	if err := hdr.Encode(w); err != nil {
		return nil, err
	}
	seq.Encode(w)
	w.WriteRaw(body)
	w.WriteRaw(padding)
	out := w.Bytes()

	if sigSize > 0 {
		sig, err := p.AsymmetricSign(ctx.LocalKey, out)
		if err != nil {
			return nil, err
		}
		out = append(out, sig...)
	}

	if ctx.encrypts() {
		enc, err := p.AsymmetricEncrypt(ctx.RemoteCertificate.PublicKey, out[headerLen:])
		if err != nil {
			return nil, err
		}
		out = append(out[:headerLen], enc...)
	}
	return out, nil
}

// OpenChunk is a verified, decrypted channel-open chunk.
type OpenChunk struct {
	// ChannelID is the id from the chunk header. Zero on an initial
	// open request.
	ChannelID uint32

	// Policy is the policy named by the security header.
	Policy *policy.Policy

	// Header is the decoded asymmetric security header.
	Header *secheader.Asymmetric

	// SenderCertificate is the parsed, trust-verified sender
	// certificate. Nil under None.
	SenderCertificate *x509.Certificate

	// Sequence is the decrypted sequence header.
	Sequence chunk.SequenceHeader

	// Body is the decrypted handshake payload.
	Body []byte
}

// OpenOpenChunk decrypts and verifies one inbound channel-open chunk.
// The sender certificate from the security header is validated against
// trust; localCert and localKey are the receiver's own material for
// thumbprint matching and decryption. maxChunkSize, when non-zero,
// bounds the chunk.
func OpenOpenChunk(data []byte, localCert []byte, localKey crypto.PrivateKey, trust TrustStore, maxChunkSize uint32) (*OpenChunk, error) {
	prefix, err := chunk.DecodePrefix(data)
	if err != nil {
		return nil, err
	}
	if prefix.Type != chunk.TypeOpenChannel {
		return nil, fmt.Errorf("%w: %q is not a channel-open type", chunk.ErrUnknownMessageType, prefix.Type)
	}
	if prefix.Flag != chunk.FlagFinal {
		return nil, fmt.Errorf("%w: channel-open chunks are single final chunks", chunk.ErrInvalidChunkFlag)
	}
	if maxChunkSize != 0 && prefix.MessageSize > maxChunkSize {
		return nil, fmt.Errorf("%w: %d > %d", chunk.ErrChunkSizeExceeded, prefix.MessageSize, maxChunkSize)
	}
	if uint32(len(data)) < prefix.MessageSize {
		return nil, fmt.Errorf("%w: %d bytes available, %d declared",
			chunk.ErrTruncatedChunk, len(data), prefix.MessageSize)
	}
	data = data[:prefix.MessageSize]

	r := wire.NewReader(data)
	_, _ = r.ReadRaw(chunk.PrefixSize)
	channelID, _ := r.ReadUint32()
	hdr, err := secheader.DecodeAsymmetric(r)
	if err != nil {
		return nil, err
	}
	p, err := policy.Lookup(hdr.SecurityPolicyURI)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSecurityPolicy, err)
	}
	headerLen := len(data) - r.Remaining()
	region := data[headerLen:]

	oc := &OpenChunk{
		ChannelID: channelID,
		Policy:    p,
		Header:    hdr,
	}

	encrypted := p.AsymmetricEncryption != policy.EncryptionNone
	if encrypted != (hdr.ReceiverThumbprint != nil) {
		return nil, fmt.Errorf("%w: thumbprint presence does not match policy %s",
			secheader.ErrMalformedHeader, p.URI)
	}
	if encrypted {
		localTP := sha1.Sum(localCert)
		if string(hdr.ReceiverThumbprint) != string(localTP[:]) {
			return nil, fmt.Errorf("%w: receiver thumbprint does not match local certificate",
				ErrInvalidCertificate)
		}
		plain, err := p.AsymmetricDecrypt(localKey, region)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
		}
		region = plain
	}

	var sigSize int
	if p.AsymmetricSignature != policy.SignatureNone {
		if hdr.SenderCertificate == nil {
			return nil, fmt.Errorf("%w: policy %s requires a sender certificate",
				secheader.ErrMalformedHeader, p.URI)
		}
		sender, err := trust.Verify(hdr.SenderCertificate)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCertificate, err)
		}
		if err := p.ValidateCertificateKey(sender.PublicKey); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCertificate, err)
		}
		oc.SenderCertificate = sender
		sigSize = p.AsymmetricSignatureSize(sender.PublicKey)

		if len(region) < chunk.SequenceHeaderSize+sigSize {
			return nil, fmt.Errorf("%w: %d plaintext bytes", ErrDecryptionFailed, len(region))
		}
		sigStart := len(region) - sigSize
		signed := make([]byte, 0, headerLen+sigStart)
		signed = append(signed, data[:headerLen]...)
		signed = append(signed, region[:sigStart]...)
		if err := p.AsymmetricVerify(sender.PublicKey, signed, region[sigStart:]); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
		}
		region = region[:sigStart]
	}

	if encrypted {
		signer, ok := localKey.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("%w: local key does not expose its public half", policy.ErrInvalidKey)
		}
		twoByte := p.AsymmetricCipherBlockSize(signer.Public()) > 256
		region, err = stripAsymPadding(region, chunk.SequenceHeaderSize, twoByte)
		if err != nil {
			return nil, err
		}
	}

	sr := wire.NewReader(region)
	seq, err := chunk.DecodeSequenceHeader(sr)
	if err != nil {
		return nil, err
	}
	oc.Sequence = *seq
	body := make([]byte, sr.Remaining())
	copy(body, region[chunk.SequenceHeaderSize:])
	oc.Body = body
	return oc, nil
}

// asymPadding builds the handshake padding field. The size is stored
// in one leading byte, or split across a leading LSB and a trailing
// MSB when the ciphertext block exceeds 256 bytes. Every padding byte
// holds the size LSB.
func asymPadding(unpadded, plainBlock int, twoByte bool) []byte {
	overhead := 1
	if twoByte {
		overhead = 2
	}
	padSize := plainBlock - (unpadded+overhead)%plainBlock
	if padSize == plainBlock {
		padSize = 0
	}
	lsb := byte(padSize)
	field := make([]byte, 0, padSize+overhead)
	field = append(field, lsb)
	for i := 0; i < padSize; i++ {
		field = append(field, lsb)
	}
	if twoByte {
		field = append(field, byte(padSize>>8))
	}
	return field
}

// stripAsymPadding removes the handshake padding field, validating
// every padding byte.
func stripAsymPadding(region []byte, minLen int, twoByte bool) ([]byte, error) {
	overhead := 1
	if twoByte {
		overhead = 2
	}
	if len(region) < overhead {
		return nil, fmt.Errorf("%w: region too short for padding", ErrDecryptionFailed)
	}
	var padSize int
	if twoByte {
		msb := int(region[len(region)-1])
		lsb := int(region[len(region)-2])
		padSize = msb<<8 | lsb
	} else {
		padSize = int(region[len(region)-1])
	}
	end := len(region) - padSize - overhead
	if end < minLen {
		return nil, fmt.Errorf("%w: padding size %d exceeds region", ErrDecryptionFailed, padSize)
	}
	lsb := byte(padSize)
	for _, b := range region[end : end+padSize+1] {
		if b != lsb {
			return nil, fmt.Errorf("%w: inconsistent padding", ErrDecryptionFailed)
		}
	}
	return region[:end], nil
}

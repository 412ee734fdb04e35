package policy

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"fmt"
	"hash"
	"math/big"
)

// SymmetricSignatureSize returns the symmetric signature length in bytes.
func (p *Policy) SymmetricSignatureSize() int {
	switch p.SymmetricSignature {
	case SignatureHmacSha1:
		return sha1.Size
	case SignatureHmacSha256:
		return sha256.Size
	default:
		return 0
	}
}

// SymmetricSign computes the symmetric signature over data.
// Under the None policy the result is empty.
func (p *Policy) SymmetricSign(key, data []byte) ([]byte, error) {
	mac, err := p.symmetricMAC(key)
	if err != nil || mac == nil {
		return nil, err
	}
	mac.Write(data)
	return mac.Sum(nil), nil
}

// SymmetricVerify checks the symmetric signature over data.
func (p *Policy) SymmetricVerify(key, data, sig []byte) error {
	mac, err := p.symmetricMAC(key)
	if err != nil {
		return err
	}
	if mac == nil {
		return nil
	}
	mac.Write(data)
	if !hmac.Equal(mac.Sum(nil), sig) {
		return ErrSignatureMismatch
	}
	return nil
}

func (p *Policy) symmetricMAC(key []byte) (hash.Hash, error) {
	switch p.SymmetricSignature {
	case SignatureNone:
		return nil, nil
	case SignatureHmacSha1:
		return hmac.New(sha1.New, key), nil
	case SignatureHmacSha256:
		return hmac.New(sha256.New, key), nil
	default:
		return nil, fmt.Errorf("%w: %s is not a symmetric signature algorithm",
			ErrInvalidKey, p.SymmetricSignature)
	}
}

// SymmetricBlockSize returns the padding granularity for symmetric
// encryption: the cipher block size, or 1 when no encryption applies.
func (p *Policy) SymmetricBlockSize() int {
	switch p.SymmetricEncryption {
	case EncryptionAes128Cbc, EncryptionAes256Cbc:
		return aes.BlockSize
	default:
		return 1
	}
}

// SymmetricEncrypt encrypts data with AES-CBC. The input length must be
// a multiple of the cipher block size. Under the None policy the input
// is returned unchanged.
func (p *Policy) SymmetricEncrypt(key, iv, data []byte) ([]byte, error) {
	mode, err := p.cbcMode(key, iv, true)
	if err != nil || mode == nil {
		return data, err
	}
	if len(data)%mode.BlockSize() != 0 {
		return nil, fmt.Errorf("%w: %d bytes, block size %d",
			ErrInvalidBlockSize, len(data), mode.BlockSize())
	}
	out := make([]byte, len(data))
	mode.CryptBlocks(out, data)
	return out, nil
}

// SymmetricDecrypt decrypts data with AES-CBC. The input length must be
// a multiple of the cipher block size.
func (p *Policy) SymmetricDecrypt(key, iv, data []byte) ([]byte, error) {
	mode, err := p.cbcMode(key, iv, false)
	if err != nil || mode == nil {
		return data, err
	}
	if len(data)%mode.BlockSize() != 0 {
		return nil, fmt.Errorf("%w: %d bytes, block size %d",
			ErrInvalidBlockSize, len(data), mode.BlockSize())
	}
	out := make([]byte, len(data))
	mode.CryptBlocks(out, data)
	return out, nil
}

func (p *Policy) cbcMode(key, iv []byte, encrypt bool) (cipher.BlockMode, error) {
	switch p.SymmetricEncryption {
	case EncryptionNone:
		return nil, nil
	case EncryptionAes128Cbc, EncryptionAes256Cbc:
	default:
		return nil, fmt.Errorf("%w: %s is not a symmetric encryption algorithm",
			ErrInvalidKey, p.SymmetricEncryption)
	}
	if len(key) != p.SymmetricEncryptionKeySize {
		return nil, fmt.Errorf("%w: encryption key is %d bytes, want %d",
			ErrInvalidKey, len(key), p.SymmetricEncryptionKeySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(iv) != block.BlockSize() {
		return nil, fmt.Errorf("%w: IV is %d bytes, want %d",
			ErrInvalidKey, len(iv), block.BlockSize())
	}
	if encrypt {
		return cipher.NewCBCEncrypter(block, iv), nil
	}
	return cipher.NewCBCDecrypter(block, iv), nil
}

// ecdsaSignatureSize is the fixed r||s signature length for P-256.
const ecdsaSignatureSize = 64

// AsymmetricSignatureSize returns the asymmetric signature length in
// bytes for the given public key.
func (p *Policy) AsymmetricSignatureSize(pub crypto.PublicKey) int {
	switch p.AsymmetricSignature {
	case SignatureRsaPkcs15Sha1, SignatureRsaPkcs15Sha256, SignatureRsaPssSha256:
		if k, ok := pub.(*rsa.PublicKey); ok {
			return k.Size()
		}
		return 0
	case SignatureEcdsaSha256:
		return ecdsaSignatureSize
	default:
		return 0
	}
}

// AsymmetricSign signs data with the local private key.
func (p *Policy) AsymmetricSign(priv crypto.PrivateKey, data []byte) ([]byte, error) {
	switch p.AsymmetricSignature {
	case SignatureNone:
		return nil, nil

	case SignatureRsaPkcs15Sha1:
		key, err := rsaPrivate(priv)
		if err != nil {
			return nil, err
		}
		digest := sha1.Sum(data)
		return rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA1, digest[:])

	case SignatureRsaPkcs15Sha256:
		key, err := rsaPrivate(priv)
		if err != nil {
			return nil, err
		}
		digest := sha256.Sum256(data)
		return rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])

	case SignatureRsaPssSha256:
		key, err := rsaPrivate(priv)
		if err != nil {
			return nil, err
		}
		digest := sha256.Sum256(data)
		opts := &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: crypto.SHA256}
		return rsa.SignPSS(rand.Reader, key, crypto.SHA256, digest[:], opts)

	case SignatureEcdsaSha256:
		key, ok := priv.(*ecdsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%w: ECDSA private key required", ErrInvalidKey)
		}
		digest := sha256.Sum256(data)
		r, s, err := ecdsa.Sign(rand.Reader, key, digest[:])
		if err != nil {
			return nil, err
		}
		sig := make([]byte, ecdsaSignatureSize)
		r.FillBytes(sig[:ecdsaSignatureSize/2])
		s.FillBytes(sig[ecdsaSignatureSize/2:])
		return sig, nil

	default:
		return nil, fmt.Errorf("%w: %s is not an asymmetric signature algorithm",
			ErrInvalidKey, p.AsymmetricSignature)
	}
}

// AsymmetricVerify checks the asymmetric signature over data against
// the sender's public key.
func (p *Policy) AsymmetricVerify(pub crypto.PublicKey, data, sig []byte) error {
	switch p.AsymmetricSignature {
	case SignatureNone:
		return nil

	case SignatureRsaPkcs15Sha1:
		key, err := rsaPublic(pub)
		if err != nil {
			return err
		}
		digest := sha1.Sum(data)
		if err := rsa.VerifyPKCS1v15(key, crypto.SHA1, digest[:], sig); err != nil {
			return fmt.Errorf("%w: %v", ErrSignatureMismatch, err)
		}
		return nil

	case SignatureRsaPkcs15Sha256:
		key, err := rsaPublic(pub)
		if err != nil {
			return err
		}
		digest := sha256.Sum256(data)
		if err := rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], sig); err != nil {
			return fmt.Errorf("%w: %v", ErrSignatureMismatch, err)
		}
		return nil

	case SignatureRsaPssSha256:
		key, err := rsaPublic(pub)
		if err != nil {
			return err
		}
		digest := sha256.Sum256(data)
		opts := &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: crypto.SHA256}
		if err := rsa.VerifyPSS(key, crypto.SHA256, digest[:], sig, opts); err != nil {
			return fmt.Errorf("%w: %v", ErrSignatureMismatch, err)
		}
		return nil

	case SignatureEcdsaSha256:
		key, ok := pub.(*ecdsa.PublicKey)
		if !ok {
			return fmt.Errorf("%w: ECDSA public key required", ErrInvalidKey)
		}
		if len(sig) != ecdsaSignatureSize {
			return fmt.Errorf("%w: signature is %d bytes, want %d",
				ErrSignatureMismatch, len(sig), ecdsaSignatureSize)
		}
		digest := sha256.Sum256(data)
		r := bigFromBytes(sig[:ecdsaSignatureSize/2])
		s := bigFromBytes(sig[ecdsaSignatureSize/2:])
		if !ecdsa.Verify(key, digest[:], r, s) {
			return ErrSignatureMismatch
		}
		return nil

	default:
		return fmt.Errorf("%w: %s is not an asymmetric signature algorithm",
			ErrInvalidKey, p.AsymmetricSignature)
	}
}

// AsymmetricPlainBlockSize returns the maximum plaintext block size for
// one asymmetric encryption operation against pub. This is also the
// padding granularity for handshake chunks. Returns 1 when the policy
// does not encrypt asymmetrically.
func (p *Policy) AsymmetricPlainBlockSize(pub crypto.PublicKey) int {
	key, ok := pub.(*rsa.PublicKey)
	if !ok {
		return 1
	}
	switch p.AsymmetricEncryption {
	case EncryptionRsaPkcs15:
		return key.Size() - 11
	case EncryptionRsaOaepSha1:
		return key.Size() - 2*sha1.Size - 2
	case EncryptionRsaOaepSha256:
		return key.Size() - 2*sha256.Size - 2
	default:
		return 1
	}
}

// AsymmetricCipherBlockSize returns the ciphertext block size produced
// by one asymmetric encryption operation against pub.
func (p *Policy) AsymmetricCipherBlockSize(pub crypto.PublicKey) int {
	key, ok := pub.(*rsa.PublicKey)
	if !ok || p.AsymmetricEncryption == EncryptionNone {
		return 1
	}
	return key.Size()
}

// AsymmetricEncrypt encrypts data blockwise to the receiver's public
// key. The input length must be a multiple of AsymmetricPlainBlockSize.
// Under EncryptionNone the input is returned unchanged.
func (p *Policy) AsymmetricEncrypt(pub crypto.PublicKey, data []byte) ([]byte, error) {
	if p.AsymmetricEncryption == EncryptionNone {
		return data, nil
	}
	key, err := rsaPublic(pub)
	if err != nil {
		return nil, err
	}
	plainBlock := p.AsymmetricPlainBlockSize(key)
	if len(data)%plainBlock != 0 {
		return nil, fmt.Errorf("%w: %d bytes, plaintext block size %d",
			ErrInvalidBlockSize, len(data), plainBlock)
	}

	out := make([]byte, 0, len(data)/plainBlock*key.Size())
	for off := 0; off < len(data); off += plainBlock {
		block, err := p.encryptBlock(key, data[off:off+plainBlock])
		if err != nil {
			return nil, err
		}
		out = append(out, block...)
	}
	return out, nil
}

// AsymmetricDecrypt decrypts data blockwise with the local private key.
// The input length must be a multiple of the ciphertext block size.
func (p *Policy) AsymmetricDecrypt(priv crypto.PrivateKey, data []byte) ([]byte, error) {
	if p.AsymmetricEncryption == EncryptionNone {
		return data, nil
	}
	key, err := rsaPrivate(priv)
	if err != nil {
		return nil, err
	}
	cipherBlock := key.Size()
	if len(data)%cipherBlock != 0 {
		return nil, fmt.Errorf("%w: %d bytes, ciphertext block size %d",
			ErrInvalidBlockSize, len(data), cipherBlock)
	}

	out := make([]byte, 0, len(data))
	for off := 0; off < len(data); off += cipherBlock {
		block, err := p.decryptBlock(key, data[off:off+cipherBlock])
		if err != nil {
			return nil, err
		}
		out = append(out, block...)
	}
	return out, nil
}

func (p *Policy) encryptBlock(key *rsa.PublicKey, block []byte) ([]byte, error) {
	switch p.AsymmetricEncryption {
	case EncryptionRsaPkcs15:
		return rsa.EncryptPKCS1v15(rand.Reader, key, block)
	case EncryptionRsaOaepSha1:
		return rsa.EncryptOAEP(sha1.New(), rand.Reader, key, block, nil)
	case EncryptionRsaOaepSha256:
		return rsa.EncryptOAEP(sha256.New(), rand.Reader, key, block, nil)
	default:
		return nil, fmt.Errorf("%w: %s is not an asymmetric encryption algorithm",
			ErrInvalidKey, p.AsymmetricEncryption)
	}
}

func (p *Policy) decryptBlock(key *rsa.PrivateKey, block []byte) ([]byte, error) {
	switch p.AsymmetricEncryption {
	case EncryptionRsaPkcs15:
		return rsa.DecryptPKCS1v15(rand.Reader, key, block)
	case EncryptionRsaOaepSha1:
		return rsa.DecryptOAEP(sha1.New(), rand.Reader, key, block, nil)
	case EncryptionRsaOaepSha256:
		return rsa.DecryptOAEP(sha256.New(), rand.Reader, key, block, nil)
	default:
		return nil, fmt.Errorf("%w: %s is not an asymmetric encryption algorithm",
			ErrInvalidKey, p.AsymmetricEncryption)
	}
}

// ValidateCertificateKey checks that a certificate public key falls
// within the policy's key size bounds.
func (p *Policy) ValidateCertificateKey(pub crypto.PublicKey) error {
	if p.IsNone() {
		return nil
	}
	var bits int
	switch key := pub.(type) {
	case *rsa.PublicKey:
		bits = key.Size() * 8
	case *ecdsa.PublicKey:
		bits = key.Curve.Params().BitSize
	default:
		return fmt.Errorf("%w: unsupported public key type %T", ErrInvalidKey, pub)
	}
	if bits < p.MinAsymmetricKeyBits || bits > p.MaxAsymmetricKeyBits {
		return fmt.Errorf("%w: %d bits, policy allows %d-%d",
			ErrKeyLengthOutOfRange, bits, p.MinAsymmetricKeyBits, p.MaxAsymmetricKeyBits)
	}
	return nil
}

func bigFromBytes(b []byte) *big.Int {
	return new(big.Int).SetBytes(b)
}

func rsaPrivate(priv crypto.PrivateKey) (*rsa.PrivateKey, error) {
	key, ok := priv.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: RSA private key required", ErrInvalidKey)
	}
	return key, nil
}

func rsaPublic(pub crypto.PublicKey) (*rsa.PublicKey, error) {
	key, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: RSA public key required", ErrInvalidKey)
	}
	return key, nil
}

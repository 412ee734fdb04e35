package policy

import (
	"errors"
	"fmt"
	"sort"
)

// Security policy URIs.
const (
	URINone             = "http://opcfoundation.org/UA/SecurityPolicy#None"
	URIBasic128Rsa15    = "http://opcfoundation.org/UA/SecurityPolicy#Basic128Rsa15"
	URIBasic256         = "http://opcfoundation.org/UA/SecurityPolicy#Basic256"
	URIBasic256Sha256   = "http://opcfoundation.org/UA/SecurityPolicy#Basic256Sha256"
	URIAes128Sha256Oaep = "http://opcfoundation.org/UA/SecurityPolicy#Aes128_Sha256_RsaOaep"
	URIAes256Sha256Pss  = "http://opcfoundation.org/UA/SecurityPolicy#Aes256_Sha256_RsaPss"
	URIEccNistP256      = "http://opcfoundation.org/UA/SecurityPolicy#ECC_nistP256"
)

// MaxURILength is the maximum security policy URI length in UTF-8 bytes
// as encoded on the wire.
const MaxURILength = 255

// Registry errors.
var (
	// ErrUnknownPolicy indicates a security policy URI with no registry entry.
	ErrUnknownPolicy = errors.New("unknown security policy")

	// ErrKeyLengthOutOfRange indicates an asymmetric key outside the
	// policy's permitted size bounds.
	ErrKeyLengthOutOfRange = errors.New("asymmetric key length out of range")

	// ErrSignatureMismatch indicates a signature that does not verify.
	ErrSignatureMismatch = errors.New("signature mismatch")

	// ErrInvalidKey indicates key material of the wrong type or size
	// for the policy's algorithms.
	ErrInvalidKey = errors.New("invalid key material")

	// ErrInvalidBlockSize indicates input whose length is not a
	// multiple of the algorithm's block size.
	ErrInvalidBlockSize = errors.New("input not a multiple of block size")
)

// SignatureAlgorithm identifies a signature algorithm.
type SignatureAlgorithm uint8

const (
	SignatureNone SignatureAlgorithm = iota
	SignatureRsaPkcs15Sha1
	SignatureRsaPkcs15Sha256
	SignatureRsaPssSha256
	SignatureEcdsaSha256
	SignatureHmacSha1
	SignatureHmacSha256
)

// String returns the algorithm name.
func (a SignatureAlgorithm) String() string {
	switch a {
	case SignatureNone:
		return "NONE"
	case SignatureRsaPkcs15Sha1:
		return "RSA-PKCS15-SHA1"
	case SignatureRsaPkcs15Sha256:
		return "RSA-PKCS15-SHA256"
	case SignatureRsaPssSha256:
		return "RSA-PSS-SHA256"
	case SignatureEcdsaSha256:
		return "ECDSA-SHA256"
	case SignatureHmacSha1:
		return "HMAC-SHA1"
	case SignatureHmacSha256:
		return "HMAC-SHA256"
	default:
		return "UNKNOWN"
	}
}

// EncryptionAlgorithm identifies an encryption algorithm.
type EncryptionAlgorithm uint8

const (
	EncryptionNone EncryptionAlgorithm = iota
	EncryptionRsaPkcs15
	EncryptionRsaOaepSha1
	EncryptionRsaOaepSha256
	EncryptionAes128Cbc
	EncryptionAes256Cbc
)

// String returns the algorithm name.
func (a EncryptionAlgorithm) String() string {
	switch a {
	case EncryptionNone:
		return "NONE"
	case EncryptionRsaPkcs15:
		return "RSA-PKCS15"
	case EncryptionRsaOaepSha1:
		return "RSA-OAEP-SHA1"
	case EncryptionRsaOaepSha256:
		return "RSA-OAEP-SHA256"
	case EncryptionAes128Cbc:
		return "AES128-CBC"
	case EncryptionAes256Cbc:
		return "AES256-CBC"
	default:
		return "UNKNOWN"
	}
}

// KeyDerivation identifies a key derivation function.
type KeyDerivation uint8

const (
	DerivationNone KeyDerivation = iota
	DerivationPSha1
	DerivationPSha256
	DerivationHkdfSha256
)

// String returns the KDF name.
func (k KeyDerivation) String() string {
	switch k {
	case DerivationNone:
		return "NONE"
	case DerivationPSha1:
		return "P-SHA1"
	case DerivationPSha256:
		return "P-SHA256"
	case DerivationHkdfSha256:
		return "HKDF-SHA256"
	default:
		return "UNKNOWN"
	}
}

// Policy is an immutable bundle of algorithm choices identified by URI.
type Policy struct {
	// URI identifies the policy on the wire.
	URI string

	// AsymmetricSignature signs handshake chunks.
	AsymmetricSignature SignatureAlgorithm

	// AsymmetricEncryption encrypts handshake chunks to the receiver's
	// public key. EncryptionNone for sign-only handshakes.
	AsymmetricEncryption EncryptionAlgorithm

	// SymmetricSignature authenticates session chunks.
	SymmetricSignature SignatureAlgorithm

	// SymmetricEncryption encrypts session chunks.
	SymmetricEncryption EncryptionAlgorithm

	// KeyDerivation expands the exchanged nonces into symmetric keys.
	KeyDerivation KeyDerivation

	// SymmetricSigningKeySize is the derived signing key length in bytes.
	SymmetricSigningKeySize int

	// SymmetricEncryptionKeySize is the derived encryption key length in bytes.
	SymmetricEncryptionKeySize int

	// SymmetricIVSize is the derived initialization vector length in bytes.
	SymmetricIVSize int

	// NonceLength is the handshake nonce length in bytes.
	NonceLength int

	// MinAsymmetricKeyBits and MaxAsymmetricKeyBits bound acceptable
	// certificate key sizes.
	MinAsymmetricKeyBits int
	MaxAsymmetricKeyBits int
}

// IsNone reports whether this is the "None" policy, under which no
// signing or encryption occurs.
func (p *Policy) IsNone() bool {
	return p.URI == URINone
}

// registry is the fixed URI → policy table. Policies are never mutated
// after init, so concurrent lookups need no locking.
var registry = map[string]*Policy{
	URINone: {
		URI: URINone,
	},
	URIBasic128Rsa15: {
		URI:                        URIBasic128Rsa15,
		AsymmetricSignature:        SignatureRsaPkcs15Sha1,
		AsymmetricEncryption:       EncryptionRsaPkcs15,
		SymmetricSignature:         SignatureHmacSha1,
		SymmetricEncryption:        EncryptionAes128Cbc,
		KeyDerivation:              DerivationPSha1,
		SymmetricSigningKeySize:    16,
		SymmetricEncryptionKeySize: 16,
		SymmetricIVSize:            16,
		NonceLength:                16,
		MinAsymmetricKeyBits:       1024,
		MaxAsymmetricKeyBits:       2048,
	},
	URIBasic256: {
		URI:                        URIBasic256,
		AsymmetricSignature:        SignatureRsaPkcs15Sha1,
		AsymmetricEncryption:       EncryptionRsaOaepSha1,
		SymmetricSignature:         SignatureHmacSha1,
		SymmetricEncryption:        EncryptionAes256Cbc,
		KeyDerivation:              DerivationPSha1,
		SymmetricSigningKeySize:    24,
		SymmetricEncryptionKeySize: 32,
		SymmetricIVSize:            16,
		NonceLength:                32,
		MinAsymmetricKeyBits:       1024,
		MaxAsymmetricKeyBits:       2048,
	},
	URIBasic256Sha256: {
		URI:                        URIBasic256Sha256,
		AsymmetricSignature:        SignatureRsaPkcs15Sha256,
		AsymmetricEncryption:       EncryptionRsaOaepSha1,
		SymmetricSignature:         SignatureHmacSha256,
		SymmetricEncryption:        EncryptionAes256Cbc,
		KeyDerivation:              DerivationPSha256,
		SymmetricSigningKeySize:    32,
		SymmetricEncryptionKeySize: 32,
		SymmetricIVSize:            16,
		NonceLength:                32,
		MinAsymmetricKeyBits:       2048,
		MaxAsymmetricKeyBits:       4096,
	},
	URIAes128Sha256Oaep: {
		URI:                        URIAes128Sha256Oaep,
		AsymmetricSignature:        SignatureRsaPkcs15Sha256,
		AsymmetricEncryption:       EncryptionRsaOaepSha1,
		SymmetricSignature:         SignatureHmacSha256,
		SymmetricEncryption:        EncryptionAes128Cbc,
		KeyDerivation:              DerivationPSha256,
		SymmetricSigningKeySize:    32,
		SymmetricEncryptionKeySize: 16,
		SymmetricIVSize:            16,
		NonceLength:                32,
		MinAsymmetricKeyBits:       2048,
		MaxAsymmetricKeyBits:       4096,
	},
	URIAes256Sha256Pss: {
		URI:                        URIAes256Sha256Pss,
		AsymmetricSignature:        SignatureRsaPssSha256,
		AsymmetricEncryption:       EncryptionRsaOaepSha256,
		SymmetricSignature:         SignatureHmacSha256,
		SymmetricEncryption:        EncryptionAes256Cbc,
		KeyDerivation:              DerivationPSha256,
		SymmetricSigningKeySize:    32,
		SymmetricEncryptionKeySize: 32,
		SymmetricIVSize:            16,
		NonceLength:                32,
		MinAsymmetricKeyBits:       2048,
		MaxAsymmetricKeyBits:       4096,
	},
	URIEccNistP256: {
		URI:                        URIEccNistP256,
		AsymmetricSignature:        SignatureEcdsaSha256,
		AsymmetricEncryption:       EncryptionNone,
		SymmetricSignature:         SignatureHmacSha256,
		SymmetricEncryption:        EncryptionAes128Cbc,
		KeyDerivation:              DerivationHkdfSha256,
		SymmetricSigningKeySize:    32,
		SymmetricEncryptionKeySize: 16,
		SymmetricIVSize:            16,
		NonceLength:                32,
		MinAsymmetricKeyBits:       256,
		MaxAsymmetricKeyBits:       256,
	},
}

// Lookup resolves a security policy URI to its algorithm bundle.
func Lookup(uri string) (*Policy, error) {
	p, ok := registry[uri]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, uri)
	}
	return p, nil
}

// IsSupported reports whether the URI names a known policy.
func IsSupported(uri string) bool {
	_, ok := registry[uri]
	return ok
}

// SupportedURIs returns the registered policy URIs in sorted order.
func SupportedURIs() []string {
	uris := make([]string, 0, len(registry))
	for uri := range registry {
		uris = append(uris, uri)
	}
	sort.Strings(uris)
	return uris
}

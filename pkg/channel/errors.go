package channel

import "errors"

// Channel errors.
var (
	// ErrChannelNotFound indicates an operation against a channel id
	// that does not exist or has been closed.
	ErrChannelNotFound = errors.New("secure channel not found")

	// ErrChannelClosed indicates an operation on a channel that has
	// been torn down. The underlying fault, if any, is wrapped.
	ErrChannelClosed = errors.New("secure channel closed")

	// ErrInvalidState indicates an operation that is not legal in the
	// channel's current state.
	ErrInvalidState = errors.New("operation invalid in current channel state")

	// ErrInvalidSecurityPolicy indicates a handshake with a policy the
	// registry does not know or the endpoint does not accept.
	ErrInvalidSecurityPolicy = errors.New("invalid security policy")

	// ErrInvalidCertificate indicates a handshake certificate that is
	// untrusted, expired, or outside the policy's key size bounds.
	ErrInvalidCertificate = errors.New("invalid certificate")

	// ErrSequenceNumberMismatch indicates a received sequence number
	// that is not exactly the previous value plus one. Fatal to the
	// channel: a silently lost chunk leaves the cryptographic stream
	// state unrecoverable.
	ErrSequenceNumberMismatch = errors.New("sequence number mismatch")

	// ErrDecryptionFailed indicates a chunk that could not be
	// decrypted or whose padding is invalid. Fatal to the channel.
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrSignatureInvalid indicates a chunk whose signature does not
	// verify. Fatal to the channel.
	ErrSignatureInvalid = errors.New("signature invalid")

	// ErrUnknownToken indicates a symmetric header naming a token id
	// that is neither the current token nor the previous token within
	// its grace window. Fatal to the channel.
	ErrUnknownToken = errors.New("unknown security token")

	// ErrTokenExpired indicates a token past its lifetime, or the
	// previous token past its renewal grace window. Fatal to the
	// channel.
	ErrTokenExpired = errors.New("security token expired")

	// ErrReassemblyLimitExceeded indicates a multi-chunk message that
	// exceeded the accumulation limits. Fatal to that request only;
	// the channel survives.
	ErrReassemblyLimitExceeded = errors.New("reassembly limit exceeded")
)

// Package policy maps security policy URIs to their algorithm bundles.
//
// A security policy fixes, for the lifetime of a secure channel, the
// asymmetric signature and encryption algorithms used during the
// handshake, the symmetric signature and encryption algorithms used for
// session traffic, the key derivation function, and the acceptable
// asymmetric key sizes. Policies are immutable; the registry is a pure
// lookup table with no state.
//
// The special "None" policy disables all signing and encryption. Under
// None, security headers carry no certificate or thumbprint and every
// cryptographic operation is the identity transform.
package policy

// Package channel implements the secure channel state machine and the
// per-channel sequence and reassembly tracking.
//
// A secure channel moves through Closed, OpeningAsymmetric, Open and
// Renewing states. Handshake chunks (OPN) carry asymmetric security
// headers and are signed and encrypted with certificate keys; once a
// channel is Open, every chunk carries a symmetric header naming the
// negotiated security token, and is secured with keys derived from the
// exchanged nonces.
//
// Concurrency model: the encode path is serialized per channel (one
// writer per direction); the decode path is driven by the transport's
// single reader. Token renewal may run concurrently with traffic - the
// outgoing and incoming token generations coexist read-only during the
// renewal grace window.
//
// Cryptographic faults, sequence gaps and protocol violations are
// fatal to the channel: it is closed and every later operation reports
// the original fault. Reassembly limit violations abort only the
// offending request.
package channel

// Package transport implements the connection protocol beneath the
// secure channel: TCP connections that exchange UASC chunks.
//
// A connection starts with a Hello/Acknowledge handshake that
// negotiates buffer sizes and message limits. After the handshake the
// connection is a bidirectional chunk stream; every read and write is
// one complete chunk, framed by the 8-byte prefix the chunk package
// defines. Protocol faults are reported to the peer with an Error
// chunk before the connection is dropped.
//
// The package provides both sides: Dial performs the client handshake
// and returns a negotiated Conn, Server accepts connections, answers
// Hello chunks, and hands negotiated connections to callbacks.
package transport

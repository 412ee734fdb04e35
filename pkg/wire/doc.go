// Package wire provides the binary encoding primitives for the UASC
// wire format.
//
// All multi-byte integers are little-endian, matching deployed OPC UA
// binary peers. Variable-length fields (String, ByteString) are encoded
// as a signed 32-bit length prefix followed by the raw bytes; a length
// of -1 denotes an absent value.
//
// The Writer and Reader types operate on in-memory buffers only. They
// never touch the network; framing and I/O live in the transport
// package.
package wire

// Package log provides structured protocol event logging for the UASC
// stack.
//
// Every layer emits typed Event values through an injected Logger:
// the transport layer logs raw chunk frames, the channel layer logs
// secured chunks, state transitions, and faults. Events are written as
// CBOR records with integer keys, so capture files stay compact and
// can be replayed or filtered offline with Reader.
//
// Pass NoopLogger (or nil, where a component documents that) to
// disable logging entirely.
package log

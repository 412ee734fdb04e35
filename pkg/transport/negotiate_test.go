package transport

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uasc-protocol/uasc-go/pkg/chunk"
)

func TestHelloRoundTrip(t *testing.T) {
	h := &Hello{
		Version:           ProtocolVersion,
		ReceiveBufferSize: 65535,
		SendBufferSize:    32768,
		MaxMessageSize:    1 << 20,
		MaxChunkCount:     64,
		EndpointURL:       "opc.tcp://device.local:4840",
	}
	data := h.Encode()

	prefix, err := chunk.DecodePrefix(data)
	require.NoError(t, err)
	assert.Equal(t, chunk.TypeHello, prefix.Type)
	assert.Equal(t, uint32(len(data)), prefix.MessageSize)

	decoded, err := DecodeHello(data)
	require.NoError(t, err)
	assert.Equal(t, h, decoded)
}

func TestAcknowledgeRoundTrip(t *testing.T) {
	a := &Acknowledge{
		Version:           ProtocolVersion,
		ReceiveBufferSize: 16384,
		SendBufferSize:    16384,
		MaxMessageSize:    1 << 20,
		MaxChunkCount:     32,
	}
	decoded, err := DecodeAcknowledge(a.Encode())
	require.NoError(t, err)
	assert.Equal(t, a, decoded)
}

func TestErrorRoundTrip(t *testing.T) {
	e := &Error{Code: StatusBadSecureChannelClosed, Reason: "channel torn down"}
	decoded, err := DecodeError(e.Encode())
	require.NoError(t, err)
	assert.Equal(t, e, decoded)
}

func TestReverseHelloRoundTrip(t *testing.T) {
	rh := &ReverseHello{
		ServerURI:   "urn:example:plc-17",
		EndpointURL: "opc.tcp://plc-17.local:4840",
	}
	decoded, err := DecodeReverseHello(rh.Encode())
	require.NoError(t, err)
	assert.Equal(t, rh, decoded)
}

func TestDecodeRejectsWrongType(t *testing.T) {
	h := &Hello{Version: ProtocolVersion, ReceiveBufferSize: 8192, SendBufferSize: 8192}
	_, err := DecodeAcknowledge(h.Encode())
	assert.True(t, errors.Is(err, chunk.ErrUnknownMessageType))
}

func TestNegotiateClampsBuffers(t *testing.T) {
	local := Limits{
		ReceiveBufferSize: 65535,
		SendBufferSize:    65535,
		MaxMessageSize:    16 << 20,
		MaxChunkCount:     256,
	}
	hello := &Hello{
		Version:           ProtocolVersion,
		ReceiveBufferSize: 16384,
		SendBufferSize:    32768,
		MaxMessageSize:    1 << 20,
		MaxChunkCount:     512,
	}

	ack, negotiated, err := Negotiate(local, hello)
	require.NoError(t, err)

	// The server receives what the client sends and vice versa.
	assert.Equal(t, uint32(32768), ack.ReceiveBufferSize)
	assert.Equal(t, uint32(16384), ack.SendBufferSize)
	assert.Equal(t, uint32(1<<20), ack.MaxMessageSize)
	assert.Equal(t, uint32(256), ack.MaxChunkCount)
	assert.Equal(t, ack.ReceiveBufferSize, negotiated.ReceiveBufferSize)
	assert.Equal(t, ack.SendBufferSize, negotiated.SendBufferSize)
}

func TestNegotiateZeroMeansUnbounded(t *testing.T) {
	local := DefaultLimits()
	local.MaxMessageSize = 0
	hello := &Hello{
		Version:           ProtocolVersion,
		ReceiveBufferSize: 65535,
		SendBufferSize:    65535,
		MaxMessageSize:    4 << 20,
	}
	ack, _, err := Negotiate(local, hello)
	require.NoError(t, err)
	assert.Equal(t, uint32(4<<20), ack.MaxMessageSize)
	assert.Equal(t, local.MaxChunkCount, ack.MaxChunkCount)
}

func TestNegotiateRejectsSmallBuffers(t *testing.T) {
	hello := &Hello{
		Version:           ProtocolVersion,
		ReceiveBufferSize: 1024,
		SendBufferSize:    65535,
	}
	_, _, err := Negotiate(DefaultLimits(), hello)
	assert.True(t, errors.Is(err, ErrNegotiationFailed))
}

func TestNegotiateRejectsVersionMismatch(t *testing.T) {
	hello := &Hello{
		Version:           99,
		ReceiveBufferSize: 65535,
		SendBufferSize:    65535,
	}
	_, _, err := Negotiate(DefaultLimits(), hello)
	assert.True(t, errors.Is(err, ErrProtocolVersionMismatch))
}

func TestClientLimitsRejectRaisedBuffers(t *testing.T) {
	offered := Limits{ReceiveBufferSize: 16384, SendBufferSize: 16384}
	ack := &Acknowledge{
		Version:           ProtocolVersion,
		ReceiveBufferSize: 16384,
		SendBufferSize:    65535, // larger than the client can receive
	}
	_, err := clientLimits(offered, ack)
	assert.True(t, errors.Is(err, ErrNegotiationFailed))
}

func TestClientLimitsSwapPerspective(t *testing.T) {
	offered := Limits{ReceiveBufferSize: 65535, SendBufferSize: 32768}
	ack := &Acknowledge{
		Version:           ProtocolVersion,
		ReceiveBufferSize: 32768,
		SendBufferSize:    16384,
		MaxMessageSize:    1 << 20,
		MaxChunkCount:     64,
	}
	limits, err := clientLimits(offered, ack)
	require.NoError(t, err)
	assert.Equal(t, uint32(16384), limits.ReceiveBufferSize)
	assert.Equal(t, uint32(32768), limits.SendBufferSize)
}

func TestPeerErrorMessage(t *testing.T) {
	err := &PeerError{Code: StatusBadTCPMessageTooLarge, Reason: "chunk over budget"}
	assert.Contains(t, err.Error(), "0x80800000")
	assert.Contains(t, err.Error(), "chunk over budget")
}

package uasc_test

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uasc-protocol/uasc-go/pkg/cert"
	"github.com/uasc-protocol/uasc-go/pkg/channel"
	"github.com/uasc-protocol/uasc-go/pkg/chunk"
	"github.com/uasc-protocol/uasc-go/pkg/policy"
	"github.com/uasc-protocol/uasc-go/pkg/transport"
)

// acceptParsed trusts any parseable certificate. The integration test
// pins identities implicitly by handing each side the other's DER.
type acceptParsed struct{}

func (acceptParsed) Verify(der []byte) (*x509.Certificate, error) {
	return x509.ParseCertificate(der)
}

// startStack runs a transport server wired to a channel manager that
// echoes completed messages, the same topology the reference server
// uses.
func startStack(t *testing.T, identity *cert.Identity) *transport.Server {
	t.Helper()

	manager := channel.NewManager(channel.ManagerConfig{
		Certificate: identity.DER(),
		Key:         identity.Key,
		TrustStore:  acceptParsed{},
	})

	srv := transport.NewServer(transport.ServerConfig{
		Address: "127.0.0.1:0",
		OnChunk: func(conn *transport.Conn, data []byte) {
			prefix, err := chunk.DecodePrefix(data)
			require.NoError(t, err)

			switch prefix.Type {
			case chunk.TypeOpenChannel:
				response, _, err := manager.HandleOpen(conn.ConnectionID(), data)
				if err != nil {
					_ = conn.SendError(transport.StatusBadSecurityChecksFailed, err.Error())
					return
				}
				require.NoError(t, conn.WriteChunk(response))
			default:
				channelID := binary.LittleEndian.Uint32(data[chunk.PrefixSize:])
				ch, err := manager.Get(channelID)
				require.NoError(t, err)
				inbound, err := ch.SecureInbound(data)
				if err != nil {
					return
				}
				if inbound.Type == chunk.TypeCloseChannel {
					_ = manager.Remove(channelID)
					return
				}
				if inbound.Outcome == channel.OutcomeComplete {
					chunks, err := ch.SecureOutbound(chunk.TypeMessage, inbound.RequestID, inbound.Message)
					require.NoError(t, err)
					for _, c := range chunks {
						require.NoError(t, conn.WriteChunk(c))
					}
				}
			}
		},
	})
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Stop() })
	return srv
}

func TestFullStackSecureEcho(t *testing.T) {
	serverID, err := cert.Generate(cert.GenerateOptions{CommonName: "integration-server"})
	require.NoError(t, err)
	clientID, err := cert.Generate(cert.GenerateOptions{CommonName: "integration-client"})
	require.NoError(t, err)

	srv := startStack(t, serverID)

	conn, err := transport.DialConfig{Address: srv.Addr().String()}.Dial(context.Background())
	require.NoError(t, err)
	defer conn.Close()

	p, err := policy.Lookup(policy.URIBasic256Sha256)
	require.NoError(t, err)

	handshake, err := channel.NewClient(channel.ClientConfig{
		Policy:            p,
		Certificate:       clientID.DER(),
		Key:               clientID.Key,
		ServerCertificate: serverID.DER(),
		TrustStore:        acceptParsed{},
		RequestedLifetime: time.Hour,
		ConnectionID:      conn.ConnectionID(),
	})
	require.NoError(t, err)

	// Open.
	request, err := handshake.OpenRequest(1)
	require.NoError(t, err)
	require.NoError(t, conn.WriteChunk(request))
	response, err := conn.ReadChunk()
	require.NoError(t, err)
	ch, err := handshake.CompleteOpen(response)
	require.NoError(t, err)
	assert.Equal(t, channel.StateOpen, ch.State())

	// Echo a payload large enough to need several chunks.
	payload := bytes.Repeat([]byte("process image segment "), 12000)
	echoed := roundTrip(t, conn, ch, 2, payload)
	assert.Equal(t, payload, echoed)

	// Renew and keep talking under the new token.
	renew, err := handshake.RenewRequest(ch, 3)
	require.NoError(t, err)
	require.NoError(t, conn.WriteChunk(renew))
	renewResponse, err := conn.ReadChunk()
	require.NoError(t, err)
	require.NoError(t, handshake.CompleteRenewal(ch, renewResponse))
	assert.Equal(t, uint32(2), ch.CurrentToken().ID)

	echoed = roundTrip(t, conn, ch, 4, []byte("after renewal"))
	assert.Equal(t, []byte("after renewal"), echoed)

	// Close.
	closeChunk, err := ch.Close(5)
	require.NoError(t, err)
	require.NoError(t, conn.WriteChunk(closeChunk))
	assert.Equal(t, channel.StateClosed, ch.State())
}

func roundTrip(t *testing.T, conn *transport.Conn, ch *channel.SecureChannel, requestID uint32, payload []byte) []byte {
	t.Helper()

	chunks, err := ch.SecureOutbound(chunk.TypeMessage, requestID, payload)
	require.NoError(t, err)
	for _, c := range chunks {
		require.LessOrEqual(t, uint32(len(c)), conn.Limits().SendBufferSize)
		require.NoError(t, conn.WriteChunk(c))
	}

	for {
		data, err := conn.ReadChunk()
		require.NoError(t, err)
		inbound, err := ch.SecureInbound(data)
		require.NoError(t, err)
		if inbound.Outcome == channel.OutcomeComplete {
			require.Equal(t, requestID, inbound.RequestID)
			return inbound.Message
		}
	}
}

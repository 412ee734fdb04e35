package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uasc-protocol/uasc-go/pkg/chunk"
	"github.com/uasc-protocol/uasc-go/pkg/wire"
)

// rawChunk builds a syntactically valid chunk of the given type around
// an opaque body.
func rawChunk(msgType string, flag chunk.Flag, body []byte) []byte {
	w := wire.NewWriter(chunk.PrefixSize + len(body))
	w.WriteRaw([]byte(msgType))
	w.WriteUint8(byte(flag))
	w.WriteUint32(uint32(chunk.PrefixSize + len(body)))
	w.WriteRaw(body)
	return w.Bytes()
}

func startEchoServer(t *testing.T) *Server {
	t.Helper()
	srv := NewServer(ServerConfig{
		Address: "127.0.0.1:0",
		OnChunk: func(conn *Conn, data []byte) {
			_ = conn.WriteChunk(data)
		},
	})
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Stop() })
	return srv
}

func TestDialAndEcho(t *testing.T) {
	srv := startEchoServer(t)

	conn, err := DialConfig{Address: srv.Addr().String()}.Dial(context.Background())
	require.NoError(t, err)
	defer conn.Close()

	assert.NotEmpty(t, conn.ConnectionID())
	assert.GreaterOrEqual(t, conn.Limits().ReceiveBufferSize, uint32(MinBufferSize))

	sent := rawChunk(chunk.TypeMessage, chunk.FlagFinal, []byte("measurement sweep 42"))
	require.NoError(t, conn.WriteChunk(sent))

	got, err := conn.ReadChunk()
	require.NoError(t, err)
	assert.Equal(t, sent, got)
}

func TestNegotiatedLimitsReachBothSides(t *testing.T) {
	var (
		mu          sync.Mutex
		serverConns []*Conn
	)
	srv := NewServer(ServerConfig{
		Address: "127.0.0.1:0",
		Limits:  Limits{ReceiveBufferSize: 16384, SendBufferSize: 16384},
		OnConnect: func(conn *Conn) {
			mu.Lock()
			serverConns = append(serverConns, conn)
			mu.Unlock()
		},
	})
	require.NoError(t, srv.Start())
	defer srv.Stop()

	conn, err := DialConfig{
		Address: srv.Addr().String(),
		Limits:  Limits{ReceiveBufferSize: 65535, SendBufferSize: 32768},
	}.Dial(context.Background())
	require.NoError(t, err)
	defer conn.Close()

	// Client sends at most what the server can receive.
	assert.Equal(t, uint32(16384), conn.Limits().SendBufferSize)
	assert.Equal(t, uint32(16384), conn.Limits().ReceiveBufferSize)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(serverConns) == 1
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	server := serverConns[0]
	mu.Unlock()
	assert.Equal(t, uint32(32768), server.Limits().ReceiveBufferSize)
	assert.Equal(t, uint32(16384), server.Limits().SendBufferSize)
}

func TestWriteChunkEnforcesSendBuffer(t *testing.T) {
	srv := startEchoServer(t)

	conn, err := DialConfig{Address: srv.Addr().String()}.Dial(context.Background())
	require.NoError(t, err)
	defer conn.Close()

	huge := rawChunk(chunk.TypeMessage, chunk.FlagFinal, make([]byte, int(conn.Limits().SendBufferSize)))
	err = conn.WriteChunk(huge)
	assert.True(t, errors.Is(err, ErrChunkTooLarge))
}

func TestServerRejectsVersionMismatch(t *testing.T) {
	srv := startEchoServer(t)

	nc, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer nc.Close()

	hello := &Hello{Version: 99, ReceiveBufferSize: 65535, SendBufferSize: 65535}
	_, err = nc.Write(hello.Encode())
	require.NoError(t, err)

	buf := make([]byte, 1024)
	require.NoError(t, nc.SetReadDeadline(time.Now().Add(time.Second)))
	n, err := nc.Read(buf)
	require.NoError(t, err)

	e, err := DecodeError(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, StatusBadProtocolVersionUnsupported, e.Code)
}

func TestServerRejectsUnknownEndpoint(t *testing.T) {
	srv := NewServer(ServerConfig{
		Address:     "127.0.0.1:0",
		EndpointURL: "opc.tcp://plant.example:4840",
	})
	require.NoError(t, srv.Start())
	defer srv.Stop()

	_, err := DialConfig{
		Address:     srv.Addr().String(),
		EndpointURL: "opc.tcp://other.example:4840",
	}.Dial(context.Background())

	var peerErr *PeerError
	require.True(t, errors.As(err, &peerErr))
	assert.Equal(t, StatusBadTCPEndpointURLInvalid, peerErr.Code)
}

func TestServerRejectsNonHelloFirstChunk(t *testing.T) {
	srv := startEchoServer(t)

	nc, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer nc.Close()

	_, err = nc.Write(rawChunk(chunk.TypeMessage, chunk.FlagFinal, []byte("premature")))
	require.NoError(t, err)

	buf := make([]byte, 1024)
	require.NoError(t, nc.SetReadDeadline(time.Now().Add(time.Second)))
	n, err := nc.Read(buf)
	require.NoError(t, err)

	e, err := DecodeError(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, StatusBadTCPMessageTypeInvalid, e.Code)
}

func TestCloseUnblocksReader(t *testing.T) {
	srv := startEchoServer(t)

	conn, err := DialConfig{Address: srv.Addr().String()}.Dial(context.Background())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := conn.ReadChunk()
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, conn.Close())

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, ErrConnectionClosed))
	case <-time.After(time.Second):
		t.Fatal("reader did not unblock")
	}

	assert.True(t, conn.Closed())
	assert.True(t, errors.Is(conn.WriteChunk(rawChunk(chunk.TypeMessage, chunk.FlagFinal, nil)), ErrConnectionClosed))
}

func TestServerStopDisconnectsClients(t *testing.T) {
	var disconnected sync.WaitGroup
	disconnected.Add(1)
	srv := NewServer(ServerConfig{
		Address:      "127.0.0.1:0",
		OnDisconnect: func(conn *Conn, err error) { disconnected.Done() },
	})
	require.NoError(t, srv.Start())

	conn, err := DialConfig{Address: srv.Addr().String()}.Dial(context.Background())
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return srv.ConnectionCount() == 1 }, time.Second, 10*time.Millisecond)
	require.NoError(t, srv.Stop())

	done := make(chan struct{})
	go func() { disconnected.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disconnect callback not invoked")
	}
	assert.Equal(t, 0, srv.ConnectionCount())
}

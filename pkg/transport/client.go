package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/uasc-protocol/uasc-go/pkg/chunk"
	"github.com/uasc-protocol/uasc-go/pkg/log"
)

// DialConfig configures an outgoing connection.
type DialConfig struct {
	// Address is the TCP address to connect to (host:port).
	Address string

	// EndpointURL is sent in the Hello so servers hosting multiple
	// endpoints can route the connection.
	EndpointURL string

	// Limits are the client's proposed limits. Zero fields take the
	// package defaults.
	Limits Limits

	// Timeout bounds the TCP connect and the Hello/Acknowledge
	// exchange. Defaults to 10 seconds.
	Timeout time.Duration

	// Logger receives transport events. Defaults to NoopLogger.
	Logger log.Logger
}

func (cfg *DialConfig) applyDefaults() {
	def := DefaultLimits()
	if cfg.Limits.ReceiveBufferSize == 0 {
		cfg.Limits.ReceiveBufferSize = def.ReceiveBufferSize
	}
	if cfg.Limits.SendBufferSize == 0 {
		cfg.Limits.SendBufferSize = def.SendBufferSize
	}
	if cfg.Limits.MaxMessageSize == 0 {
		cfg.Limits.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.Limits.MaxChunkCount == 0 {
		cfg.Limits.MaxChunkCount = def.MaxChunkCount
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
}

// Dial connects to a server and performs the Hello/Acknowledge
// handshake. On success the returned Conn carries the negotiated
// limits.
func (cfg DialConfig) Dial(ctx context.Context) (*Conn, error) {
	cfg.applyDefaults()

	dialer := net.Dialer{Timeout: cfg.Timeout}
	nc, err := dialer.DialContext(ctx, "tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", cfg.Address, err)
	}

	conn := newConn(nc, cfg.Limits, cfg.Logger)
	if err := conn.handshake(cfg); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

// handshake runs the client side of the negotiation on a fresh
// connection.
func (c *Conn) handshake(cfg DialConfig) error {
	deadline := time.Now().Add(cfg.Timeout)
	_ = c.conn.SetDeadline(deadline)
	defer func() { _ = c.conn.SetDeadline(time.Time{}) }()

	hello := &Hello{
		Version:           ProtocolVersion,
		ReceiveBufferSize: cfg.Limits.ReceiveBufferSize,
		SendBufferSize:    cfg.Limits.SendBufferSize,
		MaxMessageSize:    cfg.Limits.MaxMessageSize,
		MaxChunkCount:     cfg.Limits.MaxChunkCount,
		EndpointURL:       cfg.EndpointURL,
	}
	if err := c.WriteChunk(hello.Encode()); err != nil {
		return fmt.Errorf("sending hello: %w", err)
	}

	data, err := c.ReadChunk()
	if err != nil {
		return fmt.Errorf("awaiting acknowledge: %w", err)
	}
	prefix, err := chunk.DecodePrefix(data)
	if err != nil {
		return err
	}
	switch prefix.Type {
	case chunk.TypeAcknowledge:
		ack, err := DecodeAcknowledge(data)
		if err != nil {
			return err
		}
		negotiated, err := clientLimits(cfg.Limits, ack)
		if err != nil {
			c.logError(err, "negotiate")
			return err
		}
		c.limits = negotiated
		return nil
	case chunk.TypeError:
		e, err := DecodeError(data)
		if err != nil {
			return err
		}
		return &PeerError{Code: e.Code, Reason: e.Reason}
	default:
		return fmt.Errorf("%w: %q during handshake", chunk.ErrUnknownMessageType, prefix.Type)
	}
}

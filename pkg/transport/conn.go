package transport

import (
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/uasc-protocol/uasc-go/pkg/chunk"
	"github.com/uasc-protocol/uasc-go/pkg/log"
)

// Conn is a negotiated chunk-stream connection. Reads and writes move
// whole chunks; writes are serialized, reads must come from a single
// goroutine.
type Conn struct {
	conn   net.Conn
	id     string
	limits Limits
	logger log.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
}

// newConn wraps a net.Conn after negotiation settled the limits.
func newConn(nc net.Conn, limits Limits, logger log.Logger) *Conn {
	if logger == nil {
		logger = log.NoopLogger{}
	}
	return &Conn{
		conn:   nc,
		id:     uuid.New().String(),
		limits: limits,
		logger: logger,
	}
}

// ConnectionID returns the unique id assigned to this connection.
func (c *Conn) ConnectionID() string {
	return c.id
}

// Limits returns the negotiated transport limits.
func (c *Conn) Limits() Limits {
	return c.limits
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// LocalAddr returns the local address.
func (c *Conn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// ReadChunk reads one complete chunk, enforcing the negotiated receive
// buffer size. The returned slice is freshly allocated.
func (c *Conn) ReadChunk() ([]byte, error) {
	if c.closed.Load() {
		return nil, ErrConnectionClosed
	}

	var header [chunk.PrefixSize]byte
	if _, err := io.ReadFull(c.conn, header[:]); err != nil {
		if c.closed.Load() {
			return nil, ErrConnectionClosed
		}
		return nil, fmt.Errorf("reading chunk prefix: %w", err)
	}
	prefix, err := chunk.DecodePrefix(header[:])
	if err != nil {
		return nil, err
	}
	if prefix.MessageSize < chunk.PrefixSize {
		return nil, fmt.Errorf("%w: declared size %d below prefix", chunk.ErrTruncatedChunk, prefix.MessageSize)
	}
	if prefix.MessageSize > c.limits.ReceiveBufferSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrChunkTooLarge, prefix.MessageSize, c.limits.ReceiveBufferSize)
	}

	data := make([]byte, prefix.MessageSize)
	copy(data, header[:])
	if _, err := io.ReadFull(c.conn, data[chunk.PrefixSize:]); err != nil {
		return nil, fmt.Errorf("reading chunk payload: %w", err)
	}

	c.logChunk(log.DirectionIn, prefix, data)
	return data, nil
}

// WriteChunk writes one complete chunk, enforcing the peer's receive
// buffer size. Safe for concurrent use.
func (c *Conn) WriteChunk(data []byte) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	prefix, err := chunk.DecodePrefix(data)
	if err != nil {
		return err
	}
	if uint32(len(data)) > c.limits.SendBufferSize {
		return fmt.Errorf("%w: %d > %d", ErrChunkTooLarge, len(data), c.limits.SendBufferSize)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.conn.Write(data); err != nil {
		if c.closed.Load() {
			return ErrConnectionClosed
		}
		return fmt.Errorf("writing chunk: %w", err)
	}

	c.logChunk(log.DirectionOut, prefix, data)
	return nil
}

// SendError sends an Error chunk to the peer. The connection stays
// open; callers close it right after.
func (c *Conn) SendError(code uint32, reason string) error {
	e := &Error{Code: code, Reason: reason}
	return c.WriteChunk(e.Encode())
}

// SetReadDeadline sets the deadline for future reads.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// Close closes the underlying connection. Further operations return
// ErrConnectionClosed.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		err = c.conn.Close()
	})
	return err
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	return c.closed.Load()
}

func (c *Conn) logChunk(dir log.Direction, prefix *chunk.Prefix, data []byte) {
	clipped, truncated := log.TruncateChunkData(data)
	c.logger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: c.id,
		Direction:    dir,
		Layer:        log.LayerTransport,
		Category:     log.CategoryChunk,
		RemoteAddr:   c.conn.RemoteAddr().String(),
		Chunk: &log.ChunkEvent{
			Type:      prefix.Type,
			Flag:      prefix.Flag.String(),
			Size:      len(data),
			Data:      clipped,
			Truncated: truncated,
		},
	})
}

func (c *Conn) logError(err error, context string) {
	c.logger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: c.id,
		Layer:        log.LayerTransport,
		Category:     log.CategoryError,
		RemoteAddr:   c.conn.RemoteAddr().String(),
		Error: &log.ErrorEventData{
			Layer:   log.LayerTransport,
			Message: err.Error(),
			Context: context,
		},
	})
}

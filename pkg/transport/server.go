package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/uasc-protocol/uasc-go/pkg/chunk"
	"github.com/uasc-protocol/uasc-go/pkg/log"
)

// ServerConfig configures a chunk-stream listener.
type ServerConfig struct {
	// Address is the TCP listen address (host:port). Port 0 picks a
	// free port; Addr reports the bound address.
	Address string

	// Limits are the server's own limits, revised against each
	// client's Hello. Zero fields take the package defaults.
	Limits Limits

	// EndpointURL, when set, must match the URL in the client's
	// Hello. Empty accepts any.
	EndpointURL string

	// HandshakeTimeout bounds the wait for the client's Hello.
	// Defaults to 10 seconds.
	HandshakeTimeout time.Duration

	// OnConnect is called after a connection completed negotiation.
	OnConnect func(conn *Conn)

	// OnChunk is called for every chunk read after negotiation. The
	// slice is owned by the callback.
	OnChunk func(conn *Conn, data []byte)

	// OnDisconnect is called when a negotiated connection ends.
	OnDisconnect func(conn *Conn, err error)

	// Logger receives transport events. Defaults to NoopLogger.
	Logger log.Logger
}

func (cfg *ServerConfig) applyDefaults() {
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
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NoopLogger{}
	}
}

// Server accepts connections, answers Hellos, and drives the per
// connection read loops.
type Server struct {
	cfg      ServerConfig
	listener net.Listener
	running  atomic.Bool
	wg       sync.WaitGroup

	mu    sync.Mutex
	conns map[string]*Conn
}

// NewServer creates a server. Start begins accepting.
func NewServer(cfg ServerConfig) *Server {
	cfg.applyDefaults()
	return &Server{
		cfg:   cfg,
		conns: make(map[string]*Conn),
	}
}

// Start binds the listen address and begins accepting connections.
func (s *Server) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("server already running")
	}
	l, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		s.running.Store(false)
		return fmt.Errorf("listening on %s: %w", s.cfg.Address, err)
	}
	s.listener = l

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and all connections and waits for the
// connection goroutines to finish.
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	err := s.listener.Close()

	s.mu.Lock()
	for _, conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

// ConnectionCount returns the number of negotiated connections.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			if s.running.Load() {
				s.cfg.Logger.Log(log.Event{
					Timestamp: time.Now(),
					Layer:     log.LayerTransport,
					Category:  log.CategoryError,
					Error:     &log.ErrorEventData{Layer: log.LayerTransport, Message: err.Error(), Context: "accept"},
				})
			}
			return
		}
		s.wg.Add(1)
		go s.handleConnection(nc)
	}
}

// handleConnection negotiates one connection, then reads chunks until
// the connection ends.
func (s *Server) handleConnection(nc net.Conn) {
	defer s.wg.Done()

	conn := newConn(nc, s.cfg.Limits, s.cfg.Logger)
	if err := s.negotiate(conn); err != nil {
		conn.logError(err, "handshake")
		_ = conn.Close()
		return
	}

	s.mu.Lock()
	s.conns[conn.ConnectionID()] = conn
	s.mu.Unlock()

	if s.cfg.OnConnect != nil {
		s.cfg.OnConnect(conn)
	}

	var loopErr error
	for {
		data, err := conn.ReadChunk()
		if err != nil {
			if !errors.Is(err, ErrConnectionClosed) {
				loopErr = err
				conn.logError(err, "read")
			}
			break
		}
		if s.cfg.OnChunk != nil {
			s.cfg.OnChunk(conn, data)
		}
	}

	_ = conn.Close()
	s.mu.Lock()
	delete(s.conns, conn.ConnectionID())
	s.mu.Unlock()

	if s.cfg.OnDisconnect != nil {
		s.cfg.OnDisconnect(conn, loopErr)
	}
}

// negotiate runs the server side of the Hello/Acknowledge exchange.
// Protocol faults are reported to the peer with an Error chunk.
func (s *Server) negotiate(conn *Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	data, err := conn.ReadChunk()
	if err != nil {
		return fmt.Errorf("awaiting hello: %w", err)
	}
	prefix, err := chunk.DecodePrefix(data)
	if err != nil {
		return err
	}
	if prefix.Type != chunk.TypeHello {
		_ = conn.SendError(StatusBadTCPMessageTypeInvalid, "expected HEL")
		return fmt.Errorf("%w: %q during handshake", chunk.ErrUnknownMessageType, prefix.Type)
	}
	hello, err := DecodeHello(data)
	if err != nil {
		_ = conn.SendError(StatusBadTCPInternalError, "malformed hello")
		return err
	}
	if len(hello.EndpointURL) > MaxEndpointURLLength {
		_ = conn.SendError(StatusBadTCPEndpointURLInvalid, "endpoint url too long")
		return fmt.Errorf("%w: endpoint url %d bytes", ErrNegotiationFailed, len(hello.EndpointURL))
	}
	if s.cfg.EndpointURL != "" && hello.EndpointURL != s.cfg.EndpointURL {
		_ = conn.SendError(StatusBadTCPEndpointURLInvalid, "unknown endpoint")
		return fmt.Errorf("%w: endpoint %q", ErrNegotiationFailed, hello.EndpointURL)
	}

	ack, negotiated, err := Negotiate(s.cfg.Limits, hello)
	if err != nil {
		code := StatusBadTCPInternalError
		if errors.Is(err, ErrProtocolVersionMismatch) {
			code = StatusBadProtocolVersionUnsupported
		}
		_ = conn.SendError(code, err.Error())
		return err
	}
	conn.limits = negotiated
	return conn.WriteChunk(ack.Encode())
}

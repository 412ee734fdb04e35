// Command uasc-server is a reference secure channel server.
//
// It accepts connections, negotiates transport limits, opens secure
// channels for clients, and echoes every message it receives back on
// the channel it arrived on. Intended as an interoperability target
// and a demonstration of the server-side wiring: configuration,
// certificates, trust store, discovery announcement, and protocol
// event capture.
//
// Usage:
//
//	uasc-server [flags]
//
// Flags:
//
//	-config string   Configuration file path (YAML)
//	-addr string     Listen address override (host:port)
//	-capture string  Protocol event capture file override
//	-insecure        Accept any syntactically valid client certificate
//	-verbose         Mirror protocol events to the console
//
// Examples:
//
//	# Start with defaults on :4840, in-memory trust store
//	uasc-server -insecure
//
//	# Production-style: config file, PKI directory, mDNS announcement
//	uasc-server -config /etc/uasc/server.yaml
package main

import (
	"context"
	"crypto/x509"
	"encoding/binary"
	"flag"
	stdlog "log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/uasc-protocol/uasc-go/pkg/cert"
	"github.com/uasc-protocol/uasc-go/pkg/channel"
	"github.com/uasc-protocol/uasc-go/pkg/chunk"
	"github.com/uasc-protocol/uasc-go/pkg/config"
	"github.com/uasc-protocol/uasc-go/pkg/discovery"
	"github.com/uasc-protocol/uasc-go/pkg/log"
	"github.com/uasc-protocol/uasc-go/pkg/transport"
)

var flags struct {
	configFile string
	addr       string
	capture    string
	insecure   bool
	verbose    bool
}

func init() {
	flag.StringVar(&flags.configFile, "config", "", "Configuration file path (YAML)")
	flag.StringVar(&flags.addr, "addr", "", "Listen address override (host:port)")
	flag.StringVar(&flags.capture, "capture", "", "Protocol event capture file override")
	flag.BoolVar(&flags.insecure, "insecure", false, "Accept any syntactically valid client certificate")
	flag.BoolVar(&flags.verbose, "verbose", false, "Mirror protocol events to the console")
}

// acceptAllStore trusts every parseable certificate. Demo use only,
// enabled with -insecure.
type acceptAllStore struct{}

func (acceptAllStore) Verify(der []byte) (*x509.Certificate, error) {
	return x509.ParseCertificate(der)
}

// session tracks which channels were opened on one connection so they
// can be torn down when the connection drops.
type session struct {
	mu       sync.Mutex
	channels map[string][]uint32
}

func (s *session) add(connID string, channelID uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[connID] = append(s.channels[connID], channelID)
}

func (s *session) drop(connID string) []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.channels[connID]
	delete(s.channels, connID)
	return ids
}

func main() {
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		stdlog.Fatalf("Configuration: %v", err)
	}

	logger, closeLogger, err := buildLogger(cfg)
	if err != nil {
		stdlog.Fatalf("Logging: %v", err)
	}
	defer closeLogger()

	identity, err := loadIdentity(cfg)
	if err != nil {
		stdlog.Fatalf("Identity: %v", err)
	}
	stdlog.Printf("Identity: %s (thumbprint %s)",
		identity.Certificate.Subject.CommonName, cert.ThumbprintHex(identity.DER()))

	trust, err := buildTrustStore(cfg)
	if err != nil {
		stdlog.Fatalf("Trust store: %v", err)
	}

	manager := channel.NewManager(channel.ManagerConfig{
		Policies:           cfg.Security.Policies,
		Certificate:        identity.DER(),
		Key:                identity.Key,
		TrustStore:         trust,
		MaxTokenLifetime:   cfg.Security.TokenLifetime.Std(),
		MaxChunkSize:       cfg.Limits.MaxChunkSize,
		MaxMessageSize:     cfg.Limits.MaxMessageSize,
		MaxChunkCount:      int(cfg.Limits.MaxChunkCount),
		MaxPendingRequests: cfg.Limits.MaxPendingRequests,
		Logger:             logger,
	})

	sessions := &session{channels: make(map[string][]uint32)}

	server := transport.NewServer(transport.ServerConfig{
		Address: cfg.Endpoint.Address,
		Limits: transport.Limits{
			ReceiveBufferSize: cfg.Limits.MaxChunkSize,
			SendBufferSize:    cfg.Limits.MaxChunkSize,
			MaxMessageSize:    cfg.Limits.MaxMessageSize,
			MaxChunkCount:     cfg.Limits.MaxChunkCount,
		},
		EndpointURL: cfg.Endpoint.URL,
		Logger:      logger,
		OnConnect: func(conn *transport.Conn) {
			stdlog.Printf("Connection %s from %s", conn.ConnectionID(), conn.RemoteAddr())
		},
		OnChunk: func(conn *transport.Conn, data []byte) {
			handleChunk(manager, sessions, conn, data)
		},
		OnDisconnect: func(conn *transport.Conn, err error) {
			for _, id := range sessions.drop(conn.ConnectionID()) {
				_ = manager.Remove(id)
			}
			if err != nil {
				stdlog.Printf("Connection %s ended: %v", conn.ConnectionID(), err)
			} else {
				stdlog.Printf("Connection %s closed", conn.ConnectionID())
			}
		},
	})
	if err := server.Start(); err != nil {
		stdlog.Fatalf("Listen: %v", err)
	}
	stdlog.Printf("Listening on %s", server.Addr())
	stdlog.Printf("Policies: %v", manager.SupportedPolicies())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var advertiser discovery.Advertiser
	if cfg.Endpoint.Announce {
		advertiser = discovery.NewMDNSAdvertiser(discovery.AdvertiserConfig{})
		err := advertiser.Advertise(ctx, &discovery.EndpointInfo{
			InstanceName:   identity.Certificate.Subject.CommonName,
			Port:           listenPort(server),
			ApplicationURI: cfg.Endpoint.ApplicationURI,
			Policies:       cfg.Security.Policies,
		})
		if err != nil {
			stdlog.Printf("Discovery announcement failed: %v", err)
		} else {
			stdlog.Printf("Announced via mDNS as %q", identity.Certificate.Subject.CommonName)
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	stdlog.Println("Shutting down")

	if advertiser != nil {
		advertiser.Stop()
	}
	_ = server.Stop()
}

// handleChunk routes one post-negotiation chunk: channel opens go to
// the manager, channel traffic to the owning channel. Completed
// messages are echoed back.
func handleChunk(manager *channel.Manager, sessions *session, conn *transport.Conn, data []byte) {
	prefix, err := chunk.DecodePrefix(data)
	if err != nil {
		_ = conn.SendError(transport.StatusBadTCPMessageTypeInvalid, err.Error())
		_ = conn.Close()
		return
	}

	switch prefix.Type {
	case chunk.TypeOpenChannel:
		response, ch, err := manager.HandleOpen(conn.ConnectionID(), data)
		if err != nil {
			_ = conn.SendError(transport.StatusBadSecurityChecksFailed, err.Error())
			_ = conn.Close()
			return
		}
		sessions.add(conn.ConnectionID(), ch.ChannelID())
		if err := conn.WriteChunk(response); err != nil {
			_ = conn.Close()
		}

	case chunk.TypeMessage, chunk.TypeCloseChannel:
		if len(data) < chunk.HeaderSize {
			_ = conn.SendError(transport.StatusBadTCPMessageTypeInvalid, "short chunk")
			_ = conn.Close()
			return
		}
		channelID := binary.LittleEndian.Uint32(data[chunk.PrefixSize:])
		ch, err := manager.Get(channelID)
		if err != nil {
			_ = conn.SendError(transport.StatusBadSecureChannelClosed, err.Error())
			_ = conn.Close()
			return
		}

		inbound, err := ch.SecureInbound(data)
		if err != nil {
			if ch.State() == channel.StateClosed {
				_ = manager.Remove(channelID)
				_ = conn.SendError(transport.StatusBadSecurityChecksFailed, err.Error())
				_ = conn.Close()
			}
			return
		}
		if inbound.Type == chunk.TypeCloseChannel {
			_ = manager.Remove(channelID)
			return
		}
		if inbound.Outcome == channel.OutcomeComplete {
			echo(ch, conn, inbound.RequestID, inbound.Message)
		}

	default:
		// HEL/ACK/ERR after negotiation is a protocol violation.
		_ = conn.SendError(transport.StatusBadTCPMessageTypeInvalid, prefix.Type)
		_ = conn.Close()
	}
}

func echo(ch *channel.SecureChannel, conn *transport.Conn, requestID uint32, payload []byte) {
	chunks, err := ch.SecureOutbound(chunk.TypeMessage, requestID, payload)
	if err != nil {
		stdlog.Printf("Echo on channel %d failed: %v", ch.ChannelID(), err)
		return
	}
	for _, c := range chunks {
		if err := conn.WriteChunk(c); err != nil {
			return
		}
	}
}

func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if flags.configFile != "" {
		loaded, err := config.Load(flags.configFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if flags.addr != "" {
		cfg.Endpoint.Address = flags.addr
	}
	if flags.capture != "" {
		cfg.Logging.CaptureFile = flags.capture
	}
	if flags.verbose {
		cfg.Logging.Console = true
	}
	return cfg, nil
}

func buildLogger(cfg *config.Config) (log.Logger, func(), error) {
	var loggers []log.Logger
	closer := func() {}

	if cfg.Logging.CaptureFile != "" {
		fl, err := log.NewFileLogger(cfg.Logging.CaptureFile)
		if err != nil {
			return nil, nil, err
		}
		loggers = append(loggers, fl)
		closer = func() { _ = fl.Close() }
	}
	if cfg.Logging.Console {
		handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
		loggers = append(loggers, log.NewSlogAdapter(slog.New(handler)))
	}

	switch len(loggers) {
	case 0:
		return log.NoopLogger{}, closer, nil
	case 1:
		return loggers[0], closer, nil
	default:
		return log.NewMultiLogger(loggers...), closer, nil
	}
}

func loadIdentity(cfg *config.Config) (*cert.Identity, error) {
	if cfg.Security.CertificateFile != "" {
		return cert.LoadIdentity(cfg.Security.CertificateFile, cfg.Security.KeyFile)
	}
	host, _ := os.Hostname()
	if host == "" {
		host = "uasc-server"
	}
	return cert.Generate(cert.GenerateOptions{
		CommonName:     host,
		ApplicationURI: cfg.Endpoint.ApplicationURI,
		Hosts:          []string{host, "localhost", "127.0.0.1"},
	})
}

func buildTrustStore(cfg *config.Config) (channel.TrustStore, error) {
	if flags.insecure {
		stdlog.Println("WARNING: -insecure accepts any client certificate")
		return acceptAllStore{}, nil
	}
	if cfg.Security.PKIDir != "" {
		return cert.NewDirectoryTrustStore(cfg.Security.PKIDir)
	}
	return cert.NewMemoryTrustStore(), nil
}

func listenPort(server *transport.Server) uint16 {
	if tcp, ok := server.Addr().(*net.TCPAddr); ok {
		return uint16(tcp.Port)
	}
	return discovery.DefaultPort
}

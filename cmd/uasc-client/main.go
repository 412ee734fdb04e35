// Command uasc-client is an interactive secure channel client.
//
// It connects to a server, negotiates transport limits, and then takes
// commands from an interactive prompt: open a secure channel under a
// chosen security policy, send messages, renew the token, and close
// the channel again. Useful for poking at servers and for watching the
// protocol in a capture file.
//
// Usage:
//
//	uasc-client [flags]
//
// Flags:
//
//	-addr string         Server address (default "localhost:4840")
//	-endpoint string     Endpoint URL sent in the Hello
//	-server-cert string  Server certificate PEM (required for secure policies)
//	-capture string      Protocol event capture file
//	-verbose             Mirror protocol events to the console
//
// Interactive commands:
//
//	open [policy]  - Open a secure channel (default policy: None)
//	send <text>    - Send text, print the echoed reply
//	renew          - Renew the security token
//	close          - Close the secure channel
//	status         - Show channel state and token
//	discover       - Browse mDNS for endpoints
//	quit           - Exit
package main

import (
	"context"
	"crypto/x509"
	"errors"
	"flag"
	"fmt"
	stdlog "log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/uasc-protocol/uasc-go/pkg/cert"
	"github.com/uasc-protocol/uasc-go/pkg/channel"
	"github.com/uasc-protocol/uasc-go/pkg/chunk"
	"github.com/uasc-protocol/uasc-go/pkg/discovery"
	"github.com/uasc-protocol/uasc-go/pkg/log"
	"github.com/uasc-protocol/uasc-go/pkg/policy"
	"github.com/uasc-protocol/uasc-go/pkg/transport"
)

var flags struct {
	addr       string
	endpoint   string
	serverCert string
	capture    string
	verbose    bool
}

func init() {
	flag.StringVar(&flags.addr, "addr", "localhost:4840", "Server address")
	flag.StringVar(&flags.endpoint, "endpoint", "", "Endpoint URL sent in the Hello")
	flag.StringVar(&flags.serverCert, "server-cert", "", "Server certificate PEM (required for secure policies)")
	flag.StringVar(&flags.capture, "capture", "", "Protocol event capture file")
	flag.BoolVar(&flags.verbose, "verbose", false, "Mirror protocol events to the console")
}

// acceptParsedStore trusts any parseable certificate. The client pins
// the server certificate explicitly via -server-cert, so the trust
// store only guards certificate syntax here.
type acceptParsedStore struct{}

func (acceptParsedStore) Verify(der []byte) (*x509.Certificate, error) {
	return x509.ParseCertificate(der)
}

// client holds the interactive session state.
type client struct {
	conn     *transport.Conn
	identity *cert.Identity
	logger   log.Logger
	rl       *readline.Instance

	handshake *channel.Client
	ch        *channel.SecureChannel
	requestID uint32
}

func main() {
	flag.Parse()

	logger, closeLogger, err := buildLogger()
	if err != nil {
		stdlog.Fatalf("Logging: %v", err)
	}
	defer closeLogger()

	identity, err := cert.Generate(cert.GenerateOptions{
		CommonName:     "uasc-client",
		ApplicationURI: "urn:uasc:client",
	})
	if err != nil {
		stdlog.Fatalf("Identity: %v", err)
	}

	conn, err := transport.DialConfig{
		Address:     flags.addr,
		EndpointURL: flags.endpoint,
		Logger:      logger,
	}.Dial(context.Background())
	if err != nil {
		stdlog.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	fmt.Printf("Connected to %s (conn %s)\n", flags.addr, conn.ConnectionID())
	limits := conn.Limits()
	fmt.Printf("Negotiated: chunk %d B, message %d B, %d chunks\n",
		limits.SendBufferSize, limits.MaxMessageSize, limits.MaxChunkCount)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "uasc> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		stdlog.Fatalf("Prompt: %v", err)
	}
	defer rl.Close()

	c := &client{
		conn:      conn,
		identity:  identity,
		logger:    logger,
		rl:        rl,
		requestID: 1,
	}
	c.run()
}

func (c *client) run() {
	c.printHelp()
	for {
		line, err := c.rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			return
		}
		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		parts := strings.Fields(input)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "help", "?":
			c.printHelp()
		case "open", "o":
			c.cmdOpen(args)
		case "send", "s":
			c.cmdSend(strings.TrimSpace(strings.TrimPrefix(input, parts[0])))
		case "renew", "r":
			c.cmdRenew()
		case "close":
			c.cmdClose()
		case "status":
			c.cmdStatus()
		case "discover", "d":
			c.cmdDiscover()
		case "quit", "exit", "q":
			return
		default:
			fmt.Fprintf(c.rl.Stderr(), "Unknown command %q, try help\n", cmd)
		}
	}
}

func (c *client) printHelp() {
	fmt.Fprint(c.rl.Stdout(), `Commands:
  open [policy]  - Open a secure channel (default policy: None)
  send <text>    - Send text, print the echoed reply
  renew          - Renew the security token
  close          - Close the secure channel
  status         - Show channel state and token
  discover       - Browse mDNS for endpoints
  quit           - Exit
`)
}

func (c *client) nextRequestID() uint32 {
	c.requestID++
	return c.requestID
}

func (c *client) cmdOpen(args []string) {
	if c.ch != nil && c.ch.State() != channel.StateClosed {
		fmt.Fprintln(c.rl.Stderr(), "Channel already open, close it first")
		return
	}

	uri := policy.URINone
	if len(args) > 0 {
		resolved, err := resolvePolicy(args[0])
		if err != nil {
			fmt.Fprintln(c.rl.Stderr(), err)
			return
		}
		uri = resolved
	}
	p, err := policy.Lookup(uri)
	if err != nil {
		fmt.Fprintln(c.rl.Stderr(), err)
		return
	}

	var serverDER []byte
	if !p.IsNone() {
		if flags.serverCert == "" {
			fmt.Fprintln(c.rl.Stderr(), "Secure policies need -server-cert")
			return
		}
		serverCert, err := loadServerCert(flags.serverCert)
		if err != nil {
			fmt.Fprintln(c.rl.Stderr(), err)
			return
		}
		serverDER = serverCert.Raw
	}

	handshake, err := channel.NewClient(channel.ClientConfig{
		Policy:            p,
		Certificate:       c.identity.DER(),
		Key:               c.identity.Key,
		ServerCertificate: serverDER,
		TrustStore:        acceptParsedStore{},
		ConnectionID:      c.conn.ConnectionID(),
		Logger:            c.logger,
	})
	if err != nil {
		fmt.Fprintln(c.rl.Stderr(), err)
		return
	}

	request, err := handshake.OpenRequest(1)
	if err != nil {
		fmt.Fprintln(c.rl.Stderr(), err)
		return
	}
	response, err := c.roundTrip(request)
	if err != nil {
		fmt.Fprintln(c.rl.Stderr(), err)
		return
	}
	ch, err := handshake.CompleteOpen(response)
	if err != nil {
		fmt.Fprintln(c.rl.Stderr(), err)
		return
	}

	c.handshake = handshake
	c.ch = ch
	token := ch.CurrentToken()
	fmt.Fprintf(c.rl.Stdout(), "Channel %d open under %s, token %d expires %s\n",
		ch.ChannelID(), p.URI, token.ID, token.ExpiresAt().Format(time.RFC3339))
}

func (c *client) cmdSend(text string) {
	if !c.requireOpen() {
		return
	}
	if text == "" {
		fmt.Fprintln(c.rl.Stderr(), "Nothing to send")
		return
	}

	requestID := c.nextRequestID()
	chunks, err := c.ch.SecureOutbound(chunk.TypeMessage, requestID, []byte(text))
	if err != nil {
		fmt.Fprintln(c.rl.Stderr(), err)
		return
	}
	for _, data := range chunks {
		if err := c.conn.WriteChunk(data); err != nil {
			fmt.Fprintln(c.rl.Stderr(), err)
			return
		}
	}

	// The echo may span multiple chunks.
	for {
		data, err := c.readChannelChunk()
		if err != nil {
			fmt.Fprintln(c.rl.Stderr(), err)
			return
		}
		inbound, err := c.ch.SecureInbound(data)
		if err != nil {
			fmt.Fprintln(c.rl.Stderr(), err)
			return
		}
		if inbound.Outcome == channel.OutcomeComplete {
			fmt.Fprintf(c.rl.Stdout(), "< %s\n", inbound.Message)
			return
		}
		if inbound.Outcome == channel.OutcomeAborted {
			fmt.Fprintln(c.rl.Stderr(), "Server aborted the response")
			return
		}
	}
}

func (c *client) cmdRenew() {
	if !c.requireOpen() {
		return
	}
	request, err := c.handshake.RenewRequest(c.ch, c.nextRequestID())
	if err != nil {
		fmt.Fprintln(c.rl.Stderr(), err)
		return
	}
	response, err := c.roundTrip(request)
	if err != nil {
		fmt.Fprintln(c.rl.Stderr(), err)
		return
	}
	if err := c.handshake.CompleteRenewal(c.ch, response); err != nil {
		fmt.Fprintln(c.rl.Stderr(), err)
		return
	}
	token := c.ch.CurrentToken()
	fmt.Fprintf(c.rl.Stdout(), "Renewed: token %d expires %s\n",
		token.ID, token.ExpiresAt().Format(time.RFC3339))
}

func (c *client) cmdClose() {
	if !c.requireOpen() {
		return
	}
	data, err := c.ch.Close(c.nextRequestID())
	if err != nil {
		fmt.Fprintln(c.rl.Stderr(), err)
		return
	}
	if err := c.conn.WriteChunk(data); err != nil {
		fmt.Fprintln(c.rl.Stderr(), err)
		return
	}
	fmt.Fprintf(c.rl.Stdout(), "Channel %d closed\n", c.ch.ChannelID())
	c.ch = nil
	c.handshake = nil
}

func (c *client) cmdStatus() {
	if c.ch == nil {
		fmt.Fprintln(c.rl.Stdout(), "No channel")
		return
	}
	fmt.Fprintf(c.rl.Stdout(), "Channel %d: %s, policy %s\n",
		c.ch.ChannelID(), c.ch.State(), c.ch.Policy().URI)
	if token := c.ch.CurrentToken(); token != nil {
		fmt.Fprintf(c.rl.Stdout(), "Token %d expires %s\n",
			token.ID, token.ExpiresAt().Format(time.RFC3339))
	}
	if fault := c.ch.Fault(); fault != nil {
		fmt.Fprintf(c.rl.Stdout(), "Fault: %v\n", fault)
	}
}

func (c *client) cmdDiscover() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	browser := discovery.NewMDNSBrowser(discovery.BrowserConfig{})
	results, err := browser.Browse(ctx)
	if err != nil {
		fmt.Fprintln(c.rl.Stderr(), err)
		return
	}
	found := 0
	for svc := range results {
		found++
		fmt.Fprintf(c.rl.Stdout(), "%s\t%s\t%v\n", svc.InstanceName, svc.EndpointURL(""), svc.Policies)
	}
	if found == 0 {
		fmt.Fprintln(c.rl.Stdout(), "No endpoints found")
	}
}

func (c *client) requireOpen() bool {
	if c.ch == nil || c.ch.State() == channel.StateClosed {
		fmt.Fprintln(c.rl.Stderr(), "No open channel, use open first")
		return false
	}
	return true
}

// roundTrip writes one handshake chunk and reads the response,
// surfacing peer Error chunks as errors.
func (c *client) roundTrip(request []byte) ([]byte, error) {
	if err := c.conn.WriteChunk(request); err != nil {
		return nil, err
	}
	return c.readChannelChunk()
}

// readChannelChunk reads the next chunk, turning ERR chunks into
// PeerError.
func (c *client) readChannelChunk() ([]byte, error) {
	data, err := c.conn.ReadChunk()
	if err != nil {
		return nil, err
	}
	prefix, err := chunk.DecodePrefix(data)
	if err != nil {
		return nil, err
	}
	if prefix.Type == chunk.TypeError {
		e, err := transport.DecodeError(data)
		if err != nil {
			return nil, err
		}
		return nil, &transport.PeerError{Code: e.Code, Reason: e.Reason}
	}
	return data, nil
}

// resolvePolicy accepts a full policy URI or its fragment, e.g.
// "Basic256Sha256".
func resolvePolicy(arg string) (string, error) {
	for _, uri := range policy.SupportedURIs() {
		if uri == arg || strings.EqualFold(uri[strings.LastIndex(uri, "#")+1:], arg) {
			return uri, nil
		}
	}
	return "", fmt.Errorf("unknown policy %q (known: %s)", arg, strings.Join(policy.SupportedURIs(), ", "))
}

func loadServerCert(path string) (*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return cert.DecodeCertPEM(data)
}

func buildLogger() (log.Logger, func(), error) {
	var loggers []log.Logger
	closer := func() {}

	if flags.capture != "" {
		fl, err := log.NewFileLogger(flags.capture)
		if err != nil {
			return nil, nil, err
		}
		loggers = append(loggers, fl)
		closer = func() { _ = fl.Close() }
	}
	if flags.verbose {
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

package discovery

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Service type constants for mDNS.
const (
	// ServiceTypeEndpoint is the DNS-SD service type for secure
	// channel endpoints.
	ServiceTypeEndpoint = "_opcua-tcp._tcp"

	// Domain is the mDNS domain.
	Domain = "local"

	// DefaultPort is the registered endpoint port.
	DefaultPort = 4840
)

// TXT record key constants.
const (
	TXTKeyPath     = "path"   // Endpoint URL path ("/" when empty)
	TXTKeyCaps     = "caps"   // Server capability tokens (comma-separated)
	TXTKeyAppURI   = "appuri" // Application URI of the server
	TXTKeyPolicies = "sec"    // Accepted security policy URIs (comma-separated)
)

// Timing constants.
const (
	// BrowseTimeout is the default timeout for mDNS browsing.
	BrowseTimeout = 10 * time.Second

	// DefaultTTL is the DNS record TTL.
	DefaultTTL = 120 * time.Second
)

// MaxInstanceNameLen is the DNS label limit.
const MaxInstanceNameLen = 63

// Discovery errors.
var (
	// ErrNotFound indicates no matching endpoint was discovered.
	ErrNotFound = errors.New("endpoint not found")

	// ErrMissingRequired indicates a TXT record set without a required key.
	ErrMissingRequired = errors.New("missing required TXT record")
)

// EndpointInfo describes an endpoint to advertise.
type EndpointInfo struct {
	// InstanceName is the DNS-SD instance name, typically the server
	// name. Truncated to the DNS label limit.
	InstanceName string

	// Port the endpoint listens on. Zero means DefaultPort.
	Port uint16

	// Path is the endpoint URL path. Empty means "/".
	Path string

	// ApplicationURI identifies the server application.
	ApplicationURI string

	// Policies are the security policy URIs the endpoint accepts.
	Policies []string

	// Capabilities are server capability tokens (optional).
	Capabilities []string
}

// EndpointService is a discovered endpoint.
type EndpointService struct {
	InstanceName   string
	Host           string
	Port           uint16
	Addresses      []string
	Path           string
	ApplicationURI string
	Policies       []string
	Capabilities   []string
}

// EndpointURL builds the endpoint URL from the given address. With an
// empty address the mDNS hostname is used.
func (s *EndpointService) EndpointURL(addr string) string {
	if addr == "" {
		addr = strings.TrimSuffix(s.Host, ".")
	}
	path := s.Path
	if path == "" {
		path = "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return fmt.Sprintf("opc.tcp://%s:%d%s", addr, s.Port, path)
}

// AcceptsPolicy reports whether the endpoint advertised the given
// security policy URI.
func (s *EndpointService) AcceptsPolicy(uri string) bool {
	for _, p := range s.Policies {
		if p == uri {
			return true
		}
	}
	return false
}

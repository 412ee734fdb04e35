// Package config loads the YAML runtime configuration: transport
// limits, reassembly bounds, token lifetime, accepted security
// policies, and PKI paths. Zero values take documented defaults, so an
// empty file is a valid configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/uasc-protocol/uasc-go/pkg/policy"
)

// Configuration errors.
var (
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Defaults applied to zero-valued fields.
const (
	DefaultMaxChunkSize       uint32 = 65535
	DefaultMaxMessageSize     uint32 = 16 << 20
	DefaultMaxChunkCount      uint32 = 256
	DefaultMaxPendingRequests        = 64
	DefaultTokenLifetime             = time.Hour
	DefaultEndpointPort              = 4840
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "30s" or "1h".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("%w: duration %q: %v", ErrInvalidConfig, raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Limits bound chunk and message sizes.
type Limits struct {
	// MaxChunkSize is the largest single chunk, including all headers.
	MaxChunkSize uint32 `yaml:"max_chunk_size"`

	// MaxMessageSize is the largest reassembled message body.
	MaxMessageSize uint32 `yaml:"max_message_size"`

	// MaxChunkCount is the most chunks one message may span.
	MaxChunkCount uint32 `yaml:"max_chunk_count"`

	// MaxPendingRequests is the most concurrently reassembling
	// messages per channel.
	MaxPendingRequests int `yaml:"max_pending_requests"`
}

// Security selects policies, token timing, and PKI locations.
type Security struct {
	// Policies are the accepted security policy URIs. Empty accepts
	// every registered policy.
	Policies []string `yaml:"policies"`

	// TokenLifetime is the granted security token lifetime.
	TokenLifetime Duration `yaml:"token_lifetime"`

	// PKIDir is the trust store directory (trusted/ and rejected/
	// subdirectories). Empty selects an in-memory store.
	PKIDir string `yaml:"pki_dir"`

	// CertificateFile and KeyFile are the PEM identity files. Both
	// empty means generate a fresh self-signed identity at startup.
	CertificateFile string `yaml:"certificate_file"`
	KeyFile         string `yaml:"key_file"`
}

// Endpoint describes the listen or dial endpoint.
type Endpoint struct {
	// Address is the TCP host:port.
	Address string `yaml:"address"`

	// URL is the endpoint URL announced via discovery and checked
	// against client Hellos.
	URL string `yaml:"url"`

	// ApplicationURI identifies this application in certificates and
	// discovery records.
	ApplicationURI string `yaml:"application_uri"`

	// Announce enables mDNS advertisement.
	Announce bool `yaml:"announce"`
}

// Logging selects the protocol event capture.
type Logging struct {
	// CaptureFile is the CBOR event capture path. Empty disables
	// capture.
	CaptureFile string `yaml:"capture_file"`

	// Console mirrors events to the console log.
	Console bool `yaml:"console"`
}

// Config is the root configuration document.
type Config struct {
	Limits   Limits   `yaml:"limits"`
	Security Security `yaml:"security"`
	Endpoint Endpoint `yaml:"endpoint"`
	Logging  Logging  `yaml:"logging"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Limits.MaxChunkSize == 0 {
		c.Limits.MaxChunkSize = DefaultMaxChunkSize
	}
	if c.Limits.MaxMessageSize == 0 {
		c.Limits.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.Limits.MaxChunkCount == 0 {
		c.Limits.MaxChunkCount = DefaultMaxChunkCount
	}
	if c.Limits.MaxPendingRequests == 0 {
		c.Limits.MaxPendingRequests = DefaultMaxPendingRequests
	}
	if c.Security.TokenLifetime == 0 {
		c.Security.TokenLifetime = Duration(DefaultTokenLifetime)
	}
	if len(c.Security.Policies) == 0 {
		c.Security.Policies = policy.SupportedURIs()
	}
	if c.Endpoint.Address == "" {
		c.Endpoint.Address = fmt.Sprintf(":%d", DefaultEndpointPort)
	}
}

// Validate checks the configuration for contradictions.
func (c *Config) Validate() error {
	if c.Limits.MaxChunkSize < 8192 {
		return fmt.Errorf("%w: max_chunk_size %d below 8192", ErrInvalidConfig, c.Limits.MaxChunkSize)
	}
	if c.Limits.MaxMessageSize < c.Limits.MaxChunkSize {
		return fmt.Errorf("%w: max_message_size %d below max_chunk_size %d",
			ErrInvalidConfig, c.Limits.MaxMessageSize, c.Limits.MaxChunkSize)
	}
	if c.Limits.MaxChunkCount == 0 || c.Limits.MaxPendingRequests <= 0 {
		return fmt.Errorf("%w: chunk count and pending requests must be positive", ErrInvalidConfig)
	}
	if c.Security.TokenLifetime.Std() < time.Second {
		return fmt.Errorf("%w: token_lifetime %s below 1s", ErrInvalidConfig, c.Security.TokenLifetime.Std())
	}
	for _, uri := range c.Security.Policies {
		if !policy.IsSupported(uri) {
			return fmt.Errorf("%w: unknown security policy %q", ErrInvalidConfig, uri)
		}
	}
	if (c.Security.CertificateFile == "") != (c.Security.KeyFile == "") {
		return fmt.Errorf("%w: certificate_file and key_file must be set together", ErrInvalidConfig)
	}
	return nil
}

// Parse unmarshals a YAML document, applies defaults, and validates.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

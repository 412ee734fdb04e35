package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uasc-protocol/uasc-go/pkg/policy"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, DefaultMaxChunkSize, cfg.Limits.MaxChunkSize)
	assert.Equal(t, DefaultMaxMessageSize, cfg.Limits.MaxMessageSize)
	assert.Equal(t, DefaultMaxChunkCount, cfg.Limits.MaxChunkCount)
	assert.Equal(t, DefaultMaxPendingRequests, cfg.Limits.MaxPendingRequests)
	assert.Equal(t, DefaultTokenLifetime, cfg.Security.TokenLifetime.Std())
	assert.Equal(t, policy.SupportedURIs(), cfg.Security.Policies)
	assert.Equal(t, ":4840", cfg.Endpoint.Address)
}

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
limits:
  max_chunk_size: 16384
security:
  token_lifetime: 30m
  policies:
    - http://opcfoundation.org/UA/SecurityPolicy#Basic256Sha256
endpoint:
  address: "0.0.0.0:4841"
  url: opc.tcp://plant.example:4841/
  announce: true
`))
	require.NoError(t, err)

	assert.Equal(t, uint32(16384), cfg.Limits.MaxChunkSize)
	assert.Equal(t, DefaultMaxMessageSize, cfg.Limits.MaxMessageSize)
	assert.Equal(t, 30*time.Minute, cfg.Security.TokenLifetime.Std())
	assert.Equal(t, []string{policy.URIBasic256Sha256}, cfg.Security.Policies)
	assert.True(t, cfg.Endpoint.Announce)
}

func TestParseEmptyDocument(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"tiny chunk size", func(c *Config) { c.Limits.MaxChunkSize = 1024 }},
		{"message below chunk", func(c *Config) { c.Limits.MaxMessageSize = c.Limits.MaxChunkSize - 1 }},
		{"unknown policy", func(c *Config) { c.Security.Policies = []string{"urn:bogus"} }},
		{"short token lifetime", func(c *Config) { c.Security.TokenLifetime = Duration(time.Millisecond) }},
		{"cert without key", func(c *Config) { c.Security.CertificateFile = "cert.pem" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			assert.True(t, errors.Is(err, ErrInvalidConfig))
		})
	}
}

func TestParseRejectsBadDuration(t *testing.T) {
	_, err := Parse([]byte("security:\n  token_lifetime: soon\n"))
	assert.True(t, errors.Is(err, ErrInvalidConfig))
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "uasc.yaml")
	require.NoError(t, os.WriteFile(path, []byte("limits:\n  max_chunk_count: 32\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, uint32(32), cfg.Limits.MaxChunkCount)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestDurationMarshalRoundTrip(t *testing.T) {
	d := Duration(90 * time.Second)
	v, err := d.MarshalYAML()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", v)
}

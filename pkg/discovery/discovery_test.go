package discovery

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uasc-protocol/uasc-go/pkg/policy"
)

func TestEndpointTXTRoundTrip(t *testing.T) {
	info := &EndpointInfo{
		Path:           "/plant/line4",
		ApplicationURI: "urn:example:plc-17",
		Policies:       []string{policy.URINone, policy.URIBasic256Sha256},
		Capabilities:   []string{"NA", "DA"},
	}

	txt := EncodeEndpointTXT(info)
	decoded, err := DecodeEndpointTXT(txt)
	require.NoError(t, err)
	assert.Equal(t, info.Path, decoded.Path)
	assert.Equal(t, info.ApplicationURI, decoded.ApplicationURI)
	assert.Equal(t, info.Policies, decoded.Policies)
	assert.Equal(t, info.Capabilities, decoded.Capabilities)
}

func TestEndpointTXTDefaultsPath(t *testing.T) {
	txt := EncodeEndpointTXT(&EndpointInfo{ApplicationURI: "urn:x"})
	assert.Equal(t, "/", txt[TXTKeyPath])
}

func TestDecodeEndpointTXTMissingRequired(t *testing.T) {
	_, err := DecodeEndpointTXT(TXTRecordMap{TXTKeyPath: "/"})
	assert.True(t, errors.Is(err, ErrMissingRequired))
}

func TestTXTStringConversion(t *testing.T) {
	txt := TXTRecordMap{"a": "1", "b": "x=y"}
	roundTripped := StringsToTXTRecords(TXTRecordsToStrings(txt))
	assert.Equal(t, txt, roundTripped)

	// Malformed entries are dropped.
	parsed := StringsToTXTRecords([]string{"k=v", "novalue", "=empty"})
	assert.Equal(t, TXTRecordMap{"k": "v"}, parsed)
}

func TestEndpointURL(t *testing.T) {
	svc := &EndpointService{
		Host:      "plc-17.local.",
		Port:      4840,
		Addresses: []string{"192.168.4.17"},
		Path:      "/plant/line4",
	}
	assert.Equal(t, "opc.tcp://192.168.4.17:4840/plant/line4", svc.EndpointURL("192.168.4.17"))
	assert.Equal(t, "opc.tcp://plc-17.local:4840/plant/line4", svc.EndpointURL(""))

	bare := &EndpointService{Host: "plc.local.", Port: 4840}
	assert.Equal(t, "opc.tcp://plc.local:4840/", bare.EndpointURL(""))
}

func TestAcceptsPolicy(t *testing.T) {
	svc := &EndpointService{Policies: []string{policy.URIBasic256Sha256}}
	assert.True(t, svc.AcceptsPolicy(policy.URIBasic256Sha256))
	assert.False(t, svc.AcceptsPolicy(policy.URINone))
}

func TestSplitListTrimsEntries(t *testing.T) {
	assert.Equal(t, []string{"NA", "DA"}, splitList(" NA , DA ,"))
	assert.Nil(t, splitList(""))
}

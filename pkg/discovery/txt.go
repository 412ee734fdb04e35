package discovery

import (
	"fmt"
	"strings"
)

// TXTRecordMap is a map of TXT record key-value pairs.
type TXTRecordMap map[string]string

// EncodeEndpointTXT creates TXT records for an endpoint advertisement.
func EncodeEndpointTXT(info *EndpointInfo) TXTRecordMap {
	txt := make(TXTRecordMap)

	path := info.Path
	if path == "" {
		path = "/"
	}
	txt[TXTKeyPath] = path
	txt[TXTKeyAppURI] = info.ApplicationURI
	txt[TXTKeyPolicies] = strings.Join(info.Policies, ",")

	if len(info.Capabilities) > 0 {
		txt[TXTKeyCaps] = strings.Join(info.Capabilities, ",")
	}

	return txt
}

// DecodeEndpointTXT parses TXT records from an endpoint advertisement.
func DecodeEndpointTXT(txt TXTRecordMap) (*EndpointInfo, error) {
	info := &EndpointInfo{}

	var ok bool
	if info.Path, ok = txt[TXTKeyPath]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingRequired, TXTKeyPath)
	}
	if info.ApplicationURI, ok = txt[TXTKeyAppURI]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingRequired, TXTKeyAppURI)
	}

	policies, ok := txt[TXTKeyPolicies]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingRequired, TXTKeyPolicies)
	}
	info.Policies = splitList(policies)

	if caps, ok := txt[TXTKeyCaps]; ok {
		info.Capabilities = splitList(caps)
	}

	return info, nil
}

// TXTRecordsToStrings converts a TXT map to "key=value" strings.
func TXTRecordsToStrings(txt TXTRecordMap) []string {
	out := make([]string, 0, len(txt))
	for k, v := range txt {
		out = append(out, k+"="+v)
	}
	return out
}

// StringsToTXTRecords parses "key=value" strings into a TXT map.
// Entries without '=' are ignored.
func StringsToTXTRecords(records []string) TXTRecordMap {
	txt := make(TXTRecordMap, len(records))
	for _, record := range records {
		k, v, found := strings.Cut(record, "=")
		if !found || k == "" {
			continue
		}
		txt[k] = v
	}
	return txt
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

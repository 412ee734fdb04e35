// Package discovery advertises and finds secure channel endpoints on
// the local network via mDNS (DNS-SD).
//
// Servers register an "_opcua-tcp._tcp" service whose TXT records
// carry the endpoint path, the application URI, and the security
// policies the endpoint accepts. Clients browse for those services and
// get back resolved endpoints with their addresses and endpoint URLs.
package discovery

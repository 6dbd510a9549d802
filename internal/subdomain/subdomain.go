// Package subdomain maps a WebSocket request's Host header to a relay
// scope: a subdomain name, or the default (empty) scope.
package subdomain

import (
	"net"
	"strings"
)

// Extract derives the scope name from host, given the number of
// trailing dot-separated labels that constitute the base domain. It
// returns ("", false) when the host has no subdomain component —
// localhost, a bare IP, or a host with exactly baseDomainParts labels.
//
// Examples with baseDomainParts=2: "oslo.hol.is" -> "oslo", true;
// "a.b.c.example.com" -> "a.b.c", true; "hol.is" -> "", false;
// "127.0.0.1" -> "", false.
func Extract(host string, baseDomainParts int) (string, bool) {
	if idx := strings.IndexByte(host, ':'); idx >= 0 {
		host = host[:idx]
	}

	if host == "localhost" {
		return "", false
	}
	if net.ParseIP(host) != nil {
		return "", false
	}

	parts := strings.Split(host, ".")
	if len(parts) <= baseDomainParts {
		return "", false
	}

	return strings.Join(parts[:len(parts)-baseDomainParts], "."), true
}

// Package target models connection targets and the candidate address cycle
// used for reconnection: the original address plus an ordered failover list,
// with an optional sticky override that supersedes the cycle.
package target

import (
	"fmt"
	"net"
	"strings"
)

// DefaultPort is used when an address does not specify one.
const DefaultPort = "5672"

// Target is a single network address the engine may attempt to connect to.
// Immutable value.
type Target struct {
	Scheme string
	Host   string
	Port   string
}

// Parse parses an address of the form "host", "host:port", "//host:port",
// or "scheme://host:port". A missing host means localhost; a missing port
// means DefaultPort.
func Parse(addr string) (Target, error) {
	if addr == "" {
		return Target{}, fmt.Errorf("empty address")
	}

	t := Target{Scheme: "mq"}

	rest := addr
	if i := strings.Index(rest, "://"); i >= 0 {
		t.Scheme = rest[:i]
		rest = rest[i+3:]
	} else {
		rest = strings.TrimPrefix(rest, "//")
	}

	if strings.Contains(rest, "/") {
		return Target{}, fmt.Errorf("address %q: path not allowed", addr)
	}

	host, port, err := net.SplitHostPort(rest)
	if err != nil {
		// No port present (or not splittable): treat the whole rest as host.
		host, port = rest, ""
		if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
			host = host[1 : len(host)-1]
		}
	}
	if strings.ContainsAny(host, "[]") {
		return Target{}, fmt.Errorf("address %q: malformed host", addr)
	}
	if host == "" {
		host = "localhost"
	}
	if port == "" {
		port = DefaultPort
	}

	t.Host = host
	t.Port = port
	return t, nil
}

// MustParse is Parse for known-good addresses; it panics on error.
// Intended for tests and constants.
func MustParse(addr string) Target {
	t, err := Parse(addr)
	if err != nil {
		panic(err)
	}
	return t
}

// ParseList parses a slice of addresses, failing on the first bad entry.
func ParseList(addrs []string) ([]Target, error) {
	out := make([]Target, 0, len(addrs))
	for i, a := range addrs {
		t, err := Parse(a)
		if err != nil {
			return nil, fmt.Errorf("address %d: %w", i, err)
		}
		out = append(out, t)
	}
	return out, nil
}

// Addr returns the dialable host:port form.
func (t Target) Addr() string {
	return net.JoinHostPort(t.Host, t.Port)
}

// String returns the full scheme://host:port form.
func (t Target) String() string {
	return t.Scheme + "://" + t.Addr()
}

// IsZero reports whether t is the zero Target.
func (t Target) IsZero() bool {
	return t.Host == "" && t.Port == ""
}

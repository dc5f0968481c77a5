// Package conninfo defines ConnectionInfo, the identity-bearing description
// of one Redis instance's network address and auth material.
package conninfo

import (
	"context"
	"net"
	"strconv"
)

// Info describes how to reach and authenticate against one Redis process.
// Two Info values compare equal (via Key) iff their "host:port" canonical
// form is equal; this equality defines instance identity inside a Shard.
type Info struct {
	Host     string
	Port     int
	Password string
	TLS      bool
	Readonly bool // cluster-mode replica: issue READONLY after connect

	// Resolved is the last DNS-resolved address list for Host, refreshed
	// by the caller (DNS resolution is an external collaborator per §1).
	Resolved []net.IP
}

// Key returns the canonical "host:port" identity string used for equality
// and as the NodesStorage map key.
func (i Info) Key() string {
	return net.JoinHostPort(i.Host, strconv.Itoa(i.Port))
}

// Equal reports whether i and other denote the same instance identity.
func (i Info) Equal(other Info) bool {
	return i.Key() == other.Key()
}

// Resolver resolves Host to a list of IP addresses. The default
// implementation defers to net.DefaultResolver; tests substitute a fake.
type Resolver interface {
	LookupIP(ctx context.Context, host string) ([]net.IP, error)
}

type netResolver struct{}

func (netResolver) LookupIP(ctx context.Context, host string) ([]net.IP, error) {
	return net.DefaultResolver.LookupIP(ctx, "ip", host)
}

// DefaultResolver is the net.DefaultResolver-backed Resolver.
var DefaultResolver Resolver = netResolver{}

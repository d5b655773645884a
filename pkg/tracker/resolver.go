package tracker

import (
	"context"
	"net"
)

// Resolver is the DNS/connection-manager boundary UDPTransport resolves
// hostnames through (spec.md §4.7 "resolve hostname via the connection
// manager's resolver, PF_UNSPEC, SOCK_DGRAM"). Kept as an interface so
// tests can inject deterministic addresses without a real network, the
// way the teacher keeps its emulated-client listener behind an interface
// rather than calling net.Dial directly.
type Resolver interface {
	ResolveUDPAddr(ctx context.Context, host string) (*net.UDPAddr, error)
}

// NetResolver is the production Resolver backed by net.DefaultResolver.
type NetResolver struct{}

func (NetResolver) ResolveUDPAddr(ctx context.Context, host string) (*net.UDPAddr, error) {
	return net.ResolveUDPAddr("udp", host)
}

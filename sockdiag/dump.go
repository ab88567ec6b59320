package sockdiag

import (
	"net"
	"net/netip"

	"github.com/back2basic/netwatch/model"
)

// Entry is one TCP or UDP socket as reported by the kernel's sock_diag interface.
type Entry struct {
	Conn  model.Connection
	Inode uint64
	// Lifetime counters of the socket, zero for UDP.
	BytesReceived uint64
	BytesAcked    uint64
}

// DumpFunc lists the TCP and UDP sockets of the host.
type DumpFunc func() ([]Entry, error)

// Route resolves the name of the interface traffic to dst leaves through.
type RouteFunc func(dst netip.Addr) (string, error)

func toAddr(ip net.IP) (netip.Addr, bool) {
	a, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.Addr{}, false
	}
	return a.Unmap(), true
}

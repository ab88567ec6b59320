//go:build linux

package sockdiag

import (
	"fmt"
	"net/netip"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/back2basic/netwatch/model"
)

const tcpListen = 10

// Dump asks the kernel for every IPv4 and IPv6 TCP socket with its tcp_info counters, and
// for every connected UDP socket. Listening and unconnected sockets are left out. UDP
// sockets carry no byte counters; they are listed so their owners can be resolved.
func Dump() ([]Entry, error) {
	var out []Entry
	for _, fam := range []uint8{unix.AF_INET, unix.AF_INET6} {
		msgs, err := netlink.SocketDiagTCPInfo(fam)
		if err != nil {
			return nil, fmt.Errorf("sock_diag tcp family %d: %w", fam, err)
		}
		for _, m := range msgs {
			if m == nil || m.TCPInfo == nil {
				continue
			}
			e, ok := entry(m.InetDiagMsg, model.ProtocolTCP)
			if !ok {
				continue
			}
			e.BytesReceived = m.TCPInfo.Bytes_received
			e.BytesAcked = m.TCPInfo.Bytes_acked
			out = append(out, e)
		}

		socks, err := netlink.SocketDiagUDP(fam)
		if err != nil {
			return nil, fmt.Errorf("sock_diag udp family %d: %w", fam, err)
		}
		for _, sock := range socks {
			if e, ok := entry(sock, model.ProtocolUDP); ok {
				out = append(out, e)
			}
		}
	}
	return out, nil
}

func entry(sock *netlink.Socket, proto model.Protocol) (Entry, bool) {
	if sock == nil {
		return Entry{}, false
	}
	if proto == model.ProtocolTCP && sock.State == tcpListen {
		return Entry{}, false
	}
	id := sock.ID
	local, ok := toAddr(id.Source)
	if !ok {
		return Entry{}, false
	}
	remote, ok := toAddr(id.Destination)
	if !ok || remote.IsUnspecified() {
		return Entry{}, false
	}
	return Entry{
		Conn: model.Connection{
			Local:    model.Socket{IP: local, Port: id.SourcePort},
			Remote:   model.Socket{IP: remote, Port: id.DestinationPort},
			Protocol: proto,
		},
		Inode: uint64(sock.INode),
	}, true
}

// RouteInterface looks up the egress interface for dst in the main routing table.
func RouteInterface(dst netip.Addr) (string, error) {
	routes, err := netlink.RouteGet(dst.AsSlice())
	if err != nil {
		return "", fmt.Errorf("route to %s: %w", dst, err)
	}
	if len(routes) == 0 {
		return "", fmt.Errorf("no route to %s", dst)
	}
	link, err := netlink.LinkByIndex(routes[0].LinkIndex)
	if err != nil {
		return "", fmt.Errorf("link %d: %w", routes[0].LinkIndex, err)
	}
	return link.Attrs().Name, nil
}

//go:build linux

package sockdiag

import (
	"net"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netlink"

	"github.com/back2basic/netwatch/model"
)

func sock(state uint8, src, dst string, sport, dport uint16, inode uint32) *netlink.Socket {
	s := &netlink.Socket{State: state, INode: inode}
	s.ID.Source = net.ParseIP(src)
	s.ID.Destination = net.ParseIP(dst)
	s.ID.SourcePort = sport
	s.ID.DestinationPort = dport
	return s
}

func TestEntry(t *testing.T) {
	e, ok := entry(sock(1, "10.0.0.5", "::ffff:1.1.1.1", 40000, 53, 77), model.ProtocolUDP)
	require.True(t, ok)
	assert.Equal(t, Entry{
		Conn: model.Connection{
			Local:    model.Socket{IP: netip.MustParseAddr("10.0.0.5"), Port: 40000},
			Remote:   model.Socket{IP: netip.MustParseAddr("1.1.1.1"), Port: 53},
			Protocol: model.ProtocolUDP,
		},
		Inode: 77,
	}, e)

	e, ok = entry(sock(1, "10.0.0.5", "1.1.1.1", 40001, 443, 78), model.ProtocolTCP)
	require.True(t, ok)
	assert.Equal(t, model.ProtocolTCP, e.Conn.Protocol)
}

func TestEntrySkips(t *testing.T) {
	_, ok := entry(nil, model.ProtocolTCP)
	assert.False(t, ok)

	_, ok = entry(sock(tcpListen, "0.0.0.0", "0.0.0.0", 22, 0, 1), model.ProtocolTCP)
	assert.False(t, ok, "listening tcp")

	_, ok = entry(sock(7, "0.0.0.0", "0.0.0.0", 5353, 0, 2), model.ProtocolUDP)
	assert.False(t, ok, "unconnected udp")
}

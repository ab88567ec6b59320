package model

import (
	"cmp"
	"fmt"
	"net/netip"
)

type Protocol uint8

const (
	ProtocolTCP Protocol = iota + 1
	ProtocolUDP
)

func (p Protocol) String() string {
	switch p {
	case ProtocolTCP:
		return "tcp"
	case ProtocolUDP:
		return "udp"
	default:
		return fmt.Sprintf("proto(%d)", uint8(p))
	}
}

// Socket is one end of a flow.
type Socket struct {
	IP   netip.Addr
	Port uint16
}

func (s Socket) String() string {
	return netip.AddrPortFrom(s.IP, s.Port).String()
}

func (s Socket) Compare(o Socket) int {
	if c := s.IP.Compare(o.IP); c != 0 {
		return c
	}
	return cmp.Compare(s.Port, o.Port)
}

// Connection identifies a flow by its local/remote socket pair. It is comparable so it can
// key maps across ticks, and totally ordered through Compare.
type Connection struct {
	Local    Socket
	Remote   Socket
	Protocol Protocol
}

func (c Connection) Compare(o Connection) int {
	if r := c.Remote.Compare(o.Remote); r != 0 {
		return r
	}
	if r := c.Local.Compare(o.Local); r != 0 {
		return r
	}
	return cmp.Compare(c.Protocol, o.Protocol)
}

func (c Connection) String() string {
	return fmt.Sprintf("%s %s => %s", c.Protocol, c.Local, c.Remote)
}

// ConnectionInfo holds the bytes a connection moved since the previous capture.
type ConnectionInfo struct {
	TotalBytesDownloaded uint64
	TotalBytesUploaded   uint64
	InterfaceName        string
}

// Utilization is one tick of raw traffic, keyed by connection.
type Utilization map[Connection]ConnectionInfo

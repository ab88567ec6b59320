package bpfgo

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/cilium/ebpf"
	"github.com/vishvananda/netlink"
	"go.uber.org/zap"

	"github.com/back2basic/netwatch/model"
)

// ConnKey mirrors the key of the conn_bytes map. Addresses are IPv6 or IPv4-mapped,
// ports in host byte order.
type ConnKey struct {
	LocalIP    [16]byte
	RemoteIP   [16]byte
	LocalPort  uint16
	RemotePort uint16
	Proto      uint8
	_          [3]byte
}

type ConnStats struct {
	BytesDown uint64
	BytesUp   uint64
	IfIndex   uint32
	_         uint32
}

type record struct {
	key   ConnKey
	stats ConnStats
}

// Source drains the counter map every tick: each entry is read then deleted, so the
// program in the kernel starts counting that connection from zero again.
type Source struct {
	m      *ebpf.Map
	link   func(index int) (string, error)
	logger *zap.Logger
	names  map[uint32]string
}

func NewSource(h *Handles, logger *zap.Logger) *Source {
	return &Source{
		m:      h.Conns,
		link:   linkName,
		logger: logger.Named("bpf"),
		names:  make(map[uint32]string),
	}
}

func linkName(index int) (string, error) {
	l, err := netlink.LinkByIndex(index)
	if err != nil {
		return "", err
	}
	return l.Attrs().Name, nil
}

func (s *Source) Capture(ctx context.Context) (model.Utilization, error) {
	var (
		recs []record
		k    ConnKey
		v    ConnStats
	)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// Once iterated, every entry is deleted and returned so no bytes are dropped.
	iter := s.m.Iterate()
	for iter.Next(&k, &v) {
		recs = append(recs, record{key: k, stats: v})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("iterate conn_bytes: %w", err)
	}
	for _, r := range recs {
		if err := s.m.Delete(&r.key); err != nil {
			s.logger.Debug("delete entry", zap.Error(err))
		}
	}
	return s.toUtilization(recs), nil
}

func (s *Source) toUtilization(recs []record) model.Utilization {
	util := make(model.Utilization, len(recs))
	for _, r := range recs {
		if r.stats.BytesDown == 0 && r.stats.BytesUp == 0 {
			continue
		}
		conn, ok := r.key.connection()
		if !ok {
			continue
		}
		// Two kernel keys can collapse onto one connection after unmapping.
		info := util[conn]
		info.TotalBytesDownloaded += r.stats.BytesDown
		info.TotalBytesUploaded += r.stats.BytesUp
		info.InterfaceName = s.interfaceName(r.stats.IfIndex)
		util[conn] = info
	}
	return util
}

func (k ConnKey) connection() (model.Connection, bool) {
	var proto model.Protocol
	switch k.Proto {
	case 6:
		proto = model.ProtocolTCP
	case 17:
		proto = model.ProtocolUDP
	default:
		return model.Connection{}, false
	}
	return model.Connection{
		Local:    model.Socket{IP: netip.AddrFrom16(k.LocalIP).Unmap(), Port: k.LocalPort},
		Remote:   model.Socket{IP: netip.AddrFrom16(k.RemoteIP).Unmap(), Port: k.RemotePort},
		Protocol: proto,
	}, true
}

func (s *Source) interfaceName(index uint32) string {
	if name, ok := s.names[index]; ok {
		return name
	}
	name, err := s.link(int(index))
	if err != nil {
		s.logger.Debug("link lookup failed", zap.Uint32("ifindex", index), zap.Error(err))
		name = fmt.Sprintf("if%d", index)
	}
	s.names[index] = name
	return name
}

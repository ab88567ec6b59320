package sockdiag

import (
	"context"
	"fmt"
	"net/netip"

	"go.uber.org/zap"

	"github.com/back2basic/netwatch/model"
)

type counters struct {
	down, up uint64
}

// Source turns the kernel's lifetime tcp_info counters into per-tick deltas.
type Source struct {
	dump   DumpFunc
	route  RouteFunc
	iface  string
	logger *zap.Logger

	primed bool
	prev   map[model.Connection]counters
	ifaces map[netip.Addr]string
}

// NewSource returns a traffic source reading sock_diag. When iface is not empty only
// connections routed through that interface are reported.
func NewSource(dump DumpFunc, route RouteFunc, iface string, logger *zap.Logger) *Source {
	return &Source{
		dump:   dump,
		route:  route,
		iface:  iface,
		logger: logger.Named("sockdiag"),
		prev:   make(map[model.Connection]counters),
		ifaces: make(map[netip.Addr]string),
	}
}

// Capture returns the bytes each connection moved since the previous call. The first
// call only records a baseline and returns an empty snapshot, so connections that were
// open before startup do not show their whole history as one burst. UDP sockets have no
// kernel byte counters and are not reported.
func (s *Source) Capture(ctx context.Context) (model.Utilization, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := s.dump()
	if err != nil {
		return nil, fmt.Errorf("dump sockets: %w", err)
	}

	util := make(model.Utilization, len(entries))
	seen := make(map[model.Connection]counters, len(entries))
	remotes := make(map[netip.Addr]struct{})
	for _, e := range entries {
		if e.Conn.Protocol != model.ProtocolTCP {
			continue
		}
		cur := counters{down: e.BytesReceived, up: e.BytesAcked}
		seen[e.Conn] = cur
		remotes[e.Conn.Remote.IP] = struct{}{}
		if !s.primed {
			continue
		}

		old := s.prev[e.Conn]
		delta := counters{down: sub(cur.down, old.down), up: sub(cur.up, old.up)}
		if delta.down == 0 && delta.up == 0 {
			continue
		}

		name := s.interfaceFor(e.Conn.Remote.IP)
		if s.iface != "" && name != s.iface {
			continue
		}
		util[e.Conn] = model.ConnectionInfo{
			TotalBytesDownloaded: delta.down,
			TotalBytesUploaded:   delta.up,
			InterfaceName:        name,
		}
	}
	for addr := range s.ifaces {
		if _, ok := remotes[addr]; !ok {
			delete(s.ifaces, addr)
		}
	}
	s.prev = seen
	s.primed = true
	return util, nil
}

// sub treats a counter that went backwards as a reused socket tuple.
func sub(cur, prev uint64) uint64 {
	if cur >= prev {
		return cur - prev
	}
	return cur
}

func (s *Source) interfaceFor(addr netip.Addr) string {
	if name, ok := s.ifaces[addr]; ok {
		return name
	}
	name, err := s.route(addr)
	if err != nil {
		s.logger.Debug("interface lookup failed", zap.Stringer("remote", addr), zap.Error(err))
		name = "unknown"
	}
	s.ifaces[addr] = name
	return name
}

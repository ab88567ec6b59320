package agg

import (
	"math"
	"math/bits"
	"net/netip"
	"slices"
	"strings"

	"github.com/back2basic/netwatch/model"
)

// The previous smoothed value keeps decayNum/decayDen of its weight each tick.
const (
	decayNum = 1
	decayDen = 2

	DecayFactor = float64(decayNum) / decayDen
)

// NetworkData aggregates every connection of a process or of a remote address.
type NetworkData struct {
	TotalBytesDownloaded     uint64
	TotalBytesUploaded       uint64
	PrevTotalBytesDownloaded uint64
	PrevTotalBytesUploaded   uint64
	ConnectionCount          uint64
}

func (d *NetworkData) AvgBytesDownloaded() uint64 {
	return AverageBandwidth(d.PrevTotalBytesDownloaded, d.TotalBytesDownloaded)
}

func (d *NetworkData) AvgBytesUploaded() uint64 {
	return AverageBandwidth(d.PrevTotalBytesUploaded, d.TotalBytesUploaded)
}

type ConnectionData struct {
	TotalBytesDownloaded     uint64
	TotalBytesUploaded       uint64
	PrevTotalBytesDownloaded uint64
	PrevTotalBytesUploaded   uint64
	ProcessName              string
	InterfaceName            string
}

func (d *ConnectionData) AvgBytesDownloaded() uint64 {
	return AverageBandwidth(d.PrevTotalBytesDownloaded, d.TotalBytesDownloaded)
}

func (d *ConnectionData) AvgBytesUploaded() uint64 {
	return AverageBandwidth(d.PrevTotalBytesUploaded, d.TotalBytesUploaded)
}

// AverageBandwidth is a first order exponential moving average weighting prev by
// DecayFactor. A zero prev is a cold start and yields curr unchanged. The result is rounded
// half up and computed in 128-bit integers, so no precision is lost above 2^53.
func AverageBandwidth(prev, curr uint64) uint64 {
	if prev == 0 {
		return curr
	}
	hi, lo := bits.Mul64(prev, decayNum)
	h, l := bits.Mul64(curr, decayDen-decayNum)
	var c uint64
	lo, c = bits.Add64(lo, l, 0)
	hi += h + c
	lo, c = bits.Add64(lo, decayDen/2, 0)
	hi += c
	// hi < decayDen: the weighted sum never exceeds decayDen*MaxUint64.
	q, _ := bits.Div64(hi, lo, decayDen)
	return q
}

// State is the aggregated view of one tick. It is never mutated once Build returns it.
type State struct {
	Processes       map[string]*NetworkData
	RemoteAddresses map[netip.Addr]*NetworkData
	Connections     map[model.Connection]*ConnectionData

	TotalBytesDownloaded uint64
	TotalBytesUploaded   uint64

	// Overflow is set when some counter would have exceeded math.MaxUint64 and was
	// saturated instead.
	Overflow bool
}

func newState() *State {
	return &State{
		Processes:       make(map[string]*NetworkData),
		RemoteAddresses: make(map[netip.Addr]*NetworkData),
		Connections:     make(map[model.Connection]*ConnectionData),
	}
}

// ProcessNames returns the process keys in lexical order.
func (s *State) ProcessNames() []string {
	names := make([]string, 0, len(s.Processes))
	for name := range s.Processes {
		names = append(names, name)
	}
	slices.SortFunc(names, strings.Compare)
	return names
}

func (s *State) RemoteAddrs() []netip.Addr {
	addrs := make([]netip.Addr, 0, len(s.RemoteAddresses))
	for addr := range s.RemoteAddresses {
		addrs = append(addrs, addr)
	}
	slices.SortFunc(addrs, netip.Addr.Compare)
	return addrs
}

func (s *State) SortedConnections() []model.Connection {
	conns := make([]model.Connection, 0, len(s.Connections))
	for c := range s.Connections {
		conns = append(conns, c)
	}
	slices.SortFunc(conns, model.Connection.Compare)
	return conns
}

// add saturates at math.MaxUint64 instead of wrapping.
func (s *State) add(dst *uint64, n uint64) {
	sum, carry := bits.Add64(*dst, n, 0)
	if carry != 0 {
		*dst = math.MaxUint64
		s.Overflow = true
		return
	}
	*dst = sum
}

func (s *State) process(name string) *NetworkData {
	d, ok := s.Processes[name]
	if !ok {
		d = &NetworkData{}
		s.Processes[name] = d
	}
	return d
}

func (s *State) remote(addr netip.Addr) *NetworkData {
	d, ok := s.RemoteAddresses[addr]
	if !ok {
		d = &NetworkData{}
		s.RemoteAddresses[addr] = d
	}
	return d
}

func (s *State) connection(c model.Connection) *ConnectionData {
	d, ok := s.Connections[c]
	if !ok {
		d = &ConnectionData{}
		s.Connections[c] = d
	}
	return d
}

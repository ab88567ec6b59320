package ui

import (
	"cmp"
	"fmt"
	"math"
	"net/netip"
	"slices"

	"github.com/back2basic/netwatch/agg"
	"github.com/back2basic/netwatch/model"
)

var (
	processHeader    = []string{"Process", "Connections", "Rate Up / Down"}
	remoteHeader     = []string{"Remote Address", "Connections", "Rate Up / Down"}
	connectionHeader = []string{"Connection", "Process", "Rate Up / Down"}
)

// formatBytes renders a byte count with binary units.
func formatBytes(b uint64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%dB", b)
	}
	div, exp := uint64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f%ciB", float64(b)/float64(div), "KMGTPE"[exp])
}

func rate(up, down uint64, seconds float64) string {
	return fmt.Sprintf("%s/s / %s/s", formatBytes(perSecond(up, seconds)), formatBytes(perSecond(down, seconds)))
}

func perSecond(b uint64, seconds float64) uint64 {
	if seconds <= 0 || seconds == 1 {
		return b
	}
	return uint64(float64(b) / seconds)
}

// byRate orders keys by smoothed up+down, highest first. The sort is stable, so keys
// that arrive in State order keep it on ties.
func byRate[K any](keys []K, up, down func(K) uint64) {
	slices.SortStableFunc(keys, func(a, b K) int {
		return cmp.Compare(satSum(up(b), down(b)), satSum(up(a), down(a)))
	})
}

func satSum(a, b uint64) uint64 {
	if s := a + b; s >= a {
		return s
	}
	return math.MaxUint64
}

func processRows(s *agg.State, seconds float64) [][]string {
	names := s.ProcessNames()
	byRate(names,
		func(n string) uint64 { return s.Processes[n].AvgBytesUploaded() },
		func(n string) uint64 { return s.Processes[n].AvgBytesDownloaded() },
	)
	rows := [][]string{processHeader}
	for _, n := range names {
		d := s.Processes[n]
		rows = append(rows, []string{n, fmt.Sprint(d.ConnectionCount), rate(d.AvgBytesUploaded(), d.AvgBytesDownloaded(), seconds)})
	}
	return rows
}

func remoteRows(s *agg.State, seconds float64) [][]string {
	addrs := s.RemoteAddrs()
	byRate(addrs,
		func(a netip.Addr) uint64 { return s.RemoteAddresses[a].AvgBytesUploaded() },
		func(a netip.Addr) uint64 { return s.RemoteAddresses[a].AvgBytesDownloaded() },
	)
	rows := [][]string{remoteHeader}
	for _, a := range addrs {
		d := s.RemoteAddresses[a]
		rows = append(rows, []string{a.String(), fmt.Sprint(d.ConnectionCount), rate(d.AvgBytesUploaded(), d.AvgBytesDownloaded(), seconds)})
	}
	return rows
}

func connectionRows(s *agg.State, seconds float64) [][]string {
	conns := s.SortedConnections()
	byRate(conns,
		func(c model.Connection) uint64 { return s.Connections[c].AvgBytesUploaded() },
		func(c model.Connection) uint64 { return s.Connections[c].AvgBytesDownloaded() },
	)
	rows := [][]string{connectionHeader}
	for _, c := range conns {
		d := s.Connections[c]
		label := fmt.Sprintf("<%s>:%d => %s (%s)", d.InterfaceName, c.Local.Port, c.Remote, c.Protocol)
		rows = append(rows, []string{label, d.ProcessName, rate(d.AvgBytesUploaded(), d.AvgBytesDownloaded(), seconds)})
	}
	return rows
}

func totalsLine(s *agg.State, seconds float64) string {
	return fmt.Sprintf(" Total Up / Down: %s/s / %s/s ",
		formatBytes(perSecond(s.TotalBytesUploaded, seconds)),
		formatBytes(perSecond(s.TotalBytesDownloaded, seconds)))
}

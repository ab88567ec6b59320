package live

import (
	"context"
	"fmt"
	"io"

	"github.com/back2basic/netwatch/agg"
)

// RawPrinter writes one line per process, connection and remote address per tick, meant
// for piping into other tools.
type RawPrinter struct {
	w    io.Writer
	tick uint64
}

func NewRawPrinter(w io.Writer) *RawPrinter {
	return &RawPrinter{w: w}
}

func (p *RawPrinter) Consume(_ context.Context, s *agg.State) error {
	p.tick++
	if _, err := fmt.Fprintf(p.w, "Refreshing: %d\n", p.tick); err != nil {
		return err
	}
	for _, name := range s.ProcessNames() {
		d := s.Processes[name]
		if _, err := fmt.Fprintf(p.w, "process: %q up/down Bps: %d/%d connections: %d\n",
			name, d.AvgBytesUploaded(), d.AvgBytesDownloaded(), d.ConnectionCount); err != nil {
			return err
		}
	}
	for _, c := range s.SortedConnections() {
		d := s.Connections[c]
		if _, err := fmt.Fprintf(p.w, "connection: %q %s up/down Bps: %d/%d process: %q\n",
			d.InterfaceName, c, d.AvgBytesUploaded(), d.AvgBytesDownloaded(), d.ProcessName); err != nil {
			return err
		}
	}
	for _, addr := range s.RemoteAddrs() {
		d := s.RemoteAddresses[addr]
		if _, err := fmt.Fprintf(p.w, "remote_address: %s up/down Bps: %d/%d connections: %d\n",
			addr, d.AvgBytesUploaded(), d.AvgBytesDownloaded(), d.ConnectionCount); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintln(p.w)
	return err
}

package agg

import "github.com/back2basic/netwatch/model"

// Build folds one tick of traffic into a new State.
//
// Every connection of connectionsToProcs that has an entry in utilization is counted once
// against its process, its remote address and itself; the entry is deleted from
// utilization as it is consumed. Connections without traffic are skipped. prev is only
// read, for the smoothed averages of connections that were already seen; nil means no
// history.
func Build(connectionsToProcs map[model.Connection]string, utilization model.Utilization, prev *State) *State {
	s := newState()
	for conn, processName := range connectionsToProcs {
		info, ok := utilization[conn]
		if !ok {
			continue
		}
		delete(utilization, conn)

		proc := s.process(processName)
		remote := s.remote(conn.Remote.IP)
		cd := s.connection(conn)

		s.add(&proc.TotalBytesDownloaded, info.TotalBytesDownloaded)
		s.add(&proc.TotalBytesUploaded, info.TotalBytesUploaded)
		proc.ConnectionCount++

		s.add(&remote.TotalBytesDownloaded, info.TotalBytesDownloaded)
		s.add(&remote.TotalBytesUploaded, info.TotalBytesUploaded)
		remote.ConnectionCount++

		s.add(&cd.TotalBytesDownloaded, info.TotalBytesDownloaded)
		s.add(&cd.TotalBytesUploaded, info.TotalBytesUploaded)
		cd.ProcessName = processName
		cd.InterfaceName = info.InterfaceName

		s.add(&s.TotalBytesDownloaded, info.TotalBytesDownloaded)
		s.add(&s.TotalBytesUploaded, info.TotalBytesUploaded)

		if prev == nil {
			continue
		}
		old, ok := prev.Connections[conn]
		if !ok {
			continue
		}
		// Groups carry the sum of their members' smoothed values, not a re-smoothing of
		// the group total.
		down := old.AvgBytesDownloaded()
		up := old.AvgBytesUploaded()
		for _, p := range []struct{ down, up *uint64 }{
			{&cd.PrevTotalBytesDownloaded, &cd.PrevTotalBytesUploaded},
			{&proc.PrevTotalBytesDownloaded, &proc.PrevTotalBytesUploaded},
			{&remote.PrevTotalBytesDownloaded, &remote.PrevTotalBytesUploaded},
		} {
			s.add(p.down, down)
			s.add(p.up, up)
		}
	}
	return s
}

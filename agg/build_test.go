package agg

import (
	"math"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/back2basic/netwatch/model"
)

func conn(remote string, localPort uint16) model.Connection {
	return model.Connection{
		Local:    model.Socket{IP: netip.MustParseAddr("10.0.0.2"), Port: localPort},
		Remote:   model.Socket{IP: netip.MustParseAddr(remote), Port: 443},
		Protocol: model.ProtocolTCP,
	}
}

func TestAverageBandwidth(t *testing.T) {
	tests := []struct {
		name       string
		prev, curr uint64
		want       uint64
	}{
		{"cold start", 0, 1234, 1234},
		{"cold start idle", 0, 0, 0},
		{"even halves", 1000, 2000, 1500},
		{"decays to zero", 1000, 0, 500},
		{"odd sum rounds up", 3, 4, 4},
		{"both odd", 3, 5, 4},
		{"one", 1, 0, 1},
		{"max values", math.MaxUint64, math.MaxUint64, math.MaxUint64},
		{"max and zero", math.MaxUint64, 0, 1 << 63},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AverageBandwidth(tt.prev, tt.curr))
		})
	}
}

func TestAverageBandwidthFollowsDecayFactor(t *testing.T) {
	require.Equal(t, 0.5, DecayFactor)
	for _, pc := range [][2]uint64{{10, 30}, {1000, 0}, {7, 7}, {1 << 40, 1 << 20}} {
		want := math.Round(DecayFactor*float64(pc[0]) + (1-DecayFactor)*float64(pc[1]))
		assert.Equal(t, uint64(want), AverageBandwidth(pc[0], pc[1]), "prev=%d curr=%d", pc[0], pc[1])
	}
}

func TestBuildColdStart(t *testing.T) {
	c := conn("1.1.1.1", 5000)
	procs := map[model.Connection]string{c: "P"}
	util := model.Utilization{c: {TotalBytesDownloaded: 1000, TotalBytesUploaded: 10, InterfaceName: "eth0"}}

	s := Build(procs, util, nil)

	require.Contains(t, s.Processes, "P")
	p := s.Processes["P"]
	assert.Equal(t, uint64(1000), p.TotalBytesDownloaded)
	assert.Equal(t, uint64(1000), p.AvgBytesDownloaded())
	assert.Equal(t, uint64(10), p.AvgBytesUploaded())
	assert.Zero(t, p.PrevTotalBytesDownloaded)

	cd := s.Connections[c]
	require.NotNil(t, cd)
	assert.Equal(t, "P", cd.ProcessName)
	assert.Equal(t, "eth0", cd.InterfaceName)
	assert.Equal(t, uint64(1000), cd.AvgBytesDownloaded())
	assert.Empty(t, util, "consumed entries are removed from the snapshot")
}

func TestBuildSmoothsAcrossTicks(t *testing.T) {
	c := conn("1.1.1.1", 5000)

	first := Build(map[model.Connection]string{c: "P"},
		model.Utilization{c: {TotalBytesDownloaded: 1000}}, &State{})
	second := Build(map[model.Connection]string{c: "P"},
		model.Utilization{c: {TotalBytesDownloaded: 2000}}, first)

	p := second.Processes["P"]
	assert.Equal(t, uint64(2000), p.TotalBytesDownloaded)
	assert.Equal(t, uint64(1000), p.PrevTotalBytesDownloaded)
	assert.Equal(t, uint64(1500), p.AvgBytesDownloaded())
	assert.Equal(t, uint64(1500), second.Connections[c].AvgBytesDownloaded())
	assert.Equal(t, uint64(1500), second.RemoteAddresses[c.Remote.IP].AvgBytesDownloaded())

	third := Build(map[model.Connection]string{c: "P"},
		model.Utilization{c: {TotalBytesDownloaded: 500}}, second)
	assert.Equal(t, uint64(1500), third.Connections[c].PrevTotalBytesDownloaded)
	assert.Equal(t, uint64(1000), third.Connections[c].AvgBytesDownloaded())
}

func TestBuildGroupsByProcessAndRemote(t *testing.T) {
	c1 := conn("1.1.1.1", 5000)
	c2 := conn("8.8.8.8", 5001)
	procs := map[model.Connection]string{c1: "P", c2: "P"}
	util := model.Utilization{
		c1: {TotalBytesDownloaded: 100, TotalBytesUploaded: 50},
		c2: {TotalBytesDownloaded: 100, TotalBytesUploaded: 50},
	}

	s := Build(procs, util, nil)

	require.Len(t, s.Processes, 1)
	assert.Equal(t, uint64(200), s.Processes["P"].TotalBytesDownloaded)
	assert.Equal(t, uint64(100), s.Processes["P"].TotalBytesUploaded)
	assert.Equal(t, uint64(2), s.Processes["P"].ConnectionCount)

	require.Len(t, s.RemoteAddresses, 2)
	for _, addr := range []netip.Addr{c1.Remote.IP, c2.Remote.IP} {
		r := s.RemoteAddresses[addr]
		require.NotNil(t, r, addr.String())
		assert.Equal(t, uint64(100), r.TotalBytesDownloaded)
		assert.Equal(t, uint64(1), r.ConnectionCount)
	}
}

func TestBuildRemoteAddressIgnoresPort(t *testing.T) {
	c1 := conn("1.1.1.1", 5000)
	c2 := c1
	c2.Remote.Port = 80
	s := Build(map[model.Connection]string{c1: "a", c2: "b"},
		model.Utilization{c1: {TotalBytesDownloaded: 1}, c2: {TotalBytesDownloaded: 2}}, nil)

	require.Len(t, s.RemoteAddresses, 1)
	assert.Equal(t, uint64(3), s.RemoteAddresses[c1.Remote.IP].TotalBytesDownloaded)
	assert.Equal(t, uint64(2), s.RemoteAddresses[c1.Remote.IP].ConnectionCount)
	assert.Len(t, s.Connections, 2)
}

func TestBuildPrevIsSumOfMembers(t *testing.T) {
	c1 := conn("1.1.1.1", 5000)
	c2 := conn("1.1.1.1", 5001)
	c3 := conn("9.9.9.9", 5002)
	procs := map[model.Connection]string{c1: "P", c2: "P", c3: "Q"}

	prev := Build(procs, model.Utilization{
		c1: {TotalBytesDownloaded: 300, TotalBytesUploaded: 7},
		c2: {TotalBytesDownloaded: 501, TotalBytesUploaded: 9},
		c3: {TotalBytesDownloaded: 40},
	}, nil)
	s := Build(procs, model.Utilization{
		c1: {TotalBytesDownloaded: 100},
		c2: {TotalBytesDownloaded: 100},
		c3: {TotalBytesDownloaded: 100},
	}, prev)

	var procDown, procUp uint64
	for _, c := range []model.Connection{c1, c2} {
		procDown += s.Connections[c].PrevTotalBytesDownloaded
		procUp += s.Connections[c].PrevTotalBytesUploaded
	}
	assert.Equal(t, procDown, s.Processes["P"].PrevTotalBytesDownloaded)
	assert.Equal(t, procUp, s.Processes["P"].PrevTotalBytesUploaded)
	assert.Equal(t, uint64(801), procDown)
	assert.Equal(t, procDown, s.RemoteAddresses[c1.Remote.IP].PrevTotalBytesDownloaded)
	assert.Equal(t, uint64(40), s.Processes["Q"].PrevTotalBytesDownloaded)
}

func TestBuildGlobalTotals(t *testing.T) {
	procs := map[model.Connection]string{}
	util := model.Utilization{}
	for i := uint16(0); i < 10; i++ {
		c := conn("1.1.1.1", 6000+i)
		procs[c] = "P"
		util[c] = model.ConnectionInfo{TotalBytesDownloaded: uint64(i) * 10, TotalBytesUploaded: uint64(i)}
	}

	s := Build(procs, util, nil)

	var down, up uint64
	for _, cd := range s.Connections {
		down += cd.TotalBytesDownloaded
		up += cd.TotalBytesUploaded
	}
	assert.Equal(t, down, s.TotalBytesDownloaded)
	assert.Equal(t, up, s.TotalBytesUploaded)
	assert.Equal(t, uint64(450), s.TotalBytesDownloaded)
}

func TestBuildSkipsUnmatched(t *testing.T) {
	matched := conn("1.1.1.1", 5000)
	noTraffic := conn("2.2.2.2", 5001)
	noProcess := conn("3.3.3.3", 5002)
	util := model.Utilization{
		matched:   {TotalBytesDownloaded: 5},
		noProcess: {TotalBytesDownloaded: 999},
	}

	s := Build(map[model.Connection]string{matched: "P", noTraffic: "Q"}, util, nil)

	assert.NotContains(t, s.Processes, "Q")
	assert.NotContains(t, s.Connections, noTraffic)
	assert.NotContains(t, s.RemoteAddresses, noTraffic.Remote.IP)
	assert.NotContains(t, s.Connections, noProcess)
	assert.Equal(t, uint64(5), s.TotalBytesDownloaded)
	assert.Equal(t, model.Utilization{noProcess: {TotalBytesDownloaded: 999}}, util)
}

func TestBuildDropsVanishedEntities(t *testing.T) {
	gone := conn("1.1.1.1", 5000)
	stays := conn("2.2.2.2", 5001)
	prev := Build(map[model.Connection]string{gone: "old", stays: "P"},
		model.Utilization{gone: {TotalBytesDownloaded: 10}, stays: {TotalBytesDownloaded: 10}}, nil)

	s := Build(map[model.Connection]string{stays: "P"},
		model.Utilization{stays: {TotalBytesDownloaded: 10}}, prev)

	assert.NotContains(t, s.Processes, "old")
	assert.NotContains(t, s.RemoteAddresses, gone.Remote.IP)
	assert.NotContains(t, s.Connections, gone)
	assert.Len(t, s.Connections, 1)
	assert.Contains(t, prev.Connections, gone, "previous state is left untouched")
}

func TestBuildSaturatesOnOverflow(t *testing.T) {
	c1 := conn("1.1.1.1", 5000)
	c2 := conn("1.1.1.1", 5001)
	s := Build(map[model.Connection]string{c1: "P", c2: "P"}, model.Utilization{
		c1: {TotalBytesDownloaded: math.MaxUint64},
		c2: {TotalBytesDownloaded: 1},
	}, nil)

	assert.True(t, s.Overflow)
	assert.Equal(t, uint64(math.MaxUint64), s.Processes["P"].TotalBytesDownloaded)
	assert.Equal(t, uint64(math.MaxUint64), s.TotalBytesDownloaded)
	assert.Equal(t, uint64(1), s.Connections[c2].TotalBytesDownloaded)
}

func TestStateOrderedViews(t *testing.T) {
	c1 := conn("9.9.9.9", 5000)
	c2 := conn("1.1.1.1", 5001)
	c3 := conn("1.1.1.1", 5000)
	s := Build(map[model.Connection]string{c1: "zsh", c2: "curl", c3: "firefox"}, model.Utilization{
		c1: {}, c2: {}, c3: {},
	}, nil)

	assert.Equal(t, []string{"curl", "firefox", "zsh"}, s.ProcessNames())
	assert.Equal(t, []netip.Addr{c2.Remote.IP, c1.Remote.IP}, s.RemoteAddrs())
	assert.Equal(t, []model.Connection{c3, c2, c1}, s.SortedConnections())
}

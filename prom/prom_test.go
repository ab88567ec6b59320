package prom

import (
	"context"
	"net/netip"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/back2basic/netwatch/agg"
	"github.com/back2basic/netwatch/model"
)

func TestCollectorBeforeFirstTick(t *testing.T) {
	c := New()
	assert.Equal(t, 1, testutil.CollectAndCount(c))
}

func TestCollectorExportsSmoothedRates(t *testing.T) {
	conn := model.Connection{
		Local:    model.Socket{IP: netip.MustParseAddr("10.0.0.2"), Port: 40000},
		Remote:   model.Socket{IP: netip.MustParseAddr("1.1.1.1"), Port: 443},
		Protocol: model.ProtocolTCP,
	}
	procs := map[model.Connection]string{conn: "curl"}
	first := agg.Build(procs, model.Utilization{conn: {TotalBytesDownloaded: 1000, TotalBytesUploaded: 40}}, nil)
	second := agg.Build(procs, model.Utilization{conn: {TotalBytesDownloaded: 2000, TotalBytesUploaded: 40}}, first)

	c := New()
	require.NoError(t, c.Consume(context.Background(), first))
	require.NoError(t, c.Consume(context.Background(), second))

	expected := `
# HELP netwatch_process_bytes Smoothed bytes per tick per process
# TYPE netwatch_process_bytes gauge
netwatch_process_bytes{direction="down",process="curl"} 1500
netwatch_process_bytes{direction="up",process="curl"} 40
# HELP netwatch_remote_bytes Smoothed bytes per tick per remote address
# TYPE netwatch_remote_bytes gauge
netwatch_remote_bytes{direction="down",remote="1.1.1.1"} 1500
netwatch_remote_bytes{direction="up",remote="1.1.1.1"} 40
# HELP netwatch_total_bytes Bytes moved by all attributed connections during the last tick
# TYPE netwatch_total_bytes gauge
netwatch_total_bytes{direction="down"} 2000
netwatch_total_bytes{direction="up"} 40
# HELP netwatch_process_connections Connections attributed to a process during the last tick
# TYPE netwatch_process_connections gauge
netwatch_process_connections{process="curl"} 1
# HELP netwatch_ticks_total States aggregated since start
# TYPE netwatch_ticks_total counter
netwatch_ticks_total 2
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected)))
}

func TestCollectorCleansInvalidProcessNames(t *testing.T) {
	conn := model.Connection{
		Local:    model.Socket{IP: netip.MustParseAddr("10.0.0.2"), Port: 40000},
		Remote:   model.Socket{IP: netip.MustParseAddr("1.1.1.1"), Port: 443},
		Protocol: model.ProtocolTCP,
	}
	truncated := "ääääääää"[:15]
	s := agg.Build(map[model.Connection]string{conn: truncated},
		model.Utilization{conn: {TotalBytesDownloaded: 10}}, nil)

	c := New()
	require.NoError(t, c.Consume(context.Background(), s))

	expected := `
# HELP netwatch_process_connections Connections attributed to a process during the last tick
# TYPE netwatch_process_connections gauge
netwatch_process_connections{process="äääääää�"} 1
`
	require.NotPanics(t, func() {
		require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected), "netwatch_process_connections"))
	})
}

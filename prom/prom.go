package prom

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/back2basic/netwatch/agg"
)

// Collector exports the smoothed rates of the latest State. It is a live.Sink: the loop
// hands it every new State and scrapes read whichever was stored last.
type Collector struct {
	state atomic.Pointer[agg.State]

	process *prometheus.Desc
	remote  *prometheus.Desc
	total   *prometheus.Desc
	conns   *prometheus.Desc
	ticks   prometheus.Counter
}

func New() *Collector {
	return &Collector{
		process: prometheus.NewDesc(
			"netwatch_process_bytes",
			"Smoothed bytes per tick per process",
			[]string{"process", "direction"},
			nil,
		),
		remote: prometheus.NewDesc(
			"netwatch_remote_bytes",
			"Smoothed bytes per tick per remote address",
			[]string{"remote", "direction"},
			nil,
		),
		total: prometheus.NewDesc(
			"netwatch_total_bytes",
			"Bytes moved by all attributed connections during the last tick",
			[]string{"direction"},
			nil,
		),
		conns: prometheus.NewDesc(
			"netwatch_process_connections",
			"Connections attributed to a process during the last tick",
			[]string{"process"},
			nil,
		),
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "netwatch_ticks_total",
			Help: "States aggregated since start",
		}),
	}
}

func (c *Collector) Consume(_ context.Context, s *agg.State) error {
	c.state.Store(s)
	c.ticks.Inc()
	return nil
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.process
	ch <- c.remote
	ch <- c.total
	ch <- c.conns
	c.ticks.Describe(ch)
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.ticks.Collect(ch)

	s := c.state.Load()
	if s == nil {
		return
	}

	emit := func(desc *prometheus.Desc, up, down uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, float64(up), append(labels, "up")...)
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, float64(down), append(labels, "down")...)
	}
	for name, d := range s.Processes {
		// Label values must be valid UTF-8 or the whole scrape fails.
		name = strings.ToValidUTF8(name, "\uFFFD")
		emit(c.process, d.AvgBytesUploaded(), d.AvgBytesDownloaded(), name)
		ch <- prometheus.MustNewConstMetric(c.conns, prometheus.GaugeValue, float64(d.ConnectionCount), name)
	}
	for addr, d := range s.RemoteAddresses {
		emit(c.remote, d.AvgBytesUploaded(), d.AvgBytesDownloaded(), addr.String())
	}
	emit(c.total, s.TotalBytesUploaded, s.TotalBytesDownloaded)
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, c *Collector, logger *zap.Logger) error {
	reg := prometheus.NewRegistry()
	if err := reg.Register(c); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	logger.Info("serving metrics", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

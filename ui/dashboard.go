package ui

import (
	"context"
	"fmt"
	"sync"
	"time"

	termui "github.com/gizak/termui/v3"
	"github.com/gizak/termui/v3/widgets"

	"github.com/back2basic/netwatch/agg"
)

const historySize = 90

// Dashboard draws every State it receives in the terminal.
type Dashboard struct {
	mu      sync.Mutex
	seconds float64

	grid    *termui.Grid
	header  *widgets.Paragraph
	procs   *widgets.Table
	remotes *widgets.Table
	conns   *widgets.Table
	slUp    *widgets.Sparkline
	slDown  *widgets.Sparkline
	sgUp    *widgets.SparklineGroup
	sgDown  *widgets.SparklineGroup

	upHistory   []float64
	downHistory []float64
}

func newDashboard(tick time.Duration) *Dashboard {
	d := &Dashboard{seconds: tick.Seconds()}

	d.header = widgets.NewParagraph()
	d.header.Title = " netwatch "
	d.header.Text = " waiting for the first tick..."
	d.header.BorderStyle.Fg = termui.ColorCyan

	table := func(title string, header []string, color termui.Color) *widgets.Table {
		t := widgets.NewTable()
		t.Title = title
		t.Rows = [][]string{header}
		t.TextStyle = termui.NewStyle(termui.ColorWhite)
		t.RowSeparator = false
		t.BorderStyle.Fg = color
		return t
	}
	d.procs = table(" Utilization by process name ", processHeader, termui.ColorGreen)
	d.remotes = table(" Utilization by remote address ", remoteHeader, termui.ColorYellow)
	d.conns = table(" Utilization by connection ", connectionHeader, termui.ColorMagenta)

	d.slUp = widgets.NewSparkline()
	d.slUp.LineColor = termui.ColorYellow
	d.sgUp = widgets.NewSparklineGroup(d.slUp)
	d.sgUp.Title = " Upload "
	d.sgUp.BorderStyle.Fg = termui.ColorYellow

	d.slDown = widgets.NewSparkline()
	d.slDown.LineColor = termui.ColorGreen
	d.sgDown = widgets.NewSparklineGroup(d.slDown)
	d.sgDown.Title = " Download "
	d.sgDown.BorderStyle.Fg = termui.ColorGreen

	d.grid = termui.NewGrid()
	d.grid.Set(
		termui.NewRow(0.1, termui.NewCol(1.0, d.header)),
		termui.NewRow(0.4,
			termui.NewCol(0.5, d.procs),
			termui.NewCol(0.5, d.remotes),
		),
		termui.NewRow(0.3, termui.NewCol(1.0, d.conns)),
		termui.NewRow(0.2,
			termui.NewCol(0.5, d.sgUp),
			termui.NewCol(0.5, d.sgDown),
		),
	)
	return d
}

// Open takes over the terminal. Close must be called to restore it.
func Open(tick time.Duration) (*Dashboard, error) {
	if err := termui.Init(); err != nil {
		return nil, fmt.Errorf("init termui: %w", err)
	}
	d := newDashboard(tick)
	w, h := termui.TerminalDimensions()
	d.grid.SetRect(0, 0, w, h)
	termui.Render(d.grid)
	return d, nil
}

func (d *Dashboard) Close() {
	termui.Close()
}

func (d *Dashboard) Consume(_ context.Context, s *agg.State) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.update(s)
	termui.Render(d.grid)
	return nil
}

func (d *Dashboard) update(s *agg.State) {
	d.header.Text = totalsLine(s, d.seconds)
	d.procs.Rows = processRows(s, d.seconds)
	d.remotes.Rows = remoteRows(s, d.seconds)
	d.conns.Rows = connectionRows(s, d.seconds)

	// Grow from the left until full, then scroll.
	if len(d.upHistory) >= historySize {
		d.upHistory = d.upHistory[1:]
		d.downHistory = d.downHistory[1:]
	}
	d.upHistory = append(d.upHistory, float64(perSecond(s.TotalBytesUploaded, d.seconds)))
	d.downHistory = append(d.downHistory, float64(perSecond(s.TotalBytesDownloaded, d.seconds)))
	d.slUp.Data = d.upHistory
	d.slDown.Data = d.downHistory

	d.sgUp.Title = fmt.Sprintf(" Upload (peak %s/s) ", formatBytes(uint64(peak(d.upHistory))))
	d.sgDown.Title = fmt.Sprintf(" Download (peak %s/s) ", formatBytes(uint64(peak(d.downHistory))))
}

func peak(xs []float64) float64 {
	var m float64
	for _, x := range xs {
		m = max(m, x)
	}
	return m
}

// Run handles keyboard and resize events. It returns nil when the user quits with q or
// Ctrl+C, and ctx.Err() when ctx ends first.
func (d *Dashboard) Run(ctx context.Context) error {
	events := termui.PollEvents()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e := <-events:
			switch {
			case e.Type == termui.KeyboardEvent && (e.ID == "q" || e.ID == "<C-c>"):
				return nil
			case e.Type == termui.ResizeEvent:
				payload := e.Payload.(termui.Resize)
				d.mu.Lock()
				d.grid.SetRect(0, 0, payload.Width, payload.Height)
				termui.Clear()
				termui.Render(d.grid)
				d.mu.Unlock()
			}
		}
	}
}

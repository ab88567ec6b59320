package storage

import (
	"context"
	"math"
	"math/bits"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/back2basic/netwatch/agg"
	"github.com/back2basic/netwatch/model"
)

// Recorder sums the raw per-process bytes of every tick and writes one row per process
// to the DB each interval.
type Recorder struct {
	db       *DB
	hostname string
	interval time.Duration
	clock    clock.Clock
	logger   *zap.Logger

	windowStart time.Time
	pending     map[string]*model.UsageRecord
}

func NewRecorder(db *DB, hostname string, interval time.Duration, clk clock.Clock, logger *zap.Logger) *Recorder {
	return &Recorder{
		db:       db,
		hostname: hostname,
		interval: interval,
		clock:    clk,
		logger:   logger.Named("recorder"),
		pending:  make(map[string]*model.UsageRecord),
	}
}

func (r *Recorder) Consume(_ context.Context, s *agg.State) error {
	now := r.clock.Now()
	if r.windowStart.IsZero() {
		r.windowStart = now
	}

	for name, d := range s.Processes {
		rec, ok := r.pending[name]
		if !ok {
			rec = &model.UsageRecord{Process: name}
			r.pending[name] = rec
		}
		rec.Down = satAdd(rec.Down, d.TotalBytesDownloaded)
		rec.Up = satAdd(rec.Up, d.TotalBytesUploaded)
		rec.Connections = max(rec.Connections, d.ConnectionCount)
	}

	if now.Sub(r.windowStart) < r.interval {
		return nil
	}
	return r.Flush()
}

// Flush writes the pending window, stamped with the current minute, and starts a new one.
func (r *Recorder) Flush() error {
	now := r.clock.Now()
	r.windowStart = now
	if len(r.pending) == 0 {
		return nil
	}

	ts := now.UTC().Truncate(time.Minute).Unix()
	recs := make([]model.UsageRecord, 0, len(r.pending))
	for _, rec := range r.pending {
		rec.Timestamp = ts
		recs = append(recs, *rec)
	}
	// pending survives a failed insert and is retried with the next window.
	if err := r.db.Insert(r.hostname, recs); err != nil {
		return err
	}
	r.pending = make(map[string]*model.UsageRecord)
	r.logger.Debug("flushed usage", zap.Int("rows", len(recs)))
	return nil
}

func satAdd(a, b uint64) uint64 {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return math.MaxUint64
	}
	return sum
}

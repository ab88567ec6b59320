package storage

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/appwrite/sdk-for-go/appwrite"
	"github.com/appwrite/sdk-for-go/tablesdb"
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/back2basic/netwatch/config"
	"github.com/back2basic/netwatch/model"
)

// DailyPusher stores one day of per-process totals somewhere remote.
type DailyPusher interface {
	PushDaily(hostname, day string, rows []model.AggregatedRecord) error
}

type Appwrite struct {
	db      *tablesdb.TablesDB
	dbID    string
	tableID string
	logger  *zap.Logger
}

func NewAppwrite(cfg config.AppwriteConfig, logger *zap.Logger) *Appwrite {
	client := appwrite.NewClient(
		appwrite.WithEndpoint(cfg.Endpoint),
		appwrite.WithProject(cfg.Project),
		appwrite.WithKey(cfg.APIKey),
	)

	return &Appwrite{
		db:      tablesdb.New(client),
		dbID:    cfg.Database,
		tableID: cfg.Table,
		logger:  logger.Named("appwrite"),
	}
}

func makeRowID(hostname, process, day string) string {
	h := sha1.New()
	h.Write([]byte(hostname))
	h.Write([]byte(process))
	h.Write([]byte(day))
	sum := hex.EncodeToString(h.Sum(nil))
	return sum[:32] // Appwrite row IDs are at most 36 chars
}

func (a *Appwrite) PushDaily(hostname, day string, rows []model.AggregatedRecord) error {
	var pushed, failed int
	for _, r := range rows {
		if r.Down == 0 && r.Up == 0 {
			continue
		}

		data := map[string]interface{}{
			"hostname":   hostname,
			"process":    r.Process,
			"day":        day,
			"bytes_down": clamp(r.Down),
			"bytes_up":   clamp(r.Up),
		}

		rowID := makeRowID(hostname, r.Process, day)
		if _, err := a.db.UpsertRow(a.dbID, a.tableID, rowID, a.db.WithUpsertRowData(data)); err != nil {
			a.logger.Warn("upsert failed", zap.String("row", rowID), zap.Error(err))
			failed++
			continue
		}
		pushed++
	}

	a.logger.Info("pushed daily totals", zap.Int("rows", pushed))
	if failed > 0 {
		return fmt.Errorf("%d of %d rows failed", failed, pushed+failed)
	}
	return nil
}

// Pusher periodically sends today's totals from the DB to a DailyPusher, on interval
// boundaries aligned to the wall clock.
type Pusher struct {
	db       *DB
	remote   DailyPusher
	hostname string
	interval time.Duration
	clock    clock.Clock
	logger   *zap.Logger
}

func NewPusher(db *DB, remote DailyPusher, hostname string, interval time.Duration, clk clock.Clock, logger *zap.Logger) *Pusher {
	return &Pusher{
		db:       db,
		remote:   remote,
		hostname: hostname,
		interval: interval,
		clock:    clk,
		logger:   logger.Named("pusher"),
	}
}

func (p *Pusher) Run(ctx context.Context) error {
	first := alignedTimer(p.clock, p.interval)
	defer first.Stop()

	var tick <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-first.C:
			p.pushLogged()
			ticker := p.clock.Ticker(p.interval)
			defer ticker.Stop()
			tick = ticker.C

		case <-tick:
			p.pushLogged()
		}
	}
}

func (p *Pusher) pushLogged() {
	if err := p.PushOnce(); err != nil {
		p.logger.Error("daily push", zap.Error(err))
	}
}

func (p *Pusher) PushOnce() error {
	now := p.clock.Now()
	rows, err := p.db.QueryDailyTotals(now)
	if err != nil {
		return fmt.Errorf("daily query: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}
	return p.remote.PushDaily(p.hostname, now.UTC().Format("2006-01-02"), rows)
}

func alignedTimer(clk clock.Clock, d time.Duration) *clock.Timer {
	now := clk.Now()
	next := now.Truncate(d).Add(d)
	return clk.Timer(next.Sub(now))
}

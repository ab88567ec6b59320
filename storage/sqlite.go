package storage

import (
	"database/sql"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/back2basic/netwatch/model"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS usage (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    hostname TEXT,
    process TEXT,
    connections INTEGER,
    bytes_down INTEGER,
    bytes_up INTEGER,
    timestamp INTEGER
);
CREATE INDEX IF NOT EXISTS usage_timestamp ON usage (timestamp);
`

// DB is the usage history. It is only ever appended to and summarised; nothing in it is
// fed back into the aggregation.
type DB struct {
	db *sql.DB
}

func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("sqlite dir: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	return &DB{db: db}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) Insert(hostname string, recs []model.UsageRecord) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
        INSERT INTO usage (
            hostname, process, connections,
            bytes_down, bytes_up,
            timestamp
        ) VALUES (?, ?, ?, ?, ?, ?)
    `)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, r := range recs {
		_, err = stmt.Exec(
			hostname, r.Process, clamp(r.Connections),
			clamp(r.Down), clamp(r.Up),
			r.Timestamp,
		)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}

// QueryDailyTotals sums every process since UTC midnight of now. Rows are folded here
// rather than with SUM(), which fails on int64 overflow.
func (d *DB) QueryDailyTotals(now time.Time) ([]model.AggregatedRecord, error) {
	midnight := now.UTC().Truncate(24 * time.Hour).Unix()

	rows, err := d.db.Query(`
        SELECT process, bytes_down, bytes_up
        FROM usage
        WHERE timestamp >= ?
        ORDER BY process
    `, midnight)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.AggregatedRecord

	for rows.Next() {
		var (
			process  string
			down, up int64
		)
		if err := rows.Scan(&process, &down, &up); err != nil {
			return nil, err
		}
		if n := len(out); n == 0 || out[n-1].Process != process {
			out = append(out, model.AggregatedRecord{Process: process})
		}
		r := &out[len(out)-1]
		r.Down = satAdd(r.Down, uint64(max(down, 0)))
		r.Up = satAdd(r.Up, uint64(max(up, 0)))
	}

	return out, rows.Err()
}

// SQLite integers are signed.
func clamp(v uint64) int64 {
	if v > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(v)
}

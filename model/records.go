package model

// UsageRecord is one row of the SQLite history: bytes a process moved during a flush window.
type UsageRecord struct {
	Process     string
	Connections uint64
	Down        uint64
	Up          uint64
	Timestamp   int64
}

type AggregatedRecord struct {
	Process string
	Down    uint64
	Up      uint64
}

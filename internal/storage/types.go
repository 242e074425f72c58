package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "sqlite" (or "sqlite3"): SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means default (5s)

	// ReadOnly forces degraded mode regardless of the file state.
	ReadOnly bool
}

// AuditEntry records an operator action or a task run.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At     time.Time
	Actor  string
	Plugin string
	Action string
	Target string
	OK     int
	Fail   int
	Error  string
	TookMS int64
	Meta   string
}

// RollupRow is one aggregated day of audit entries.
type RollupRow struct {
	Day    string // YYYY-MM-DD (UTC)
	Plugin string
	Action string
	Runs   int64
	OK     int64
	Fail   int64
	TookMS int64
}

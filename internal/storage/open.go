package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "housekeeper/pkg/logx"
)

// Store is the persistence API used by tasks and the task runner.
type Store interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	// TrimAudit deletes audit rows older than before.
	TrimAudit(ctx context.Context, before time.Time) (int64, error)
	// ExpireDedup deletes dedup keys whose deadline passed.
	ExpireDedup(ctx context.Context, now time.Time) (int64, error)
	// RollupAudit recomputes daily aggregates for every day starting at since.
	RollupAudit(ctx context.Context, since time.Time) (int64, error)
	Rollup(ctx context.Context, day string) ([]RollupRow, error)

	// IsReadOnly reports degraded mode; tasks must not run while it is true.
	IsReadOnly(ctx context.Context) (bool, error)
	// CancelCurrentQuery aborts every in-flight statement of this process.
	CancelCurrentQuery()
	Close() error
}

// Open connects to the configured store without touching the schema.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver, err := driverName(cfg)
	if err != nil || driver == "" {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	st, err := openSQLite(cfg, log)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// Prepare creates or upgrades the schema. A store that cannot be written is
// reported through readOnly, not as an error: tasks skip their runs until it
// becomes writable again.
func Prepare(ctx context.Context, cfg Config, log logx.Logger) (readOnly bool, err error) {
	driver, err := driverName(cfg)
	if err != nil || driver == "" {
		return false, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	st, err := openSQLite(cfg, log)
	if err != nil {
		return false, err
	}
	defer func() { _ = st.Close() }()
	return st.prepare(ctx)
}

// driverName returns "" when storage is disabled.
func driverName(cfg Config) (string, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "none":
		return "", nil
	case "sqlite", "sqlite3":
		return "sqlite", nil
	default:
		return "", errors.New("unknown storage driver: " + driver)
	}
}

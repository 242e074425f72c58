package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	logx "housekeeper/pkg/logx"
)

//go:embed migrations.sql
var migrations string

const defaultBusyTimeout = 5 * time.Second

type sqliteStore struct {
	db       *sql.DB
	log      logx.Logger
	forceRO  bool
	inflight inflight
}

// inflight tracks cancel funcs of running statements so another goroutine
// (the worker's cancel signal) can abort them.
type inflight struct {
	mu      sync.Mutex
	seq     uint64
	cancels map[uint64]context.CancelFunc
}

func (f *inflight) begin(ctx context.Context) (context.Context, func()) {
	cctx, cancel := context.WithCancel(ctx)
	f.mu.Lock()
	if f.cancels == nil {
		f.cancels = map[uint64]context.CancelFunc{}
	}
	f.seq++
	id := f.seq
	f.cancels[id] = cancel
	f.mu.Unlock()
	return cctx, func() {
		f.mu.Lock()
		delete(f.cancels, id)
		f.mu.Unlock()
		cancel()
	}
}

func (f *inflight) cancelAll() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.cancels {
		c()
	}
	return len(f.cancels)
}

func openSQLite(cfg Config, log logx.Logger) (*sqliteStore, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	// Pragmas in the DSN apply to every connection the pool opens. None of
	// them write, so a read-only file still opens.
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)",
		path, busy.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &sqliteStore{db: db, log: log, forceRO: cfg.ReadOnly}, nil
}

// prepare switches to WAL and applies migrations. Only the parent calls it.
func (s *sqliteStore) prepare(ctx context.Context) (bool, error) {
	if s.forceRO {
		return true, nil
	}
	if _, err := s.db.ExecContext(ctx, `PRAGMA journal_mode=WAL`); err != nil && !isReadOnly(err) {
		return false, fmt.Errorf("sqlite journal mode: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, migrations); err != nil {
		if isReadOnly(err) {
			return true, nil
		}
		return false, fmt.Errorf("sqlite migrate: %w", err)
	}
	// An up-to-date schema migrates without writing, so check explicitly.
	return s.IsReadOnly(ctx)
}

// isReadOnly reports SQLITE_READONLY in any of its extended forms.
func isReadOnly(err error) bool {
	var se *sqlite.Error
	return errors.As(err, &se) && se.Code()&0xff == sqlite3.SQLITE_READONLY
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) CancelCurrentQuery() {
	if s == nil {
		return
	}
	if n := s.inflight.cancelAll(); n > 0 {
		s.log.Warn("canceled in-flight queries", logx.Int("count", n))
	}
}

// IsReadOnly attempts a write that is always rolled back. The schema
// cookie is rewritten with its own value, so the check needs no table.
func (s *sqliteStore) IsReadOnly(ctx context.Context) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrDisabled
	}
	if s.forceRO {
		return true, nil
	}
	ctx, done := s.inflight.begin(ctx)
	defer done()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		if isReadOnly(err) {
			return true, nil
		}
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	var v int64
	if err := tx.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&v); err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d`, v)); err != nil {
		if isReadOnly(err) {
			return true, nil
		}
		return false, err
	}
	return false, nil
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	ctx, done := s.inflight.begin(ctx)
	defer done()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor, plugin, action, target, ok, fail, err, took_ms, meta)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		e.At.UnixMilli(), nullStr(e.Actor), e.Plugin, e.Action, nullStr(e.Target),
		e.OK, e.Fail, nullStr(e.Error), e.TookMS, nullStr(e.Meta),
	)
	return err
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if key == "" {
		return nil
	}
	ctx, done := s.inflight.begin(ctx)
	defer done()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, until.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, ErrDisabled
	}
	if key == "" {
		return time.Time{}, false, nil
	}
	ctx, done := s.inflight.begin(ctx)
	defer done()
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqliteStore) TrimAudit(ctx context.Context, before time.Time) (int64, error) {
	return s.execAffected(ctx, `DELETE FROM audit WHERE at < ?`, before.UnixMilli())
}

func (s *sqliteStore) ExpireDedup(ctx context.Context, now time.Time) (int64, error) {
	return s.execAffected(ctx, `DELETE FROM dedup WHERE until < ?`, now.UnixMilli())
}

func (s *sqliteStore) RollupAudit(ctx context.Context, since time.Time) (int64, error) {
	return s.execAffected(ctx,
		`INSERT INTO audit_rollup(day, plugin, action, runs, ok, fail, took_ms)
		 SELECT strftime('%Y-%m-%d', at / 1000, 'unixepoch'), plugin, action,
		        COUNT(*), SUM(ok), SUM(fail), SUM(took_ms)
		 FROM audit
		 WHERE at >= ?
		 GROUP BY 1, 2, 3
		 ON CONFLICT(day, plugin, action) DO UPDATE SET
		   runs=excluded.runs, ok=excluded.ok, fail=excluded.fail, took_ms=excluded.took_ms`,
		since.UnixMilli(),
	)
}

func (s *sqliteStore) Rollup(ctx context.Context, day string) ([]RollupRow, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	ctx, done := s.inflight.begin(ctx)
	defer done()
	rows, err := s.db.QueryContext(ctx,
		`SELECT day, plugin, action, runs, ok, fail, took_ms
		 FROM audit_rollup WHERE day = ? ORDER BY plugin, action`, day)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RollupRow
	for rows.Next() {
		var r RollupRow
		if err := rows.Scan(&r.Day, &r.Plugin, &r.Action, &r.Runs, &r.OK, &r.Fail, &r.TookMS); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) execAffected(ctx context.Context, query string, args ...any) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	ctx, done := s.inflight.begin(ctx)
	defer done()
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

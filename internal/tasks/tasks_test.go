package tasks

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"housekeeper/internal/config"
	"housekeeper/internal/storage"
	logx "housekeeper/pkg/logx"
)

func TestConfigSourceDescriptor(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Tasks: map[string]config.TaskConfig{
		"on":       {Enabled: true, Interval: "10"},
		"off":      {Enabled: false, Interval: "10"},
		"zero":     {Enabled: true, Interval: "0"},
		"absent":   {Enabled: true},
		"duration": {Enabled: true, Interval: "@every 2m"},
	}}
	src := ConfigSource{Get: func() *config.Config { return cfg }}

	tests := []struct {
		id       string
		runnable bool
		interval time.Duration
	}{
		{id: "on", runnable: true, interval: 10 * time.Second},
		{id: "off"},
		{id: "zero"},
		{id: "absent"},
		{id: "missing"},
		{id: "duration", runnable: true, interval: 2 * time.Minute},
	}
	for _, tt := range tests {
		d := src.Descriptor(tt.id)
		if d.Runnable() != tt.runnable || d.Interval != tt.interval {
			t.Fatalf("%s: got %+v, want runnable=%v interval=%v", tt.id, d, tt.runnable, tt.interval)
		}
	}

	ids := src.EnabledIDs()
	if len(ids) != 2 || ids[0] != "duration" || ids[1] != "on" {
		t.Fatalf("EnabledIDs = %v", ids)
	}
}

func TestConfigSourceSeesReloads(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Tasks: map[string]config.TaskConfig{"a": {Enabled: true, Interval: "5"}}}
	src := ConfigSource{Get: func() *config.Config { return cfg }}
	if !src.Descriptor("a").Runnable() {
		t.Fatal("expected runnable before reload")
	}
	cfg = &config.Config{Tasks: map[string]config.TaskConfig{"a": {Enabled: false, Interval: "5"}}}
	if src.Descriptor("a").Runnable() {
		t.Fatal("descriptor must reflect the reloaded config")
	}
}

func TestLookupAndValidate(t *testing.T) {
	t.Parallel()
	if _, err := Lookup("nope"); !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("Lookup(nope) err = %v, want ErrUnknownTask", err)
	}
	for _, id := range Known() {
		task, err := Lookup(id)
		if err != nil || task.ID() != id {
			t.Fatalf("Lookup(%s) = %v, %v", id, task, err)
		}
	}
	bad := &config.Config{Tasks: map[string]config.TaskConfig{"typo_task": {Enabled: true, Interval: "1"}}}
	if err := ValidateConfig(bad); !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("ValidateConfig err = %v, want ErrUnknownTask", err)
	}
}

func TestBuiltinsWithoutStore(t *testing.T) {
	t.Parallel()
	for _, id := range Known() {
		task, _ := Lookup(id)
		err := task.Run(context.Background(), Env{Now: time.Now(), Log: logx.Nop()})
		if !errors.Is(err, storage.ErrDisabled) {
			t.Fatalf("%s without store: err = %v, want ErrDisabled", id, err)
		}
	}
}

func TestAuditTrimUsesRetention(t *testing.T) {
	st := openStore(t)

	ctx := context.Background()
	now := time.Now()
	_ = st.AppendAudit(ctx, storage.AuditEntry{At: now.Add(-3 * time.Hour), Plugin: "p", Action: "a"})
	_ = st.AppendAudit(ctx, storage.AuditEntry{At: now.Add(-time.Minute), Plugin: "p", Action: "a"})

	task, _ := Lookup("audit_trim")
	env := Env{Now: now, Store: st, Log: logx.Nop(), Config: config.TaskConfig{Retention: "1h"}}
	if err := task.Run(ctx, env); err != nil {
		t.Fatalf("audit_trim error: %v", err)
	}
	n, err := st.TrimAudit(ctx, now)
	if err != nil {
		t.Fatalf("TrimAudit error: %v", err)
	}
	if n != 1 {
		t.Fatalf("remaining rows = %d, want 1 (the recent one)", n)
	}
}

func openStore(t *testing.T) storage.Store {
	t.Helper()
	cfg := storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "t.db")}
	if _, err := storage.Prepare(context.Background(), cfg, logx.Nop()); err != nil {
		t.Fatalf("Prepare error: %v", err)
	}
	st, err := storage.Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestRollupFinalizesYesterdayAndExpiryClearsMarker(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	rollup, _ := Lookup("accounting_rollup")
	expiry, _ := Lookup("stale_expiry")

	yesterday := time.Date(2024, time.May, 1, 23, 30, 0, 0, time.UTC)
	if err := st.AppendAudit(ctx, storage.AuditEntry{At: yesterday, Plugin: "housekeeper", Action: "audit_trim", OK: 1}); err != nil {
		t.Fatal(err)
	}

	// Inside the grace period yesterday stays open.
	early := time.Date(2024, time.May, 2, 0, 20, 0, 0, time.UTC)
	if err := rollup.Run(ctx, Env{Now: early, Store: st, Log: logx.Nop()}); err != nil {
		t.Fatalf("rollup: %v", err)
	}
	if _, ok, _ := st.GetDedup(ctx, "rollup_final:2024-05-01"); ok {
		t.Fatal("day finalized during grace period")
	}

	later := time.Date(2024, time.May, 2, 3, 0, 0, 0, time.UTC)
	if err := rollup.Run(ctx, Env{Now: later, Store: st, Log: logx.Nop()}); err != nil {
		t.Fatalf("rollup: %v", err)
	}
	until, ok, err := st.GetDedup(ctx, "rollup_final:2024-05-01")
	if err != nil || !ok || !until.After(later) {
		t.Fatalf("final marker = %v, %v, %v", until, ok, err)
	}

	// A late row for a finalized day is not folded in any more.
	_ = st.AppendAudit(ctx, storage.AuditEntry{At: yesterday, Plugin: "housekeeper", Action: "audit_trim", OK: 1})
	if err := rollup.Run(ctx, Env{Now: later.Add(time.Hour), Store: st, Log: logx.Nop()}); err != nil {
		t.Fatalf("rollup: %v", err)
	}
	rows, err := st.Rollup(ctx, "2024-05-01")
	if err != nil || len(rows) != 1 || rows[0].Runs != 1 {
		t.Fatalf("rollup rows = %+v, %v; want one run", rows, err)
	}

	if err := expiry.Run(ctx, Env{Now: until.Add(time.Second), Store: st, Log: logx.Nop()}); err != nil {
		t.Fatalf("expiry: %v", err)
	}
	if _, ok, _ := st.GetDedup(ctx, "rollup_final:2024-05-01"); ok {
		t.Fatal("expired marker still present")
	}
}

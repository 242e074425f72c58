package tasks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"housekeeper/internal/config"
	"housekeeper/internal/storage"
	logx "housekeeper/pkg/logx"
)

var ErrUnknownTask = errors.New("unknown task")

// Env is the per-run scope handed to a task. The runner builds a fresh Env
// for every iteration so nothing leaks from one run into the next.
type Env struct {
	RunID  string
	Now    time.Time
	Store  storage.Store
	Log    logx.Logger
	Config config.TaskConfig
}

// Task is one maintenance routine.
type Task interface {
	ID() string
	Run(ctx context.Context, env Env) error
}

// Func adapts a function to Task.
type Func struct {
	Name string
	Fn   func(ctx context.Context, env Env) error
}

func (f Func) ID() string { return f.Name }

func (f Func) Run(ctx context.Context, env Env) error {
	if f.Fn == nil {
		return nil
	}
	return f.Fn(ctx, env)
}

var builtins = map[string]Task{
	"audit_trim":        Func{Name: "audit_trim", Fn: runAuditTrim},
	"stale_expiry":      Func{Name: "stale_expiry", Fn: runStaleExpiry},
	"accounting_rollup": Func{Name: "accounting_rollup", Fn: runAccountingRollup},
}

// Lookup returns the built-in task for id.
func Lookup(id string) (Task, error) {
	t, ok := builtins[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	return t, nil
}

// Known lists built-in task ids.
func Known() []string {
	out := make([]string, 0, len(builtins))
	for id := range builtins {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ValidateConfig rejects task blocks that name no built-in task.
func ValidateConfig(cfg *config.Config) error {
	for _, id := range cfg.TaskIDs() {
		if _, err := Lookup(id); err != nil {
			return fmt.Errorf("tasks.%s: %w", id, err)
		}
	}
	return nil
}

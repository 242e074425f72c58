// Package runner is the loop executed inside one worker process: sleep for
// the task interval, run the task once, repeat until the quota is spent,
// the node is demoted, the parent disappears, or a quit event arrives.
package runner

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"housekeeper/internal/config"
	"housekeeper/internal/signals"
	"housekeeper/internal/storage"
	"housekeeper/internal/tasks"
	logx "housekeeper/pkg/logx"
)

type State uint8

const (
	Sleeping State = iota
	Running
	Exiting
	Exited
)

func (s State) String() string {
	switch s {
	case Sleeping:
		return "sleeping"
	case Running:
		return "running"
	case Exiting:
		return "exiting"
	case Exited:
		return "exited"
	default:
		return "unknown"
	}
}

// Events is the worker side of the signal coordinator.
type Events interface {
	Wait(d time.Duration) signals.Event
	Events() <-chan signals.Event
}

// Gate re-evaluates whether this node may run tasks.
type Gate interface {
	Evaluate() (enabled, changed bool)
}

type Options struct {
	Task   tasks.Task
	Source tasks.Source
	Gate   Gate
	Events Events
	// Store may be nil when storage is disabled.
	Store storage.Store
	Log   logx.Logger

	// TaskConfig returns the live config block handed to each run.
	TaskConfig func() config.TaskConfig
	// Reload re-reads configuration; called on Reload events.
	Reload func() error

	Quota         int
	DisabledRetry time.Duration

	// ParentPID enables orphan detection when > 0.
	ParentPID int
	Alive     func(pid int) bool
	Getppid   func() int
	Now       func() time.Time
}

// Result summarizes one worker lifetime.
type Result struct {
	Iterations int
	Runs       int
	Failures   int
	Skipped    int
	Reason     string
}

type Runner struct {
	opt   Options
	id    string
	log   logx.Logger
	now   func() time.Time
	state State

	running bool
	enabled bool
	reason  string
}

func New(opt Options) *Runner {
	r := &Runner{opt: opt, id: opt.Task.ID(), log: opt.Log, now: opt.Now}
	if r.log.IsZero() {
		r.log = logx.Nop()
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.opt.Quota <= 0 {
		r.opt.Quota = Quota(config.DefaultRunQuota, config.DefaultRunQuotaJitter, nil)
	}
	if r.opt.DisabledRetry <= 0 {
		r.opt.DisabledRetry = config.DefaultDisabledRetry
	}
	if r.opt.Getppid == nil {
		r.opt.Getppid = os.Getppid
	}
	if r.opt.TaskConfig == nil {
		r.opt.TaskConfig = func() config.TaskConfig { return config.TaskConfig{} }
	}
	return r
}

func (r *Runner) State() State { return r.state }

// Run executes the loop and returns once the worker should exit.
func (r *Runner) Run(ctx context.Context) Result {
	var res Result
	quota := r.opt.Quota
	r.running = true
	r.enabled = r.evaluate()
	var last time.Duration

	r.log.Info("worker started", logx.Int("quota", quota))
	for r.running && r.enabled && quota > 0 {
		if ctx.Err() != nil {
			r.stop("context")
			break
		}
		res.Iterations++
		r.state = Sleeping

		d := r.opt.Source.Descriptor(r.id)
		if !d.Runnable() {
			r.log.Debug("task disabled, rechecking later", logx.Duration("retry", r.opt.DisabledRetry))
			if r.sleep(r.opt.DisabledRetry) {
				r.afterIteration()
			}
			res.Skipped++
			continue
		}

		if !r.sleep(NextWait(d.Interval, last)) {
			break
		}

		if r.readOnly(ctx) {
			last = 0
			res.Skipped++
			r.afterIteration()
			continue
		}

		r.state = Running
		took, err := r.execute(ctx)
		last = took
		res.Runs++
		if err != nil {
			res.Failures++
		}
		r.afterIteration()
		quota--
	}

	if res.Reason = r.reason; res.Reason == "" {
		switch {
		case quota <= 0:
			res.Reason = "quota"
		case !r.enabled:
			res.Reason = "processing disabled"
		}
	}
	r.state = Exited
	r.log.Info("worker exiting",
		logx.String("reason", res.Reason),
		logx.Int("runs", res.Runs),
		logx.Int("failures", res.Failures),
		logx.Int("skipped", res.Skipped),
	)
	return res
}

// sleep waits d while handling events. It returns false once a quit event
// arrives. Reloads are applied without shortening the wait.
func (r *Runner) sleep(d time.Duration) bool {
	deadline := r.now().Add(d)
	for {
		left := deadline.Sub(r.now())
		if left < 0 {
			left = 0
		}
		e := r.opt.Events.Wait(left)
		switch e.Kind {
		case signals.Tick:
			if !r.now().Before(deadline) {
				return true
			}
		case signals.Quit:
			r.stop("quit")
			return false
		case signals.Reload:
			r.reload()
		case signals.Cancel:
			r.log.Debug("cancel received while idle")
		}
	}
}

func (r *Runner) readOnly(ctx context.Context) bool {
	if r.opt.Store == nil {
		return false
	}
	ro, err := r.opt.Store.IsReadOnly(ctx)
	if err != nil {
		r.log.Warn("store check failed, skipping run", logx.Err(err))
		return true
	}
	if ro {
		r.log.Debug("store is read-only, skipping run")
	}
	return ro
}

// execute runs the task once in its own goroutine so that cancel events can
// abort it. Panics are returned as errors.
func (r *Runner) execute(ctx context.Context) (time.Duration, error) {
	runID := uuid.NewString()
	log := r.log.With(logx.String("run", runID))
	start := r.now()
	env := tasks.Env{
		RunID:  runID,
		Now:    start,
		Store:  r.opt.Store,
		Log:    log,
		Config: r.opt.TaskConfig(),
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error("task panicked", logx.Any("panic", rec), logx.Stack(logx.StackTrace(3, 24)))
				done <- fmt.Errorf("panic: %v", rec)
			}
		}()
		done <- r.opt.Task.Run(runCtx, env)
	}()

	var err error
wait:
	for {
		select {
		case err = <-done:
			break wait
		case e := <-r.opt.Events.Events():
			switch e.Kind {
			case signals.Cancel:
				log.Warn("canceling in-flight run")
				cancel()
				if r.opt.Store != nil {
					r.opt.Store.CancelCurrentQuery()
				}
			case signals.Quit:
				log.Info("quit received, finishing current run")
				r.stop("quit")
			case signals.Reload:
				r.reload()
			}
		}
	}

	took := r.now().Sub(start)
	if err != nil {
		log.Error("task failed", logx.String("task", r.id), logx.Duration("took", took), logx.Err(err))
	} else {
		log.Debug("task completed", logx.Duration("took", took))
	}
	r.audit(ctx, runID, start, took, err)
	return took, err
}

func (r *Runner) audit(ctx context.Context, runID string, start time.Time, took time.Duration, runErr error) {
	if r.opt.Store == nil {
		return
	}
	e := storage.AuditEntry{
		At:     start,
		Actor:  "worker",
		Plugin: "housekeeper",
		Action: r.id,
		Target: runID,
		TookMS: took.Milliseconds(),
	}
	if runErr != nil {
		e.Fail = 1
		e.Error = runErr.Error()
	} else {
		e.OK = 1
	}
	// The run context may have been canceled; the audit row is still written.
	if err := r.opt.Store.AppendAudit(context.WithoutCancel(ctx), e); err != nil {
		r.log.Warn("audit append failed", logx.Err(err))
	}
}

func (r *Runner) afterIteration() {
	r.enabled = r.evaluate()
	if r.orphaned() {
		r.log.Warn("parent process is gone, exiting", logx.Int("parent", r.opt.ParentPID))
		r.stop("orphaned")
	}
}

func (r *Runner) evaluate() bool {
	if r.opt.Gate == nil {
		return true
	}
	enabled, changed := r.opt.Gate.Evaluate()
	if changed {
		r.log.Info("processing gate changed", logx.Bool("enabled", enabled))
	}
	return enabled
}

func (r *Runner) orphaned() bool {
	if r.opt.ParentPID <= 0 {
		return false
	}
	if r.opt.Alive != nil && !r.opt.Alive(r.opt.ParentPID) {
		return true
	}
	return r.opt.Getppid() != r.opt.ParentPID
}

func (r *Runner) reload() {
	if r.opt.Reload != nil {
		if err := r.opt.Reload(); err != nil {
			r.log.Warn("config reload failed", logx.Err(err))
		}
	}
	r.enabled = r.evaluate()
}

func (r *Runner) stop(reason string) {
	if !r.running {
		return
	}
	r.running = false
	r.state = Exiting
	r.reason = reason
}

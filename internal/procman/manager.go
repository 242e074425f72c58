// Package procman owns the pending task queue and the child process
// registry. Both are mutated only from the control loop; the mutex exists
// for read-only snapshots taken by the metrics endpoint.
package procman

import (
	"context"
	"os"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"housekeeper/internal/signals"
	logx "housekeeper/pkg/logx"
)

// Poster receives child exit events.
type Poster interface {
	Post(e signals.Event) bool
}

// Observer is notified about worker lifecycle changes.
type Observer interface {
	WorkerSpawned(taskID string)
	WorkerExited(taskID string, err error)
	ShutdownPhase(phase string)
	QueueChanged(pending, live int)
}

type nopObserver struct{}

func (nopObserver) WorkerSpawned(string)           {}
func (nopObserver) WorkerExited(string, error)     {}
func (nopObserver) ShutdownPhase(string)           {}
func (nopObserver) QueueChanged(pending, live int) {}

type Options struct {
	Launcher Launcher
	Events   Poster
	Log      logx.Logger
	Observer Observer
	// Enabled is the cluster gate; nil means always enabled.
	Enabled func() bool
	// SpawnRate limits spawns per second; 0 disables the limit.
	SpawnRate int
	// Go runs child waiters; defaults to a plain goroutine.
	Go  func(name string, fn func(ctx context.Context))
	Now func() time.Time
}

type child struct {
	taskID  string
	proc    Process
	started time.Time
}

type Manager struct {
	launcher Launcher
	events   Poster
	log      logx.Logger
	obs      Observer
	enabled  func() bool
	limiter  *rate.Limiter
	goFn     func(name string, fn func(ctx context.Context))
	now      func() time.Time

	mu       sync.RWMutex
	queue    []string
	queued   map[string]bool
	children map[int]child
	running  map[string]int // task id -> pid
	stopping bool
}

func New(opt Options) *Manager {
	m := &Manager{
		launcher: opt.Launcher,
		events:   opt.Events,
		log:      opt.Log,
		obs:      opt.Observer,
		enabled:  opt.Enabled,
		goFn:     opt.Go,
		now:      opt.Now,
		queued:   map[string]bool{},
		children: map[int]child{},
		running:  map[string]int{},
	}
	if m.log.IsZero() {
		m.log = logx.Nop()
	}
	if m.obs == nil {
		m.obs = nopObserver{}
	}
	if m.goFn == nil {
		m.goFn = func(_ string, fn func(ctx context.Context)) { go fn(context.Background()) }
	}
	if m.now == nil {
		m.now = time.Now
	}
	if opt.SpawnRate > 0 {
		m.limiter = rate.NewLimiter(rate.Limit(opt.SpawnRate), opt.SpawnRate)
	}
	return m
}

// Register appends taskID to the pending queue. It returns false when the
// task is already queued, already running, or shutdown has begun.
func (m *Manager) Register(taskID string) bool {
	m.mu.Lock()
	ok := m.registerLocked(taskID)
	pending, live := len(m.queue), len(m.children)
	m.mu.Unlock()
	if ok {
		m.obs.QueueChanged(pending, live)
	}
	return ok
}

func (m *Manager) registerLocked(taskID string) bool {
	if taskID == "" || m.stopping || m.queued[taskID] {
		return false
	}
	if _, ok := m.running[taskID]; ok {
		return false
	}
	m.queue = append(m.queue, taskID)
	m.queued[taskID] = true
	return true
}

// DispatchAll pops every pending task id and spawns a worker for it. It
// spawns nothing while the gate is closed. A throttled task stays at the
// head of the queue; a task whose launch fails moves to the tail and is
// retried on the next call. It returns the number of workers started.
func (m *Manager) DispatchAll(ctx context.Context) int {
	if m.enabled != nil && !m.enabled() {
		return 0
	}
	m.mu.RLock()
	n := len(m.queue)
	m.mu.RUnlock()

	spawned := 0
	for i := 0; i < n; i++ {
		if ctx.Err() != nil {
			break
		}
		m.mu.Lock()
		if m.stopping || len(m.queue) == 0 {
			m.mu.Unlock()
			break
		}
		if m.limiter != nil && !m.limiter.Allow() {
			m.mu.Unlock()
			m.log.Debug("spawn throttled", logx.Int("pending", n-i))
			break
		}
		taskID := m.queue[0]
		m.queue = m.queue[1:]
		delete(m.queued, taskID)
		m.mu.Unlock()

		if m.spawn(ctx, taskID) {
			spawned++
		}
	}
	m.publish()
	return spawned
}

func (m *Manager) spawn(ctx context.Context, taskID string) bool {
	proc, err := m.launcher.Launch(ctx, taskID)
	if err != nil {
		m.log.Error("worker spawn failed", logx.String("task", taskID), logx.Err(err))
		m.mu.Lock()
		m.registerLocked(taskID)
		m.mu.Unlock()
		return false
	}

	pid := proc.Pid()
	// Record before the waiter starts so an immediate exit always finds its entry.
	m.mu.Lock()
	m.children[pid] = child{taskID: taskID, proc: proc, started: m.now()}
	m.running[taskID] = pid
	m.mu.Unlock()

	m.obs.WorkerSpawned(taskID)
	m.log.Info("worker spawned", logx.String("task", taskID), logx.Int("pid", pid))

	m.goFn("worker.wait."+taskID, func(context.Context) {
		err := proc.Wait()
		if m.events != nil {
			m.events.Post(signals.Event{Kind: signals.ChildExit, PID: pid, Err: err, Source: "child"})
		}
	})
	return true
}

// Reap removes an exited child from the registry and re-enqueues its task
// id, unless shutdown has begun. Unknown pids are ignored, so a pid is
// re-enqueued at most once.
func (m *Manager) Reap(pid int, exitErr error) (taskID string, ok bool) {
	m.mu.Lock()
	c, found := m.children[pid]
	if !found {
		m.mu.Unlock()
		return "", false
	}
	delete(m.children, pid)
	if m.running[c.taskID] == pid {
		delete(m.running, c.taskID)
	}
	requeued := m.registerLocked(c.taskID)
	m.mu.Unlock()

	m.obs.WorkerExited(c.taskID, exitErr)
	fields := []logx.Field{
		logx.String("task", c.taskID),
		logx.Int("pid", pid),
		logx.Int("code", ExitCode(exitErr)),
		logx.Duration("uptime", m.now().Sub(c.started)),
		logx.Bool("requeued", requeued),
	}
	if exitErr != nil {
		m.log.Warn("worker exited abnormally", append(fields, logx.Err(exitErr))...)
	} else {
		m.log.Debug("worker exited", fields...)
	}
	m.publish()
	return c.taskID, true
}

// Forward sends sig to every live worker.
func (m *Manager) Forward(sig os.Signal) int {
	sent := 0
	for pid, c := range m.snapshotChildren() {
		if err := c.proc.Signal(sig); err != nil {
			m.log.Debug("signal worker failed", logx.String("task", c.taskID), logx.Int("pid", pid), logx.String("signal", sig.String()), logx.Err(err))
			continue
		}
		sent++
	}
	return sent
}

// Stats is a point-in-time view of the queue and registry.
type Stats struct {
	Pending []string
	Running map[string]int
}

func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := Stats{
		Pending: append([]string(nil), m.queue...),
		Running: make(map[string]int, len(m.running)),
	}
	for id, pid := range m.running {
		st.Running[id] = pid
	}
	return st
}

// Live returns the number of registered workers.
func (m *Manager) Live() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.children)
}

// Pending returns the number of queued task ids.
func (m *Manager) Pending() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.queue)
}

func (m *Manager) snapshotChildren() map[int]child {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[int]child, len(m.children))
	for pid, c := range m.children {
		out[pid] = c
	}
	return out
}

func (m *Manager) publish() {
	m.mu.RLock()
	pending, live := len(m.queue), len(m.children)
	m.mu.RUnlock()
	m.obs.QueueChanged(pending, live)
}

package procman

import (
	"os"
	"time"

	"golang.org/x/sys/unix"

	"housekeeper/internal/signals"
	logx "housekeeper/pkg/logx"
)

// EventSource is the single-consumer side of the signal coordinator.
type EventSource interface {
	Wait(d time.Duration) signals.Event
}

// Timeouts bound the waiting part of the first two shutdown phases.
type Timeouts struct {
	Stop   time.Duration
	Cancel time.Duration
}

type phase struct {
	name string
	sig  os.Signal
	wait time.Duration
}

// Shutdown stops every worker in three strictly ordered phases: SIGTERM and
// wait up to t.Stop, SIGUSR1 and wait up to t.Cancel, then SIGKILL. Each
// wait ends early once the registry is empty. Exits observed while waiting
// are reaped but never redispatched. The registry is empty on return.
func (m *Manager) Shutdown(ev EventSource, t Timeouts) {
	m.mu.Lock()
	m.stopping = true
	m.queue = nil
	m.queued = map[string]bool{}
	m.mu.Unlock()
	m.publish()

	phases := []phase{
		{name: "stop", sig: unix.SIGTERM, wait: t.Stop},
		{name: "cancel", sig: unix.SIGUSR1, wait: t.Cancel},
		{name: "kill", sig: unix.SIGKILL},
	}
	for _, p := range phases {
		live := m.Live()
		if live == 0 {
			break
		}
		m.obs.ShutdownPhase(p.name)
		m.log.Info("shutdown phase", logx.String("phase", p.name), logx.Int("workers", live), logx.Duration("wait", p.wait))
		m.Forward(p.sig)
		if p.sig == unix.SIGKILL {
			m.clear()
			break
		}
		m.waitEmpty(ev, p.wait)
	}
	m.publish()
}

// waitEmpty consumes events until the registry is empty or d elapses.
func (m *Manager) waitEmpty(ev EventSource, d time.Duration) {
	deadline := m.now().Add(d)
	for m.Live() > 0 {
		left := deadline.Sub(m.now())
		if left <= 0 {
			return
		}
		e := ev.Wait(left)
		switch e.Kind {
		case signals.ChildExit:
			m.Reap(e.PID, e.Err)
		case signals.Quit:
			m.log.Debug("quit received during shutdown", logx.String("source", e.Source))
		}
	}
}

// clear drops every registry entry after a forced kill. Late exit events for
// these pids are ignored by Reap.
func (m *Manager) clear() {
	m.mu.Lock()
	n := len(m.children)
	m.children = map[int]child{}
	m.running = map[string]int{}
	m.mu.Unlock()
	if n > 0 {
		m.log.Warn("workers killed", logx.Int("count", n))
	}
}

// Stopping reports whether Shutdown has begun.
func (m *Manager) Stopping() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stopping
}

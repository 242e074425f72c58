// Package signals turns asynchronous triggers (OS signals, child exits,
// config watch hits, timers) into typed events consumed by exactly one
// control loop.
//
// Producers never run control logic: the signal goroutine only translates
// and forwards. State changes happen in the consumer after Wait returns.
package signals

import (
	"os"
	"os/signal"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

type Kind uint8

const (
	// Tick means the wait timed out without any other event.
	Tick Kind = iota
	Quit
	Reload
	ChildExit
	Cancel
)

func (k Kind) String() string {
	switch k {
	case Tick:
		return "tick"
	case Quit:
		return "quit"
	case Reload:
		return "reload"
	case ChildExit:
		return "child_exit"
	case Cancel:
		return "cancel"
	default:
		return "unknown"
	}
}

// Event is one trigger delivered to the control loop.
type Event struct {
	Kind   Kind
	Signal os.Signal // set when an OS signal produced the event
	PID    int       // ChildExit: the exited process
	Err    error     // ChildExit: wait result (nil on clean exit)
	Source string
}

// Mapping selects which OS signals are captured and what they mean.
type Mapping map[os.Signal]Kind

// DefaultMapping is used by both the parent and the workers:
// SIGINT/SIGTERM stop, SIGHUP reloads, SIGUSR1 cancels the current operation.
func DefaultMapping() Mapping {
	return Mapping{
		unix.SIGINT:  Quit,
		unix.SIGTERM: Quit,
		unix.SIGHUP:  Reload,
		unix.SIGUSR1: Cancel,
	}
}

type Coordinator struct {
	events chan Event

	mu      sync.Mutex
	sigs    chan os.Signal
	stop    chan struct{}
	stopped bool
	wg      sync.WaitGroup
}

// New creates a coordinator whose event queue holds buffer events before
// producers block.
func New(buffer int) *Coordinator {
	if buffer <= 0 {
		buffer = 64
	}
	return &Coordinator{
		events: make(chan Event, buffer),
		stop:   make(chan struct{}),
	}
}

// Start begins capturing the signals in m. It is a no-op if already started.
func (c *Coordinator) Start(m Mapping) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sigs != nil || c.stopped || len(m) == 0 {
		return
	}
	c.sigs = make(chan os.Signal, 16)
	list := make([]os.Signal, 0, len(m))
	for s := range m {
		list = append(list, s)
	}
	signal.Notify(c.sigs, list...)

	sigs := c.sigs
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-c.stop:
				return
			case s := <-sigs:
				kind, ok := m[s]
				if !ok {
					continue
				}
				c.Post(Event{Kind: kind, Signal: s, Source: "signal"})
			}
		}
	}()
}

// Stop releases captured signals and unblocks pending producers.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	if c.sigs != nil {
		signal.Stop(c.sigs)
	}
	close(c.stop)
	c.mu.Unlock()
	c.wg.Wait()
}

// Post enqueues e. It blocks while the queue is full so that no child exit is
// ever lost, and returns false only when the coordinator was stopped.
func (c *Coordinator) Post(e Event) bool {
	select {
	case c.events <- e:
		return true
	case <-c.stop:
		return false
	}
}

// Wait returns the next event, or a Tick once d elapses. Pending events are
// always returned before a Tick, even for d <= 0.
func (c *Coordinator) Wait(d time.Duration) Event {
	select {
	case e := <-c.events:
		return e
	default:
	}
	if d <= 0 {
		return Event{Kind: Tick, Source: "timer"}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case e := <-c.events:
		return e
	case <-t.C:
		return Event{Kind: Tick, Source: "timer"}
	}
}

// Events exposes the queue for consumers that must select on it together
// with other channels. It shares the single-consumer rule with Wait.
func (c *Coordinator) Events() <-chan Event { return c.events }

// Drain returns every event that is immediately available.
func (c *Coordinator) Drain() []Event {
	var out []Event
	for {
		select {
		case e := <-c.events:
			out = append(out, e)
		default:
			return out
		}
	}
}

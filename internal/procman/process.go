package procman

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"
)

// WorkerEnv marks a process started by ExecLauncher.
const WorkerEnv = "HOUSEKEEPER_WORKER"

// Process is a spawned worker as seen by the parent.
type Process interface {
	Pid() int
	Signal(sig os.Signal) error
	// Wait blocks until the process exits and releases its resources.
	Wait() error
}

// Launcher starts one isolated worker for a task id.
type Launcher interface {
	Launch(ctx context.Context, taskID string) (Process, error)
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(ctx context.Context, taskID string) (Process, error)

func (f LauncherFunc) Launch(ctx context.Context, taskID string) (Process, error) {
	return f(ctx, taskID)
}

// ExecLauncher re-executes the current binary with the hidden worker command.
type ExecLauncher struct {
	// Path defaults to os.Executable().
	Path       string
	ConfigPath string
	Verbose    bool
	Stdout     io.Writer
	Stderr     io.Writer
}

func (l ExecLauncher) Launch(_ context.Context, taskID string) (Process, error) {
	exe := l.Path
	if exe == "" {
		p, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
		exe = p
	}
	args := []string{"worker", "--task", taskID, "--parent", strconv.Itoa(os.Getpid())}
	if l.ConfigPath != "" {
		args = append(args, "--config", l.ConfigPath)
	}
	if l.Verbose {
		args = append(args, "--verbose")
	}

	// Not CommandContext: children are stopped by the shutdown phases, never
	// by context cancellation.
	cmd := exec.Command(exe, args...)
	cmd.Env = append(os.Environ(), WorkerEnv+"=1")
	cmd.Stdout = l.Stdout
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	cmd.Stderr = l.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	// Own process group: a terminal ^C reaches the parent only, which then
	// escalates through the shutdown phases.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker %s: %w", taskID, err)
	}
	return &execProcess{cmd: cmd}, nil
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Pid() int { return p.cmd.Process.Pid }

func (p *execProcess) Signal(sig os.Signal) error { return p.cmd.Process.Signal(sig) }

func (p *execProcess) Wait() error { return p.cmd.Wait() }

// Alive reports whether pid names a live process. EPERM still means the
// process exists.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// ExitCode extracts the exit status from a Wait error (0 on nil, -1 when
// unknown, e.g. killed by a signal).
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}

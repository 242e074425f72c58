package daemon

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"housekeeper/internal/pidfile"
)

// DaemonizedEnv marks a process that was already detached from its terminal.
const DaemonizedEnv = "HOUSEKEEPER_DAEMONIZED"

// Detached reports whether this process is the detached copy.
func Detached() bool { return os.Getenv(DaemonizedEnv) == "1" }

// StopRunning asks the instance holding pidPath to quit and waits until its
// lock is released. It returns nil when no instance is running.
func StopRunning(ctx context.Context, pidPath string, poll time.Duration) error {
	if !pidfile.Locked(pidPath) {
		return nil
	}
	pid, err := pidfile.ReadPID(pidPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	if err := unix.Kill(pid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("signal pid %d: %w", pid, err)
	}
	if poll <= 0 {
		poll = 200 * time.Millisecond
	}
	t := time.NewTicker(poll)
	defer t.Stop()
	for pidfile.Locked(pidPath) {
		select {
		case <-ctx.Done():
			return fmt.Errorf("pid %d still running: %w", pid, ctx.Err())
		case <-t.C:
		}
	}
	return nil
}

// Daemonize re-executes the binary in a new session with stdio detached and
// returns the child pid. The caller is expected to exit.
func Daemonize(args []string) (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("resolve executable: %w", err)
	}
	null, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return 0, err
	}
	defer null.Close()

	cmd := exec.Command(exe, args...)
	cmd.Env = append(os.Environ(), DaemonizedEnv+"=1")
	cmd.Stdin = null
	cmd.Stdout = null
	cmd.Stderr = null
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("daemonize: %w", err)
	}
	pid := cmd.Process.Pid
	_ = cmd.Process.Release()
	return pid, nil
}

//go:build unix

package procgroup

import (
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// SysProcAttr returns the SysProcAttr that puts a spawned command into its
// own process group, so killing the group later never touches the parent.
func SysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid: true,
		Pgid:    0,
	}
}

// Prepare wires SysProcAttr into cmd before Start is called.
func Prepare(cmd *exec.Cmd) {
	cmd.SysProcAttr = SysProcAttr()
}

func signalFor(s Signal) unix.Signal {
	if s == SignalInt {
		return unix.SIGINT
	}
	return unix.SIGTERM
}

// KillGroup sends SIGKILL to the process group led by pid.
func KillGroup(pid int) error {
	return KillGroupSignal(pid, unix.SIGKILL)
}

// KillGroupSignal sends sig to the process group led by pid, resolving the
// PGID first so a stale or already-reaped pid is a no-op rather than an error.
func KillGroupSignal(pid int, sig unix.Signal) error {
	pgid, err := unix.Getpgid(pid)
	if err != nil {
		if err == unix.ESRCH {
			return nil
		}
		return err
	}
	if err := unix.Kill(-pgid, sig); err != nil && err != unix.ESRCH {
		return err
	}
	return nil
}

func isRunning(pid int) bool {
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	return err == unix.EPERM
}

// GracefulKillGroup implements the staged termination strategy: send the
// initial signal, poll for up to gracePeriod, then SIGKILL if the group is
// still alive.
func GracefulKillGroup(pid int, initial Signal, gracePeriod time.Duration) TerminationResult {
	if !isRunning(pid) {
		return AlreadyExited
	}

	pgid, err := unix.Getpgid(pid)
	if err != nil {
		return AlreadyExited
	}

	if err := unix.Kill(-pgid, signalFor(initial)); err != nil {
		if err == unix.ESRCH {
			return AlreadyExited
		}
		return TerminationError
	}

	deadline := time.Now().Add(gracePeriod)
	for time.Now().Before(deadline) {
		if !isRunning(pid) {
			return GracefulExit
		}
		time.Sleep(pollInterval)
	}

	if err := unix.Kill(-pgid, unix.SIGKILL); err != nil {
		if err == unix.ESRCH {
			return GracefulExit
		}
		return TerminationError
	}
	return ForcefulKill
}

// GracefulKillGroupDefault terminates with SIGTERM and DefaultGracefulTimeout.
func GracefulKillGroupDefault(pid int) TerminationResult {
	return GracefulKillGroup(pid, SignalTerm, DefaultGracefulTimeout)
}

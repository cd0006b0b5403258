//go:build linux

package procgroup

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// PrepareWithParentDeathSignal wires SysProcAttr into cmd and arranges for
// the child process itself to receive SIGTERM if this process dies first
// (PR_SET_PDEATHSIG). The signal goes to the direct child only, not to the
// rest of its process group.
func PrepareWithParentDeathSignal(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pgid:      0,
		Pdeathsig: syscall.SIGTERM,
	}
}

// SetParentDeathSignal re-arms PR_SET_PDEATHSIG and re-checks the parent pid
// to close the race where the parent exits between fork and exec. Intended
// to run as a Sys.Pdeathsig-equivalent inside environments (e.g. a PTY
// helper) that do their own exec rather than going through exec.Cmd.
func SetParentDeathSignal(parentPID int) error {
	if err := unix.Prctl(unix.PR_SET_PDEATHSIG, uintptr(unix.SIGTERM), 0, 0, 0); err != nil {
		return err
	}
	if unix.Getppid() != parentPID {
		return unix.Kill(0, unix.SIGTERM)
	}
	return nil
}

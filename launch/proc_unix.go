//go:build unix

package launch

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// Children get their own process group so a kill also reaches grandchildren that
// inherited the pipes, like the commands of a "sh -c" script. A child reading a
// terminal stays in the caller's group instead: a background group reading its
// controlling terminal is stopped with SIGTTIN.
func sysProcAttr(stdin *os.File) (*syscall.SysProcAttr, bool) {
	if stdin != nil && term.IsTerminal(int(stdin.Fd())) {
		return nil, false
	}
	return &syscall.SysProcAttr{Setpgid: true}, true
}

func killGroup(p *os.Process) error {
	err := unix.Kill(-p.Pid, unix.SIGKILL)
	if err == unix.ESRCH {
		return os.ErrProcessDone
	}
	if err != nil {
		return p.Kill()
	}
	return nil
}

package child

import (
	"fmt"
	"os"
)

// ExitStatus is how the child terminated. Signal is set, and Code is -1, when it was killed by a signal.
type ExitStatus struct {
	Code   int
	Signal string
}

func (s ExitStatus) Success() bool {
	return s.Code == 0 && s.Signal == ""
}

func (s ExitStatus) String() string {
	if s.Signal != "" {
		return fmt.Sprintf("signal %s", s.Signal)
	}
	return fmt.Sprintf("exit code %d", s.Code)
}

// Waiter blocks until the child terminates and reports its status.
type Waiter interface {
	Wait() (ExitStatus, error)
}

type WaiterFunc func() (ExitStatus, error)

func (f WaiterFunc) Wait() (ExitStatus, error) { return f() }

// ProcessWaiter waits on an *os.Process. Unlike (*exec.Cmd).Wait it does not close
// any pipes, so it can run while the streams are still being drained.
type ProcessWaiter struct {
	Process *os.Process
}

func (p *ProcessWaiter) Wait() (ExitStatus, error) {
	if p == nil || p.Process == nil {
		return ExitStatus{Code: -1}, ErrNoProcess
	}
	state, err := p.Process.Wait()
	if err != nil {
		return ExitStatus{Code: -1}, err
	}
	return StatusFromState(state), nil
}

func StatusFromState(state *os.ProcessState) ExitStatus {
	if state == nil {
		return ExitStatus{Code: -1}
	}
	return ExitStatus{Code: state.ExitCode(), Signal: signalName(state)}
}

package child

import (
	"errors"
	"io"
	"sync"

	"go.uber.org/zap"
)

// Child is a spawned process as handed over by the launcher. Stdout and Stderr are
// non-nil only for streams whose policy is connected; Await takes ownership of them.
type Child struct {
	Stdout  io.ReadCloser
	Stderr  io.ReadCloser
	Process Waiter
}

// Result is the composite outcome of a child. It is only built once both drains and the exit wait completed.
type Result struct {
	Status ExitStatus
	Stdout []byte
	Stderr []byte
}

// Coordinator joins the stdout drain, the stderr drain and the exit wait of a child.
// The zero value echoes both streams to Stdout and does not log.
type Coordinator struct {
	StdoutSink io.Writer
	StderrSink io.Writer
	Log        *zap.SugaredLogger
}

var defaultCoordinator = &Coordinator{}

// Await runs ch to completion with the default Coordinator.
func Await(ch *Child, stdoutPolicy, stderrPolicy Policy) (*Result, error) {
	return defaultCoordinator.Await(ch, stdoutPolicy, stderrPolicy)
}

// Await concurrently drains ch's streams and waits for it to exit.
//
// All three operations always run to completion, even if one of them fails, so the
// child is reaped and never left blocked on a full pipe. When several fail, only one
// error is returned: the exit wait's, then stdout's, then stderr's.
func (c *Coordinator) Await(ch *Child, stdoutPolicy, stderrPolicy Policy) (*Result, error) {
	log := c.logger()
	if ch == nil {
		return nil, &ExitWaitError{Err: ErrNoProcess}
	}

	var (
		wg     sync.WaitGroup
		res    Result
		outErr error
		errErr error
		exErr  error
	)
	log.Debugw("started", "StdoutPolicy", stdoutPolicy, "StderrPolicy", stderrPolicy)

	wg.Add(3)
	go func() {
		defer wg.Done()
		res.Stdout, outErr = c.drain(log, StdoutRole, ch.Stdout, stdoutPolicy, c.sink(c.StdoutSink))
	}()
	go func() {
		defer wg.Done()
		res.Stderr, errErr = c.drain(log, StderrRole, ch.Stderr, stderrPolicy, c.sink(c.StderrSink))
	}()
	go func() {
		defer wg.Done()
		res.Status, exErr = wait(ch.Process)
		log.Debugw("exit done", "Status", res.Status, "Error", exErr)
	}()
	wg.Wait()
	log.Debug("all complete")

	switch {
	case exErr != nil:
		return nil, c.failed(log, exErr)
	case outErr != nil:
		return nil, c.failed(log, outErr)
	case errErr != nil:
		return nil, c.failed(log, errErr)
	}
	log.Debugw("succeeded", "Status", res.Status, "StdoutBytes", len(res.Stdout), "StderrBytes", len(res.Stderr))
	return &res, nil
}

func (c *Coordinator) failed(log *zap.SugaredLogger, err error) error {
	log.Debugf("failed: %s", err)
	return err
}

// drain closes r once done, so a child still writing to an abandoned pipe gets EPIPE.
func (c *Coordinator) drain(log *zap.SugaredLogger, role StreamRole, r io.ReadCloser, policy Policy, sink io.Writer) ([]byte, error) {
	var reader io.Reader
	if r != nil {
		reader = r
		defer func() {
			if err := r.Close(); err != nil {
				log.Debugf("closing %s: %s", role, err)
			}
		}()
	}
	b, err := Drain(role, reader, policy, sink)
	log.Debugw(role.String()+" done", "Bytes", len(b), "Error", err)
	return b, err
}

func wait(w Waiter) (ExitStatus, error) {
	if w == nil {
		return ExitStatus{Code: -1}, &ExitWaitError{Err: ErrNoProcess}
	}
	status, err := w.Wait()
	if err != nil {
		var waitErr *ExitWaitError
		if errors.As(err, &waitErr) {
			return status, err
		}
		return status, &ExitWaitError{Err: err}
	}
	return status, nil
}

func (c *Coordinator) sink(w io.Writer) io.Writer {
	if w == nil {
		return Stdout
	}
	return w
}

func (c *Coordinator) logger() *zap.SugaredLogger {
	if c.Log == nil {
		return zap.NewNop().Sugar()
	}
	return c.Log
}

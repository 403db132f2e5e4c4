// Package launch spawns child processes with their stdio wired according to
// per-stream child.Policy values, and runs them to completion with a child.Coordinator.
package launch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/guseggert/childrun/child"
	"go.uber.org/zap"
)

var ErrNoCommand = errors.New("request contained no command")

type Request struct {
	Command string
	Args    []string
	// Env is appended to the current environment.
	Env []string
	WD  string

	// Stdin is nil for /dev/null. An *os.File is handed to the child directly; any
	// other reader is copied through a pipe until it returns EOF or an error.
	Stdin io.Reader

	Stdout child.Policy
	Stderr child.Policy
}

// Launcher starts processes. The zero value forwards to os.Stdout/os.Stderr, echoes
// through child.Stdout and does not log.
type Launcher struct {
	Log *zap.SugaredLogger
	// Coordinator runs started processes, nil for one built from Log.
	Coordinator *child.Coordinator

	// ForwardStdout and ForwardStderr are handed to children whose policy is ForwardOnly.
	ForwardStdout *os.File
	ForwardStderr *os.File
}

var Default = &Launcher{}

func Start(req Request) (*Proc, error) { return Default.Start(req) }

func Run(ctx context.Context, req Request) (*child.Result, error) { return Default.Run(ctx, req) }

// Proc is a started process whose streams have not been drained yet.
type Proc struct {
	Pid     int
	Started time.Time

	log          *zap.SugaredLogger
	coordinator  *child.Coordinator
	process      *os.Process
	child        *child.Child
	stdoutPolicy child.Policy
	stderrPolicy child.Policy

	// ownGroup is set when the process leads its own process group.
	ownGroup bool

	// mu orders kills against reaping: once reaped is set the pid, and with it the
	// process group id, may belong to someone else.
	mu     sync.Mutex
	reaped bool
}

func (l *Launcher) logger() *zap.SugaredLogger {
	if l.Log == nil {
		return zap.NewNop().Sugar()
	}
	return l.Log
}

// Start spawns the process described by req. The returned Proc must be awaited,
// otherwise its pipes are never drained and the process is never reaped.
func (l *Launcher) Start(req Request) (*Proc, error) {
	log := l.logger()
	if req.Command == "" {
		return nil, ErrNoCommand
	}
	path, err := exec.LookPath(req.Command)
	if err != nil {
		return nil, fmt.Errorf("resolving %q: %w", req.Command, err)
	}

	var f files
	defer f.closeAfterStart()

	stdin, stdinW, err := f.input(req.Stdin)
	if err != nil {
		f.closeOnError()
		return nil, fmt.Errorf("preparing stdin: %w", err)
	}
	stdout, stdoutR, err := f.output(req.Stdout, orFile(l.ForwardStdout, os.Stdout))
	if err != nil {
		f.closeOnError()
		return nil, fmt.Errorf("preparing stdout: %w", err)
	}
	stderr, stderrR, err := f.output(req.Stderr, orFile(l.ForwardStderr, os.Stderr))
	if err != nil {
		f.closeOnError()
		return nil, fmt.Errorf("preparing stderr: %w", err)
	}

	sys, ownGroup := sysProcAttr(stdin)
	attr := &os.ProcAttr{
		Dir:   req.WD,
		Files: []*os.File{stdin, stdout, stderr},
		Sys:   sys,
	}
	if len(req.Env) > 0 {
		attr.Env = append(os.Environ(), req.Env...)
	}

	argv := append([]string{req.Command}, req.Args...)
	start := time.Now()
	process, err := os.StartProcess(path, argv, attr)
	if err != nil {
		f.closeOnError()
		return nil, fmt.Errorf("starting %q: %w", req.Command, err)
	}
	log.Debugw("process started", "Pid", process.Pid, "Command", req.Command, "Stdout", req.Stdout, "Stderr", req.Stderr, "OwnGroup", ownGroup)

	if stdinW != nil {
		go pumpStdin(log, stdinW, req.Stdin)
	}

	p := &Proc{
		Pid:          process.Pid,
		Started:      start,
		log:          log,
		process:      process,
		stdoutPolicy: req.Stdout,
		stderrPolicy: req.Stderr,
		ownGroup:     ownGroup,
	}
	ch := &child.Child{Process: child.WaiterFunc(p.wait)}
	if stdoutR != nil {
		ch.Stdout = stdoutR
	}
	if stderrR != nil {
		ch.Stderr = stderrR
	}

	coordinator := l.Coordinator
	if coordinator == nil {
		coordinator = &child.Coordinator{Log: log.Named("coordinator")}
	}
	p.coordinator = coordinator
	p.child = ch
	return p, nil
}

// Run starts req and awaits it.
func (l *Launcher) Run(ctx context.Context, req Request) (*child.Result, error) {
	proc, err := l.Start(req)
	if err != nil {
		return nil, err
	}
	return proc.Await(ctx)
}

// Await drains the process and waits for it to exit. If ctx is done first, the
// process (and its process group, where supported) is killed and the drains are
// still joined before ctx.Err() is returned.
func (p *Proc) Await(ctx context.Context) (*child.Result, error) {
	type outcome struct {
		res *child.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := p.coordinator.Await(p.child, p.stdoutPolicy, p.stderrPolicy)
		done <- outcome{res: res, err: err}
	}()

	select {
	case o := <-done:
		return o.res, o.err
	case <-ctx.Done():
		p.log.Debugf("context done, killing process %d: %s", p.Pid, ctx.Err())
		if err := p.Kill(); err != nil {
			p.log.Debugf("error killing process %d: %s", p.Pid, err)
		}
		// Descendants outside the killed group may still hold the pipes open.
		p.closeReaders()
		<-done
		return nil, ctx.Err()
	}
}

// Kill kills the process, and everything in its process group when it leads one.
// It does nothing once the process was reaped.
func (p *Proc) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reaped {
		return nil
	}
	var err error
	if p.ownGroup {
		err = killGroup(p.process)
	} else {
		err = p.process.Kill()
	}
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// wait reaps the process. Where the platform can wait for exit without reaping,
// the reap happens under mu so a concurrent Kill sees either a live or zombie
// leader, whose pid can't have been reused, or reaped set.
func (p *Proc) wait() (child.ExitStatus, error) {
	waiter := &child.ProcessWaiter{Process: p.process}
	waitable, err := blockUntilWaitable(p.Pid)
	if err != nil {
		p.log.Debugf("error waiting for process %d to become waitable: %s", p.Pid, err)
	}
	if waitable {
		p.mu.Lock()
		defer p.mu.Unlock()
		status, err := waiter.Wait()
		p.reaped = true
		return status, err
	}

	status, err := waiter.Wait()
	p.mu.Lock()
	p.reaped = true
	p.mu.Unlock()
	return status, err
}

func (p *Proc) closeReaders() {
	for _, r := range []io.ReadCloser{p.child.Stdout, p.child.Stderr} {
		if r != nil {
			r.Close()
		}
	}
}

func (p *Proc) Signal(sig os.Signal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reaped {
		return os.ErrProcessDone
	}
	return p.process.Signal(sig)
}

func pumpStdin(log *zap.SugaredLogger, w *os.File, r io.Reader) {
	defer w.Close()
	_, err := io.Copy(w, r)
	log.Debugw("done copying stdin", "Error", err)
}

func orFile(f, fallback *os.File) *os.File {
	if f == nil {
		return fallback
	}
	return f
}

package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"syscall"

	"github.com/guseggert/childrun/child"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type Client struct {
	HTTPClient *http.Client
	URL        string
	Logger     *zap.SugaredLogger
}

type StartProcRequest struct {
	Command string
	Args    []string
	Env     []string
	WD      string

	// Stdin is streamed to the process until it returns io.EOF or an error.
	// Note that the process may not exit until this reader is exhausted.
	Stdin io.Reader

	Stdout child.Policy
	Stderr child.Policy

	// StdoutWriter and StderrWriter receive the live chunks of CaptureAndForward streams.
	StdoutWriter io.Writer
	StderrWriter io.Writer
}

// Result is a remote child.Result plus the wall time the process ran for.
type Result struct {
	ExitCode int
	Signal   string
	TimeMS   int64
	Stdout   []byte
	Stderr   []byte
}

type Process struct {
	runner *clientProcRunner
}

func (p *Process) Wait(ctx context.Context) (*Result, error) {
	return p.runner.wait(ctx)
}

func (p *Process) Signal(ctx context.Context, sig syscall.Signal) error {
	return p.runner.signal(ctx, sig)
}

func (c *Client) StartProc(ctx context.Context, req StartProcRequest) (*Process, error) {
	c.Logger.Debugw("dialing WebSocket for run", "URL", c.URL)
	wsConn, _, err := websocket.Dial(ctx, c.URL, &websocket.DialOptions{
		HTTPClient:      c.HTTPClient,
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		c.Logger.Debugf("dial error: %s", err)
		return nil, fmt.Errorf("establishing WebSocket conn to run: %w", err)
	}
	wsConn.SetReadLimit(readLimit)

	ctx, cancel := context.WithCancel(context.Background())
	runner := &clientProcRunner{
		conn:     wsConn,
		log:      c.Logger.Named("command_runner"),
		ctx:      ctx,
		cancel:   cancel,
		req:      req,
		stdout:   io.Discard,
		stderr:   io.Discard,
		resultCh: make(chan cmdResult, 1),
	}
	if req.StdoutWriter != nil {
		runner.stdout = req.StdoutWriter
	}
	if req.StderrWriter != nil {
		runner.stderr = req.StderrWriter
	}

	if err := runner.run(); err != nil {
		return nil, err
	}
	return &Process{runner: runner}, nil
}

type clientProcRunner struct {
	log    *zap.SugaredLogger
	conn   *websocket.Conn
	ctx    context.Context
	cancel func()
	req    StartProcRequest

	stdout io.Writer
	stderr io.Writer

	resultCh chan cmdResult

	closeConnOnce sync.Once
}

type cmdResult struct {
	res *Result
	err error
}

func (r *clientProcRunner) run() error {
	err := r.writeFirstMessage()
	if err != nil {
		r.close(websocket.StatusInternalError, err.Error())
		r.cancel()
		return fmt.Errorf("writing first message: %w", err)
	}

	go r.writeStdin()
	go r.readMessages()
	return nil
}

func (r *clientProcRunner) wait(ctx context.Context) (*Result, error) {
	select {
	case res := <-r.resultCh:
		r.log.Debugw("got result", "Result", res.res, "Error", res.err)
		return res.res, res.err
	case <-ctx.Done():
		err := ctx.Err()
		r.log.Debugf("wait context done: %s", err)
		// dropping the connection makes the server kill the process
		r.close(websocket.StatusGoingAway, "client stopped waiting")
		r.cancel()
		return nil, err
	}
}

func (r *clientProcRunner) signal(ctx context.Context, sig syscall.Signal) error {
	return wsjson.Write(ctx, r.conn, procRequestMessage{Signal: sig})
}

func (r *clientProcRunner) close(code websocket.StatusCode, reason string) {
	// websocket reason can't be above 123 chars
	if len(reason) > 100 {
		reason = reason[0:100]
	}
	r.closeConnOnce.Do(func() {
		err := r.conn.Close(code, reason)
		if err != nil {
			r.log.Debugf("error closing conn: %s", err)
		}
	})
}

func (r *clientProcRunner) readMessages() {
	defer r.cancel()

	var stdout, stderr bytes.Buffer
	for {
		var msg procResponseMessage
		err := wsjson.Read(r.ctx, r.conn, &msg)
		if err != nil {
			r.log.Debugf("message reader got error: %s", err)
			r.resultCh <- cmdResult{err: fmt.Errorf("conn unexpectedly closed: %w", err)}
			r.close(websocket.StatusInternalError, err.Error())
			return
		}
		if len(msg.Stdout.B) > 0 {
			if _, err := r.stdout.Write(msg.Stdout.B); err != nil {
				r.log.Debugf("stdout writer got error: %s", err)
			}
		}
		if len(msg.Stderr.B) > 0 {
			if _, err := r.stderr.Write(msg.Stderr.B); err != nil {
				r.log.Debugf("stderr writer got error: %s", err)
			}
		}
		stdout.Write(msg.CapturedStdout.B)
		stderr.Write(msg.CapturedStderr.B)

		if msg.Result != nil {
			r.close(websocket.StatusNormalClosure, "")
			if msg.Result.Err != "" {
				r.resultCh <- cmdResult{err: errors.New(msg.Result.Err)}
				return
			}
			r.resultCh <- cmdResult{res: &Result{
				ExitCode: msg.Result.ExitCode,
				Signal:   msg.Result.Signal,
				TimeMS:   msg.Result.TimeMS,
				Stdout:   stdout.Bytes(),
				Stderr:   stderr.Bytes(),
			}}
			return
		}
	}
}

func (r *clientProcRunner) writeFirstMessage() error {
	return wsjson.Write(r.ctx, r.conn, procRequestMessage{
		Req: &procReq{
			Command: r.req.Command,
			Args:    r.req.Args,
			Env:     r.req.Env,
			WD:      r.req.WD,
			Stdin:   r.req.Stdin != nil,
			Stdout:  r.req.Stdout,
			Stderr:  r.req.Stderr,
		},
	})
}

func (r *clientProcRunner) writeStdin() {
	if r.req.Stdin == nil {
		return
	}

	writer := &wsJSONWriter{
		log:  r.log.Named("stdin_writer"),
		ctx:  r.ctx,
		conn: r.conn,
		writeMsg: func(b []byte) any {
			return procRequestMessage{Stdin: fdPayload{B: b}}
		},
		closeMsg: func() any {
			return procRequestMessage{Stdin: fdPayload{Done: true}}
		},
	}
	_, err := io.Copy(writer, r.req.Stdin)
	r.log.Debugw("done copying stdin", "Error", err)
	if err == nil {
		writer.Close()
	}
}

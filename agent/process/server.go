package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/guseggert/childrun/child"
	"github.com/guseggert/childrun/launch"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type Server struct {
	Log *zap.SugaredLogger
	// ForwardStdout and ForwardStderr receive ForwardOnly streams, nil for the agent's own stdio.
	ForwardStdout *os.File
	ForwardStderr *os.File
}

func (s *Server) logger() *zap.SugaredLogger {
	if s.Log == nil {
		return zap.NewNop().Sugar()
	}
	return s.Log
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := s.logger()
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		log.Debugf("error accepting WebSocket conn: %s", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	wsConn.SetReadLimit(readLimit)
	log.Debug("accepted WebSocket conn")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	runner := &serverProcRunner{
		log:    log.Named("server_runner"),
		conn:   wsConn,
		ctx:    ctx,
		cancel: cancel,
		server: s,
	}
	runner.run()
}

type serverProcRunner struct {
	log    *zap.SugaredLogger
	conn   *websocket.Conn
	ctx    context.Context
	cancel func()
	server *Server

	proc   *launch.Proc
	stdinR *io.PipeReader
	stdinW *io.PipeWriter

	wg sync.WaitGroup

	closeConnOnce sync.Once
}

func (r *serverProcRunner) run() {
	req, err := r.readFirstMessage()
	if err != nil {
		r.log.Debugf("error reading first message: %s", err)
		r.close(websocket.StatusInternalError, fmt.Sprintf("reading first message: %s", err))
		return
	}

	if err := r.start(req); err != nil {
		r.log.Debugf("error starting process: %s", err)
		r.writeResult(&procResult{ExitCode: -1, Err: err.Error()})
		r.close(websocket.StatusNormalClosure, "")
		return
	}
	r.log.Debugw("process started", "Pid", r.proc.Pid)

	r.wg.Add(1)
	go r.readMessages()

	res, err := r.proc.Await(r.ctx)
	if r.stdinR != nil {
		// unblocks the launcher's stdin pump if the client never finished sending stdin
		r.stdinR.CloseWithError(io.ErrClosedPipe)
	}
	timeMS := time.Since(r.proc.Started).Milliseconds()

	if err != nil {
		r.log.Debugf("error awaiting process %d: %s", r.proc.Pid, err)
		r.writeResult(&procResult{ExitCode: -1, TimeMS: timeMS, Err: err.Error()})
	} else {
		r.log.Debugf("process %d exited with %s, sending result", r.proc.Pid, res.Status)
		if err := r.writeCaptures(res); err != nil {
			r.log.Debugf("error sending captured output: %s", err)
		}
		r.writeResult(&procResult{ExitCode: res.Status.Code, Signal: res.Status.Signal, TimeMS: timeMS})
	}
	r.close(websocket.StatusNormalClosure, "")
	r.cancel()
	r.wg.Wait()
}

func (r *serverProcRunner) close(code websocket.StatusCode, reason string) {
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

func (r *serverProcRunner) readFirstMessage() (*procReq, error) {
	var msg procRequestMessage
	err := wsjson.Read(r.ctx, r.conn, &msg)
	if err != nil {
		return nil, err
	}
	if msg.Req == nil {
		return nil, errors.New("first message contained no request")
	}
	r.log.Debugw("got first message", "Message", msg.Req)
	return msg.Req, nil
}

func (r *serverProcRunner) start(req *procReq) error {
	launchReq := launch.Request{
		Command: req.Command,
		Args:    req.Args,
		Env:     req.Env,
		WD:      req.WD,
		Stdout:  req.Stdout,
		Stderr:  req.Stderr,
	}
	if req.Stdin {
		r.stdinR, r.stdinW = io.Pipe()
		launchReq.Stdin = r.stdinR
	}

	launcher := &launch.Launcher{
		Log:           r.log.Named("launcher"),
		ForwardStdout: r.server.ForwardStdout,
		ForwardStderr: r.server.ForwardStderr,
		Coordinator: &child.Coordinator{
			Log: r.log.Named("coordinator"),
			StdoutSink: &wsJSONWriter{
				log:      r.log.Named("stdout_writer"),
				ctx:      r.ctx,
				conn:     r.conn,
				writeMsg: func(b []byte) any { return procResponseMessage{Stdout: fdPayload{B: b}} },
			},
			StderrSink: &wsJSONWriter{
				log:      r.log.Named("stderr_writer"),
				ctx:      r.ctx,
				conn:     r.conn,
				writeMsg: func(b []byte) any { return procResponseMessage{Stderr: fdPayload{B: b}} },
			},
		},
	}
	proc, err := launcher.Start(launchReq)
	if err != nil {
		return err
	}
	r.proc = proc
	return nil
}

// readMessages handles stdin and signals until the connection goes away. A broken
// connection cancels the run, which kills the process.
func (r *serverProcRunner) readMessages() {
	defer r.wg.Done()
	defer r.cancel()
	closedStdin := false
	closeStdin := func(err error) {
		if r.stdinW != nil && !closedStdin {
			r.stdinW.CloseWithError(err)
			closedStdin = true
		}
	}

	for {
		var msg procRequestMessage
		err := wsjson.Read(r.ctx, r.conn, &msg)
		if err != nil {
			r.log.Debugf("message reader done: %s", err)
			closeStdin(io.ErrUnexpectedEOF)
			return
		}
		if len(msg.Stdin.B) > 0 && r.stdinW != nil && !closedStdin {
			if _, err := r.stdinW.Write(msg.Stdin.B); err != nil {
				r.log.Debugf("stdin write error: %s", err)
				closeStdin(err)
			}
		}
		if msg.Stdin.Done {
			closeStdin(nil)
		}
		if msg.Signal != 0 {
			if err := r.proc.Signal(msg.Signal); err != nil {
				r.log.Debugf("error signaling process %d with %s: %s", r.proc.Pid, msg.Signal, err)
			}
		}
	}
}

func (r *serverProcRunner) writeCaptures(res *child.Result) error {
	outW := &wsJSONWriter{
		log:      r.log.Named("captured_stdout_writer"),
		ctx:      r.ctx,
		conn:     r.conn,
		writeMsg: func(b []byte) any { return procResponseMessage{CapturedStdout: fdPayload{B: b}} },
	}
	if _, err := outW.Write(res.Stdout); err != nil {
		return err
	}
	errW := &wsJSONWriter{
		log:      r.log.Named("captured_stderr_writer"),
		ctx:      r.ctx,
		conn:     r.conn,
		writeMsg: func(b []byte) any { return procResponseMessage{CapturedStderr: fdPayload{B: b}} },
	}
	_, err := errW.Write(res.Stderr)
	return err
}

func (r *serverProcRunner) writeResult(res *procResult) {
	err := wsjson.Write(r.ctx, r.conn, procResponseMessage{Result: res})
	if err != nil {
		r.log.Debugf("error sending result: %s", err)
	}
}

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/guseggert/childrun/child"
	"github.com/guseggert/childrun/launch"
	"github.com/julienschmidt/httprouter"
)

type PostCommandRequest struct {
	Command    string
	Args       []string
	Stdin      string
	Env        []string
	WorkingDir string

	// Stdout and Stderr default to the agent's configured policies.
	Stdout *child.Policy `json:",omitempty"`
	Stderr *child.Policy `json:",omitempty"`
}

type PostCommandResponse struct {
	RunID    string
	ExitCode int
	Signal   string `json:",omitempty"`
	Stdout   []byte
	Stderr   []byte
}

// command runs a command to completion and sends its captured output in the response.
// This is much easier to curl and write simple clients against, but doesn't stream.
// CaptureAndForward streams are echoed to the agent's console.
func (a *NodeAgent) command(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var req PostCommandRequest
	dec := json.NewDecoder(r.Body)
	err := dec.Decode(&req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Command == "" {
		http.Error(w, "request contained no command", http.StatusBadRequest)
		return
	}

	runID := uuid.New().String()
	log := a.logger.With("RunID", runID)

	launchReq := launch.Request{
		Command: req.Command,
		Args:    req.Args,
		Env:     req.Env,
		WD:      req.WorkingDir,
		Stdout:  a.defaultStdout,
		Stderr:  a.defaultStderr,
	}
	if req.Stdout != nil {
		launchReq.Stdout = *req.Stdout
	}
	if req.Stderr != nil {
		launchReq.Stderr = *req.Stderr
	}
	if req.Stdin != "" {
		launchReq.Stdin = strings.NewReader(req.Stdin)
	}

	// If the request is aborted or times out, the process is killed.
	ctx := r.Context()
	if a.commandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.commandTimeout)
		defer cancel()
	}

	log.Debugw("running command", "Command", req.Command, "Args", req.Args, "Stdout", launchReq.Stdout, "Stderr", launchReq.Stderr)
	res, err := a.launcher.Run(ctx, launchReq)
	if err != nil {
		log.Debugf("command failed: %s", err)
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, child.ErrUnknownPolicy):
			status = http.StatusBadRequest
		case errors.Is(err, context.DeadlineExceeded):
			status = http.StatusGatewayTimeout
		}
		http.Error(w, err.Error(), status)
		return
	}

	resp := PostCommandResponse{
		RunID:    runID,
		ExitCode: res.Status.Code,
		Signal:   res.Status.Signal,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
	}
	b, err := json.Marshal(resp)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(b)
}

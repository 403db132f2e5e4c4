package process

import (
	"syscall"

	"github.com/guseggert/childrun/child"
)

// procRequestMessage is a request message.
// Only the first message contains Req; later ones carry stdin bytes or a signal.
type procRequestMessage struct {
	Req    *procReq       `json:",omitempty"`
	Signal syscall.Signal `json:",omitempty"`

	Stdin fdPayload
}

type procReq struct {
	Command string
	Args    []string
	Env     []string
	WD      string

	// Stdin is true if the client will stream stdin, otherwise the child reads /dev/null.
	Stdin  bool
	Stdout child.Policy
	Stderr child.Policy
}

type fdPayload struct {
	B    []byte `json:",omitempty"`
	Done bool   `json:",omitempty"`
}

// procResponseMessage is a response message.
// Stdout and Stderr carry live chunks, Captured* carry the final captures, and the last message carries Result.
type procResponseMessage struct {
	Stdout fdPayload
	Stderr fdPayload

	CapturedStdout fdPayload
	CapturedStderr fdPayload

	Result *procResult `json:",omitempty"`
}

type procResult struct {
	ExitCode int
	Signal   string `json:",omitempty"`
	TimeMS   int64
	// Err is set when the process could not be started or awaited.
	Err string `json:",omitempty"`
}

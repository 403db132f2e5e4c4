package child

import (
	"io"
	"os"
	"sync"
)

// Console serializes writes to a shared output stream so a chunk is never split by a
// concurrent writer. Ordering between different writers is not preserved.
type Console struct {
	m sync.Mutex
	w io.Writer
}

func NewConsole(w io.Writer) *Console {
	return &Console{w: w}
}

func (c *Console) Write(p []byte) (int, error) {
	c.m.Lock()
	defer c.m.Unlock()
	return c.w.Write(p)
}

// Stdout is the process-wide console every CaptureAndForward echo goes to unless a
// Coordinator is given other sinks. Both stream roles are echoed here, stderr included.
var Stdout = NewConsole(os.Stdout)

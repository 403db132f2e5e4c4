package child

import (
	"bytes"
	"io"
)

// TeeSink copies every chunk written to it into an in-memory buffer and to an external writer.
// The external writer sees each chunk before Write returns.
type TeeSink struct {
	w        io.Writer
	buf      bytes.Buffer
	consumed bool
}

func NewTeeSink(w io.Writer) *TeeSink {
	return &TeeSink{w: w}
}

// Write buffers p, then forwards it. A forwarding failure is returned as is, and a
// partial forward as io.ErrShortWrite; p stays buffered either way.
func (t *TeeSink) Write(p []byte) (int, error) {
	if t.consumed {
		panic("child: write to TeeSink after IntoBuffer")
	}
	t.buf.Write(p)
	n, err := t.w.Write(p)
	if err != nil {
		return n, err
	}
	if n != len(p) {
		return n, io.ErrShortWrite
	}
	return len(p), nil
}

// IntoBuffer consumes the sink and returns everything written to it.
// It must be called exactly once, after the source reached EOF.
func (t *TeeSink) IntoBuffer() []byte {
	if t.consumed {
		panic("child: TeeSink.IntoBuffer called twice")
	}
	t.consumed = true
	b := t.buf.Bytes()
	t.buf = bytes.Buffer{}
	if b == nil {
		return []byte{}
	}
	return b
}

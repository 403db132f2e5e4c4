package launch

import (
	"fmt"
	"io"
	"os"

	"github.com/guseggert/childrun/child"
)

// files tracks descriptors opened while preparing a process.
// Child ends are closed in the parent once the process started; parent ends only on failure.
type files struct {
	childEnds  []*os.File
	parentEnds []*os.File
}

func (f *files) closeAfterStart() {
	for _, c := range f.childEnds {
		c.Close()
	}
	f.childEnds = nil
}

func (f *files) closeOnError() {
	for _, c := range f.parentEnds {
		c.Close()
	}
	f.parentEnds = nil
}

// input returns the child's stdin, and the write end to pump r into when r is not a file.
func (f *files) input(r io.Reader) (*os.File, *os.File, error) {
	switch in := r.(type) {
	case nil:
		null, err := os.Open(os.DevNull)
		if err != nil {
			return nil, nil, err
		}
		f.childEnds = append(f.childEnds, null)
		return null, nil, nil
	case *os.File:
		return in, nil, nil
	default:
		pr, pw, err := os.Pipe()
		if err != nil {
			return nil, nil, err
		}
		f.childEnds = append(f.childEnds, pr)
		f.parentEnds = append(f.parentEnds, pw)
		return pr, pw, nil
	}
}

// output returns the child's end for an output stream, and the read end the coordinator drains
// when the policy is connected.
func (f *files) output(p child.Policy, forward *os.File) (*os.File, *os.File, error) {
	switch p {
	case child.Discard:
		null, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
		if err != nil {
			return nil, nil, err
		}
		f.childEnds = append(f.childEnds, null)
		return null, nil, nil
	case child.ForwardOnly:
		return forward, nil, nil
	case child.CaptureOnly, child.CaptureAndForward:
		pr, pw, err := os.Pipe()
		if err != nil {
			return nil, nil, err
		}
		f.childEnds = append(f.childEnds, pw)
		f.parentEnds = append(f.parentEnds, pr)
		return pw, pr, nil
	default:
		return nil, nil, fmt.Errorf("%w %d", child.ErrUnknownPolicy, int(p))
	}
}

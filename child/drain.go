package child

import (
	"fmt"
	"io"
)

// Drain reads r to EOF according to policy and returns what it captured.
//
// Discard and ForwardOnly return an empty capture without touching r, which is
// expected to be nil for them. CaptureAndForward echoes each chunk to sink as it
// arrives. Any read or forward failure is returned as an *IoError for role.
func Drain(role StreamRole, r io.Reader, policy Policy, sink io.Writer) ([]byte, error) {
	switch policy {
	case Discard, ForwardOnly:
		return []byte{}, nil
	case CaptureOnly:
		if r == nil {
			return nil, &IoError{Stream: role, Err: fmt.Errorf("%w for policy %s", ErrNotConnected, policy)}
		}
		b, err := io.ReadAll(r)
		if err != nil {
			return nil, &IoError{Stream: role, Err: err}
		}
		return b, nil
	case CaptureAndForward:
		if r == nil {
			return nil, &IoError{Stream: role, Err: fmt.Errorf("%w for policy %s", ErrNotConnected, policy)}
		}
		if sink == nil {
			sink = Stdout
		}
		tee := NewTeeSink(sink)
		if _, err := io.Copy(tee, r); err != nil {
			return nil, &IoError{Stream: role, Err: err}
		}
		return tee.IntoBuffer(), nil
	default:
		return nil, &IoError{Stream: role, Err: fmt.Errorf("%w %d", ErrUnknownPolicy, int(policy))}
	}
}

package child

import (
	"fmt"
	"strings"
)

// Policy is the handling mode for one of the child's output streams.
type Policy int

const (
	// CaptureOnly is the default: read everything, echo nothing.
	CaptureOnly Policy = iota
	// CaptureAndForward reads everything and echoes it live while buffering.
	CaptureAndForward
	// ForwardOnly leaves the stream wired to the parent's own stream by the launcher.
	ForwardOnly
	// Discard leaves the stream unconnected.
	Discard
)

func (p Policy) String() string {
	switch p {
	case CaptureOnly:
		return "capture"
	case CaptureAndForward:
		return "capture-and-forward"
	case ForwardOnly:
		return "forward"
	case Discard:
		return "discard"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// Connected reports whether the child's stream must be piped to the coordinator.
func (p Policy) Connected() bool {
	return p == CaptureOnly || p == CaptureAndForward
}

func (p Policy) valid() bool {
	return p >= CaptureOnly && p <= Discard
}

// ParsePolicy parses the textual form of a Policy. The aliases "default",
// "inherit" and "none" are accepted for capture, capture-and-forward and
// discard respectively. The empty string is CaptureOnly.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "capture", "default":
		return CaptureOnly, nil
	case "capture-and-forward", "inherit":
		return CaptureAndForward, nil
	case "forward":
		return ForwardOnly, nil
	case "discard", "none":
		return Discard, nil
	default:
		return 0, fmt.Errorf("%w %q", ErrUnknownPolicy, s)
	}
}

func (p Policy) MarshalText() ([]byte, error) {
	if !p.valid() {
		return nil, fmt.Errorf("%w %d", ErrUnknownPolicy, int(p))
	}
	return []byte(p.String()), nil
}

func (p *Policy) UnmarshalText(b []byte) error {
	parsed, err := ParsePolicy(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

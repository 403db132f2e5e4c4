//go:build !unix

package launch

import (
	"os"
	"syscall"
)

func sysProcAttr(stdin *os.File) (*syscall.SysProcAttr, bool) { return nil, false }

func killGroup(p *os.Process) error { return p.Kill() }

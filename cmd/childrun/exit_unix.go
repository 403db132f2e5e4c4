//go:build unix

package main

import (
	"github.com/guseggert/childrun/child"
	"golang.org/x/sys/unix"
)

// exitCode follows the shell convention of 128+signo for signaled children.
func exitCode(s child.ExitStatus) int {
	if s.Signal != "" {
		if sig := unix.SignalNum(s.Signal); sig != 0 {
			return 128 + int(sig)
		}
		return 1
	}
	return s.Code
}

//go:build !unix

package main

import "github.com/guseggert/childrun/child"

func exitCode(s child.ExitStatus) int {
	if s.Code < 0 {
		return 1
	}
	return s.Code
}

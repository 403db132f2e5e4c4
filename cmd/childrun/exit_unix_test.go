//go:build unix

package main

import (
	"testing"

	"github.com/guseggert/childrun/child"
	"github.com/stretchr/testify/assert"
)

func TestExitCode(t *testing.T) {
	cases := []struct {
		name   string
		status child.ExitStatus
		exp    int
	}{
		{name: "success", status: child.ExitStatus{}, exp: 0},
		{name: "failure", status: child.ExitStatus{Code: 3}, exp: 3},
		{name: "sigterm", status: child.ExitStatus{Code: -1, Signal: "SIGTERM"}, exp: 143},
		{name: "sigkill", status: child.ExitStatus{Code: -1, Signal: "SIGKILL"}, exp: 137},
		{name: "unknown signal", status: child.ExitStatus{Code: -1, Signal: "SIGBOGUS"}, exp: 1},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.exp, exitCode(c.status))
		})
	}
}

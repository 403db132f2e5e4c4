//go:build unix

package child_test

import (
	"bytes"
	"io"
	"os/exec"
	"testing"
	"time"

	"github.com/guseggert/childrun/child"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipeCapacity is the default Linux pipe buffer size.
const pipeCapacity = 64 << 10

// floodScript writes ten pipe buffers to stderr, then ten to stdout.
var floodScript = "head -c 655360 /dev/zero >&2; head -c 655360 /dev/zero"

func spawn(t *testing.T, script string) (*exec.Cmd, io.ReadCloser, io.ReadCloser) {
	t.Helper()
	cmd := exec.Command("/bin/sh", "-c", script)
	stdout, err := cmd.StdoutPipe()
	require.NoError(t, err)
	stderr, err := cmd.StderrPipe()
	require.NoError(t, err)
	require.NoError(t, cmd.Start())
	return cmd, stdout, stderr
}

func awaitWithin(t *testing.T, d time.Duration, c *child.Coordinator, ch *child.Child, stdout, stderr child.Policy) (*child.Result, error) {
	t.Helper()
	type outcome struct {
		res *child.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := c.Await(ch, stdout, stderr)
		done <- outcome{res: res, err: err}
	}()
	select {
	case o := <-done:
		return o.res, o.err
	case <-time.After(d):
		t.Fatalf("Await did not return within %s", d)
		return nil, nil
	}
}

func TestAwaitProcess(t *testing.T) {
	cases := []struct {
		name      string
		script    string
		expStatus child.ExitStatus
		expStdout string
		expStderr string
	}{
		{
			name:      "output on both streams",
			script:    `printf 'line1\n'; printf 'err1\n' >&2; exit 0`,
			expStatus: child.ExitStatus{Code: 0},
			expStdout: "line1\n",
			expStderr: "err1\n",
		},
		{
			name:      "no output, failing exit",
			script:    `exit 1`,
			expStatus: child.ExitStatus{Code: 1},
		},
		{
			name:      "killed by a signal",
			script:    `printf before; kill -TERM $$`,
			expStatus: child.ExitStatus{Code: -1, Signal: "SIGTERM"},
			expStdout: "before",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cmd, stdout, stderr := spawn(t, c.script)
			ch := &child.Child{Stdout: stdout, Stderr: stderr, Process: &child.ProcessWaiter{Process: cmd.Process}}

			res, err := awaitWithin(t, 10*time.Second, &child.Coordinator{}, ch, child.CaptureOnly, child.CaptureOnly)
			require.NoError(t, err)
			assert.Equal(t, c.expStatus, res.Status)
			assert.Equal(t, c.expStdout, string(res.Stdout))
			assert.Equal(t, c.expStderr, string(res.Stderr))
		})
	}
}

func TestAwaitProcessCaptureAndForward(t *testing.T) {
	cmd, stdout, stderr := spawn(t, `for i in 1 2 3; do echo "out $i"; echo "err $i" >&2; done`)
	var outSink, errSink bytes.Buffer
	c := &child.Coordinator{StdoutSink: &outSink, StderrSink: &errSink}
	ch := &child.Child{Stdout: stdout, Stderr: stderr, Process: &child.ProcessWaiter{Process: cmd.Process}}

	res, err := awaitWithin(t, 10*time.Second, c, ch, child.CaptureAndForward, child.CaptureAndForward)
	require.NoError(t, err)
	assert.Equal(t, "out 1\nout 2\nout 3\n", string(res.Stdout))
	assert.Equal(t, "err 1\nerr 2\nerr 3\n", string(res.Stderr))
	assert.Equal(t, res.Stdout, outSink.Bytes())
	assert.Equal(t, res.Stderr, errSink.Bytes())
}

// Reading stdout to EOF before stderr hangs: the child blocks on the full stderr pipe
// and never gets to close stdout.
func TestSequentialDrainHangs(t *testing.T) {
	cmd, stdout, stderr := spawn(t, floodScript)

	done := make(chan struct{})
	go func() {
		defer close(done)
		io.ReadAll(stdout)
		io.ReadAll(stderr)
	}()

	select {
	case <-done:
		t.Fatal("sequential drain finished, expected it to block")
	case <-time.After(2 * time.Second):
	}

	// Closing the read ends makes the child's writes fail, which unblocks everything.
	stdout.Close()
	stderr.Close()
	<-done
	_, err := cmd.Process.Wait()
	require.NoError(t, err)
}

func TestConcurrentDrainDoesNotHang(t *testing.T) {
	cmd, stdout, stderr := spawn(t, floodScript)
	ch := &child.Child{Stdout: stdout, Stderr: stderr, Process: &child.ProcessWaiter{Process: cmd.Process}}

	res, err := awaitWithin(t, 30*time.Second, &child.Coordinator{}, ch, child.CaptureOnly, child.CaptureOnly)
	require.NoError(t, err)
	assert.True(t, res.Status.Success())
	assert.Len(t, res.Stdout, 10*pipeCapacity)
	assert.Len(t, res.Stderr, 10*pipeCapacity)
}

func TestAwaitAlreadyReapedProcess(t *testing.T) {
	cmd, stdout, stderr := spawn(t, `echo reaped`)
	_, err := cmd.Process.Wait()
	require.NoError(t, err)

	ch := &child.Child{Stdout: stdout, Stderr: stderr, Process: &child.ProcessWaiter{Process: cmd.Process}}
	res, err := awaitWithin(t, 10*time.Second, &child.Coordinator{}, ch, child.CaptureOnly, child.CaptureOnly)
	assert.Nil(t, res)
	var waitErr *child.ExitWaitError
	assert.ErrorAs(t, err, &waitErr)
}

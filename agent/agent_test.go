package agent

import (
	"bytes"
	"context"
	"crypto/rand"
	"net/http"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/guseggert/childrun/agent/process"
	"github.com/guseggert/childrun/child"
	inet "github.com/guseggert/childrun/internal/net"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	log *zap.SugaredLogger
)

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}

	log = l.Sugar()
}

// startAgent runs an agent on a free loopback port and returns a client that has waited for it.
func startAgent(t *testing.T, certs *Certs, opts ...Option) (*NodeAgent, int) {
	t.Helper()
	addr, port, err := inet.LoopbackAddr()
	require.NoError(t, err)

	opts = append([]Option{WithListenAddr(addr)}, opts...)
	agent, err := NewNodeAgent(
		certs.CA.CertPEMBytes,
		certs.Server.CertPEMBytes,
		certs.Server.KeyPEMBytes,
		opts...,
	)
	require.NoError(t, err)

	go agent.Run()
	t.Cleanup(func() {
		require.NoError(t, agent.Stop())
	})
	return agent, port
}

func newTestClient(t *testing.T, opts ...Option) *Client {
	t.Helper()
	certs, err := GenerateCerts()
	require.NoError(t, err)
	_, port := startAgent(t, certs, opts...)

	client, err := NewClient(log, certs, "127.0.0.1", port)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, client.WaitForServer(ctx))
	return client
}

func policy(p child.Policy) *child.Policy { return &p }

func TestNegativeAuthz(t *testing.T) {
	// ensure that unauthorized clients are rejected
	serverCerts, err := GenerateCerts()
	require.NoError(t, err)
	_, port := startAgent(t, serverCerts)

	// generate some client certs with the same CA but with keys actually signed by some other CA
	// which should fail server-side validation
	clientCerts, err := GenerateCerts()
	require.NoError(t, err)
	clientCerts.CA = serverCerts.CA
	client, err := NewClient(log, clientCerts, "127.0.0.1", port, WithCustomizeRetryableClient(func(r *retryablehttp.Client) {
		r.RetryMax = 0
	}))
	require.NoError(t, err)

	// give the listener a moment, since we can't wait for it with a rejected client
	time.Sleep(200 * time.Millisecond)

	err = client.SendHeartbeat(context.Background())
	require.ErrorContains(t, err, "remote error: tls")
}

func TestHeartbeatFailureHandler(t *testing.T) {
	certs, err := GenerateCerts()
	require.NoError(t, err)

	failed := make(chan struct{}, 1)
	startAgent(t, certs,
		WithHeartbeatTimeout(100*time.Millisecond),
		WithHeartbeatFailureHandler(func() {
			select {
			case failed <- struct{}{}:
			default:
			}
		}),
	)

	select {
	case <-failed:
	case <-time.After(5 * time.Second):
		t.Fatal("heartbeat failure handler was not called")
	}
}

func TestHeartbeatKeepsAgentAlive(t *testing.T) {
	certs, err := GenerateCerts()
	require.NoError(t, err)

	failed := make(chan struct{}, 1)
	_, port := startAgent(t, certs,
		WithHeartbeatTimeout(3*time.Second),
		WithHeartbeatFailureHandler(func() {
			select {
			case failed <- struct{}{}:
			default:
			}
		}),
	)

	client, err := NewClient(log, certs, "127.0.0.1", port, WithClientHeartbeatInterval(200*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, client.WaitForServer(context.Background()))

	client.StartHeartbeat()
	defer client.StopHeartbeat()

	select {
	case <-failed:
		t.Fatal("heartbeat failure handler called while heartbeats were being sent")
	case <-time.After(4 * time.Second):
	}
}

func TestRunCommand(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	cases := []struct {
		name   string
		req    PostCommandRequest
		expOut string
		expErr string
		expRes PostCommandResponse
	}{
		{
			name: "captures both streams by default",
			req: PostCommandRequest{
				Command: "sh",
				Args:    []string{"-c", "printf foo; printf bar 1>&2"},
			},
			expRes: PostCommandResponse{Stdout: []byte("foo"), Stderr: []byte("bar")},
		},
		{
			name: "capture and forward still captures",
			req: PostCommandRequest{
				Command: "sh",
				Args:    []string{"-c", "printf foo; printf bar 1>&2"},
				Stdout:  policy(child.CaptureAndForward),
				Stderr:  policy(child.CaptureAndForward),
			},
			expRes: PostCommandResponse{Stdout: []byte("foo"), Stderr: []byte("bar")},
		},
		{
			name: "discarded streams come back empty",
			req: PostCommandRequest{
				Command: "sh",
				Args:    []string{"-c", "printf foo; printf bar 1>&2"},
				Stdout:  policy(child.Discard),
				Stderr:  policy(child.Discard),
			},
			expRes: PostCommandResponse{Stdout: []byte{}, Stderr: []byte{}},
		},
		{
			name: "stdin to stdout",
			req: PostCommandRequest{
				Command: "sh",
				Args:    []string{"-c", "read line; echo $line bar"},
				Stdin:   "foo\n",
				Stderr:  policy(child.Discard),
			},
			expRes: PostCommandResponse{Stdout: []byte("foo bar\n"), Stderr: []byte{}},
		},
		{
			name: "env and working dir",
			req: PostCommandRequest{
				Command:    "sh",
				Args:       []string{"-c", `printf "$GREETING $(pwd -P)"`},
				Env:        []string{"GREETING=hi"},
				WorkingDir: "/",
			},
			expRes: PostCommandResponse{Stdout: []byte("hi /"), Stderr: []byte{}},
		},
		{
			name: "nonzero exit",
			req: PostCommandRequest{
				Command: "sh",
				Args:    []string{"-c", "exit 3"},
			},
			expRes: PostCommandResponse{ExitCode: 3, Stdout: []byte{}, Stderr: []byte{}},
		},
		{
			name: "killed by signal",
			req: PostCommandRequest{
				Command: "sh",
				Args:    []string{"-c", "kill -TERM $$"},
			},
			expRes: PostCommandResponse{ExitCode: -1, Signal: "SIGTERM", Stdout: []byte{}, Stderr: []byte{}},
		},
		{
			name:   "missing command",
			req:    PostCommandRequest{},
			expErr: "400",
		},
		{
			name:   "unknown executable",
			req:    PostCommandRequest{Command: "childrun-no-such-command"},
			expErr: "500",
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			resp, err := client.RunCommand(ctx, c.req)
			if c.expErr != "" {
				require.ErrorContains(t, err, c.expErr)
				return
			}
			require.NoError(t, err)

			assert.NotEmpty(t, resp.RunID)
			assert.Equal(t, c.expRes.ExitCode, resp.ExitCode)
			assert.Equal(t, c.expRes.Signal, resp.Signal)
			assert.Equal(t, string(c.expRes.Stdout), string(resp.Stdout))
			assert.Equal(t, string(c.expRes.Stderr), string(resp.Stderr))
		})
	}
}

func TestRunCommandUnknownPolicy(t *testing.T) {
	client := newTestClient(t)

	body := strings.NewReader(`{"Command":"true","Stdout":"sometimes"}`)
	req, err := http.NewRequest(http.MethodPost, client.baseURL+"/command", body)
	require.NoError(t, err)
	client.prepReq(req)

	resp, err := client.HTTPClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRunCommandTimeout(t *testing.T) {
	client := newTestClient(t, WithCommandTimeout(200*time.Millisecond))

	start := time.Now()
	_, err := client.RunCommand(context.Background(), PostCommandRequest{
		Command: "sh",
		Args:    []string{"-c", "sleep 30"},
	})
	require.ErrorContains(t, err, "504")
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestRunCommandDefaultPolicies(t *testing.T) {
	client := newTestClient(t, WithDefaultPolicies(child.Discard, child.CaptureOnly))

	resp, err := client.RunCommand(context.Background(), PostCommandRequest{
		Command: "sh",
		Args:    []string{"-c", "printf foo; printf bar 1>&2"},
	})
	require.NoError(t, err)
	assert.Empty(t, resp.Stdout)
	assert.Equal(t, "bar", string(resp.Stderr))

	// an explicit policy wins over the default
	resp, err = client.RunCommand(context.Background(), PostCommandRequest{
		Command: "sh",
		Args:    []string{"-c", "printf foo; printf bar 1>&2"},
		Stdout:  policy(child.CaptureOnly),
	})
	require.NoError(t, err)
	assert.Equal(t, "foo", string(resp.Stdout))
}

func TestStartProc(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	bigInput := make([]byte, 100*1024)
	_, err := rand.Read(bigInput)
	require.NoError(t, err)

	cases := []struct {
		name      string
		req       process.StartProcRequest
		expCode   int
		expStdout string
		expStderr string
		expLive   bool
	}{
		{
			name: "capture only sends no live chunks",
			req: process.StartProcRequest{
				Command: "sh",
				Args:    []string{"-c", "printf foo; printf bar 1>&2"},
			},
			expStdout: "foo",
			expStderr: "bar",
		},
		{
			name: "capture and forward streams live chunks",
			req: process.StartProcRequest{
				Command: "sh",
				Args:    []string{"-c", "printf foo; printf bar 1>&2"},
				Stdout:  child.CaptureAndForward,
				Stderr:  child.CaptureAndForward,
			},
			expStdout: "foo",
			expStderr: "bar",
			expLive:   true,
		},
		{
			name: "discarded streams",
			req: process.StartProcRequest{
				Command: "sh",
				Args:    []string{"-c", "printf foo; printf bar 1>&2; exit 4"},
				Stdout:  child.Discard,
				Stderr:  child.Discard,
			},
			expCode: 4,
		},
		{
			name: "stdin streamed in chunks",
			req: process.StartProcRequest{
				Command: "cat",
				Stdin:   bytes.NewReader(bigInput),
			},
			expStdout: string(bigInput),
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			var stdoutLive, stderrLive bytes.Buffer
			req := c.req
			req.StdoutWriter = &stdoutLive
			req.StderrWriter = &stderrLive

			proc, err := client.StartProc(ctx, req)
			require.NoError(t, err)

			res, err := proc.Wait(ctx)
			require.NoError(t, err)

			assert.Equal(t, c.expCode, res.ExitCode)
			assert.Equal(t, c.expStdout, string(res.Stdout))
			assert.Equal(t, c.expStderr, string(res.Stderr))
			if c.expLive {
				assert.Equal(t, c.expStdout, stdoutLive.String())
				assert.Equal(t, c.expStderr, stderrLive.String())
			} else {
				assert.Zero(t, stdoutLive.Len())
				assert.Zero(t, stderrLive.Len())
			}
		})
	}
}

func TestStartProcSignal(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	proc, err := client.StartProc(ctx, process.StartProcRequest{
		Command: "sh",
		Args:    []string{"-c", "exec sleep 30"},
	})
	require.NoError(t, err)

	require.NoError(t, proc.Signal(ctx, syscall.SIGTERM))

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	res, err := proc.Wait(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, -1, res.ExitCode)
	assert.Equal(t, "SIGTERM", res.Signal)
}

func TestStartProcWaitCanceled(t *testing.T) {
	client := newTestClient(t)

	proc, err := client.StartProc(context.Background(), process.StartProcRequest{
		Command: "sh",
		Args:    []string{"-c", "sleep 30"},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err = proc.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStartProcUnknownCommand(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	proc, err := client.StartProc(ctx, process.StartProcRequest{Command: "childrun-no-such-command"})
	require.NoError(t, err)

	_, err = proc.Wait(ctx)
	require.ErrorContains(t, err, "childrun-no-such-command")
}

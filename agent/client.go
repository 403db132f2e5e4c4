package agent

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/guseggert/childrun/agent/process"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	host                     string
	tlsClientConfig          *tls.Config
	dialCtx                  func(ctx context.Context, network, addr string) (net.Conn, error)
	baseURL                  string
	customizeRetryableClient func(*retryablehttp.Client)
	commandClient            *process.Client

	waitInterval      time.Duration
	heartbeatInterval time.Duration

	startHeartbeatOnce sync.Once
	stopHeartbeatOnce  sync.Once
	stopHeartbeat      chan struct{}
}

type ClientOption func(c *Client)

func WithClientWaitInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.waitInterval = d
	}
}

func WithClientHeartbeatInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.heartbeatInterval = d
	}
}

func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		c.Logger = l.Named("nodeagentclient").Sugar()
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) ClientOption {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

func NewClient(log *zap.SugaredLogger, certs *Certs, ipAddr string, port int, opts ...ClientOption) (*Client, error) {
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	httpDialAddrPort := fmt.Sprintf("%s:%d", ipAddr, port)

	// Don't do DNS lookup for dialing.
	// This prevents the default dialer from modifying the host header, which we need since we are not using public CAs.
	// Resulting behavior is that the addr host is used for the host header, but it does not resolve the name.
	// Rationale is that we don't need TLS for server authn, since we control all the hosts anyway.
	// We just want authz and encryption.
	dialCtx := func(ctx context.Context, network, addr string) (net.Conn, error) {
		return dialer.DialContext(ctx, "tcp", httpDialAddrPort)
	}

	tlsConfig, err := ClientTLSConfig(certs.CA.CertPEMBytes, certs.Client.CertPEMBytes, certs.Client.KeyPEMBytes)
	if err != nil {
		return nil, fmt.Errorf("building client TLS config: %w", err)
	}

	serverName := certs.ServerName
	if serverName == "" {
		serverName = DefaultServerName
	}
	baseURL := fmt.Sprintf("https://%s:%d", serverName, port)
	commandURL := baseURL + "/command"

	c := &Client{
		Logger:            log.Named("nodeagent_client"),
		host:              serverName,
		baseURL:           baseURL,
		tlsClientConfig:   tlsConfig,
		dialCtx:           dialCtx,
		waitInterval:      100 * time.Millisecond,
		heartbeatInterval: 10 * time.Second,
		stopHeartbeat:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(c)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = &http.Client{
		Transport: &http.Transport{
			DialContext:     dialCtx,
			MaxConnsPerHost: 0,
			TLSClientConfig: tlsConfig,
		},
	}
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = 10
	// Only retry when the request never got a response, since a command that ran must not run twice.
	retryClient.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if err == nil {
			return false, nil
		}
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}

	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}

	c.HTTPClient = retryClient.StandardClient()
	c.commandClient = &process.Client{
		HTTPClient: c.HTTPClient,
		URL:        commandURL,
		Logger:     c.Logger.Named("command_client"),
	}

	return c, nil
}

func (c *Client) prepReq(r *http.Request) {
	r.Header.Add("Content-Type", "application/json")
	r.Close = true
}

func (c *Client) SendHeartbeat(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/heartbeat", nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	c.prepReq(req)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP error: %w", err)
	}
	if resp.Body != nil {
		defer resp.Body.Close()
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected heartbeat status code %d", resp.StatusCode)
	}
	return nil
}

// RunCommand runs a command to completion on the node and returns its captured output.
func (c *Client) RunCommand(ctx context.Context, req PostCommandRequest) (*PostCommandResponse, error) {
	b, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling command request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/command", bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	c.prepReq(httpReq)

	httpResp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("running command over HTTP: %w", err)
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusOK {
		var body string
		b, err := io.ReadAll(httpResp.Body)
		if err != nil {
			body = fmt.Errorf("error reading body: %w", err).Error()
		} else {
			body = string(b)
		}
		return nil, fmt.Errorf("non-200 HTTP status code %d received when running command: %s", httpResp.StatusCode, body)
	}

	var resp PostCommandResponse
	err = json.NewDecoder(httpResp.Body).Decode(&resp)
	if err != nil {
		return nil, fmt.Errorf("decoding command response: %w", err)
	}
	return &resp, nil
}

// StartProc starts a process on the node and streams its output over a WebSocket.
func (c *Client) StartProc(ctx context.Context, req process.StartProcRequest) (*process.Process, error) {
	return c.commandClient.StartProc(ctx, req)
}

func (c *Client) WaitForServer(ctx context.Context) error {
	ticker := time.NewTicker(c.waitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			err := c.SendHeartbeat(ctx)
			if err == nil {
				c.Logger.Debug("heartbeat succeeded, done waiting for server")
				return nil
			}
			c.Logger.Debugf("got heartbeat error: %s", err)
		}
	}
}

// StartHeartbeat sends a heartbeat every interval until StopHeartbeat is called.
func (n *Client) StartHeartbeat() {
	go n.startHeartbeatOnce.Do(func() {
		ticker := time.NewTicker(n.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-n.stopHeartbeat:
				return
			case <-ticker.C:
			}
			err := n.SendHeartbeat(context.Background())
			if err != nil {
				n.Logger.Debugf("heartbeat error: %s", err)
			}
		}
	})
}

func (n *Client) StopHeartbeat() {
	n.stopHeartbeatOnce.Do(func() { close(n.stopHeartbeat) })
}

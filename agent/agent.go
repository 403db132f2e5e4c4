package agent

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/guseggert/childrun/agent/process"
	"github.com/guseggert/childrun/child"
	"github.com/guseggert/childrun/launch"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NodeAgent is an HTTP agent that runs commands on the host it runs on.
// The agent requires mTLS for both traffic encryption and authz.
type NodeAgent struct {
	logger *zap.SugaredLogger

	caCertPEM []byte
	certPEM   []byte
	keyPEM    []byte

	heartbeatFailureHandler func()
	heartbeatTimeout        time.Duration
	listenAddr              string

	defaultStdout  child.Policy
	defaultStderr  child.Policy
	commandTimeout time.Duration

	httpServer    *http.Server
	launcher      *launch.Launcher
	commandServer *process.Server

	serverMut sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}

	heartbeatMut  sync.Mutex
	lastHeartbeat time.Time
}

type Option func(n *NodeAgent)

func WithHeartbeatTimeout(d time.Duration) Option {
	return func(n *NodeAgent) {
		n.heartbeatTimeout = d
	}
}

func WithHeartbeatFailureHandler(f func()) Option {
	return func(n *NodeAgent) {
		n.heartbeatFailureHandler = f
	}
}

func WithListenAddr(s string) Option {
	return func(n *NodeAgent) {
		n.listenAddr = s
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(n *NodeAgent) {
		n.logger = l.Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(n *NodeAgent) {
		n.logger = n.logger.WithOptions(zap.IncreaseLevel(l))
	}
}

// WithDefaultPolicies sets the policies used for command requests that don't specify one.
func WithDefaultPolicies(stdout, stderr child.Policy) Option {
	return func(n *NodeAgent) {
		n.defaultStdout = stdout
		n.defaultStderr = stderr
	}
}

// WithCommandTimeout kills commands run through POST /command after d. Zero means no limit.
func WithCommandTimeout(d time.Duration) Option {
	return func(n *NodeAgent) {
		n.commandTimeout = d
	}
}

func HeartbeatFailureShutdown() {
	fmt.Println("heartbeat failed, shutting down")
	cmd := exec.Command("shutdown", "now")
	err := cmd.Run()
	if err != nil {
		fmt.Printf("unable to shutdown host: %s", err)
	}
}

func HeartbeatFailureExit() {
	fmt.Println("heartbeat failed, exiting")
	os.Exit(1)
}

// NewNodeAgent constructs a new node agent.
func NewNodeAgent(caCertPEM, certPEM, keyPEM []byte, opts ...Option) (*NodeAgent, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	n := &NodeAgent{
		logger:           logger.Named("nodeagent").Sugar(),
		caCertPEM:        caCertPEM,
		certPEM:          certPEM,
		keyPEM:           keyPEM,
		heartbeatTimeout: 1 * time.Minute,
		listenAddr:       "0.0.0.0:8080",
		closed:           make(chan struct{}),
	}
	for _, o := range opts {
		o(n)
	}
	n.launcher = &launch.Launcher{Log: n.logger.Named("launcher")}
	n.commandServer = &process.Server{Log: n.logger.Named("command_server")}
	return n, nil
}

// startHeartbeatCheck starts a goroutine that calls the heartbeat failure handler whenever no heartbeat arrived within the timeout.
func (a *NodeAgent) startHeartbeatCheck() {
	a.heartbeatMut.Lock()
	a.lastHeartbeat = time.Now()
	a.heartbeatMut.Unlock()

	go func() {
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-a.closed:
				return
			case <-ticker.C:
			}

			a.heartbeatMut.Lock()
			lastHeartbeat := a.lastHeartbeat
			a.heartbeatMut.Unlock()

			if lastHeartbeat.Add(a.heartbeatTimeout).Before(time.Now()) {
				a.logger.Debugf("no heartbeat since %s", lastHeartbeat)
				if a.heartbeatFailureHandler != nil {
					a.heartbeatFailureHandler()
				}
			}
		}
	}()
}

func (a *NodeAgent) router() http.Handler {
	router := httprouter.New()
	router.GET("/heartbeat", a.heartbeat)
	router.GET("/command", a.commandWS)
	router.POST("/command", a.command)
	return router
}

func (a *NodeAgent) runHTTPServer() error {
	tcpListener, err := net.Listen("tcp", a.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}

	tlsConfig, err := ServerTLSConfig(a.caCertPEM, a.certPEM, a.keyPEM)
	if err != nil {
		tcpListener.Close()
		return fmt.Errorf("building server TLS config: %w", err)
	}

	tlsListener := tls.NewListener(tcpListener, tlsConfig)

	server := &http.Server{Handler: a.router()}
	a.serverMut.Lock()
	select {
	case <-a.closed:
		a.serverMut.Unlock()
		return tlsListener.Close()
	default:
	}
	a.httpServer = server
	a.serverMut.Unlock()

	a.logger.Debugf("listening on %s", tcpListener.Addr())
	err = server.Serve(tlsListener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}

	return err
}

// Run runs the node agent and returns once the node agent has stopped.
func (a *NodeAgent) Run() error {
	a.startHeartbeatCheck()
	return a.runHTTPServer()
}

func (a *NodeAgent) heartbeat(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.heartbeatMut.Lock()
	lastHeartbeat := a.lastHeartbeat
	a.lastHeartbeat = time.Now()
	a.heartbeatMut.Unlock()
	response := struct {
		LastHeartbeat string
	}{
		LastHeartbeat: lastHeartbeat.UTC().Format(time.RFC3339),
	}
	b, err := json.Marshal(response)
	if err != nil {
		a.logger.Debugf("error marshaling heartbeat response: %s", err)
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}

func (a *NodeAgent) commandWS(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.commandServer.ServeHTTP(w, r)
}

func (a *NodeAgent) Stop() error {
	a.closeOnce.Do(func() { close(a.closed) })
	a.serverMut.Lock()
	defer a.serverMut.Unlock()
	if a.httpServer == nil {
		return nil
	}
	return a.httpServer.Close()
}

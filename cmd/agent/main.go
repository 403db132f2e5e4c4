package main

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/guseggert/childrun/agent"
	"github.com/guseggert/childrun/child"
	"github.com/guseggert/childrun/internal/config"
	inet "github.com/guseggert/childrun/internal/net"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "childrun-agent",
		Usage: "an agent that runs commands on this host over mTLS",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Path to a YAML config file. Flags override its values.",
				EnvVars: []string{"CHILDRUN_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "on-heartbeat-failure",
				Usage: "Action to take on a heartbeat failure. One of [shutdown,exit,none].",
			},
			&cli.DurationFlag{
				Name:  "heartbeat-timeout",
				Usage: "Duration to wait for a heartbeat before taking the heartbeat failure action.",
			},
			&cli.StringFlag{
				Name:  "listen-addr",
				Usage: "The address for the HTTP server to listen on. Port 0 picks a free port.",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Minimum log level.",
			},
			&cli.DurationFlag{
				Name:  "command-timeout",
				Usage: "Kill commands run through POST /command after this long.",
			},
			&cli.StringFlag{
				Name:  "stdout",
				Usage: "Default stdout policy. One of [capture,capture-and-forward,forward,discard].",
			},
			&cli.StringFlag{
				Name:  "stderr",
				Usage: "Default stderr policy. One of [capture,capture-and-forward,forward,discard].",
			},
			&cli.StringFlag{
				Name:  "certs-dir",
				Usage: "Dir holding ca.pem, server.pem and server-key.pem, as written by gencerts.",
			},
			&cli.StringFlag{
				Name:  "ca-cert-pem",
				Usage: "The CA cert PEM bytes to use (base64-encoded). Overrides --certs-dir.",
			},
			&cli.StringFlag{
				Name:  "cert-pem",
				Usage: "The cert PEM bytes to use (base64-encoded). Overrides --certs-dir.",
			},
			&cli.StringFlag{
				Name:  "key-pem",
				Usage: "The key PEM bytes to use (base64-encoded). Overrides --certs-dir.",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "gencerts",
				Usage: "generate a CA with server and client certs for the agent and its clients",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "dir",
						Usage:    "Dir to write the certs and keys into.",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "server-name",
						Usage: "DNS name clients verify the agent's cert against.",
						Value: agent.DefaultServerName,
					},
					&cli.StringFlag{
						Name:  "client-name",
						Usage: "Common name of the client cert.",
					},
					&cli.DurationFlag{
						Name:  "validity",
						Usage: "How long the certs are valid for.",
						Value: 7 * 24 * time.Hour,
					},
				},
				Action: func(ctx *cli.Context) error {
					certs, err := agent.GenerateCertsWithOptions(agent.CertOptions{
						ServerName: ctx.String("server-name"),
						ClientName: ctx.String("client-name"),
						Validity:   ctx.Duration("validity"),
					})
					if err != nil {
						return fmt.Errorf("generating certs: %w", err)
					}
					return certs.WriteDir(ctx.String("dir"))
				},
			},
		},
		Action: func(ctx *cli.Context) error {
			cfg, err := config.Load(ctx.String("config"))
			if err != nil {
				return err
			}
			if err := applyFlags(ctx, cfg); err != nil {
				return err
			}

			caCertPEMBytes, certPEMBytes, keyPEMBytes, err := serverPEMs(ctx, cfg)
			if err != nil {
				return err
			}

			var heartbeatFailureHandler func()
			switch cfg.HeartbeatFailureAction() {
			case "shutdown":
				heartbeatFailureHandler = agent.HeartbeatFailureShutdown
			case "exit":
				heartbeatFailureHandler = agent.HeartbeatFailureExit
			case "none":
				// nothing
			default:
				return fmt.Errorf("unsupported on-heartbeat-failure %q", cfg.HeartbeatFailureAction())
			}

			logLevel, err := cfg.LogLevel()
			if err != nil {
				return err
			}

			listenAddr, err := inet.ResolveListenAddr(cfg.Addr())
			if err != nil {
				return fmt.Errorf("resolving listen address: %w", err)
			}
			fmt.Fprintf(os.Stderr, "listening on %s\n", listenAddr)

			a, err := agent.NewNodeAgent(
				caCertPEMBytes,
				certPEMBytes,
				keyPEMBytes,
				agent.WithLogLevel(logLevel),
				agent.WithHeartbeatTimeout(cfg.HeartbeatTimeout()),
				agent.WithListenAddr(listenAddr),
				agent.WithHeartbeatFailureHandler(heartbeatFailureHandler),
				agent.WithDefaultPolicies(cfg.Stdout, cfg.Stderr),
				agent.WithCommandTimeout(cfg.CommandTimeout()),
			)
			if err != nil {
				return fmt.Errorf("building agent: %w", err)
			}

			return a.Run()
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// serverPEMs returns the agent's CA cert, cert and key, from the base64 flags when
// they are set, otherwise from the certs dir.
func serverPEMs(ctx *cli.Context, cfg *config.Config) ([]byte, []byte, []byte, error) {
	if ctx.IsSet("ca-cert-pem") || ctx.IsSet("cert-pem") || ctx.IsSet("key-pem") {
		var pems [3][]byte
		for i, name := range []string{"ca-cert-pem", "cert-pem", "key-pem"} {
			if !ctx.IsSet(name) {
				return nil, nil, nil, fmt.Errorf("--%s is required with the other PEM flags", name)
			}
			b, err := base64.StdEncoding.DecodeString(ctx.String(name))
			if err != nil {
				return nil, nil, nil, fmt.Errorf("decoding --%s: %w", name, err)
			}
			pems[i] = b
		}
		return pems[0], pems[1], pems[2], nil
	}

	if cfg.CertsDir == "" {
		return nil, nil, nil, errors.New("no certs: set --certs-dir, certs_dir in the config, or the PEM flags")
	}
	certs, err := agent.LoadCerts(cfg.CertsDir)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("loading certs: %w", err)
	}
	if certs.Server.CertPEMBytes == nil {
		return nil, nil, nil, fmt.Errorf("no %s in %s", agent.ServerCertFile, cfg.CertsDir)
	}
	return certs.CA.CertPEMBytes, certs.Server.CertPEMBytes, certs.Server.KeyPEMBytes, nil
}

// applyFlags overrides config values with the flags that were set explicitly.
func applyFlags(ctx *cli.Context, cfg *config.Config) error {
	if ctx.IsSet("on-heartbeat-failure") {
		cfg.OnHeartbeatFailure = ctx.String("on-heartbeat-failure")
	}
	if ctx.IsSet("heartbeat-timeout") {
		cfg.RawHeartbeatTimeout = ctx.Duration("heartbeat-timeout").String()
	}
	if ctx.IsSet("certs-dir") {
		cfg.CertsDir = ctx.String("certs-dir")
	}
	if ctx.IsSet("listen-addr") {
		cfg.ListenAddr = ctx.String("listen-addr")
	}
	if ctx.IsSet("log-level") {
		cfg.RawLogLevel = ctx.String("log-level")
	}
	if ctx.IsSet("command-timeout") {
		cfg.RawCommandTimeout = ctx.Duration("command-timeout").String()
	}
	for _, name := range []string{"stdout", "stderr"} {
		if !ctx.IsSet(name) {
			continue
		}
		p, err := child.ParsePolicy(ctx.String(name))
		if err != nil {
			return fmt.Errorf("parsing --%s: %w", name, err)
		}
		if name == "stdout" {
			cfg.Stdout = p
		} else {
			cfg.Stderr = p
		}
	}
	return nil
}

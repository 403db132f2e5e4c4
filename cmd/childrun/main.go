package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guseggert/childrun/child"
	"github.com/guseggert/childrun/internal/config"
	"github.com/guseggert/childrun/launch"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

type jsonResult struct {
	ExitCode int
	Signal   string `json:",omitempty"`
	TimeMS   int64
	Stdout   []byte
	Stderr   []byte
}

func main() {
	app := &cli.App{
		Name:      "childrun",
		Usage:     "run a command, draining its stdout and stderr under separate policies",
		ArgsUsage: "command [args...]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Path to a YAML config file. Flags override its values.",
				EnvVars: []string{"CHILDRUN_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "stdout",
				Usage: "Stdout policy. One of [capture,capture-and-forward,forward,discard].",
			},
			&cli.StringFlag{
				Name:  "stderr",
				Usage: "Stderr policy. One of [capture,capture-and-forward,forward,discard].",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Kill the command and its process group after this long.",
			},
			&cli.StringSliceFlag{
				Name:  "env",
				Usage: "Extra KEY=VALUE environment variables for the command.",
			},
			&cli.StringFlag{
				Name:  "dir",
				Usage: "Working directory for the command.",
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Print the exit status and captured output as JSON instead of writing captures to stdout and stderr.",
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "Log coordinator state transitions to stderr.",
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		var exitErr cli.ExitCoder
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.ExitCode())
		}
		log.Fatal(err)
	}
}

func run(ctx *cli.Context) error {
	if ctx.NArg() == 0 {
		return cli.Exit("no command given", 2)
	}

	cfg, err := config.Load(ctx.String("config"))
	if err != nil {
		return err
	}
	stdoutPolicy, err := policyFlag(ctx, "stdout", cfg.Stdout)
	if err != nil {
		return err
	}
	stderrPolicy, err := policyFlag(ctx, "stderr", cfg.Stderr)
	if err != nil {
		return err
	}
	timeout := cfg.CommandTimeout()
	if ctx.IsSet("timeout") {
		timeout = ctx.Duration("timeout")
	}

	logger := zap.NewNop()
	if ctx.Bool("verbose") {
		logger, err = zap.NewDevelopment()
		if err != nil {
			return fmt.Errorf("building logger: %w", err)
		}
	}
	defer logger.Sync()

	launcher := &launch.Launcher{Log: logger.Named("childrun").Sugar()}
	req := launch.Request{
		Command: ctx.Args().First(),
		Args:    ctx.Args().Tail(),
		Env:     ctx.StringSlice("env"),
		WD:      ctx.String("dir"),
		Stdin:   os.Stdin,
		Stdout:  stdoutPolicy,
		Stderr:  stderrPolicy,
	}

	runCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, timeout)
		defer cancel()
	}

	start := time.Now()
	res, err := launcher.Run(runCtx, req)
	if err != nil {
		return fmt.Errorf("running %s: %w", req.Command, err)
	}

	if ctx.Bool("json") {
		b, err := json.Marshal(jsonResult{
			ExitCode: res.Status.Code,
			Signal:   res.Status.Signal,
			TimeMS:   time.Since(start).Milliseconds(),
			Stdout:   res.Stdout,
			Stderr:   res.Stderr,
		})
		if err != nil {
			return fmt.Errorf("marshaling result: %w", err)
		}
		fmt.Println(string(b))
	} else {
		// CaptureAndForward output was already echoed live.
		if stdoutPolicy == child.CaptureOnly {
			os.Stdout.Write(res.Stdout)
		}
		if stderrPolicy == child.CaptureOnly {
			os.Stderr.Write(res.Stderr)
		}
	}

	if code := exitCode(res.Status); code != 0 {
		return cli.Exit("", code)
	}
	return nil
}

func policyFlag(ctx *cli.Context, name string, fallback child.Policy) (child.Policy, error) {
	if !ctx.IsSet(name) {
		return fallback, nil
	}
	p, err := child.ParsePolicy(ctx.String(name))
	if err != nil {
		return 0, fmt.Errorf("parsing --%s: %w", name, err)
	}
	return p, nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jkaninda/scriptbox/internal/execution"
	"github.com/jkaninda/scriptbox/internal/jsonvalue"
	"github.com/jkaninda/scriptbox/internal/sandbox"
	"github.com/jkaninda/scriptbox/internal/scripts"
	"github.com/jkaninda/scriptbox/internal/security"
	"github.com/jkaninda/scriptbox/internal/storage/memory"
)

var (
	runInput   string
	runTimeout time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run <file>",
	Short: "Validate and execute a script locally, printing its output",
	Long: `run pushes a script through the same validator, sandbox and state machine
as the server, using in-memory storage. --input takes a JSON literal or
@path to read it from a file.`,
	Args: cobra.ExactArgs(1),
	RunE: runLocal,
}

func init() {
	runCmd.Flags().StringVar(&runInput, "input", "null", "input JSON, or @file")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "override the sandbox timeout")
}

// inlineDispatcher runs each job on the caller's goroutine.
type inlineDispatcher struct {
	runner *execution.Runner
}

func (d inlineDispatcher) Enqueue(ctx context.Context, id uuid.UUID) error {
	return d.runner.Handle(ctx, id)
}

func runLocal(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	source, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading script: %w", err)
	}
	input, err := readInput(runInput)
	if err != nil {
		return err
	}

	validator, err := security.NewValidator(security.PolicyFromConfig(&cfg.Security))
	if err != nil {
		return fmt.Errorf("building validator: %w", err)
	}
	timeout := cfg.Sandbox.Timeout()
	if runTimeout > 0 {
		timeout = runTimeout
	}

	store := memory.New()
	engine := sandbox.NewGojaEngine(sandbox.ConfigFrom(cfg.Sandbox), logger)
	runner := execution.NewRunner(store.Scripts(), store.Executions(), validator, engine, timeout, nil, logger)
	scriptSvc := scripts.NewService(store.Scripts(), validator, logger)
	execSvc := execution.NewService(store.Scripts(), store.Executions(), inlineDispatcher{runner}, nil, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	script, err := scriptSvc.Create(ctx, scripts.Input{Name: filepath.Base(args[0]), Content: string(source)})
	if errors.Is(err, security.ErrRejected) {
		return &exitError{code: 2, err: err}
	}
	if err != nil {
		return err
	}
	started, err := execSvc.Start(ctx, script.ID, input)
	if err != nil {
		return err
	}
	done, err := execSvc.Get(ctx, started.ID)
	if err != nil {
		return err
	}

	if done.Output == nil {
		return fmt.Errorf("execution %s (%s): %s", done.Status, done.ErrorKind, done.Error)
	}
	out, err := done.Output.MarshalJSON()
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	if done.ElapsedMs != nil {
		logger.Debug("local run finished", slog.Int64("elapsed_ms", *done.ElapsedMs))
	}
	return nil
}

func readInput(arg string) (jsonvalue.Value, error) {
	raw := []byte(arg)
	if path, ok := strings.CutPrefix(arg, "@"); ok {
		b, err := os.ReadFile(path)
		if err != nil {
			return jsonvalue.Value{}, fmt.Errorf("reading input: %w", err)
		}
		raw = b
	}
	v, err := jsonvalue.Parse(raw)
	if err != nil {
		return jsonvalue.Value{}, fmt.Errorf("parsing input: %w", err)
	}
	return v, nil
}

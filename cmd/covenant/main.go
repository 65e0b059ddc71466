package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/davidahmann/covenant/internal/app"
	"github.com/davidahmann/covenant/internal/config"
	"github.com/davidahmann/covenant/internal/logging"
)

func main() {
	exitFn(run(os.Args[1:], os.Stdout, os.Stderr))
}

var exitFn = os.Exit

// exitError carries a specific exit code. A nil err means the command already reported.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func usageErr(format string, args ...any) error {
	return &exitError{code: 2, err: fmt.Errorf(format, args...)}
}

// denied reports a negative verdict that was already printed.
var denied = &exitError{code: 1}

func run(args []string, stdout, stderr io.Writer) int {
	c := &cli{stdout: stdout, stderr: stderr}
	root := c.rootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err := root.ExecuteContext(ctx)
	if c.logger != nil {
		_ = c.logger.Sync()
	}
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintln(stderr, "error:", ee.err)
		}
		if ee.code == 2 {
			fmt.Fprintln(stderr, "run 'covenant --help' for usage")
		}
		return ee.code
	}
	if strings.HasPrefix(err.Error(), "unknown command") {
		fmt.Fprintln(stderr, "error:", err)
		return 2
	}
	fmt.Fprintln(stderr, "error:", err)
	return 1
}

type cli struct {
	configPath string
	workspace  string
	verbose    bool

	stdout io.Writer
	stderr io.Writer
	logger *zap.Logger
}

func (c *cli) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "covenant",
		Short: "Govern agent proposals with rules, a sandbox and a hash-chained ledger",
		Long: `covenant decides whether agent actions are permitted under a rule catalog,
runs candidate code in a sandbox, drives proposals through validation, scoring and
human approval, and records every decision and transition in a hash-chained ledger.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_ = cmd.Help()
			return &exitError{code: 2}
		},
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", os.Getenv("COVENANT_CONFIG"), "path to covenant config file")
	root.PersistentFlags().StringVar(&c.workspace, "workspace", "", "workspace root used when no config file is given")
	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "enable debug logging")
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &exitError{code: 2, err: err}
	})

	root.AddCommand(
		c.rulesCmd(),
		c.analyzeCmd(),
		c.enforceCmd(),
		c.proposeCmd(),
		c.submitCmd(),
		c.approveCmd(),
		c.rejectCmd(),
		c.resumeCmd(),
		c.statusCmd(),
		c.ledgerCmd(),
		c.sandboxCmd(),
		c.packCmd(),
	)
	return root
}

// loadConfig reads --config, then covenant.yaml in the workspace, then falls back to defaults.
func (c *cli) loadConfig() (config.Config, error) {
	if c.configPath != "" {
		return config.Load(c.configPath)
	}
	ws := c.workspace
	if ws == "" {
		var err error
		if ws, err = os.Getwd(); err != nil {
			return config.Config{}, err
		}
	}
	candidate := filepath.Join(ws, "covenant.yaml")
	if _, err := os.Stat(candidate); err == nil {
		return config.Load(candidate)
	}
	cfg := config.Default(ws)
	return cfg, cfg.Validate()
}

func (c *cli) open(ctx context.Context) (*app.App, error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(logging.Options{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
		Verbose:     c.verbose,
	})
	if err != nil {
		return nil, err
	}
	c.logger = logger
	return app.Build(ctx, cfg, logger)
}

// exactArgs is cobra.ExactArgs with a usage exit code.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return usageErr("%s requires %d argument(s), got %d", cmd.CommandPath(), n, len(args))
		}
		return nil
	}
}

func minArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) < n {
			return usageErr("%s requires at least %d argument(s)", cmd.CommandPath(), n)
		}
		return nil
	}
}

var (
	okColor   = color.New(color.FgGreen, color.Bold)
	failColor = color.New(color.FgRed, color.Bold)
	warnColor = color.New(color.FgYellow)
)

package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/davidahmann/covenant/internal/policy"
	"github.com/davidahmann/covenant/internal/sandbox"
)

func (c *cli) sandboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sandbox",
		Short: "Run code inside the sandbox",
	}
	var spec sandbox.Spec
	runCmd := &cobra.Command{
		Use:   "run <entry> [args...]",
		Short: "Run an entry point in a fresh sandbox work dir",
		Args:  minArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			spec.Entry, spec.Args = args[0], args[1:]
			ctx := policy.WithActor(cmd.Context(), "operator")
			run, err := a.Sandbox.Run(ctx, spec)
			if run != nil {
				fmt.Fprint(c.stdout, run.Stdout)
				fmt.Fprint(c.stderr, run.Stderr)
				fmt.Fprintf(c.stderr, "workdir=%s exit=%d duration=%s truncated=%t\n", run.WorkDir, run.ExitCode, run.Duration, run.Truncated)
				for _, artifact := range run.Artifacts {
					fmt.Fprintf(c.stderr, "artifact %s\n", artifact)
				}
			}
			var timeout *sandbox.SandboxTimeout
			var exit *sandbox.ExecutionError
			switch {
			case errors.As(err, &timeout):
				failColor.Fprintf(c.stderr, "killed: %v\n", err)
				return denied
			case errors.As(err, &exit) && exit.ExitCode > 0:
				return &exitError{code: 1}
			}
			return err
		},
	}
	runCmd.Flags().StringVar(&spec.AgentID, "agent", "", "registered agent the run acts for")
	runCmd.Flags().StringVar(&spec.WorkDir, "workdir", "", "work dir under the sandbox root (default: fresh)")
	runCmd.Flags().DurationVar(&spec.Timeout, "timeout", 0, "run timeout (default from config)")
	runCmd.Flags().SetInterspersed(false)
	cmd.AddCommand(runCmd)
	return cmd
}

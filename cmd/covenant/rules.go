package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/davidahmann/covenant/internal/analyzer"
	"github.com/davidahmann/covenant/internal/policy"
	"github.com/davidahmann/covenant/internal/rules"
)

func (c *cli) rulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect the rule catalog",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "lint <path>",
		Short: "Load a rule catalog and print its rules",
		Args:  exactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			catalog, err := rules.Load(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(c.stdout, "ok rules=%d catalog_hash=%s\n", len(catalog.Rules()), catalog.Hash())
			for _, r := range catalog.Rules() {
				fmt.Fprintf(c.stdout, "  %s: %s\n", r.Name(), r.Description)
			}
			return nil
		},
	})
	return cmd
}

func (c *cli) analyzeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "analyze <file>...",
		Short: "Statically analyze source files for disallowed imports, calls and globals",
		Args:  minArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			a := analyzer.New(analyzer.Options{
				ForbiddenImports: cfg.Analyzer.ForbiddenImports,
				ForbiddenCalls:   cfg.Analyzer.ForbiddenCalls,
				NetworkModules:   cfg.Analyzer.NetworkModules,
				SecretMarkers:    cfg.Analyzer.SecretMarkers,
			})
			return c.analyzeFiles(cmd.Context(), a, args)
		},
	}
}

func (c *cli) analyzeFiles(ctx context.Context, a *analyzer.Analyzer, paths []string) error {
	found := 0
	for _, path := range paths {
		if !a.Supports(path) {
			warnColor.Fprintf(c.stdout, "%s: skipped (unsupported language)\n", path)
			continue
		}
		// #nosec G304 -- path is an operator-provided source file.
		src, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		res, err := a.AnalyzeFile(ctx, path, src)
		if err != nil {
			var pe *analyzer.ParseError
			if errors.As(err, &pe) {
				failColor.Fprintf(c.stdout, "%s: %v\n", path, err)
				found++
				continue
			}
			return err
		}
		for _, v := range res.Violations {
			failColor.Fprintf(c.stdout, "%s:%d: %s\n", path, v.Line, v.Message)
		}
		for _, mod := range res.NetworkImports {
			warnColor.Fprintf(c.stdout, "%s: network import %s (requires external_request)\n", path, mod)
		}
		found += len(res.Violations)
	}
	if found > 0 {
		fmt.Fprintf(c.stdout, "%d violation(s)\n", found)
		return denied
	}
	okColor.Fprintln(c.stdout, "no violations")
	return nil
}

func (c *cli) enforceCmd() *cobra.Command {
	var dryRun bool
	var actor string
	cmd := &cobra.Command{
		Use:   "enforce <rule> <subject>",
		Short: "Decide a rule for a subject and record the decision",
		Args:  exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			rule, subject := args[0], args[1]
			if dryRun {
				allowed, r, err := a.Engine.Check(rule, subject)
				if err != nil {
					return err
				}
				return c.verdict(allowed, r.Description, subject)
			}
			ctx := policy.WithActor(cmd.Context(), actor)
			allowed, err := a.Engine.Enforce(ctx, rule, subject)
			var violation *policy.RuleViolation
			if errors.As(err, &violation) {
				return c.verdict(false, violation.Description, subject)
			}
			if err != nil {
				return err
			}
			return c.verdict(allowed, "", subject)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "evaluate without recording a decision")
	cmd.Flags().StringVar(&actor, "actor", "operator", "actor recorded on the decision")
	return cmd
}

func (c *cli) verdict(allowed bool, description, subject string) error {
	if allowed {
		okColor.Fprintf(c.stdout, "allowed %s\n", subject)
		return nil
	}
	failColor.Fprintf(c.stdout, "blocked %s: %s\n", subject, description)
	return denied
}

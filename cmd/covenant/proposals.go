package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/davidahmann/covenant/internal/orchestrator"
	"github.com/davidahmann/covenant/internal/policy"
	"github.com/davidahmann/covenant/internal/proposal"
	"github.com/davidahmann/covenant/internal/store"
	"github.com/davidahmann/covenant/pkg/types"
)

func (c *cli) proposeCmd() *cobra.Command {
	var (
		d             proposal.Draft
		patchPath     string
		rationalePath string
		sources       []string
		tests         []string
	)
	cmd := &cobra.Command{
		Use:   "propose",
		Short: "Create a proposal directory from a patch and its sources",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if d.Topic == "" || d.Summary == "" || patchPath == "" {
				return usageErr("propose requires --topic, --summary and --patch")
			}
			var err error
			if d.Patch, err = readText(patchPath); err != nil {
				return err
			}
			if rationalePath != "" {
				if d.Rationale, err = readText(rationalePath); err != nil {
					return err
				}
			}
			if d.Sources, err = readFiles(sources); err != nil {
				return err
			}
			if d.Tests, err = readFiles(tests); err != nil {
				return err
			}

			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			p, err := a.Manager.Create(cmd.Context(), d)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.stdout, "created %s %s\n", p.ID, p.Dir)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&d.Topic, "topic", "", "proposal topic")
	f.StringVar(&d.Summary, "summary", "", "one-line summary")
	f.Float64Var(&d.Coverage, "coverage", 0, "test coverage as a fraction or a percentage")
	f.StringVar(&d.Risk, "risk", "medium", "risk level: low, medium or high")
	f.StringVar(&d.Proposer, "proposer", "operator", "proposing agent or person")
	f.StringVar(&patchPath, "patch", "", "unified diff file")
	f.StringVar(&rationalePath, "rationale", "", "markdown rationale file")
	f.StringArrayVar(&sources, "source", nil, "candidate source file (repeatable)")
	f.StringArrayVar(&tests, "test", nil, "test file copied into tests/ (repeatable)")
	return cmd
}

func (c *cli) submitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "submit <dir>",
		Short: "Submit a proposal and run it to approval or rejection",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := policy.WithActor(cmd.Context(), "operator")
			id, err := a.Orchestrator.Submit(ctx, args[0])
			if err != nil {
				return err
			}
			if err := a.Orchestrator.Wait(ctx, id); err != nil {
				return err
			}
			view, err := c.view(ctx, a.Orchestrator, id)
			if err != nil {
				return err
			}
			c.printView(view)
			if view.Status == types.StatusRejected {
				return denied
			}
			return nil
		},
	}
}

func (c *cli) approveCmd() *cobra.Command {
	var approver string
	cmd := &cobra.Command{
		Use:   "approve <proposal_id>",
		Short: "Approve a proposal awaiting approval, then test and apply it",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if approver == "" {
				return usageErr("approve requires --approver")
			}
			return c.transition(cmd, args[0], func(o *orchestrator.Orchestrator) error {
				return o.Approve(cmd.Context(), args[0], approver)
			})
		},
	}
	cmd.Flags().StringVar(&approver, "approver", "", "identity of the human approver")
	return cmd
}

func (c *cli) rejectCmd() *cobra.Command {
	var reason, actor string
	cmd := &cobra.Command{
		Use:   "reject <proposal_id>",
		Short: "Reject a proposal awaiting approval",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if reason == "" {
				return usageErr("reject requires --reason")
			}
			return c.transition(cmd, args[0], func(o *orchestrator.Orchestrator) error {
				return o.Reject(cmd.Context(), args[0], actor, reason)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the proposal is rejected")
	cmd.Flags().StringVar(&actor, "actor", "operator", "who rejects the proposal")
	return cmd
}

func (c *cli) resumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <proposal_id>",
		Short: "Re-drive a proposal that stalled before a terminal state",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.transition(cmd, args[0], func(o *orchestrator.Orchestrator) error {
				if err := o.Resume(cmd.Context(), args[0]); err != nil {
					return err
				}
				if err := o.Wait(cmd.Context(), args[0]); err != nil {
					return err
				}
				rec, err := o.Status(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if rec.Status == types.StatusApproved {
					return fmt.Errorf("proposal %s is approved but its patch is not applied", args[0])
				}
				return nil
			})
		},
	}
}

// transition runs op against a freshly opened orchestrator and prints the resulting state.
// Lifecycle violations are verdicts, not failures of the tool.
func (c *cli) transition(cmd *cobra.Command, id string, op func(*orchestrator.Orchestrator) error) error {
	a, err := c.open(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	opErr := op(a.Orchestrator)
	var lv *orchestrator.LifecycleViolation
	if errors.As(opErr, &lv) {
		failColor.Fprintf(c.stdout, "refused %s: %s\n", id, lv.Reason)
		return denied
	}
	view, err := c.view(cmd.Context(), a.Orchestrator, id)
	if err != nil {
		return errors.Join(opErr, err)
	}
	c.printView(view)
	if opErr != nil {
		return opErr
	}
	return nil
}

func (c *cli) statusCmd() *cobra.Command {
	var jsonOut bool
	var filter string
	cmd := &cobra.Command{
		Use:   "status [proposal_id]",
		Short: "Show one proposal, or list proposals",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if len(args) == 0 {
				recs, err := a.Store.ListProposals(types.ProposalStatus(filter))
				if err != nil {
					return err
				}
				for _, rec := range recs {
					fmt.Fprintf(c.stdout, "%s\t%s\t%.2f\n", rec.ProposalID, rec.Status, rec.Coverage)
				}
				return nil
			}

			view, err := c.view(cmd.Context(), a.Orchestrator, args[0])
			if errors.Is(err, store.ErrNotFound) {
				fmt.Fprintf(c.stderr, "unknown proposal %s\n", args[0])
				return denied
			}
			if err != nil {
				return err
			}
			if jsonOut {
				enc := json.NewEncoder(c.stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(view)
			}
			c.printView(view)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print JSON")
	cmd.Flags().StringVar(&filter, "status", "", "only list proposals in this status")
	return cmd
}

type proposalView struct {
	ProposalID string                  `json:"proposal_id"`
	Status     types.ProposalStatus    `json:"status"`
	Coverage   float64                 `json:"coverage"`
	Approver   string                  `json:"approver,omitempty"`
	Reason     string                  `json:"reason,omitempty"`
	UpdatedAt  string                  `json:"updated_at"`
	Report     *types.ValidationReport `json:"report,omitempty"`
	Evaluation *types.Evaluation       `json:"evaluation,omitempty"`
}

func (c *cli) view(ctx context.Context, o *orchestrator.Orchestrator, id string) (proposalView, error) {
	rec, err := o.Status(ctx, id)
	if err != nil {
		return proposalView{}, err
	}
	v := proposalView{
		ProposalID: rec.ProposalID,
		Status:     rec.Status,
		Coverage:   rec.Coverage,
		UpdatedAt:  rec.UpdatedAt,
	}
	if rec.Approver != nil {
		v.Approver = *rec.Approver
	}
	if rec.Reason != nil {
		v.Reason = *rec.Reason
	}
	if report, err := o.Report(id); err == nil {
		v.Report = &report
	}
	if ev, ok := o.Evaluation(id); ok {
		v.Evaluation = &ev
	}
	return v, nil
}

func (c *cli) printView(v proposalView) {
	status := okColor
	switch v.Status {
	case types.StatusRejected:
		status = failColor
	case types.StatusAwaitingApproval, types.StatusApproved:
		status = warnColor
	}
	fmt.Fprintf(c.stdout, "%s ", v.ProposalID)
	status.Fprintln(c.stdout, string(v.Status))
	fmt.Fprintf(c.stdout, "  coverage: %.2f\n", v.Coverage)
	if v.Approver != "" {
		fmt.Fprintf(c.stdout, "  approver: %s\n", v.Approver)
	}
	if v.Reason != "" {
		fmt.Fprintf(c.stdout, "  reason: %s\n", v.Reason)
	}
	if v.Evaluation != nil {
		fmt.Fprintf(c.stdout, "  grade: %s\n", v.Evaluation.Grade)
	}
	if v.Report != nil {
		for _, issue := range v.Report.Issues {
			fmt.Fprintf(c.stdout, "  issue: %s\n", issue)
		}
	}
}

func readText(path string) (string, error) {
	// #nosec G304 -- operator-provided input file.
	data, err := os.ReadFile(path)
	return string(data), err
}

// readFiles loads each path keyed by its base name.
func readFiles(paths []string) (map[string][]byte, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	out := make(map[string][]byte, len(paths))
	for _, path := range paths {
		// #nosec G304 -- operator-provided input file.
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		out[filepath.Base(path)] = data
	}
	return out, nil
}

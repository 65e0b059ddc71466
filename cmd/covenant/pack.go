package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/davidahmann/covenant/internal/ledger"
	"github.com/davidahmann/covenant/internal/pack"
	"github.com/davidahmann/covenant/internal/policy"
	"github.com/davidahmann/covenant/pkg/types"
)

func (c *cli) packCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "pack <proposal_id>",
		Short: "Write an evidence zip for a proposal",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			id := args[0]
			view, err := c.view(cmd.Context(), a.Orchestrator, id)
			if err != nil {
				return err
			}
			rec, err := a.Store.GetProposal(id)
			if err != nil {
				return err
			}
			artifacts, err := pack.ReadArtifacts(rec.Dir)
			if err != nil {
				return err
			}
			// #nosec G304 -- rules path comes from the loaded config.
			rulesRaw, err := os.ReadFile(a.Config.RulesPath)
			if err != nil {
				return err
			}
			var entries []types.LedgerEntry
			for e, err := range ledger.Entries(a.Ledger.Path()) {
				if err != nil {
					return err
				}
				if e.ProposalID == id {
					entries = append(entries, e)
				}
			}

			data, err := pack.BuildZip(pack.Input{
				Record: pack.Record{
					ProposalID: view.ProposalID,
					Status:     view.Status,
					Approver:   view.Approver,
					Reason:     view.Reason,
					Coverage:   view.Coverage,
					CreatedAt:  rec.CreatedAt,
					UpdatedAt:  rec.UpdatedAt,
				},
				Report:     view.Report,
				Evaluation: view.Evaluation,
				Entries:    entries,
				Rules:      rulesRaw,
				Artifacts:  artifacts,
				CreatedAt:  time.Now().UTC().Format(time.RFC3339),
			})
			if err != nil {
				return err
			}

			if out == "" {
				out = filepath.Join(filepath.Dir(a.Config.Ledger.Path), "packs", id+".zip")
			}
			ctx := policy.WithProposal(policy.WithActor(cmd.Context(), "operator"), id)
			if err := a.Writer.WriteFile(ctx, out, data, 0o600); err != nil {
				return err
			}
			fmt.Fprintf(c.stdout, "wrote %s (%d entries)\n", out, len(entries))
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "output zip path inside an allowed write root (default ledger/packs/<id>.zip)")
	return cmd
}

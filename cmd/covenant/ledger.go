package main

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/davidahmann/covenant/internal/crypto"
	"github.com/davidahmann/covenant/internal/ledger"
)

func (c *cli) ledgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Read and verify the decision ledger",
	}
	cmd.AddCommand(c.ledgerListCmd(), c.ledgerVerifyCmd())
	return cmd
}

func (c *cli) ledgerListCmd() *cobra.Command {
	var proposalID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Print ledger entries in order",
		Args:  exactArgs(0),
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			for e, err := range ledger.Entries(cfg.Ledger.Path) {
				if err != nil {
					return err
				}
				if proposalID != "" && e.ProposalID != proposalID {
					continue
				}
				what := e.Status
				if e.Decision != nil {
					what = fmt.Sprintf("%s %s %s", e.Decision.Rule, e.Decision.Outcome, e.Decision.Context)
				}
				fmt.Fprintf(c.stdout, "%d\t%s\t%s\t%s\t%s\t%s\n", e.Seq, e.RecordedAt, e.Kind, e.ProposalID, e.Actor, what)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&proposalID, "proposal", "", "only entries for this proposal")
	return cmd
}

func (c *cli) ledgerVerifyCmd() *cobra.Command {
	var proposalID, dir string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the hash chain, and optionally a proposal's artifacts",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			var pub ed25519.PublicKey
			if cfg.Ledger.SigningKeyPath != "" {
				if _, pub, err = crypto.LoadEd25519PrivateKey(cfg.Ledger.SigningKeyPath); err != nil {
					return err
				}
			}

			report, err := ledger.VerifyChain(cfg.Ledger.Path, pub)
			var chainErr *ledger.ChainError
			if errors.As(err, &chainErr) {
				failColor.Fprintf(c.stdout, "chain broken at seq %d: %s\n", chainErr.Seq, chainErr.Reason)
				return denied
			}
			if err != nil {
				return err
			}
			okColor.Fprintf(c.stdout, "chain ok entries=%d signed=%d last_hash=%s\n", report.Entries, report.Signed, report.LastHash)

			if proposalID == "" {
				return nil
			}
			if dir == "" {
				dir = filepath.Join(cfg.ProposalsRoot, proposalID)
			}
			entry, err := ledger.VerifyProposal(cmd.Context(), cfg.Ledger.Path, proposalID, dir)
			if errors.Is(err, ledger.ErrDigestMismatch) {
				failColor.Fprintf(c.stdout, "proposal %s modified since seq %d\n", proposalID, entry.Seq)
				return denied
			}
			if err != nil {
				return err
			}
			okColor.Fprintf(c.stdout, "proposal %s matches %s\n", proposalID, entry.ContentDigest)
			return nil
		},
	}
	cmd.Flags().StringVar(&proposalID, "proposal", "", "proposal whose artifacts are re-digested")
	cmd.Flags().StringVar(&dir, "dir", "", "proposal directory (default proposals_root/<id>)")
	return cmd
}

package ledger

import (
	"context"
	"crypto/ed25519"
	"fmt"

	"github.com/davidahmann/covenant/internal/crypto"
	"github.com/davidahmann/covenant/pkg/types"
)

// Report summarizes a successful chain verification.
type Report struct {
	Entries  int
	Signed   int
	LastSeq  int64
	LastHash string
}

// ChainError names the first entry at which verification failed.
type ChainError struct {
	Seq    int64
	Reason string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("ledger: chain broken at seq %d: %s", e.Seq, e.Reason)
}

func (e *ChainError) Unwrap() error { return ErrChainBroken }

// VerifyChain recomputes every entry_hash and checks sequence numbers and
// prev_hash links. When pub is non-nil every entry must carry a valid
// signature from it.
func VerifyChain(path string, pub ed25519.PublicKey) (Report, error) {
	rep := Report{LastHash: GenesisHash}
	for e, err := range Entries(path) {
		if err != nil {
			return rep, err
		}
		if err := verifyEntry(e, rep, pub); err != nil {
			return rep, err
		}
		if pub != nil {
			rep.Signed++
		}
		rep.Entries++
		rep.LastSeq = e.Seq
		rep.LastHash = e.EntryHash
	}
	return rep, nil
}

func verifyEntry(e types.LedgerEntry, prev Report, pub ed25519.PublicKey) error {
	if e.Seq != prev.LastSeq+1 {
		return &ChainError{Seq: e.Seq, Reason: fmt.Sprintf("expected seq %d", prev.LastSeq+1)}
	}
	if e.PrevHash != prev.LastHash {
		return &ChainError{Seq: e.Seq, Reason: "prev_hash does not match previous entry"}
	}
	want, err := entryHash(e)
	if err != nil {
		return err
	}
	if want != e.EntryHash {
		return &ChainError{Seq: e.Seq, Reason: "entry_hash mismatch"}
	}
	if pub == nil {
		return nil
	}
	if len(e.Sig) == 0 {
		return &ChainError{Seq: e.Seq, Reason: "missing signature"}
	}
	raw, err := crypto.ParseDigest(e.EntryHash)
	if err != nil {
		return &ChainError{Seq: e.Seq, Reason: err.Error()}
	}
	ok, err := crypto.VerifyEd25519(pub, raw, e.Sig)
	if err != nil {
		return &ChainError{Seq: e.Seq, Reason: err.Error()}
	}
	if !ok {
		return &ChainError{Seq: e.Seq, Reason: "signature invalid"}
	}
	return nil
}

// VerifyProposal re-digests dir and compares it with the latest digest the
// ledger holds for proposalID.
func VerifyProposal(ctx context.Context, path, proposalID, dir string) (types.LedgerEntry, error) {
	latest, err := Latest(path, proposalID)
	if err != nil {
		return types.LedgerEntry{}, err
	}
	digest, err := DigestDir(ctx, dir)
	if err != nil {
		return latest, err
	}
	if digest != latest.ContentDigest {
		return latest, fmt.Errorf("%w: %s recorded %s at seq %d, found %s",
			ErrDigestMismatch, proposalID, latest.ContentDigest, latest.Seq, digest)
	}
	return latest, nil
}

// VerifyProposal checks dir against the latest digest l holds for proposalID.
func (l *Ledger) VerifyProposal(ctx context.Context, proposalID, dir string) (types.LedgerEntry, error) {
	return VerifyProposal(ctx, l.path, proposalID, dir)
}

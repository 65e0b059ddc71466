package ledger

import "errors"

var (
	// ErrDigestMismatch means an artifact directory no longer matches the
	// content digest recorded for it.
	ErrDigestMismatch = errors.New("ledger: content digest mismatch")

	// ErrChainBroken means an entry's sequence, prev_hash, entry_hash or
	// signature does not match the chain it sits in.
	ErrChainBroken = errors.New("ledger: chain broken")

	// ErrNoEntries means the ledger holds no entry for the requested proposal.
	ErrNoEntries = errors.New("ledger: no entries for proposal")

	ErrClosed = errors.New("ledger: closed")
)

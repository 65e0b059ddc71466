package types

type EntryKind string

const (
	EntryTransition EntryKind = "transition"
	EntryDecision   EntryKind = "decision"
)

// LedgerEntry is one line of the ledger file.
type LedgerEntry struct {
	Schema        string    `json:"schema"`
	Seq           int64     `json:"seq"`
	Kind          EntryKind `json:"kind"`
	ProposalID    string    `json:"proposal_id,omitempty"`
	Actor         string    `json:"actor"`
	Status        string    `json:"status"`
	ContentDigest string    `json:"content_digest,omitempty"`
	RecordedAt    string    `json:"recorded_at"`
	Decision      *Decision `json:"decision,omitempty"`
	PrevHash      string    `json:"prev_hash"`
	EntryHash     string    `json:"entry_hash"`
	KeyID         string    `json:"key_id,omitempty"`
	Sig           []byte    `json:"sig,omitempty"`
}

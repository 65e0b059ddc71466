package orchestrator

import (
	"sync"

	"github.com/davidahmann/covenant/internal/store"
)

// recordApplied persists the apply reference on the proposal record in its own transaction.
func (o *Orchestrator) recordApplied(proposalID, ref string) error {
	return o.store.WithTx(func(tx store.Tx) error {
		rec, err := tx.GetProposal(proposalID)
		if err != nil {
			return err
		}
		rec.AppliedRef = &ref
		rec.UpdatedAt = o.timestamp()
		return tx.PutProposal(rec)
	})
}

// guard admits one operator action per proposal at a time.
type guard struct {
	mu   sync.Mutex
	busy map[string]struct{}
}

func newGuard() *guard {
	return &guard{busy: make(map[string]struct{})}
}

func (g *guard) acquire(proposalID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.busy[proposalID]; ok {
		return false
	}
	g.busy[proposalID] = struct{}{}
	return true
}

func (g *guard) release(proposalID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.busy, proposalID)
}

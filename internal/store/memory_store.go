package store

import (
	"slices"
	"strings"
	"sync"

	"github.com/davidahmann/covenant/pkg/types"
)

type InMemoryStore struct {
	mu sync.Mutex

	proposals map[string]ProposalRecord
	outbox    map[string]NotificationRecord
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		proposals: make(map[string]ProposalRecord),
		outbox:    make(map[string]NotificationRecord),
	}
}

// WithTx holds the store lock for the duration of fn. Writes made before fn
// returns an error are kept; callers only rely on isolation here.
func (s *InMemoryStore) WithTx(fn func(Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn((*memTx)(s))
}

func (s *InMemoryStore) Close() error { return nil }

type memTx InMemoryStore

func (s *InMemoryStore) PutProposal(rec ProposalRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (*memTx)(s).PutProposal(rec)
}

func (s *InMemoryStore) GetProposal(proposalID string) (ProposalRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (*memTx)(s).GetProposal(proposalID)
}

func (s *InMemoryStore) ListProposals(status types.ProposalStatus) ([]ProposalRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []ProposalRecord{}
	for _, rec := range s.proposals {
		if status != "" && rec.Status != status {
			continue
		}
		out = append(out, cloneProposal(rec))
	}
	slices.SortFunc(out, func(a, b ProposalRecord) int {
		if c := strings.Compare(a.CreatedAt, b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ProposalID, b.ProposalID)
	})
	return out, nil
}

func (s *InMemoryStore) PutNotification(rec NotificationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (*memTx)(s).PutNotification(rec)
}

func (s *InMemoryStore) GetNotification(notificationID string) (NotificationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (*memTx)(s).GetNotification(notificationID)
}

func (s *InMemoryStore) ListNotificationsDue(now string, limit int) ([]NotificationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []NotificationRecord{}
	for _, rec := range s.outbox {
		if rec.Status != NotificationPending {
			continue
		}
		if rec.NextAttemptAt > now {
			continue
		}
		out = append(out, cloneNotification(rec))
	}
	slices.SortFunc(out, func(a, b NotificationRecord) int {
		if c := strings.Compare(a.CreatedAt, b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.NotificationID, b.NotificationID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memTx) PutProposal(rec ProposalRecord) error {
	(*InMemoryStore)(t).proposals[rec.ProposalID] = cloneProposal(rec)
	return nil
}

func (t *memTx) GetProposal(proposalID string) (ProposalRecord, error) {
	rec, ok := (*InMemoryStore)(t).proposals[proposalID]
	if !ok {
		return ProposalRecord{}, ErrNotFound
	}
	return cloneProposal(rec), nil
}

func (t *memTx) PutNotification(rec NotificationRecord) error {
	(*InMemoryStore)(t).outbox[rec.NotificationID] = cloneNotification(rec)
	return nil
}

func (t *memTx) GetNotification(notificationID string) (NotificationRecord, error) {
	rec, ok := (*InMemoryStore)(t).outbox[notificationID]
	if !ok {
		return NotificationRecord{}, ErrNotFound
	}
	return cloneNotification(rec), nil
}

func cloneProposal(rec ProposalRecord) ProposalRecord {
	rec.ReportJSON = slices.Clone(rec.ReportJSON)
	return rec
}

func cloneNotification(rec NotificationRecord) NotificationRecord {
	rec.PayloadJSON = slices.Clone(rec.PayloadJSON)
	return rec
}

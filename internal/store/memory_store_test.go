package store

import (
	"errors"
	"testing"

	"github.com/davidahmann/covenant/pkg/types"
)

func strPtr(s string) *string { return &s }

func TestInMemoryStoreProposals(t *testing.T) {
	s := NewInMemoryStore()

	if _, err := s.GetProposal("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	recs := []ProposalRecord{
		{ProposalID: "p2", Dir: "/w/proposals/p2", Status: types.StatusCreated, Coverage: 0.95, CreatedAt: "2025-12-20T00:00:02Z", UpdatedAt: "2025-12-20T00:00:02Z"},
		{ProposalID: "p1", Dir: "/w/proposals/p1", Status: types.StatusAwaitingApproval, Coverage: 0.91, CreatedAt: "2025-12-20T00:00:01Z", UpdatedAt: "2025-12-20T00:00:01Z"},
		{ProposalID: "p3", Dir: "/w/proposals/p3", Status: types.StatusCreated, CreatedAt: "2025-12-20T00:00:03Z", UpdatedAt: "2025-12-20T00:00:03Z"},
	}
	for _, rec := range recs {
		if err := s.PutProposal(rec); err != nil {
			t.Fatalf("put proposal: %v", err)
		}
	}

	all, err := s.ListProposals("")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 || all[0].ProposalID != "p1" || all[2].ProposalID != "p3" {
		t.Fatalf("unexpected order: %+v", all)
	}

	created, err := s.ListProposals(types.StatusCreated)
	if err != nil {
		t.Fatalf("list created: %v", err)
	}
	if len(created) != 2 {
		t.Fatalf("expected 2 created proposals, got %d", len(created))
	}

	update := recs[1]
	update.Status = types.StatusApproved
	update.Approver = strPtr("alice")
	update.ReportJSON = []byte(`{"compliant":true}`)
	if err := s.PutProposal(update); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := s.GetProposal("p1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != types.StatusApproved || got.Approver == nil || *got.Approver != "alice" {
		t.Fatalf("update not visible: %+v", got)
	}

	got.ReportJSON[0] = 'X'
	again, _ := s.GetProposal("p1")
	if string(again.ReportJSON) != `{"compliant":true}` {
		t.Fatalf("stored report aliased caller slice: %s", again.ReportJSON)
	}
}

func TestInMemoryStoreNotificationsDue(t *testing.T) {
	s := NewInMemoryStore()

	put := func(id, status, next, created string) {
		t.Helper()
		rec := NotificationRecord{
			NotificationID: id,
			ProposalID:     "p1",
			Channel:        "approvals",
			PayloadJSON:    []byte(`{"proposal_id":"p1"}`),
			Status:         status,
			NextAttemptAt:  next,
			CreatedAt:      created,
			UpdatedAt:      created,
		}
		if err := s.PutNotification(rec); err != nil {
			t.Fatalf("put notification: %v", err)
		}
	}
	put("n2", NotificationPending, "2025-12-20T00:00:00Z", "2025-12-20T00:00:02Z")
	put("n1", NotificationPending, "2025-12-20T00:00:00Z", "2025-12-20T00:00:01Z")
	put("n3", NotificationPending, "2025-12-20T01:00:00Z", "2025-12-20T00:00:03Z")
	put("n4", NotificationSent, "2025-12-20T00:00:00Z", "2025-12-20T00:00:00Z")

	due, err := s.ListNotificationsDue("2025-12-20T00:30:00Z", 10)
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(due) != 2 || due[0].NotificationID != "n1" || due[1].NotificationID != "n2" {
		t.Fatalf("unexpected due set: %+v", due)
	}

	limited, _ := s.ListNotificationsDue("2025-12-20T02:00:00Z", 1)
	if len(limited) != 1 || limited[0].NotificationID != "n1" {
		t.Fatalf("limit not applied: %+v", limited)
	}

	if _, err := s.GetNotification("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestInMemoryStoreWithTx(t *testing.T) {
	s := NewInMemoryStore()
	err := s.WithTx(func(tx Tx) error {
		if err := tx.PutProposal(ProposalRecord{ProposalID: "p1", Status: types.StatusCreated}); err != nil {
			return err
		}
		if err := tx.PutNotification(NotificationRecord{NotificationID: "n1", ProposalID: "p1", Status: NotificationPending}); err != nil {
			return err
		}
		rec, err := tx.GetProposal("p1")
		if err != nil {
			return err
		}
		if rec.Status != types.StatusCreated {
			t.Fatalf("unexpected status in tx: %s", rec.Status)
		}
		_, err = tx.GetNotification("n1")
		return err
	})
	if err != nil {
		t.Fatalf("withtx: %v", err)
	}

	boom := errors.New("boom")
	if err := s.WithTx(func(Tx) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}

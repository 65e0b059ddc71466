// Package notify delivers approval requests through a persisted outbox with bounded backoff.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/davidahmann/covenant/internal/logging"
	"github.com/davidahmann/covenant/internal/store"
	"github.com/davidahmann/covenant/pkg/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ApprovalRequest is the payload of an approval notification.
type ApprovalRequest struct {
	ProposalID  string  `json:"proposal_id"`
	Topic       string  `json:"topic"`
	Summary     string  `json:"summary"`
	Coverage    float64 `json:"coverage"`
	Risk        string  `json:"risk,omitempty"`
	Grade       string  `json:"grade,omitempty"`
	ReportID    string  `json:"report_id,omitempty"`
	RequestedAt string  `json:"requested_at"`
}

type Notifier interface {
	Notify(ctx context.Context, channel string, req ApprovalRequest) error
}

var namespace = uuid.MustParse("6f1c7f0e-3c2a-4d8e-9a53-6b8f1d2e4c70")

// NotificationID is stable per proposal so that enqueueing twice is a no-op.
func NotificationID(proposalID string) string {
	return uuid.NewSHA1(namespace, []byte("approval:"+proposalID)).String()
}

// Enqueue stores a pending notification due immediately. An existing notification for the
// same proposal is returned unchanged.
func Enqueue(st store.Store, channel string, req ApprovalRequest, now time.Time) (store.NotificationRecord, error) {
	if st == nil {
		return store.NotificationRecord{}, fmt.Errorf("missing store")
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return store.NotificationRecord{}, err
	}
	ts := now.UTC().Format(time.RFC3339)
	rec := store.NotificationRecord{
		NotificationID: NotificationID(req.ProposalID),
		ProposalID:     req.ProposalID,
		Channel:        channel,
		PayloadJSON:    payload,
		Status:         store.NotificationPending,
		NextAttemptAt:  ts,
		CreatedAt:      ts,
		UpdatedAt:      ts,
	}
	err = st.WithTx(func(tx store.Tx) error {
		existing, err := tx.GetNotification(rec.NotificationID)
		if err == nil {
			rec = existing
			return nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		return tx.PutNotification(rec)
	})
	return rec, err
}

// ProcessDue delivers due pending notifications. Failed deliveries are rescheduled with
// exponential backoff; notifications for proposals no longer awaiting approval are closed
// without delivery.
func ProcessDue(ctx context.Context, st store.Store, n Notifier, now time.Time, limit int) (int, error) {
	if st == nil {
		return 0, fmt.Errorf("missing store")
	}
	if n == nil {
		return 0, nil
	}
	if limit <= 0 {
		limit = 50
	}
	ts := now.UTC().Format(time.RFC3339)

	due, err := st.ListNotificationsDue(ts, limit)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, rec := range due {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		if rec.Status != store.NotificationPending {
			continue
		}

		if p, err := st.GetProposal(rec.ProposalID); err == nil && p.Status != types.StatusAwaitingApproval {
			if err := st.PutNotification(closeOut(rec, ts, "superseded: proposal is "+string(p.Status))); err != nil {
				return processed, err
			}
			processed++
			continue
		}

		var req ApprovalRequest
		if err := json.Unmarshal(rec.PayloadJSON, &req); err != nil {
			// Undeliverable; close it rather than retry forever.
			if err := st.PutNotification(closeOut(rec, ts, "invalid payload_json: "+err.Error())); err != nil {
				return processed, err
			}
			processed++
			continue
		}

		if err := n.Notify(ctx, rec.Channel, req); err != nil {
			next := nextAttempt(rec.AttemptCount)
			rec.AttemptCount++
			rec.NextAttemptAt = now.UTC().Add(next).Format(time.RFC3339)
			msg := err.Error()
			rec.LastError = &msg
			rec.UpdatedAt = ts
			if err := st.PutNotification(rec); err != nil {
				return processed, err
			}
			processed++
			continue
		}

		if err := st.PutNotification(closeOut(rec, ts, "")); err != nil {
			return processed, err
		}
		processed++
	}
	return processed, nil
}

func closeOut(rec store.NotificationRecord, ts, reason string) store.NotificationRecord {
	rec.Status = store.NotificationSent
	sentAt := ts
	rec.SentAt = &sentAt
	rec.UpdatedAt = ts
	if reason != "" {
		rec.LastError = &reason
	}
	return rec
}

func nextAttempt(attemptCount int) time.Duration {
	// 5s, 10s, 20s, 40s, 80s, 160s, ... capped at 5m.
	base := 5 * time.Second
	if attemptCount <= 0 {
		return base
	}
	if attemptCount > 16 {
		return 5 * time.Minute
	}
	d := base << attemptCount
	max := 5 * time.Minute
	if d > max {
		return max
	}
	return d
}

// RunWorker polls and delivers due notifications until ctx is cancelled.
func RunWorker(ctx context.Context, st store.Store, n Notifier, pollInterval time.Duration, logger *zap.Logger) {
	logger = logging.OrNop(logger)
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			processed, err := ProcessDue(ctx, st, n, now, 25)
			if err != nil && ctx.Err() == nil {
				logger.Warn("notification outbox pass failed", zap.Error(err))
			} else if processed > 0 {
				logger.Debug("notification outbox pass", zap.Int("processed", processed))
			}
		}
	}
}

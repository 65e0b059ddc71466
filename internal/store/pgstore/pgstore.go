package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/davidahmann/covenant/internal/store"
	"github.com/davidahmann/covenant/pkg/types"
)

const proposalSelect = `SELECT proposal_id, dir, status, approver, reason, coverage, report_json::text, applied_ref, created_at::text, updated_at::text
FROM covenant_proposals`

const notificationSelect = `SELECT notification_id, proposal_id, channel, payload_json::text, status, attempt_count, next_attempt_at::text, last_error, sent_at::text, created_at::text, updated_at::text
FROM covenant_notification_outbox`

type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

func OpenPostgres(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return New(db), nil
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) WithTx(fn func(store.Tx) error) error {
	tx, err := s.db.BeginTx(context.Background(), &sql.TxOptions{})
	if err != nil {
		return err
	}
	if err := fn(&Tx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) PutProposal(rec store.ProposalRecord) error {
	return s.WithTx(func(tx store.Tx) error { return tx.PutProposal(rec) })
}

func (s *Store) GetProposal(proposalID string) (store.ProposalRecord, error) {
	return scanProposalRow(s.db.QueryRow(proposalSelect+` WHERE proposal_id = $1`, proposalID))
}

func (s *Store) ListProposals(status types.ProposalStatus) ([]store.ProposalRecord, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if status == "" {
		rows, err = s.db.Query(proposalSelect + `
ORDER BY created_at ASC, proposal_id ASC`)
	} else {
		rows, err = s.db.Query(proposalSelect+`
WHERE status = $1
ORDER BY created_at ASC, proposal_id ASC`, string(status))
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []store.ProposalRecord{}
	for rows.Next() {
		rec, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) PutNotification(rec store.NotificationRecord) error {
	return s.WithTx(func(tx store.Tx) error { return tx.PutNotification(rec) })
}

func (s *Store) GetNotification(notificationID string) (store.NotificationRecord, error) {
	return scanNotificationRow(s.db.QueryRow(notificationSelect+` WHERE notification_id = $1`, notificationID))
}

func (s *Store) ListNotificationsDue(now string, limit int) ([]store.NotificationRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(notificationSelect+`
WHERE status = 'pending' AND next_attempt_at <= $1::timestamptz
ORDER BY created_at ASC, notification_id ASC
LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []store.NotificationRecord{}
	for rows.Next() {
		rec, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type Tx struct {
	tx *sql.Tx
}

func (t *Tx) PutProposal(rec store.ProposalRecord) error {
	if rec.ProposalID == "" {
		return errors.New("missing proposal_id")
	}
	var report *string
	if rec.ReportJSON != nil {
		if !json.Valid(rec.ReportJSON) {
			return errors.New("invalid report_json")
		}
		r := string(rec.ReportJSON)
		report = &r
	}
	_, err := t.tx.Exec(
		`INSERT INTO covenant_proposals(proposal_id, dir, status, approver, reason, coverage, report_json, applied_ref, created_at, updated_at)
VALUES($1,$2,$3,$4,$5,$6,$7::jsonb,$8,$9::timestamptz,$10::timestamptz)
ON CONFLICT(proposal_id) DO UPDATE SET
  dir=excluded.dir,
  status=excluded.status,
  approver=COALESCE(excluded.approver, covenant_proposals.approver),
  reason=COALESCE(excluded.reason, covenant_proposals.reason),
  coverage=excluded.coverage,
  report_json=COALESCE(excluded.report_json, covenant_proposals.report_json),
  applied_ref=COALESCE(excluded.applied_ref, covenant_proposals.applied_ref),
  updated_at=excluded.updated_at`,
		rec.ProposalID,
		rec.Dir,
		string(rec.Status),
		rec.Approver,
		rec.Reason,
		rec.Coverage,
		report,
		rec.AppliedRef,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	return err
}

func (t *Tx) GetProposal(proposalID string) (store.ProposalRecord, error) {
	return scanProposalRow(t.tx.QueryRow(proposalSelect+` WHERE proposal_id = $1`, proposalID))
}

func (t *Tx) PutNotification(rec store.NotificationRecord) error {
	if !json.Valid(rec.PayloadJSON) {
		return errors.New("invalid payload_json")
	}
	_, err := t.tx.Exec(
		`INSERT INTO covenant_notification_outbox(notification_id, proposal_id, channel, payload_json, status, attempt_count, next_attempt_at, last_error, sent_at, created_at, updated_at)
VALUES($1,$2,$3,$4::jsonb,$5,$6,$7::timestamptz,$8,$9::timestamptz,$10::timestamptz,$11::timestamptz)
ON CONFLICT(notification_id) DO UPDATE SET
  status=excluded.status,
  attempt_count=excluded.attempt_count,
  next_attempt_at=excluded.next_attempt_at,
  last_error=excluded.last_error,
  sent_at=excluded.sent_at,
  updated_at=excluded.updated_at`,
		rec.NotificationID,
		rec.ProposalID,
		rec.Channel,
		string(rec.PayloadJSON),
		rec.Status,
		rec.AttemptCount,
		rec.NextAttemptAt,
		rec.LastError,
		rec.SentAt,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	return err
}

func (t *Tx) GetNotification(notificationID string) (store.NotificationRecord, error) {
	return scanNotificationRow(t.tx.QueryRow(notificationSelect+` WHERE notification_id = $1`, notificationID))
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProposalRow(row *sql.Row) (store.ProposalRecord, error) {
	rec, err := scanProposal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ProposalRecord{}, store.ErrNotFound
	}
	return rec, err
}

func scanNotificationRow(row *sql.Row) (store.NotificationRecord, error) {
	rec, err := scanNotification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.NotificationRecord{}, store.ErrNotFound
	}
	return rec, err
}

func scanProposal(row scanner) (store.ProposalRecord, error) {
	var (
		rec    store.ProposalRecord
		status string
		report *string
	)
	if err := row.Scan(&rec.ProposalID, &rec.Dir, &status, &rec.Approver, &rec.Reason, &rec.Coverage, &report, &rec.AppliedRef, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return store.ProposalRecord{}, err
	}
	rec.Status = types.ProposalStatus(status)
	if report != nil {
		rec.ReportJSON = []byte(*report)
	}
	return rec, nil
}

func scanNotification(row scanner) (store.NotificationRecord, error) {
	var (
		rec     store.NotificationRecord
		payload string
	)
	if err := row.Scan(&rec.NotificationID, &rec.ProposalID, &rec.Channel, &payload, &rec.Status, &rec.AttemptCount, &rec.NextAttemptAt, &rec.LastError, &rec.SentAt, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return store.NotificationRecord{}, fmt.Errorf("scan notification: %w", err)
	}
	rec.PayloadJSON = []byte(payload)
	return rec, nil
}

package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/davidahmann/covenant/internal/store"
	"github.com/davidahmann/covenant/pkg/types"
)

const proposalColumns = `proposal_id, dir, status, approver, reason, coverage, report_json, applied_ref, created_at, updated_at`

const notificationColumns = `notification_id, proposal_id, channel, payload_json, status, attempt_count, next_attempt_at, last_error, sent_at, created_at, updated_at`

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryRow(query string, args ...any) *sql.Row
	Exec(query string, args ...any) (sql.Result, error)
}

type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// OpenSQLite opens dsn with foreign keys enforced on every pooled
// connection.
func OpenSQLite(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", withForeignKeys(dsn))
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return New(db), nil
}

func withForeignKeys(dsn string) string {
	if strings.Contains(dsn, "foreign_keys") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=foreign_keys(1)"
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

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
	return getProposal(s.db, proposalID)
}

func (s *Store) ListProposals(status types.ProposalStatus) ([]store.ProposalRecord, error) {
	query := `SELECT ` + proposalColumns + ` FROM proposals`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at ASC, proposal_id ASC`

	rows, err := s.db.Query(query, args...)
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
	return getNotification(s.db, notificationID)
}

func (s *Store) ListNotificationsDue(now string, limit int) ([]store.NotificationRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`SELECT `+notificationColumns+`
FROM notification_outbox
WHERE status = 'pending' AND next_attempt_at <= ?
ORDER BY created_at ASC, notification_id ASC
LIMIT ?`, now, limit)
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
		return fmt.Errorf("missing proposal_id")
	}
	var report *string
	if rec.ReportJSON != nil {
		r := string(rec.ReportJSON)
		report = &r
	}
	_, err := t.tx.Exec(`INSERT INTO proposals(`+proposalColumns+`)
VALUES(?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(proposal_id) DO UPDATE SET
  dir=excluded.dir,
  status=excluded.status,
  approver=COALESCE(excluded.approver, proposals.approver),
  reason=COALESCE(excluded.reason, proposals.reason),
  coverage=excluded.coverage,
  report_json=COALESCE(excluded.report_json, proposals.report_json),
  applied_ref=COALESCE(excluded.applied_ref, proposals.applied_ref),
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
	return getProposal(t.tx, proposalID)
}

func (t *Tx) PutNotification(rec store.NotificationRecord) error {
	_, err := t.tx.Exec(`INSERT INTO notification_outbox(`+notificationColumns+`)
VALUES(?,?,?,?,?,?,?,?,?,?,?)
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
	return getNotification(t.tx, notificationID)
}

func getProposal(q queryer, proposalID string) (store.ProposalRecord, error) {
	row := q.QueryRow(`SELECT `+proposalColumns+` FROM proposals WHERE proposal_id = ?`, proposalID)
	rec, err := scanProposal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ProposalRecord{}, store.ErrNotFound
	}
	return rec, err
}

func getNotification(q queryer, notificationID string) (store.NotificationRecord, error) {
	row := q.QueryRow(`SELECT `+notificationColumns+` FROM notification_outbox WHERE notification_id = ?`, notificationID)
	rec, err := scanNotification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.NotificationRecord{}, store.ErrNotFound
	}
	return rec, err
}

type scanner interface {
	Scan(dest ...any) error
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
		return store.NotificationRecord{}, err
	}
	rec.PayloadJSON = []byte(payload)
	return rec, nil
}

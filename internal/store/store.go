package store

import (
	"errors"

	"github.com/davidahmann/covenant/pkg/types"
)

var ErrNotFound = errors.New("store: not found")

// Notification outbox statuses.
const (
	NotificationPending = "pending"
	NotificationSent    = "sent"
)

// Store persists proposal lifecycle state and the approval notification
// outbox. Reads outside WithTx see committed state only.
type Store interface {
	WithTx(fn func(Tx) error) error

	PutProposal(rec ProposalRecord) error
	GetProposal(proposalID string) (ProposalRecord, error)
	ListProposals(status types.ProposalStatus) ([]ProposalRecord, error)

	PutNotification(rec NotificationRecord) error
	GetNotification(notificationID string) (NotificationRecord, error)
	ListNotificationsDue(now string, limit int) ([]NotificationRecord, error)

	Close() error
}

type Tx interface {
	PutProposal(rec ProposalRecord) error
	GetProposal(proposalID string) (ProposalRecord, error)

	PutNotification(rec NotificationRecord) error
	GetNotification(notificationID string) (NotificationRecord, error)
}

type ProposalRecord struct {
	ProposalID string
	Dir        string
	Status     types.ProposalStatus
	Approver   *string
	Reason     *string
	Coverage   float64
	ReportJSON []byte
	// AppliedRef is set once the patch has been merged and is never cleared.
	AppliedRef *string
	CreatedAt  string
	UpdatedAt  string
}

type NotificationRecord struct {
	NotificationID string
	ProposalID     string
	Channel        string
	PayloadJSON    []byte
	Status         string // pending | sent
	AttemptCount   int
	NextAttemptAt  string
	LastError      *string
	SentAt         *string
	CreatedAt      string
	UpdatedAt      string
}

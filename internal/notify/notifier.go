package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/davidahmann/covenant/internal/logging"
	"github.com/davidahmann/covenant/internal/policy"
	"go.uber.org/zap"
)

// LogNotifier delivers approval requests to the log.
type LogNotifier struct {
	Logger *zap.Logger
}

func (n LogNotifier) Notify(_ context.Context, channel string, req ApprovalRequest) error {
	logging.OrNop(n.Logger).Info("approval requested",
		zap.String("channel", channel),
		zap.String("proposal_id", req.ProposalID),
		zap.String("topic", req.Topic),
		zap.Float64("coverage", req.Coverage),
		zap.String("grade", req.Grade),
	)
	return nil
}

type inboxLine struct {
	Channel     string          `json:"channel"`
	Request     ApprovalRequest `json:"request"`
	DeliveredAt string          `json:"delivered_at"`
}

// FileNotifier appends one JSON line per approval request to an inbox file through the
// guarded writer.
type FileNotifier struct {
	mu     sync.Mutex
	path   string
	writer *policy.Writer
	now    func() time.Time
}

func NewFileNotifier(path string, w *policy.Writer) *FileNotifier {
	return &FileNotifier{path: path, writer: w, now: time.Now}
}

func (n *FileNotifier) Path() string { return n.path }

func (n *FileNotifier) Notify(ctx context.Context, channel string, req ApprovalRequest) error {
	line, err := json.Marshal(inboxLine{
		Channel:     channel,
		Request:     req,
		DeliveredAt: n.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.writer.Append(ctx, n.path, append(line, '\n'), 0o600)
}

package ledger

import (
	"bufio"
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/davidahmann/covenant/internal/crypto"
	"github.com/davidahmann/covenant/pkg/types"
)

const EntrySchema = "covenant.ledger.v1"

// GenesisHash is the prev_hash of the first entry in a ledger.
var GenesisHash = "sha256:" + strings.Repeat("0", 64)

const maxLineBytes = 4 << 20

// Signer signs the raw entry_hash digest of each appended entry.
type Signer interface {
	KeyID() string
	Sign(digest []byte) ([]byte, error)
}

type keySigner struct {
	id   string
	priv ed25519.PrivateKey
}

func (s keySigner) KeyID() string { return s.id }

func (s keySigner) Sign(digest []byte) ([]byte, error) {
	return crypto.SignEd25519(s.priv, digest)
}

type Option func(*Ledger)

// WithSigner signs every entry with priv. An empty keyID is derived from
// the public key.
func WithSigner(keyID string, priv ed25519.PrivateKey) Option {
	return func(l *Ledger) {
		if keyID == "" {
			keyID = crypto.KeyID(priv.Public().(ed25519.PublicKey))
		}
		l.signer = keySigner{id: keyID, priv: priv}
	}
}

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func WithLogger(logger *zap.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// Ledger is an append-only JSONL hash chain. Appends are serialized by a
// mutex within the process and by flock across processes; the tail is
// re-read whenever the file grew behind this writer's back.
type Ledger struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	signer Signer
	now    func() time.Time
	logger *zap.Logger

	size         int64
	lastSeq      int64
	lastHash     string
	needsNewline bool
}

func Open(path string, opts ...Option) (*Ledger, error) {
	if path == "" {
		return nil, errors.New("ledger: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ledger: create dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("ledger: open: %w", err)
	}
	l := &Ledger{
		path:     path,
		file:     f,
		now:      time.Now,
		logger:   zap.NewNop(),
		size:     -1,
		lastHash: GenesisHash,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

func (l *Ledger) Path() string { return l.path }

// Append records a lifecycle transition for a proposal. When dir is set its
// content digest is computed and stored on the entry.
func (l *Ledger) Append(ctx context.Context, proposalID, dir, actor string, status types.ProposalStatus) (types.LedgerEntry, error) {
	var digest string
	if dir != "" {
		var err error
		digest, err = DigestDir(ctx, dir)
		if err != nil {
			return types.LedgerEntry{}, err
		}
	}
	return l.append(ctx, types.LedgerEntry{
		Kind:          types.EntryTransition,
		ProposalID:    proposalID,
		Actor:         actor,
		Status:        string(status),
		ContentDigest: digest,
	})
}

// RecordDecision appends a policy decision.
func (l *Ledger) RecordDecision(ctx context.Context, d types.Decision) (types.LedgerEntry, error) {
	return l.append(ctx, types.LedgerEntry{
		Kind:       types.EntryDecision,
		ProposalID: d.ProposalID,
		Actor:      d.Actor,
		Status:     string(d.Outcome),
		Decision:   &d,
	})
}

func (l *Ledger) append(ctx context.Context, e types.LedgerEntry) (types.LedgerEntry, error) {
	if err := ctx.Err(); err != nil {
		return types.LedgerEntry{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return types.LedgerEntry{}, ErrClosed
	}
	if err := lockFile(l.file); err != nil {
		return types.LedgerEntry{}, fmt.Errorf("ledger: lock: %w", err)
	}
	defer func() { _ = unlockFile(l.file) }()

	if err := l.syncTail(); err != nil {
		return types.LedgerEntry{}, err
	}

	e.Schema = EntrySchema
	e.Seq = l.lastSeq + 1
	e.PrevHash = l.lastHash
	e.RecordedAt = l.now().UTC().Format(time.RFC3339Nano)
	sealed, err := seal(e, l.signer)
	if err != nil {
		return types.LedgerEntry{}, err
	}

	line, err := json.Marshal(sealed)
	if err != nil {
		return types.LedgerEntry{}, fmt.Errorf("ledger: encode entry: %w", err)
	}
	line = append(line, '\n')
	if l.needsNewline {
		line = append([]byte{'\n'}, line...)
	}

	n, err := l.file.Write(line)
	if err != nil {
		l.size = -1
		return types.LedgerEntry{}, fmt.Errorf("ledger: write: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		l.size = -1
		return types.LedgerEntry{}, fmt.Errorf("ledger: sync: %w", err)
	}

	l.size += int64(n)
	l.lastSeq = sealed.Seq
	l.lastHash = sealed.EntryHash
	l.needsNewline = false

	l.logger.Debug("ledger append",
		zap.Int64("seq", sealed.Seq),
		zap.String("kind", string(sealed.Kind)),
		zap.String("proposal_id", sealed.ProposalID),
		zap.String("status", sealed.Status),
	)
	return sealed, nil
}

// syncTail refreshes the cached chain head when the file size differs from
// what this writer last saw.
func (l *Ledger) syncTail() error {
	info, err := l.file.Stat()
	if err != nil {
		return fmt.Errorf("ledger: stat: %w", err)
	}
	if info.Size() == l.size {
		return nil
	}

	l.lastSeq, l.lastHash = 0, GenesisHash
	for e, err := range Entries(l.path) {
		if err != nil {
			return fmt.Errorf("ledger: scan tail: %w", err)
		}
		l.lastSeq, l.lastHash = e.Seq, e.EntryHash
	}

	l.needsNewline = false
	if info.Size() > 0 {
		last, err := lastByte(l.path, info.Size())
		if err != nil {
			return fmt.Errorf("ledger: read tail: %w", err)
		}
		if last != '\n' {
			l.needsNewline = true
			l.logger.Warn("ledger has a partial trailing line", zap.String("path", l.path))
		}
	}
	l.size = info.Size()
	return nil
}

func lastByte(path string, size int64) (byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	b := make([]byte, 1)
	if _, err := f.ReadAt(b, size-1); err != nil && !errors.Is(err, io.EOF) {
		return 0, err
	}
	return b[0], nil
}

func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Entries replays this ledger's file from the start.
func (l *Ledger) Entries() iter.Seq2[types.LedgerEntry, error] {
	return Entries(l.path)
}

// Entries lazily reads the ledger at path. Lines that do not decode as
// ledger entries are skipped. A missing file yields nothing.
func Entries(path string) iter.Seq2[types.LedgerEntry, error] {
	return func(yield func(types.LedgerEntry, error) bool) {
		f, err := os.Open(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return
			}
			yield(types.LedgerEntry{}, err)
			return
		}
		defer f.Close()

		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var e types.LedgerEntry
			if err := json.Unmarshal(line, &e); err != nil || e.Schema != EntrySchema {
				continue
			}
			if !yield(e, nil) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			yield(types.LedgerEntry{}, err)
		}
	}
}

// Latest returns the most recent transition entry for proposalID that
// carries a content digest.
func Latest(path, proposalID string) (types.LedgerEntry, error) {
	var (
		latest types.LedgerEntry
		found  bool
	)
	for e, err := range Entries(path) {
		if err != nil {
			return types.LedgerEntry{}, err
		}
		if e.ProposalID == proposalID && e.Kind == types.EntryTransition && e.ContentDigest != "" {
			latest, found = e, true
		}
	}
	if !found {
		return types.LedgerEntry{}, fmt.Errorf("%w: %s", ErrNoEntries, proposalID)
	}
	return latest, nil
}

func seal(e types.LedgerEntry, signer Signer) (types.LedgerEntry, error) {
	hash, err := entryHash(e)
	if err != nil {
		return types.LedgerEntry{}, err
	}
	e.EntryHash = hash
	e.KeyID = ""
	e.Sig = nil
	if signer == nil {
		return e, nil
	}

	raw, err := crypto.ParseDigest(hash)
	if err != nil {
		return types.LedgerEntry{}, err
	}
	sig, err := signer.Sign(raw)
	if err != nil {
		return types.LedgerEntry{}, fmt.Errorf("ledger: sign entry: %w", err)
	}
	e.KeyID = signer.KeyID()
	e.Sig = sig
	return e, nil
}

// entryHash covers every field except the hash and signature themselves.
func entryHash(e types.LedgerEntry) (string, error) {
	e.EntryHash = ""
	e.KeyID = ""
	e.Sig = nil
	hash, err := crypto.CanonicalDigest(e)
	if err != nil {
		return "", fmt.Errorf("ledger: hash entry: %w", err)
	}
	return hash, nil
}

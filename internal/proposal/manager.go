package proposal

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"slices"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/davidahmann/covenant/internal/logging"
	"github.com/davidahmann/covenant/internal/policy"
)

// Draft is the content of a new proposal. Tests and Sources are keyed by
// path relative to the proposal directory (tests relative to tests/).
type Draft struct {
	Topic     string
	Summary   string
	Coverage  float64
	Risk      string
	Proposer  string
	Rationale string
	Patch     string
	Impact    *Impact
	Tests     map[string][]byte
	Sources   map[string][]byte
}

// Manager creates proposal directories under root. Every file is written
// through the guarded writer, so filesystem_write decides each path.
type Manager struct {
	root      string
	writer    *policy.Writer
	now       func() time.Time
	newSuffix func() string
	logger    *zap.Logger
}

type ManagerOption func(*Manager)

func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// WithSuffix replaces the random id suffix generator.
func WithSuffix(fn func() string) ManagerOption {
	return func(m *Manager) { m.newSuffix = fn }
}

func WithLogger(logger *zap.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logging.OrNop(logger) }
}

func NewManager(root string, w *policy.Writer, opts ...ManagerOption) *Manager {
	m := &Manager{
		root:      root,
		writer:    w,
		now:       time.Now,
		newSuffix: randomSuffix,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Root() string { return m.root }

// Create writes a new proposal directory and returns its loaded manifest.
func (m *Manager) Create(ctx context.Context, d Draft) (*Proposal, error) {
	if d.Proposer != "" {
		ctx = policy.WithActor(ctx, d.Proposer)
	}
	now := m.now().UTC()
	id := NewID(d.Topic, now, m.newSuffix())
	dir := filepath.Join(m.root, id)
	ctx = policy.WithProposal(ctx, id)

	sources := make([]string, 0, len(d.Sources))
	for rel := range d.Sources {
		if !filepath.IsLocal(rel) {
			return nil, fmt.Errorf("source path %q must be relative to the proposal", rel)
		}
		sources = append(sources, filepath.ToSlash(filepath.Clean(rel)))
	}
	slices.Sort(sources)
	for rel := range d.Tests {
		if !filepath.IsLocal(rel) {
			return nil, fmt.Errorf("test path %q must be relative to tests/", rel)
		}
	}

	p := Proposal{
		ID:        id,
		Topic:     d.Topic,
		CreatedAt: now.Format(time.RFC3339),
		Summary:   d.Summary,
		Coverage:  NormalizeCoverage(d.Coverage),
		Risk:      d.Risk,
		Proposer:  d.Proposer,
		Sources:   sources,
	}

	impact := d.Impact
	if impact == nil {
		impact = &Impact{Purpose: d.Summary, ExpectedCoverage: p.Coverage, Risk: d.Risk}
	}
	impact.ProposalID = id

	manifest, err := yaml.Marshal(&p)
	if err != nil {
		return nil, err
	}
	impactJSON, err := json.MarshalIndent(impact, "", "  ")
	if err != nil {
		return nil, err
	}

	if err := m.writer.MkdirAll(ctx, dir, 0o750); err != nil {
		return nil, err
	}
	files := []struct {
		name string
		data []byte
	}{
		{ManifestFile, manifest},
		{RationaleFile, []byte(d.Rationale)},
		{PatchFile, []byte(d.Patch)},
		{ImpactFile, append(impactJSON, '\n')},
	}
	for _, f := range files {
		if err := m.writer.WriteFile(ctx, filepath.Join(dir, f.name), f.data, 0o640); err != nil {
			return nil, err
		}
	}
	if err := m.writer.MkdirAll(ctx, filepath.Join(dir, TestsDir), 0o750); err != nil {
		return nil, err
	}
	for _, rel := range sortedKeys(d.Tests) {
		if err := m.writer.WriteFile(ctx, filepath.Join(dir, TestsDir, rel), d.Tests[rel], 0o640); err != nil {
			return nil, err
		}
	}
	for _, rel := range sortedKeys(d.Sources) {
		if err := m.writer.WriteFile(ctx, filepath.Join(dir, rel), d.Sources[rel], 0o640); err != nil {
			return nil, err
		}
	}

	m.logger.Info("proposal created",
		zap.String("proposal_id", id),
		zap.String("dir", dir),
		zap.Float64("coverage", p.Coverage),
		zap.Int("sources", len(sources)),
	)
	return Load(dir)
}

// List loads every proposal directory under root, skipping directories
// without a manifest.
func (m *Manager) List() ([]*Proposal, error) {
	matches, err := filepath.Glob(filepath.Join(m.root, "*", ManifestFile))
	if err != nil {
		return nil, err
	}
	slices.Sort(matches)
	out := make([]*Proposal, 0, len(matches))
	for _, manifest := range matches {
		p, err := Load(filepath.Dir(manifest))
		if err != nil {
			m.logger.Warn("skipping unreadable proposal", zap.String("path", manifest), zap.Error(err))
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func sortedKeys(m map[string][]byte) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

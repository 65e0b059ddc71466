package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidahmann/covenant/internal/analyzer"
	"github.com/davidahmann/covenant/internal/evaluate"
	"github.com/davidahmann/covenant/internal/ledger"
	"github.com/davidahmann/covenant/internal/notify"
	"github.com/davidahmann/covenant/internal/policy"
	"github.com/davidahmann/covenant/internal/proposal"
	"github.com/davidahmann/covenant/internal/rules"
	"github.com/davidahmann/covenant/internal/store"
	"github.com/davidahmann/covenant/pkg/types"
)

var testNow = time.Date(2025, 12, 20, 16, 34, 13, 0, time.UTC)

type harness struct {
	root    string
	ledger  *ledger.Ledger
	engine  *policy.Engine
	manager *proposal.Manager
	store   *store.InMemoryStore
	opts    Options
	orch    *Orchestrator
}

func newHarness(t *testing.T, configure ...func(*Options)) *harness {
	t.Helper()
	root := t.TempDir()

	catalog, err := rules.Load("../../policies/rules.yaml")
	require.NoError(t, err)
	l, err := ledger.Open(filepath.Join(root, "ledger", "ledger.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	registry := policy.NewRegistry(AgentValidator, AgentEvaluator, AgentTester, AgentUpdater)
	engine, err := policy.NewEngine(policy.Options{
		Catalog:      catalog,
		AllowedRoots: []string{filepath.Join(root, "proposals"), filepath.Join(root, "sandbox")},
		Connectors:   []string{"connectors/unreal_bridge.py"},
		Registry:     registry,
		Recorder:     l,
		BaseDir:      root,
	})
	require.NoError(t, err)

	a := analyzer.New(analyzer.Options{
		ForbiddenImports: []string{"os", "subprocess"},
		ForbiddenCalls:   []string{"eval", "exec"},
		NetworkModules:   []string{"requests"},
		SecretMarkers:    []string{"TOKEN"},
	})
	st := store.NewInMemoryStore()
	opts := Options{
		Store:         st,
		Ledger:        l,
		Enforcer:      engine,
		Validator:     proposal.NewValidator(a, engine, nil).WithClock(func() time.Time { return testNow }),
		Scorer:        evaluate.NewScorer(func() time.Time { return testNow }),
		Retry:         RetryPolicy{MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: 4 * time.Millisecond},
		NotifyChannel: "approvals",
		MaxConcurrent: 2,
		Clock:         func() time.Time { return testNow },
	}
	for _, fn := range configure {
		fn(&opts)
	}
	o, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = o.Close() })

	return &harness{
		root:    root,
		ledger:  l,
		engine:  engine,
		manager: proposal.NewManager(filepath.Join(root, "proposals"), policy.NewWriter(engine)),
		store:   st,
		opts:    opts,
		orch:    o,
	}
}

func cleanDraft() proposal.Draft {
	return proposal.Draft{
		Topic:     "Add cache layer",
		Summary:   "Cache repeated lookups.",
		Coverage:  0.95,
		Risk:      "low",
		Proposer:  "optimizer",
		Rationale: "# Rationale\n",
		Patch:     "--- a/app.py\n+++ b/app.py\n@@ -1 +1,2 @@\n CACHE = {}\n+HITS = 0\n",
		Tests:     map[string][]byte{"run.sh": []byte("exit 0\n")},
		Sources:   map[string][]byte{"app.py": []byte("CACHE = {}\n\ndef lookup(k):\n    return CACHE.get(k)\n")},
	}
}

// submit creates a proposal from d, submits it and waits for its lane to drain.
func (h *harness) submit(t *testing.T, d proposal.Draft) string {
	t.Helper()
	p, err := h.manager.Create(context.Background(), d)
	require.NoError(t, err)
	id, err := h.orch.Submit(context.Background(), p.Dir)
	require.NoError(t, err)
	require.Equal(t, p.ID, id)
	require.NoError(t, h.orch.Wait(context.Background(), id))
	return id
}

func (h *harness) status(t *testing.T, id string) types.ProposalStatus {
	t.Helper()
	rec, err := h.orch.Status(context.Background(), id)
	require.NoError(t, err)
	return rec.Status
}

func (h *harness) transitions(t *testing.T, id string) []string {
	t.Helper()
	var out []string
	for e, err := range h.ledger.Entries() {
		require.NoError(t, err)
		if e.Kind == types.EntryTransition && e.ProposalID == id {
			out = append(out, e.Status)
		}
	}
	return out
}

func (h *harness) decisions(t *testing.T, rule string) []types.Decision {
	t.Helper()
	var out []types.Decision
	for e, err := range h.ledger.Entries() {
		require.NoError(t, err)
		if e.Decision != nil && e.Decision.Rule == rule {
			out = append(out, *e.Decision)
		}
	}
	return out
}

func TestCompliantProposalReachesAwaitingApproval(t *testing.T) {
	h := newHarness(t)
	id := h.submit(t, cleanDraft())

	assert.Equal(t, types.StatusAwaitingApproval, h.status(t, id))
	assert.Equal(t, []string{"created", "validated", "evaluated", "awaiting_approval"}, h.transitions(t, id))

	report, err := h.orch.Report(id)
	require.NoError(t, err)
	assert.True(t, report.Compliant)
	assert.Equal(t, 0.95, report.Coverage)

	ev, ok := h.orch.Evaluation(id)
	require.True(t, ok)
	assert.Equal(t, "A", ev.Grade)

	n, err := h.store.GetNotification(notify.NotificationID(id))
	require.NoError(t, err)
	assert.Equal(t, store.NotificationPending, n.Status)
	assert.Equal(t, "approvals", n.Channel)

	for _, agent := range []string{AgentValidator, AgentEvaluator} {
		found := false
		for _, d := range h.decisions(t, "agent_entry") {
			if d.Context == agent && d.Allowed() && d.ProposalID == id {
				found = true
			}
		}
		assert.True(t, found, "agent_entry decision for %s", agent)
	}
}

func TestProposalWithIssueIsRejectedFromCreated(t *testing.T) {
	h := newHarness(t)
	d := cleanDraft()
	d.Sources = map[string][]byte{"app.py": []byte("import os\n")}
	id := h.submit(t, d)

	rec, err := h.orch.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRejected, rec.Status)
	require.NotNil(t, rec.Reason)
	assert.Contains(t, *rec.Reason, "Forbidden import: os")
	assert.Equal(t, []string{"created", "rejected"}, h.transitions(t, id))

	report, err := h.orch.Report(id)
	require.NoError(t, err)
	assert.False(t, report.Compliant)
	assert.Len(t, report.Issues, 1)

	_, err = h.store.GetNotification(notify.NotificationID(id))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestLowCoverageIsRejected(t *testing.T) {
	h := newHarness(t)
	d := cleanDraft()
	d.Coverage = 85
	id := h.submit(t, d)

	rec, err := h.orch.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRejected, rec.Status)
	assert.Contains(t, *rec.Reason, "coverage below 90% threshold")
}

func TestUnregisteredValidatorRejects(t *testing.T) {
	catalog, err := rules.Load("../../policies/rules.yaml")
	require.NoError(t, err)
	h := newHarness(t, func(o *Options) {
		engine, err := policy.NewEngine(policy.Options{
			Catalog:  catalog,
			Registry: policy.NewRegistry(AgentEvaluator),
			Recorder: o.Ledger.(*ledger.Ledger),
		})
		require.NoError(t, err)
		o.Enforcer = engine
	})
	id := h.submit(t, cleanDraft())

	rec, err := h.orch.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRejected, rec.Status)
	assert.Contains(t, *rec.Reason, "validator not admitted")

	denied := false
	for _, d := range h.decisions(t, "agent_entry") {
		if d.Context == AgentValidator && !d.Allowed() {
			denied = true
		}
	}
	assert.True(t, denied)
}

func TestResubmitIsNoOp(t *testing.T) {
	h := newHarness(t)
	p, err := h.manager.Create(context.Background(), cleanDraft())
	require.NoError(t, err)

	id, err := h.orch.Submit(context.Background(), p.Dir)
	require.NoError(t, err)
	require.NoError(t, h.orch.Wait(context.Background(), id))
	before := h.transitions(t, id)

	again, err := h.orch.Submit(context.Background(), p.Dir)
	require.NoError(t, err)
	assert.Equal(t, id, again)
	require.NoError(t, h.orch.Wait(context.Background(), id))
	assert.Equal(t, before, h.transitions(t, id))
}

func TestStaleEventIsIgnored(t *testing.T) {
	h := newHarness(t)
	id := h.submit(t, cleanDraft())
	before := h.transitions(t, id)

	for _, name := range []string{EventCreated, EventValidated, EventEvaluated} {
		_, err := h.orch.bus.Publish(Event{Name: name, ProposalID: id})
		require.NoError(t, err)
	}
	require.NoError(t, h.orch.Wait(context.Background(), id))
	assert.Equal(t, types.StatusAwaitingApproval, h.status(t, id))
	assert.Equal(t, before, h.transitions(t, id))
}

func TestSubmitMissingManifest(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.Submit(context.Background(), t.TempDir())
	require.ErrorIs(t, err, proposal.ErrMissingManifest)
}

func TestApproveAppliesProposal(t *testing.T) {
	h := newHarness(t)
	id := h.submit(t, cleanDraft())

	require.NoError(t, h.orch.Approve(context.Background(), id, "alice"))

	rec, err := h.orch.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusApplied, rec.Status)
	require.NotNil(t, rec.Approver)
	assert.Equal(t, "alice", *rec.Approver)
	assert.Equal(t, []string{"created", "validated", "evaluated", "awaiting_approval", "approved", "applied"}, h.transitions(t, id))

	merges := h.decisions(t, "code_merge")
	require.Len(t, merges, 1)
	assert.True(t, merges[0].Allowed())
	assert.Equal(t, "alice", merges[0].Actor)

	require.NotNil(t, rec.AppliedRef)
	assert.Contains(t, *rec.AppliedRef, "sha256:")

	var violation *LifecycleViolation
	require.ErrorAs(t, h.orch.Approve(context.Background(), id, "alice"), &violation)
	assert.Equal(t, types.StatusApplied, violation.From)
}

func TestApproveGateFailuresLeaveStateUnchanged(t *testing.T) {
	h := newHarness(t)
	id := h.submit(t, cleanDraft())

	var violation *LifecycleViolation
	require.ErrorAs(t, h.orch.Approve(context.Background(), id, "  "), &violation)
	assert.Contains(t, violation.Reason, "approver")
	assert.Equal(t, types.StatusAwaitingApproval, h.status(t, id))

	_, err := h.orch.Status(context.Background(), "unknown")
	require.ErrorIs(t, err, store.ErrNotFound)
	require.ErrorIs(t, h.orch.Approve(context.Background(), "unknown", "alice"), store.ErrNotFound)
}

func TestApproveRequiresCoverageGate(t *testing.T) {
	for _, coverage := range []float64{0.85, 0.8999, 0.5, 0} {
		h := newHarness(t)
		id := h.submit(t, cleanDraft())

		rec, err := h.store.GetProposal(id)
		require.NoError(t, err)
		var report types.ValidationReport
		require.NoError(t, json.Unmarshal(rec.ReportJSON, &report))
		report.Coverage = coverage
		rec.ReportJSON, err = json.Marshal(report)
		require.NoError(t, err)
		rec.Coverage = coverage
		require.NoError(t, h.store.PutProposal(rec))

		var violation *LifecycleViolation
		require.ErrorAs(t, h.orch.Approve(context.Background(), id, "alice"), &violation, "coverage %v", coverage)
		assert.Contains(t, violation.Reason, "coverage")
		assert.Equal(t, types.StatusAwaitingApproval, h.status(t, id))
	}
}

func TestApproveRequiresCompliantCachedReport(t *testing.T) {
	h := newHarness(t)
	id := h.submit(t, cleanDraft())

	rec, err := h.store.GetProposal(id)
	require.NoError(t, err)
	rec.ReportJSON = []byte(`{"compliant":false,"issues":["x"],"coverage":0.95}`)
	require.NoError(t, h.store.PutProposal(rec))

	var violation *LifecycleViolation
	require.ErrorAs(t, h.orch.Approve(context.Background(), id, "alice"), &violation)
	assert.Contains(t, violation.Reason, "not compliant")

	rec.ReportJSON = nil
	require.NoError(t, h.store.PutProposal(rec))
	require.ErrorAs(t, h.orch.Approve(context.Background(), id, "alice"), &violation)
	assert.Contains(t, violation.Reason, "no cached validation report")
}

func TestApproveUnvalidatedProposalFails(t *testing.T) {
	h := newHarness(t)
	p, err := h.manager.Create(context.Background(), cleanDraft())
	require.NoError(t, err)
	require.NoError(t, h.store.PutProposal(store.ProposalRecord{
		ProposalID: p.ID,
		Dir:        p.Dir,
		Status:     types.StatusCreated,
		Coverage:   0.95,
	}))

	var violation *LifecycleViolation
	require.ErrorAs(t, h.orch.Approve(context.Background(), p.ID, "alice"), &violation)
	assert.Equal(t, types.StatusCreated, violation.From)
	assert.Equal(t, types.StatusApproved, violation.To)
}

type testerFunc func(ctx context.Context, p *proposal.Proposal) error

func (f testerFunc) Test(ctx context.Context, p *proposal.Proposal) error { return f(ctx, p) }

func TestFailingTestsReject(t *testing.T) {
	boom := errors.New("tests exploded")
	h := newHarness(t, func(o *Options) {
		o.Tester = testerFunc(func(context.Context, *proposal.Proposal) error { return boom })
	})
	id := h.submit(t, cleanDraft())

	err := h.orch.Approve(context.Background(), id, "alice")
	require.ErrorIs(t, err, boom)
	rec, err := h.orch.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRejected, rec.Status)
	assert.Contains(t, *rec.Reason, "tests failed")
	assert.Nil(t, rec.Approver)
}

type fakeApplier struct {
	mu       sync.Mutex
	checkErr error
	applyErr error
	applies  int
}

func (a *fakeApplier) Check(context.Context, *proposal.Proposal) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.checkErr
}

func (a *fakeApplier) Apply(context.Context, *proposal.Proposal) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.applyErr != nil {
		return "", a.applyErr
	}
	a.applies++
	return "commit-1", nil
}

func (a *fakeApplier) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.applies
}

func TestPatchCheckFailureRejects(t *testing.T) {
	applier := &fakeApplier{checkErr: errors.New("does not apply")}
	h := newHarness(t, func(o *Options) { o.Applier = applier })
	id := h.submit(t, cleanDraft())

	require.Error(t, h.orch.Approve(context.Background(), id, "alice"))
	assert.Equal(t, types.StatusRejected, h.status(t, id))
	assert.Zero(t, applier.count())
}

func TestFailedApplyStaysApprovedAndResumes(t *testing.T) {
	applier := &fakeApplier{applyErr: errors.New("disk full")}
	h := newHarness(t, func(o *Options) { o.Applier = applier })
	id := h.submit(t, cleanDraft())

	err := h.orch.Approve(context.Background(), id, "alice")
	require.ErrorIs(t, err, applier.applyErr)
	rec, err := h.orch.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusApproved, rec.Status)
	assert.Nil(t, rec.AppliedRef)
	require.NotNil(t, rec.Reason)
	assert.Contains(t, *rec.Reason, "apply failed")

	applier.mu.Lock()
	applier.applyErr = nil
	applier.mu.Unlock()
	require.NoError(t, h.orch.Resume(context.Background(), id))
	require.NoError(t, h.orch.Wait(context.Background(), id))
	assert.Equal(t, types.StatusApplied, h.status(t, id))

	require.NoError(t, h.orch.Resume(context.Background(), id))
	require.NoError(t, h.orch.Wait(context.Background(), id))
	assert.Equal(t, 1, applier.count())

	merges := h.decisions(t, "code_merge")
	require.Len(t, merges, 2)
	assert.Equal(t, "alice", merges[1].Actor)
}

func TestApplyNeverRunsTwice(t *testing.T) {
	applier := &fakeApplier{}
	h := newHarness(t, func(o *Options) { o.Applier = applier })
	id := h.submit(t, cleanDraft())
	rec, err := h.store.GetProposal(id)
	require.NoError(t, err)
	earlier := "earlier"
	rec.AppliedRef = &earlier
	require.NoError(t, h.store.PutProposal(rec))

	require.NoError(t, h.orch.Approve(context.Background(), id, "alice"))
	assert.Zero(t, applier.count())
	assert.Equal(t, types.StatusApplied, h.status(t, id))
}

// flakyStore fails the first write that would move a proposal to Applied.
type flakyStore struct {
	store.Store
	mu     sync.Mutex
	failed bool
}

func (s *flakyStore) WithTx(fn func(store.Tx) error) error {
	return s.Store.WithTx(func(tx store.Tx) error { return fn(&flakyTx{Tx: tx, s: s}) })
}

type flakyTx struct {
	store.Tx
	s *flakyStore
}

func (t *flakyTx) PutProposal(rec store.ProposalRecord) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if rec.Status == types.StatusApplied && !t.s.failed {
		t.s.failed = true
		return errors.New("database is locked")
	}
	return t.Tx.PutProposal(rec)
}

func TestAppliedRefSurvivesRestart(t *testing.T) {
	applier := &fakeApplier{}
	var flaky *flakyStore
	h := newHarness(t, func(o *Options) {
		o.Applier = applier
		flaky = &flakyStore{Store: o.Store}
		o.Store = flaky
	})
	id := h.submit(t, cleanDraft())

	require.Error(t, h.orch.Approve(context.Background(), id, "alice"))
	rec, err := h.store.GetProposal(id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusApproved, rec.Status)
	require.NotNil(t, rec.AppliedRef)
	assert.Equal(t, "commit-1", *rec.AppliedRef)
	require.NoError(t, h.orch.Close())

	restarted, err := New(h.opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = restarted.Close() })
	require.NoError(t, restarted.Resume(context.Background(), id))
	require.NoError(t, restarted.Wait(context.Background(), id))

	assert.Equal(t, types.StatusApplied, h.status(t, id))
	assert.Equal(t, 1, applier.count())
}

func TestApproveRejectsArtifactsChangedAfterValidation(t *testing.T) {
	applier := &fakeApplier{}
	h := newHarness(t, func(o *Options) { o.Applier = applier })
	id := h.submit(t, cleanDraft())
	rec, err := h.store.GetProposal(id)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(rec.Dir, "app.py"), []byte("import os\nos.system('rm -rf /')\n"), 0o600))

	err = h.orch.Approve(context.Background(), id, "alice")
	require.ErrorIs(t, err, ledger.ErrDigestMismatch)
	rec, err = h.store.GetProposal(id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRejected, rec.Status)
	assert.Contains(t, *rec.Reason, "artifacts changed since validation")
	assert.Nil(t, rec.Approver)
	assert.Zero(t, applier.count())
}

func TestResumeRefusesArtifactsChangedAfterApproval(t *testing.T) {
	applier := &fakeApplier{applyErr: errors.New("disk full")}
	h := newHarness(t, func(o *Options) { o.Applier = applier })
	id := h.submit(t, cleanDraft())
	require.Error(t, h.orch.Approve(context.Background(), id, "alice"))

	rec, err := h.store.GetProposal(id)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(rec.Dir, "diff.patch"), []byte("--- a/x\n+++ b/x\n"), 0o600))
	applier.mu.Lock()
	applier.applyErr = nil
	applier.mu.Unlock()

	require.NoError(t, h.orch.Resume(context.Background(), id))
	require.NoError(t, h.orch.Wait(context.Background(), id))
	assert.Equal(t, types.StatusApproved, h.status(t, id))
	assert.Zero(t, applier.count())

	var violation *LifecycleViolation
	require.ErrorAs(t, h.orch.mergeOutcome(id), &violation)
	assert.Equal(t, "artifacts changed since approval", violation.Reason)
}

func TestMergeRunsOnApprovedEvent(t *testing.T) {
	applier := &fakeApplier{applyErr: errors.New("disk full")}
	h := newHarness(t, func(o *Options) { o.Applier = applier })
	var mu sync.Mutex
	var seen []types.ProposalStatus
	h.orch.Subscribe(EventApproved, func(_ context.Context, ev Event) error {
		rec, err := h.store.GetProposal(ev.ProposalID)
		if err != nil {
			return err
		}
		mu.Lock()
		seen = append(seen, rec.Status)
		mu.Unlock()
		return nil
	})
	id := h.submit(t, cleanDraft())
	require.Error(t, h.orch.Approve(context.Background(), id, "alice"))

	applier.mu.Lock()
	applier.applyErr = nil
	applier.mu.Unlock()
	_, err := h.orch.bus.Publish(Event{Name: EventApproved, ProposalID: id})
	require.NoError(t, err)
	require.NoError(t, h.orch.Wait(context.Background(), id))

	assert.Equal(t, types.StatusApplied, h.status(t, id))
	assert.Equal(t, 1, applier.count())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []types.ProposalStatus{types.StatusApproved, types.StatusApplied}, seen)
}

func TestOperatorReject(t *testing.T) {
	h := newHarness(t)
	id := h.submit(t, cleanDraft())

	require.NoError(t, h.orch.Reject(context.Background(), id, "bob", "not now"))
	rec, err := h.orch.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRejected, rec.Status)
	assert.Equal(t, "not now", *rec.Reason)

	var violation *LifecycleViolation
	require.ErrorAs(t, h.orch.Reject(context.Background(), id, "bob", "again"), &violation)
}

type flakyScorer struct {
	mu    sync.Mutex
	calls int
	fail  int
	inner *evaluate.Scorer
}

func (s *flakyScorer) Score(ctx context.Context, p proposal.Proposal, r types.ValidationReport) (types.Evaluation, error) {
	s.mu.Lock()
	s.calls++
	failing := s.calls <= s.fail
	s.mu.Unlock()
	if failing {
		return types.Evaluation{}, errors.New("scoring service unavailable")
	}
	return s.inner.Score(ctx, p, r)
}

func (s *flakyScorer) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestScorerRetriesWithBackoff(t *testing.T) {
	scorer := &flakyScorer{fail: 2, inner: evaluate.NewScorer(nil)}
	h := newHarness(t, func(o *Options) { o.Scorer = scorer })
	id := h.submit(t, cleanDraft())

	assert.Equal(t, 3, scorer.count())
	assert.Equal(t, types.StatusAwaitingApproval, h.status(t, id))
}

func TestScorerExhaustionStallsThenResumes(t *testing.T) {
	scorer := &flakyScorer{fail: 3, inner: evaluate.NewScorer(nil)}
	h := newHarness(t, func(o *Options) { o.Scorer = scorer })
	id := h.submit(t, cleanDraft())

	rec, err := h.orch.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusValidated, rec.Status)
	require.NotNil(t, rec.Reason)
	assert.Contains(t, *rec.Reason, "scoring failed")
	assert.Equal(t, 3, scorer.count())

	require.NoError(t, h.orch.Resume(context.Background(), id))
	require.NoError(t, h.orch.Wait(context.Background(), id))
	assert.Equal(t, types.StatusAwaitingApproval, h.status(t, id))
}

func TestRetryBackoffIsCapped(t *testing.T) {
	r := RetryPolicy{MaxAttempts: 5, BaseBackoff: 100 * time.Millisecond, MaxBackoff: 300 * time.Millisecond}
	assert.Equal(t, 100*time.Millisecond, r.backoff(1))
	assert.Equal(t, 200*time.Millisecond, r.backoff(2))
	assert.Equal(t, 300*time.Millisecond, r.backoff(3))
	assert.Equal(t, 300*time.Millisecond, r.backoff(10))
}

func TestConcurrentProposalsProgressIndependently(t *testing.T) {
	h := newHarness(t)
	var ids []string
	for range 4 {
		p, err := h.manager.Create(context.Background(), cleanDraft())
		require.NoError(t, err)
		id, err := h.orch.Submit(context.Background(), p.Dir)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for _, id := range ids {
		require.NoError(t, h.orch.Wait(context.Background(), id))
		assert.Equal(t, types.StatusAwaitingApproval, h.status(t, id))
	}
	_, err := ledger.VerifyChain(h.ledger.Path(), nil)
	require.NoError(t, err)
}

func TestLedgerDigestDetectsTamperAfterSubmit(t *testing.T) {
	h := newHarness(t)
	id := h.submit(t, cleanDraft())
	rec, err := h.orch.Status(context.Background(), id)
	require.NoError(t, err)

	_, err = ledger.VerifyProposal(context.Background(), h.ledger.Path(), id, rec.Dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(rec.Dir, "app.py"), []byte("CACHE = None\n"), 0o600))
	_, err = ledger.VerifyProposal(context.Background(), h.ledger.Path(), id, rec.Dir)
	require.ErrorIs(t, err, ledger.ErrDigestMismatch)
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

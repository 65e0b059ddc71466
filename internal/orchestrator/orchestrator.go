// Package orchestrator drives proposals through their lifecycle. Every transition is written to
// the store, appended to the ledger and published on the event bus, whose handlers perform the
// next step.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/davidahmann/covenant/internal/ledger"
	"github.com/davidahmann/covenant/internal/logging"
	"github.com/davidahmann/covenant/internal/notify"
	"github.com/davidahmann/covenant/internal/policy"
	"github.com/davidahmann/covenant/internal/proposal"
	"github.com/davidahmann/covenant/internal/rules"
	"github.com/davidahmann/covenant/internal/store"
	"github.com/davidahmann/covenant/pkg/types"
	"go.uber.org/zap"
)

// Agents that act on a proposal. Each must be registered for its step to run.
const (
	AgentValidator = "validator"
	AgentEvaluator = "evaluator"
	AgentTester    = "tester"
	AgentUpdater   = "updater"
)

var ErrNoReport = errors.New("orchestrator: no validation report")

// Appender records transitions and checks a proposal's artifacts against the last recorded digest.
type Appender interface {
	Append(ctx context.Context, proposalID, dir, actor string, status types.ProposalStatus) (types.LedgerEntry, error)
	VerifyProposal(ctx context.Context, proposalID, dir string) (types.LedgerEntry, error)
}

type Validator interface {
	Validate(ctx context.Context, p *proposal.Proposal, expectedID string) (types.ValidationReport, error)
}

type Scorer interface {
	Score(ctx context.Context, p proposal.Proposal, report types.ValidationReport) (types.Evaluation, error)
}

type Tester interface {
	Test(ctx context.Context, p *proposal.Proposal) error
}

// Applier merges a proposal's patch. Check must not modify anything.
type Applier interface {
	Check(ctx context.Context, p *proposal.Proposal) error
	Apply(ctx context.Context, p *proposal.Proposal) (string, error)
}

type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func (r RetryPolicy) backoff(attempt int) time.Duration {
	d := r.BaseBackoff
	for i := 1; i < attempt && d < r.MaxBackoff; i++ {
		d *= 2
	}
	if d > r.MaxBackoff {
		return r.MaxBackoff
	}
	return d
}

type Options struct {
	Store     store.Store
	Ledger    Appender
	Enforcer  policy.Enforcer
	Validator Validator
	Scorer    Scorer
	// Tester defaults to running nothing; Applier defaults to DryRunApplier.
	Tester  Tester
	Applier Applier
	Retry   RetryPolicy
	// NotifyChannel enables approval notifications when set.
	NotifyChannel string
	MaxConcurrent int64
	Clock         func() time.Time
	Logger        *zap.Logger
}

type Orchestrator struct {
	store     store.Store
	ledger    Appender
	enforcer  policy.Enforcer
	validator Validator
	scorer    Scorer
	tester    Tester
	applier   Applier
	retry     RetryPolicy
	channel   string
	now       func() time.Time
	logger    *zap.Logger
	bus       *Bus

	mu          sync.Mutex
	evaluations map[string]types.Evaluation
	mergeErrs   map[string]error
	inflight    *guard
}

func New(cfg Options) (*Orchestrator, error) {
	switch {
	case cfg.Store == nil:
		return nil, fmt.Errorf("orchestrator requires a store")
	case cfg.Ledger == nil:
		return nil, fmt.Errorf("orchestrator requires a ledger")
	case cfg.Enforcer == nil:
		return nil, fmt.Errorf("orchestrator requires a policy enforcer")
	case cfg.Validator == nil:
		return nil, fmt.Errorf("orchestrator requires a validator")
	case cfg.Scorer == nil:
		return nil, fmt.Errorf("orchestrator requires a scorer")
	}
	o := &Orchestrator{
		store:       cfg.Store,
		ledger:      cfg.Ledger,
		enforcer:    cfg.Enforcer,
		validator:   cfg.Validator,
		scorer:      cfg.Scorer,
		tester:      cfg.Tester,
		applier:     cfg.Applier,
		retry:       cfg.Retry,
		channel:     cfg.NotifyChannel,
		now:         cfg.Clock,
		logger:      logging.OrNop(cfg.Logger),
		evaluations: make(map[string]types.Evaluation),
		mergeErrs:   make(map[string]error),
		inflight:    newGuard(),
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.tester == nil {
		o.tester = noTests{}
	}
	if o.applier == nil {
		o.applier = DryRunApplier{}
	}
	if o.retry.MaxAttempts <= 0 {
		o.retry.MaxAttempts = 3
	}
	if o.retry.BaseBackoff <= 0 {
		o.retry.BaseBackoff = 500 * time.Millisecond
	}
	if o.retry.MaxBackoff < o.retry.BaseBackoff {
		o.retry.MaxBackoff = o.retry.BaseBackoff
	}

	o.bus = NewBus(cfg.MaxConcurrent, o.logger)
	o.bus.Subscribe(EventCreated, o.onCreated)
	o.bus.Subscribe(EventValidated, o.onValidated)
	o.bus.Subscribe(EventEvaluated, o.onEvaluated)
	o.bus.Subscribe(EventApproved, o.onApproved)
	for _, name := range []string{EventApplied, EventRejected} {
		o.bus.Subscribe(name, o.onSettled)
	}
	return o, nil
}

// Subscribe adds h after the orchestrator's own handlers for name.
func (o *Orchestrator) Subscribe(name string, h Handler) {
	o.bus.Subscribe(name, h)
}

// Submit registers the proposal in dir as Created and starts its lifecycle. The proposal id is
// the directory name. Submitting a known id is a no-op.
func (o *Orchestrator) Submit(ctx context.Context, dir string) (string, error) {
	p, err := proposal.Load(dir)
	if err != nil {
		return "", err
	}
	id := filepath.Base(p.Dir)
	ts := o.timestamp()

	created := false
	err = o.store.WithTx(func(tx store.Tx) error {
		if _, err := tx.GetProposal(id); err == nil {
			return nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		created = true
		return tx.PutProposal(store.ProposalRecord{
			ProposalID: id,
			Dir:        p.Dir,
			Status:     types.StatusCreated,
			Coverage:   p.Coverage,
			CreatedAt:  ts,
			UpdatedAt:  ts,
		})
	})
	if err != nil {
		return "", fmt.Errorf("register proposal %s: %w", id, err)
	}
	if !created {
		o.logger.Info("proposal already submitted", zap.String("proposal_id", id))
		return id, nil
	}

	if _, err := o.ledger.Append(ctx, id, p.Dir, policy.ActorFrom(ctx), types.StatusCreated); err != nil {
		return id, fmt.Errorf("ledger append: %w", err)
	}
	if _, err := o.bus.Publish(Event{Name: EventCreated, ProposalID: id}); err != nil {
		return id, err
	}
	o.logger.Info("proposal submitted", zap.String("proposal_id", id), zap.String("dir", p.Dir))
	return id, nil
}

// Approve applies the approval gate and, when it passes, tests and approves the proposal, then
// waits for the approved event's merge. Gate failures return *LifecycleViolation with the state
// unchanged. Artifacts that changed since their last ledger digest, a failed test or a failed
// patch check reject the proposal. A failed merge leaves it Approved for Resume.
func (o *Orchestrator) Approve(ctx context.Context, proposalID, approver string) error {
	approver = strings.TrimSpace(approver)
	if !o.inflight.acquire(proposalID) {
		return &LifecycleViolation{ProposalID: proposalID, To: types.StatusApproved, Reason: "approval already in progress"}
	}
	defer o.inflight.release(proposalID)

	rec, err := o.store.GetProposal(proposalID)
	if err != nil {
		return err
	}
	gate := func(reason string) error {
		return &LifecycleViolation{ProposalID: proposalID, From: rec.Status, To: types.StatusApproved, Reason: reason}
	}
	if rec.Status != types.StatusAwaitingApproval {
		return gate("proposal is not awaiting approval")
	}
	if approver == "" {
		return gate("approver identity is required")
	}
	report, err := decodeReport(rec.ReportJSON)
	if err != nil {
		return gate("no cached validation report")
	}
	if !report.Compliant {
		return gate("cached validation report is not compliant")
	}
	if !proposal.MeetsThreshold(report.Coverage) || !proposal.MeetsThreshold(proposal.NormalizeCoverage(rec.Coverage)) {
		return gate(fmt.Sprintf("coverage %.4f below %.2f", report.Coverage, proposal.CoverageThreshold))
	}

	p, err := proposal.Load(rec.Dir)
	if err != nil {
		return err
	}
	ctx = policy.WithProposal(ctx, proposalID)

	if _, err := o.ledger.VerifyProposal(ctx, proposalID, rec.Dir); err != nil {
		if errors.Is(err, ledger.ErrDigestMismatch) {
			return o.rejectAfter(ctx, proposalID, AgentValidator, "artifacts changed since validation", err)
		}
		return gate("artifacts not verifiable: " + err.Error())
	}
	if err := o.admit(ctx, AgentTester); err != nil {
		return o.rejectAfter(ctx, proposalID, AgentTester, "tester not admitted", err)
	}
	if err := o.tester.Test(policy.WithActor(ctx, AgentTester), p); err != nil {
		return o.rejectAfter(ctx, proposalID, AgentTester, "tests failed", err)
	}
	if err := o.admit(ctx, AgentUpdater); err != nil {
		return o.rejectAfter(ctx, proposalID, AgentUpdater, "updater not admitted", err)
	}
	if err := o.applier.Check(policy.WithActor(ctx, AgentUpdater), p); err != nil {
		return o.rejectAfter(ctx, proposalID, AgentUpdater, "patch does not apply", err)
	}

	if _, err := o.transition(ctx, proposalID, types.StatusApproved, approver, func(r *store.ProposalRecord) {
		r.Approver = &approver
	}); err != nil {
		return err
	}
	o.logger.Info("proposal approved", zap.String("proposal_id", proposalID), zap.String("approver", approver))
	if err := o.bus.Wait(ctx, proposalID); err != nil {
		return err
	}
	return o.mergeOutcome(proposalID)
}

// mergeOutcome reports how the merge of an approved proposal ended.
func (o *Orchestrator) mergeOutcome(proposalID string) error {
	rec, err := o.store.GetProposal(proposalID)
	if err != nil {
		return err
	}
	if rec.Status == types.StatusApplied {
		return nil
	}
	o.mu.Lock()
	cause := o.mergeErrs[proposalID]
	o.mu.Unlock()
	if cause == nil {
		cause = errors.New("merge did not run")
	}
	return fmt.Errorf("proposal %s approved but not applied: %w", proposalID, cause)
}

// merge enforces code_merge and applies an Approved proposal's patch. A record carrying an
// applied ref is never applied again.
func (o *Orchestrator) merge(ctx context.Context, rec store.ProposalRecord) error {
	id := rec.ProposalID
	if _, err := o.enforcer.Enforce(ctx, string(rules.CodeMerge), string(types.StatusApproved)); err != nil {
		return err
	}
	var ref string
	if rec.AppliedRef != nil {
		ref = *rec.AppliedRef
		o.logger.Warn("patch already applied", zap.String("proposal_id", id), zap.String("ref", ref))
	} else {
		if _, err := o.ledger.VerifyProposal(ctx, id, rec.Dir); err != nil {
			if errors.Is(err, ledger.ErrDigestMismatch) {
				return &LifecycleViolation{ProposalID: id, From: rec.Status, To: types.StatusApplied, Reason: "artifacts changed since approval"}
			}
			return err
		}
		p, err := proposal.Load(rec.Dir)
		if err != nil {
			return err
		}
		ref, err = o.applier.Apply(policy.WithActor(ctx, AgentUpdater), p)
		if err != nil {
			o.logger.Error("apply failed", zap.String("proposal_id", id), zap.Error(err))
			return fmt.Errorf("apply proposal %s: %w", id, err)
		}
		if err := o.recordApplied(id, ref); err != nil {
			return fmt.Errorf("record apply of %s as %s: %w", id, ref, err)
		}
	}
	if _, err := o.transition(ctx, id, types.StatusApplied, AgentUpdater, nil); err != nil {
		return err
	}
	o.logger.Info("proposal applied", zap.String("proposal_id", id), zap.String("ref", ref))
	return nil
}

// Reject is an operator rejection of a proposal awaiting approval.
func (o *Orchestrator) Reject(ctx context.Context, proposalID, actor, reason string) error {
	if !o.inflight.acquire(proposalID) {
		return &LifecycleViolation{ProposalID: proposalID, To: types.StatusRejected, Reason: "approval in progress"}
	}
	defer o.inflight.release(proposalID)

	rec, err := o.store.GetProposal(proposalID)
	if err != nil {
		return err
	}
	if rec.Status != types.StatusAwaitingApproval {
		return &LifecycleViolation{ProposalID: proposalID, From: rec.Status, To: types.StatusRejected, Reason: "only proposals awaiting approval can be rejected"}
	}
	if strings.TrimSpace(actor) == "" {
		actor = policy.ActorFrom(ctx)
	}
	if strings.TrimSpace(reason) == "" {
		reason = "rejected by " + actor
	}
	_, err = o.reject(ctx, proposalID, actor, reason)
	return err
}

// Resume re-drives a proposal that stopped mid-lifecycle by publishing the event for its current
// state again. For an Approved proposal whose merge failed that retries the merge. Use Wait for
// the outcome.
func (o *Orchestrator) Resume(_ context.Context, proposalID string) error {
	rec, err := o.store.GetProposal(proposalID)
	if err != nil {
		return err
	}
	switch rec.Status {
	case types.StatusCreated, types.StatusValidated, types.StatusEvaluated, types.StatusApproved:
		_, err := o.bus.Publish(Event{Name: EventFor(rec.Status), ProposalID: proposalID})
		return err
	default:
		return nil
	}
}

func (o *Orchestrator) Status(_ context.Context, proposalID string) (store.ProposalRecord, error) {
	return o.store.GetProposal(proposalID)
}

// Report returns the cached validation report.
func (o *Orchestrator) Report(proposalID string) (types.ValidationReport, error) {
	rec, err := o.store.GetProposal(proposalID)
	if err != nil {
		return types.ValidationReport{}, err
	}
	return decodeReport(rec.ReportJSON)
}

// Evaluation returns the score recorded by this orchestrator instance.
func (o *Orchestrator) Evaluation(proposalID string) (types.Evaluation, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	ev, ok := o.evaluations[proposalID]
	return ev, ok
}

// Wait blocks until the proposal's queued events have been handled.
func (o *Orchestrator) Wait(ctx context.Context, proposalID string) error {
	return o.bus.Wait(ctx, proposalID)
}

func (o *Orchestrator) Close() error {
	o.bus.Close()
	return nil
}

func (o *Orchestrator) onCreated(ctx context.Context, ev Event) error {
	rec, ok, err := o.current(ev, types.StatusCreated)
	if !ok || err != nil {
		return err
	}
	ctx = policy.WithProposal(ctx, ev.ProposalID)
	if err := o.admit(ctx, AgentValidator); err != nil {
		return o.rejectOn(ctx, ev.ProposalID, AgentValidator, "validator not admitted", err)
	}
	p, err := proposal.Load(rec.Dir)
	if err != nil {
		return o.rejectOn(ctx, ev.ProposalID, AgentValidator, "proposal unreadable", err)
	}
	report, err := o.validator.Validate(policy.WithActor(ctx, AgentValidator), p, ev.ProposalID)
	if err != nil {
		return o.rejectOn(ctx, ev.ProposalID, AgentValidator, "validation failed", err)
	}
	raw, err := json.Marshal(report)
	if err != nil {
		return err
	}
	withReport := func(r *store.ProposalRecord) {
		r.ReportJSON = raw
		r.Coverage = report.Coverage
	}

	if !report.Compliant || !proposal.MeetsThreshold(report.Coverage) {
		reason := strings.Join(report.Issues, "; ")
		if reason == "" {
			reason = "coverage below threshold"
		}
		_, err := o.transition(ctx, ev.ProposalID, types.StatusRejected, AgentValidator, func(r *store.ProposalRecord) {
			withReport(r)
			r.Reason = &reason
		})
		return err
	}
	_, err = o.transition(ctx, ev.ProposalID, types.StatusValidated, AgentValidator, withReport)
	return err
}

func (o *Orchestrator) onValidated(ctx context.Context, ev Event) error {
	rec, ok, err := o.current(ev, types.StatusValidated)
	if !ok || err != nil {
		return err
	}
	ctx = policy.WithProposal(ctx, ev.ProposalID)
	if err := o.admit(ctx, AgentEvaluator); err != nil {
		return o.annotate(ev.ProposalID, "evaluator not admitted: "+err.Error())
	}
	p, err := proposal.Load(rec.Dir)
	if err != nil {
		return o.annotate(ev.ProposalID, "proposal unreadable: "+err.Error())
	}
	report, err := decodeReport(rec.ReportJSON)
	if err != nil {
		return o.annotate(ev.ProposalID, "no cached validation report")
	}

	evaluation, err := o.score(policy.WithActor(ctx, AgentEvaluator), *p, report)
	if err != nil {
		return o.annotate(ev.ProposalID, "scoring failed: "+err.Error())
	}
	o.mu.Lock()
	o.evaluations[ev.ProposalID] = evaluation
	o.mu.Unlock()

	_, err = o.transition(ctx, ev.ProposalID, types.StatusEvaluated, AgentEvaluator, nil)
	return err
}

// score calls the scorer with bounded exponential backoff.
func (o *Orchestrator) score(ctx context.Context, p proposal.Proposal, report types.ValidationReport) (types.Evaluation, error) {
	var lastErr error
	for attempt := 1; attempt <= o.retry.MaxAttempts; attempt++ {
		ev, err := o.scorer.Score(ctx, p, report)
		if err == nil {
			o.logger.Info("proposal scored",
				zap.String("proposal_id", report.ProposalID),
				zap.Int("attempt", attempt),
				zap.String("grade", ev.Grade),
			)
			return ev, nil
		}
		lastErr = err
		if attempt == o.retry.MaxAttempts {
			break
		}
		wait := o.retry.backoff(attempt)
		o.logger.Warn("scoring attempt failed",
			zap.String("proposal_id", report.ProposalID),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return types.Evaluation{}, ctx.Err()
		case <-timer.C:
		}
	}
	return types.Evaluation{}, fmt.Errorf("after %d attempts: %w", o.retry.MaxAttempts, lastErr)
}

func (o *Orchestrator) onEvaluated(ctx context.Context, ev Event) error {
	rec, ok, err := o.current(ev, types.StatusEvaluated)
	if !ok || err != nil {
		return err
	}
	ctx = policy.WithProposal(ctx, ev.ProposalID)
	if _, err := o.transition(ctx, ev.ProposalID, types.StatusAwaitingApproval, AgentEvaluator, nil); err != nil {
		return err
	}
	if o.channel == "" {
		return nil
	}

	req := notify.ApprovalRequest{
		ProposalID:  ev.ProposalID,
		Coverage:    rec.Coverage,
		RequestedAt: o.timestamp(),
	}
	if p, err := proposal.Load(rec.Dir); err == nil {
		req.Topic = p.Topic
		req.Summary = p.Summary
		req.Risk = p.Risk
	}
	if report, err := decodeReport(rec.ReportJSON); err == nil {
		req.ReportID = report.ReportID
	}
	if evaluation, ok := o.Evaluation(ev.ProposalID); ok {
		req.Grade = evaluation.Grade
	}
	if _, err := notify.Enqueue(o.store, o.channel, req, o.now()); err != nil {
		o.logger.Error("approval notification not queued", zap.String("proposal_id", ev.ProposalID), zap.Error(err))
	}
	return nil
}

func (o *Orchestrator) onApproved(ctx context.Context, ev Event) error {
	rec, ok, err := o.current(ev, types.StatusApproved)
	if !ok || err != nil {
		return err
	}
	approver := AgentUpdater
	if rec.Approver != nil {
		approver = *rec.Approver
	}
	err = o.merge(policy.WithActor(policy.WithProposal(ctx, ev.ProposalID), approver), rec)

	o.mu.Lock()
	if err != nil {
		o.mergeErrs[ev.ProposalID] = err
	} else {
		delete(o.mergeErrs, ev.ProposalID)
	}
	o.mu.Unlock()
	if err != nil {
		return errors.Join(err, o.annotate(ev.ProposalID, "apply failed: "+err.Error()))
	}
	return nil
}

func (o *Orchestrator) onSettled(_ context.Context, ev Event) error {
	o.logger.Debug("lifecycle event", zap.String("event", ev.Name), zap.String("proposal_id", ev.ProposalID))
	return nil
}

// current loads the proposal for ev and reports whether it is still in want. Events for
// proposals that have moved on are ignored.
func (o *Orchestrator) current(ev Event, want types.ProposalStatus) (store.ProposalRecord, bool, error) {
	rec, err := o.store.GetProposal(ev.ProposalID)
	if err != nil {
		return rec, false, err
	}
	if rec.Status != want {
		o.logger.Debug("stale event ignored",
			zap.String("event", ev.Name),
			zap.String("proposal_id", ev.ProposalID),
			zap.String("status", string(rec.Status)),
		)
		return rec, false, nil
	}
	return rec, true, nil
}

func (o *Orchestrator) admit(ctx context.Context, agent string) error {
	_, err := o.enforcer.Enforce(policy.WithActor(ctx, agent), string(rules.AgentEntry), agent)
	return err
}

// transition moves the proposal to `to`, appends the ledger entry and publishes the event.
func (o *Orchestrator) transition(ctx context.Context, proposalID string, to types.ProposalStatus, actor string, mutate func(*store.ProposalRecord)) (store.ProposalRecord, error) {
	var rec store.ProposalRecord
	err := o.store.WithTx(func(tx store.Tx) error {
		cur, err := tx.GetProposal(proposalID)
		if err != nil {
			return err
		}
		if !CanTransition(cur.Status, to) {
			return &LifecycleViolation{ProposalID: proposalID, From: cur.Status, To: to, Reason: "no such lifecycle edge"}
		}
		cur.Status = to
		cur.UpdatedAt = o.timestamp()
		if mutate != nil {
			mutate(&cur)
		}
		rec = cur
		return tx.PutProposal(cur)
	})
	if err != nil {
		return rec, err
	}

	if _, err := o.ledger.Append(ctx, proposalID, rec.Dir, actor, to); err != nil {
		return rec, fmt.Errorf("ledger append: %w", err)
	}
	if _, err := o.bus.Publish(Event{Name: EventFor(to), ProposalID: proposalID}); err != nil && !errors.Is(err, ErrBusClosed) {
		return rec, err
	}
	o.logger.Info("proposal transition",
		zap.String("proposal_id", proposalID),
		zap.String("status", string(to)),
		zap.String("actor", actor),
	)
	return rec, nil
}

func (o *Orchestrator) reject(ctx context.Context, proposalID, actor, reason string) (store.ProposalRecord, error) {
	return o.transition(ctx, proposalID, types.StatusRejected, actor, func(r *store.ProposalRecord) {
		r.Reason = &reason
	})
}

// rejectOn rejects from a handler; the cause is logged and the handler succeeds.
func (o *Orchestrator) rejectOn(ctx context.Context, proposalID, actor, what string, cause error) error {
	o.logger.Warn(what, zap.String("proposal_id", proposalID), zap.Error(cause))
	_, err := o.reject(ctx, proposalID, actor, what+": "+cause.Error())
	return err
}

// rejectAfter rejects during approval and returns the cause to the approver.
func (o *Orchestrator) rejectAfter(ctx context.Context, proposalID, actor, what string, cause error) error {
	if _, err := o.reject(ctx, proposalID, actor, what+": "+cause.Error()); err != nil {
		return errors.Join(cause, err)
	}
	return fmt.Errorf("proposal %s rejected, %s: %w", proposalID, what, cause)
}

// annotate records why a proposal stopped without changing its state.
func (o *Orchestrator) annotate(proposalID, reason string) error {
	o.logger.Warn("proposal stalled", zap.String("proposal_id", proposalID), zap.String("reason", reason))
	return o.store.WithTx(func(tx store.Tx) error {
		rec, err := tx.GetProposal(proposalID)
		if err != nil {
			return err
		}
		rec.Reason = &reason
		rec.UpdatedAt = o.timestamp()
		return tx.PutProposal(rec)
	})
}

func (o *Orchestrator) timestamp() string {
	return o.now().UTC().Format(time.RFC3339)
}

func decodeReport(raw []byte) (types.ValidationReport, error) {
	if len(raw) == 0 {
		return types.ValidationReport{}, ErrNoReport
	}
	var r types.ValidationReport
	if err := json.Unmarshal(raw, &r); err != nil {
		return types.ValidationReport{}, fmt.Errorf("decode report: %w", err)
	}
	return r, nil
}

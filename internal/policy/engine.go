// Package policy decides whether runtime actions are permitted under the rule catalog and
// records every decision, allowed or blocked.
package policy

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/davidahmann/covenant/internal/logging"
	"github.com/davidahmann/covenant/internal/rules"
	"github.com/davidahmann/covenant/pkg/types"
	"go.uber.org/zap"
)

// Recorder persists decisions. The ledger is the production implementation.
type Recorder interface {
	RecordDecision(ctx context.Context, d types.Decision) (types.LedgerEntry, error)
}

// Enforcer is the subset of Engine used by guarded collaborators.
type Enforcer interface {
	Enforce(ctx context.Context, rule string, subject string) (bool, error)
}

type Options struct {
	Catalog      *rules.Catalog
	AllowedRoots []string
	Connectors   []string
	Registry     *Registry
	Recorder     Recorder
	// BaseDir resolves relative filesystem_write subjects.
	BaseDir string
	Clock   func() time.Time
	Logger  *zap.Logger
}

type Engine struct {
	catalog    *rules.Catalog
	roots      []string
	connectors []string
	registry   *Registry
	recorder   Recorder
	baseDir    string
	now        func() time.Time
	logger     *zap.Logger
}

type predicate func(e *Engine, subject string) bool

// predicates binds every rule identifier to its implementation at compile time.
var predicates = map[rules.RuleID]predicate{
	rules.FilesystemWrite: (*Engine).allowWrite,
	rules.CodeMerge:       (*Engine).allowMerge,
	rules.ExternalRequest: (*Engine).allowExternal,
	rules.AgentEntry:      (*Engine).allowAgent,
}

func NewEngine(opts Options) (*Engine, error) {
	if opts.Catalog == nil {
		return nil, fmt.Errorf("policy engine requires a rule catalog")
	}
	if opts.Recorder == nil {
		return nil, fmt.Errorf("policy engine requires a decision recorder")
	}
	e := &Engine{
		catalog:  opts.Catalog,
		registry: opts.Registry,
		recorder: opts.Recorder,
		baseDir:  opts.BaseDir,
		now:      opts.Clock,
		logger:   logging.OrNop(opts.Logger),
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.registry == nil {
		e.registry = NewRegistry()
	}
	for _, root := range opts.AllowedRoots {
		if strings.TrimSpace(root) == "" {
			continue
		}
		e.roots = append(e.roots, rootPath(opts.BaseDir, root))
	}
	for _, c := range opts.Connectors {
		if c = strings.TrimSpace(c); c != "" {
			e.connectors = append(e.connectors, filepath.ToSlash(filepath.Clean(c)))
		}
	}
	return e, nil
}

// Scoped returns an engine sharing e's catalog, registry and recorder whose filesystem_write
// allow-list is replaced by roots.
func (e *Engine) Scoped(roots ...string) *Engine {
	c := *e
	c.roots = nil
	for _, root := range roots {
		if strings.TrimSpace(root) != "" {
			c.roots = append(c.roots, rootPath(e.baseDir, root))
		}
	}
	return &c
}

func (e *Engine) Catalog() *rules.Catalog { return e.catalog }

func (e *Engine) Registry() *Registry { return e.registry }

// Check evaluates rule against subject without recording a decision.
func (e *Engine) Check(rule string, subject string) (bool, rules.Rule, error) {
	r, ok := e.catalog.Lookup(rule)
	if !ok {
		return false, rules.Rule{}, &UnknownRuleError{Rule: rule}
	}
	pred, ok := predicates[r.ID]
	if !ok {
		return false, r, &UnknownRuleError{Rule: rule}
	}
	return pred(e, subject), r, nil
}

// Enforce evaluates rule against subject, records the decision and returns a *RuleViolation on
// deny. A decision that cannot be recorded denies the action.
func (e *Engine) Enforce(ctx context.Context, rule string, subject string) (bool, error) {
	allowed, r, err := e.Check(rule, subject)
	if err != nil {
		e.logger.Error("unknown rule", zap.String("rule", rule), zap.String("context", subject))
		return false, err
	}

	outcome := types.OutcomeBlocked
	if allowed {
		outcome = types.OutcomeAllowed
	}
	actor := ActorFrom(ctx)
	decision, err := BuildDecision(DecisionInput{
		Rule:        r,
		Subject:     subject,
		Outcome:     outcome,
		Actor:       actor,
		ProposalID:  ProposalFrom(ctx),
		CatalogHash: e.catalog.Hash(),
		RecordedAt:  e.now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return false, fmt.Errorf("build decision for %s: %w", rule, err)
	}
	if _, err := e.recorder.RecordDecision(ctx, decision); err != nil {
		e.logger.Error("decision not recorded; denying", zap.String("rule", rule), zap.String("context", subject), zap.Error(err))
		return false, fmt.Errorf("record decision for %s: %w", rule, err)
	}

	if !allowed {
		e.logger.Warn("policy denied", zap.String("rule", rule), zap.String("context", subject), zap.String("actor", actor))
		return false, &RuleViolation{Rule: rule, Description: r.Description, Context: subject}
	}
	e.logger.Debug("policy allowed", zap.String("rule", rule), zap.String("context", subject), zap.String("actor", actor))
	return true, nil
}

func (e *Engine) allowWrite(subject string) bool {
	if strings.TrimSpace(subject) == "" {
		return false
	}
	target, err := resolvePath(e.baseDir, subject)
	if err != nil {
		e.logger.Debug("write target unresolvable", zap.String("context", subject), zap.Error(err))
		return false
	}
	for _, root := range e.roots {
		if within(root, target) {
			return true
		}
	}
	return false
}

func (e *Engine) allowMerge(subject string) bool {
	return subject == "approved"
}

func (e *Engine) allowExternal(subject string) bool {
	if strings.TrimSpace(subject) == "" {
		return false
	}
	s := filepath.ToSlash(filepath.Clean(subject))
	for _, c := range e.connectors {
		if s == c || strings.HasSuffix(s, "/"+c) {
			return true
		}
	}
	return false
}

func (e *Engine) allowAgent(subject string) bool {
	return e.registry.Registered(subject)
}

type actorKey struct{}

// WithActor tags ctx with the identity recorded on decisions made under it.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

func ActorFrom(ctx context.Context) string {
	if actor, ok := ctx.Value(actorKey{}).(string); ok && actor != "" {
		return actor
	}
	return "system"
}

type proposalKey struct{}

// WithProposal tags ctx with the proposal that decisions made under it concern.
func WithProposal(ctx context.Context, proposalID string) context.Context {
	return context.WithValue(ctx, proposalKey{}, proposalID)
}

func ProposalFrom(ctx context.Context) string {
	id, _ := ctx.Value(proposalKey{}).(string)
	return id
}

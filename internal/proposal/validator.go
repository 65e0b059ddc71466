package proposal

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/davidahmann/covenant/internal/analyzer"
	"github.com/davidahmann/covenant/internal/logging"
	"github.com/davidahmann/covenant/internal/policy"
	"github.com/davidahmann/covenant/internal/rules"
	"github.com/davidahmann/covenant/pkg/types"
)

// SourceAnalyzer is the static analysis the validator runs per source file.
type SourceAnalyzer interface {
	Supports(path string) bool
	AnalyzeFile(ctx context.Context, path string, src []byte) (analyzer.Result, error)
}

var validRisks = map[string]bool{"low": true, "medium": true, "high": true}

// Validator turns a proposal directory into a ValidationReport. It never
// stops at the first problem; every issue found is reported.
type Validator struct {
	analyzer SourceAnalyzer
	enforcer policy.Enforcer
	now      func() time.Time
	logger   *zap.Logger
}

func NewValidator(a SourceAnalyzer, e policy.Enforcer, logger *zap.Logger) *Validator {
	return &Validator{analyzer: a, enforcer: e, now: time.Now, logger: logging.OrNop(logger)}
}

// WithClock returns a copy of v that stamps reports with now.
func (v *Validator) WithClock(now func() time.Time) *Validator {
	cp := *v
	cp.now = now
	return &cp
}

// Validate checks p against the proposal requirements. expectedID is the id
// the caller knows the proposal by, normally its directory name.
func (v *Validator) Validate(ctx context.Context, p *Proposal, expectedID string) (types.ValidationReport, error) {
	ctx = policy.WithProposal(ctx, expectedID)

	var (
		issues     []string
		violations []types.Violation
		network    []networkUse
	)

	files, missing, err := v.sourceFiles(p)
	if err != nil {
		return types.ValidationReport{}, err
	}
	for _, rel := range missing {
		issues = append(issues, fmt.Sprintf("%s: declared source is missing", rel))
	}
	for _, rel := range files {
		// #nosec G304 -- rel is a file inside the proposal directory.
		src, err := os.ReadFile(filepath.Join(p.Dir, filepath.FromSlash(rel)))
		if err != nil {
			return types.ValidationReport{}, err
		}
		res, err := v.analyzer.AnalyzeFile(ctx, rel, src)
		var perr *analyzer.ParseError
		switch {
		case errors.As(err, &perr):
			violations = append(violations, types.Violation{
				Kind:    types.ViolationParse,
				File:    rel,
				Line:    perr.Line,
				Message: perr.Error(),
			})
			issues = append(issues, fmt.Sprintf("%s: %s", rel, perr.Error()))
			continue
		case err != nil:
			return types.ValidationReport{}, err
		}
		for _, viol := range res.Violations {
			viol.File = rel
			violations = append(violations, viol)
			issues = append(issues, fmt.Sprintf("%s: %s", rel, viol.Message))
		}
		for _, mod := range res.NetworkImports {
			network = append(network, networkUse{file: rel, module: mod})
		}
	}

	if p.ID != expectedID {
		issues = append(issues, "proposal id mismatch")
	}
	if !exists(p.Path(RationaleFile)) {
		issues = append(issues, "rationale.md is missing")
	}
	if !exists(p.Path(PatchFile)) {
		issues = append(issues, "diff.patch is missing")
	}
	if strings.TrimSpace(p.Summary) == "" {
		issues = append(issues, "proposal summary is empty")
	}
	impact, err := LoadImpact(p.Dir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		issues = append(issues, "impact.json is missing")
	case err != nil:
		issues = append(issues, err.Error())
	case !validRisks[impact.Risk]:
		issues = append(issues, "impact.json must define risk as low/medium/high")
	}
	coverage := NormalizeCoverage(p.Coverage)
	if coverage < CoverageThreshold {
		issues = append(issues, fmt.Sprintf("coverage below %d%% threshold", int(CoverageThreshold*100)))
	}

	for _, use := range network {
		if _, err := v.enforcer.Enforce(ctx, string(rules.ExternalRequest), use.file); err != nil {
			var viol *policy.RuleViolation
			if !errors.As(err, &viol) {
				return types.ValidationReport{}, err
			}
			issues = append(issues, fmt.Sprintf("%s: disallowed network import %s: %s", use.file, use.module, viol.Description))
		}
	}

	report, err := BuildReport(ReportInput{
		ProposalID: expectedID,
		Issues:     issues,
		Violations: violations,
		Coverage:   coverage,
		Summary:    p.Summary,
		CreatedAt:  v.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return types.ValidationReport{}, err
	}

	status := "compliant"
	if !report.Compliant {
		status = "violations"
	}
	v.logger.Info("proposal validated",
		zap.String("proposal_id", expectedID),
		zap.String("status", status),
		zap.Int("issues", len(report.Issues)),
		zap.Float64("coverage", coverage),
	)
	return report, nil
}

type networkUse struct {
	file   string
	module string
}

// sourceFiles lists analyzable files: the declared sources plus every
// supported file in the directory outside tests/. Paths are slash separated,
// relative and sorted.
func (v *Validator) sourceFiles(p *Proposal) (files []string, missing []string, err error) {
	seen := map[string]bool{}
	for _, rel := range p.Sources {
		rel = filepath.ToSlash(filepath.Clean(rel))
		if !filepath.IsLocal(rel) {
			missing = append(missing, rel)
			continue
		}
		if !exists(filepath.Join(p.Dir, filepath.FromSlash(rel))) {
			missing = append(missing, rel)
			continue
		}
		if v.analyzer.Supports(rel) && !seen[rel] {
			seen[rel] = true
			files = append(files, rel)
		}
	}

	err = filepath.WalkDir(p.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(p.Dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if rel == TestsDir {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() && v.analyzer.Supports(rel) && !seen[rel] {
			seen[rel] = true
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	slices.Sort(files)
	return files, missing, nil
}

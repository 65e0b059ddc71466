// Package evaluate grades validated proposals.
package evaluate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/davidahmann/covenant/internal/proposal"
	"github.com/davidahmann/covenant/pkg/types"
)

// LargePatchLines is the diff size above which a proposal loses a grade.
const LargePatchLines = 400

type Input struct {
	Proposal   proposal.Proposal
	Report     types.ValidationReport
	PatchLines int
	HasTests   bool
}

// Evaluate grades a proposal from A to F. Reasons are sorted.
func Evaluate(in Input) types.Evaluation {
	summary := strings.ToLower(in.Proposal.Summary)
	out := types.Evaluation{
		ProposalID: in.Proposal.ID,
		Complexity: pick(strings.Contains(summary, "refactor"), 0.8, 0.6),
		Tests:      pick(in.HasTests || strings.Contains(summary, "test"), 0.7, 0.5),
		Docs:       pick(strings.Contains(summary, "documentation"), 0.9, 0.6),
		Risk:       riskScore(in.Proposal.Risk),
		PatchLines: in.PatchLines,
	}

	missing := map[string]bool{}
	if !in.Report.Compliant {
		missing["compliance"] = true
	}
	if !proposal.MeetsThreshold(in.Report.Coverage) {
		missing["coverage"] = true
	}
	if !in.HasTests {
		missing["tests"] = true
	}
	if in.PatchLines == 0 {
		missing["patch"] = true
	}
	highRisk := strings.EqualFold(in.Proposal.Risk, "high")
	large := in.PatchLines > LargePatchLines

	grade := "A"
	switch {
	case missing["compliance"] || missing["patch"]:
		grade = "F"
	case missing["coverage"]:
		grade = "D"
	case highRisk && large:
		grade = "C"
	case highRisk || large || missing["tests"]:
		grade = "B"
	}

	reasons := []string{}
	for k, v := range missing {
		if v {
			reasons = append(reasons, "missing_"+k)
		}
	}
	if highRisk {
		reasons = append(reasons, "high_risk")
	}
	if large {
		reasons = append(reasons, "large_patch")
	}
	sort.Strings(reasons)

	out.Grade = grade
	out.Reasons = reasons
	return out
}

// Scorer reads a proposal's patch and tests and grades it.
type Scorer struct {
	now func() time.Time
}

func NewScorer(clock func() time.Time) *Scorer {
	if clock == nil {
		clock = time.Now
	}
	return &Scorer{now: clock}
}

func (s *Scorer) Score(ctx context.Context, p proposal.Proposal, report types.ValidationReport) (types.Evaluation, error) {
	if err := ctx.Err(); err != nil {
		return types.Evaluation{}, err
	}
	// #nosec G304 -- path derived from a loaded proposal directory.
	patch, err := os.ReadFile(p.Path(proposal.PatchFile))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return types.Evaluation{}, fmt.Errorf("read patch: %w", err)
	}
	hasTests, err := hasFiles(p.Path(proposal.TestsDir))
	if err != nil {
		return types.Evaluation{}, fmt.Errorf("scan tests: %w", err)
	}

	ev := Evaluate(Input{Proposal: p, Report: report, PatchLines: countLines(patch), HasTests: hasTests})
	ev.CreatedAt = s.now().UTC().Format(time.RFC3339)
	return ev, nil
}

func countLines(data []byte) int {
	if len(data) == 0 {
		return 0
	}
	n := bytes.Count(data, []byte{'\n'})
	if data[len(data)-1] != '\n' {
		n++
	}
	return n
}

func hasFiles(dir string) (bool, error) {
	found := false
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			found = true
			return fs.SkipAll
		}
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return found, err
}

func riskScore(risk string) float64 {
	switch strings.ToLower(strings.TrimSpace(risk)) {
	case "low":
		return 0.3
	case "high":
		return 0.9
	default:
		return 0.6
	}
}

func pick(cond bool, yes, no float64) float64 {
	if cond {
		return yes
	}
	return no
}

package evaluate

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/davidahmann/covenant/internal/proposal"
	"github.com/davidahmann/covenant/pkg/types"
)

func compliantReport(coverage float64) types.ValidationReport {
	return types.ValidationReport{Compliant: true, Issues: []string{}, Coverage: coverage}
}

func TestEvaluateNonCompliantIsF(t *testing.T) {
	got := Evaluate(Input{
		Proposal:   proposal.Proposal{ID: "p1", Risk: "low"},
		Report:     types.ValidationReport{Compliant: false, Issues: []string{"x"}, Coverage: 0.95},
		PatchLines: 10,
		HasTests:   true,
	})
	if got.Grade != "F" {
		t.Fatalf("expected F, got %s reasons=%v", got.Grade, got.Reasons)
	}
}

func TestEvaluateHeuristics(t *testing.T) {
	base := Input{
		Proposal:   proposal.Proposal{ID: "p1", Summary: "Refactor parser with tests", Risk: "low"},
		Report:     compliantReport(0.95),
		PatchLines: 20,
		HasTests:   true,
	}
	got := Evaluate(base)
	if got.Grade != "A" || len(got.Reasons) != 0 {
		t.Fatalf("expected A, got %s reasons=%v", got.Grade, got.Reasons)
	}
	if got.Complexity != 0.8 || got.Tests != 0.7 || got.Risk != 0.3 {
		t.Fatalf("unexpected scores: %+v", got)
	}

	lowCoverage := base
	lowCoverage.Report = compliantReport(0.5)
	if got := Evaluate(lowCoverage); got.Grade != "D" {
		t.Fatalf("expected D, got %s", got.Grade)
	}

	risky := base
	risky.Proposal.Risk = "high"
	risky.PatchLines = LargePatchLines + 1
	got = Evaluate(risky)
	if got.Grade != "C" {
		t.Fatalf("expected C, got %s", got.Grade)
	}
	if want := []string{"high_risk", "large_patch"}; !reflect.DeepEqual(got.Reasons, want) {
		t.Fatalf("reasons = %v, want %v", got.Reasons, want)
	}

	untested := base
	untested.HasTests = false
	got = Evaluate(untested)
	if got.Grade != "B" || !reflect.DeepEqual(got.Reasons, []string{"missing_tests"}) {
		t.Fatalf("expected B/missing_tests, got %s %v", got.Grade, got.Reasons)
	}

	empty := base
	empty.PatchLines = 0
	if got := Evaluate(empty); got.Grade != "F" {
		t.Fatalf("expected F for empty patch, got %s", got.Grade)
	}
}

func TestScorerReadsPatchAndTests(t *testing.T) {
	dir := t.TempDir()
	patch := strings.Repeat("+line\n", 12)
	if err := os.WriteFile(filepath.Join(dir, proposal.PatchFile), []byte(patch), 0o600); err != nil {
		t.Fatalf("write patch: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, proposal.TestsDir), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, proposal.TestsDir, "test_x.py"), []byte("pass\n"), 0o600); err != nil {
		t.Fatalf("write test: %v", err)
	}

	s := NewScorer(func() time.Time { return time.Date(2025, 12, 20, 0, 0, 0, 0, time.UTC) })
	p := proposal.Proposal{ID: "p1", Risk: "medium", Dir: dir}
	got, err := s.Score(context.Background(), p, compliantReport(0.92))
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if got.PatchLines != 12 || got.Grade != "A" {
		t.Fatalf("unexpected evaluation: %+v", got)
	}
	if got.CreatedAt != "2025-12-20T00:00:00Z" {
		t.Fatalf("created_at = %s", got.CreatedAt)
	}
}

func TestScorerWithoutTestsDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, proposal.PatchFile), []byte("+x"), 0o600); err != nil {
		t.Fatalf("write patch: %v", err)
	}
	got, err := NewScorer(nil).Score(context.Background(), proposal.Proposal{ID: "p1", Dir: dir}, compliantReport(1))
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if got.PatchLines != 1 || got.Grade != "B" {
		t.Fatalf("unexpected evaluation: %+v", got)
	}
}

func TestScorerHonorsCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewScorer(nil).Score(ctx, proposal.Proposal{Dir: t.TempDir()}, compliantReport(1)); err == nil {
		t.Fatalf("expected context error")
	}
}

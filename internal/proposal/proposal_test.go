package proposal

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidahmann/covenant/internal/analyzer"
	"github.com/davidahmann/covenant/internal/ledger"
	"github.com/davidahmann/covenant/internal/policy"
	"github.com/davidahmann/covenant/internal/rules"
	"github.com/davidahmann/covenant/pkg/types"
)

var testNow = time.Date(2025, 12, 20, 16, 34, 13, 0, time.UTC)

type fixture struct {
	root      string
	ledger    *ledger.Ledger
	engine    *policy.Engine
	manager   *Manager
	validator *Validator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()

	catalog, err := rules.Load("../../policies/rules.yaml")
	require.NoError(t, err)
	l, err := ledger.Open(filepath.Join(root, "ledger", "ledger.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	engine, err := policy.NewEngine(policy.Options{
		Catalog:      catalog,
		AllowedRoots: []string{filepath.Join(root, "proposals")},
		Connectors:   []string{"connectors/unreal_bridge.py"},
		Recorder:     l,
		BaseDir:      root,
	})
	require.NoError(t, err)

	a := analyzer.New(analyzer.Options{
		ForbiddenImports: []string{"os", "subprocess"},
		ForbiddenCalls:   []string{"eval", "exec", "os.system"},
		NetworkModules:   []string{"requests", "socket", "urllib"},
		SecretMarkers:    []string{"TOKEN"},
	})

	suffix := 0
	m := NewManager(filepath.Join(root, "proposals"), policy.NewWriter(engine),
		WithClock(func() time.Time { return testNow }),
		WithSuffix(func() string {
			suffix++
			return []string{"aaaaaa", "bbbbbb", "cccccc", "dddddd"}[suffix-1]
		}),
	)
	v := NewValidator(a, engine, nil).WithClock(func() time.Time { return testNow })
	return &fixture{root: root, ledger: l, engine: engine, manager: m, validator: v}
}

func cleanDraft() Draft {
	return Draft{
		Topic:     "Add cache layer",
		Summary:   "Cache repeated lookups.",
		Coverage:  0.95,
		Risk:      "low",
		Proposer:  "optimizer",
		Rationale: "# Rationale\n",
		Patch:     "--- a/app.py\n+++ b/app.py\n@@\n+CACHE = {}\n",
		Tests:     map[string][]byte{"test_cache.py": []byte("import os\n\ndef test_cache():\n    assert True\n")},
		Sources:   map[string][]byte{"app.py": []byte("CACHE = {}\n\ndef lookup(k):\n    return CACHE.get(k)\n")},
	}
}

func TestNormalizeCoverage(t *testing.T) {
	cases := []struct {
		in   float64
		want float64
	}{
		{95, 0.95},
		{0.95, 0.95},
		{1.10, 0.011},
		{1, 1},
		{150, 1},
		{-3, 0},
		{0.912345, 0.9123},
		{math.NaN(), 0},
		{math.Inf(1), 0},
		{math.Inf(-1), 0},
	}
	for _, tc := range cases {
		got := NormalizeCoverage(tc.in)
		assert.InDelta(t, tc.want, got, 1e-12, "NormalizeCoverage(%v)", tc.in)
		assert.Equal(t, got, NormalizeCoverage(got), "not idempotent for %v", tc.in)
		assert.True(t, got >= 0 && got <= 1)
	}
	assert.True(t, MeetsThreshold(90))
	assert.True(t, MeetsThreshold(0.9))
	assert.False(t, MeetsThreshold(0.8999))
	assert.False(t, MeetsThreshold(math.Inf(1)))
}

func TestNewID(t *testing.T) {
	assert.Equal(t, "2025-12-20_add_cache_layer-abc123", NewID("  Add  Cache Layer ", testNow, "abc123"))
	assert.Equal(t, "2025-12-20_etc-abc123", NewID("../etc", testNow, "abc123"))
	assert.Equal(t, "2025-12-20_proposal", NewID("", testNow, ""))
	assert.Len(t, randomSuffix(), 6)
}

func TestManagerCreateWritesArtifacts(t *testing.T) {
	f := newFixture(t)
	p, err := f.manager.Create(context.Background(), cleanDraft())
	require.NoError(t, err)

	assert.Equal(t, "2025-12-20_add_cache_layer-aaaaaa", p.ID)
	assert.Equal(t, filepath.Join(f.root, "proposals", p.ID), p.Dir)
	assert.Equal(t, []string{"app.py"}, p.Sources)
	assert.Equal(t, 0.95, p.Coverage)
	for _, name := range []string{ManifestFile, RationaleFile, PatchFile, ImpactFile, "tests/test_cache.py", "app.py"} {
		assert.FileExists(t, filepath.Join(p.Dir, filepath.FromSlash(name)))
	}

	impact, err := LoadImpact(p.Dir)
	require.NoError(t, err)
	assert.Equal(t, p.ID, impact.ProposalID)
	assert.Equal(t, "low", impact.Risk)

	var writes int
	for e, err := range f.ledger.Entries() {
		require.NoError(t, err)
		require.Equal(t, types.EntryDecision, e.Kind)
		assert.Equal(t, "filesystem_write", e.Decision.Rule)
		assert.Equal(t, "optimizer", e.Actor)
		assert.Equal(t, p.ID, e.ProposalID)
		writes++
	}
	assert.Greater(t, writes, 5)

	listed, err := f.manager.List()
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, p.ID, listed[0].ID)
}

func TestManagerCreateOutsideAllowedRootIsDenied(t *testing.T) {
	f := newFixture(t)
	outside := NewManager(filepath.Join(f.root, "elsewhere"), policy.NewWriter(f.engine))

	_, err := outside.Create(context.Background(), cleanDraft())
	var viol *policy.RuleViolation
	require.ErrorAs(t, err, &viol)
	assert.Equal(t, "filesystem_write", viol.Rule)
	assert.NoDirExists(t, filepath.Join(f.root, "elsewhere"))
}

func TestManagerRejectsEscapingSourcePath(t *testing.T) {
	f := newFixture(t)
	d := cleanDraft()
	d.Sources = map[string][]byte{"../escape.py": []byte("x = 1\n")}
	_, err := f.manager.Create(context.Background(), d)
	require.Error(t, err)
	assert.NoFileExists(t, filepath.Join(f.root, "proposals", "escape.py"))
}

func TestValidateCompliantProposal(t *testing.T) {
	f := newFixture(t)
	p, err := f.manager.Create(context.Background(), cleanDraft())
	require.NoError(t, err)

	report, err := f.validator.Validate(context.Background(), p, filepath.Base(p.Dir))
	require.NoError(t, err)
	assert.True(t, report.Compliant)
	assert.Empty(t, report.Issues)
	assert.Equal(t, 0.95, report.Coverage)
	assert.Equal(t, p.ID, report.ProposalID)
	assert.Equal(t, ReportSchema, report.Schema)
	assert.NotEmpty(t, report.ReportID)
}

func TestValidateForbiddenImport(t *testing.T) {
	f := newFixture(t)
	d := cleanDraft()
	d.Sources = map[string][]byte{"main.py": []byte("import os\n")}
	p, err := f.manager.Create(context.Background(), d)
	require.NoError(t, err)

	report, err := f.validator.Validate(context.Background(), p, p.ID)
	require.NoError(t, err)
	assert.False(t, report.Compliant)
	require.Len(t, report.Violations, 1)
	assert.Equal(t, types.ViolationForbiddenImport, report.Violations[0].Kind)
	assert.Equal(t, "os", report.Violations[0].Name)
	assert.Equal(t, "main.py", report.Violations[0].File)
	assert.Equal(t, []string{"main.py: Forbidden import: os"}, report.Issues)
}

func TestValidateIssueOrder(t *testing.T) {
	f := newFixture(t)
	dir := filepath.Join(f.root, "proposals", "p1")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFile), []byte("id: other\ncoverage: 50\nsummary: \"  \"\n"), 0o644))

	p, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 0.5, p.Coverage)

	report, err := f.validator.Validate(context.Background(), p, "p1")
	require.NoError(t, err)
	assert.False(t, report.Compliant)
	assert.Equal(t, []string{
		"proposal id mismatch",
		"rationale.md is missing",
		"diff.patch is missing",
		"proposal summary is empty",
		"impact.json is missing",
		"coverage below 90% threshold",
	}, report.Issues)
}

func TestValidateRiskAndMissingSource(t *testing.T) {
	f := newFixture(t)
	d := cleanDraft()
	d.Risk = "extreme"
	p, err := f.manager.Create(context.Background(), d)
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(p.Dir, "app.py")))

	report, err := f.validator.Validate(context.Background(), p, p.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"app.py: declared source is missing",
		"impact.json must define risk as low/medium/high",
	}, report.Issues)
}

func TestValidateNetworkImportsGoThroughExternalRequest(t *testing.T) {
	f := newFixture(t)
	d := cleanDraft()
	d.Sources = map[string][]byte{
		"helper.py":                   []byte("import requests\n"),
		"connectors/unreal_bridge.py": []byte("import requests\n"),
	}
	p, err := f.manager.Create(context.Background(), d)
	require.NoError(t, err)

	report, err := f.validator.Validate(context.Background(), p, p.ID)
	require.NoError(t, err)
	require.Len(t, report.Issues, 1)
	assert.Contains(t, report.Issues[0], "helper.py: disallowed network import requests")

	var outcomes []types.Outcome
	for e, err := range f.ledger.Entries() {
		require.NoError(t, err)
		if e.Decision != nil && e.Decision.Rule == "external_request" {
			outcomes = append(outcomes, e.Decision.Outcome)
		}
	}
	assert.Equal(t, []types.Outcome{types.OutcomeAllowed, types.OutcomeBlocked}, outcomes)
}

func TestValidateParseErrorIsAnIssue(t *testing.T) {
	f := newFixture(t)
	d := cleanDraft()
	d.Sources = map[string][]byte{"broken.py": []byte("def broken(:\n")}
	p, err := f.manager.Create(context.Background(), d)
	require.NoError(t, err)

	report, err := f.validator.Validate(context.Background(), p, p.ID)
	require.NoError(t, err)
	assert.False(t, report.Compliant)
	require.Len(t, report.Violations, 1)
	assert.Equal(t, types.ViolationParse, report.Violations[0].Kind)
}

func TestLoadMissingManifest(t *testing.T) {
	_, err := Load(t.TempDir())
	assert.True(t, errors.Is(err, ErrMissingManifest))
}

func TestBuildReportDeterministic(t *testing.T) {
	in := ReportInput{
		ProposalID: "p1",
		Issues:     []string{"rationale.md is missing"},
		Coverage:   0.95,
		Summary:    "s",
		CreatedAt:  "2025-12-20T00:00:00Z",
	}
	a, err := BuildReport(in)
	require.NoError(t, err)
	b, err := BuildReport(in)
	require.NoError(t, err)
	assert.Equal(t, a.ReportID, b.ReportID)
	assert.False(t, a.Compliant)

	in.Issues = nil
	c, err := BuildReport(in)
	require.NoError(t, err)
	assert.True(t, c.Compliant)
	assert.NotNil(t, c.Issues)
	assert.NotEqual(t, a.ReportID, c.ReportID)
}

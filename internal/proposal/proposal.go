// Package proposal models proposal artifact directories: loading and creating
// them, normalizing their coverage figures, and validating them into reports.
package proposal

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Artifact file names inside a proposal directory.
const (
	ManifestFile  = "proposal.yaml"
	RationaleFile = "rationale.md"
	PatchFile     = "diff.patch"
	ImpactFile    = "impact.json"
	TestsDir      = "tests"
)

var ErrMissingManifest = errors.New("proposal: proposal.yaml missing")

// Proposal is the manifest of a proposal directory. Lifecycle status is kept
// by the orchestrator's store so that the manifest, and with it the content
// digest, does not change as the proposal moves through review.
type Proposal struct {
	ID        string   `yaml:"id"`
	Topic     string   `yaml:"topic"`
	CreatedAt string   `yaml:"created_at"`
	Summary   string   `yaml:"summary"`
	Coverage  float64  `yaml:"coverage"`
	Risk      string   `yaml:"risk,omitempty"`
	Proposer  string   `yaml:"proposer,omitempty"`
	Sources   []string `yaml:"sources,omitempty"`

	Dir string `yaml:"-"`
}

// Impact is the content of impact.json.
type Impact struct {
	ProposalID       string         `json:"proposal_id"`
	Purpose          string         `json:"purpose"`
	ExpectedCoverage float64        `json:"expected_coverage"`
	Risk             string         `json:"risk"`
	Benefits         map[string]int `json:"benefits,omitempty"`
}

// Load reads dir/proposal.yaml. Coverage is normalized to a fraction.
func Load(dir string) (*Proposal, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	// #nosec G304 -- proposal directories are operator supplied.
	data, err := os.ReadFile(filepath.Join(abs, ManifestFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrMissingManifest, abs)
		}
		return nil, err
	}

	var p Proposal
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Join(abs, ManifestFile), err)
	}
	p.Dir = abs
	p.Coverage = NormalizeCoverage(p.Coverage)
	return &p, nil
}

// LoadImpact reads impact.json, returning fs.ErrNotExist when absent.
func LoadImpact(dir string) (Impact, error) {
	// #nosec G304 -- path derived from a loaded proposal directory.
	data, err := os.ReadFile(filepath.Join(dir, ImpactFile))
	if err != nil {
		return Impact{}, err
	}
	var impact Impact
	if err := json.Unmarshal(data, &impact); err != nil {
		return Impact{}, fmt.Errorf("parse %s: %w", ImpactFile, err)
	}
	return impact, nil
}

func (p *Proposal) Path(name string) string {
	return filepath.Join(p.Dir, name)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

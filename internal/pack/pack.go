// Package pack bundles the evidence for one proposal into a zip: its artifacts, its lifecycle
// record, the validation report and score, its ledger entries and the rule catalog in force,
// with a manifest and sha256sums covering every file.
package pack

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/davidahmann/covenant/internal/crypto"
	"github.com/davidahmann/covenant/pkg/types"
)

const manifestSchema = "covenant.pack.v1"

// Record is the lifecycle state included in a pack.
type Record struct {
	ProposalID string               `json:"proposal_id"`
	Status     types.ProposalStatus `json:"status"`
	Approver   string               `json:"approver,omitempty"`
	Reason     string               `json:"reason,omitempty"`
	Coverage   float64              `json:"coverage"`
	CreatedAt  string               `json:"created_at"`
	UpdatedAt  string               `json:"updated_at"`
}

type Input struct {
	Record     Record
	Report     *types.ValidationReport
	Evaluation *types.Evaluation
	Entries    []types.LedgerEntry
	Rules      []byte
	// Artifacts are the proposal's files keyed by slash-separated relative path.
	Artifacts map[string][]byte
	CreatedAt string
}

type ManifestFile struct {
	Name   string `json:"name"`
	SHA256 string `json:"sha256"`
	Size   int    `json:"size"`
}

type Manifest struct {
	Schema        string         `json:"schema"`
	ProposalID    string         `json:"proposal_id"`
	Status        string         `json:"status"`
	ContentDigest string         `json:"content_digest,omitempty"`
	LedgerHead    string         `json:"ledger_head,omitempty"`
	CreatedAt     string         `json:"created_at"`
	Files         []ManifestFile `json:"files"`
}

// BuildFiles returns the pack contents by name. The rule catalog and the proposal id are required.
func BuildFiles(in Input) (map[string][]byte, error) {
	if in.Record.ProposalID == "" {
		return nil, errors.New("pack: proposal id is required")
	}
	if len(in.Rules) == 0 {
		return nil, errors.New("pack: rule catalog is required")
	}

	files := map[string][]byte{"rules.yaml": in.Rules}
	for rel, data := range in.Artifacts {
		clean := path.Clean(filepath.ToSlash(rel))
		if clean == "." || strings.HasPrefix(clean, "../") || path.IsAbs(clean) {
			return nil, fmt.Errorf("pack: artifact path %q escapes the proposal", rel)
		}
		files["proposal/"+clean] = data
	}

	record, err := json.MarshalIndent(in.Record, "", "  ")
	if err != nil {
		return nil, err
	}
	files["record.json"] = record
	if in.Report != nil {
		if files["report.json"], err = json.MarshalIndent(in.Report, "", "  "); err != nil {
			return nil, err
		}
	}
	if in.Evaluation != nil {
		if files["evaluation.json"], err = json.MarshalIndent(in.Evaluation, "", "  "); err != nil {
			return nil, err
		}
	}

	var ledgerLines bytes.Buffer
	manifest := Manifest{
		Schema:     manifestSchema,
		ProposalID: in.Record.ProposalID,
		Status:     string(in.Record.Status),
		CreatedAt:  in.CreatedAt,
	}
	for _, e := range in.Entries {
		line, err := json.Marshal(e)
		if err != nil {
			return nil, err
		}
		ledgerLines.Write(line)
		ledgerLines.WriteByte('\n')
		if e.ContentDigest != "" {
			manifest.ContentDigest = e.ContentDigest
		}
		manifest.LedgerHead = e.EntryHash
	}
	files["ledger.jsonl"] = ledgerLines.Bytes()

	names := sortedNames(files)
	var sums strings.Builder
	for _, name := range names {
		sum := crypto.DigestHex(files[name])
		manifest.Files = append(manifest.Files, ManifestFile{Name: name, SHA256: sum, Size: len(files[name])})
		fmt.Fprintf(&sums, "%s  %s\n", sum, name)
	}
	if files["manifest.json"], err = json.MarshalIndent(manifest, "", "  "); err != nil {
		return nil, err
	}
	files["sha256sums.txt"] = []byte(sums.String())
	return files, nil
}

// WriteZip writes files in name order with a fixed timestamp, so equal inputs give equal zips.
func WriteZip(w io.Writer, files map[string][]byte) error {
	zw := zip.NewWriter(w)
	epoch := time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, name := range sortedNames(files) {
		fw, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate, Modified: epoch})
		if err != nil {
			return err
		}
		if _, err := fw.Write(files[name]); err != nil {
			return err
		}
	}
	return zw.Close()
}

func BuildZip(in Input) ([]byte, error) {
	files, err := BuildFiles(in)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := WriteZip(&buf, files); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ReadArtifacts loads every regular file under dir keyed by slash-separated relative path.
func ReadArtifacts(dir string) (map[string][]byte, error) {
	out := map[string][]byte{}
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		// #nosec G304 -- p is inside the proposal directory being packed.
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		out[filepath.ToSlash(rel)] = data
		return nil
	})
	return out, err
}

func sortedNames(files map[string][]byte) []string {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

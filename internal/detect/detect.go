// Package detect consumes the rule-matching collaborator's tabular output
// and flags the corresponding documents in the search backend. The matching
// engine itself is external; this is its file-in/CSV-out boundary.
package detect

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/siftd/casepipe/internal/esindex"
	"github.com/siftd/casepipe/internal/identity"
	"github.com/siftd/casepipe/internal/store"
)

// Match is one row of the collaborator's result table.
type Match struct {
	RuleID    string
	RuleTitle string
	Timestamp time.Time
	Host      string
	EventID   string
	// ContentDigest is the digest of the matched record's content-bearing
	// fields, used to re-derive the document identifier.
	ContentDigest string
}

// column layout of the collaborator's CSV contract.
const (
	colRuleID = iota
	colRuleTitle
	colTimestamp
	colHost
	colEventID
	colDigest
	colCount
)

// ParseResults reads the collaborator's CSV. A header row is tolerated.
// Malformed rows are skipped and counted, mirroring the per-record failure
// policy elsewhere in the pipeline.
func ParseResults(r io.Reader) ([]Match, int, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	var matches []Match
	skipped := 0
	first := true
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			skipped++
			continue
		}
		if first {
			first = false
			if strings.EqualFold(strings.TrimSpace(row[colRuleID]), "rule_id") {
				continue
			}
		}
		if len(row) < colCount {
			skipped++
			continue
		}
		ts, ok := parseTime(row[colTimestamp])
		if !ok {
			skipped++
			continue
		}
		matches = append(matches, Match{
			RuleID:        strings.TrimSpace(row[colRuleID]),
			RuleTitle:     strings.TrimSpace(row[colRuleTitle]),
			Timestamp:     ts,
			Host:          strings.TrimSpace(row[colHost]),
			EventID:       strings.TrimSpace(row[colEventID]),
			ContentDigest: strings.TrimSpace(row[colDigest]),
		})
	}
	return matches, skipped, nil
}

func parseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

// Runner invokes the external rule-matching binary against a decoded
// artifact and applies the resulting matches.
type Runner struct {
	logger *zap.Logger
	writer *esindex.Writer
	// Binary is the collaborator executable; empty disables detection.
	Binary string
	// RulesDir is the merged rule-set directory passed to the collaborator.
	RulesDir string
}

// NewRunner builds a Runner. An empty binary path yields a no-op runner.
func NewRunner(logger *zap.Logger, writer *esindex.Writer, binary, rulesDir string) *Runner {
	return &Runner{logger: logger, writer: writer, Binary: binary, RulesDir: rulesDir}
}

// Run satisfies pipeline.Detector: it executes the collaborator with the
// artifact path and rule directory, parses the CSV it emits, and flags the
// matched documents. Returns the number of matches.
func (r *Runner) Run(ctx context.Context, artifact store.Artifact) (int, error) {
	if r.Binary == "" {
		return 0, nil
	}

	out, err := os.CreateTemp("", "casepipe-detect-*.csv")
	if err != nil {
		return 0, err
	}
	defer os.Remove(out.Name())
	defer out.Close()

	cmd := exec.CommandContext(ctx, r.Binary,
		"--input", artifact.StagedPath,
		"--rules", r.RulesDir,
		"--output", out.Name())
	if raw, err := cmd.CombinedOutput(); err != nil {
		return 0, fmt.Errorf("rule matcher failed: %w: %s", err, firstLine(raw))
	}

	if _, err := out.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	matches, skipped, err := ParseResults(out)
	if err != nil {
		return 0, err
	}
	if skipped > 0 {
		r.logger.Warn("skipped malformed rule-match rows",
			zap.String("artifact", artifact.ID), zap.Int("rows", skipped))
	}
	if err := r.Apply(ctx, artifact, matches); err != nil {
		return 0, err
	}
	return len(matches), nil
}

// Apply re-derives the document identifier for each match from its
// canonical fields, exactly as the indexing stage did, and flags those
// documents. The shared derivation is what makes the flags land on the
// right documents without a search round-trip.
func (r *Runner) Apply(ctx context.Context, artifact store.Artifact, matches []Match) error {
	if len(matches) == 0 {
		return nil
	}
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		ids = append(ids, identity.DocumentID(
			artifact.CaseID, m.EventID, m.Host, m.Timestamp, m.ContentDigest))
	}
	return r.writer.FlagDocuments(ctx, esindex.IndexName(artifact.CaseID), ids, "rule_match")
}

func firstLine(b []byte) string {
	s := strings.TrimSpace(string(b))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}

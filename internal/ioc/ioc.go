// Package ioc queries the search backend for indicator values and flags the
// matching documents. The indicator query language itself is external; this
// is the count-and-flag boundary the pipeline consumes.
package ioc

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/siftd/casepipe/internal/esindex"
	"github.com/siftd/casepipe/internal/store"
)

// Kind selects which fields an indicator is matched against.
type Kind string

const (
	// KindFreeText matches against all fields with a wildcard query.
	KindFreeText Kind = "freetext"
	// KindHost matches against the canonical host field.
	KindHost Kind = "host"
	// KindAccount matches against account-bearing fields.
	KindAccount Kind = "account"
)

// Indicator is one value to hunt for across a case's documents.
type Indicator struct {
	Kind  Kind
	Value string
}

// fields returns the targeted field list for structured indicators; empty
// means wildcard-all.
func (i Indicator) fields() []string {
	switch i.Kind {
	case KindHost:
		return []string{"host"}
	case KindAccount:
		return []string{"data.TargetUserName", "data.SubjectUserName", "data.user"}
	default:
		return nil
	}
}

// Scanner runs indicator lookups for one artifact's case index.
type Scanner struct {
	logger     *zap.Logger
	writer     *esindex.Writer
	Indicators []Indicator
}

// NewScanner builds a Scanner over a fixed indicator set. An empty set
// yields a no-op scanner.
func NewScanner(logger *zap.Logger, writer *esindex.Writer, indicators []Indicator) *Scanner {
	return &Scanner{logger: logger, writer: writer, Indicators: indicators}
}

// Scan satisfies pipeline.IndicatorScanner: for each indicator it counts
// matches among the artifact's documents and flags them. Returns the total
// match count for the record's counters.
func (s *Scanner) Scan(ctx context.Context, artifact store.Artifact) (int, error) {
	if len(s.Indicators) == 0 {
		return 0, nil
	}
	index := esindex.IndexName(artifact.CaseID)
	total := 0
	for _, ind := range s.Indicators {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, ids, err := s.match(ctx, index, artifact.ID, ind)
		if err != nil {
			return total, fmt.Errorf("indicator %q: %w", ind.Value, err)
		}
		if n == 0 {
			continue
		}
		total += n
		if err := s.writer.FlagDocuments(ctx, index, ids, "ioc_match"); err != nil {
			return total, err
		}
		s.logger.Info("indicator matched",
			zap.String("case", artifact.CaseID),
			zap.String("indicator", ind.Value),
			zap.Int("hits", n))
	}
	return total, nil
}

func (s *Scanner) match(ctx context.Context, index, artifactID string, ind Indicator) (int, []string, error) {
	query := map[string]any{
		"size":    10000,
		"_source": false,
		"query": map[string]any{
			"bool": map[string]any{
				"filter": []any{
					map[string]any{"term": map[string]any{"artifact_id": artifactID}},
					indicatorQuery(ind),
				},
			},
		},
	}

	res, err := s.writer.Search(ctx, index, query)
	if err != nil {
		return 0, nil, err
	}

	hitsWrap, _ := res["hits"].(map[string]any)
	hitList, _ := hitsWrap["hits"].([]any)
	ids := make([]string, 0, len(hitList))
	for _, h := range hitList {
		hit, _ := h.(map[string]any)
		if id, ok := hit["_id"].(string); ok {
			ids = append(ids, id)
		}
	}
	return len(ids), ids, nil
}

// indicatorQuery maps an indicator onto the backend query DSL: free-text
// indicators get a wildcard-all query_string, structured indicators target
// their specific fields.
func indicatorQuery(ind Indicator) map[string]any {
	qs := map[string]any{
		"query": escapeQuery(ind.Value),
	}
	if fields := ind.fields(); fields != nil {
		qs["fields"] = fields
	} else {
		qs["query"] = "*" + escapeQuery(ind.Value) + "*"
		qs["analyze_wildcard"] = true
	}
	return map[string]any{"query_string": qs}
}

// escapeQuery neutralizes query_string syntax characters in indicator
// values, which are operator-supplied and untrusted.
var queryEscaper = strings.NewReplacer(
	`\`, `\\`, `+`, `\+`, `-`, `\-`, `=`, `\=`, `&`, `\&`, `|`, `\|`,
	`>`, `\>`, `<`, `\<`, `!`, `\!`, `(`, `\(`, `)`, `\)`, `{`, `\{`,
	`}`, `\}`, `[`, `\[`, `]`, `\]`, `^`, `\^`, `"`, `\"`, `~`, `\~`,
	`?`, `\?`, `:`, `\:`, `/`, `\/`,
)

func escapeQuery(s string) string {
	return queryEscaper.Replace(s)
}

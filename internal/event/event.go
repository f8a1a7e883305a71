// Package event holds the decoded record and normalized event models shared
// by the intake, normalization, and indexing stages.
package event

import (
	"time"
)

// Format identifies the family a decoded artifact belongs to. It drives
// timestamp field-path selection during normalization and the single-record
// rule in the volume filter.
type Format string

const (
	// FormatEvtx is a windows event log converted to JSON records.
	FormatEvtx Format = "evtx"
	// FormatAgentTelemetry is endpoint-agent output (one JSON record per line).
	FormatAgentTelemetry Format = "agent"
	// FormatGeneric is any other structured-text source, including
	// single-entry forensic collection output.
	FormatGeneric Format = "generic"
)

// Recognized reports whether f is a structured-log conversion or an
// agent-telemetry format, as opposed to generic structured text.
func (f Format) Recognized() bool {
	return f == FormatEvtx || f == FormatAgentTelemetry
}

// Record is one decoded log record as produced by the external decoder.
// Fields is the raw decoded JSON object; variable-shaped sub-structures stay
// untouched until normalization.
type Record struct {
	Format Format
	Fields map[string]any
}

// Normalized is the unit written to the search backend. The zero Timestamp
// means the record carried no parseable time; it is still indexed.
type Normalized struct {
	Timestamp  time.Time
	Host       string
	EventID    string
	ArtifactID string
	DocumentID string

	// Data is the original decoded record with ambiguous sub-structures
	// flattened, so downstream consumers can still inspect source fields
	// without destabilizing the index mapping.
	Data map[string]any
}

// Document returns the search-backend document body.
func (n *Normalized) Document() map[string]any {
	doc := map[string]any{
		"host":        n.Host,
		"event_id":    n.EventID,
		"artifact_id": n.ArtifactID,
		"data":        n.Data,
	}
	if !n.Timestamp.IsZero() {
		doc["@timestamp"] = n.Timestamp.UTC().Format(time.RFC3339)
	}
	return doc
}

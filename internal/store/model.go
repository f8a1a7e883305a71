package store

import (
	"fmt"
	"time"
)

// Status is the pipeline position of one processing record. Transitions are
// monotonic along the stage order; the only way back is an explicit
// reprocess, which resets to StatusQueued through ResetForReprocess.
type Status string

const (
	StatusQueued           Status = "queued"
	StatusStagingComplete  Status = "staging_complete"
	StatusIndexing         Status = "indexing"
	StatusDetectionPending Status = "detection_pending"
	StatusIndicatorPending Status = "indicator_pending"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
	StatusCancelled        Status = "cancelled"
)

// Terminal reports whether no further transitions are allowed out of s,
// other than an explicit reprocess.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

var stageOrder = map[Status]int{
	StatusQueued:           0,
	StatusStagingComplete:  1,
	StatusIndexing:         2,
	StatusDetectionPending: 3,
	StatusIndicatorPending: 4,
	StatusCompleted:        5,
}

// CanTransition reports whether from -> to is a legal edge: one step forward
// along the stage order, or into Failed/Cancelled from any non-terminal state.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	if to == StatusFailed || to == StatusCancelled {
		return true
	}
	fo, ok := stageOrder[from]
	if !ok {
		return false
	}
	to2, ok := stageOrder[to]
	if !ok {
		return false
	}
	return to2 == fo+1
}

// Artifact is one uploaded or locally-discovered file accepted for
// processing. Immutable once accepted; removal is a soft delete.
type Artifact struct {
	ID         string    `json:"id"`
	CaseID     string    `json:"case_id"`
	Name       string    `json:"name"`
	Digest     string    `json:"digest"`
	Size       int64     `json:"size"`
	Format     string    `json:"format"`
	Provenance []string  `json:"provenance,omitempty"`
	StagedPath string    `json:"staged_path"`
	Hidden     bool      `json:"hidden"`
	Deleted    bool      `json:"deleted"`
	CreatedAt  time.Time `json:"created_at"`
}

// ProcessingRecord tracks one artifact through the pipeline. Exactly one
// record exists per accepted artifact. Only the orchestrator and the
// dispatcher mutate it.
type ProcessingRecord struct {
	ArtifactID  string `json:"artifact_id"`
	CaseID      string `json:"case_id"`
	Status      Status `json:"status"`
	RecordCount int    `json:"record_count"`
	// DecodeFailures counts records skipped as malformed; never fatal.
	DecodeFailures int `json:"decode_failures"`
	// ViolationCount and IndicatorCount are written by the downstream
	// rule-matching and indicator-matching stages; opaque to this core.
	ViolationCount int    `json:"violation_count"`
	IndicatorCount int    `json:"indicator_count"`
	ErrorDetail    string `json:"error_detail,omitempty"`

	LeaseToken     string    `json:"lease_token,omitempty"`
	LeaseIssuedAt  time.Time `json:"lease_issued_at,omitempty"`
	LeaseHeartbeat time.Time `json:"lease_heartbeat,omitempty"`

	// CancelRequested is advisory until the next stage boundary; the
	// orchestrator checks it before committing a transition.
	CancelRequested bool `json:"cancel_requested,omitempty"`

	Hidden    bool      `json:"hidden"`
	Deleted   bool      `json:"deleted"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SkipEntry records an artifact rejected before queueing, preserving the
// audit trail for duplicates.
type SkipEntry struct {
	CaseID    string    `json:"case_id"`
	Name      string    `json:"name"`
	Digest    string    `json:"digest"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// DedupKey scopes artifact-level uniqueness to the case and content digest.
// The name a copy arrived under does not make it a new artifact.
func DedupKey(caseID, digest string) string {
	return fmt.Sprintf("%s|%s", caseID, digest)
}

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/siftd/casepipe/internal/esindex"
	"github.com/siftd/casepipe/internal/event"
	"github.com/siftd/casepipe/internal/identity"
	"github.com/siftd/casepipe/internal/normalize"
	"github.com/siftd/casepipe/internal/store"
)

// Detector is the rule-matching collaborator boundary. It is given the
// artifact and returns the number of flagged records.
type Detector interface {
	Run(ctx context.Context, artifact store.Artifact) (int, error)
}

// IndicatorScanner is the indicator-matching collaborator boundary.
type IndicatorScanner interface {
	Scan(ctx context.Context, artifact store.Artifact) (int, error)
}

// NopDetector satisfies Detector when no rule engine is configured.
type NopDetector struct{}

func (NopDetector) Run(context.Context, store.Artifact) (int, error) { return 0, nil }

// NopScanner satisfies IndicatorScanner when no indicator set is configured.
type NopScanner struct{}

func (NopScanner) Scan(context.Context, store.Artifact) (int, error) { return 0, nil }

// errCancelled aborts the stage loop when a cancellation request is observed
// at a stage boundary.
var errCancelled = errors.New("cancelled by request")

// Orchestrator advances one claimed artifact through the pipeline stages,
// committing each transition only after the stage's work durably completed.
type Orchestrator struct {
	logger    *zap.Logger
	store     *store.Store
	writer    *esindex.Writer
	detector  Detector
	scanner   IndicatorScanner
	batchSize int
}

// NewOrchestrator wires the state machine. detector and scanner may be the
// Nop implementations.
func NewOrchestrator(logger *zap.Logger, st *store.Store, writer *esindex.Writer, detector Detector, scanner IndicatorScanner, batchSize int) *Orchestrator {
	return &Orchestrator{
		logger:    logger,
		store:     st,
		writer:    writer,
		detector:  detector,
		scanner:   scanner,
		batchSize: batchSize,
	}
}

// Process runs a claimed artifact from its current status to a terminal
// state. Unrecoverable stage errors land the record in Failed with a
// human-readable detail and a cleared lease, leaving it eligible for
// requeue. A crash between stages is safe: document identifiers are derived
// deterministically, so re-running the indexing stage overwrites instead of
// duplicating.
func (o *Orchestrator) Process(ctx context.Context, claim *Claim) error {
	artifact := claim.Artifact
	log := o.logger.With(
		zap.String("case", artifact.CaseID),
		zap.String("artifact", artifact.ID),
		zap.String("name", artifact.Name))

	type stage struct {
		from, to store.Status
		run      func(context.Context) error
	}
	stages := []stage{
		{store.StatusQueued, store.StatusStagingComplete, func(ctx context.Context) error {
			return o.verifyStaged(artifact)
		}},
		{store.StatusStagingComplete, store.StatusIndexing, func(context.Context) error {
			// Entering Indexing marks the start of the write stage; the
			// durable completion gate sits on the exit transition.
			return nil
		}},
		{store.StatusIndexing, store.StatusDetectionPending, func(ctx context.Context) error {
			return o.indexArtifact(ctx, log, artifact)
		}},
		{store.StatusDetectionPending, store.StatusIndicatorPending, func(ctx context.Context) error {
			n, err := o.detector.Run(ctx, artifact)
			if err != nil {
				return fmt.Errorf("rule matching: %w", err)
			}
			return o.store.SetViolationCount(artifact.ID, n)
		}},
		{store.StatusIndicatorPending, store.StatusCompleted, func(ctx context.Context) error {
			n, err := o.scanner.Scan(ctx, artifact)
			if err != nil {
				return fmt.Errorf("indicator matching: %w", err)
			}
			return o.store.SetIndicatorCount(artifact.ID, n)
		}},
	}

	current := claim.State.Status
	for _, st := range stages {
		if st.from != current {
			// Resuming mid-pipeline after a crash or requeue.
			continue
		}
		if err := o.checkCancel(ctx, artifact.ID, current); err != nil {
			return o.stop(log, err)
		}
		if err := st.run(ctx); err != nil {
			return o.fail(ctx, log, artifact.ID, current, err)
		}
		if err := o.checkCancel(ctx, artifact.ID, current); err != nil {
			return o.stop(log, err)
		}
		if err := o.store.TransitionStatus(artifact.ID, st.from, st.to, ""); err != nil {
			return o.fail(ctx, log, artifact.ID, current, err)
		}
		current = st.to
	}

	log.Info("artifact completed", zap.String("status", string(current)))
	return nil
}

// Reprocess clears all downstream artifacts of a completed or failed record
// (index documents, counters, match results) and re-enters at Queued. The
// deterministic document identifiers guarantee that the subsequent run
// leaves the backend with exactly the documents a fresh first-time run
// would produce.
func (o *Orchestrator) Reprocess(ctx context.Context, artifactID string) error {
	artifact, err := o.store.GetArtifact(artifactID)
	if err != nil {
		return err
	}
	rec, err := o.store.GetRecord(artifactID)
	if err != nil {
		return err
	}
	if rec.LeaseToken != "" {
		return fmt.Errorf("%w: artifact is being processed", store.ErrConflict)
	}
	if err := o.writer.DeleteByArtifact(ctx, esindex.IndexName(artifact.CaseID), artifactID); err != nil {
		return fmt.Errorf("clearing indexed documents: %w", err)
	}
	if err := o.store.ResetForReprocess(artifactID); err != nil {
		return err
	}
	o.logger.Info("artifact requeued for reprocessing",
		zap.String("case", artifact.CaseID), zap.String("artifact", artifactID))
	return nil
}

// verifyStaged confirms the staged file survived since intake.
func (o *Orchestrator) verifyStaged(artifact store.Artifact) error {
	if _, err := os.Stat(artifact.StagedPath); err != nil {
		return fmt.Errorf("staged file missing: %w", err)
	}
	return nil
}

// indexArtifact decodes, normalizes and bulk-writes the artifact's records.
// Per-record decode failures are counted, never fatal. The transition out of
// Indexing is committed by the caller only after every batch was verified
// acknowledged.
func (o *Orchestrator) indexArtifact(ctx context.Context, log *zap.Logger, artifact store.Artifact) error {
	f, err := os.Open(artifact.StagedPath)
	if err != nil {
		return fmt.Errorf("opening staged file: %w", err)
	}
	defer f.Close()

	index := esindex.IndexName(artifact.CaseID)
	if err := o.writer.EnsureIndex(ctx, index); err != nil {
		return err
	}

	batch := make([]esindex.Document, 0, o.batchSize)
	noTimestamp := 0
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		stats, err := o.writer.BulkWrite(ctx, index, batch)
		if err != nil {
			return err
		}
		log.Debug("bulk batch acknowledged",
			zap.Int("submitted", stats.Submitted),
			zap.Int("acked", stats.Acked),
			zap.Int("failed", stats.Failed))
		batch = batch[:0]
		return nil
	}

	decoded, failed, err := event.DecodeStream(f, event.Format(artifact.Format), func(rec event.Record) error {
		res := normalize.Normalize(rec)
		if !res.TimestampOK {
			noTimestamp++
		}
		n := event.Normalized{
			Timestamp:  res.Timestamp,
			Host:       res.Host,
			EventID:    res.EventID,
			ArtifactID: artifact.ID,
			Data:       res.Data,
		}
		n.DocumentID = identity.DocumentID(
			artifact.CaseID, res.EventID, res.Host, res.Timestamp,
			identity.HashFields(rec.Fields))
		batch = append(batch, esindex.Document{ID: n.DocumentID, Body: n.Document()})
		if len(batch) >= o.batchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := flush(); err != nil {
		return err
	}

	if noTimestamp > 0 {
		log.Warn("records indexed without a parseable timestamp",
			zap.Int("count", noTimestamp))
	}
	return o.store.SetCounts(artifact.ID, decoded, failed)
}

// checkCancel enforces the cancellation contract at a stage boundary:
// context cancellation and an operator cancel request both stop the
// pipeline before the next transition commits.
func (o *Orchestrator) checkCancel(ctx context.Context, artifactID string, current store.Status) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rec, err := o.store.GetRecord(artifactID)
	if err != nil {
		return err
	}
	if rec.CancelRequested {
		if err := o.store.TransitionStatus(artifactID, current, store.StatusCancelled, "cancelled by request"); err != nil {
			return err
		}
		return errCancelled
	}
	return nil
}

func (o *Orchestrator) stop(log *zap.Logger, err error) error {
	if errors.Is(err, errCancelled) {
		log.Info("artifact cancelled at stage boundary")
		return nil
	}
	// Context cancellation: leave the record as-is; the lease heartbeat will
	// lapse and a later worker resumes from the committed state.
	log.Warn("processing interrupted", zap.Error(err))
	return err
}

// fail lands the record in Failed with the specific error detail, so an
// operator can tell a schema conflict from a capacity ceiling from a raw
// I/O fault, and clears the lease so the artifact is eligible for requeue.
// A stage aborted by context cancellation is an interruption, not a
// failure: the record stays at its last committed status and a later
// worker resumes it once the lease lapses.
func (o *Orchestrator) fail(ctx context.Context, log *zap.Logger, artifactID string, current store.Status, cause error) error {
	if ctx.Err() != nil || errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		log.Warn("processing interrupted mid-stage",
			zap.String("stage", string(current)), zap.Error(cause))
		return cause
	}
	log.Error("stage failed", zap.String("stage", string(current)), zap.Error(cause))
	if err := o.store.TransitionStatus(artifactID, current, store.StatusFailed, cause.Error()); err != nil {
		log.Error("could not record failure", zap.Error(err))
		return err
	}
	return cause
}

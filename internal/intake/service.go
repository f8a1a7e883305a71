package intake

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/siftd/casepipe/internal/event"
	"github.com/siftd/casepipe/internal/store"
)

// ErrDuplicateArtifact marks an artifact whose content digest was already
// accepted for the case, whatever name the copy arrived under. Not a
// failure: logged, skipped, audit-trailed.
var ErrDuplicateArtifact = errors.New("duplicate artifact")

// formatSampleSize is how much of a staged file the format detector reads.
const formatSampleSize = 4096

// Result summarizes one intake batch.
type Result struct {
	Queued  []store.Artifact
	Hidden  []store.Artifact
	Skipped int
}

// Service drives an uploaded or locally-discovered artifact through
// staging, expansion, deduplication and the volume filter, and queues the
// survivors as processing records.
type Service struct {
	logger   *zap.Logger
	stager   *Stager
	expander *Expander
	store    *store.Store
}

// NewService wires the intake pipeline.
func NewService(logger *zap.Logger, stager *Stager, expander *Expander, st *store.Store) *Service {
	return &Service{logger: logger, stager: stager, expander: expander, store: st}
}

// Ingest stages one byte source for a case and queues every surviving leaf
// file. Container expansion failures and duplicates are recorded and
// skipped; they never abort the rest of the batch.
func (s *Service) Ingest(ctx context.Context, caseID, name string, src io.Reader) (Result, error) {
	staged, err := s.stager.Stage(ctx, caseID, name, src)
	if err != nil {
		return Result{}, err
	}
	return s.admit(ctx, staged)
}

// IngestLocal ingests a locally-discovered file by path.
func (s *Service) IngestLocal(ctx context.Context, caseID, path string) (Result, error) {
	staged, err := s.stager.StageLocal(ctx, caseID, path)
	if err != nil {
		return Result{}, err
	}
	return s.admit(ctx, staged)
}

func (s *Service) admit(ctx context.Context, staged StagedFile) (Result, error) {
	// Reject a re-upload before spending any time expanding it.
	if err := s.checkDuplicate(staged); err != nil {
		return Result{Skipped: 1}, err
	}

	leaves, err := s.expander.Expand(ctx, staged)
	if err != nil {
		_ = s.store.ReleaseDedup(staged.CaseID, staged.Digest)
		if errors.Is(err, ErrArchiveCorrupt) {
			s.logger.Warn("skipping corrupt container",
				zap.String("case", staged.CaseID),
				zap.String("name", staged.Name),
				zap.Error(err))
			_ = os.Remove(staged.Path)
			return Result{Skipped: 1}, err
		}
		return Result{}, err
	}

	var res Result
	var errs []error
	for _, leaf := range leaves {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		// Members extracted from a container get their own dedup check;
		// the same log shipped in two bundles should index once.
		if leaf.Path != staged.Path {
			if err := s.checkDuplicate(leaf); err != nil {
				if errors.Is(err, ErrDuplicateArtifact) {
					res.Skipped++
					continue
				}
				errs = append(errs, err)
				continue
			}
		}

		// The leaf was written under a temporary name; it takes its final
		// path only now that deduplication accepted it.
		promoted, err := s.stager.Promote(leaf)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		artifact, err := s.queue(promoted)
		if err != nil {
			errs = append(errs, fmt.Errorf("queueing %s: %w", promoted.Name, err))
			continue
		}
		if artifact.Hidden {
			res.Hidden = append(res.Hidden, artifact)
		} else {
			res.Queued = append(res.Queued, artifact)
		}
	}
	return res, multierr.Combine(errs...)
}

// checkDuplicate reserves the case-scoped content digest or records the
// skip. The temporarily staged copy of a duplicate is removed; exactly one
// staged copy survives, the one accepted first.
func (s *Service) checkDuplicate(staged StagedFile) error {
	err := s.store.CheckAndReserveDedup(staged.CaseID, staged.Digest)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrDuplicateKey) {
		return err
	}
	s.logger.Info("skipping duplicate artifact",
		zap.String("case", staged.CaseID),
		zap.String("name", staged.Name),
		zap.String("digest", staged.Digest))
	if err := s.store.RecordSkip(store.SkipEntry{
		CaseID: staged.CaseID,
		Name:   staged.Name,
		Digest: staged.Digest,
		Reason: "duplicate content+name",
	}); err != nil {
		return err
	}
	_ = os.Remove(staged.Path)
	return fmt.Errorf("%w: %s", ErrDuplicateArtifact, staged.Name)
}

// queue applies the volume filter and persists the artifact with its
// processing record. Zero-record artifacts, and single-record artifacts of
// the generic structured-text family, are archived and hidden rather than
// deleted, preserving the audit trail.
func (s *Service) queue(leaf StagedFile) (store.Artifact, error) {
	format, count, err := s.inspect(leaf)
	if err != nil {
		return store.Artifact{}, err
	}

	artifact := store.Artifact{
		ID:         uuid.NewString(),
		CaseID:     leaf.CaseID,
		Name:       leaf.Name,
		Digest:     leaf.Digest,
		Size:       leaf.Size,
		Format:     string(format),
		Provenance: leaf.Provenance,
		StagedPath: leaf.Path,
	}

	hide := count == 0 || (count == 1 && !format.Recognized())
	if hide {
		archived, err := s.stager.Archive(leaf.CaseID, leaf)
		if err != nil {
			return store.Artifact{}, err
		}
		artifact.StagedPath = archived
		artifact.Hidden = true
		s.logger.Info("hiding near-zero-volume artifact",
			zap.String("case", leaf.CaseID),
			zap.String("name", leaf.Name),
			zap.Int("records", count),
			zap.String("format", string(format)))
	}

	if err := s.store.CreateArtifact(artifact); err != nil {
		return store.Artifact{}, err
	}
	return artifact, nil
}

// inspect detects the format and cheaply counts logical records without
// normalizing anything.
func (s *Service) inspect(leaf StagedFile) (event.Format, int, error) {
	f, err := os.Open(leaf.Path)
	if err != nil {
		return "", 0, fmt.Errorf("inspecting %s: %w", leaf.Name, err)
	}
	defer f.Close()

	sample := make([]byte, formatSampleSize)
	n, err := io.ReadFull(f, sample)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", 0, fmt.Errorf("sampling %s: %w", leaf.Name, err)
	}
	format := event.DetectFormat(leaf.Name, sample[:n])

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", 0, err
	}
	count, err := event.CountRecords(f)
	if err != nil {
		return "", 0, fmt.Errorf("counting records in %s: %w", leaf.Name, err)
	}
	return format, count, nil
}

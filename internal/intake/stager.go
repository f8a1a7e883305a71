// Package intake moves uploaded artifacts into the per-case staging area,
// expands nested containers, rejects duplicates, and queues the survivors
// for processing.
package intake

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/siftd/casepipe/config"
	"github.com/siftd/casepipe/internal/identity"
)

// StagedFile is one file placed in the staging area, with its streaming
// digest and the container chain it was extracted from.
type StagedFile struct {
	CaseID     string
	Name       string
	Path       string
	Digest     string
	Size       int64
	Provenance []string
}

// Stager copies byte sources into the per-case working area and computes
// their content digest while streaming.
type Stager struct {
	logger *zap.Logger
	root   string
	intake config.IntakeConfig
}

// NewStager builds a Stager rooted at root.
func NewStager(logger *zap.Logger, root string, intake config.IntakeConfig) *Stager {
	return &Stager{logger: logger, root: root, intake: intake}
}

// CaseDir returns the staging directory for a case, creating it on first
// use. MkdirAll is idempotent, so concurrent first use is safe.
func (s *Stager) CaseDir(caseID string) (string, error) {
	dir := filepath.Join(s.root, identity.Sanitize(caseID))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("creating staging dir: %w", err)
	}
	return dir, nil
}

// archiveDir returns the hidden-artifact archive directory for a case.
func (s *Stager) archiveDir(caseID string) (string, error) {
	dir := filepath.Join(s.root, identity.Sanitize(caseID), "archived")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("creating archive dir: %w", err)
	}
	return dir, nil
}

// Stage streams src into the case staging area and returns the staged path
// and content digest. The file lands under an exclusive temporary name so an
// in-flight upload can never truncate an already-accepted artifact; Promote
// moves it to its final name once deduplication accepted it. The partial
// file is removed on any failure.
func (s *Stager) Stage(ctx context.Context, caseID, name string, src io.Reader) (StagedFile, error) {
	dir, err := s.CaseDir(caseID)
	if err != nil {
		return StagedFile{}, err
	}

	f, err := os.CreateTemp(dir, ".stage-*")
	if err != nil {
		return StagedFile{}, fmt.Errorf("creating staged file: %w", err)
	}

	digest, size, err := identity.HashReader(io.TeeReader(contextReader{ctx, src}, f))
	cerr := f.Close()
	if err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(f.Name())
		return StagedFile{}, fmt.Errorf("staging %s: %w", name, err)
	}

	safeName := identity.Sanitize(name)
	s.logger.Debug("staged artifact",
		zap.String("case", caseID),
		zap.String("name", safeName),
		zap.String("digest", digest),
		zap.Int64("size", size))

	return StagedFile{
		CaseID: caseID,
		Name:   safeName,
		Path:   f.Name(),
		Digest: digest,
		Size:   size,
	}, nil
}

// Promote moves an accepted staged file from its temporary intake location
// to its final name-derived path. An existing staged file is never
// overwritten: two accepted artifacts sharing a name get digest-qualified
// paths, while each keeps its own name in the data model.
func (s *Stager) Promote(staged StagedFile) (StagedFile, error) {
	dir, err := s.CaseDir(staged.CaseID)
	if err != nil {
		return StagedFile{}, err
	}
	dst := filepath.Join(dir, staged.Name)
	if _, err := os.Stat(dst); err == nil {
		short := staged.Digest
		if len(short) > 8 {
			short = short[:8]
		}
		dst = filepath.Join(dir, short+"_"+staged.Name)
	}
	if err := os.Rename(staged.Path, dst); err != nil {
		return StagedFile{}, fmt.Errorf("promoting %s: %w", staged.Name, err)
	}
	staged.Path = dst
	return staged, nil
}

// StageLocal stages a locally-discovered file by path.
func (s *Stager) StageLocal(ctx context.Context, caseID, path string) (StagedFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return StagedFile{}, fmt.Errorf("opening local artifact: %w", err)
	}
	defer f.Close()
	return s.Stage(ctx, caseID, filepath.Base(path), f)
}

// Archive moves a staged file into the hidden-artifact archive, preserving
// it for the administrative view instead of deleting it.
func (s *Stager) Archive(caseID string, staged StagedFile) (string, error) {
	dir, err := s.archiveDir(caseID)
	if err != nil {
		return "", err
	}
	dst := filepath.Join(dir, staged.Name)
	if err := os.Rename(staged.Path, dst); err != nil {
		return "", fmt.Errorf("archiving %s: %w", staged.Name, err)
	}
	return dst, nil
}

// contextReader aborts a long copy when the context is cancelled.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

package intake

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/siftd/casepipe/config"
	"github.com/siftd/casepipe/internal/identity"
)

// ErrArchiveCorrupt marks a container that could not be opened. The
// container is skipped and logged; sibling files continue.
var ErrArchiveCorrupt = errors.New("archive corrupt")

// errDepthExceeded stops pathological nesting (zip bombs).
var errDepthExceeded = errors.New("archive nesting depth exceeded")

// Expander recursively unpacks nested containers into the staging area.
// Extracted members are renamed with their provenance chain prepended, so a
// file two containers deep keeps both ancestor names in order. Exhausted
// containers are deleted.
type Expander struct {
	logger  *zap.Logger
	stager  *Stager
	allowed map[string]struct{}
	cfg     config.IntakeConfig
}

// NewExpander builds an Expander sharing the stager's case directories.
func NewExpander(logger *zap.Logger, stager *Stager, cfg config.IntakeConfig) *Expander {
	allowed := make(map[string]struct{}, len(cfg.AllowedExtensions))
	for _, ext := range cfg.AllowedExtensions {
		allowed[strings.ToLower(ext)] = struct{}{}
	}
	return &Expander{logger: logger, stager: stager, allowed: allowed, cfg: cfg}
}

// IsContainer reports whether name looks like a compressed container.
func IsContainer(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".zip", ".gz":
		return true
	default:
		return false
	}
}

// Expand returns the leaf files obtained from staged. Non-containers pass
// through unchanged. A corrupt root container returns ErrArchiveCorrupt;
// corruption deeper in the tree skips that subtree and keeps its siblings.
func (e *Expander) Expand(ctx context.Context, staged StagedFile) ([]StagedFile, error) {
	if !IsContainer(staged.Name) {
		return []StagedFile{staged}, nil
	}
	chain := append(append([]string(nil), staged.Provenance...), stripContainerExt(staged.Name))
	return e.expandContainer(ctx, staged, chain, 0)
}

func (e *Expander) expandContainer(ctx context.Context, cont StagedFile, chain []string, depth int) ([]StagedFile, error) {
	if depth >= e.cfg.MaxArchiveDepth {
		return nil, fmt.Errorf("%w at %s", errDepthExceeded, cont.Name)
	}

	var (
		leaves []StagedFile
		err    error
	)
	switch strings.ToLower(filepath.Ext(cont.Name)) {
	case ".zip":
		leaves, err = e.expandZip(ctx, cont, chain, depth)
	case ".gz":
		leaves, err = e.expandGzip(ctx, cont, chain, depth)
	default:
		return []StagedFile{cont}, nil
	}
	if err != nil {
		return nil, err
	}

	if rmErr := os.Remove(cont.Path); rmErr != nil {
		e.logger.Warn("could not delete exhausted container",
			zap.String("path", cont.Path), zap.Error(rmErr))
	}
	return leaves, nil
}

func (e *Expander) expandZip(ctx context.Context, cont StagedFile, chain []string, depth int) ([]StagedFile, error) {
	zr, err := zip.OpenReader(cont.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrArchiveCorrupt, cont.Name, err)
	}
	defer zr.Close()

	var leaves []StagedFile
	for _, member := range zr.File {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if member.FileInfo().IsDir() {
			continue
		}
		// Member paths inside the archive are untrusted. Flattening the whole
		// path into one sanitized segment defeats traversal tricks while
		// keeping same-named members from different directories distinct.
		base := identity.Sanitize(path.Clean(member.Name))
		if !e.allowedMember(base) {
			e.logger.Info("skipping archive member not on allow-list",
				zap.String("container", cont.Name), zap.String("member", base))
			continue
		}

		rc, err := member.Open()
		if err != nil {
			e.logger.Warn("skipping unreadable archive member",
				zap.String("container", cont.Name),
				zap.String("member", base),
				zap.Error(err))
			continue
		}
		extracted, err := e.writeMember(ctx, cont.CaseID, chain, base, rc)
		rc.Close()
		if err != nil {
			e.logger.Warn("skipping archive member",
				zap.String("container", cont.Name),
				zap.String("member", base),
				zap.Error(err))
			continue
		}

		children, err := e.descend(ctx, extracted, chain, base, depth)
		if err != nil {
			continue
		}
		leaves = append(leaves, children...)
	}
	return leaves, nil
}

func (e *Expander) expandGzip(ctx context.Context, cont StagedFile, chain []string, depth int) ([]StagedFile, error) {
	f, err := os.Open(cont.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrArchiveCorrupt, cont.Name, err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrArchiveCorrupt, cont.Name, err)
	}
	defer gz.Close()

	// The chain already ends with this container's segment; the single gzip
	// member keeps the container's own base name unless the header names one.
	base := chain[len(chain)-1]
	if gz.Name != "" {
		base = path.Base(gz.Name)
	}
	parentChain := chain[:len(chain)-1]
	if !e.allowedMember(base) {
		e.logger.Info("skipping gzip member not on allow-list",
			zap.String("container", cont.Name), zap.String("member", base))
		return nil, nil
	}
	extracted, err := e.writeMember(ctx, cont.CaseID, parentChain, base, gz)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrArchiveCorrupt, cont.Name, err)
	}
	return e.descend(ctx, extracted, parentChain, base, depth)
}

// descend recurses into extracted when it is itself a container, folding its
// members up. Corruption below the root skips the subtree, not the batch.
func (e *Expander) descend(ctx context.Context, extracted StagedFile, chain []string, memberBase string, depth int) ([]StagedFile, error) {
	if !IsContainer(memberBase) {
		return []StagedFile{extracted}, nil
	}
	childChain := append(append([]string(nil), chain...), stripContainerExt(memberBase))
	children, err := e.expandContainer(ctx, extracted, childChain, depth+1)
	if err != nil {
		e.logger.Warn("skipping corrupt nested container",
			zap.String("member", extracted.Name), zap.Error(err))
		_ = os.Remove(extracted.Path)
		return nil, err
	}
	return children, nil
}

// writeMember streams one member into the staging area under its
// provenance-prefixed name, hashing as it goes.
func (e *Expander) writeMember(ctx context.Context, caseID string, chain []string, base string, src io.Reader) (StagedFile, error) {
	name := memberName(chain, base)
	limited := io.LimitReader(src, e.cfg.MaxMemberSize)
	staged, err := e.stager.Stage(ctx, caseID, name, limited)
	if err != nil {
		return StagedFile{}, err
	}
	staged.Provenance = append([]string(nil), chain...)
	return staged, nil
}

func (e *Expander) allowedMember(base string) bool {
	ext := strings.ToLower(filepath.Ext(base))
	if ext == "" {
		// Extensionless members are common in forensic collections; they
		// pass through and the volume filter decides their fate.
		return true
	}
	_, ok := e.allowed[ext]
	return ok
}

// memberName joins the provenance chain and the member's own name with
// underscores. Every segment is sanitized, so the result is safe both as a
// file name and later as a document-identifier component.
func memberName(chain []string, base string) string {
	segs := make([]string, 0, len(chain)+1)
	for _, c := range chain {
		segs = append(segs, identity.Sanitize(c))
	}
	segs = append(segs, identity.Sanitize(base))
	return strings.Join(segs, "_")
}

func stripContainerExt(name string) string {
	for IsContainer(name) {
		name = strings.TrimSuffix(name, filepath.Ext(name))
	}
	return name
}

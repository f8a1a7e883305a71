package intake

import (
	"archive/zip"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/siftd/casepipe/config"
	"github.com/siftd/casepipe/internal/store"
)

const evtxRecord = `{"Event":{"System":{"EventID":4624,"Computer":"WS01","TimeCreated":{"#attributes":{"SystemTime":"2024-03-01T12:30:45Z"}}}}}`

func threeRecords() string {
	return strings.Join([]string{evtxRecord, evtxRecord, evtxRecord}, "\n")
}

type testEnv struct {
	svc    *Service
	stager *Stager
	store  *store.Store
	root   string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := zaptest.NewLogger(t)
	root := t.TempDir()
	cfg := config.Default().Intake

	st, err := store.Open(logger, filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, st.Close()) })

	stager := NewStager(logger, root, cfg)
	expander := NewExpander(logger, stager, cfg)
	return &testEnv{
		svc:    NewService(logger, stager, expander, st),
		stager: stager,
		store:  st,
		root:   root,
	}
}

func zipBytes(t *testing.T, members map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range members {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func caseFiles(t *testing.T, root, caseID string) []string {
	t.Helper()
	var names []string
	entries, err := os.ReadDir(filepath.Join(root, caseID))
	require.NoError(t, err)
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names
}

func TestStageComputesStreamingDigest(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	staged, err := env.stager.Stage(context.Background(), "C1", "security.evtx", strings.NewReader(threeRecords()))
	require.NoError(t, err)
	assert.Equal(t, "security.evtx", staged.Name)
	assert.FileExists(t, staged.Path)
	assert.Len(t, staged.Digest, 64)
	assert.EqualValues(t, len(threeRecords()), staged.Size)
}

func TestDuplicateArtifactRejected(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	res, err := env.svc.Ingest(ctx, "C1", "security.evtx", strings.NewReader(threeRecords()))
	require.NoError(t, err)
	require.Len(t, res.Queued, 1)

	// Same bytes, same name: rejected at dedup before queueing.
	_, err = env.svc.Ingest(ctx, "C1", "security.evtx", strings.NewReader(threeRecords()))
	require.ErrorIs(t, err, ErrDuplicateArtifact)

	// Exactly one staged copy survives.
	assert.Len(t, caseFiles(t, env.root, "C1"), 1)

	// Exactly one skip entry with the duplicate reason.
	skips, err := env.store.ListSkips("C1")
	require.NoError(t, err)
	require.Len(t, skips, 1)
	assert.Equal(t, "duplicate content+name", skips[0].Reason)

	// And still exactly one artifact.
	artifacts, err := env.store.ListArtifacts("C1", true)
	require.NoError(t, err)
	assert.Len(t, artifacts, 1)
}

func TestDuplicateContentDifferentNameRejected(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	res, err := env.svc.Ingest(ctx, "C1", "security.evtx", strings.NewReader(threeRecords()))
	require.NoError(t, err)
	require.Len(t, res.Queued, 1)

	// Identical bytes under a new name are still the same content; dedup is
	// keyed on the case-scoped digest, not the arrival name.
	_, err = env.svc.Ingest(ctx, "C1", "security_copy.evtx", strings.NewReader(threeRecords()))
	require.ErrorIs(t, err, ErrDuplicateArtifact)

	// The originally accepted copy is untouched.
	files := caseFiles(t, env.root, "C1")
	require.Equal(t, []string{"security.evtx"}, files)
	content, err := os.ReadFile(filepath.Join(env.root, "C1", "security.evtx"))
	require.NoError(t, err)
	assert.Equal(t, threeRecords(), string(content))

	artifacts, err := env.store.ListArtifacts("C1", true)
	require.NoError(t, err)
	assert.Len(t, artifacts, 1)
}

func TestSameNamedMembersInDifferentDirectoriesBothSurvive(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	hostA := `{"host":"hostA","msg":"boot"}` + "\n" + `{"host":"hostA","msg":"login"}`
	hostB := `{"host":"hostB","msg":"boot"}` + "\n" + `{"host":"hostB","msg":"login"}`
	bundle := zipBytes(t, map[string]string{
		"hostA/sys.log": hostA,
		"hostB/sys.log": hostB,
	})

	res, err := env.svc.Ingest(ctx, "C3", "bundle.zip", bytes.NewReader(bundle))
	require.NoError(t, err)
	require.Len(t, res.Queued, 2)

	// The member's directory is folded into its name, so neither copy of
	// sys.log clobbers the other and each keeps its own bytes.
	byName := make(map[string]store.Artifact, len(res.Queued))
	for _, a := range res.Queued {
		byName[a.Name] = a
	}
	require.Contains(t, byName, "bundle_hostA_sys.log")
	require.Contains(t, byName, "bundle_hostB_sys.log")
	assert.NotEqual(t,
		byName["bundle_hostA_sys.log"].StagedPath,
		byName["bundle_hostB_sys.log"].StagedPath)

	gotA, err := os.ReadFile(byName["bundle_hostA_sys.log"].StagedPath)
	require.NoError(t, err)
	assert.Equal(t, hostA, string(gotA))
	gotB, err := os.ReadFile(byName["bundle_hostB_sys.log"].StagedPath)
	require.NoError(t, err)
	assert.Equal(t, hostB, string(gotB))
}

func TestAcceptedFileNeverOverwrittenByNameCollision(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	first := threeRecords()
	second := strings.Join([]string{evtxRecord, evtxRecord}, "\n")

	resFirst, err := env.svc.Ingest(ctx, "C1", "sys.log", strings.NewReader(first))
	require.NoError(t, err)
	require.Len(t, resFirst.Queued, 1)

	// Different content under the same name is a new artifact; the earlier
	// staged copy stays where it was and keeps its bytes.
	resSecond, err := env.svc.Ingest(ctx, "C1", "sys.log", strings.NewReader(second))
	require.NoError(t, err)
	require.Len(t, resSecond.Queued, 1)

	assert.NotEqual(t, resFirst.Queued[0].StagedPath, resSecond.Queued[0].StagedPath)

	gotFirst, err := os.ReadFile(resFirst.Queued[0].StagedPath)
	require.NoError(t, err)
	assert.Equal(t, first, string(gotFirst))
	gotSecond, err := os.ReadFile(resSecond.Queued[0].StagedPath)
	require.NoError(t, err)
	assert.Equal(t, second, string(gotSecond))
}

func TestNestedArchiveExpansion(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	appLog := evtxRecord + "\n" + evtxRecord
	inner := zipBytes(t, map[string]string{"app.log": appLog})
	bundle := zipBytes(t, map[string]string{"inner.zip": string(inner)})

	res, err := env.svc.Ingest(ctx, "C2", "bundle.zip", bytes.NewReader(bundle))
	require.NoError(t, err)
	require.Len(t, res.Queued, 1)

	// The leaf carries both ancestor container names, in order.
	artifact := res.Queued[0]
	assert.Equal(t, "bundle_inner_app.log", artifact.Name)
	assert.Equal(t, []string{"bundle", "inner"}, artifact.Provenance)

	// The containers themselves are gone from the staging area.
	files := caseFiles(t, env.root, "C2")
	assert.Equal(t, []string{"bundle_inner_app.log"}, files)
}

func TestArchiveMemberAllowList(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	bundle := zipBytes(t, map[string]string{
		"good.log":    evtxRecord + "\n" + evtxRecord,
		"payload.exe": "MZ\x90\x00",
	})

	res, err := env.svc.Ingest(ctx, "C1", "bundle.zip", bytes.NewReader(bundle))
	require.NoError(t, err)
	require.Len(t, res.Queued, 1)
	assert.Equal(t, "bundle_good.log", res.Queued[0].Name)

	for _, name := range caseFiles(t, env.root, "C1") {
		assert.NotContains(t, name, "payload", "disallowed member must not be extracted")
	}
}

func TestCorruptArchiveSkipped(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.Ingest(ctx, "C1", "broken.zip", strings.NewReader("this is not a zip"))
	require.ErrorIs(t, err, ErrArchiveCorrupt)

	// The corrupt container is removed and nothing was queued, but the
	// batch as a whole is not poisoned: the next upload works.
	res, err := env.svc.Ingest(ctx, "C1", "fine.json", strings.NewReader(evtxRecord+"\n"+evtxRecord))
	require.NoError(t, err)
	assert.Len(t, res.Queued, 1)
}

func TestCorruptNestedContainerKeepsSiblings(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	bundle := zipBytes(t, map[string]string{
		"good.log":   evtxRecord + "\n" + evtxRecord,
		"broken.zip": "not really a zip",
	})

	res, err := env.svc.Ingest(ctx, "C1", "bundle.zip", bytes.NewReader(bundle))
	require.NoError(t, err)
	require.Len(t, res.Queued, 1, "a corrupt nested container must not take its siblings down")
	assert.Equal(t, "bundle_good.log", res.Queued[0].Name)
}

func TestVolumeFilterZeroRecords(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	res, err := env.svc.Ingest(ctx, "C1", "empty.json", strings.NewReader(""))
	require.NoError(t, err)
	require.Len(t, res.Hidden, 1)
	assert.Empty(t, res.Queued)

	hidden := res.Hidden[0]
	assert.True(t, hidden.Hidden)
	// Archived, not deleted: the file moved into the archive subdirectory.
	assert.FileExists(t, hidden.StagedPath)
	assert.Contains(t, hidden.StagedPath, "archived")

	// Retrievable through the administrative hidden view.
	admin, err := env.store.ListArtifacts("C1", true)
	require.NoError(t, err)
	require.Len(t, admin, 1)
	assert.True(t, admin[0].Hidden)

	normal, err := env.store.ListArtifacts("C1", false)
	require.NoError(t, err)
	assert.Empty(t, normal)
}

func TestVolumeFilterSingleRecordGeneric(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	// One registry-key style record in a generic structured-text artifact:
	// hidden, this is not an event log.
	res, err := env.svc.Ingest(ctx, "C1", "registry.json",
		strings.NewReader(`{"registry_key":"HKLM\\Software\\Run"}`))
	require.NoError(t, err)
	assert.Empty(t, res.Queued)
	require.Len(t, res.Hidden, 1)
}

func TestVolumeFilterSingleRecordRecognizedFormat(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	// A recognized structured-log conversion with exactly one record is
	// queued normally.
	res, err := env.svc.Ingest(ctx, "C1", "single.json", strings.NewReader(evtxRecord))
	require.NoError(t, err)
	assert.Empty(t, res.Hidden)
	require.Len(t, res.Queued, 1)
	assert.False(t, res.Queued[0].Hidden)
}

func TestGzipExpansion(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write([]byte(evtxRecord + "\n" + evtxRecord))
	require.NoError(t, err)
	require.NoError(t, gz.Close())

	res, err := env.svc.Ingest(ctx, "C1", "app.log.gz", bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	require.Len(t, res.Queued, 1)
	assert.Equal(t, "app.log", res.Queued[0].Name)

	files := caseFiles(t, env.root, "C1")
	assert.Equal(t, []string{"app.log"}, files)
}

func TestGzipInsideZipKeepsSingleProvenancePrefix(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write([]byte(evtxRecord + "\n" + evtxRecord))
	require.NoError(t, err)
	require.NoError(t, gz.Close())

	archive := zipBytes(t, map[string]string{"app.log.gz": buf.String()})
	res, err := env.svc.Ingest(ctx, "C1", "bundle.zip", bytes.NewReader(archive))
	require.NoError(t, err)
	require.Len(t, res.Queued, 1)

	assert.Equal(t, "bundle_app.log", res.Queued[0].Name)
	assert.Equal(t, []string{"bundle"}, res.Queued[0].Provenance)

	files := caseFiles(t, env.root, "C1")
	assert.Equal(t, []string{"bundle_app.log"}, files)
}

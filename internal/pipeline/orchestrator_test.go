package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/siftd/casepipe/config"
	"github.com/siftd/casepipe/internal/esindex"
	"github.com/siftd/casepipe/internal/store"
)

var testJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// fakeBackend acks every bulk item unless rejectAll is set, and remembers the
// document ids of every acked write so tests can compare runs.
type fakeBackend struct {
	mu        sync.Mutex
	rejectAll bool
	ackedIDs  []string
	deletes   int
}

func (f *fakeBackend) RoundTrip(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case req.Method == http.MethodHead:
		return esResponse(http.StatusOK, ""), nil
	case strings.HasSuffix(req.URL.Path, "/_delete_by_query"):
		f.deletes++
		return esResponse(http.StatusOK, `{"deleted":1}`), nil
	case strings.HasSuffix(req.URL.Path, "/_bulk"):
		return f.bulkResponse(req), nil
	default:
		return esResponse(http.StatusOK, `{}`), nil
	}
}

func (f *fakeBackend) bulkResponse(req *http.Request) *http.Response {
	var items []string
	hasErrors := false
	sc := bufio.NewScanner(req.Body)
	sc.Buffer(make([]byte, 64*1024), 1<<26)
	for sc.Scan() {
		var action map[string]struct {
			ID string `json:"_id"`
		}
		if err := testJSON.Unmarshal(sc.Bytes(), &action); err != nil {
			continue
		}
		meta, ok := action["index"]
		if !ok {
			continue
		}
		if f.rejectAll {
			hasErrors = true
			items = append(items, fmt.Sprintf(
				`{"index":{"_id":%q,"status":400,"error":{"type":"mapper_parsing_exception","reason":"failed to parse"}}}`,
				meta.ID))
			continue
		}
		f.ackedIDs = append(f.ackedIDs, meta.ID)
		items = append(items, fmt.Sprintf(`{"index":{"_id":%q,"status":201}}`, meta.ID))
	}
	body := fmt.Sprintf(`{"took":1,"errors":%t,"items":[%s]}`, hasErrors, strings.Join(items, ","))
	return esResponse(http.StatusOK, body)
}

func (f *fakeBackend) snapshotIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]string(nil), f.ackedIDs...)
	sort.Strings(out)
	return out
}

func (f *fakeBackend) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ackedIDs = nil
}

func esResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Body:       io.NopCloser(bytes.NewReader([]byte(body))),
		Header: http.Header{
			"X-Elastic-Product": []string{"Elasticsearch"},
			"Content-Type":      []string{"application/json"},
		},
	}
}

type countingDetector struct{ runs int }

func (d *countingDetector) Run(context.Context, store.Artifact) (int, error) {
	d.runs++
	return 2, nil
}

type countingScanner struct{ runs int }

func (s *countingScanner) Scan(context.Context, store.Artifact) (int, error) {
	s.runs++
	return 1, nil
}

type pipelineEnv struct {
	store   *store.Store
	backend *fakeBackend
	disp    *Dispatcher
	orch    *Orchestrator
	dir     string
}

func newPipelineEnv(t *testing.T) *pipelineEnv {
	t.Helper()
	s := openTestStore(t)
	backend := &fakeBackend{}

	escfg := config.Default().Elasticsearch
	escfg.BulkTimeout = 5 * time.Second
	writer, err := esindex.NewWriter(zaptest.NewLogger(t), &escfg, backend)
	require.NoError(t, err)

	return &pipelineEnv{
		store:   s,
		backend: backend,
		disp:    NewDispatcher(zaptest.NewLogger(t), s, testLeaseTTL),
		orch: NewOrchestrator(zaptest.NewLogger(t), s, writer,
			&countingDetector{}, &countingScanner{}, 2),
		dir: t.TempDir(),
	}
}

// stage writes content to disk and registers the artifact as queued.
func (e *pipelineEnv) stage(t *testing.T, id, content string) {
	t.Helper()
	path := filepath.Join(e.dir, id+".json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	require.NoError(t, e.store.CreateArtifact(store.Artifact{
		ID:         id,
		CaseID:     "C1",
		Name:       id + ".json",
		Digest:     "d-" + id,
		Format:     "generic",
		StagedPath: path,
		CreatedAt:  time.Now(),
	}))
}

func (e *pipelineEnv) claim(t *testing.T) *Claim {
	t.Helper()
	claim, err := e.disp.Next(context.Background())
	require.NoError(t, err)
	require.NotNil(t, claim)
	return claim
}

const threeRecords = `{"host":"ws1","msg":"logon"}
{"host":"ws1","msg":"logoff"}
{"host":"ws2","msg":"logon"}
`

func TestProcessRunsToCompletion(t *testing.T) {
	t.Parallel()
	env := newPipelineEnv(t)
	env.stage(t, "a1", threeRecords)

	claim := env.claim(t)
	require.NoError(t, env.orch.Process(context.Background(), claim))

	rec, err := env.store.GetRecord("a1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, rec.Status)
	assert.Equal(t, 3, rec.RecordCount)
	assert.Zero(t, rec.DecodeFailures)
	assert.Equal(t, 2, rec.ViolationCount)
	assert.Equal(t, 1, rec.IndicatorCount)

	ids := env.backend.snapshotIDs()
	require.Len(t, ids, 3)
	for _, id := range ids {
		assert.True(t, strings.HasPrefix(id, "case:C1:evt:"), "unexpected document id %q", id)
	}
}

func TestProcessZeroAckedBulkFailsArtifact(t *testing.T) {
	t.Parallel()
	env := newPipelineEnv(t)
	env.backend.rejectAll = true
	env.stage(t, "a1", threeRecords)

	claim := env.claim(t)
	err := env.orch.Process(context.Background(), claim)
	require.Error(t, err)
	assert.ErrorIs(t, err, esindex.ErrSchemaConflict)

	rec, gerr := env.store.GetRecord("a1")
	require.NoError(t, gerr)
	assert.Equal(t, store.StatusFailed, rec.Status)
	assert.Contains(t, rec.ErrorDetail, "schema conflict")
	assert.Empty(t, rec.LeaseToken, "failed artifacts must be requeueable")
}

func TestProcessMissingStagedFileFails(t *testing.T) {
	t.Parallel()
	env := newPipelineEnv(t)
	env.stage(t, "a1", threeRecords)

	claim := env.claim(t)
	require.NoError(t, os.Remove(claim.Artifact.StagedPath))

	err := env.orch.Process(context.Background(), claim)
	require.Error(t, err)

	rec, gerr := env.store.GetRecord("a1")
	require.NoError(t, gerr)
	assert.Equal(t, store.StatusFailed, rec.Status)
	assert.Contains(t, rec.ErrorDetail, "staged file missing")
}

func TestReprocessProducesIdenticalDocumentIDs(t *testing.T) {
	t.Parallel()
	env := newPipelineEnv(t)
	env.stage(t, "a1", threeRecords)

	claim := env.claim(t)
	require.NoError(t, env.orch.Process(context.Background(), claim))
	require.NoError(t, claim.Release())
	firstRun := env.backend.snapshotIDs()
	require.Len(t, firstRun, 3)

	env.backend.reset()
	require.NoError(t, env.orch.Reprocess(context.Background(), "a1"))
	assert.Equal(t, 1, env.backend.deletes, "reprocess must clear the old documents first")

	claim = env.claim(t)
	require.NoError(t, env.orch.Process(context.Background(), claim))

	assert.Equal(t, firstRun, env.backend.snapshotIDs(),
		"a reprocess run must write exactly the first run's document set")
}

func TestReprocessRefusedWhileLeased(t *testing.T) {
	t.Parallel()
	env := newPipelineEnv(t)
	env.stage(t, "a1", threeRecords)

	_ = env.claim(t)
	err := env.orch.Reprocess(context.Background(), "a1")
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestCancelRequestStopsAtStageBoundary(t *testing.T) {
	t.Parallel()
	env := newPipelineEnv(t)
	env.stage(t, "a1", threeRecords)

	claim := env.claim(t)
	require.NoError(t, env.store.RequestCancel("a1"))

	require.NoError(t, env.orch.Process(context.Background(), claim),
		"an honored cancellation is not a processing error")

	rec, err := env.store.GetRecord("a1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusCancelled, rec.Status)
	assert.Empty(t, env.backend.snapshotIDs(), "no documents may be written after cancel")
}

// interruptingDetector simulates a worker shutdown arriving while a stage
// is in flight.
type interruptingDetector struct{ cancel context.CancelFunc }

func (d *interruptingDetector) Run(ctx context.Context, _ store.Artifact) (int, error) {
	d.cancel()
	return 0, ctx.Err()
}

func TestContextCancellationMidStageLeavesRecordResumable(t *testing.T) {
	t.Parallel()
	env := newPipelineEnv(t)
	env.stage(t, "a1", threeRecords)

	require.NoError(t, env.store.TransitionStatus("a1", store.StatusQueued, store.StatusStagingComplete, ""))
	require.NoError(t, env.store.TransitionStatus("a1", store.StatusStagingComplete, store.StatusIndexing, ""))
	require.NoError(t, env.store.TransitionStatus("a1", store.StatusIndexing, store.StatusDetectionPending, ""))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env.orch.detector = &interruptingDetector{cancel: cancel}

	claim := env.claim(t)
	err := env.orch.Process(ctx, claim)
	require.ErrorIs(t, err, context.Canceled)

	// A shutdown mid-stage is an interruption, not a failure: the record
	// keeps its last committed status so a later worker resumes it after
	// the lease lapses.
	rec, gerr := env.store.GetRecord("a1")
	require.NoError(t, gerr)
	assert.Equal(t, store.StatusDetectionPending, rec.Status)
	assert.Empty(t, rec.ErrorDetail)
}

func TestProcessResumesFromRecordedStage(t *testing.T) {
	t.Parallel()
	env := newPipelineEnv(t)
	env.stage(t, "a1", threeRecords)

	// A previous worker got the artifact through indexing before dying.
	require.NoError(t, env.store.TransitionStatus("a1", store.StatusQueued, store.StatusStagingComplete, ""))
	require.NoError(t, env.store.TransitionStatus("a1", store.StatusStagingComplete, store.StatusIndexing, ""))
	require.NoError(t, env.store.TransitionStatus("a1", store.StatusIndexing, store.StatusDetectionPending, ""))

	detector := &countingDetector{}
	env.orch.detector = detector

	claim := env.claim(t)
	require.NoError(t, env.orch.Process(context.Background(), claim))

	rec, err := env.store.GetRecord("a1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, rec.Status)
	assert.Equal(t, 1, detector.runs)
	assert.Empty(t, env.backend.snapshotIDs(), "the indexing stage must not be repeated")
}

func TestProcessCountsDecodeFailures(t *testing.T) {
	t.Parallel()
	env := newPipelineEnv(t)
	env.stage(t, "a1", "{\"host\":\"ws1\"}\nnot json at all\n{\"host\":\"ws2\"}\n")

	claim := env.claim(t)
	require.NoError(t, env.orch.Process(context.Background(), claim))

	rec, err := env.store.GetRecord("a1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, rec.Status)
	assert.Equal(t, 2, rec.RecordCount)
	assert.Equal(t, 1, rec.DecodeFailures)
	assert.Len(t, env.backend.snapshotIDs(), 2)
}

package esindex

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	elasticsearch7 "github.com/elastic/go-elasticsearch/v7"
	"github.com/elastic/go-elasticsearch/v7/esutil"
	lru "github.com/hashicorp/golang-lru/v2"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/siftd/casepipe/config"
	"github.com/siftd/casepipe/internal/identity"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ensuredIndexCacheSize bounds the cache of indices known to exist. One
// entry per case; eviction only means a redundant exists check.
const ensuredIndexCacheSize = 512

// Document is one identifier/body pair submitted to a bulk write. The
// identifier is deterministic (identity.DocumentID), so a rewrite of the
// same logical event overwrites instead of duplicating.
type Document struct {
	ID   string
	Body map[string]any
}

// BulkStats reports the outcome of one bulk write.
type BulkStats struct {
	Submitted int
	Acked     int
	Failed    int
}

// Writer provisions per-case indices and bulk-writes normalized events.
type Writer struct {
	logger  *zap.Logger
	client  *elasticsearch7.Client
	cfg     *config.ElasticsearchConfig
	ensured *lru.Cache[string, struct{}]
}

// NewWriter builds a Writer. transport may be nil outside tests.
func NewWriter(logger *zap.Logger, cfg *config.ElasticsearchConfig, transport http.RoundTripper) (*Writer, error) {
	client, err := newElasticsearchClient(logger, cfg, transport)
	if err != nil {
		return nil, fmt.Errorf("building elasticsearch client: %w", err)
	}
	ensured, err := lru.New[string, struct{}](ensuredIndexCacheSize)
	if err != nil {
		return nil, err
	}
	return &Writer{logger: logger, client: client, cfg: cfg, ensured: ensured}, nil
}

// IndexName returns the logical index for a case.
func IndexName(caseID string) string {
	return "case-" + strings.ToLower(identity.Sanitize(caseID))
}

// EnsureIndex creates the index with explicit capacity settings if it does
// not exist. A creation race with another worker is success, detected by
// inspecting the failure reason rather than the status code alone.
func (w *Writer) EnsureIndex(ctx context.Context, index string) error {
	if _, ok := w.ensured.Get(index); ok {
		return nil
	}

	res, err := w.client.Indices.Exists([]string{index}, w.client.Indices.Exists.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("%w: index exists check: %v", ErrTransientIO, err)
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusOK {
		w.ensured.Add(index, struct{}{})
		return nil
	}

	if err := w.checkShardCapacity(ctx); err != nil {
		return err
	}

	body := map[string]any{
		"settings": map[string]any{
			"number_of_shards":           w.cfg.ShardsPerIndex,
			"mapping.total_fields.limit": w.cfg.FieldLimit,
			"max_result_window":          w.cfg.ResultWindow,
		},
		"mappings": map[string]any{
			"properties": map[string]any{
				"@timestamp":  map[string]any{"type": "date"},
				"host":        map[string]any{"type": "keyword"},
				"event_id":    map[string]any{"type": "keyword"},
				"artifact_id": map[string]any{"type": "keyword"},
			},
		},
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}

	createRes, err := w.client.Indices.Create(index,
		w.client.Indices.Create.WithContext(ctx),
		w.client.Indices.Create.WithBody(bytes.NewReader(raw)),
	)
	if err != nil {
		return fmt.Errorf("%w: index create: %v", ErrTransientIO, err)
	}
	defer createRes.Body.Close()

	if createRes.IsError() {
		payload, _ := io.ReadAll(createRes.Body)
		if strings.Contains(string(payload), "resource_already_exists_exception") {
			// Another worker created it first. Same outcome.
			w.logger.Debug("index created concurrently by another worker",
				zap.String("index", index))
			w.ensured.Add(index, struct{}{})
			return nil
		}
		return classifyBackendError(createRes.StatusCode, string(payload))
	}

	w.logger.Info("created index",
		zap.String("index", index),
		zap.Int("field_limit", w.cfg.FieldLimit),
		zap.Int("result_window", w.cfg.ResultWindow))
	w.ensured.Add(index, struct{}{})
	return nil
}

// checkShardCapacity refuses a brand-new index when the cluster is close to
// its shard ceiling, instead of letting the backend partially reject writes.
func (w *Writer) checkShardCapacity(ctx context.Context) error {
	res, err := w.client.Cluster.Health(w.client.Cluster.Health.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("%w: cluster health: %v", ErrTransientIO, err)
	}
	defer res.Body.Close()

	var health struct {
		ActiveShards int `json:"active_shards"`
	}
	if err := json.NewDecoder(res.Body).Decode(&health); err != nil {
		return fmt.Errorf("%w: decoding cluster health: %v", ErrTransientIO, err)
	}

	if health.ActiveShards+w.cfg.ShardsPerIndex > w.cfg.ShardCeiling {
		return fmt.Errorf("%w: %d active shards, ceiling %d",
			ErrCapacityExceeded, health.ActiveShards, w.cfg.ShardCeiling)
	}
	return nil
}

// BulkWrite submits docs to index and verifies the acknowledged count. A
// response that acknowledges zero documents of a non-empty batch is a hard
// failure even when the transport-level call succeeded: it indicates a
// schema or capacity rejection that must not be recorded as indexed.
func (w *Writer) BulkWrite(ctx context.Context, index string, docs []Document) (BulkStats, error) {
	stats := BulkStats{Submitted: len(docs)}
	if len(docs) == 0 {
		return stats, nil
	}

	if err := w.EnsureIndex(ctx, index); err != nil {
		return stats, err
	}

	var acked, failed atomic.Int64
	var firstFailure atomic.Pointer[string]

	bi, err := esutil.NewBulkIndexer(esutil.BulkIndexerConfig{
		Client:     w.client,
		Index:      index,
		NumWorkers: 1,
		Timeout:    w.cfg.BulkTimeout,
		OnError: func(_ context.Context, err error) {
			w.logger.Error("bulk indexer error", zap.Error(err))
		},
	})
	if err != nil {
		return stats, fmt.Errorf("building bulk indexer: %w", err)
	}

	for _, doc := range docs {
		raw, err := json.Marshal(doc.Body)
		if err != nil {
			failed.Add(1)
			w.logger.Error("dropping unencodable document",
				zap.String("id", doc.ID), zap.Error(err))
			continue
		}
		item := esutil.BulkIndexerItem{
			Action:     "index",
			DocumentID: doc.ID,
			Body:       bytes.NewReader(raw),
			OnSuccess: func(context.Context, esutil.BulkIndexerItem, esutil.BulkIndexerResponseItem) {
				acked.Add(1)
			},
			OnFailure: func(_ context.Context, item esutil.BulkIndexerItem, resp esutil.BulkIndexerResponseItem, err error) {
				failed.Add(1)
				reason := resp.Error.Type + ": " + resp.Error.Reason
				if err != nil {
					reason = err.Error()
				}
				firstFailure.CompareAndSwap(nil, &reason)
				w.logger.Error("failed to index document",
					zap.String("id", item.DocumentID),
					zap.Int("status", resp.Status),
					zap.String("reason", reason))
			},
		}
		if err := bi.Add(ctx, item); err != nil {
			closeIndexer(bi)
			return stats, fmt.Errorf("%w: adding to bulk request: %v", ErrTransientIO, err)
		}
	}

	if err := bi.Close(ctx); err != nil {
		return stats, fmt.Errorf("%w: bulk flush: %v", ErrTransientIO, err)
	}

	stats.Acked = int(acked.Load())
	stats.Failed = int(failed.Load())

	if stats.Acked == 0 && stats.Submitted > 0 {
		if r := firstFailure.Load(); r != nil {
			return stats, classifyBackendError(0, *r)
		}
		return stats, ErrZeroAcknowledged
	}
	return stats, nil
}

// closeIndexer shuts the bulk indexer's flush workers down on an error
// path. A fresh short-lived context is used because the caller's context
// may already be dead.
func closeIndexer(bi esutil.BulkIndexer) {
	closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = bi.Close(closeCtx)
}

// DeleteByArtifact removes every document belonging to one artifact. Used by
// reprocess to clear downstream state before re-entering the pipeline.
func (w *Writer) DeleteByArtifact(ctx context.Context, index, artifactID string) error {
	query := map[string]any{
		"query": map[string]any{
			"term": map[string]any{"artifact_id": artifactID},
		},
	}
	raw, err := json.Marshal(query)
	if err != nil {
		return err
	}
	res, err := w.client.DeleteByQuery([]string{index}, bytes.NewReader(raw),
		w.client.DeleteByQuery.WithContext(ctx),
		w.client.DeleteByQuery.WithRefresh(true),
	)
	if err != nil {
		return fmt.Errorf("%w: delete by query: %v", ErrTransientIO, err)
	}
	defer res.Body.Close()
	if res.IsError() && res.StatusCode != http.StatusNotFound {
		payload, _ := io.ReadAll(res.Body)
		return classifyBackendError(res.StatusCode, string(payload))
	}
	return nil
}

// FlagDocuments sets a boolean field on the given documents, used by the
// detection and indicator stages to mark matches.
func (w *Writer) FlagDocuments(ctx context.Context, index string, ids []string, field string) error {
	if len(ids) == 0 {
		return nil
	}
	bi, err := esutil.NewBulkIndexer(esutil.BulkIndexerConfig{
		Client:     w.client,
		Index:      index,
		NumWorkers: 1,
		Timeout:    w.cfg.BulkTimeout,
	})
	if err != nil {
		return err
	}
	patch, err := json.Marshal(map[string]any{"doc": map[string]any{field: true}})
	if err != nil {
		return err
	}
	for _, id := range ids {
		item := esutil.BulkIndexerItem{
			Action:     "update",
			DocumentID: id,
			Body:       bytes.NewReader(patch),
			OnFailure: func(_ context.Context, item esutil.BulkIndexerItem, resp esutil.BulkIndexerResponseItem, err error) {
				// A flag on a document that no longer exists is not fatal.
				w.logger.Warn("failed to flag document",
					zap.String("id", item.DocumentID),
					zap.Int("status", resp.Status),
					zap.NamedError("reason", err))
			},
		}
		if err := bi.Add(ctx, item); err != nil {
			closeIndexer(bi)
			return fmt.Errorf("%w: adding flag update: %v", ErrTransientIO, err)
		}
	}
	if err := bi.Close(ctx); err != nil {
		return fmt.Errorf("%w: flag flush: %v", ErrTransientIO, err)
	}
	return nil
}

// Search runs a raw query against an index, used by the indicator-matching
// boundary for count queries.
func (w *Writer) Search(ctx context.Context, index string, query map[string]any) (map[string]any, error) {
	raw, err := json.Marshal(query)
	if err != nil {
		return nil, err
	}
	res, err := w.client.Search(
		w.client.Search.WithContext(ctx),
		w.client.Search.WithIndex(index),
		w.client.Search.WithBody(bytes.NewReader(raw)),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: search: %v", ErrTransientIO, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		payload, _ := io.ReadAll(res.Body)
		return nil, classifyBackendError(res.StatusCode, string(payload))
	}
	var out map[string]any
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding search response: %w", err)
	}
	return out, nil
}

// classifyBackendError maps a backend failure body onto the error taxonomy,
// so operators can tell a structural-mapping rejection from a capacity
// problem or a transient fault.
func classifyBackendError(status int, body string) error {
	lower := strings.ToLower(body)
	switch {
	case strings.Contains(lower, "shards open") ||
		strings.Contains(lower, "maximum shards") ||
		strings.Contains(lower, "shard limit"):
		return fmt.Errorf("%w: %s", ErrCapacityExceeded, firstLine(body))
	case strings.Contains(lower, "total fields") ||
		strings.Contains(lower, "mapping") ||
		strings.Contains(lower, "mapper_parsing"):
		return fmt.Errorf("%w: %s", ErrSchemaConflict, firstLine(body))
	default:
		return fmt.Errorf("backend error (status %d): %s", status, firstLine(body))
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	const max = 512
	if len(s) > max {
		s = s[:max]
	}
	return s
}

// Package esindex writes normalized events into Elasticsearch, provisioning
// per-case indices with explicit capacity settings and verifying that bulk
// writes were actually acknowledged.
package esindex

import (
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	elasticsearch7 "github.com/elastic/go-elasticsearch/v7"
	"go.uber.org/zap"

	"github.com/siftd/casepipe/config"
)

// retryOnStatus lists the transport-level statuses worth retrying; anything
// else is a definitive answer from the backend.
var retryOnStatus = []int{429, 500, 502, 503, 504}

// clientLogger adapts a zap logger to the transport logging interface the
// Elasticsearch client expects.
type clientLogger zap.Logger

// LogRoundTrip must not modify the request or response, except for consuming
// and closing the body, and has to tolerate nil values in both.
func (cl *clientLogger) LogRoundTrip(req *http.Request, resp *http.Response, err error, _ time.Time, dur time.Duration) error {
	zl := (*zap.Logger)(cl)
	switch {
	case err == nil && resp != nil:
		zl.Debug("backend roundtrip completed",
			zap.String("path", req.URL.Path),
			zap.String("method", req.Method),
			zap.Duration("duration", dur),
			zap.String("status", resp.Status))

	case err != nil:
		zl.Error("backend request failed", zap.NamedError("reason", err))
	}

	return nil
}

// RequestBodyEnabled makes the client pass a copy of request body to the logger.
func (*clientLogger) RequestBodyEnabled() bool { return false }

// ResponseBodyEnabled makes the client pass a copy of response body to the logger.
func (*clientLogger) ResponseBodyEnabled() bool { return false }

// newElasticsearchClient builds the backend client with bounded exponential
// retry. A non-nil transport overrides the default HTTP transport, which is
// how tests substitute a fake backend.
func newElasticsearchClient(logger *zap.Logger, cfg *config.ElasticsearchConfig, transport http.RoundTripper) (*elasticsearch7.Client, error) {
	// MaxRetries counts retries only; the configured request count includes
	// the first attempt.
	maxRetries := cfg.Retry.MaxRequests - 1
	retryDisabled := !cfg.Retry.Enabled || maxRetries <= 0
	if retryDisabled {
		maxRetries = 0
	}

	return elasticsearch7.NewClient(elasticsearch7.Config{
		Transport: transport,

		Addresses: cfg.Endpoints,
		Username:  cfg.Username,
		Password:  cfg.Password,

		RetryOnStatus:        retryOnStatus,
		DisableRetry:         retryDisabled,
		EnableRetryOnTimeout: cfg.Retry.Enabled,
		MaxRetries:           maxRetries,
		RetryBackoff:         newBackoffFunc(&cfg.Retry),

		Logger: (*clientLogger)(logger),
	})
}

func newBackoffFunc(cfg *config.RetryConfig) func(int) time.Duration {
	if !cfg.Enabled {
		return nil
	}

	expBackoff := backoff.NewExponentialBackOff()
	if cfg.InitialInterval > 0 {
		expBackoff.InitialInterval = cfg.InitialInterval
	}
	if cfg.MaxInterval > 0 {
		expBackoff.MaxInterval = cfg.MaxInterval
	}
	expBackoff.Reset()

	return func(attempts int) time.Duration {
		if attempts == 1 {
			expBackoff.Reset()
		}

		return expBackoff.NextBackOff()
	}
}

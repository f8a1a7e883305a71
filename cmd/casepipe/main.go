// Command casepipe runs the forensic artifact processing pipeline: it
// watches the processing queue and drives accepted artifacts from staging
// through indexing to completion.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/siftd/casepipe/config"
	"github.com/siftd/casepipe/internal/detect"
	"github.com/siftd/casepipe/internal/esindex"
	"github.com/siftd/casepipe/internal/intake"
	"github.com/siftd/casepipe/internal/ioc"
	"github.com/siftd/casepipe/internal/pipeline"
	"github.com/siftd/casepipe/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  = flag.String("config", "casepipe.yaml", "path to the YAML configuration")
		ruleBinary  = flag.String("rule-matcher", "", "path to the rule-matching collaborator binary (empty disables detection)")
		rulesDir    = flag.String("rules", "", "merged rule-set directory for the rule matcher")
		ingestCase  = flag.String("ingest-case", "", "case id for one-shot local ingestion")
		ingestPaths = flag.String("ingest", "", "comma-separated local files to ingest before starting workers")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer logger.Sync()

	st, err := store.Open(logger, filepath.Join(cfg.StagingRoot, "casepipe.db"))
	if err != nil {
		return err
	}
	defer st.Close()

	writer, err := esindex.NewWriter(logger, &cfg.Elasticsearch, nil)
	if err != nil {
		return err
	}

	stager := intake.NewStager(logger, cfg.StagingRoot, cfg.Intake)
	expander := intake.NewExpander(logger, stager, cfg.Intake)
	intakeSvc := intake.NewService(logger, stager, expander, st)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *ingestCase != "" && *ingestPaths != "" {
		for _, path := range strings.Split(*ingestPaths, ",") {
			res, err := intakeSvc.IngestLocal(ctx, *ingestCase, path)
			if err != nil {
				logger.Warn("local ingestion problem",
					zap.String("path", path), zap.Error(err))
			}
			logger.Info("ingested",
				zap.String("path", path),
				zap.Int("queued", len(res.Queued)),
				zap.Int("hidden", len(res.Hidden)),
				zap.Int("skipped", res.Skipped))
		}
	}

	var detector pipeline.Detector = pipeline.NopDetector{}
	if *ruleBinary != "" {
		detector = detect.NewRunner(logger, writer, *ruleBinary, *rulesDir)
	}
	scanner := ioc.NewScanner(logger, writer, nil)

	orchestrator := pipeline.NewOrchestrator(logger, st, writer, detector, scanner, cfg.Elasticsearch.BulkBatchSize)
	dispatcher := pipeline.NewDispatcher(logger, st, cfg.Workers.LeaseTTL)
	pool := pipeline.NewPool(logger, dispatcher, orchestrator, cfg.Workers)

	logger.Info("casepipe started",
		zap.Int("workers", cfg.Workers.Count),
		zap.String("staging_root", cfg.StagingRoot))
	pool.Run(ctx)
	logger.Info("casepipe stopped")
	return nil
}

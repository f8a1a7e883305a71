package pipeline

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/siftd/casepipe/config"
)

// pollInterval is how long an idle worker waits before asking the
// dispatcher again.
const pollInterval = 2 * time.Second

// Pool runs a fixed number of workers, each pulling artifacts through the
// dispatcher and processing them under a heartbeated lease.
type Pool struct {
	logger       *zap.Logger
	dispatcher   *Dispatcher
	orchestrator *Orchestrator
	cfg          config.WorkerConfig
}

// NewPool builds the worker pool.
func NewPool(logger *zap.Logger, d *Dispatcher, o *Orchestrator, cfg config.WorkerConfig) *Pool {
	return &Pool{logger: logger, dispatcher: d, orchestrator: o, cfg: cfg}
}

// Run blocks until ctx is cancelled, then drains: in-flight artifacts finish
// their current stage boundary and release their leases.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Count; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.worker(ctx, id)
		}(i)
	}
	wg.Wait()
}

func (p *Pool) worker(ctx context.Context, id int) {
	log := p.logger.With(zap.Int("worker", id))
	for {
		if ctx.Err() != nil {
			return
		}
		claim, err := p.dispatcher.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("dispatcher error", zap.Error(err))
		}
		if claim == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
			}
			continue
		}
		p.processClaim(ctx, log, claim)
	}
}

// processClaim runs one claimed artifact with a background heartbeat. The
// heartbeat keeps the lease demonstrably alive; when the worker dies the
// heartbeat stops and a later dispatcher call reclaims the record.
func (p *Pool) processClaim(ctx context.Context, log *zap.Logger, claim *Claim) {
	hbCtx, stopHB := context.WithCancel(ctx)
	var hbDone sync.WaitGroup
	hbDone.Add(1)
	go func() {
		defer hbDone.Done()
		ticker := time.NewTicker(p.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := claim.Heartbeat(time.Now()); err != nil {
					log.Warn("heartbeat rejected, lease lost",
						zap.String("artifact", claim.State.ArtifactID),
						zap.Error(err))
					return
				}
			}
		}
	}()

	if err := p.orchestrator.Process(ctx, claim); err != nil {
		log.Debug("processing ended with error",
			zap.String("artifact", claim.State.ArtifactID),
			zap.Error(err))
	}

	stopHB()
	hbDone.Wait()
	if err := claim.Release(); err != nil {
		log.Warn("lease release failed",
			zap.String("artifact", claim.State.ArtifactID),
			zap.Error(err))
	}
}

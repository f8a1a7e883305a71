// Package pipeline drives claimed artifacts through the processing state
// machine and hands work to a pool of lease-holding workers.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/siftd/casepipe/internal/store"
)

// Claim is a live lease on one processing record. The holder must heartbeat
// within the lease TTL or a later dispatcher call will reclaim the record.
type Claim struct {
	Artifact store.Artifact
	State    store.ProcessingRecord

	token string
	d     *Dispatcher
}

// Token returns the worker-issued lease token.
func (c *Claim) Token() string { return c.token }

// Heartbeat extends the lease. A token mismatch means the lease was
// reclaimed underneath us; the worker should abandon the artifact.
func (c *Claim) Heartbeat(now time.Time) error {
	return c.d.store.Heartbeat(c.State.ArtifactID, c.token, now)
}

// Release clears the lease if still held.
func (c *Claim) Release() error {
	err := c.d.store.ReleaseLease(c.State.ArtifactID, c.token)
	if errors.Is(err, store.ErrConflict) {
		// Already reclaimed; nothing left to release.
		return nil
	}
	return err
}

// Dispatcher atomically claims Queued processing records for workers,
// reclaiming leases whose owners crashed or stopped heartbeating.
type Dispatcher struct {
	logger   *zap.Logger
	store    *store.Store
	leaseTTL time.Duration
	now      func() time.Time
}

// NewDispatcher builds a Dispatcher with the given lease TTL.
func NewDispatcher(logger *zap.Logger, st *store.Store, leaseTTL time.Duration) *Dispatcher {
	return &Dispatcher{logger: logger, store: st, leaseTTL: leaseTTL, now: time.Now}
}

// Next claims the next available record, or returns nil when nothing is
// claimable. Every claim attempt re-checks existing lease tokens: a lease
// whose heartbeat is inside the TTL belongs to a live worker and the record
// is skipped; a stale or unknown lease is cleared and the record claimed.
// This runs per attempt, not only at startup, because a worker can crash
// mid-processing at any time.
func (d *Dispatcher) Next(ctx context.Context) (*Claim, error) {
	var claimed *Claim
	err := d.store.NextClaimable(func(rec store.ProcessingRecord) bool {
		if ctx.Err() != nil {
			return true
		}
		c, err := d.tryClaim(rec)
		if err != nil {
			if !errors.Is(err, store.ErrConflict) {
				d.logger.Warn("claim attempt failed",
					zap.String("artifact", rec.ArtifactID), zap.Error(err))
			}
			return false
		}
		claimed = c
		return true
	})
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if claimed == nil {
		return nil, nil
	}

	artifact, err := d.store.GetArtifact(claimed.State.ArtifactID)
	if err != nil {
		_ = claimed.Release()
		return nil, err
	}
	claimed.Artifact = artifact
	return claimed, nil
}

func (d *Dispatcher) tryClaim(rec store.ProcessingRecord) (*Claim, error) {
	now := d.now()

	if rec.LeaseToken != "" {
		if d.leaseAlive(rec, now) {
			// Another worker provably owns this record.
			return nil, store.ErrConflict
		}
		d.logger.Info("reclaiming stale lease",
			zap.String("artifact", rec.ArtifactID),
			zap.Time("last_heartbeat", rec.LeaseHeartbeat))
		if err := d.store.ClearStaleLease(rec.ArtifactID, rec.LeaseToken); err != nil {
			return nil, err
		}
	}

	token := uuid.NewString()
	if err := d.store.ClaimLease(rec.ArtifactID, token, now); err != nil {
		return nil, err
	}
	state, err := d.store.GetRecord(rec.ArtifactID)
	if err != nil {
		return nil, err
	}
	return &Claim{State: state, token: token, d: d}, nil
}

// leaseAlive reports whether the lease's owner is demonstrably still
// running: its heartbeat is younger than the TTL. Anything else (old
// heartbeat, missing heartbeat) counts as stale; liveness is a local check,
// not a query against an external task store.
func (d *Dispatcher) leaseAlive(rec store.ProcessingRecord, now time.Time) bool {
	hb := rec.LeaseHeartbeat
	if hb.IsZero() {
		hb = rec.LeaseIssuedAt
	}
	if hb.IsZero() {
		return false
	}
	return now.Sub(hb) < d.leaseTTL
}

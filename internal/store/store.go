// Package store persists artifacts and processing records in a bbolt
// database. Every mutation runs inside a single bbolt update transaction,
// which is what makes lease claims and status transitions behave as
// compare-and-swap operations under concurrent workers.
package store

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	bucketArtifacts = []byte("artifacts")
	bucketRecords   = []byte("records")
	bucketDedup     = []byte("dedup")
	bucketSkips     = []byte("skips")
)

var (
	// ErrNotFound is returned when no artifact or record exists for an id.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a compare-and-swap precondition failed:
	// the record's status or lease was not in the expected state.
	ErrConflict = errors.New("conflict")
	// ErrDuplicateKey is returned by CheckAndReserveDedup when the case
	// already accepted content with the same digest.
	ErrDuplicateKey = errors.New("duplicate dedup key")
)

// Store is the bbolt-backed repository. Safe for concurrent use.
type Store struct {
	logger *zap.Logger
	db     *bbolt.DB
}

// Open opens or creates the database at path and ensures all buckets exist.
func Open(logger *zap.Logger, path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketArtifacts, bucketRecords, bucketDedup, bucketSkips} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init store: %w", err)
	}
	return &Store{logger: logger, db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CheckAndReserveDedup atomically reserves the case-scoped content digest.
// A second reservation of the same digest fails with ErrDuplicateKey.
func (s *Store) CheckAndReserveDedup(caseID, digest string) error {
	key := []byte(DedupKey(caseID, digest))
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketDedup)
		if b.Get(key) != nil {
			return ErrDuplicateKey
		}
		return b.Put(key, []byte(time.Now().UTC().Format(time.RFC3339)))
	})
}

// ReleaseDedup drops a reservation, used when staging fails after the
// reservation was taken.
func (s *Store) ReleaseDedup(caseID, digest string) error {
	key := []byte(DedupKey(caseID, digest))
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDedup).Delete(key)
	})
}

// RecordSkip appends an audit entry for an artifact rejected before queueing.
func (s *Store) RecordSkip(entry SkipEntry) error {
	entry.CreatedAt = time.Now().UTC()
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSkips)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		raw, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		key := fmt.Sprintf("%s|%016d", entry.CaseID, seq)
		return b.Put([]byte(key), raw)
	})
}

// ListSkips returns the skip entries for a case in insertion order.
func (s *Store) ListSkips(caseID string) ([]SkipEntry, error) {
	var out []SkipEntry
	prefix := []byte(caseID + "|")
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketSkips).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var e SkipEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

// CreateArtifact persists an accepted artifact together with its processing
// record in one transaction, in the initial pipeline state. Hidden artifacts
// get a hidden record that the dispatcher never claims.
func (s *Store) CreateArtifact(a Artifact) error {
	now := time.Now().UTC()
	a.CreatedAt = now
	rec := ProcessingRecord{
		ArtifactID: a.ID,
		CaseID:     a.CaseID,
		Status:     StatusQueued,
		Hidden:     a.Hidden,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := putJSON(tx, bucketArtifacts, a.ID, a); err != nil {
			return err
		}
		return putJSON(tx, bucketRecords, rec.ArtifactID, rec)
	})
}

// GetArtifact returns one artifact by id.
func (s *Store) GetArtifact(id string) (Artifact, error) {
	var a Artifact
	err := s.db.View(func(tx *bbolt.Tx) error {
		return getJSON(tx, bucketArtifacts, id, &a)
	})
	return a, err
}

// ListArtifacts returns the non-deleted artifacts of a case. Hidden
// artifacts are included only when includeHidden is set; they remain
// queryable in the administrative hidden view, never silently dropped.
func (s *Store) ListArtifacts(caseID string, includeHidden bool) ([]Artifact, error) {
	var out []Artifact
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketArtifacts).ForEach(func(_, v []byte) error {
			var a Artifact
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			if a.CaseID != caseID || a.Deleted {
				return nil
			}
			if a.Hidden && !includeHidden {
				return nil
			}
			out = append(out, a)
			return nil
		})
	})
	return out, err
}

// SoftDeleteArtifact marks the artifact and its record deleted. Nothing is
// ever hard-deleted.
func (s *Store) SoftDeleteArtifact(id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		var a Artifact
		if err := getJSON(tx, bucketArtifacts, id, &a); err != nil {
			return err
		}
		a.Deleted = true
		if err := putJSON(tx, bucketArtifacts, id, a); err != nil {
			return err
		}
		var rec ProcessingRecord
		if err := getJSON(tx, bucketRecords, id, &rec); err != nil {
			return err
		}
		rec.Deleted = true
		rec.UpdatedAt = time.Now().UTC()
		return putJSON(tx, bucketRecords, id, rec)
	})
}

// GetRecord returns the processing record for an artifact.
func (s *Store) GetRecord(artifactID string) (ProcessingRecord, error) {
	var rec ProcessingRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		return getJSON(tx, bucketRecords, artifactID, &rec)
	})
	return rec, err
}

// ListRecords returns non-deleted processing records for a case.
func (s *Store) ListRecords(caseID string, includeHidden bool) ([]ProcessingRecord, error) {
	var out []ProcessingRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRecords).ForEach(func(_, v []byte) error {
			var rec ProcessingRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.CaseID != caseID || rec.Deleted {
				return nil
			}
			if rec.Hidden && !includeHidden {
				return nil
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

// TransitionStatus moves a record from one status to the next. The from
// status is a compare-and-swap precondition; a record that moved underneath
// the caller fails with ErrConflict. Illegal edges fail outright.
func (s *Store) TransitionStatus(artifactID string, from, to Status, detail string) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("illegal transition %s -> %s", from, to)
	}
	return s.mutateRecord(artifactID, func(rec *ProcessingRecord) error {
		if rec.Status != from {
			return fmt.Errorf("%w: status is %s, expected %s", ErrConflict, rec.Status, from)
		}
		rec.Status = to
		rec.ErrorDetail = detail
		if to == StatusFailed || to == StatusCancelled {
			rec.LeaseToken = ""
			rec.LeaseIssuedAt = time.Time{}
			rec.LeaseHeartbeat = time.Time{}
		}
		return nil
	})
}

// ClaimLease writes a fresh lease token onto the record, but only if the
// lease field is currently empty and the record is claimable.
func (s *Store) ClaimLease(artifactID, token string, now time.Time) error {
	return s.mutateRecord(artifactID, func(rec *ProcessingRecord) error {
		if rec.Hidden || rec.Deleted {
			return fmt.Errorf("%w: record not claimable", ErrConflict)
		}
		if rec.Status.Terminal() {
			return fmt.Errorf("%w: status is %s", ErrConflict, rec.Status)
		}
		if rec.LeaseToken != "" {
			return fmt.Errorf("%w: lease held by another worker", ErrConflict)
		}
		rec.LeaseToken = token
		rec.LeaseIssuedAt = now.UTC()
		rec.LeaseHeartbeat = now.UTC()
		return nil
	})
}

// Heartbeat extends the lease. Fails with ErrConflict when the token no
// longer matches, which tells the worker its lease was reclaimed.
func (s *Store) Heartbeat(artifactID, token string, now time.Time) error {
	return s.mutateRecord(artifactID, func(rec *ProcessingRecord) error {
		if rec.LeaseToken != token {
			return fmt.Errorf("%w: lease token mismatch", ErrConflict)
		}
		rec.LeaseHeartbeat = now.UTC()
		return nil
	})
}

// ReleaseLease clears the lease if the caller still owns it.
func (s *Store) ReleaseLease(artifactID, token string) error {
	return s.mutateRecord(artifactID, func(rec *ProcessingRecord) error {
		if rec.LeaseToken != token {
			return fmt.Errorf("%w: lease token mismatch", ErrConflict)
		}
		rec.LeaseToken = ""
		rec.LeaseIssuedAt = time.Time{}
		rec.LeaseHeartbeat = time.Time{}
		return nil
	})
}

// ClearStaleLease removes a lease known to be stale. The token is a CAS
// precondition so two dispatchers racing on the same stale lease cannot
// clear a newer claim.
func (s *Store) ClearStaleLease(artifactID, token string) error {
	return s.mutateRecord(artifactID, func(rec *ProcessingRecord) error {
		if rec.LeaseToken != token {
			return fmt.Errorf("%w: lease token mismatch", ErrConflict)
		}
		rec.LeaseToken = ""
		rec.LeaseIssuedAt = time.Time{}
		rec.LeaseHeartbeat = time.Time{}
		return nil
	})
}

// SetCounts stores the decoded record count and decode failure count.
func (s *Store) SetCounts(artifactID string, records, decodeFailures int) error {
	return s.mutateRecord(artifactID, func(rec *ProcessingRecord) error {
		rec.RecordCount = records
		rec.DecodeFailures = decodeFailures
		return nil
	})
}

// SetViolationCount is written by the rule-matching stage.
func (s *Store) SetViolationCount(artifactID string, n int) error {
	return s.mutateRecord(artifactID, func(rec *ProcessingRecord) error {
		rec.ViolationCount = n
		return nil
	})
}

// SetIndicatorCount is written by the indicator-matching stage.
func (s *Store) SetIndicatorCount(artifactID string, n int) error {
	return s.mutateRecord(artifactID, func(rec *ProcessingRecord) error {
		rec.IndicatorCount = n
		return nil
	})
}

// RequestCancel flags a record for cancellation. The flag is advisory; the
// orchestrator honors it at the next stage boundary. Terminal records are
// left alone.
func (s *Store) RequestCancel(artifactID string) error {
	return s.mutateRecord(artifactID, func(rec *ProcessingRecord) error {
		if rec.Status.Terminal() {
			return fmt.Errorf("%w: record already terminal", ErrConflict)
		}
		rec.CancelRequested = true
		return nil
	})
}

// ResetForReprocess returns a record to the initial state: counters zeroed,
// error detail and lease cleared, visible again, status Queued. The caller
// is responsible for clearing downstream index documents first.
func (s *Store) ResetForReprocess(artifactID string) error {
	return s.mutateRecord(artifactID, func(rec *ProcessingRecord) error {
		rec.Status = StatusQueued
		rec.RecordCount = 0
		rec.DecodeFailures = 0
		rec.ViolationCount = 0
		rec.IndicatorCount = 0
		rec.ErrorDetail = ""
		rec.LeaseToken = ""
		rec.LeaseIssuedAt = time.Time{}
		rec.LeaseHeartbeat = time.Time{}
		rec.Hidden = false
		rec.CancelRequested = false
		return nil
	})
}

// RequeueFailed returns every failed record of a case to Queued, clearing
// lease and error detail. Returns the number of records requeued.
func (s *Store) RequeueFailed(caseID string) (int, error) {
	n := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		// The bucket must not be mutated during ForEach; collect first.
		var pending []ProcessingRecord
		err := b.ForEach(func(_, v []byte) error {
			var rec ProcessingRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.CaseID != caseID || rec.Deleted || rec.Status != StatusFailed {
				return nil
			}
			pending = append(pending, rec)
			return nil
		})
		if err != nil {
			return err
		}
		for _, rec := range pending {
			rec.Status = StatusQueued
			rec.ErrorDetail = ""
			rec.LeaseToken = ""
			rec.LeaseIssuedAt = time.Time{}
			rec.LeaseHeartbeat = time.Time{}
			rec.UpdatedAt = time.Now().UTC()
			raw, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(rec.ArtifactID), raw); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// NextClaimable iterates non-hidden, non-deleted, non-terminal records of any
// case. Records stranded mid-pipeline by a crashed worker stay eligible; the
// caller's lease check decides whether they can actually be taken over. Each
// record is handed to fn until fn returns true (claimed) or the records run
// out. Iteration happens on a snapshot; the claim itself must go through
// ClaimLease which re-validates under the write transaction.
func (s *Store) NextClaimable(fn func(rec ProcessingRecord) bool) error {
	var candidates []ProcessingRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRecords).ForEach(func(_, v []byte) error {
			var rec ProcessingRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.Deleted || rec.Hidden || rec.Status.Terminal() {
				return nil
			}
			candidates = append(candidates, rec)
			return nil
		})
	})
	if err != nil {
		return err
	}
	for _, rec := range candidates {
		if fn(rec) {
			return nil
		}
	}
	return nil
}

func (s *Store) mutateRecord(artifactID string, fn func(*ProcessingRecord) error) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		var rec ProcessingRecord
		if err := getJSON(tx, bucketRecords, artifactID, &rec); err != nil {
			return err
		}
		if err := fn(&rec); err != nil {
			return err
		}
		rec.UpdatedAt = time.Now().UTC()
		return putJSON(tx, bucketRecords, artifactID, rec)
	})
}

func putJSON(tx *bbolt.Tx, bucket []byte, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return tx.Bucket(bucket).Put([]byte(key), raw)
}

func getJSON(tx *bbolt.Tx, bucket []byte, key string, v any) error {
	raw := tx.Bucket(bucket).Get([]byte(key))
	if raw == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return json.Unmarshal(raw, v)
}

// Package store is the record-store adapter for task records: idempotent
// status/result updates keyed by message id, and a fingerprint lookup used
// for cache probes. It is grounded on the teacher's internal/chat/repo.go
// Job CRUD methods (UpdateJobStatusRunning, MarkJobSucceeded, MarkJobFailed),
// generalized from a four-state job lifecycle to the spec's task lifecycle.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/suPer8Hu/llmworker/internal/task"
)

// ErrStoreUnavailable wraps transport-level failures talking to the store.
var ErrStoreUnavailable = errors.New("store: unavailable")

// ErrStoreRejected wraps a non-success acknowledgement from the store, e.g.
// an update that matched no existing record.
var ErrStoreRejected = errors.New("store: rejected")

type Store struct {
	db *gorm.DB
}

// New wraps an already-connected *gorm.DB. No eager index or schema creation
// happens here; migrations are the caller's concern.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// CreateRecord inserts a new PENDING record with its payload and body hash.
// This is not one of the three operations the per-message processor calls
// (spec.md §4.B names update_event_status and get_cached_completion); it
// exists for the producer side (cmd/produce) and for test setup, mirroring
// how the teacher's Repo.CreateJob exists for its API layer while the
// worker itself only ever transitions status.
func (s *Store) CreateRecord(ctx context.Context, rec *task.Record) error {
	rec.Status = task.StatusPending
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// UpdateEventStatus merges status, timestamps, duration, and the result
// carrier onto the record identified by messageID. It never touches payload
// or body_hash. Calling it more than once with the same terminal status and
// result is safe: it is a plain overwrite of the listed columns.
func (s *Store) UpdateEventStatus(ctx context.Context, messageID string, status task.Status, result task.Response, startedAt time.Time) error {
	completedAt := time.Now().UTC()
	durationMs := completedAt.Sub(startedAt).Milliseconds()
	if durationMs < 0 {
		durationMs = 0
	}

	completions := []byte(result.Completions)
	if completions == nil {
		completions = []byte("null")
	}

	res := s.db.WithContext(ctx).Model(&task.Record{}).
		Where("message_id = ?", messageID).
		Updates(map[string]any{
			"status":       status,
			"started_at":   startedAt.UTC(),
			"completed_at": completedAt,
			"duration_ms":  durationMs,
			"result":       completions,
			"cached":       result.Cached,
			"attempt":      result.Attempt,
		})
	if res.Error != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: no record for message_id=%s", ErrStoreRejected, messageID)
	}
	return nil
}

// GetCachedCompletion returns the first COMPLETED record matching bodyHash,
// projecting only its completions subtree. A miss (no matching record) is
// reported as (nil, nil), distinguishable from a store failure (nil, err).
// Implementation chooses ordering among multiple hits; callers must not
// depend on it.
func (s *Store) GetCachedCompletion(ctx context.Context, bodyHash string) (*task.Response, error) {
	var rec task.Record
	err := s.db.WithContext(ctx).
		Where("status = ? AND body_hash = ?", task.StatusCompleted, bodyHash).
		Order("message_id ASC").
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return &task.Response{
		Completions: []byte(rec.Result),
		Cached:      true,
		Attempt:     0,
	}, nil
}

// AutoMigrate creates/updates the task_records table. Separate from New so
// production wiring can run it once at startup while tests call it eagerly.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(&task.Record{})
}

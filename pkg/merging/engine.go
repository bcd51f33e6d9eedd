// Package merging applies pending changes to merged record state with
// last-writer-wins semantics ordered by sequence. The engine is the only
// writer of cumulative state; per-key "last applied sequence" lives behind the
// RecordStore rather than as ambient global state.
package merging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/sastafford/crossy/pkg/metrics"
	"github.com/sastafford/crossy/pkg/models"
	"github.com/sastafford/crossy/pkg/tracing"
)

// ApplyResult is the classified outcome of a merge apply.
type ApplyResult struct {
	Outcome models.MergeOutcome
	Record  *models.MergedRecord
}

// RecordStore is the exclusive write interface over merged record state. An
// implementation must apply each change atomically per key (compare-and-swap
// on last_sequence) so two concurrent writers cannot both commit against a
// stale sequence.
type RecordStore interface {
	ApplyChange(ctx context.Context, change models.PendingChange) (*ApplyResult, error)
}

// WriteConflictError marks a transient storage conflict (serialization
// failure, deadlock) that is safe to retry.
type WriteConflictError struct {
	Err error
}

func (e *WriteConflictError) Error() string {
	return fmt.Sprintf("write conflict: %v", e.Err)
}

func (e *WriteConflictError) Unwrap() error {
	return e.Err
}

// IsWriteConflict reports whether err is a retryable write conflict.
func IsWriteConflict(err error) bool {
	var target *WriteConflictError
	return errors.As(err, &target)
}

// Engine applies pending changes through the record store, retrying transient
// write conflicts with bounded backoff. Failures after retry exhaustion affect
// only that change; other keys proceed unaffected.
type Engine struct {
	store         RecordStore
	logger        ectologger.Logger
	maxRetries    int
	retryInterval time.Duration
}

func NewEngine(store RecordStore, logger ectologger.Logger, maxRetries int, retryInterval time.Duration) *Engine {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if retryInterval <= 0 {
		retryInterval = 250 * time.Millisecond
	}
	return &Engine{
		store:         store,
		logger:        logger,
		maxRetries:    maxRetries,
		retryInterval: retryInterval,
	}
}

// Apply applies a single pending change. Stale changes are an expected no-op
// outcome, not an error.
func (e *Engine) Apply(ctx context.Context, change models.PendingChange) (*ApplyResult, error) {
	ctx, span := tracing.StartSpan(ctx, "merging.Engine.Apply")
	defer span.End()

	if err := validateChange(change); err != nil {
		return nil, err
	}

	log := e.logger.WithContext(ctx).WithFields(map[string]any{
		"collection": change.Collection,
		"entity_key": change.EntityKey,
		"operation":  string(change.Operation),
		"sequence":   change.Sequence,
	})

	start := time.Now()
	var lastErr error
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		if attempt > 0 {
			metrics.MergeRetriesTotal.WithLabelValues(change.Collection).Inc()
			wait := e.retryInterval * time.Duration(attempt)
			log.Warnf("Retrying merge apply after write conflict (attempt %d/%d)", attempt, e.maxRetries)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}

		result, err := e.store.ApplyChange(ctx, change)
		if err != nil {
			if IsWriteConflict(err) {
				lastErr = err
				continue
			}
			return nil, err
		}

		metrics.RecordMergeOutcome(change.Collection, string(result.Outcome), time.Since(start).Seconds())

		switch result.Outcome {
		case models.MergeOutcomeStale:
			log.Info("Ignored stale change")
		case models.MergeOutcomeTombstoned:
			log.Info("Tombstoned record")
		default:
			log.Debug("Applied change")
		}

		return result, nil
	}

	return nil, fmt.Errorf("merge apply for %s/%s failed after %d retries: %w",
		change.Collection, change.EntityKey, e.maxRetries, lastErr)
}

func validateChange(change models.PendingChange) error {
	if change.Collection == "" {
		return fmt.Errorf("pending change is missing collection")
	}
	if change.EntityKey == "" {
		return fmt.Errorf("pending change is missing entity key")
	}
	if change.Sequence.IsZero() {
		return fmt.Errorf("pending change is missing sequence")
	}
	if change.Operation != models.OperationUpsert && change.Operation != models.OperationDelete {
		return fmt.Errorf("pending change has unknown operation %q", change.Operation)
	}
	return nil
}

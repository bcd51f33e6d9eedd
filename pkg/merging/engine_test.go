package merging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sastafford/crossy/pkg/database"
	"github.com/sastafford/crossy/pkg/document"
	"github.com/sastafford/crossy/pkg/models"
)

// memoryStore mirrors the compare-and-swap contract of the Postgres record
// store: a change only lands when its sequence is strictly newer than the
// committed last_sequence for the key.
type memoryStore struct {
	mu      sync.Mutex
	records map[string]*models.MergedRecord
	// queued errors returned (and consumed) before any apply
	failures []error
	applies  int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{records: make(map[string]*models.MergedRecord)}
}

func (s *memoryStore) ApplyChange(ctx context.Context, change models.PendingChange) (*ApplyResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.applies++
	if len(s.failures) > 0 {
		err := s.failures[0]
		s.failures = s.failures[1:]
		return nil, err
	}

	key := change.Collection + "/" + change.EntityKey
	existing, ok := s.records[key]
	if ok && !change.Sequence.After(existing.LastSequence) {
		return &ApplyResult{Outcome: models.MergeOutcomeStale}, nil
	}

	now := time.Now().UTC()
	record := &models.MergedRecord{
		ID:           key,
		Collection:   change.Collection,
		EntityKey:    change.EntityKey,
		LastSequence: change.Sequence,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if ok {
		record.Version = existing.Version + 1
		record.CreatedAt = existing.CreatedAt
	}

	outcome := models.MergeOutcomeApplied
	if change.Operation == models.OperationDelete {
		record.Data = database.JSONB[document.Document]{Data: document.Document{}}
		record.DeletedAt = &now
		outcome = models.MergeOutcomeTombstoned
	} else {
		fields := change.Fields
		if fields == nil {
			fields = document.Document{}
		}
		record.Data = database.JSONB[document.Document]{Data: fields}
	}

	s.records[key] = record
	result := *record
	return &ApplyResult{Outcome: outcome, Record: &result}, nil
}

func (s *memoryStore) get(collection, entityKey string) *models.MergedRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[collection+"/"+entityKey]
}

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func upsert(key string, seq time.Time, fields document.Document) models.PendingChange {
	return models.PendingChange{
		Collection: models.CollectionVehicle,
		EntityKey:  key,
		Operation:  models.OperationUpsert,
		Sequence:   seq,
		Fields:     fields,
	}
}

func tombstone(key string, seq time.Time) models.PendingChange {
	return models.PendingChange{
		Collection: models.CollectionVehicle,
		EntityKey:  key,
		Operation:  models.OperationDelete,
		Sequence:   seq,
	}
}

func seq(day int) time.Time {
	return time.Date(2025, 1, day, 0, 0, 0, 0, time.UTC)
}

func TestEngineApply(t *testing.T) {
	ctx := context.Background()

	t.Run("should apply an upsert for a new key", func(t *testing.T) {
		store := newMemoryStore()
		engine := NewEngine(store, testLogger(), 3, time.Millisecond)

		result, err := engine.Apply(ctx, upsert("V1", seq(1), document.Document{"owner_name": "Maria Garcia"}))
		require.NoError(t, err)

		assert.Equal(t, models.MergeOutcomeApplied, result.Outcome)
		assert.Equal(t, 1, result.Record.Version)
		assert.Equal(t, "Maria Garcia", result.Record.Data.GetValue()["owner_name"])
	})

	t.Run("should overwrite with a newer sequence", func(t *testing.T) {
		store := newMemoryStore()
		engine := NewEngine(store, testLogger(), 3, time.Millisecond)

		_, err := engine.Apply(ctx, upsert("V1", seq(1), document.Document{"lane": "3"}))
		require.NoError(t, err)
		result, err := engine.Apply(ctx, upsert("V1", seq(2), document.Document{"lane": "7"}))
		require.NoError(t, err)

		assert.Equal(t, models.MergeOutcomeApplied, result.Outcome)
		assert.Equal(t, "7", result.Record.Data.GetValue()["lane"])
		assert.Equal(t, 2, result.Record.Version)
	})

	t.Run("should ignore a change with an older sequence", func(t *testing.T) {
		store := newMemoryStore()
		engine := NewEngine(store, testLogger(), 3, time.Millisecond)

		_, err := engine.Apply(ctx, upsert("V1", seq(5), document.Document{"lane": "3"}))
		require.NoError(t, err)
		result, err := engine.Apply(ctx, upsert("V1", seq(2), document.Document{"lane": "7"}))
		require.NoError(t, err)

		assert.Equal(t, models.MergeOutcomeStale, result.Outcome)
		assert.Equal(t, "3", store.get(models.CollectionVehicle, "V1").Data.GetValue()["lane"])
	})

	t.Run("should ignore a change with an equal sequence", func(t *testing.T) {
		store := newMemoryStore()
		engine := NewEngine(store, testLogger(), 3, time.Millisecond)

		_, err := engine.Apply(ctx, upsert("V1", seq(5), document.Document{"lane": "3"}))
		require.NoError(t, err)
		result, err := engine.Apply(ctx, upsert("V1", seq(5), document.Document{"lane": "7"}))
		require.NoError(t, err)

		assert.Equal(t, models.MergeOutcomeStale, result.Outcome)
	})

	t.Run("should be idempotent on replay", func(t *testing.T) {
		store := newMemoryStore()
		engine := NewEngine(store, testLogger(), 3, time.Millisecond)

		change := upsert("V1", seq(3), document.Document{"lane": "3"})
		first, err := engine.Apply(ctx, change)
		require.NoError(t, err)
		second, err := engine.Apply(ctx, change)
		require.NoError(t, err)

		assert.Equal(t, models.MergeOutcomeApplied, first.Outcome)
		assert.Equal(t, models.MergeOutcomeStale, second.Outcome)
		assert.Equal(t, 1, store.get(models.CollectionVehicle, "V1").Version)
	})

	t.Run("should converge to the same state regardless of arrival order", func(t *testing.T) {
		changes := []models.PendingChange{
			upsert("V1", seq(1), document.Document{"lane": "1"}),
			upsert("V1", seq(2), document.Document{"lane": "2"}),
			upsert("V1", seq(3), document.Document{"lane": "3"}),
		}

		permutations := [][]int{
			{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0},
		}

		for _, order := range permutations {
			store := newMemoryStore()
			engine := NewEngine(store, testLogger(), 3, time.Millisecond)

			for _, i := range order {
				_, err := engine.Apply(ctx, changes[i])
				require.NoError(t, err)
			}

			final := store.get(models.CollectionVehicle, "V1")
			require.NotNil(t, final)
			assert.Equal(t, "3", final.Data.GetValue()["lane"])
			assert.Equal(t, seq(3), final.LastSequence)
		}
	})

	t.Run("should reject an invalid change", func(t *testing.T) {
		store := newMemoryStore()
		engine := NewEngine(store, testLogger(), 3, time.Millisecond)

		_, err := engine.Apply(ctx, models.PendingChange{Collection: models.CollectionVehicle})
		assert.Error(t, err)

		_, err = engine.Apply(ctx, models.PendingChange{
			Collection: models.CollectionVehicle,
			EntityKey:  "V1",
			Sequence:   seq(1),
			Operation:  "merge",
		})
		assert.Error(t, err)
		assert.Zero(t, store.applies)
	})
}

func TestEngineTombstones(t *testing.T) {
	ctx := context.Background()

	t.Run("should tombstone a record", func(t *testing.T) {
		store := newMemoryStore()
		engine := NewEngine(store, testLogger(), 3, time.Millisecond)

		_, err := engine.Apply(ctx, upsert("V1", seq(1), document.Document{"lane": "3"}))
		require.NoError(t, err)
		result, err := engine.Apply(ctx, tombstone("V1", seq(2)))
		require.NoError(t, err)

		assert.Equal(t, models.MergeOutcomeTombstoned, result.Outcome)
		assert.True(t, store.get(models.CollectionVehicle, "V1").IsTombstoned())
	})

	t.Run("should tombstone an absent key", func(t *testing.T) {
		store := newMemoryStore()
		engine := NewEngine(store, testLogger(), 3, time.Millisecond)

		result, err := engine.Apply(ctx, tombstone("V9", seq(1)))
		require.NoError(t, err)

		assert.Equal(t, models.MergeOutcomeTombstoned, result.Outcome)
		assert.True(t, store.get(models.CollectionVehicle, "V9").IsTombstoned())
	})

	t.Run("should keep a tombstone against an older upsert", func(t *testing.T) {
		store := newMemoryStore()
		engine := NewEngine(store, testLogger(), 3, time.Millisecond)

		_, err := engine.Apply(ctx, tombstone("V1", seq(5)))
		require.NoError(t, err)
		result, err := engine.Apply(ctx, upsert("V1", seq(3), document.Document{"lane": "3"}))
		require.NoError(t, err)

		assert.Equal(t, models.MergeOutcomeStale, result.Outcome)
		assert.True(t, store.get(models.CollectionVehicle, "V1").IsTombstoned())
	})

	t.Run("should resurrect a tombstone with a newer upsert", func(t *testing.T) {
		store := newMemoryStore()
		engine := NewEngine(store, testLogger(), 3, time.Millisecond)

		_, err := engine.Apply(ctx, tombstone("V1", seq(5)))
		require.NoError(t, err)
		result, err := engine.Apply(ctx, upsert("V1", seq(10), document.Document{"lane": "4"}))
		require.NoError(t, err)

		assert.Equal(t, models.MergeOutcomeApplied, result.Outcome)
		record := store.get(models.CollectionVehicle, "V1")
		assert.False(t, record.IsTombstoned())
		assert.Equal(t, "4", record.Data.GetValue()["lane"])
	})
}

func TestEngineRetries(t *testing.T) {
	ctx := context.Background()

	t.Run("should retry a write conflict and succeed", func(t *testing.T) {
		store := newMemoryStore()
		store.failures = []error{
			&WriteConflictError{Err: errors.New("serialization failure")},
			&WriteConflictError{Err: errors.New("serialization failure")},
		}
		engine := NewEngine(store, testLogger(), 3, time.Millisecond)

		result, err := engine.Apply(ctx, upsert("V1", seq(1), document.Document{"lane": "3"}))
		require.NoError(t, err)

		assert.Equal(t, models.MergeOutcomeApplied, result.Outcome)
		assert.Equal(t, 3, store.applies)
	})

	t.Run("should give up after exhausting retries", func(t *testing.T) {
		store := newMemoryStore()
		store.failures = []error{
			&WriteConflictError{Err: errors.New("deadlock")},
			&WriteConflictError{Err: errors.New("deadlock")},
			&WriteConflictError{Err: errors.New("deadlock")},
		}
		engine := NewEngine(store, testLogger(), 2, time.Millisecond)

		_, err := engine.Apply(ctx, upsert("V1", seq(1), document.Document{"lane": "3"}))
		require.Error(t, err)
		assert.True(t, IsWriteConflict(err))
	})

	t.Run("should not retry a non-conflict error", func(t *testing.T) {
		store := newMemoryStore()
		store.failures = []error{errors.New("connection refused")}
		engine := NewEngine(store, testLogger(), 3, time.Millisecond)

		_, err := engine.Apply(ctx, upsert("V1", seq(1), document.Document{"lane": "3"}))
		require.Error(t, err)
		assert.Equal(t, 1, store.applies)
	})

	t.Run("should stop retrying when the context is cancelled", func(t *testing.T) {
		store := newMemoryStore()
		store.failures = []error{
			&WriteConflictError{Err: errors.New("deadlock")},
		}
		engine := NewEngine(store, testLogger(), 5, time.Minute)

		cancelCtx, cancel := context.WithCancel(ctx)
		cancel()

		_, err := engine.Apply(cancelCtx, upsert("V1", seq(1), document.Document{"lane": "3"}))
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestEngineIsolatesFailuresPerKey(t *testing.T) {
	ctx := context.Background()

	store := newMemoryStore()
	store.failures = []error{errors.New("disk full")}
	engine := NewEngine(store, testLogger(), 0, time.Millisecond)

	_, err := engine.Apply(ctx, upsert("V1", seq(1), document.Document{"lane": "3"}))
	require.Error(t, err)

	result, err := engine.Apply(ctx, upsert("V2", seq(1), document.Document{"lane": "5"}))
	require.NoError(t, err)
	assert.Equal(t, models.MergeOutcomeApplied, result.Outcome)
}

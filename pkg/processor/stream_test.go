package processor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sastafford/crossy/pkg/kafka"
	"github.com/sastafford/crossy/pkg/merging"
	"github.com/sastafford/crossy/pkg/models"
	"github.com/sastafford/crossy/pkg/normalizer"
	"github.com/sastafford/crossy/pkg/redis"
)

type fakeCaptureStore struct {
	captures []models.RawCapture
	err      error
}

func (f *fakeCaptureStore) Ingest(ctx context.Context, collection string, provenance models.Provenance, payload json.RawMessage) (*models.RawCapture, error) {
	if f.err != nil {
		return nil, f.err
	}
	capture := models.RawCapture{
		ID:         "capture",
		Collection: collection,
		Provenance: provenance,
		Payload:    payload,
		ReceivedAt: time.Now().UTC(),
	}
	f.captures = append(f.captures, capture)
	return &capture, nil
}

type fakeApplier struct {
	changes []models.PendingChange
	result  *merging.ApplyResult
	err     error
}

func (f *fakeApplier) Apply(ctx context.Context, change models.PendingChange) (*merging.ApplyResult, error) {
	f.changes = append(f.changes, change)
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &merging.ApplyResult{
		Outcome: models.MergeOutcomeApplied,
		Record: &models.MergedRecord{
			Collection:   change.Collection,
			EntityKey:    change.EntityKey,
			LastSequence: change.Sequence,
			Version:      1,
		},
	}, nil
}

type fakeDLQ struct {
	entries []*redis.DLQEntry
}

func (f *fakeDLQ) Add(ctx context.Context, entry *redis.DLQEntry) (string, error) {
	f.entries = append(f.entries, entry)
	return "1-0", nil
}

type fakeEmitter struct {
	applied []string
	deleted []string
	stale   []string
}

func (f *fakeEmitter) EmitApplied(ctx context.Context, record *models.MergedRecord) error {
	f.applied = append(f.applied, record.EntityKey)
	return nil
}

func (f *fakeEmitter) EmitDeleted(ctx context.Context, record *models.MergedRecord) error {
	f.deleted = append(f.deleted, record.EntityKey)
	return nil
}

func (f *fakeEmitter) EmitStale(ctx context.Context, change models.PendingChange) error {
	f.stale = append(f.stale, change.EntityKey)
	return nil
}

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func changeMessage(collection, payload string) *kafka.IncomingMessage {
	headers := map[string]string{}
	if collection != "" {
		headers[kafka.HeaderCollection] = collection
	}
	return &kafka.IncomingMessage{
		Key:     "V1",
		Value:   []byte(payload),
		Headers: headers,
		Topic:   "crossy.change-events",
	}
}

const validEnvelope = `{
	"documentKey": {"_id": "V1"},
	"operationType": "insert",
	"wallTime": "2025-01-02T10:30:00Z",
	"fullDocument": {"license_plate_number": "TX-ABC-123"}
}`

func TestStreamProcessorHandleMessage(t *testing.T) {
	ctx := context.Background()
	epoch := time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)

	newProcessor := func(captures *fakeCaptureStore, applier *fakeApplier, dlq *fakeDLQ, emitter *fakeEmitter) *StreamProcessor {
		var outcomeEmitter OutcomeEmitter
		if emitter != nil {
			outcomeEmitter = emitter
		}
		return NewStreamProcessor(testLogger(), captures, normalizer.New(epoch), applier, dlq, outcomeEmitter)
	}

	t.Run("should capture, normalize and apply a valid message", func(t *testing.T) {
		captures := &fakeCaptureStore{}
		applier := &fakeApplier{}
		dlq := &fakeDLQ{}
		emitter := &fakeEmitter{}
		p := newProcessor(captures, applier, dlq, emitter)

		err := p.HandleMessage(ctx, changeMessage(models.CollectionVehicle, validEnvelope))
		require.NoError(t, err)

		require.Len(t, captures.captures, 1)
		assert.Equal(t, models.ProvenanceIncremental, captures.captures[0].Provenance)
		require.Len(t, applier.changes, 1)
		assert.Equal(t, "V1", applier.changes[0].EntityKey)
		assert.Equal(t, []string{"V1"}, emitter.applied)
		assert.Empty(t, dlq.entries)
	})

	t.Run("should resolve the collection from ns.coll when the header is missing", func(t *testing.T) {
		captures := &fakeCaptureStore{}
		applier := &fakeApplier{}
		dlq := &fakeDLQ{}
		p := newProcessor(captures, applier, dlq, nil)

		payload := `{
			"documentKey": {"_id": "V1"},
			"operationType": "insert",
			"wallTime": "2025-01-02T10:30:00Z",
			"fullDocument": {},
			"ns": {"db": "crossy", "coll": "crossing"}
		}`
		err := p.HandleMessage(ctx, changeMessage("", payload))
		require.NoError(t, err)

		require.Len(t, captures.captures, 1)
		assert.Equal(t, models.CollectionCrossing, captures.captures[0].Collection)
	})

	t.Run("should park a message with no resolvable collection", func(t *testing.T) {
		captures := &fakeCaptureStore{}
		applier := &fakeApplier{}
		dlq := &fakeDLQ{}
		p := newProcessor(captures, applier, dlq, nil)

		err := p.HandleMessage(ctx, changeMessage("", `{"documentKey": {"_id": "V1"}}`))
		require.NoError(t, err)

		assert.Empty(t, captures.captures)
		require.Len(t, dlq.entries, 1)
		assert.Equal(t, "unknown_collection", dlq.entries[0].Reason)
	})

	t.Run("should not commit on a capture store failure", func(t *testing.T) {
		captures := &fakeCaptureStore{err: errors.New("connection refused")}
		applier := &fakeApplier{}
		dlq := &fakeDLQ{}
		p := newProcessor(captures, applier, dlq, nil)

		err := p.HandleMessage(ctx, changeMessage(models.CollectionVehicle, validEnvelope))
		assert.Error(t, err)
		assert.Empty(t, dlq.entries)
		assert.Empty(t, applier.changes)
	})

	t.Run("should park a malformed message and commit", func(t *testing.T) {
		captures := &fakeCaptureStore{}
		applier := &fakeApplier{}
		dlq := &fakeDLQ{}
		p := newProcessor(captures, applier, dlq, nil)

		err := p.HandleMessage(ctx, changeMessage(models.CollectionVehicle, `{"operationType": "insert"}`))
		require.NoError(t, err)

		// The raw capture is still durable even though normalization failed
		assert.Len(t, captures.captures, 1)
		require.Len(t, dlq.entries, 1)
		assert.Equal(t, "malformed_record", dlq.entries[0].Reason)
		assert.Empty(t, applier.changes)
	})

	t.Run("should park a change when apply retries are exhausted", func(t *testing.T) {
		captures := &fakeCaptureStore{}
		applier := &fakeApplier{err: errors.New("merge apply failed after 3 retries")}
		dlq := &fakeDLQ{}
		p := newProcessor(captures, applier, dlq, nil)

		err := p.HandleMessage(ctx, changeMessage(models.CollectionVehicle, validEnvelope))
		require.NoError(t, err)

		require.Len(t, dlq.entries, 1)
		assert.Equal(t, "apply_failed", dlq.entries[0].Reason)
		assert.Equal(t, "V1", dlq.entries[0].EntityKey)
	})

	t.Run("should emit a stale event for an ignored change", func(t *testing.T) {
		captures := &fakeCaptureStore{}
		applier := &fakeApplier{result: &merging.ApplyResult{Outcome: models.MergeOutcomeStale}}
		dlq := &fakeDLQ{}
		emitter := &fakeEmitter{}
		p := newProcessor(captures, applier, dlq, emitter)

		err := p.HandleMessage(ctx, changeMessage(models.CollectionVehicle, validEnvelope))
		require.NoError(t, err)

		assert.Equal(t, []string{"V1"}, emitter.stale)
		assert.Empty(t, emitter.applied)
	})

	t.Run("should emit a deleted event for a tombstoned change", func(t *testing.T) {
		captures := &fakeCaptureStore{}
		applier := &fakeApplier{result: &merging.ApplyResult{
			Outcome: models.MergeOutcomeTombstoned,
			Record:  &models.MergedRecord{Collection: models.CollectionVehicle, EntityKey: "V1"},
		}}
		dlq := &fakeDLQ{}
		emitter := &fakeEmitter{}
		p := newProcessor(captures, applier, dlq, emitter)

		payload := `{
			"documentKey": {"_id": "V1"},
			"operationType": "delete",
			"wallTime": "2025-01-03T08:00:00Z"
		}`
		err := p.HandleMessage(ctx, changeMessage(models.CollectionVehicle, payload))
		require.NoError(t, err)

		assert.Equal(t, []string{"V1"}, emitter.deleted)
	})
}

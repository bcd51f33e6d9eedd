package merging

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sastafford/crossy/pkg/models"
	"github.com/sastafford/crossy/pkg/normalizer"
)

// These scenarios run full captures through normalization and merge, covering
// the seed-then-update lifecycle of a vehicle record across both provenances.

func applyCapture(t *testing.T, n *normalizer.Normalizer, engine *Engine, capture models.RawCapture) *ApplyResult {
	t.Helper()

	change, err := n.Normalize(capture)
	require.NoError(t, err)

	result, err := engine.Apply(context.Background(), change)
	require.NoError(t, err)
	return result
}

func vehicleBackfill(payload string) models.RawCapture {
	return models.RawCapture{
		Collection: models.CollectionVehicle,
		Provenance: models.ProvenanceBackfill,
		Payload:    json.RawMessage(payload),
	}
}

func vehicleIncremental(payload string) models.RawCapture {
	return models.RawCapture{
		Collection: models.CollectionVehicle,
		Provenance: models.ProvenanceIncremental,
		Payload:    json.RawMessage(payload),
	}
}

func TestVehicleLifecycle(t *testing.T) {
	epoch := time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("backfill seeds a vehicle the stream has never touched", func(t *testing.T) {
		store := newMemoryStore()
		n := normalizer.New(epoch)
		engine := NewEngine(store, testLogger(), 3, time.Millisecond)

		result := applyCapture(t, n, engine, vehicleBackfill(`{
			"_id": "V1",
			"license_plate_number": "TX-ABC-123",
			"owner_name": "Maria Garcia",
			"vehicle_type": "sedan"
		}`))

		assert.Equal(t, models.MergeOutcomeApplied, result.Outcome)
		record := store.get(models.CollectionVehicle, "V1")
		require.NotNil(t, record)
		assert.Equal(t, "TX-ABC-123", record.Data.GetValue()["license_plate_number"])
		assert.Equal(t, epoch, record.LastSequence)
	})

	t.Run("stream update wins over backfill regardless of arrival order", func(t *testing.T) {
		backfill := vehicleBackfill(`{
			"_id": "V1",
			"license_plate_number": "TX-ABC-123",
			"owner_name": "Maria Garcia"
		}`)
		update := vehicleIncremental(`{
			"documentKey": {"_id": "V1"},
			"operationType": "update",
			"wallTime": "2025-01-02T10:30:00Z",
			"fullDocument": {"license_plate_number": "TX-XYZ-999", "owner_name": "Maria Garcia"}
		}`)

		for _, order := range [][]models.RawCapture{
			{backfill, update},
			{update, backfill},
		} {
			store := newMemoryStore()
			n := normalizer.New(epoch)
			engine := NewEngine(store, testLogger(), 3, time.Millisecond)

			for _, capture := range order {
				applyCapture(t, n, engine, capture)
			}

			record := store.get(models.CollectionVehicle, "V1")
			require.NotNil(t, record)
			assert.Equal(t, "TX-XYZ-999", record.Data.GetValue()["license_plate_number"])
			assert.Equal(t, time.Date(2025, 1, 2, 10, 30, 0, 0, time.UTC), record.LastSequence)
		}
	})

	t.Run("late delete older than the current state is ignored", func(t *testing.T) {
		store := newMemoryStore()
		n := normalizer.New(epoch)
		engine := NewEngine(store, testLogger(), 3, time.Millisecond)

		applyCapture(t, n, engine, vehicleIncremental(`{
			"documentKey": {"_id": "V1"},
			"operationType": "update",
			"wallTime": "2025-01-05T00:00:00Z",
			"fullDocument": {"license_plate_number": "TX-XYZ-999"}
		}`))

		result := applyCapture(t, n, engine, vehicleIncremental(`{
			"documentKey": {"_id": "V1"},
			"operationType": "delete",
			"wallTime": "2025-01-03T00:00:00Z"
		}`))

		assert.Equal(t, models.MergeOutcomeStale, result.Outcome)
		record := store.get(models.CollectionVehicle, "V1")
		assert.False(t, record.IsTombstoned())
		assert.Equal(t, "TX-XYZ-999", record.Data.GetValue()["license_plate_number"])
	})

	t.Run("rerunning a backfill over merged state is all stale no-ops", func(t *testing.T) {
		store := newMemoryStore()
		n := normalizer.New(epoch)
		engine := NewEngine(store, testLogger(), 3, time.Millisecond)

		backfill := vehicleBackfill(`{"_id": "V1", "license_plate_number": "TX-ABC-123"}`)
		first := applyCapture(t, n, engine, backfill)
		assert.Equal(t, models.MergeOutcomeApplied, first.Outcome)

		applyCapture(t, n, engine, vehicleIncremental(`{
			"documentKey": {"_id": "V1"},
			"operationType": "update",
			"wallTime": "2025-01-02T10:30:00Z",
			"fullDocument": {"license_plate_number": "TX-XYZ-999"}
		}`))

		rerun := applyCapture(t, n, engine, backfill)
		assert.Equal(t, models.MergeOutcomeStale, rerun.Outcome)
		assert.Equal(t, "TX-XYZ-999", store.get(models.CollectionVehicle, "V1").Data.GetValue()["license_plate_number"])
	})
}

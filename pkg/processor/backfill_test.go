package processor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sastafford/crossy/pkg/merging"
	"github.com/sastafford/crossy/pkg/models"
	"github.com/sastafford/crossy/pkg/normalizer"
)

type fakeLedger struct {
	claimed   map[string]bool
	runKeys   map[string]string
	completed []models.BackfillRunStatus
	released  []string
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{claimed: make(map[string]bool), runKeys: make(map[string]string)}
}

func (f *fakeLedger) Claim(ctx context.Context, runKey, collection string) (*models.BackfillRun, bool, error) {
	if f.claimed[runKey] {
		return nil, false, nil
	}
	f.claimed[runKey] = true
	id := "run-" + runKey
	f.runKeys[id] = runKey
	return &models.BackfillRun{
		ID:         id,
		RunKey:     runKey,
		Collection: collection,
		Status:     models.BackfillRunStatusRunning,
	}, true, nil
}

func (f *fakeLedger) Complete(ctx context.Context, id string, status models.BackfillRunStatus, total, stale, errored int) error {
	f.completed = append(f.completed, status)
	return nil
}

func (f *fakeLedger) Release(ctx context.Context, id string) error {
	f.released = append(f.released, id)
	delete(f.claimed, f.runKeys[id])
	return nil
}

func writeExport(t *testing.T, lines string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "export.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(lines), 0o644))
	return path
}

func TestBackfillProcessorRun(t *testing.T) {
	ctx := context.Background()
	epoch := time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)

	newProcessor := func(captures *fakeCaptureStore, applier *fakeApplier, ledger *fakeLedger) *BackfillProcessor {
		return NewBackfillProcessor(testLogger(), captures, normalizer.New(epoch), applier, ledger)
	}

	t.Run("should process every document in the export", func(t *testing.T) {
		captures := &fakeCaptureStore{}
		applier := &fakeApplier{}
		ledger := newFakeLedger()
		p := newProcessor(captures, applier, ledger)

		path := writeExport(t, `{"_id": "V1", "license_plate_number": "TX-ABC-123"}
{"_id": "V2", "license_plate_number": "TX-DEF-456"}

{"_id": "V3", "license_plate_number": "TX-GHI-789"}
`)

		stats, err := p.Run(ctx, "", models.CollectionVehicle, path)
		require.NoError(t, err)

		assert.Equal(t, 3, stats.Total)
		assert.Equal(t, 3, stats.Applied)
		assert.Zero(t, stats.Errored)
		assert.Len(t, captures.captures, 3)
		for _, capture := range captures.captures {
			assert.Equal(t, models.ProvenanceBackfill, capture.Provenance)
		}
		assert.Equal(t, []models.BackfillRunStatus{models.BackfillRunStatusCompleted}, ledger.completed)
	})

	t.Run("should stamp every change with the constant backfill sequence", func(t *testing.T) {
		captures := &fakeCaptureStore{}
		applier := &fakeApplier{}
		ledger := newFakeLedger()
		p := newProcessor(captures, applier, ledger)

		path := writeExport(t, `{"_id": "V1", "owner_name": "Maria Garcia"}`)
		_, err := p.Run(ctx, "", models.CollectionVehicle, path)
		require.NoError(t, err)

		require.Len(t, applier.changes, 1)
		assert.Equal(t, epoch, applier.changes[0].Sequence)
		assert.Equal(t, models.OperationUpsert, applier.changes[0].Operation)
	})

	t.Run("should refuse a rerun of the same run key", func(t *testing.T) {
		captures := &fakeCaptureStore{}
		applier := &fakeApplier{}
		ledger := newFakeLedger()
		p := newProcessor(captures, applier, ledger)

		path := writeExport(t, `{"_id": "V1"}`)
		_, err := p.Run(ctx, "vehicle:2024-export", models.CollectionVehicle, path)
		require.NoError(t, err)

		_, err = p.Run(ctx, "vehicle:2024-export", models.CollectionVehicle, path)
		assert.ErrorIs(t, err, ErrRerunDetected)
		assert.Len(t, captures.captures, 1)
	})

	t.Run("should derive the run key from the collection and file name", func(t *testing.T) {
		captures := &fakeCaptureStore{}
		applier := &fakeApplier{}
		ledger := newFakeLedger()
		p := newProcessor(captures, applier, ledger)

		path := writeExport(t, `{"_id": "V1"}`)
		_, err := p.Run(ctx, "", models.CollectionVehicle, path)
		require.NoError(t, err)

		assert.True(t, ledger.claimed["vehicle:export.jsonl"])
	})

	t.Run("should count malformed documents as errors and continue", func(t *testing.T) {
		captures := &fakeCaptureStore{}
		applier := &fakeApplier{}
		ledger := newFakeLedger()
		p := newProcessor(captures, applier, ledger)

		path := writeExport(t, `{"_id": "V1", "lane": "3"}
{"owner_name": "no id"}
{"_id": "V3", "lane": "5"}
`)

		stats, err := p.Run(ctx, "", models.CollectionVehicle, path)
		require.NoError(t, err)

		assert.Equal(t, 3, stats.Total)
		assert.Equal(t, 2, stats.Applied)
		assert.Equal(t, 1, stats.Errored)
		assert.Len(t, applier.changes, 2)
	})

	t.Run("should count stale documents separately", func(t *testing.T) {
		captures := &fakeCaptureStore{}
		applier := &fakeApplier{result: &merging.ApplyResult{Outcome: models.MergeOutcomeStale}}
		ledger := newFakeLedger()
		p := newProcessor(captures, applier, ledger)

		path := writeExport(t, `{"_id": "V1"}
{"_id": "V2"}
`)

		stats, err := p.Run(ctx, "", models.CollectionVehicle, path)
		require.NoError(t, err)

		assert.Equal(t, 2, stats.Stale)
		assert.Zero(t, stats.Applied)
	})

	t.Run("should release the claim when the export cannot be opened", func(t *testing.T) {
		captures := &fakeCaptureStore{}
		applier := &fakeApplier{}
		ledger := newFakeLedger()
		p := newProcessor(captures, applier, ledger)

		_, err := p.Run(ctx, "vehicle:missing", models.CollectionVehicle, "/nonexistent/export.jsonl")
		require.Error(t, err)
		assert.Equal(t, []string{"run-vehicle:missing"}, ledger.released)
	})

	t.Run("should release the claim when cancelled mid-run", func(t *testing.T) {
		captures := &fakeCaptureStore{}
		applier := &fakeApplier{}
		ledger := newFakeLedger()
		p := newProcessor(captures, applier, ledger)

		cancelCtx, cancel := context.WithCancel(ctx)
		cancel()

		path := writeExport(t, `{"_id": "V1"}`)
		_, err := p.Run(cancelCtx, "vehicle:cancelled", models.CollectionVehicle, path)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Len(t, ledger.released, 1)
		assert.Empty(t, captures.captures)
	})
}

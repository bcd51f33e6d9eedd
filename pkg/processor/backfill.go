package processor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Gobusters/ectologger"

	"github.com/sastafford/crossy/pkg/metrics"
	"github.com/sastafford/crossy/pkg/models"
	"github.com/sastafford/crossy/pkg/normalizer"
	"github.com/sastafford/crossy/pkg/tracing"
)

// ErrRerunDetected is returned when a backfill run key has already been
// claimed. Reruns are expected after partial failures and are not fatal.
var ErrRerunDetected = errors.New("backfill run already executed")

// RunLedger is the at-most-once claim store for backfill passes.
type RunLedger interface {
	Claim(ctx context.Context, runKey, collection string) (*models.BackfillRun, bool, error)
	Complete(ctx context.Context, id string, status models.BackfillRunStatus, total, stale, errored int) error
	Release(ctx context.Context, id string) error
}

// BackfillProcessor runs the bounded historical pass: it claims the run key,
// streams a JSONL export and feeds every document through capture, normalize
// and merge. Because backfill changes share one constant sequence, a forced
// rerun reduces to stale no-ops.
type BackfillProcessor struct {
	logger     ectologger.Logger
	captures   CaptureStore
	normalizer *normalizer.Normalizer
	engine     ChangeApplier
	ledger     RunLedger
}

func NewBackfillProcessor(
	logger ectologger.Logger,
	captures CaptureStore,
	norm *normalizer.Normalizer,
	engine ChangeApplier,
	ledger RunLedger,
) *BackfillProcessor {
	return &BackfillProcessor{
		logger:     logger,
		captures:   captures,
		normalizer: norm,
		engine:     engine,
		ledger:     ledger,
	}
}

// RunStats summarizes a completed backfill pass.
type RunStats struct {
	Total   int
	Applied int
	Stale   int
	Errored int
}

// Run executes the backfill for one export file. Returns ErrRerunDetected when
// the run key was already claimed. Cancellation releases the claim so the pass
// can be restarted from the beginning; restarting is safe because every
// already-committed document replays as a stale no-op.
func (p *BackfillProcessor) Run(ctx context.Context, runKey, collection, filePath string) (*RunStats, error) {
	ctx, span := tracing.StartSpan(ctx, "processor.BackfillProcessor.Run")
	defer span.End()

	if runKey == "" {
		runKey = fmt.Sprintf("%s:%s", collection, filepath.Base(filePath))
	}

	log := p.logger.WithContext(ctx).WithFields(map[string]any{
		"run_key":    runKey,
		"collection": collection,
		"file":       filePath,
	})

	run, claimed, err := p.ledger.Claim(ctx, runKey, collection)
	if err != nil {
		return nil, err
	}
	if !claimed {
		log.Warn("Backfill rerun detected, skipping")
		return nil, ErrRerunDetected
	}

	file, err := os.Open(filePath)
	if err != nil {
		_ = p.ledger.Release(ctx, run.ID)
		return nil, fmt.Errorf("failed to open backfill export: %w", err)
	}
	defer file.Close()

	stats := &RunStats{}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			// Cancelled mid-run: release the claim so the pass can restart
			_ = p.ledger.Release(context.WithoutCancel(ctx), run.ID)
			return nil, ctx.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		stats.Total++
		if err := p.processDocument(ctx, collection, json.RawMessage(line), stats); err != nil {
			// Storage or apply failure on one document does not stop the pass
			log.WithError(err).Warnf("Backfill document %d failed", stats.Total)
			stats.Errored++
			metrics.BackfillDocumentsTotal.WithLabelValues(collection, "error").Inc()
		}
	}

	if err := scanner.Err(); err != nil {
		_ = p.ledger.Complete(ctx, run.ID, models.BackfillRunStatusFailed, stats.Total, stats.Stale, stats.Errored)
		return stats, fmt.Errorf("failed reading backfill export: %w", err)
	}

	if err := p.ledger.Complete(ctx, run.ID, models.BackfillRunStatusCompleted, stats.Total, stats.Stale, stats.Errored); err != nil {
		return stats, err
	}

	log.Infof("Backfill completed: %d documents (%d applied, %d stale, %d errored)",
		stats.Total, stats.Applied, stats.Stale, stats.Errored)
	return stats, nil
}

func (p *BackfillProcessor) processDocument(ctx context.Context, collection string, payload json.RawMessage, stats *RunStats) error {
	capture, err := p.captures.Ingest(ctx, collection, models.ProvenanceBackfill, payload)
	if err != nil {
		return err
	}

	change, err := p.normalizer.NormalizeBackfill(*capture)
	if err != nil {
		if normalizer.IsMalformedRecord(err) {
			metrics.NormalizeFailuresTotal.WithLabelValues(collection, string(models.ProvenanceBackfill), "malformed").Inc()
			p.logger.WithContext(ctx).WithError(err).Warn("Skipping malformed backfill document")
			return err
		}
		return err
	}

	metrics.ChangesNormalizedTotal.WithLabelValues(collection, string(models.ProvenanceBackfill), string(change.Operation)).Inc()

	result, err := p.engine.Apply(ctx, change)
	if err != nil {
		return err
	}

	switch result.Outcome {
	case models.MergeOutcomeStale:
		stats.Stale++
		metrics.BackfillDocumentsTotal.WithLabelValues(collection, "stale").Inc()
	default:
		stats.Applied++
		metrics.BackfillDocumentsTotal.WithLabelValues(collection, "applied").Inc()
	}

	return nil
}

// Package processor wires the capture, normalize and merge stages into the
// two ingestion paths: the long-lived change stream and the bounded backfill
// pass.
package processor

import (
	"context"
	"encoding/json"

	"github.com/Gobusters/ectologger"

	"github.com/sastafford/crossy/pkg/kafka"
	"github.com/sastafford/crossy/pkg/merging"
	"github.com/sastafford/crossy/pkg/metrics"
	"github.com/sastafford/crossy/pkg/models"
	"github.com/sastafford/crossy/pkg/normalizer"
	"github.com/sastafford/crossy/pkg/redis"
	"github.com/sastafford/crossy/pkg/tracing"
)

// CaptureStore appends raw documents to the capture log.
type CaptureStore interface {
	Ingest(ctx context.Context, collection string, provenance models.Provenance, payload json.RawMessage) (*models.RawCapture, error)
}

// ChangeApplier applies a pending change to merged record state.
type ChangeApplier interface {
	Apply(ctx context.Context, change models.PendingChange) (*merging.ApplyResult, error)
}

// DeadLetter parks change events that cannot be processed.
type DeadLetter interface {
	Add(ctx context.Context, entry *redis.DLQEntry) (string, error)
}

// OutcomeEmitter publishes record lifecycle events after merge applies.
type OutcomeEmitter interface {
	EmitApplied(ctx context.Context, record *models.MergedRecord) error
	EmitDeleted(ctx context.Context, record *models.MergedRecord) error
	EmitStale(ctx context.Context, change models.PendingChange) error
}

// StreamProcessor is the long-lived handler for the continuous change stream.
// Each message runs the full capture, normalize, merge chain before its offset
// is committed.
type StreamProcessor struct {
	logger     ectologger.Logger
	captures   CaptureStore
	normalizer *normalizer.Normalizer
	engine     ChangeApplier
	dlq        DeadLetter
	emitter    OutcomeEmitter
}

// NewStreamProcessor creates the change stream handler. The emitter may be
// nil when event emission is disabled.
func NewStreamProcessor(
	logger ectologger.Logger,
	captures CaptureStore,
	norm *normalizer.Normalizer,
	engine ChangeApplier,
	dlq DeadLetter,
	emitter OutcomeEmitter,
) *StreamProcessor {
	return &StreamProcessor{
		logger:     logger,
		captures:   captures,
		normalizer: norm,
		engine:     engine,
		dlq:        dlq,
		emitter:    emitter,
	}
}

// HandleMessage processes one change-stream message. A nil return commits the
// offset; infrastructure failures return an error so the message is
// redelivered, while bad payloads are parked on the DLQ and committed so one
// poison record cannot wedge the partition.
func (p *StreamProcessor) HandleMessage(ctx context.Context, msg *kafka.IncomingMessage) error {
	ctx, span := tracing.StartSpan(ctx, "processor.StreamProcessor.HandleMessage")
	defer span.End()

	log := p.logger.WithContext(ctx).WithFields(map[string]any{
		"topic":     msg.Topic,
		"partition": msg.Partition,
		"offset":    msg.Offset,
	})

	collection := msg.Collection()
	if collection == "" {
		log.Warn("Change event has no resolvable collection, sending to DLQ")
		p.park(ctx, "", "", msg.Value, "unknown_collection", "message has no collection header or ns.coll field")
		return nil
	}

	capture, err := p.captures.Ingest(ctx, collection, models.ProvenanceIncremental, msg.Value)
	if err != nil {
		// Storage failure: do not commit, the message will be redelivered
		return err
	}

	change, err := p.normalizer.NormalizeIncremental(*capture)
	if err != nil {
		if normalizer.IsMalformedRecord(err) {
			metrics.NormalizeFailuresTotal.WithLabelValues(collection, string(models.ProvenanceIncremental), "malformed").Inc()
			log.WithError(err).Warn("Skipping malformed change event")
			p.park(ctx, collection, msg.Key, msg.Value, "malformed_record", err.Error())
			return nil
		}
		return err
	}

	metrics.ChangesNormalizedTotal.WithLabelValues(collection, string(models.ProvenanceIncremental), string(change.Operation)).Inc()

	result, err := p.engine.Apply(ctx, change)
	if err != nil {
		// Retries are exhausted inside the engine; park the change so other
		// keys keep flowing. The raw capture is already durable for replay.
		log.WithError(err).Error("Failed to apply change, sending to DLQ")
		p.park(ctx, collection, change.EntityKey, msg.Value, "apply_failed", err.Error())
		return nil
	}

	p.emitOutcome(ctx, change, result)
	return nil
}

func (p *StreamProcessor) park(ctx context.Context, collection, entityKey string, payload []byte, reason, message string) {
	if p.dlq == nil {
		return
	}
	if _, err := p.dlq.Add(ctx, &redis.DLQEntry{
		Collection:   collection,
		EntityKey:    entityKey,
		Source:       string(models.ProvenanceIncremental),
		Payload:      json.RawMessage(payload),
		Reason:       reason,
		ErrorMessage: message,
	}); err != nil {
		p.logger.WithContext(ctx).WithError(err).Error("Failed to park change event on DLQ")
	}
}

func (p *StreamProcessor) emitOutcome(ctx context.Context, change models.PendingChange, result *merging.ApplyResult) {
	if p.emitter == nil {
		return
	}

	// Event emission is best effort; the merge result is already committed.
	var err error
	switch result.Outcome {
	case models.MergeOutcomeApplied:
		err = p.emitter.EmitApplied(ctx, result.Record)
	case models.MergeOutcomeTombstoned:
		err = p.emitter.EmitDeleted(ctx, result.Record)
	case models.MergeOutcomeStale:
		err = p.emitter.EmitStale(ctx, change)
	}
	if err != nil {
		p.logger.WithContext(ctx).WithError(err).Warn("Failed to emit record event")
	}
}

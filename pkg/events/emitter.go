// Package events handles event emission for record lifecycle changes
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/sastafford/crossy/pkg/document"
	"github.com/sastafford/crossy/pkg/kafka"
	"github.com/sastafford/crossy/pkg/models"
	"github.com/sastafford/crossy/pkg/tracing"
)

// SchemaVersion is the current event schema version
const SchemaVersion = "1.0"

// Event types published after each merge outcome.
const (
	EventRecordApplied = "record.applied"
	EventRecordDeleted = "record.deleted"
	EventRecordStale   = "record.stale"
)

// RecordEvent describes a merge outcome for downstream consumers.
type RecordEvent struct {
	SchemaVersion string            `json:"schema_version"`
	EventType     string            `json:"event_type"`
	Collection    string            `json:"collection"`
	EntityKey     string            `json:"entity_key"`
	Sequence      time.Time         `json:"sequence"`
	Data          document.Document `json:"data,omitempty"`
	Version       int               `json:"version,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
}

// Emitter publishes record lifecycle events after merge applies.
type Emitter struct {
	producer *kafka.Producer
	logger   ectologger.Logger
}

// NewEmitter creates a new event emitter
func NewEmitter(producer *kafka.Producer, logger ectologger.Logger) *Emitter {
	return &Emitter{
		producer: producer,
		logger:   logger,
	}
}

// EmitApplied emits a record.applied event for an upserted record.
func (e *Emitter) EmitApplied(ctx context.Context, record *models.MergedRecord) error {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.EmitApplied")
	defer span.End()

	event := &RecordEvent{
		SchemaVersion: SchemaVersion,
		EventType:     EventRecordApplied,
		Collection:    record.Collection,
		EntityKey:     record.EntityKey,
		Sequence:      record.LastSequence,
		Data:          record.Data.GetValue(),
		Version:       record.Version,
	}

	return e.publish(ctx, event)
}

// EmitDeleted emits a record.deleted event for a tombstoned record.
func (e *Emitter) EmitDeleted(ctx context.Context, record *models.MergedRecord) error {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.EmitDeleted")
	defer span.End()

	event := &RecordEvent{
		SchemaVersion: SchemaVersion,
		EventType:     EventRecordDeleted,
		Collection:    record.Collection,
		EntityKey:     record.EntityKey,
		Sequence:      record.LastSequence,
		Version:       record.Version,
	}

	return e.publish(ctx, event)
}

// EmitStale emits a record.stale event for an ignored change, distinguishing
// "rejected because obsolete" from silent data loss.
func (e *Emitter) EmitStale(ctx context.Context, change models.PendingChange) error {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.EmitStale")
	defer span.End()

	event := &RecordEvent{
		SchemaVersion: SchemaVersion,
		EventType:     EventRecordStale,
		Collection:    change.Collection,
		EntityKey:     change.EntityKey,
		Sequence:      change.Sequence,
	}

	return e.publish(ctx, event)
}

func (e *Emitter) publish(ctx context.Context, event *RecordEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	headers := map[string]string{
		"event_type": event.EventType,
		"collection": event.Collection,
	}
	if traceparent := tracing.GetTraceParent(ctx); traceparent != "" {
		headers["traceparent"] = traceparent
	}

	if err := e.producer.Publish(ctx, event.EntityKey, data, headers); err != nil {
		e.logger.WithContext(ctx).WithError(err).Errorf("Failed to emit %s event", event.EventType)
		return err
	}

	return nil
}

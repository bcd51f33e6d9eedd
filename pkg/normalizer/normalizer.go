// Package normalizer projects heterogeneous raw captures into the uniform
// PendingChange shape, one projection per provenance. Normalization is a pure
// function of the capture so reprocessing the same records yields identical
// changes.
package normalizer

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sastafford/crossy/pkg/document"
	"github.com/sastafford/crossy/pkg/models"
)

// ErrWrongProvenance is returned when a capture is dispatched to the wrong
// projection. The two source shapes are structurally incompatible; conflating
// them would silently corrupt key extraction.
var ErrWrongProvenance = errors.New("capture has wrong provenance for this projection")

// MalformedRecordError reports a raw capture missing a required field for its
// provenance. The caller skips the record and continues; one bad record must
// not block the rest of the stream.
type MalformedRecordError struct {
	Provenance models.Provenance
	Reason     string
	Err        error
}

func (e *MalformedRecordError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed %s record: %s: %v", e.Provenance, e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed %s record: %s", e.Provenance, e.Reason)
}

func (e *MalformedRecordError) Unwrap() error {
	return e.Err
}

// IsMalformedRecord reports whether err is a MalformedRecordError.
func IsMalformedRecord(err error) bool {
	var target *MalformedRecordError
	return errors.As(err, &target)
}

// Normalizer converts raw captures into pending changes.
type Normalizer struct {
	// backfillSequence is the fixed timestamp stamped on every backfill change.
	// It must predate any plausible stream wallTime so backfill can seed
	// entities without ever overriding a later incremental change.
	backfillSequence time.Time
}

func New(backfillSequence time.Time) *Normalizer {
	return &Normalizer{backfillSequence: backfillSequence}
}

// Normalize dispatches the capture to the projection matching its provenance.
func (n *Normalizer) Normalize(capture models.RawCapture) (models.PendingChange, error) {
	switch capture.Provenance {
	case models.ProvenanceIncremental:
		return n.NormalizeIncremental(capture)
	case models.ProvenanceBackfill:
		return n.NormalizeBackfill(capture)
	default:
		return models.PendingChange{}, &MalformedRecordError{
			Provenance: capture.Provenance,
			Reason:     fmt.Sprintf("unknown provenance %q", capture.Provenance),
		}
	}
}

// NormalizeIncremental projects a change-stream envelope:
// entityKey from documentKey._id, operation from operationType ("delete" maps
// to Delete, anything else to Upsert), sequence from wallTime, fields from
// fullDocument.
func (n *Normalizer) NormalizeIncremental(capture models.RawCapture) (models.PendingChange, error) {
	if capture.Provenance != models.ProvenanceIncremental {
		return models.PendingChange{}, ErrWrongProvenance
	}

	doc, err := document.Parse(capture.Payload)
	if err != nil {
		return models.PendingChange{}, &MalformedRecordError{
			Provenance: capture.Provenance,
			Reason:     "payload is not a JSON object",
			Err:        err,
		}
	}

	entityKey, err := doc.GetString("documentKey._id")
	if err != nil || entityKey == "" {
		return models.PendingChange{}, &MalformedRecordError{
			Provenance: capture.Provenance,
			Reason:     "missing documentKey._id",
			Err:        err,
		}
	}

	wallTime, err := doc.GetPath("wallTime")
	if err != nil {
		return models.PendingChange{}, &MalformedRecordError{
			Provenance: capture.Provenance,
			Reason:     "missing wallTime",
			Err:        err,
		}
	}
	sequence, err := parseSequence(wallTime)
	if err != nil {
		return models.PendingChange{}, &MalformedRecordError{
			Provenance: capture.Provenance,
			Reason:     "unparseable wallTime",
			Err:        err,
		}
	}

	operation := models.OperationUpsert
	if opType, opErr := doc.GetString("operationType"); opErr == nil && opType == "delete" {
		operation = models.OperationDelete
	}

	var fields document.Document
	if operation == models.OperationUpsert {
		fields, err = doc.GetDocument("fullDocument")
		if err != nil {
			return models.PendingChange{}, &MalformedRecordError{
				Provenance: capture.Provenance,
				Reason:     "missing fullDocument for upsert",
				Err:        err,
			}
		}
	}

	return models.PendingChange{
		Collection: capture.Collection,
		EntityKey:  entityKey,
		Operation:  operation,
		Sequence:   sequence,
		Fields:     fields,
	}, nil
}

// NormalizeBackfill projects a flat historical document: entityKey from _id,
// operation is always Upsert (backfill never deletes), sequence is the
// configured constant, fields are the document body minus _id.
func (n *Normalizer) NormalizeBackfill(capture models.RawCapture) (models.PendingChange, error) {
	if capture.Provenance != models.ProvenanceBackfill {
		return models.PendingChange{}, ErrWrongProvenance
	}

	doc, err := document.Parse(capture.Payload)
	if err != nil {
		return models.PendingChange{}, &MalformedRecordError{
			Provenance: capture.Provenance,
			Reason:     "payload is not a JSON object",
			Err:        err,
		}
	}

	entityKey, err := doc.GetString("_id")
	if err != nil || entityKey == "" {
		return models.PendingChange{}, &MalformedRecordError{
			Provenance: capture.Provenance,
			Reason:     "missing _id",
			Err:        err,
		}
	}

	fields := doc.Clone()
	delete(fields, "_id")

	return models.PendingChange{
		Collection: capture.Collection,
		EntityKey:  entityKey,
		Operation:  models.OperationUpsert,
		Sequence:   n.backfillSequence,
		Fields:     fields,
	}, nil
}

// sequenceFormats are the timestamp layouts change streams are known to emit.
var sequenceFormats = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999Z",
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
}

// parseSequence converts a wallTime value into a timestamp. Accepts RFC3339
// strings in several precisions, or epoch milliseconds as a JSON number.
func parseSequence(value any) (time.Time, error) {
	switch v := value.(type) {
	case string:
		for _, format := range sequenceFormats {
			if t, err := time.Parse(format, v); err == nil {
				return t.UTC(), nil
			}
		}
		// Some producers emit epoch millis as strings
		if millis, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.UnixMilli(millis).UTC(), nil
		}
		return time.Time{}, fmt.Errorf("unrecognized timestamp format: %q", v)
	case float64:
		return time.UnixMilli(int64(v)).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", value)
	}
}

package models

import (
	"encoding/json"
	"time"
)

// Provenance identifies which ingestion path produced a raw capture.
type Provenance string

const (
	// ProvenanceIncremental marks records from the continuous change stream
	ProvenanceIncremental Provenance = "incremental"
	// ProvenanceBackfill marks records from the one-time historical export
	ProvenanceBackfill Provenance = "backfill"
)

// IsValid reports whether the provenance is a known value.
func (p Provenance) IsValid() bool {
	return p == ProvenanceIncremental || p == ProvenanceBackfill
}

// RawCapture is an append-only record of an inbound document exactly as
// received, tagged with its provenance before any interpretation.
type RawCapture struct {
	ID         string          `json:"id" db:"id"`
	Collection string          `json:"collection" db:"collection"`
	Provenance Provenance      `json:"provenance" db:"provenance"`
	Payload    json.RawMessage `json:"payload" db:"payload"`
	ReceivedAt time.Time       `json:"received_at" db:"received_at"`
}

// CreateRawCaptureRequest is the request for appending a raw capture
type CreateRawCaptureRequest struct {
	Collection string          `json:"collection" validate:"required"`
	Provenance Provenance      `json:"provenance" validate:"required,oneof=incremental backfill"`
	Payload    json.RawMessage `json:"payload" validate:"required"`
}

// RawCaptureListResponse is the response for listing raw captures
type RawCaptureListResponse struct {
	Items      []RawCapture `json:"items"`
	TotalCount int          `json:"total_count"`
	Page       int          `json:"page"`
	PageSize   int          `json:"page_size"`
}

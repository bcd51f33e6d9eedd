package models

import (
	"time"

	"github.com/sastafford/crossy/pkg/database"
	"github.com/sastafford/crossy/pkg/document"
)

// MergedRecord is one row of the merge target table: the current state of a
// single entity within its collection. Tombstoned rows keep their LastSequence
// so stale changes cannot resurrect them out of order.
type MergedRecord struct {
	ID           string                            `json:"id" db:"id"`
	Collection   string                            `json:"collection" db:"collection"`
	EntityKey    string                            `json:"entity_key" db:"entity_key"`
	Data         database.JSONB[document.Document] `json:"data" db:"data"`
	LastSequence time.Time                         `json:"last_sequence" db:"last_sequence"`
	Version      int                               `json:"version" db:"version"`
	CreatedAt    time.Time                         `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time                         `json:"updated_at" db:"updated_at"`
	DeletedAt    *time.Time                        `json:"deleted_at,omitempty" db:"deleted_at"`
}

// IsTombstoned reports whether the record is logically deleted.
func (r *MergedRecord) IsTombstoned() bool {
	return r.DeletedAt != nil
}

// MergedRecordListResponse is the response for listing merged records
type MergedRecordListResponse struct {
	Items      []MergedRecordView `json:"items"`
	TotalCount int                `json:"total_count"`
	Page       int                `json:"page"`
	PageSize   int                `json:"page_size"`
}

// MergedRecordView is the API projection of a merged record with its
// collection-specific display label.
type MergedRecordView struct {
	EntityKey    string            `json:"entity_key"`
	Collection   string            `json:"collection"`
	Label        string            `json:"label"`
	Data         document.Document `json:"data"`
	LastSequence time.Time         `json:"last_sequence"`
	Version      int               `json:"version"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// UpdateRecordRequest is the request for editing a merged record through the
// merge pipeline.
type UpdateRecordRequest struct {
	Data document.Document `json:"data" validate:"required"`
}

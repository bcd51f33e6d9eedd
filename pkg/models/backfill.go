package models

import "time"

// BackfillRunStatus tracks the lifecycle of a one-time backfill pass.
type BackfillRunStatus string

const (
	BackfillRunStatusRunning   BackfillRunStatus = "running"
	BackfillRunStatusCompleted BackfillRunStatus = "completed"
	BackfillRunStatusFailed    BackfillRunStatus = "failed"
)

// BackfillRun is the at-most-once ledger row for a historical export pass. The
// run key claim is what prevents a completed backfill from being replayed.
type BackfillRun struct {
	ID             string            `json:"id" db:"id"`
	RunKey         string            `json:"run_key" db:"run_key"`
	Collection     string            `json:"collection" db:"collection"`
	Status         BackfillRunStatus `json:"status" db:"status"`
	DocumentsTotal int               `json:"documents_total" db:"documents_total"`
	DocumentsStale int               `json:"documents_stale" db:"documents_stale"`
	DocumentsError int               `json:"documents_error" db:"documents_error"`
	StartedAt      time.Time         `json:"started_at" db:"started_at"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty" db:"completed_at"`
}

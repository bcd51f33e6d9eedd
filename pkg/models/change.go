package models

import (
	"time"

	"github.com/sastafford/crossy/pkg/document"
)

// Operation is the normalized action a pending change performs on its entity.
type Operation string

const (
	OperationUpsert Operation = "upsert"
	OperationDelete Operation = "delete"
)

// PendingChange is the uniform shape both normalizer projections produce. It is
// derived, not persisted; it exists only as the normalized view feeding the
// merge engine.
type PendingChange struct {
	Collection string            `json:"collection"`
	EntityKey  string            `json:"entity_key"`
	Operation  Operation         `json:"operation"`
	Sequence   time.Time         `json:"sequence"`
	Fields     document.Document `json:"fields"`
}

// MergeOutcome classifies what a merge apply did.
type MergeOutcome string

const (
	// MergeOutcomeApplied means the row was created or overwritten with the change's fields
	MergeOutcomeApplied MergeOutcome = "applied"
	// MergeOutcomeTombstoned means the row was marked deleted, retaining its sequence
	MergeOutcomeTombstoned MergeOutcome = "tombstoned"
	// MergeOutcomeStale means the change carried a sequence at or below the committed
	// one and was ignored. Expected under at-least-once delivery, not an error.
	MergeOutcomeStale MergeOutcome = "stale"
)

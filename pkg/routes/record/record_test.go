package record

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sastafford/crossy/pkg/document"
	"github.com/sastafford/crossy/pkg/models"
)

func TestDisplayLabel(t *testing.T) {
	tests := []struct {
		name       string
		collection string
		entityKey  string
		data       document.Document
		expected   string
	}{
		{
			name:       "vehicle with plate and owner",
			collection: models.CollectionVehicle,
			entityKey:  "V1",
			data:       document.Document{"license_plate_number": "TX-ABC-123", "owner_name": "Maria Garcia"},
			expected:   "TX-ABC-123 (Maria Garcia)",
		},
		{
			name:       "vehicle with plate only",
			collection: models.CollectionVehicle,
			entityKey:  "V1",
			data:       document.Document{"license_plate_number": "TX-ABC-123"},
			expected:   "TX-ABC-123",
		},
		{
			name:       "crossing with timestamp and checkpoint",
			collection: models.CollectionCrossing,
			entityKey:  "C1",
			data:       document.Document{"timestamp": "2025-01-02T10:30:00Z", "interior_checkpoints": "Laredo North (I-35)"},
			expected:   "2025-01-02T10:30:00Z at Laredo North (I-35)",
		},
		{
			name:       "cargo manifest with id and type",
			collection: models.CollectionCargoManifest,
			entityKey:  "M1",
			data:       document.Document{"manifest_id": "MSCU25123456", "cargo_type": "Electronics"},
			expected:   "MSCU25123456 (Electronics)",
		},
		{
			name:       "falls back to the entity key",
			collection: models.CollectionVehicle,
			entityKey:  "V1",
			data:       document.Document{},
			expected:   "V1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, displayLabel(tt.collection, tt.entityKey, tt.data))
		})
	}
}

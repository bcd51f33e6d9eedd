package document

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Run("should parse a JSON object", func(t *testing.T) {
		doc, err := Parse([]byte(`{"name": "test", "count": 3}`))
		require.NoError(t, err)
		assert.Equal(t, "test", doc["name"])
		assert.Equal(t, float64(3), doc["count"])
	})

	t.Run("should reject a JSON array", func(t *testing.T) {
		_, err := Parse([]byte(`[1, 2, 3]`))
		assert.Error(t, err)
	})

	t.Run("should reject invalid JSON", func(t *testing.T) {
		_, err := Parse([]byte(`{"name":`))
		assert.Error(t, err)
	})
}

func TestGetPath(t *testing.T) {
	doc, err := Parse([]byte(`{
		"vehicle": {
			"license_plate_number": "TX-ABC-123",
			"registration_details": {"state": "TX"}
		},
		"checkpoints": ["Laredo", "El Paso"],
		"counts": [{"lane": 3}]
	}`))
	require.NoError(t, err)

	t.Run("should get a top level value", func(t *testing.T) {
		value, err := doc.GetPath("checkpoints")
		require.NoError(t, err)
		assert.Len(t, value, 2)
	})

	t.Run("should get a nested value", func(t *testing.T) {
		value, err := doc.GetPath("vehicle.registration_details.state")
		require.NoError(t, err)
		assert.Equal(t, "TX", value)
	})

	t.Run("should index into arrays", func(t *testing.T) {
		value, err := doc.GetPath("checkpoints[1]")
		require.NoError(t, err)
		assert.Equal(t, "El Paso", value)
	})

	t.Run("should traverse through an indexed object", func(t *testing.T) {
		value, err := doc.GetPath("counts[0].lane")
		require.NoError(t, err)
		assert.Equal(t, float64(3), value)
	})

	t.Run("should error on a missing key", func(t *testing.T) {
		_, err := doc.GetPath("vehicle.vin")
		assert.ErrorIs(t, err, ErrKeyNotFound)
	})

	t.Run("should error on an out of bounds index", func(t *testing.T) {
		_, err := doc.GetPath("checkpoints[5]")
		assert.ErrorIs(t, err, ErrIndexOutOfBounds)
	})
}

func TestGetString(t *testing.T) {
	doc := Document{
		"plate":   "TX-ABC-123",
		"lane":    float64(4),
		"flagged": true,
		"note":    nil,
	}

	t.Run("should return a string value", func(t *testing.T) {
		value, err := doc.GetString("plate")
		require.NoError(t, err)
		assert.Equal(t, "TX-ABC-123", value)
	})

	t.Run("should coerce a number", func(t *testing.T) {
		value, err := doc.GetString("lane")
		require.NoError(t, err)
		assert.Equal(t, "4", value)
	})

	t.Run("should coerce a bool", func(t *testing.T) {
		value, err := doc.GetString("flagged")
		require.NoError(t, err)
		assert.Equal(t, "true", value)
	})

	t.Run("should treat null as missing", func(t *testing.T) {
		_, err := doc.GetString("note")
		assert.ErrorIs(t, err, ErrKeyNotFound)
	})
}

func TestClone(t *testing.T) {
	t.Run("should deep copy nested values", func(t *testing.T) {
		doc := Document{
			"vehicle": map[string]any{"plate": "TX-ABC-123"},
		}

		clone := doc.Clone()
		clone["vehicle"].(map[string]any)["plate"] = "TX-XYZ-999"

		assert.Equal(t, "TX-ABC-123", doc["vehicle"].(map[string]any)["plate"])
		assert.Equal(t, "TX-XYZ-999", clone["vehicle"].(map[string]any)["plate"])
	})
}

package kafka

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sastafford/crossy/pkg/document"
)

func TestIncomingMessageCollection(t *testing.T) {
	t.Run("should prefer the collection header", func(t *testing.T) {
		msg := &IncomingMessage{
			Headers: map[string]string{HeaderCollection: "vehicle"},
			Value:   []byte(`{"ns": {"db": "crossy", "coll": "crossing"}}`),
		}
		assert.Equal(t, "vehicle", msg.Collection())
	})

	t.Run("should fall back to ns.coll", func(t *testing.T) {
		msg := &IncomingMessage{
			Value: []byte(`{"ns": {"db": "crossy", "coll": "crossing"}}`),
		}
		assert.Equal(t, "crossing", msg.Collection())
	})

	t.Run("should return empty when neither is present", func(t *testing.T) {
		msg := &IncomingMessage{Value: []byte(`{"documentKey": {"_id": "V1"}}`)}
		assert.Equal(t, "", msg.Collection())
	})

	t.Run("should return empty for an unparseable payload", func(t *testing.T) {
		msg := &IncomingMessage{Value: []byte(`not json`)}
		assert.Equal(t, "", msg.Collection())
	})
}

func TestChangeEvent(t *testing.T) {
	t.Run("should round trip through the envelope shape", func(t *testing.T) {
		wallTime := time.Date(2025, 1, 2, 10, 30, 0, 0, time.UTC)
		event := NewChangeEvent("vehicle", "V1", "update", wallTime, document.Document{
			"license_plate_number": "TX-XYZ-999",
		})

		raw, err := event.Marshal()
		require.NoError(t, err)

		var decoded map[string]any
		require.NoError(t, json.Unmarshal(raw, &decoded))
		assert.Equal(t, "update", decoded["operationType"])
		assert.Equal(t, "2025-01-02T10:30:00Z", decoded["wallTime"])
		assert.Equal(t, "V1", decoded["documentKey"].(map[string]any)["_id"])
		assert.Equal(t, "vehicle", decoded["ns"].(map[string]any)["coll"])
	})

	t.Run("should omit fullDocument for deletes", func(t *testing.T) {
		event := NewChangeEvent("vehicle", "V1", "delete", time.Now(), nil)
		raw, err := event.Marshal()
		require.NoError(t, err)

		var decoded map[string]any
		require.NoError(t, json.Unmarshal(raw, &decoded))
		_, hasFullDocument := decoded["fullDocument"]
		assert.False(t, hasFullDocument)
	})
}

package kafka

import (
	"encoding/json"
	"time"

	"github.com/sastafford/crossy/pkg/document"
)

// HeaderCollection is the message header naming the target collection.
const HeaderCollection = "collection"

// IncomingMessage is a consumed change-stream message before normalization.
type IncomingMessage struct {
	Key       string
	Value     []byte
	Headers   map[string]string
	Partition int
	Offset    int64
	Timestamp time.Time
	Topic     string
}

// Collection resolves the target collection for the message: the collection
// header when present, otherwise the envelope's ns.coll field. Returns ""
// when neither is set.
func (m *IncomingMessage) Collection() string {
	if c, ok := m.Headers[HeaderCollection]; ok && c != "" {
		return c
	}

	doc, err := document.Parse(m.Value)
	if err != nil {
		return ""
	}
	coll, err := doc.GetString("ns.coll")
	if err != nil {
		return ""
	}
	return coll
}

// ChangeEvent is the change-stream envelope shape, used by producers writing
// synthetic changes (the submit and edit paths). Consumers never decode into
// this struct; they keep the payload opaque until normalization.
type ChangeEvent struct {
	DocumentKey   ChangeEventKey    `json:"documentKey"`
	OperationType string            `json:"operationType"`
	WallTime      string            `json:"wallTime"`
	FullDocument  document.Document `json:"fullDocument,omitempty"`
	NS            *ChangeEventNS    `json:"ns,omitempty"`
}

// ChangeEventKey carries the changed document's identity.
type ChangeEventKey struct {
	ID string `json:"_id"`
}

// ChangeEventNS names the namespace the change belongs to.
type ChangeEventNS struct {
	DB   string `json:"db"`
	Coll string `json:"coll"`
}

// NewChangeEvent builds a change-stream envelope stamped with the given wall time.
func NewChangeEvent(collection, entityKey, operationType string, wallTime time.Time, fields document.Document) ChangeEvent {
	return ChangeEvent{
		DocumentKey:   ChangeEventKey{ID: entityKey},
		OperationType: operationType,
		WallTime:      wallTime.UTC().Format(time.RFC3339Nano),
		FullDocument:  fields,
		NS:            &ChangeEventNS{DB: "crossy", Coll: collection},
	}
}

// Marshal encodes the envelope to JSON.
func (e ChangeEvent) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

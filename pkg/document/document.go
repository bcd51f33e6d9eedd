// Package document models semi-structured payloads as generic JSON documents
// with dotted-path lookup, so callers can reach into arbitrary nested fields
// without declaring fixed structs.
package document

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	SplitToken     = "."
	IndexOpenChar  = "["
	IndexCloseChar = "]"
)

var (
	ErrMalformedIndex   = errors.New("malformed index key")
	ErrIndexOutOfBounds = errors.New("index out of bounds")
	ErrKeyNotFound      = errors.New("key not found")
)

// Document is an arbitrary nested JSON object.
type Document map[string]any

// Parse decodes raw JSON into a Document.
func Parse(data []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse document: %w", err)
	}
	return doc, nil
}

// Bytes encodes the document back to JSON.
func (d Document) Bytes() ([]byte, error) {
	return json.Marshal(d)
}

// Clone returns a deep copy of the document.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return map[string]any(Document(val).Clone())
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// GetPath looks up a value using a dotted path like "documentKey._id" or
// "items[0].name". Returns ErrKeyNotFound when any segment is absent.
func (d Document) GetPath(path string) (any, error) {
	if path == "" {
		return map[string]any(d), nil
	}

	var current any = map[string]any(d)
	for _, part := range strings.Split(path, SplitToken) {
		key, index, err := parseIndex(part)
		if err != nil {
			return nil, err
		}

		obj, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: '%s' is not an object", ErrKeyNotFound, key)
		}

		current, ok = obj[key]
		if !ok {
			return nil, fmt.Errorf("%w: '%s'", ErrKeyNotFound, key)
		}

		if index != -1 {
			arr, ok := current.([]any)
			if !ok {
				return nil, fmt.Errorf("%w: '%s' is not an array", ErrMalformedIndex, key)
			}
			if index >= len(arr) {
				return nil, ErrIndexOutOfBounds
			}
			current = arr[index]
		}
	}

	return current, nil
}

// GetString looks up a path and coerces scalar values to a string.
func (d Document) GetString(path string) (string, error) {
	value, err := d.GetPath(path)
	if err != nil {
		return "", err
	}

	switch v := value.(type) {
	case string:
		return v, nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(v), nil
	case nil:
		return "", fmt.Errorf("%w: '%s' is null", ErrKeyNotFound, path)
	default:
		return "", fmt.Errorf("value at '%s' is not a scalar", path)
	}
}

// GetDocument looks up a path expecting a nested object.
func (d Document) GetDocument(path string) (Document, error) {
	value, err := d.GetPath(path)
	if err != nil {
		return nil, err
	}

	obj, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("value at '%s' is not an object", path)
	}
	return Document(obj), nil
}

func parseIndex(s string) (string, int, error) {
	start := strings.Index(s, IndexOpenChar)
	end := strings.Index(s, IndexCloseChar)

	if start == -1 && end == -1 {
		return s, -1, nil
	}

	if (start != -1 && end == -1) || (start == -1 && end != -1) {
		return "", -1, ErrMalformedIndex
	}

	index, err := strconv.Atoi(s[start+1 : end])
	if err != nil {
		return "", -1, ErrMalformedIndex
	}

	return s[:start], index, nil
}

// Package document defines the values exchanged with a document store:
// versioned JSON documents, their version tokens and the errors raised when
// an optimistic update loses a race.
package document

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Document is one revision of a JSON document.
//
// A nil Body means the document does not exist when read, and clears the
// body when written. Version is the revision that was read, or the revision a
// write expects to replace.
type Document struct {
	ID      uuid.UUID
	Body    json.RawMessage
	Version Version
}

// New returns a Document with its own copy of body.
func New(id uuid.UUID, body []byte, version Version) Document {
	var b json.RawMessage
	if body != nil {
		b = append(json.RawMessage{}, body...)
	}
	return Document{ID: id, Body: b, Version: version}
}

// Missing returns the placeholder for a document that does not exist.
func Missing(id uuid.UUID) Document {
	return Document{ID: id, Version: Empty}
}

// Equal reports whether d and o have the same id, body and version.
func (d Document) Equal(o Document) bool {
	if d.ID != o.ID || d.Version != o.Version {
		return false
	}
	if (d.Body == nil) != (o.Body == nil) {
		return false
	}
	return bytes.Equal(d.Body, o.Body)
}

// CompactBody validates body as JSON and returns its compact form.
// A nil body and the JSON literal null both yield nil.
func CompactBody(body []byte) (json.RawMessage, error) {
	if body == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, body); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedInput, err)
	}
	if bytes.Equal(buf.Bytes(), []byte("null")) {
		return nil, nil
	}
	return json.RawMessage(buf.Bytes()), nil
}

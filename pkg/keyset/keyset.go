// Package keyset implements the opaque gallery pagination cursor.
//
// A cursor encodes the sort key of the last row of a page as
// {"v":1,"created_at":...,"id":...,"source":...} serialized to JSON and
// base64-url-encoded without padding. The next page applies the predicate
// (created_at, id) < (cursor.created_at, cursor.id) under
// (created_at DESC, id DESC) ordering, so a deleted boundary row still
// yields the correct next page.
package keyset

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// Version is the only cursor payload version currently understood.
const Version = 1

// timeLayout is ISO-8601 UTC with microseconds.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// Cursor is the decoded pagination token.
type Cursor struct {
	CreatedAt time.Time
	ID        int64
	Source    string
}

type wirePayload struct {
	V         int    `json:"v"`
	CreatedAt string `json:"created_at"`
	ID        int64  `json:"id"`
	Source    string `json:"source"`
}

// Encode serializes c into the opaque wire form.
func Encode(c Cursor) string {
	p := wirePayload{
		V:         Version,
		CreatedAt: c.CreatedAt.UTC().Format(timeLayout),
		ID:        c.ID,
		Source:    c.Source,
	}
	b, _ := json.Marshal(p)
	return base64.RawURLEncoding.EncodeToString(b)
}

// Decode parses an opaque cursor. Any malformed input, including a payload
// with an unknown version, fails.
func Decode(s string) (Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Cursor{}, fmt.Errorf("op=keyset.Decode: base64: %w", err)
	}
	var p wirePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Cursor{}, fmt.Errorf("op=keyset.Decode: json: %w", err)
	}
	if p.V != Version {
		return Cursor{}, fmt.Errorf("op=keyset.Decode: unsupported version %d", p.V)
	}
	ts, err := time.Parse(timeLayout, p.CreatedAt)
	if err != nil {
		return Cursor{}, fmt.Errorf("op=keyset.Decode: created_at: %w", err)
	}
	return Cursor{CreatedAt: ts, ID: p.ID, Source: p.Source}, nil
}

package store

import (
	"database/sql"
	"encoding/json"
	"time"
)

// encodeJSON marshals v to its canonical JSON string, used for every
// TEXT/JSON column a SQL backend stores (payloads, tags, sources, ...).
func encodeJSON(v any) (string, error) {
	if v == nil {
		return "null", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// decodeJSON unmarshals a TEXT/JSON column into dst. An empty string is
// treated as "absent" and leaves dst untouched.
func decodeJSON(raw string, dst any) error {
	if raw == "" || raw == "null" {
		return nil
	}
	return json.Unmarshal([]byte(raw), dst)
}

// nullTime converts an optional time.Time into a sql.NullTime column value.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// timePtr converts a sql.NullTime column value back into an optional
// time.Time.
func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

// encodeStrings JSON-encodes a []string column (tags, entities, sources).
func encodeStrings(ss []string) (string, error) {
	if ss == nil {
		ss = []string{}
	}
	return encodeJSON(ss)
}

// decodeStrings decodes a []string column written by encodeStrings.
func decodeStrings(raw string) ([]string, error) {
	var out []string
	if raw == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}

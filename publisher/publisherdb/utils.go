// Copyright (C) 2024 Stashpost, Inc.
// See LICENSE for copying information.

package publisherdb

import (
	"database/sql"
	"encoding/json"
	"time"

	"storj.io/common/uuid"
)

func nowUTC() time.Time {
	return time.Now().UTC()
}

func parseID(s string) (uuid.UUID, error) {
	id, err := uuid.FromString(s)
	return id, Error.Wrap(err)
}

// encodeJSON stores slices as JSON text; nil encodes as an empty list.
func encodeJSON(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", Error.Wrap(err)
	}
	if string(data) == "null" {
		return "[]", nil
	}
	return string(data), nil
}

func decodeStrings(data string) ([]string, error) {
	if data == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(data), &out); err != nil {
		return nil, Error.Wrap(err)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func decodeWeekdays(data string) ([]time.Weekday, error) {
	if data == "" {
		return nil, nil
	}
	var out []time.Weekday
	if err := json.Unmarshal([]byte(data), &out); err != nil {
		return nil, Error.Wrap(err)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	utc := t.Time.UTC()
	return &utc
}

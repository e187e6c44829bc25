package models

import (
	"bytes"
	"fmt"
	"strconv"
	"time"
)

// serverTimeLayouts are the timestamp encodings the chat server has been
// seen to emit, tried in order.
var serverTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// Timestamp is a time.Time that accepts the server's loose encodings:
// RFC 3339, ISO 8601 without a zone (read as UTC), a space-separated date
// and time, or a number of Unix milliseconds. Null and "" decode to the
// zero time.
type Timestamp struct {
	time.Time
}

// At wraps t.
func At(t time.Time) Timestamp {
	return Timestamp{Time: t}
}

func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) || bytes.Equal(data, []byte(`""`)) {
		ts.Time = time.Time{}
		return nil
	}

	if data[0] != '"' {
		ms, err := strconv.ParseInt(string(data), 10, 64)
		if err != nil {
			return fmt.Errorf("timestamp %s: %w", data, err)
		}

		ts.Time = time.UnixMilli(ms).UTC()

		return nil
	}

	s, err := strconv.Unquote(string(data))
	if err != nil {
		return fmt.Errorf("timestamp %s: %w", data, err)
	}

	for _, layout := range serverTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			ts.Time = t
			return nil
		}
	}

	return fmt.Errorf("timestamp %q: unrecognized format", s)
}

func (ts Timestamp) MarshalJSON() ([]byte, error) {
	if ts.IsZero() {
		return []byte("null"), nil
	}

	return ts.Time.MarshalJSON()
}

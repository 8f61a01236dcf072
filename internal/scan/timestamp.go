package scan

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Timestamp decodes epoch seconds (integer, fractional, or quoted) and
// ISO-8601 strings, and always encodes as RFC 3339 in UTC.
type Timestamp struct {
	time.Time
}

// NewTimestamp wraps t in UTC.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t.UTC()}
}

var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// ParseTimestamp parses either encoding. Values without a zone are UTC.
func ParseTimestamp(raw string) (Timestamp, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Timestamp{}, nil
	}
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		return fromEpoch(secs)
	}
	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return NewTimestamp(t), nil
		}
	}
	return Timestamp{}, fmt.Errorf("unrecognized timestamp %q", raw)
}

func fromEpoch(secs float64) (Timestamp, error) {
	if math.IsNaN(secs) || math.IsInf(secs, 0) {
		return Timestamp{}, fmt.Errorf("invalid epoch %v", secs)
	}
	whole, frac := math.Modf(secs)
	return NewTimestamp(time.Unix(int64(whole), int64(frac*1e9))), nil
}

// MarshalJSON emits RFC 3339 or null for the zero value.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return []byte(strconv.Quote(t.UTC().Format(time.RFC3339Nano))), nil
}

// UnmarshalJSON accepts numbers, numeric strings, ISO-8601 strings, and null.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*t = Timestamp{}
		return nil
	}
	if data[0] == '"' {
		var raw string
		if err := json.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("decode timestamp: %w", err)
		}
		parsed, err := ParseTimestamp(raw)
		if err != nil {
			return err
		}
		*t = parsed
		return nil
	}
	secs, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("decode timestamp: %w", err)
	}
	parsed, err := fromEpoch(secs)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

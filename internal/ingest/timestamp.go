package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Timestamp accepts RFC 3339 strings or Unix epoch numbers (seconds, or
// milliseconds when the value is too large to be seconds).
type Timestamp struct {
	time.Time
}

var timestampType = reflect.TypeOf(Timestamp{})

// UnmarshalJSON reports a malformed value as a *json.UnmarshalTypeError, so
// the decoder attaches the name of the field it came from.
func (t *Timestamp) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	raw := string(b)
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		raw = s
	} else {
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return &json.UnmarshalTypeError{Value: "timestamp " + raw, Type: timestampType}
		}
		raw = n.String()
	}
	v, err := parseTimestamp(raw)
	if err != nil {
		return &json.UnmarshalTypeError{Value: fmt.Sprintf("timestamp %q", raw), Type: timestampType}
	}
	t.Time = v
	return nil
}

const (
	millisThreshold = 1e11
	// 9999-12-31T23:59:59.999Z in milliseconds.
	maxEpochMillis = 253402300799999
)

func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if v, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return v.UTC(), nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || math.Abs(f) > maxEpochMillis {
		return time.Time{}, fmt.Errorf("timestamp %q is out of range", s)
	}
	if f > millisThreshold {
		return time.UnixMilli(int64(f)).UTC(), nil
	}
	sec := int64(f)
	nsec := int64((f - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC(), nil
}

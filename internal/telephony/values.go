package telephony

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// flexString decodes a JSON string, number or bool as text.
// Provider APIs are inconsistent about quoting numeric fields.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(strings.TrimSpace(s))
		return nil
	}
	*f = flexString(string(b))
	return nil
}

func (f flexString) String() string { return string(f) }

// Int parses the value as whole seconds; fractional parts are truncated.
func (f flexString) Int() int {
	s := strings.TrimSpace(string(f))
	if s == "" {
		return 0
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return int(v)
	}
	return 0
}

// Unix parses the value as unix seconds. Zero or garbage gives the zero time.
func (f flexString) Unix() time.Time {
	n, err := strconv.ParseInt(strings.TrimSpace(string(f)), 10, 64)
	if err != nil || n <= 0 {
		return time.Time{}
	}
	return time.Unix(n, 0).UTC()
}

// record is a flat poll-provider row, stored as the JSON replay payload.
type record map[string]string

func (r record) payload() []byte {
	b, _ := json.Marshal(r)
	return b
}

func decodeRecord(b []byte) (record, error) {
	var r record
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, err
	}
	return r, nil
}

func atoi(s string) int {
	return flexString(s).Int()
}

// scalarText formats a decoded JSON scalar. Whole floats print without an exponent.
func scalarText(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case json.Number:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

// flatten turns a decoded JSON row into a record, dropping nulls.
func flatten(row map[string]any) record {
	rec := record{}
	for k, v := range row {
		if v != nil {
			rec[k] = scalarText(v)
		}
	}
	return rec
}

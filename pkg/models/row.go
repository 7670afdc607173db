package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"gorm.io/datatypes"
)

// Row is one logical record: an ordered column→scalar mapping. It replaces the
// loose JSON blobs the sync tables carry with a value that survives a JSON
// round trip without losing column order.
type Row struct {
	columns []string
	values  map[string]interface{}
}

func NewRow() *Row {
	return &Row{values: make(map[string]interface{})}
}

// RowFromMap builds a Row from an unordered map, fixing column order to the
// given slice. Columns missing from the map are skipped.
func RowFromMap(columns []string, values map[string]interface{}) *Row {
	r := NewRow()
	for _, col := range columns {
		if v, ok := values[col]; ok {
			r.Set(col, v)
		}
	}
	return r
}

// Set stores a scalar under col, appending col to the order on first use.
// []byte values (how the MySQL driver hands back text) are stored as string.
func (r *Row) Set(col string, value interface{}) {
	if b, ok := value.([]byte); ok {
		value = string(b)
	}
	if _, exists := r.values[col]; !exists {
		r.columns = append(r.columns, col)
	}
	r.values[col] = value
}

func (r *Row) Get(col string) (interface{}, bool) {
	v, ok := r.values[col]
	return v, ok
}

func (r *Row) Delete(col string) {
	if _, ok := r.values[col]; !ok {
		return
	}
	delete(r.values, col)
	for i, c := range r.columns {
		if c == col {
			r.columns = append(r.columns[:i], r.columns[i+1:]...)
			break
		}
	}
}

// Columns returns the column order. The slice is a copy.
func (r *Row) Columns() []string {
	out := make([]string, len(r.columns))
	copy(out, r.columns)
	return out
}

func (r *Row) Len() int {
	return len(r.columns)
}

// Map returns the values as a plain map, suitable for gorm's map-based writes.
func (r *Row) Map() map[string]interface{} {
	out := make(map[string]interface{}, len(r.values))
	for k, v := range r.values {
		out[k] = v
	}
	return out
}

func (r *Row) Clone() *Row {
	c := NewRow()
	for _, col := range r.columns {
		c.Set(col, r.values[col])
	}
	return c
}

// Version reads the row's version counter, tolerating the integer widths the
// drivers produce.
func (r *Row) Version(versionColumn string) int64 {
	v, ok := r.values[versionColumn]
	if !ok {
		return 0
	}
	return toInt64(v)
}

// Modified reads the row's last-modified timestamp. Zero time when the column
// is absent or unparseable.
func (r *Row) Modified(timestampColumn string) time.Time {
	v, ok := r.values[timestampColumn]
	if !ok {
		return time.Time{}
	}
	return toTime(v)
}

// Equal reports whether both rows hold the same payload, comparing values in
// normalized scalar form so that e.g. int64(1) from MySQL matches float64(1)
// from SQLite. Columns listed in ignore are skipped on both sides.
func (r *Row) Equal(other *Row, ignore ...string) bool {
	if other == nil {
		return false
	}
	skip := make(map[string]bool, len(ignore))
	for _, c := range ignore {
		skip[c] = true
	}
	for _, col := range r.columns {
		if skip[col] {
			continue
		}
		ov, ok := other.values[col]
		if !ok {
			return false
		}
		if normalizeScalar(r.values[col]) != normalizeScalar(ov) {
			return false
		}
	}
	for _, col := range other.columns {
		if skip[col] {
			continue
		}
		if _, ok := r.values[col]; !ok {
			return false
		}
	}
	return true
}

// MarshalJSON emits a JSON object whose keys appear in column order.
func (r *Row) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, col := range r.columns {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(col)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := json.Marshal(r.values[col])
		if err != nil {
			return nil, fmt.Errorf("row column %q: %w", col, err)
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object token by token so the key order in the
// document becomes the column order.
func (r *Row) UnmarshalJSON(data []byte) error {
	r.columns = nil
	r.values = make(map[string]interface{})

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("row payload is not a JSON object")
	}

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("row payload has a non-string key")
		}
		valTok, err := dec.Token()
		if err != nil {
			return err
		}
		switch v := valTok.(type) {
		case json.Delim:
			return fmt.Errorf("row column %q holds a nested value, scalars only", key)
		case json.Number:
			if n, err := strconv.ParseInt(v.String(), 10, 64); err == nil {
				r.Set(key, n)
			} else if f, err := v.Float64(); err == nil {
				r.Set(key, f)
			} else {
				return fmt.Errorf("row column %q: bad number %q", key, v.String())
			}
		default:
			r.Set(key, v) // string, bool or nil
		}
	}
	_, err = dec.Token() // closing brace
	return err
}

// JSON serializes the row for a datatypes.JSON column.
func (r *Row) JSON() (datatypes.JSON, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}

// RowFromJSON restores a Row persisted via JSON. Nil input yields nil.
func RowFromJSON(data datatypes.JSON) (*Row, error) {
	if len(data) == 0 {
		return nil, nil
	}
	r := NewRow()
	if err := json.Unmarshal(data, r); err != nil {
		return nil, err
	}
	return r, nil
}

// ScalarEqual compares two scalars in normalized form, so logically equal
// values match across backends.
func ScalarEqual(a, b interface{}) bool {
	return normalizeScalar(a) == normalizeScalar(b)
}

// ToInt64 coerces the integer shapes the drivers produce.
func ToInt64(v interface{}) int64 { return toInt64(v) }

// ToTime coerces driver timestamp shapes; zero time when unparseable.
func ToTime(v interface{}) time.Time { return toTime(v) }

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case uint64:
		return int64(n)
	case float64:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	case []byte:
		i, _ := strconv.ParseInt(string(n), 10, 64)
		return i
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	default:
		return 0
	}
}

func toTime(v interface{}) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case *time.Time:
		if t != nil {
			return *t
		}
	case []byte:
		return parseTimeString(string(t))
	case string:
		return parseTimeString(t)
	}
	return time.Time{}
}

// parseTimeString accepts the formats the supported drivers emit.
func parseTimeString(s string) time.Time {
	for _, layout := range []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// normalizeScalar renders a scalar into a backend-independent comparison key.
func normalizeScalar(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return "<nil>"
	case bool:
		if x {
			return "1"
		}
		return "0"
	case []byte:
		return string(x)
	case string:
		return x
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case float64:
		if x == float64(int64(x)) {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'g', -1, 64)
	case float32:
		return normalizeScalar(float64(x))
	case int, int32, int64, uint64:
		return strconv.FormatInt(toInt64(x), 10)
	case json.Number:
		return normalizeScalar(string(x))
	default:
		return fmt.Sprintf("%v", x)
	}
}

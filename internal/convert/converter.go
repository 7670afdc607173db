// Package convert maps logically-equivalent values between the native type
// representations of the supported backends: a MySQL TIME travels as seconds,
// a DATETIME as ISO-8601 text, a DECIMAL as a float (lossy, see Decimal
// notes), BOOLEAN as 0/1 and ENUM as its plain string.
package convert

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// LogicalType names the cross-backend meaning of a column, independent of how
// either engine spells it.
type LogicalType string

const (
	TypeTime     LogicalType = "TIME"
	TypeDateTime LogicalType = "DATETIME"
	TypeDecimal  LogicalType = "DECIMAL"
	TypeBoolean  LogicalType = "BOOLEAN"
	TypeEnum     LogicalType = "ENUM"
)

const isoLayout = "2006-01-02T15:04:05"

// UnsupportedTypeError names the logical type no conversion exists for.
type UnsupportedTypeError struct {
	LogicalType string
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("no conversion registered for logical type %q", e.LogicalType)
}

// ConversionError marks a single value that could not be mapped. Fatal for
// that row only.
type ConversionError struct {
	LogicalType string
	Value       interface{}
	Reason      string
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("cannot convert %v as %s: %s", e.Value, e.LogicalType, e.Reason)
}

type convFunc func(value interface{}) (interface{}, error)

// Converter translates values in both directions. The lookup of conversion
// functions is memoized per logical type; converted values are not cached.
type Converter struct {
	mu       sync.RWMutex
	toTarget map[LogicalType]convFunc
	toSource map[LogicalType]convFunc
}

func NewConverter() *Converter {
	return &Converter{
		toTarget: make(map[LogicalType]convFunc),
		toSource: make(map[LogicalType]convFunc),
	}
}

// Normalize strips precision suffixes, so "DECIMAL(10,2)" and
// "enum('a','b')" resolve to their base logical type.
func Normalize(logicalType string) LogicalType {
	base := logicalType
	if i := strings.IndexByte(base, '('); i >= 0 {
		base = base[:i]
	}
	return LogicalType(strings.ToUpper(strings.TrimSpace(base)))
}

// ToTarget maps a native value into its portable representation. NULL maps to
// NULL without touching conversion logic.
func (c *Converter) ToTarget(value interface{}, logicalType string) (interface{}, error) {
	if value == nil {
		return nil, nil
	}
	fn, err := c.lookup(c.toTarget, Normalize(logicalType), targetFunc)
	if err != nil {
		return nil, err
	}
	return fn(value)
}

// ToSource maps a portable value back into the native representation the
// source engine expects. nativeType is informational ("REAL", "TEXT", ...);
// the logical type drives the conversion.
func (c *Converter) ToSource(value interface{}, nativeType, logicalType string) (interface{}, error) {
	if value == nil {
		return nil, nil
	}
	fn, err := c.lookup(c.toSource, Normalize(logicalType), sourceFunc)
	if err != nil {
		return nil, err
	}
	return fn(value)
}

func (c *Converter) lookup(cache map[LogicalType]convFunc, lt LogicalType, build func(LogicalType) convFunc) (convFunc, error) {
	c.mu.RLock()
	fn, ok := cache[lt]
	c.mu.RUnlock()
	if ok {
		return fn, nil
	}
	fn = build(lt)
	if fn == nil {
		return nil, &UnsupportedTypeError{LogicalType: string(lt)}
	}
	c.mu.Lock()
	cache[lt] = fn
	c.mu.Unlock()
	return fn, nil
}

func targetFunc(lt LogicalType) convFunc {
	switch lt {
	case TypeTime:
		return timeToSeconds
	case TypeDateTime:
		return datetimeToISO
	case TypeDecimal:
		return decimalToFloat
	case TypeBoolean:
		return boolToInt
	case TypeEnum:
		return enumToString
	default:
		return nil
	}
}

func sourceFunc(lt LogicalType) convFunc {
	switch lt {
	case TypeTime:
		return secondsToTime
	case TypeDateTime:
		return isoToDatetime
	case TypeDecimal:
		return floatToDecimal
	case TypeBoolean:
		return intToBool
	case TypeEnum:
		return enumToString
	default:
		return nil
	}
}

// timeToSeconds renders a duration as seconds. Accepts time.Duration and the
// "HH:MM:SS" text the MySQL driver produces for TIME columns.
func timeToSeconds(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case time.Duration:
		return v.Seconds(), nil
	case float64:
		return v, nil
	case int64:
		return float64(v), nil
	case int:
		return float64(v), nil
	case []byte:
		return clockToSeconds(string(v))
	case string:
		return clockToSeconds(v)
	default:
		return nil, &ConversionError{LogicalType: string(TypeTime), Value: value, Reason: fmt.Sprintf("unexpected %T", value)}
	}
}

func clockToSeconds(s string) (interface{}, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return nil, &ConversionError{LogicalType: string(TypeTime), Value: s, Reason: "expected HH:MM:SS"}
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	sec, err3 := strconv.ParseFloat(parts[2], 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return nil, &ConversionError{LogicalType: string(TypeTime), Value: s, Reason: "expected HH:MM:SS"}
	}
	return float64(h*3600+m*60) + sec, nil
}

func secondsToTime(value interface{}) (interface{}, error) {
	var secs float64
	switch v := value.(type) {
	case float64:
		secs = v
	case int64:
		secs = float64(v)
	case int:
		secs = float64(v)
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, &ConversionError{LogicalType: string(TypeTime), Value: value, Reason: "not a number of seconds"}
		}
		secs = f
	default:
		return nil, &ConversionError{LogicalType: string(TypeTime), Value: value, Reason: fmt.Sprintf("unexpected %T", value)}
	}
	return time.Duration(secs * float64(time.Second)), nil
}

func datetimeToISO(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case time.Time:
		return v.Format(isoLayout), nil
	case string:
		if _, err := parseDatetime(v); err != nil {
			return nil, err
		}
		return v, nil
	case []byte:
		return datetimeToISO(string(v))
	default:
		return nil, &ConversionError{LogicalType: string(TypeDateTime), Value: value, Reason: fmt.Sprintf("unexpected %T", value)}
	}
}

func isoToDatetime(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case time.Time:
		return v, nil
	case string:
		return parseDatetime(v)
	case []byte:
		return parseDatetime(string(v))
	default:
		return nil, &ConversionError{LogicalType: string(TypeDateTime), Value: value, Reason: fmt.Sprintf("unexpected %T", value)}
	}
}

func parseDatetime(s string) (time.Time, error) {
	for _, layout := range []string{isoLayout, time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, &ConversionError{LogicalType: string(TypeDateTime), Value: s, Reason: "unrecognized datetime text"}
}

// decimalToFloat is lossy for decimals wider than a float64 mantissa; the
// engine accepts that and the round trip through floatToDecimal restores the
// shortest decimal rendering.
func decimalToFloat(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case decimal.Decimal:
		f, _ := v.Float64()
		return f, nil
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case []byte:
		return decimalToFloat(string(v))
	case string:
		d, err := decimal.NewFromString(v)
		if err != nil {
			return nil, &ConversionError{LogicalType: string(TypeDecimal), Value: value, Reason: "not a decimal"}
		}
		f, _ := d.Float64()
		return f, nil
	default:
		return nil, &ConversionError{LogicalType: string(TypeDecimal), Value: value, Reason: fmt.Sprintf("unexpected %T", value)}
	}
}

func floatToDecimal(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case decimal.Decimal:
		return v, nil
	case float64:
		return decimal.NewFromFloat(v), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case []byte:
		return floatToDecimal(string(v))
	case string:
		d, err := decimal.NewFromString(v)
		if err != nil {
			return nil, &ConversionError{LogicalType: string(TypeDecimal), Value: value, Reason: "not a decimal"}
		}
		return d, nil
	default:
		return nil, &ConversionError{LogicalType: string(TypeDecimal), Value: value, Reason: fmt.Sprintf("unexpected %T", value)}
	}
}

func boolToInt(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case bool:
		if v {
			return int64(1), nil
		}
		return int64(0), nil
	case int64:
		if v != 0 {
			return int64(1), nil
		}
		return int64(0), nil
	case int:
		return boolToInt(int64(v))
	case []byte:
		return boolToInt(string(v))
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "t":
			return int64(1), nil
		case "0", "false", "no", "n", "f":
			return int64(0), nil
		}
		return nil, &ConversionError{LogicalType: string(TypeBoolean), Value: value, Reason: "not a boolean"}
	default:
		return nil, &ConversionError{LogicalType: string(TypeBoolean), Value: value, Reason: fmt.Sprintf("unexpected %T", value)}
	}
}

func intToBool(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case int64:
		return v != 0, nil
	case int:
		return v != 0, nil
	case float64:
		return v != 0, nil
	case []byte:
		return intToBool(string(v))
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return nil, &ConversionError{LogicalType: string(TypeBoolean), Value: value, Reason: "not 0/1"}
		}
		return n != 0, nil
	default:
		return nil, &ConversionError{LogicalType: string(TypeBoolean), Value: value, Reason: fmt.Sprintf("unexpected %T", value)}
	}
}

func enumToString(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	default:
		return nil, &ConversionError{LogicalType: string(TypeEnum), Value: value, Reason: fmt.Sprintf("unexpected %T", value)}
	}
}

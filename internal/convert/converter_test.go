package convert

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeBothWays(t *testing.T) {
	c := NewConverter()

	got, err := c.ToTarget(14*time.Hour+30*time.Minute, "TIME")
	require.NoError(t, err)
	assert.Equal(t, float64(52200), got)

	got, err = c.ToTarget("14:30:00", "TIME")
	require.NoError(t, err)
	assert.Equal(t, float64(52200), got)

	back, err := c.ToSource(float64(52200), "REAL", "TIME")
	require.NoError(t, err)
	assert.Equal(t, 14*time.Hour+30*time.Minute, back)
}

func TestDatetimeBothWays(t *testing.T) {
	c := NewConverter()
	in := time.Date(2024, 3, 5, 14, 30, 0, 0, time.UTC)

	got, err := c.ToTarget(in, "DATETIME")
	require.NoError(t, err)
	assert.Equal(t, "2024-03-05T14:30:00", got)

	back, err := c.ToSource("2024-03-05T14:30:00", "TEXT", "DATETIME")
	require.NoError(t, err)
	assert.Equal(t, in, back)
}

func TestDecimalBothWays(t *testing.T) {
	c := NewConverter()

	got, err := c.ToTarget(decimal.RequireFromString("19.99"), "DECIMAL(10,2)")
	require.NoError(t, err)
	assert.InDelta(t, 19.99, got.(float64), 1e-9)

	back, err := c.ToSource(19.99, "REAL", "DECIMAL(10,2)")
	require.NoError(t, err)
	assert.True(t, back.(decimal.Decimal).Equal(decimal.RequireFromString("19.99")))
}

func TestBooleanBothWays(t *testing.T) {
	c := NewConverter()

	for in, want := range map[interface{}]int64{
		true:    1,
		false:   0,
		"yes":   1,
		"no":    0,
		"true":  1,
		"false": 0,
	} {
		got, err := c.ToTarget(in, "BOOLEAN")
		require.NoError(t, err, "input %v", in)
		assert.Equal(t, want, got, "input %v", in)
	}

	back, err := c.ToSource(int64(1), "TINYINT(1)", "BOOLEAN")
	require.NoError(t, err)
	assert.Equal(t, true, back)

	back, err = c.ToSource(int64(0), "TINYINT(1)", "BOOLEAN")
	require.NoError(t, err)
	assert.Equal(t, false, back)
}

func TestEnumPassesThrough(t *testing.T) {
	c := NewConverter()

	got, err := c.ToTarget("active", "enum('active','inactive')")
	require.NoError(t, err)
	assert.Equal(t, "active", got)

	back, err := c.ToSource([]byte("inactive"), "TEXT", "ENUM")
	require.NoError(t, err)
	assert.Equal(t, "inactive", back)
}

func TestNullPassesThroughEveryType(t *testing.T) {
	c := NewConverter()
	for _, lt := range []string{"TIME", "DATETIME", "DECIMAL", "BOOLEAN", "ENUM"} {
		got, err := c.ToTarget(nil, lt)
		require.NoError(t, err, lt)
		assert.Nil(t, got, lt)

		got, err = c.ToSource(nil, "TEXT", lt)
		require.NoError(t, err, lt)
		assert.Nil(t, got, lt)
	}
}

func TestUnsupportedLogicalType(t *testing.T) {
	c := NewConverter()
	_, err := c.ToTarget("x", "GEOMETRY")
	var ute *UnsupportedTypeError
	require.ErrorAs(t, err, &ute)
	assert.Equal(t, "GEOMETRY", ute.LogicalType)
}

func TestConversionErrorIsPerValue(t *testing.T) {
	c := NewConverter()

	_, err := c.ToTarget("not-a-clock", "TIME")
	var ce *ConversionError
	require.ErrorAs(t, err, &ce)

	_, err = c.ToTarget("maybe", "BOOLEAN")
	require.ErrorAs(t, err, &ce)

	// A failed value must not poison the converter.
	got, err := c.ToTarget("12:00:00", "TIME")
	require.NoError(t, err)
	assert.Equal(t, float64(43200), got)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, TypeDecimal, Normalize("decimal(10,2)"))
	assert.Equal(t, TypeEnum, Normalize("enum('a','b')"))
	assert.Equal(t, TypeDateTime, Normalize(" datetime "))
}

package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRowKeepsColumnOrder(t *testing.T) {
	r := NewRow()
	r.Set("zeta", 1)
	r.Set("alpha", "x")
	r.Set("mid", nil)
	r.Set("alpha", "y") // overwrite must not reorder

	assert.Equal(t, []string{"zeta", "alpha", "mid"}, r.Columns())

	b, err := json.Marshal(r)
	require.NoError(t, err)
	assert.Equal(t, `{"zeta":1,"alpha":"y","mid":null}`, string(b))
}

func TestRowJSONRoundTrip(t *testing.T) {
	r := NewRow()
	r.Set("id", int64(42))
	r.Set("name", "widget")
	r.Set("price", 19.99)
	r.Set("active", true)
	r.Set("note", nil)

	b, err := json.Marshal(r)
	require.NoError(t, err)

	back := NewRow()
	require.NoError(t, json.Unmarshal(b, back))

	assert.Equal(t, r.Columns(), back.Columns())
	assert.True(t, r.Equal(back))

	id, ok := back.Get("id")
	require.True(t, ok)
	assert.Equal(t, int64(42), id)
	price, _ := back.Get("price")
	assert.Equal(t, 19.99, price)
}

func TestRowUnmarshalRejectsNested(t *testing.T) {
	r := NewRow()
	err := json.Unmarshal([]byte(`{"a":{"b":1}}`), r)
	assert.Error(t, err)

	err = json.Unmarshal([]byte(`[1,2]`), NewRow())
	assert.Error(t, err)
}

func TestRowEqualAcrossBackendShapes(t *testing.T) {
	// The same logical record as two drivers would scan it.
	a := NewRow()
	a.Set("id", int64(7))
	a.Set("active", true)
	a.Set("qty", int64(3))
	a.Set("name", []byte("box"))

	b := NewRow()
	b.Set("id", float64(7))
	b.Set("active", int64(1))
	b.Set("qty", "3")
	b.Set("name", "box")

	assert.True(t, a.Equal(b))
	assert.True(t, b.Equal(a))

	b.Set("qty", int64(4))
	assert.False(t, a.Equal(b))
}

func TestRowEqualIgnoresListedColumns(t *testing.T) {
	a := NewRow()
	a.Set("id", 1)
	a.Set("last_modified", time.Now())

	b := NewRow()
	b.Set("id", 1)
	b.Set("last_modified", time.Now().Add(time.Hour))

	assert.False(t, a.Equal(b))
	assert.True(t, a.Equal(b, "last_modified"))
}

func TestRowVersionAndModified(t *testing.T) {
	r := NewRow()
	r.Set("version", "12")
	assert.Equal(t, int64(12), r.Version("version"))
	assert.Equal(t, int64(0), r.Version("missing"))

	r.Set("last_modified", "2024-03-05T14:30:00")
	got := r.Modified("last_modified")
	assert.Equal(t, 2024, got.Year())
	assert.Equal(t, 30, got.Minute())
	assert.True(t, r.Modified("missing").IsZero())
}

func TestRowDelete(t *testing.T) {
	r := NewRow()
	r.Set("a", 1)
	r.Set("b", 2)
	r.Set("c", 3)
	r.Delete("b")
	assert.Equal(t, []string{"a", "c"}, r.Columns())
	_, ok := r.Get("b")
	assert.False(t, ok)
}

func TestRowFromJSONNil(t *testing.T) {
	r, err := RowFromJSON(nil)
	require.NoError(t, err)
	assert.Nil(t, r)
}

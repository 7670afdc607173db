package syncer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dbsync-service/internal/convert"
	"dbsync-service/internal/database"
	"dbsync-service/pkg/models"
)

func cols(names ...string) []database.ColumnInfo {
	out := make([]database.ColumnInfo, len(names))
	for i, n := range names {
		out[i] = database.ColumnInfo{Name: n, DBType: "TEXT"}
	}
	return out
}

func TestSyncColumnsIntersectsAndKeepsOrder(t *testing.T) {
	cfg := models.NewTableConfig("items")

	got, err := syncColumns(cfg, "local", "remote",
		cols("id", "name", "src_only", "version", "last_modified"),
		cols("last_modified", "version", "name", "id", "dst_only"))
	require.NoError(t, err)

	// Source declaration order, source-only and destination-only columns gone.
	assert.Equal(t, []string{"id", "name", "version", "last_modified"}, got)
}

func TestSyncColumnsAllowlistAlwaysKeepsControlColumns(t *testing.T) {
	cfg := models.NewTableConfig("items")
	cfg.SyncColumns = []string{"name"}

	got, err := syncColumns(cfg, "local", "remote",
		cols("id", "name", "qty", "version", "last_modified"),
		cols("id", "name", "qty", "version", "last_modified"))
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "name", "version", "last_modified"}, got)
}

func TestSyncColumnsMissingControlColumn(t *testing.T) {
	cfg := models.NewTableConfig("items")

	_, err := syncColumns(cfg, "local", "remote",
		cols("id", "name", "last_modified"),
		cols("id", "name", "version", "last_modified"))
	var mce *MissingColumnError
	require.ErrorAs(t, err, &mce)
	assert.Equal(t, "version", mce.Column)
	assert.Equal(t, "local", mce.Endpoint)

	_, err = syncColumns(cfg, "local", "remote",
		cols("id", "name", "version", "last_modified"),
		cols("id", "name", "version"))
	require.ErrorAs(t, err, &mce)
	assert.Equal(t, "remote", mce.Endpoint)
}

func TestLogicalFor(t *testing.T) {
	for dbType, want := range map[string]string{
		"TIME":          "TIME",
		"DATETIME":      "DATETIME",
		"TIMESTAMP":     "DATETIME",
		"DECIMAL(10,2)": "DECIMAL",
		"NUMERIC":       "DECIMAL",
		"BOOLEAN":       "BOOLEAN",
		"enum('a','b')": "ENUM",
	} {
		got, ok := logicalFor(dbType)
		require.True(t, ok, dbType)
		assert.Equal(t, want, got, dbType)
	}

	_, ok := logicalFor("VARCHAR(255)")
	assert.False(t, ok)
	_, ok = logicalFor("INTEGER")
	assert.False(t, ok)
}

func TestInvertPlanRoundTripsRowValues(t *testing.T) {
	ts := &TableSyncer{converter: convert.NewConverter()}
	plan := convPlan{
		mode:    convToSource,
		logical: map[string]string{"starts_at": "TIME", "active": "BOOLEAN"},
		native:  map[string]string{"starts_at": "TIME", "active": "BOOLEAN"},
	}

	portable := models.NewRow()
	portable.Set("id", int64(1))
	portable.Set("starts_at", 52200.0)
	portable.Set("active", int64(1))

	native, err := ts.adaptRow(portable, plan)
	require.NoError(t, err)
	v, _ := native.Get("starts_at")
	assert.Equal(t, 14*time.Hour+30*time.Minute, v)
	v, _ = native.Get("active")
	assert.Equal(t, true, v)

	// The inverted plan takes the native rendering back to where it started,
	// which is what lands a merged row on the opposite endpoint.
	back, err := ts.adaptRow(native, invertPlan(plan))
	require.NoError(t, err)
	v, _ = back.Get("starts_at")
	assert.Equal(t, 52200.0, v)
	v, _ = back.Get("active")
	assert.Equal(t, int64(1), v)
	v, _ = back.Get("id")
	assert.Equal(t, int64(1), v, "unmapped columns copy through untouched")

	assert.Equal(t, convNone, invertPlan(convPlan{mode: convNone}).mode)
}

package syncer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"dbsync-service/pkg/models"
)

func confRow(version int64, modified time.Time, name string) *models.Row {
	r := models.NewRow()
	r.Set("id", int64(1))
	r.Set("name", name)
	r.Set("version", version)
	r.Set("last_modified", modified)
	return r
}

func TestDecideFixedStrategies(t *testing.T) {
	cfg := models.NewTableConfig("items")
	now := time.Now()
	local := confRow(5, now, "local")
	remote := confRow(1, now.Add(-time.Hour), "remote")

	// LOCAL_WINS and REMOTE_WINS ignore versions and timestamps entirely.
	winner, remoteWon := Decide(models.StrategyLocalWins, cfg, local, remote)
	assert.Same(t, local, winner)
	assert.False(t, remoteWon)

	winner, remoteWon = Decide(models.StrategyRemoteWins, cfg, local, remote)
	assert.Same(t, remote, winner)
	assert.True(t, remoteWon)
}

func TestDecideNewestWins(t *testing.T) {
	cfg := models.NewTableConfig("items")
	now := time.Now()

	// Higher version wins regardless of timestamps.
	winner, _ := Decide(models.StrategyNewestWins, cfg, confRow(3, now.Add(-time.Hour), "l"), confRow(2, now, "r"))
	v, _ := winner.Get("name")
	assert.Equal(t, "l", v)

	// Equal versions fall through to the timestamp.
	winner, _ = Decide(models.StrategyNewestWins, cfg, confRow(2, now.Add(time.Minute), "l"), confRow(2, now, "r"))
	v, _ = winner.Get("name")
	assert.Equal(t, "l", v)

	// Full tie goes to the remote side, deterministically.
	winner, remoteWon := Decide(models.StrategyNewestWins, cfg, confRow(2, now, "l"), confRow(2, now, "r"))
	v, _ = winner.Get("name")
	assert.Equal(t, "r", v)
	assert.True(t, remoteWon)
}

func TestMergeRows(t *testing.T) {
	cfg := models.NewTableConfig("notes")
	now := time.Now()

	local := models.NewRow()
	local.Set("id", int64(1))
	local.Set("title", "shared")
	local.Set("body", "local text")
	local.Set("qty", int64(3))
	local.Set("version", int64(2))
	local.Set("last_modified", now.Add(-time.Minute))

	remote := models.NewRow()
	remote.Set("id", int64(1))
	remote.Set("title", "shared")
	remote.Set("body", "remote text")
	remote.Set("qty", int64(7))
	remote.Set("version", int64(4))
	remote.Set("last_modified", now)

	merged := MergeRows(cfg, local, remote, int64(9))

	id, _ := merged.Get("id")
	assert.Equal(t, int64(9), id)
	assert.Equal(t, int64(5), merged.Version("version"), "version must exceed both inputs")

	title, _ := merged.Get("title")
	assert.Equal(t, "shared", title, "equal values carry over unchanged")

	body, _ := merged.Get("body")
	assert.Equal(t, "MERGE: local text + remote text", body)

	qty, _ := merged.Get("qty")
	assert.Equal(t, int64(7), qty, "differing non-text values take the remote side")

	// Inputs stay untouched.
	lb, _ := local.Get("body")
	assert.Equal(t, "local text", lb)
	rb, _ := remote.Get("body")
	assert.Equal(t, "remote text", rb)
}

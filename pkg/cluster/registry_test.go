package cluster

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hutch/pkg/types"
)

func master() types.Station {
	return types.Station{StationID: "station1", Host: "10.0.0.1", Port: 8001}
}

func TestUpsertRoundTrip(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry(dir, master())

	require.NoError(t, r.Upsert(types.Station{
		StationID:     "station2",
		Host:          "10.0.0.2",
		Port:          8001,
		LastHeartbeat: types.Now(),
		Metrics:       types.Metrics{"cpu_percent": 12.5, "memory_percent": 40},
		Version:       "1.2.3",
	}))

	// A second registry over the same file sees the row.
	r2 := NewRegistry(dir, master())
	stations, err := r2.Stations()
	require.NoError(t, err)
	require.Len(t, stations, 1)
	assert.Equal(t, "station2", stations[0].StationID)
	assert.Equal(t, "10.0.0.2", stations[0].Host)
	assert.Equal(t, 12.5, stations[0].Metrics["cpu_percent"])
	assert.Equal(t, "1.2.3", stations[0].Version)
}

func TestUpsertWithoutHeartbeatStampsNow(t *testing.T) {
	r := NewRegistry(t.TempDir(), master())
	before := types.Now()

	require.NoError(t, r.Upsert(types.Station{StationID: "station2", Host: "h", Port: 8001}))

	stations, err := r.Stations()
	require.NoError(t, err)
	require.Len(t, stations, 1)
	assert.GreaterOrEqual(t, stations[0].LastHeartbeat, before)
}

func TestUpsertPreservesMetricsAndVersion(t *testing.T) {
	r := NewRegistry(t.TempDir(), master())

	require.NoError(t, r.Upsert(types.Station{
		StationID: "station2", Host: "h", Port: 8001,
		Metrics: types.Metrics{"cpu_percent": 33},
		Version: "1.0.0",
	}))
	// Re-registration without a sample keeps the previous one.
	require.NoError(t, r.Upsert(types.Station{StationID: "station2", Host: "h2", Port: 8002}))

	stations, err := r.Stations()
	require.NoError(t, err)
	require.Len(t, stations, 1)
	assert.Equal(t, "h2", stations[0].Host)
	assert.Equal(t, 33.0, stations[0].Metrics["cpu_percent"])
	assert.Equal(t, "1.0.0", stations[0].Version)
}

func TestSeedInsertsOnlyMissing(t *testing.T) {
	r := NewRegistry(t.TempDir(), master())

	require.NoError(t, r.Upsert(types.Station{StationID: "station2", Host: "real-host", Port: 8001}))
	require.NoError(t, r.Seed([]types.Station{
		{StationID: "station2", Host: "seed-host", Port: 9999},
		{StationID: "station3", Host: "10.0.0.3", Port: 8001},
	}))

	stations, err := r.Stations()
	require.NoError(t, err)
	require.Len(t, stations, 2)
	assert.Equal(t, "real-host", stations[0].Host)
	assert.Equal(t, "station3", stations[1].StationID)
	assert.Equal(t, 0.0, stations[1].LastHeartbeat, "seeded rows are not live")
}

func TestLegacyHeaderRowIsSkipped(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cluster", "stations.tsv")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	content := "station_id\thost\tport\tlast_heartbeat\tmetrics_json\tversion\n" +
		"station2\t10.0.0.2\t8001\t0\t{}\t\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	r := NewRegistry(dir, master())
	stations, err := r.Stations()
	require.NoError(t, err)
	require.Len(t, stations, 1)
	assert.Equal(t, "station2", stations[0].StationID)
}

func TestInfosForcesMasterLive(t *testing.T) {
	r := NewRegistry(t.TempDir(), master())

	// A stale row for the master itself: Infos must report it active
	// anyway, it is the master answering.
	require.NoError(t, r.Upsert(types.Station{
		StationID: "station1", Host: "10.0.0.1", Port: 8001, LastHeartbeat: 1,
	}))
	require.NoError(t, r.Upsert(types.Station{
		StationID: "station2", Host: "10.0.0.2", Port: 8001, LastHeartbeat: 1,
	}))

	infos, err := r.Infos()
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.True(t, infos[0].IsActive, "master row is forced live")
	assert.False(t, infos[1].IsActive, "stale worker row is down")
}

func TestInfosSynthesizesMasterRow(t *testing.T) {
	r := NewRegistry(t.TempDir(), master())

	infos, err := r.Infos()
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "station1", infos[0].StationID)
	assert.True(t, infos[0].IsActive)
	assert.Equal(t, "http://10.0.0.1:8001", infos[0].URL)
}

func TestLookupAndLivePeers(t *testing.T) {
	r := NewRegistry(t.TempDir(), master())

	require.NoError(t, r.Upsert(types.Station{
		StationID: "station2", Host: "10.0.0.2", Port: 8001, LastHeartbeat: types.Now(),
	}))
	require.NoError(t, r.Upsert(types.Station{
		StationID: "station3", Host: "10.0.0.3", Port: 8001, LastHeartbeat: 1,
	}))

	info, err := r.Lookup("station2")
	require.NoError(t, err)
	assert.True(t, info.IsActive)

	_, err = r.Lookup("station9")
	assert.ErrorIs(t, err, ErrStationNotFound)

	peers := r.LivePeers()
	require.Len(t, peers, 1, "self and dead stations are excluded")
	assert.Equal(t, "station2", peers[0].StationID)
}

package cluster

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hutch/pkg/types"
)

func stationTableServer(t *testing.T, hits *int64, infos []types.StationInfo) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(hits, 1)
		require.Equal(t, "/cluster/stations", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status":   "ok",
			"stations": infos,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func liveInfo(id string) types.StationInfo {
	s := types.Station{StationID: id, Host: "10.0.0.9", Port: 8001, LastHeartbeat: types.Now()}
	return s.Info(types.Now())
}

func TestPeerCacheServesFromCache(t *testing.T) {
	var hits int64
	srv := stationTableServer(t, &hits, []types.StationInfo{liveInfo("station1"), liveInfo("station2")})

	p := NewPeerCache(srv.URL, "station2", time.Minute)

	for i := 0; i < 5; i++ {
		infos, err := p.Infos()
		require.NoError(t, err)
		assert.Len(t, infos, 2)
	}
	assert.Equal(t, int64(1), atomic.LoadInt64(&hits))

	p.Invalidate()
	_, err := p.Infos()
	require.NoError(t, err)
	assert.Equal(t, int64(2), atomic.LoadInt64(&hits))
}

func TestPeerCacheFallsBackToStaleTable(t *testing.T) {
	var hits int64
	srv := stationTableServer(t, &hits, []types.StationInfo{liveInfo("station1")})

	p := NewPeerCache(srv.URL, "station2", time.Nanosecond)
	_, err := p.Infos()
	require.NoError(t, err)

	srv.Close()
	time.Sleep(time.Millisecond)

	infos, err := p.Infos()
	require.NoError(t, err, "stale cache answers when the master is gone")
	assert.Len(t, infos, 1)
}

func TestPeerCacheErrorsWithoutAnyTable(t *testing.T) {
	p := NewPeerCache("http://127.0.0.1:1", "station2", time.Minute)

	_, err := p.Infos()
	assert.Error(t, err)
	assert.Nil(t, p.LivePeers(), "routing degrades to an empty cluster")
}

func TestPeerCacheLookupAndLivePeers(t *testing.T) {
	var hits int64
	srv := stationTableServer(t, &hits, []types.StationInfo{liveInfo("station1"), liveInfo("station2")})

	p := NewPeerCache(srv.URL, "station2", time.Minute)

	info, err := p.Lookup("station1")
	require.NoError(t, err)
	assert.True(t, info.IsActive)

	_, err = p.Lookup("station9")
	assert.ErrorIs(t, err, ErrStationNotFound)

	peers := p.LivePeers()
	require.Len(t, peers, 1)
	assert.Equal(t, "station1", peers[0].StationID)
}

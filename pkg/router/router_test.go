package router

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hutch/pkg/cluster"
	"github.com/cuemby/hutch/pkg/types"
)

// tableSource is a canned cluster.Source for routing tests.
type tableSource struct {
	infos []types.StationInfo
}

func (s *tableSource) Infos() ([]types.StationInfo, error) { return s.infos, nil }

func (s *tableSource) Lookup(stationID string) (*types.StationInfo, error) {
	for i := range s.infos {
		if s.infos[i].StationID == stationID {
			return &s.infos[i], nil
		}
	}
	return nil, cluster.ErrStationNotFound
}

func (s *tableSource) LivePeers() []types.Station { return nil }

func station(id string, active bool, cpu, mem float64) types.StationInfo {
	hb := 0.0
	if active {
		hb = types.Now()
	}
	s := types.Station{
		StationID:     id,
		Host:          "10.0.0.9",
		Port:          8001,
		LastHeartbeat: hb,
		Metrics:       types.Metrics{"cpu_percent": cpu, "memory_percent": mem},
	}
	return s.Info(types.Now())
}

func newTestRouter(infos ...types.StationInfo) *Router {
	self := types.Station{StationID: "station1", Host: "localhost", Port: 8001}
	return New(self, &tableSource{infos: infos})
}

func TestIsIntrospection(t *testing.T) {
	for _, p := range []string{"source", "metadata", "logs", "versions", "test", "state", "status"} {
		assert.True(t, IsIntrospection(url.Values{p: {"true"}}), p)
	}
	assert.False(t, IsIntrospection(url.Values{}))
	assert.False(t, IsIntrospection(url.Values{"op": {"add"}, "file": {"x.png"}}))
}

func TestTarget(t *testing.T) {
	r := newTestRouter(
		station("station2", true, 10, 10),
		station("station3", false, 10, 10),
	)

	info, err := r.Target("station1")
	require.NoError(t, err)
	assert.Nil(t, info, "local station needs no forward")

	info, err = r.Target("station2")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, "station2", info.StationID)

	_, err = r.Target("station3")
	assert.ErrorIs(t, err, cluster.ErrStationOffline)

	_, err = r.Target("station9")
	assert.ErrorIs(t, err, cluster.ErrStationNotFound)
}

func TestPickLoadTargetDecisions(t *testing.T) {
	tests := []struct {
		name       string
		localCPU   float64
		localMem   float64
		peerCPU    float64
		peerMem    float64
		wantTarget bool
	}{
		// local 30, peer 30: no gap, no overload
		{"balanced cluster stays local", 30, 30, 30, 30, false},
		// local 50, peer 30: gap exactly 20 is not enough
		{"gap at threshold stays local", 50, 50, 30, 30, false},
		// local 51, peer 30: gap 21 forwards
		{"gap above threshold forwards", 51, 51, 30, 30, true},
		// local 80: overloaded forwards even to a close peer
		{"overload forwards", 80, 80, 65, 65, true},
		// local 10, peer 80: peer worse, stay local
		{"better local stays local", 10, 10, 80, 80, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRouter(
				station("station1", true, tt.localCPU, tt.localMem),
				station("station2", true, tt.peerCPU, tt.peerMem),
			)
			target := r.PickLoadTarget()
			if tt.wantTarget {
				require.NotNil(t, target)
				assert.Equal(t, "station2", target.StationID)
			} else {
				assert.Nil(t, target)
			}
		})
	}
}

func TestPickLoadTargetMissingLocalSampleDefaultsToNeutral(t *testing.T) {
	// No row for station1: local score defaults to 50, the peer at
	// score 10 wins the gap test.
	r := newTestRouter(station("station2", true, 10, 10))
	target := r.PickLoadTarget()
	require.NotNil(t, target)
	assert.Equal(t, "station2", target.StationID)
}

func TestPickLoadTargetSkipsDeadPeers(t *testing.T) {
	r := newTestRouter(
		station("station1", true, 90, 90),
		station("station2", false, 5, 5),
	)
	assert.Nil(t, r.PickLoadTarget(), "a dead peer never receives traffic")
}

func TestPickLoadTargetChoosesLeastLoaded(t *testing.T) {
	r := newTestRouter(
		station("station1", true, 90, 90),
		station("station2", true, 40, 40),
		station("station3", true, 10, 10),
	)
	target := r.PickLoadTarget()
	require.NotNil(t, target)
	assert.Equal(t, "station3", target.StationID)
}

func TestForwardJSONRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/objects/counter", r.URL.Path)
		assert.Equal(t, "true", r.URL.Query().Get("logs"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"status": "ok", "count": 7})
	}))
	defer srv.Close()

	r := newTestRouter()
	res, err := r.Forward(serverInfo(t, srv), http.MethodGet, "counter", url.Values{"logs": {"true"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	require.NotNil(t, res.JSON)
	assert.Equal(t, float64(7), res.JSON["count"])
}

func TestForwardPostCarriesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "rollback", body["action"])
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}))
	defer srv.Close()

	r := newTestRouter()
	_, err := r.Forward(serverInfo(t, srv), http.MethodPost, "counter", nil, []byte(`{"action":"rollback"}`))
	require.NoError(t, err)
}

func TestForwardPassesThroughNonJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte{0x89, 'P', 'N', 'G'})
	}))
	defer srv.Close()

	r := newTestRouter()
	res, err := r.Forward(serverInfo(t, srv), http.MethodGet, "gallery", url.Values{"file": {"x.png"}}, nil)
	require.NoError(t, err)
	assert.Nil(t, res.JSON)
	assert.Equal(t, "image/png", res.ContentType)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, res.Body)
}

func TestForwardTransportError(t *testing.T) {
	r := newTestRouter()
	dead := &types.StationInfo{
		Station: types.Station{StationID: "station2"},
		URL:     "http://127.0.0.1:1",
	}
	_, err := r.Forward(dead, http.MethodGet, "counter", nil, nil)
	assert.ErrorIs(t, err, ErrForwardTransport)
}

func TestForwardRejectsUndecodableJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte("{not json"))
	}))
	defer srv.Close()

	r := newTestRouter()
	_, err := r.Forward(serverInfo(t, srv), http.MethodGet, "counter", nil, nil)
	assert.ErrorIs(t, err, ErrForwardTransport)
}

// serverInfo wraps an httptest server as a live station row.
func serverInfo(t *testing.T, srv *httptest.Server) *types.StationInfo {
	t.Helper()
	return &types.StationInfo{
		Station:  types.Station{StationID: "station2", LastHeartbeat: types.Now()},
		IsActive: true,
		URL:      srv.URL,
	}
}

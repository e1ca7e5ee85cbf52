package replicate

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hutch/pkg/types"
)

func stationFor(t *testing.T, srv *httptest.Server) types.Station {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return types.Station{StationID: "station2", Host: u.Hostname(), Port: port}
}

func newTestPool(concurrency int) *Pool {
	p := NewPool(concurrency)
	p.sleep = func(time.Duration) {} // no real backoff in tests
	return p
}

func TestStateReplicationDelivers(t *testing.T) {
	var mu sync.Mutex
	var got types.StateReplica

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/cluster/replicate", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		mu.Lock()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		mu.Unlock()
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	p := newTestPool(1)
	p.Start()
	defer p.Stop()

	ok := p.SubmitState(stationFor(t, srv), types.StateReplica{
		ObjectID:      "counter",
		Key:           "count",
		Value:         "3",
		Timestamp:     1700000000.5,
		SourceStation: "station1",
	})
	require.True(t, ok)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got.ObjectID == "counter"
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "count", got.Key)
	assert.Equal(t, "3", got.Value)
	assert.Equal(t, 1700000000.5, got.Timestamp)
	assert.Equal(t, "station1", got.SourceStation)
}

func TestLogReplicationDelivers(t *testing.T) {
	var mu sync.Mutex
	var got types.LogReplica

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/cluster/append_log", r.URL.Path)
		mu.Lock()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		mu.Unlock()
		w.Write([]byte(`{"status":"duplicate"}`)) // duplicate is still success
	}))
	defer srv.Close()

	p := newTestPool(1)
	p.Start()
	defer p.Stop()

	ok := p.SubmitLog(stationFor(t, srv), types.LogReplica{
		ObjectID:      "counter",
		EntryID:       "abcdef0123456789",
		Entry:         types.LogEntry{"entry_id": "abcdef0123456789", "level": "INFO", "message": "hi"},
		SourceStation: "station1",
	})
	require.True(t, ok)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got.EntryID == "abcdef0123456789"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFileReplicationDelivers(t *testing.T) {
	type upload struct {
		objectID, filename, source string
		data                       []byte
	}
	var mu sync.Mutex
	var got upload

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/cluster/replicate_file", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))

		f, _, err := r.FormFile("file")
		require.NoError(t, err)
		data, err := io.ReadAll(f)
		require.NoError(t, err)
		f.Close()

		mu.Lock()
		got = upload{
			objectID: r.FormValue("object_id"),
			filename: r.FormValue("filename"),
			source:   r.FormValue("source_station"),
			data:     data,
		}
		mu.Unlock()
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	p := newTestPool(1)
	p.Start()
	defer p.Stop()

	ok := p.SubmitFile(stationFor(t, srv), FileReplica{
		ObjectID:      "gallery",
		Filename:      "photo.jpg",
		Data:          []byte{0xFF, 0xD8},
		SourceStation: "station1",
	})
	require.True(t, ok)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got.filename == "photo.jpg"
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "gallery", got.objectID)
	assert.Equal(t, "station1", got.source)
	assert.Equal(t, []byte{0xFF, 0xD8}, got.data)
}

func TestRetriesWithBackoffThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			http.Error(w, "temporarily broken", http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	var mu sync.Mutex
	var backoffs []time.Duration

	p := NewPool(1)
	p.sleep = func(d time.Duration) {
		mu.Lock()
		backoffs = append(backoffs, d)
		mu.Unlock()
	}
	p.Start()
	defer p.Stop()

	require.True(t, p.SubmitState(stationFor(t, srv), types.StateReplica{ObjectID: "o", Key: "k", Value: "v"}))

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) == 3
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []time.Duration{1 * time.Second, 2 * time.Second}, backoffs)
}

func TestGivesUpAfterMaxAttempts(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "permanently broken", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := newTestPool(1)
	p.Start()
	defer p.Stop()

	require.True(t, p.SubmitState(stationFor(t, srv), types.StateReplica{ObjectID: "o", Key: "k", Value: "v"}))

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) == 3
	}, 2*time.Second, 10*time.Millisecond)

	// No further attempts happen after giving up.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestSubmitDropsWhenQueueFull(t *testing.T) {
	p := newTestPool(1) // never started: nothing drains the queue

	peer := types.Station{StationID: "station2", Host: "localhost", Port: 9}
	for i := 0; i < queueSize; i++ {
		require.True(t, p.SubmitState(peer, types.StateReplica{ObjectID: "o", Key: "k"}))
	}
	assert.Equal(t, queueSize, p.Depth())

	assert.False(t, p.SubmitState(peer, types.StateReplica{ObjectID: "o", Key: "k"}),
		"a full queue must drop, not block")
}

func TestSubmitAfterStop(t *testing.T) {
	p := newTestPool(1)
	p.Start()
	p.Stop()

	ok := p.SubmitState(types.Station{StationID: "station2"}, types.StateReplica{ObjectID: "o"})
	assert.False(t, ok)
}

package cluster

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/cuemby/hutch/pkg/types"
)

var (
	// ErrStationNotFound is returned when the requested station id has
	// no registry row.
	ErrStationNotFound = errors.New("station not found")

	// ErrStationOffline is returned when the station exists but its
	// heartbeat fell outside the liveness window.
	ErrStationOffline = errors.New("station not live")
)

// Source is the station table as the rest of the process consumes it.
// The master's Registry and the workers' PeerCache both implement it.
type Source interface {
	// Infos returns every known station enriched with liveness.
	Infos() ([]types.StationInfo, error)

	// Lookup returns one station, or ErrStationNotFound.
	Lookup(stationID string) (*types.StationInfo, error)

	// LivePeers returns the live stations excluding the local one.
	// Errors degrade to an empty slice: replication fan-out treats an
	// unreachable table the same as an empty cluster.
	LivePeers() []types.Station
}

// Registry is the master's station table, persisted as a TSV with
// columns station_id, host, port, last_heartbeat, metrics_json,
// version. The file is rewritten whole on every update, rows sorted
// by station id. No header row is written; a legacy header row is
// tolerated and skipped on read.
type Registry struct {
	path string
	self types.Station

	mu sync.Mutex
}

// NewRegistry creates the registry persisted at
// <dataDir>/cluster/stations.tsv. self is the local station identity,
// used for the master's self-reporting override and to exclude the
// local station from peer lists.
func NewRegistry(dataDir string, self types.Station) *Registry {
	return &Registry{
		path: filepath.Join(dataDir, "cluster", "stations.tsv"),
		self: self,
	}
}

// Upsert creates or refreshes a station row. A zero heartbeat means
// "registration without heartbeat" and stamps the current time.
func (r *Registry) Upsert(s types.Station) error {
	if s.StationID == "" {
		return fmt.Errorf("station_id is required")
	}
	if s.LastHeartbeat == 0 {
		s.LastHeartbeat = types.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	stations, err := r.read()
	if err != nil {
		return err
	}
	if existing, ok := stations[s.StationID]; ok {
		// A registration without metrics keeps the previous sample.
		if s.Metrics == nil {
			s.Metrics = existing.Metrics
		}
		if s.Version == "" {
			s.Version = existing.Version
		}
	}
	stations[s.StationID] = s
	return r.write(stations)
}

// Seed inserts stations that are not yet in the table, with
// last_heartbeat left at whatever the seed carries (normally 0, so
// they are present but not live until they heartbeat).
func (r *Registry) Seed(seeds []types.Station) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stations, err := r.read()
	if err != nil {
		return err
	}
	changed := false
	for _, s := range seeds {
		if s.StationID == "" {
			continue
		}
		if _, ok := stations[s.StationID]; !ok {
			stations[s.StationID] = s
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return r.write(stations)
}

// Stations returns the raw table sorted by station id.
func (r *Registry) Stations() ([]types.Station, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stations, err := r.read()
	if err != nil {
		return nil, err
	}
	return sorted(stations), nil
}

// Infos returns the table enriched with liveness and URLs. When the
// local station is the master its own row is forced live — the master
// answering this call is proof enough that it is up — and synthesized
// if absent.
func (r *Registry) Infos() ([]types.StationInfo, error) {
	stations, err := r.Stations()
	if err != nil {
		return nil, err
	}

	now := types.Now()
	infos := make([]types.StationInfo, 0, len(stations)+1)
	selfSeen := false
	for _, s := range stations {
		if s.StationID == r.self.StationID {
			selfSeen = true
			s.LastHeartbeat = now
		}
		infos = append(infos, s.Info(now))
	}
	if !selfSeen {
		self := r.self
		self.LastHeartbeat = now
		infos = append(infos, self.Info(now))
		sort.Slice(infos, func(i, j int) bool { return infos[i].StationID < infos[j].StationID })
	}
	return infos, nil
}

// Lookup returns one station with liveness, or ErrStationNotFound.
func (r *Registry) Lookup(stationID string) (*types.StationInfo, error) {
	infos, err := r.Infos()
	if err != nil {
		return nil, err
	}
	for i := range infos {
		if infos[i].StationID == stationID {
			return &infos[i], nil
		}
	}
	return nil, fmt.Errorf("station %s: %w", stationID, ErrStationNotFound)
}

// LivePeers returns the live stations excluding the local one.
func (r *Registry) LivePeers() []types.Station {
	infos, err := r.Infos()
	if err != nil {
		return nil
	}
	var peers []types.Station
	for _, info := range infos {
		if info.StationID == r.self.StationID || !info.IsActive {
			continue
		}
		peers = append(peers, info.Station)
	}
	return peers
}

// read loads the table keyed by station id. A missing file is an
// empty table.
func (r *Registry) read() (map[string]types.Station, error) {
	stations := make(map[string]types.Station)

	f, err := os.Open(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return stations, nil
		}
		return nil, fmt.Errorf("failed to open registry: %w", err)
	}
	defer f.Close()

	cr := csv.NewReader(f)
	cr.Comma = '\t'
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	rows, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse registry: %w", err)
	}

	for i, row := range rows {
		if len(row) < 4 {
			continue
		}
		// Legacy registries carried a header row.
		if i == 0 && row[0] == "station_id" {
			continue
		}
		port, err := strconv.Atoi(row[2])
		if err != nil {
			continue
		}
		hb, _ := strconv.ParseFloat(row[3], 64)
		s := types.Station{
			StationID:     row[0],
			Host:          row[1],
			Port:          port,
			LastHeartbeat: hb,
		}
		if len(row) >= 5 && row[4] != "" && row[4] != "{}" {
			var m types.Metrics
			if err := json.Unmarshal([]byte(row[4]), &m); err == nil {
				s.Metrics = m
			}
		}
		if len(row) >= 6 {
			s.Version = row[5]
		}
		stations[s.StationID] = s
	}
	return stations, nil
}

// write rewrites the whole table atomically, rows sorted by station
// id.
func (r *Registry) write(stations map[string]types.Station) error {
	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create registry dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".stations-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp registry: %w", err)
	}
	tmpName := tmp.Name()

	w := csv.NewWriter(tmp)
	w.Comma = '\t'
	for _, s := range sorted(stations) {
		metricsJSON := "{}"
		if s.Metrics != nil {
			if data, err := json.Marshal(s.Metrics); err == nil {
				metricsJSON = string(data)
			}
		}
		row := []string{
			s.StationID,
			s.Host,
			strconv.Itoa(s.Port),
			strconv.FormatFloat(s.LastHeartbeat, 'f', -1, 64),
			metricsJSON,
			s.Version,
		}
		if err := w.Write(row); err != nil {
			tmp.Close()
			os.Remove(tmpName)
			return fmt.Errorf("failed to write registry row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write registry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close registry: %w", err)
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace registry: %w", err)
	}
	return nil
}

func sorted(stations map[string]types.Station) []types.Station {
	out := make([]types.Station, 0, len(stations))
	for _, s := range stations {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StationID < out[j].StationID })
	return out
}

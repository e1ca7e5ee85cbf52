package cluster

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cuemby/hutch/pkg/types"
)

// DefaultPeerTTL is how long a fetched station table stays fresh.
const DefaultPeerTTL = 5 * time.Second

// PeerCache is the worker-side view of the cluster: it fetches the
// station table from the master on demand and caches it briefly so
// every state write does not hit the master.
type PeerCache struct {
	masterURL string
	selfID    string
	client    *http.Client
	ttl       time.Duration

	mu      sync.Mutex
	cached  []types.StationInfo
	fetched time.Time
}

// NewPeerCache creates a peer cache against the master's base URL.
// ttl <= 0 means DefaultPeerTTL.
func NewPeerCache(masterURL, selfID string, ttl time.Duration) *PeerCache {
	if ttl <= 0 {
		ttl = DefaultPeerTTL
	}
	return &PeerCache{
		masterURL: masterURL,
		selfID:    selfID,
		client:    &http.Client{Timeout: 5 * time.Second},
		ttl:       ttl,
	}
}

// Infos returns the master's station table, served from cache when
// fresh.
func (p *PeerCache) Infos() ([]types.StationInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached != nil && time.Since(p.fetched) < p.ttl {
		return p.cached, nil
	}

	infos, err := p.fetch()
	if err != nil {
		// A stale table beats no table for routing decisions.
		if p.cached != nil {
			return p.cached, nil
		}
		return nil, err
	}
	p.cached = infos
	p.fetched = time.Now()
	return infos, nil
}

// Invalidate drops the cached table so the next read refetches.
func (p *PeerCache) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cached = nil
}

// Lookup returns one station, or ErrStationNotFound.
func (p *PeerCache) Lookup(stationID string) (*types.StationInfo, error) {
	infos, err := p.Infos()
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
func (p *PeerCache) LivePeers() []types.Station {
	infos, err := p.Infos()
	if err != nil {
		return nil
	}
	var peers []types.Station
	for _, info := range infos {
		if info.StationID == p.selfID || !info.IsActive {
			continue
		}
		peers = append(peers, info.Station)
	}
	return peers
}

func (p *PeerCache) fetch() ([]types.StationInfo, error) {
	resp, err := p.client.Get(p.masterURL + "/cluster/stations")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch station table: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("master returned status %d for station table", resp.StatusCode)
	}

	var body struct {
		Stations []types.StationInfo `json:"stations"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode station table: %w", err)
	}
	return body.Stations, nil
}

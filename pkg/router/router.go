package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/cuemby/hutch/pkg/cluster"
	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/types"
)

var (
	// ErrForwardTimeout marks a forward that exceeded the forward
	// timeout (HTTP 504 at the surface).
	ErrForwardTimeout = errors.New("forward timed out")

	// ErrForwardTransport marks any other transport failure during a
	// forward (HTTP 502 at the surface).
	ErrForwardTransport = errors.New("forward failed")
)

// Load-balancing thresholds: route away only when the local station is
// this much worse than the best peer, or flat-out overloaded.
const (
	scoreGapThreshold = 20.0
	overloadThreshold = 70.0
	defaultScore      = 50.0
)

// introspectionParams are the query parameters that make a GET an
// introspection rather than an execution. Introspections always run
// locally unless the address says otherwise.
var introspectionParams = []string{"source", "metadata", "logs", "versions", "test", "state", "status"}

// Router routes object requests for one station.
type Router struct {
	self   types.Station
	source cluster.Source
	client *http.Client
	logger zerolog.Logger
}

// New creates a router for the local station.
func New(self types.Station, source cluster.Source) *Router {
	return &Router{
		self:   self,
		source: source,
		client: &http.Client{Timeout: types.ForwardTimeout},
		logger: log.WithComponent("router"),
	}
}

// IsIntrospection reports whether the query carries any introspection
// parameter.
func IsIntrospection(query url.Values) bool {
	for _, p := range introspectionParams {
		if query.Has(p) {
			return true
		}
	}
	return false
}

// Target resolves an explicit station address. It returns nil when the
// address names the local station, the peer when it is live, and
// ErrStationNotFound / ErrStationOffline otherwise.
func (r *Router) Target(stationID string) (*types.StationInfo, error) {
	if stationID == r.self.StationID {
		return nil, nil
	}
	info, err := r.source.Lookup(stationID)
	if err != nil {
		return nil, err
	}
	if !info.IsActive {
		return nil, fmt.Errorf("station %s: %w", stationID, cluster.ErrStationOffline)
	}
	return info, nil
}

// PickLoadTarget evaluates load-based routing for an execution
// request. It returns the station to forward to, or nil when the
// request should be served locally.
func (r *Router) PickLoadTarget() *types.StationInfo {
	infos, err := r.source.Infos()
	if err != nil {
		return nil
	}

	localScore := defaultScore
	var best *types.StationInfo
	bestScore := 0.0

	for i := range infos {
		info := infos[i]
		if info.StationID == r.self.StationID {
			localScore = info.Metrics.LoadScore()
			continue
		}
		if !info.IsActive {
			continue
		}
		score := info.Metrics.LoadScore()
		if best == nil || score < bestScore {
			best = &infos[i]
			bestScore = score
		}
	}

	if best == nil {
		return nil
	}
	if localScore-bestScore > scoreGapThreshold || localScore > overloadThreshold {
		r.logger.Debug().
			Str("target", best.StationID).
			Float64("local_score", localScore).
			Float64("best_score", bestScore).
			Msg("Load-balancing to peer")
		return best
	}
	return nil
}

// ForwardResult is a forwarded response as received from the peer.
type ForwardResult struct {
	StatusCode  int
	ContentType string
	Body        []byte

	// JSON is the decoded body when the peer replied with JSON;
	// nil for pass-through content types.
	JSON map[string]interface{}
}

// Forward replays an object request against a peer: same method, same
// object path, same query string, same JSON body. The receiver serves
// it locally — the forwarded address carries no @station, so forwards
// never chain.
func (r *Router) Forward(station *types.StationInfo, method, objectID string, query url.Values, body []byte) (*ForwardResult, error) {
	target := fmt.Sprintf("%s/objects/%s", station.URL, url.PathEscape(objectID))
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	ctx, cancel := context.WithTimeout(context.Background(), types.ForwardTimeout)
	defer cancel()

	var reader io.Reader
	if method != http.MethodGet && len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrForwardTransport, err)
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("station %s: %w", station.StationID, ErrForwardTimeout)
		}
		return nil, fmt.Errorf("station %s: %w: %v", station.StationID, ErrForwardTransport, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("station %s: %w: %v", station.StationID, ErrForwardTransport, err)
	}

	result := &ForwardResult{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        data,
	}
	if strings.HasPrefix(result.ContentType, "application/json") {
		var decoded map[string]interface{}
		if err := json.Unmarshal(data, &decoded); err != nil {
			return nil, fmt.Errorf("station %s: invalid JSON response: %w", station.StationID, ErrForwardTransport)
		}
		result.JSON = decoded
	}

	return result, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}

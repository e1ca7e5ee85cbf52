package migrate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/hutch/pkg/cluster"
	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/types"
)

// MigrateRequest is the master-side migration order.
type MigrateRequest struct {
	ObjectID    string `json:"object_id"`
	FromStation string `json:"from_station"`
	ToStation   string `json:"to_station"`
	CopyOnly    bool   `json:"copy_only"`
}

// MigrateResult reports a finished migration.
type MigrateResult struct {
	ObjectID        string      `json:"object_id"`
	FromStation     string      `json:"from_station"`
	ToStation       string      `json:"to_station"`
	CopyOnly        bool        `json:"copy_only"`
	FilesCopied     *CopyReport `json:"files_copied"`
	DurationSeconds float64     `json:"duration_seconds"`
}

// Orchestrator runs migrations from the master: export the bundle
// from the source station, import it into the target, purge the
// source unless copy_only.
type Orchestrator struct {
	selfID  string
	manager *Manager
	source  cluster.Source
	client  *http.Client
	logger  zerolog.Logger
}

// NewOrchestrator creates the master-side migration driver. manager
// handles the local side when the master itself is source or target.
func NewOrchestrator(selfID string, manager *Manager, source cluster.Source) *Orchestrator {
	return &Orchestrator{
		selfID:  selfID,
		manager: manager,
		source:  source,
		client:  &http.Client{Timeout: 60 * time.Second},
		logger:  log.WithComponent("migrate"),
	}
}

// Run executes one migration order.
func (o *Orchestrator) Run(req MigrateRequest) (*MigrateResult, error) {
	if req.ObjectID == "" || req.FromStation == "" || req.ToStation == "" {
		return nil, fmt.Errorf("object_id, from_station and to_station are required")
	}
	if req.FromStation == req.ToStation {
		return nil, fmt.Errorf("from_station and to_station are the same")
	}

	start := time.Now()
	o.logger.Info().
		Str("object_id", req.ObjectID).
		Str("from", req.FromStation).
		Str("to", req.ToStation).
		Bool("copy_only", req.CopyOnly).
		Msg("Migration started")

	bundle, err := o.export(req.FromStation, req.ObjectID)
	if err != nil {
		return nil, err
	}

	report, err := o.imprt(req.ToStation, bundle)
	if err != nil {
		return nil, err
	}

	if !req.CopyOnly {
		if err := o.purge(req.FromStation, req.ObjectID); err != nil {
			// The copy landed; a failed purge leaves a duplicate, not
			// a loss. Surface it all the same.
			return nil, fmt.Errorf("object copied but source purge failed: %w", err)
		}
	}

	result := &MigrateResult{
		ObjectID:        req.ObjectID,
		FromStation:     req.FromStation,
		ToStation:       req.ToStation,
		CopyOnly:        req.CopyOnly,
		FilesCopied:     report,
		DurationSeconds: time.Since(start).Seconds(),
	}
	o.logger.Info().
		Str("object_id", req.ObjectID).
		Float64("duration_seconds", result.DurationSeconds).
		Msg("Migration finished")
	return result, nil
}

// export obtains the object's bundle, locally when the source is this
// station and over /cluster/export otherwise.
func (o *Orchestrator) export(stationID, objectID string) (*types.ObjectBundle, error) {
	if stationID == o.selfID {
		return o.manager.Collect(objectID)
	}

	url, err := o.stationURL(stationID)
	if err != nil {
		return nil, err
	}

	var bundle types.ObjectBundle
	if err := o.post(url+"/cluster/export", map[string]string{"object_id": objectID}, &bundle); err != nil {
		return nil, fmt.Errorf("export from %s failed: %w", stationID, err)
	}
	return &bundle, nil
}

// imprt lands the bundle, locally when the target is this station and
// over /cluster/import otherwise.
func (o *Orchestrator) imprt(stationID string, bundle *types.ObjectBundle) (*CopyReport, error) {
	if stationID == o.selfID {
		return o.manager.Apply(bundle)
	}

	url, err := o.stationURL(stationID)
	if err != nil {
		return nil, err
	}

	var resp struct {
		FilesCopied CopyReport `json:"files_copied"`
	}
	if err := o.post(url+"/cluster/import", bundle, &resp); err != nil {
		return nil, fmt.Errorf("import into %s failed: %w", stationID, err)
	}
	return &resp.FilesCopied, nil
}

func (o *Orchestrator) purge(stationID, objectID string) error {
	if stationID == o.selfID {
		_, err := o.manager.rt.PurgeObject(objectID)
		return err
	}

	url, err := o.stationURL(stationID)
	if err != nil {
		return err
	}
	if err := o.post(url+"/cluster/purge", map[string]string{"object_id": objectID}, nil); err != nil {
		return fmt.Errorf("purge on %s failed: %w", stationID, err)
	}
	return nil
}

// stationURL resolves a live station's base URL through the registry.
func (o *Orchestrator) stationURL(stationID string) (string, error) {
	info, err := o.source.Lookup(stationID)
	if err != nil {
		return "", err
	}
	if !info.IsActive {
		return "", fmt.Errorf("station %s: %w", stationID, cluster.ErrStationOffline)
	}
	return info.URL, nil
}

func (o *Orchestrator) post(url string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	resp, err := o.client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errBody struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		msg := errBody.Error
		if msg == "" {
			msg = errBody.Message
		}
		return fmt.Errorf("remote returned status %d: %s", resp.StatusCode, msg)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

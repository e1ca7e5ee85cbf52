package api

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/cuemby/hutch/pkg/cluster"
	"github.com/cuemby/hutch/pkg/migrate"
	"github.com/cuemby/hutch/pkg/runtime"
	"github.com/cuemby/hutch/pkg/types"
)

func (s *Server) handleClusterInfo(c echo.Context) error {
	isMaster := s.self.StationID == types.MasterStationID
	var clusterEndpoint interface{}
	if isMaster {
		clusterEndpoint = s.self.URL() + "/cluster/stations"
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":           "ok",
		"station_id":       s.self.StationID,
		"is_master":        isMaster,
		"role":             string(types.RoleOf(s.self.StationID)),
		"host":             s.self.Host,
		"port":             s.self.Port,
		"url":              s.self.URL(),
		"cluster_endpoint": clusterEndpoint,
	})
}

func (s *Server) handleHeartbeatEcho(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":     "ok",
		"station_id": s.self.StationID,
		"timestamp":  types.Now(),
		"message":    "Heartbeat endpoint active",
	})
}

func (s *Server) handleStations(c echo.Context) error {
	infos, err := s.registry.Infos()
	if err != nil {
		return fail(c, http.StatusInternalServerError, "failed to read registry: %v", err)
	}

	active := 0
	for _, info := range infos {
		if info.IsActive {
			active++
		}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":       "ok",
		"station_id":   s.self.StationID,
		"is_master":    true,
		"stations":     infos,
		"count":        len(infos),
		"active_count": active,
	})
}

func (s *Server) handleRegisterStation(c echo.Context) error {
	var body struct {
		StationID string `json:"station_id"`
		Host      string `json:"host"`
		Port      int    `json:"port"`
	}
	if err := c.Bind(&body); err != nil {
		return fail(c, http.StatusBadRequest, "invalid JSON body: %v", err)
	}
	if body.StationID == "" || body.Host == "" || body.Port == 0 {
		return fail(c, http.StatusBadRequest, "station_id, host and port are required")
	}

	err := s.registry.Upsert(types.Station{
		StationID: body.StationID,
		Host:      body.Host,
		Port:      body.Port,
	})
	if err != nil {
		return fail(c, http.StatusInternalServerError, "failed to register station: %v", err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":     "ok",
		"message":    "Station " + body.StationID + " registered",
		"station_id": body.StationID,
		"host":       body.Host,
		"port":       body.Port,
	})
}

func (s *Server) handleHeartbeat(c echo.Context) error {
	var body struct {
		StationID string        `json:"station_id"`
		Host      string        `json:"host"`
		Port      int           `json:"port"`
		Metrics   types.Metrics `json:"metrics"`
		Version   string        `json:"version"`
	}
	if err := c.Bind(&body); err != nil {
		return fail(c, http.StatusBadRequest, "invalid JSON body: %v", err)
	}
	if body.StationID == "" || body.Host == "" || body.Port == 0 {
		return fail(c, http.StatusBadRequest, "station_id, host and port are required")
	}

	err := s.registry.Upsert(types.Station{
		StationID:     body.StationID,
		Host:          body.Host,
		Port:          body.Port,
		LastHeartbeat: types.Now(),
		Metrics:       body.Metrics,
		Version:       body.Version,
	})
	if err != nil {
		return fail(c, http.StatusInternalServerError, "failed to record heartbeat: %v", err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":     "ok",
		"message":    "Heartbeat received",
		"station_id": body.StationID,
		"timestamp":  types.Now(),
	})
}

// handleReplicateState is the LWW ingress: strictly newer timestamps
// win, everything else is acknowledged as rejected — a success from
// the sender's perspective.
func (s *Server) handleReplicateState(c echo.Context) error {
	var r types.StateReplica
	if err := c.Bind(&r); err != nil {
		return fail(c, http.StatusBadRequest, "invalid JSON body: %v", err)
	}
	if r.ObjectID == "" || r.Key == "" {
		return fail(c, http.StatusBadRequest, "object_id and key are required")
	}

	applied, err := s.rt.StateStore().ApplyReplica(r.ObjectID, r.Key, r.Value, r.Timestamp)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "failed to apply replica: %v", err)
	}
	if !applied {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":   "ok",
			"rejected": true,
			"message":  "Replica already has newer value",
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"message":        "State replicated",
		"object_id":      r.ObjectID,
		"key":            r.Key,
		"source_station": r.SourceStation,
		"timestamp":      r.Timestamp,
	})
}

// handleAppendLog is the dedup ingress: an entry id already present
// anywhere in the object's log answers "duplicate".
func (s *Server) handleAppendLog(c echo.Context) error {
	var r types.LogReplica
	if err := c.Bind(&r); err != nil {
		return fail(c, http.StatusBadRequest, "invalid JSON body: %v", err)
	}
	if r.ObjectID == "" || r.EntryID == "" || r.Entry == nil {
		return fail(c, http.StatusBadRequest, "object_id, entry_id and log_entry are required")
	}
	if r.Entry.EntryID() == "" {
		r.Entry["entry_id"] = r.EntryID
	}

	appended, err := s.rt.SelfLog().ApplyReplica(r.ObjectID, r.Entry)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "failed to append log replica: %v", err)
	}
	if !appended {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":  "duplicate",
			"message": "Entry already present",
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"message": "Log entry appended",
	})
}

// handleReplicateFile is the overwrite ingress for file replication.
func (s *Server) handleReplicateFile(c echo.Context) error {
	objectID := c.FormValue("object_id")
	filename := c.FormValue("filename")
	sourceStation := c.FormValue("source_station")
	if objectID == "" {
		return fail(c, http.StatusBadRequest, "object_id is required")
	}

	header, err := c.FormFile("file")
	if err != nil {
		return fail(c, http.StatusBadRequest, "missing file part: %v", err)
	}
	if filename == "" {
		filename = header.Filename
	}

	src, err := header.Open()
	if err != nil {
		return fail(c, http.StatusBadRequest, "failed to read file part: %v", err)
	}
	data, err := io.ReadAll(src)
	src.Close()
	if err != nil {
		return fail(c, http.StatusBadRequest, "failed to read file part: %v", err)
	}

	// Written through the blob store directly: a replica write must
	// not fan out again.
	if err := s.rt.BlobStore().Put(objectID, filename, data); err != nil {
		return fail(c, http.StatusInternalServerError, "failed to store file: %v", err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"message":        "File replicated",
		"object_id":      objectID,
		"filename":       filename,
		"size":           len(data),
		"source_station": sourceStation,
		"timestamp":      types.Now(),
	})
}

func (s *Server) handleReplicateFileEcho(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":     "ok",
		"station_id": s.self.StationID,
		"message":    "File replication endpoint active",
		"timestamp":  types.Now(),
	})
}

func (s *Server) handleExport(c echo.Context) error {
	var body struct {
		ObjectID string `json:"object_id"`
	}
	if err := c.Bind(&body); err != nil {
		return fail(c, http.StatusBadRequest, "invalid JSON body: %v", err)
	}
	if body.ObjectID == "" {
		return fail(c, http.StatusBadRequest, "object_id is required")
	}

	bundle, err := s.bundles.Collect(body.ObjectID)
	if err != nil {
		return fail(c, http.StatusNotFound, "export failed: %v", err)
	}

	resp := map[string]interface{}{
		"status":        "ok",
		"object_id":     bundle.ObjectID,
		"code_file":     bundle.CodeFile,
		"code_content":  bundle.CodeContent,
		"state_files":   bundle.StateFiles,
		"version_files": bundle.VersionFiles,
		"blob_files":    bundle.BlobFiles,
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleImport(c echo.Context) error {
	var bundle types.ObjectBundle
	if err := c.Bind(&bundle); err != nil {
		return fail(c, http.StatusBadRequest, "invalid JSON body: %v", err)
	}
	if bundle.ObjectID == "" {
		return fail(c, http.StatusBadRequest, "object_id is required")
	}

	report, err := s.bundles.Apply(&bundle)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "import failed: %v", err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":       "ok",
		"message":      "Object imported successfully",
		"files_copied": report,
	})
}

func (s *Server) handlePurge(c echo.Context) error {
	var body struct {
		ObjectID string `json:"object_id"`
	}
	if err := c.Bind(&body); err != nil {
		return fail(c, http.StatusBadRequest, "invalid JSON body: %v", err)
	}
	if body.ObjectID == "" {
		return fail(c, http.StatusBadRequest, "object_id is required")
	}

	removed, err := s.rt.PurgeObject(body.ObjectID)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "purge failed: %v", err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"object_id": body.ObjectID,
		"removed":   removed,
	})
}

func (s *Server) handleMigrate(c echo.Context) error {
	var req migrate.MigrateRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "invalid JSON body: %v", err)
	}

	result, err := s.migrator.Run(req)
	if err != nil {
		return s.migrateError(c, err)
	}

	message := "Object migrated successfully"
	if result.CopyOnly {
		message = "Object copied successfully"
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":           "ok",
		"message":          message,
		"object_id":        result.ObjectID,
		"from_station":     result.FromStation,
		"to_station":       result.ToStation,
		"files_copied":     result.FilesCopied,
		"duration_seconds": result.DurationSeconds,
	})
}

func (s *Server) migrateError(c echo.Context, err error) error {
	msg := err.Error()
	switch {
	case errors.Is(err, runtime.ErrNoObject):
		return fail(c, http.StatusNotFound, "%s", msg)
	case errors.Is(err, cluster.ErrStationNotFound), errors.Is(err, cluster.ErrStationOffline):
		return fail(c, http.StatusServiceUnavailable, "%s", msg)
	case strings.Contains(msg, "required"), strings.Contains(msg, "the same"):
		return fail(c, http.StatusBadRequest, "%s", msg)
	default:
		return fail(c, http.StatusInternalServerError, "%s", msg)
	}
}

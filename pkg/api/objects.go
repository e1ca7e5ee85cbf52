package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/cuemby/hutch/pkg/blob"
	"github.com/cuemby/hutch/pkg/cluster"
	"github.com/cuemby/hutch/pkg/metrics"
	"github.com/cuemby/hutch/pkg/router"
	"github.com/cuemby/hutch/pkg/runtime"
	"github.com/cuemby/hutch/pkg/selflog"
	"github.com/cuemby/hutch/pkg/types"
	"github.com/cuemby/hutch/pkg/version"
)

func (s *Server) handleListObjects(c echo.Context) error {
	objects, err := s.rt.ListObjects()
	if err != nil {
		return fail(c, http.StatusInternalServerError, "failed to list objects: %v", err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":     "ok",
		"station_id": s.self.StationID,
		"objects":    objects,
		"count":      len(objects),
	})
}

func (s *Server) handleObjectGet(c echo.Context) error {
	objectID, stationID := types.SplitAddress(c.Param("addr"))
	metrics.RequestsTotal.WithLabelValues(http.MethodGet, "object").Inc()

	if stationID != "" && stationID != s.self.StationID {
		return s.forwardExplicit(c, objectID, stationID, nil)
	}

	// Execution GETs without an explicit address are fair game for
	// load balancing; introspection always answers locally.
	if stationID == "" && !router.IsIntrospection(c.QueryParams()) {
		if target := s.router.PickLoadTarget(); target != nil {
			if err := s.forwardBalanced(c, objectID, target); err == nil {
				return nil
			}
			// A failed load-balance forward degrades to local serving;
			// it must never drop the request.
		}
	}
	return s.serveObjectGet(c, objectID)
}

func (s *Server) handleObjectPost(c echo.Context) error {
	objectID, stationID := types.SplitAddress(c.Param("addr"))
	metrics.RequestsTotal.WithLabelValues(http.MethodPost, "object").Inc()

	contentType := c.Request().Header.Get(echo.HeaderContentType)
	if strings.HasPrefix(contentType, echo.MIMEMultipartForm) {
		// Uploads land on the addressed station; replication carries
		// the bytes to the rest of the cluster, so there is nothing to
		// gain from forwarding the multipart stream.
		return s.serveUpload(c, objectID)
	}

	body, req, err := s.parseBody(c)
	if err != nil {
		return fail(c, http.StatusBadRequest, "invalid JSON body: %v", err)
	}

	if stationID != "" && stationID != s.self.StationID {
		return s.forwardExplicit(c, objectID, stationID, body)
	}

	switch req.Str("action") {
	case "rollback":
		return s.serveRollback(c, objectID, req)
	case "start", "stop":
		return s.serveStartStop(c, objectID, req.Str("action"))
	}
	return s.serveExecute(c, objectID, http.MethodPost, s.mergeQuery(c, req))
}

func (s *Server) handleObjectPut(c echo.Context) error {
	objectID, stationID := types.SplitAddress(c.Param("addr"))
	metrics.RequestsTotal.WithLabelValues(http.MethodPut, "object").Inc()

	body, req, err := s.parseBody(c)
	if err != nil {
		return fail(c, http.StatusBadRequest, "invalid JSON body: %v", err)
	}

	if stationID != "" && stationID != s.self.StationID {
		return s.forwardExplicit(c, objectID, stationID, body)
	}

	if c.QueryParams().Has("source") {
		return s.serveUpdateSource(c, objectID, req)
	}
	return s.serveExecute(c, objectID, http.MethodPut, s.mergeQuery(c, req))
}

func (s *Server) handleObjectDelete(c echo.Context) error {
	objectID, stationID := types.SplitAddress(c.Param("addr"))
	metrics.RequestsTotal.WithLabelValues(http.MethodDelete, "object").Inc()

	body, req, err := s.parseBody(c)
	if err != nil {
		return fail(c, http.StatusBadRequest, "invalid JSON body: %v", err)
	}

	if stationID != "" && stationID != s.self.StationID {
		return s.forwardExplicit(c, objectID, stationID, body)
	}
	return s.serveExecute(c, objectID, http.MethodDelete, s.mergeQuery(c, req))
}

// forwardExplicit honors an @station address strictly: an unknown or
// dead station is 503, a timeout 504 and any other transport failure
// 502, never a silent local fallback.
func (s *Server) forwardExplicit(c echo.Context, objectID, stationID string, body []byte) error {
	target, err := s.router.Target(stationID)
	if err != nil {
		if errors.Is(err, cluster.ErrStationNotFound) || errors.Is(err, cluster.ErrStationOffline) {
			return fail(c, http.StatusServiceUnavailable, "station %s is not available", stationID)
		}
		return fail(c, http.StatusServiceUnavailable, "station lookup failed: %v", err)
	}
	if target == nil {
		// Callers only forward when the address names another station.
		return fail(c, http.StatusInternalServerError, "routing error for station %s", stationID)
	}

	res, err := s.router.Forward(target, c.Request().Method, objectID, c.QueryParams(), body)
	if err != nil {
		switch {
		case errors.Is(err, router.ErrForwardTimeout):
			return fail(c, http.StatusGatewayTimeout, "station %s timed out", stationID)
		default:
			return fail(c, http.StatusBadGateway, "forward to %s failed: %v", stationID, err)
		}
	}

	metrics.ForwardsTotal.WithLabelValues("explicit").Inc()
	if res.JSON != nil {
		res.JSON["_routed_to"] = stationID
		res.JSON["_routed_from"] = s.self.StationID
		return c.JSON(res.StatusCode, res.JSON)
	}
	return c.Blob(res.StatusCode, res.ContentType, res.Body)
}

// forwardBalanced routes an execution GET to the least loaded peer.
// Any error tells the caller to serve locally instead.
func (s *Server) forwardBalanced(c echo.Context, objectID string, target *types.StationInfo) error {
	res, err := s.router.Forward(target, http.MethodGet, objectID, c.QueryParams(), nil)
	if err != nil {
		s.logger.Warn().Err(err).
			Str("target", target.StationID).
			Msg("Load-balanced forward failed, serving locally")
		return err
	}

	metrics.ForwardsTotal.WithLabelValues("load_balanced").Inc()
	if res.JSON != nil {
		res.JSON["_load_balanced"] = true
		res.JSON["_routed_to"] = target.StationID
		res.JSON["_routed_from"] = s.self.StationID
		res.JSON["_original_station"] = s.self.StationID
		return c.JSON(res.StatusCode, res.JSON)
	}
	return c.Blob(res.StatusCode, res.ContentType, res.Body)
}

// serveObjectGet dispatches a local GET: introspection when the query
// asks for it, handler execution otherwise.
func (s *Server) serveObjectGet(c echo.Context, objectID string) error {
	q := c.QueryParams()
	switch {
	case q.Has("source"):
		return s.serveSource(c, objectID)
	case q.Has("metadata"):
		return s.serveMetadata(c, objectID)
	case q.Has("state"):
		return s.serveState(c, objectID)
	case q.Has("status"):
		return s.serveStatus(c, objectID)
	case q.Has("logs"):
		return s.serveLogs(c, objectID)
	case q.Has("versions"):
		return s.serveVersions(c, objectID)
	case q.Has("version"):
		return s.serveVersion(c, objectID)
	case q.Has("files"):
		return s.serveFiles(c, objectID)
	case q.Has("file"):
		return s.serveFile(c, objectID, q.Get("file"))
	case q.Has("test"):
		return s.serveTests(c, objectID)
	}
	return s.serveExecute(c, objectID, http.MethodGet, s.mergeQuery(c, runtime.Request{}))
}

func (s *Server) serveExecute(c echo.Context, objectID, method string, req runtime.Request) error {
	result, err := s.rt.Execute(objectID, method, req)
	if err != nil {
		return s.execError(c, err)
	}
	if result == nil {
		return c.JSON(http.StatusOK, map[string]interface{}{"status": "ok"})
	}

	// Handlers may return a typed body which streams through as-is.
	if ct, ok := result["content_type"].(string); ok {
		switch body := result["body"].(type) {
		case []byte:
			return c.Blob(http.StatusOK, ct, body)
		case string:
			return c.Blob(http.StatusOK, ct, []byte(body))
		}
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) serveSource(c echo.Context, objectID string) error {
	source, err := s.rt.GetSource(objectID)
	if err != nil {
		return s.execError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status": "ok", "object_id": objectID, "source": source,
	})
}

func (s *Server) serveMetadata(c echo.Context, objectID string) error {
	meta, err := s.rt.Metadata(objectID)
	if err != nil {
		return s.execError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status": "ok", "object_id": objectID, "metadata": meta,
	})
}

func (s *Server) serveState(c echo.Context, objectID string) error {
	st, err := s.rt.StateStore().All(objectID)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "failed to read state: %v", err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status": "ok", "object_id": objectID, "state": st,
	})
}

func (s *Server) serveStatus(c echo.Context, objectID string) error {
	schedules := s.rt.Schedules(objectID)
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"object_id": objectID,
		"running":   len(schedules) > 0,
		"schedules": schedules,
	})
}

func (s *Server) serveLogs(c echo.Context, objectID string) error {
	limit := 100
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fail(c, http.StatusBadRequest, "invalid limit %q", v)
		}
		limit = n
	}
	q := selflog.Query{Limit: limit}
	if level := c.QueryParam("level"); level != "" {
		q.Levels = []string{level}
	}

	logs, err := s.rt.SelfLog().Logs(objectID, q)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "failed to read logs: %v", err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status": "ok", "object_id": objectID, "logs": logs, "count": len(logs),
	})
}

func (s *Server) serveVersions(c echo.Context, objectID string) error {
	limit := 10
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fail(c, http.StatusBadRequest, "invalid limit %q", v)
		}
		limit = n
	}

	history, err := s.rt.VersionStore().History(objectID, limit, 0)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "failed to read versions: %v", err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status": "ok", "object_id": objectID, "versions": history, "count": len(history),
	})
}

func (s *Server) serveVersion(c echo.Context, objectID string) error {
	raw := c.QueryParam("version")
	id, err := strconv.Atoi(raw)
	if err != nil {
		return fail(c, http.StatusBadRequest, "invalid version %q", raw)
	}

	v, err := s.rt.VersionStore().Get(objectID, id)
	if err != nil {
		if errors.Is(err, version.ErrVersionNotFound) {
			return fail(c, http.StatusNotFound, "version %d not found", id)
		}
		return fail(c, http.StatusInternalServerError, "failed to read version: %v", err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status": "ok", "object_id": objectID, "version": v,
	})
}

func (s *Server) serveFiles(c echo.Context, objectID string) error {
	files, err := s.rt.BlobStore().List(objectID)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "failed to list files: %v", err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status": "ok", "object_id": objectID, "files": files, "count": len(files),
	})
}

func (s *Server) serveFile(c echo.Context, objectID, filename string) error {
	data, err := s.rt.BlobStore().Get(objectID, filename)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return fail(c, http.StatusNotFound, "file %s not found", filename)
		}
		return fail(c, http.StatusInternalServerError, "failed to read file: %v", err)
	}

	contentType := mime.TypeByExtension(filepath.Ext(filename))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if strings.HasPrefix(contentType, "image/") {
		c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("inline; filename=%q", filename))
	} else {
		c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", filename))
	}
	return c.Blob(http.StatusOK, contentType, data)
}

func (s *Server) serveTests(c echo.Context, objectID string) error {
	report, err := s.rt.RunTests(objectID)
	if err != nil {
		return s.execError(c, err)
	}
	resp := map[string]interface{}{
		"status":     report.Status,
		"object_id":  objectID,
		"test_count": report.TestCount,
		"passed":     report.Passed,
		"failed":     report.Failed,
		"skipped":    report.Skipped,
		"results":    report.Results,
	}
	if report.Message != "" {
		resp["message"] = report.Message
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) serveUpload(c echo.Context, objectID string) error {
	form, err := c.MultipartForm()
	if err != nil {
		return fail(c, http.StatusBadRequest, "invalid multipart form: %v", err)
	}

	var uploaded []map[string]interface{}
	for field, headers := range form.File {
		for _, header := range headers {
			src, err := header.Open()
			if err != nil {
				return fail(c, http.StatusBadRequest, "failed to read upload %s: %v", header.Filename, err)
			}
			data, err := io.ReadAll(src)
			src.Close()
			if err != nil {
				return fail(c, http.StatusBadRequest, "failed to read upload %s: %v", header.Filename, err)
			}
			if err := s.rt.PutFile(objectID, header.Filename, data); err != nil {
				return fail(c, http.StatusInternalServerError, "failed to store %s: %v", header.Filename, err)
			}
			uploaded = append(uploaded, map[string]interface{}{
				"filename": header.Filename,
				"size":     len(data),
				"field":    field,
			})
		}
	}
	if len(uploaded) == 0 {
		return fail(c, http.StatusBadRequest, "no files in upload")
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"message":   fmt.Sprintf("Uploaded %d file(s)", len(uploaded)),
		"object_id": objectID,
		"files":     uploaded,
	})
}

func (s *Server) serveRollback(c echo.Context, objectID string, req runtime.Request) error {
	raw, ok := req["version_id"]
	if !ok {
		return fail(c, http.StatusBadRequest, "missing version_id")
	}
	target, err := intField(raw)
	if err != nil {
		return fail(c, http.StatusBadRequest, "invalid version_id: %v", err)
	}

	author := req.Str("author")
	if author == "" {
		author = "api_user"
	}
	message := req.Str("message")
	if message == "" {
		message = fmt.Sprintf("Rollback to version %d", target)
	}

	newID, err := s.rt.Rollback(objectID, target, author, message)
	if err != nil {
		return s.execError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"message":        fmt.Sprintf("Rolled back to version %d", target),
		"version_id":     newID,
		"rolled_back_to": target,
		"object_id":      objectID,
	})
}

func (s *Server) serveStartStop(c echo.Context, objectID, action string) error {
	obj, err := s.rt.Load(objectID, false)
	if err != nil {
		return s.execError(c, err)
	}
	if _, ok := obj.Def.Methods[action]; !ok {
		return fail(c, http.StatusBadRequest, "Object has no %s() method", action)
	}

	result, err := s.rt.Execute(objectID, action, runtime.Request{})
	if err != nil {
		return s.execError(c, err)
	}

	message := "Object started"
	if action == "stop" {
		message = "Object stopped"
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"message":   message,
		"object_id": objectID,
		"result":    result,
	})
}

func (s *Server) serveUpdateSource(c echo.Context, objectID string, req runtime.Request) error {
	code := req.Str("code")
	if code == "" {
		return fail(c, http.StatusBadRequest, "missing code")
	}
	author := req.Str("author")
	if author == "" {
		author = "api"
	}
	message := req.Str("message")
	if message == "" {
		message = "Updated via API"
	}

	id, err := s.rt.UpdateCode(objectID, code, author, message)
	if err != nil {
		return s.execError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":     "ok",
		"message":    fmt.Sprintf("Code updated to version %d", id),
		"version_id": id,
		"object_id":  objectID,
	})
}

// execError maps a runtime failure to the HTTP taxonomy.
func (s *Server) execError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, runtime.ErrNoObject):
		return fail(c, http.StatusNotFound, "%v", err)
	case errors.Is(err, runtime.ErrNoMethod):
		return fail(c, http.StatusMethodNotAllowed, "%v", err)
	case errors.Is(err, version.ErrVersionNotFound):
		return fail(c, http.StatusNotFound, "%v", err)
	default:
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{
			"status": "error",
			"error":  err.Error(),
		})
	}
}

// parseBody reads the request body once, returning both the raw bytes
// (for forwarding) and the decoded JSON map. An empty body is an empty
// map.
func (s *Server) parseBody(c echo.Context) ([]byte, runtime.Request, error) {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return nil, nil, err
	}
	req := runtime.Request{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, (*map[string]interface{})(&req)); err != nil {
			return nil, nil, err
		}
	}
	return body, req, nil
}

// mergeQuery folds single-valued query parameters into the request
// map. Body fields win on collision.
func (s *Server) mergeQuery(c echo.Context, req runtime.Request) runtime.Request {
	merged := runtime.Request{}
	for key, values := range c.QueryParams() {
		if len(values) > 0 {
			merged[key] = values[0]
		}
	}
	for k, v := range req {
		merged[k] = v
	}
	return merged
}

func intField(v interface{}) (int, error) {
	switch t := v.(type) {
	case float64:
		return int(t), nil
	case int:
		return t, nil
	case string:
		return strconv.Atoi(t)
	default:
		return 0, fmt.Errorf("not a number: %v", v)
	}
}

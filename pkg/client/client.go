package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"

	"github.com/cuemby/hutch/pkg/types"
)

// Client talks to one station's HTTP surface. It is safe for
// concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the station at baseURL
// (e.g. "http://localhost:8001").
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

// Health returns the station's health envelope.
func (c *Client) Health() (map[string]interface{}, error) {
	return c.getJSON("/health", nil)
}

// ClusterInfo returns the station's cluster identity.
func (c *Client) ClusterInfo() (map[string]interface{}, error) {
	return c.getJSON("/cluster/info", nil)
}

// Stations lists the registry. Only the master answers this.
func (c *Client) Stations() ([]types.StationInfo, error) {
	var resp struct {
		Status   string              `json:"status"`
		Message  string              `json:"message"`
		Stations []types.StationInfo `json:"stations"`
	}
	if err := c.get("/cluster/stations", nil, &resp); err != nil {
		return nil, err
	}
	if resp.Status == "error" {
		return nil, fmt.Errorf("%s", resp.Message)
	}
	return resp.Stations, nil
}

// ListObjects lists the objects the station knows about.
func (c *Client) ListObjects() ([]types.ObjectSummary, error) {
	var resp struct {
		Status  string                `json:"status"`
		Message string                `json:"message"`
		Objects []types.ObjectSummary `json:"objects"`
	}
	if err := c.get("/objects", nil, &resp); err != nil {
		return nil, err
	}
	if resp.Status == "error" {
		return nil, fmt.Errorf("%s", resp.Message)
	}
	return resp.Objects, nil
}

// Get executes an object's GET handler. address may carry an @station
// suffix; query may be nil.
func (c *Client) Get(address string, query url.Values) (map[string]interface{}, error) {
	return c.getJSON("/objects/"+address, query)
}

// Post executes an object's POST handler with a JSON payload.
func (c *Client) Post(address string, payload map[string]interface{}) (map[string]interface{}, error) {
	return c.sendJSON(http.MethodPost, "/objects/"+address, payload)
}

// Put executes an object's PUT handler with a JSON payload.
func (c *Client) Put(address string, payload map[string]interface{}) (map[string]interface{}, error) {
	return c.sendJSON(http.MethodPut, "/objects/"+address, payload)
}

// Delete executes an object's DELETE handler.
func (c *Client) Delete(address string) (map[string]interface{}, error) {
	return c.sendJSON(http.MethodDelete, "/objects/"+address, nil)
}

// Source fetches an object's current source text.
func (c *Client) Source(address string) (string, error) {
	resp, err := c.getJSON("/objects/"+address, url.Values{"source": {"true"}})
	if err != nil {
		return "", err
	}
	src, _ := resp["source"].(string)
	return src, nil
}

// Metadata fetches an object's metadata view.
func (c *Client) Metadata(address string) (map[string]interface{}, error) {
	return c.getJSON("/objects/"+address, url.Values{"metadata": {"true"}})
}

// Logs fetches up to limit self-log entries, newest first. limit <= 0
// uses the server default.
func (c *Client) Logs(address string, limit int) (map[string]interface{}, error) {
	q := url.Values{"logs": {"true"}}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	return c.getJSON("/objects/"+address, q)
}

// Versions fetches an object's version history.
func (c *Client) Versions(address string, limit int) (map[string]interface{}, error) {
	q := url.Values{"versions": {"true"}}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	return c.getJSON("/objects/"+address, q)
}

// RunTests runs an object's self-tests and returns the report.
func (c *Client) RunTests(address string) (map[string]interface{}, error) {
	return c.getJSON("/objects/"+address, url.Values{"test": {"true"}})
}

// UpdateSource saves a new source version for the object.
func (c *Client) UpdateSource(address, code, author, message string) (map[string]interface{}, error) {
	payload := map[string]interface{}{"code": code}
	if author != "" {
		payload["author"] = author
	}
	if message != "" {
		payload["message"] = message
	}
	return c.sendJSON(http.MethodPut, "/objects/"+address+"?source=true", payload)
}

// Rollback restores a previous version as a new head version.
func (c *Client) Rollback(address string, versionID int) (map[string]interface{}, error) {
	return c.Post(address, map[string]interface{}{
		"action":     "rollback",
		"version_id": versionID,
	})
}

// Upload stores a named file on the object.
func (c *Client) Upload(address, filename string, data []byte) (map[string]interface{}, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodPost, c.baseURL+"/objects/"+address, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return c.do(req)
}

// Migrate orders the master to move an object between stations.
func (c *Client) Migrate(objectID, from, to string, copyOnly bool) (map[string]interface{}, error) {
	return c.sendJSON(http.MethodPost, "/cluster/migrate", map[string]interface{}{
		"object_id":    objectID,
		"from_station": from,
		"to_station":   to,
		"copy_only":    copyOnly,
	})
}

func (c *Client) getJSON(path string, query url.Values) (map[string]interface{}, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *Client) get(path string, query url.Values, out interface{}) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	resp, err := c.http.Get(u)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) sendJSON(method, path string, payload map[string]interface{}) (map[string]interface{}, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req)
}

// do runs the request and decodes the JSON envelope. Non-2xx statuses
// become errors carrying the server's message.
func (c *Client) do(req *http.Request) (map[string]interface{}, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("station returned status %d: %s", resp.StatusCode, string(raw))
	}
	if resp.StatusCode >= 400 {
		msg, _ := out["message"].(string)
		if msg == "" {
			msg, _ = out["error"].(string)
		}
		return out, fmt.Errorf("station returned status %d: %s", resp.StatusCode, msg)
	}
	return out, nil
}

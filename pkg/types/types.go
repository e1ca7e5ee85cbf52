package types

import (
	"fmt"
	"strings"
	"time"
)

// Cluster-wide constants.
const (
	// MasterStationID is the statically designated master. A station is
	// the master iff its station_id equals this value.
	MasterStationID = "station1"

	// DefaultPort is the port a station listens on unless configured.
	DefaultPort = 8001

	// LivenessWindow is how recent a heartbeat must be for a station to
	// count as live.
	LivenessWindow = 30 * time.Second

	// ForwardTimeout bounds a single forwarded object request.
	ForwardTimeout = 30 * time.Second
)

// StationRole defines the role of a station in the cluster
type StationRole string

const (
	RoleMaster StationRole = "master"
	RoleWorker StationRole = "worker"
)

// RoleOf returns the role implied by a station id.
func RoleOf(stationID string) StationRole {
	if stationID == MasterStationID {
		return RoleMaster
	}
	return RoleWorker
}

// Metrics is the load sample a station reports with each heartbeat.
// It is an open map so that stations running different versions can add
// fields without breaking older peers; integer values (object_count)
// ride along as float64.
type Metrics map[string]float64

// LoadScore computes the routing score for a metrics sample.
// Lower is better. Missing samples and missing fields default to 50,
// the neutral midpoint.
func (m Metrics) LoadScore() float64 {
	if len(m) == 0 {
		return 50.0
	}
	cpu, ok := m["cpu_percent"]
	if !ok {
		cpu = 50.0
	}
	mem, ok := m["memory_percent"]
	if !ok {
		mem = 50.0
	}
	return cpu*0.6 + mem*0.4
}

// Station is one row of the cluster registry.
type Station struct {
	StationID     string  `json:"station_id"`
	Host          string  `json:"host"`
	Port          int     `json:"port"`
	LastHeartbeat float64 `json:"last_heartbeat"` // unix seconds, sub-second precision
	Metrics       Metrics `json:"metrics,omitempty"`
	Version       string  `json:"version,omitempty"`
}

// URL returns the station's base HTTP URL.
func (s *Station) URL() string {
	return fmt.Sprintf("http://%s:%d", s.Host, s.Port)
}

// IsLive reports whether the station's last heartbeat falls inside the
// liveness window relative to now (unix seconds).
func (s *Station) IsLive(now float64) bool {
	return now-s.LastHeartbeat < LivenessWindow.Seconds()
}

// StationInfo is a registry row enriched for API responses.
type StationInfo struct {
	Station
	IsActive bool   `json:"is_active"`
	URL      string `json:"url"`
}

// Info derives the API view of a station at the given time.
func (s *Station) Info(now float64) StationInfo {
	return StationInfo{
		Station:  *s,
		IsActive: s.IsLive(now),
		URL:      s.URL(),
	}
}

// Log levels used by per-object self-logs. These are domain artifacts
// (TSV columns), distinct from process log levels.
const (
	LevelDebug    = "DEBUG"
	LevelInfo     = "INFO"
	LevelWarning  = "WARNING"
	LevelError    = "ERROR"
	LevelCritical = "CRITICAL"
)

// LogEntry is one self-log record. Columns are dynamic: every entry has
// entry_id, timestamp, level and message; handlers add arbitrary extra
// fields which become new TSV columns.
type LogEntry map[string]string

// EntryID returns the record's dedup key.
func (e LogEntry) EntryID() string { return e["entry_id"] }

// StateEntry is a single key of an object's replicated state.
type StateEntry struct {
	Key       string  `json:"key"`
	Value     string  `json:"value"`
	Timestamp float64 `json:"timestamp"`
}

// VersionMeta describes one saved version without its content.
type VersionMeta struct {
	VersionID int     `json:"version_id"`
	Timestamp float64 `json:"timestamp"`
	Author    string  `json:"author"`
	Message   string  `json:"message"`
	Hash      string  `json:"hash"`
}

// Version is a full version record including the content body.
type Version struct {
	VersionMeta
	Content string `json:"content"`
}

// FileInfo describes one stored blob.
type FileInfo struct {
	Name     string  `json:"name"`
	Size     int64   `json:"size"`
	Modified float64 `json:"modified"`
}

// Schedule is an in-process periodic registration. Volatile: objects
// re-register through their start handler after a restart.
type Schedule struct {
	ObjectID string  `json:"object_id"`
	Method   string  `json:"method"`
	Interval float64 `json:"interval_seconds"`
	NextRun  float64 `json:"next_run"`
}

// TaskType distinguishes durable task records.
type TaskType string

const (
	TaskCron    TaskType = "cron"
	TaskOnetime TaskType = "onetime"
)

// TaskStatus is the lifecycle state of a task record.
type TaskStatus string

const (
	TaskActive    TaskStatus = "active"
	TaskCancelled TaskStatus = "cancelled"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// TaskRecord is a durable scheduled invocation of an object method.
type TaskRecord struct {
	ID          string                 `json:"task_id"`
	ObjectID    string                 `json:"object_id"`
	Method      string                 `json:"method"`
	Schedule    string                 `json:"schedule"` // cron expression or ISO 8601 instant
	Payload     map[string]interface{} `json:"payload,omitempty"`
	Type        TaskType               `json:"type"`
	Status      TaskStatus             `json:"status"`
	CreatedAt   float64                `json:"created_at"`
	LastRun     float64                `json:"last_run"`
	RunCount    int                    `json:"run_count"`
	ErrorCount  int                    `json:"error_count"`
	LastError   string                 `json:"last_error,omitempty"`
	MaxAttempts int                    `json:"max_attempts"`
}

// StateReplica is the wire payload for state replication.
type StateReplica struct {
	ObjectID      string  `json:"object_id"`
	Key           string  `json:"key"`
	Value         string  `json:"value"`
	Timestamp     float64 `json:"timestamp"`
	SourceStation string  `json:"source_station"`
}

// LogReplica is the wire payload for log replication.
type LogReplica struct {
	ObjectID      string   `json:"object_id"`
	EntryID       string   `json:"entry_id"`
	Entry         LogEntry `json:"log_entry"`
	SourceStation string   `json:"source_station"`
}

// ObjectBundle carries every artifact of one object for migration.
// []byte fields marshal as base64 strings in JSON.
type ObjectBundle struct {
	ObjectID     string            `json:"object_id"`
	CodeFile     string            `json:"code_file"`
	CodeContent  []byte            `json:"code_content"`
	StateFiles   map[string][]byte `json:"state_files"`
	VersionFiles map[string][]byte `json:"version_files"`
	BlobFiles    map[string][]byte `json:"blob_files,omitempty"`
}

// ObjectSummary is one row of the object listing.
type ObjectSummary struct {
	ObjectID    string   `json:"object_id"`
	Registered  bool     `json:"registered"`
	Methods     []string `json:"methods,omitempty"`
	Description string   `json:"description,omitempty"`
}

// SplitAddress parses an object address of the form
// `object_id[@station_id]`, splitting on the first "@". No further
// validation is applied.
func SplitAddress(address string) (objectID, stationID string) {
	if i := strings.IndexByte(address, '@'); i >= 0 {
		return address[:i], address[i+1:]
	}
	return address, ""
}

// Now returns the current wall clock as unix seconds with sub-second
// precision, the timestamp format used on every wire payload and TSV row.
func Now() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

package runtime

import (
	"github.com/cuemby/hutch/pkg/replicate"
	"github.com/cuemby/hutch/pkg/types"
)

// PeerSource reports the live peer stations replication should fan
// out to. The local station is never included.
type PeerSource interface {
	LivePeers() []types.Station
}

// noPeers is the fallback when a runtime has no cluster attached
// (single-station mode and most tests).
type noPeers struct{}

func (noPeers) LivePeers() []types.Station { return nil }

// Context is the capability set a handler receives on every call.
// It is the only view a handler has of the runtime.
type Context struct {
	ObjectID string
	Log      *ObjectLogger
	State    *ObjectState
	Files    *ObjectFiles

	rt *Runtime
}

// Call invokes a method on a sibling object through the same runtime.
// The address may carry an explicit @station suffix; resolution is the
// router's when one is attached, otherwise local-only.
func (c *Context) Call(address, method string, req Request) (map[string]interface{}, error) {
	return c.rt.Call(address, method, req)
}

// Schedule registers a periodic invocation of one of this object's
// methods. Registrations are volatile; objects re-register from start
// after a restart.
func (c *Context) Schedule(intervalSeconds float64, method string) {
	c.rt.Schedule(c.ObjectID, method, intervalSeconds)
}

// Unschedule cancels the named periodic registration, or all of this
// object's registrations when method is empty.
func (c *Context) Unschedule(method string) {
	c.rt.Unschedule(c.ObjectID, method)
}

// ObjectLogger is the self-log capability bound to one object. Every
// append lands in the object's own TSV log and fans out to live peers.
type ObjectLogger struct {
	objectID string
	rt       *Runtime
}

func (l *ObjectLogger) log(level, message string, fields map[string]string) {
	entry, err := l.rt.logs.Append(l.objectID, level, message, fields)
	if err != nil {
		l.rt.logger.Error().Err(err).Str("object_id", l.objectID).Msg("Self-log append failed")
		return
	}
	l.rt.replicateLog(l.objectID, entry)
}

// Debug, Info, Warning, Error and Critical append one entry at the
// respective level. fields may be nil.
func (l *ObjectLogger) Debug(message string, fields map[string]string) {
	l.log(types.LevelDebug, message, fields)
}

func (l *ObjectLogger) Info(message string, fields map[string]string) {
	l.log(types.LevelInfo, message, fields)
}

func (l *ObjectLogger) Warning(message string, fields map[string]string) {
	l.log(types.LevelWarning, message, fields)
}

func (l *ObjectLogger) Error(message string, fields map[string]string) {
	l.log(types.LevelError, message, fields)
}

func (l *ObjectLogger) Critical(message string, fields map[string]string) {
	l.log(types.LevelCritical, message, fields)
}

// ObjectState is the replicated key/value capability bound to one
// object.
type ObjectState struct {
	objectID string
	rt       *Runtime
}

// Get returns the stored value, or def when the key is absent.
func (s *ObjectState) Get(key, def string) string {
	v, ok, err := s.rt.state.Get(s.objectID, key)
	if err != nil || !ok {
		return def
	}
	return v
}

// GetInt parses the stored value as an integer, or returns def.
func (s *ObjectState) GetInt(key string, def int64) int64 {
	n, ok := s.rt.state.GetInt(s.objectID, key)
	if !ok {
		return def
	}
	return n
}

// Set persists key=value locally and fans the write out to every live
// peer.
func (s *ObjectState) Set(key, value string) error {
	ts, err := s.rt.state.Set(s.objectID, key, value)
	if err != nil {
		return err
	}
	s.rt.replicateState(s.objectID, key, value, ts)
	return nil
}

// Delete removes the key locally. Peers keep their copy until a newer
// write arrives; no tombstone is replicated.
func (s *ObjectState) Delete(key string) error {
	return s.rt.state.Delete(s.objectID, key)
}

// All returns the full state map.
func (s *ObjectState) All() (map[string]string, error) {
	return s.rt.state.All(s.objectID)
}

// ObjectFiles is the blob capability bound to one object.
type ObjectFiles struct {
	objectID string
	rt       *Runtime
}

// Put stores the file locally and fans it out to every live peer.
func (f *ObjectFiles) Put(filename string, data []byte) error {
	if err := f.rt.blobs.Put(f.objectID, filename, data); err != nil {
		return err
	}
	f.rt.replicateFile(f.objectID, filename, data)
	return nil
}

// Get returns the file contents, or blob.ErrNotFound.
func (f *ObjectFiles) Get(filename string) ([]byte, error) {
	return f.rt.blobs.Get(f.objectID, filename)
}

// Delete removes the file locally only.
func (f *ObjectFiles) Delete(filename string) error {
	return f.rt.blobs.Delete(f.objectID, filename)
}

// Exists reports whether the file is present locally.
func (f *ObjectFiles) Exists(filename string) bool {
	return f.rt.blobs.Exists(f.objectID, filename)
}

// List returns the object's files sorted by name.
func (f *ObjectFiles) List() ([]types.FileInfo, error) {
	return f.rt.blobs.List(f.objectID)
}

// replicateState fans one state write out to every live peer.
func (rt *Runtime) replicateState(objectID, key, value string, timestamp float64) {
	if rt.pool == nil {
		return
	}
	for _, peer := range rt.peers.LivePeers() {
		rt.pool.SubmitState(peer, types.StateReplica{
			ObjectID:      objectID,
			Key:           key,
			Value:         value,
			Timestamp:     timestamp,
			SourceStation: rt.stationID,
		})
	}
}

// replicateLog fans one log entry out to every live peer.
func (rt *Runtime) replicateLog(objectID string, entry types.LogEntry) {
	if rt.pool == nil {
		return
	}
	for _, peer := range rt.peers.LivePeers() {
		rt.pool.SubmitLog(peer, types.LogReplica{
			ObjectID:      objectID,
			EntryID:       entry.EntryID(),
			Entry:         entry,
			SourceStation: rt.stationID,
		})
	}
}

// replicateFile fans one file write out to every live peer.
func (rt *Runtime) replicateFile(objectID, filename string, data []byte) {
	if rt.pool == nil {
		return
	}
	for _, peer := range rt.peers.LivePeers() {
		rt.pool.SubmitFile(peer, replicate.FileReplica{
			ObjectID:      objectID,
			Filename:      filename,
			Data:          data,
			SourceStation: rt.stationID,
		})
	}
}

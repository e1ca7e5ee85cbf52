package runtime

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cuemby/hutch/pkg/blob"
	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/replicate"
	"github.com/cuemby/hutch/pkg/selflog"
	"github.com/cuemby/hutch/pkg/state"
	"github.com/cuemby/hutch/pkg/types"
	"github.com/cuemby/hutch/pkg/version"
)

// Resolver forwards a sibling call whose address names another
// station. Installed by the router once the cluster is up.
type Resolver func(address, method string, req Request) (map[string]interface{}, error)

// Options configures a Runtime.
type Options struct {
	StationID string
	DataDir   string
	Pool      *replicate.Pool // nil disables replication
	Peers     PeerSource      // nil means no peers
	MaxLog    int64           // self-log rotation threshold, 0 = default
}

// Object is one loaded instance: the handler definition bound to its
// capability context.
type Object struct {
	Def *Definition
	Ctx *Context
}

// Runtime owns every loaded object and all per-object primitives of
// one station.
type Runtime struct {
	stationID string
	dataDir   string

	state    *state.Store
	logs     *selflog.Logger
	versions *version.Store
	blobs    *blob.Store
	pool     *replicate.Pool
	peers    PeerSource
	logger   zerolog.Logger

	mu       sync.Mutex
	objects  map[string]*Object
	resolver Resolver

	schedMu   sync.Mutex
	schedules map[string]map[string]*types.Schedule
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// New creates a runtime rooted at opts.DataDir. The per-object stores
// live in the data layout's state/, logs/, versions/ and files/
// subdirectories.
func New(opts Options) *Runtime {
	peers := opts.Peers
	if peers == nil {
		peers = noPeers{}
	}
	return &Runtime{
		stationID: opts.StationID,
		dataDir:   opts.DataDir,
		state:     state.NewStore(filepath.Join(opts.DataDir, "state")),
		logs:      selflog.NewLogger(filepath.Join(opts.DataDir, "logs"), opts.MaxLog),
		versions:  version.NewStore(filepath.Join(opts.DataDir, "versions")),
		blobs:     blob.NewStore(filepath.Join(opts.DataDir, "files")),
		pool:      opts.Pool,
		peers:     peers,
		logger:    log.WithComponent("runtime"),
		objects:   make(map[string]*Object),
		schedules: make(map[string]map[string]*types.Schedule),
		stopCh:    make(chan struct{}),
	}
}

// Store accessors for the HTTP surface and migration, which apply
// replication ingress and bundle imports directly.

func (rt *Runtime) StateStore() *state.Store     { return rt.state }
func (rt *Runtime) SelfLog() *selflog.Logger     { return rt.logs }
func (rt *Runtime) VersionStore() *version.Store { return rt.versions }
func (rt *Runtime) BlobStore() *blob.Store       { return rt.blobs }

// StationID returns the id of the hosting station.
func (rt *Runtime) StationID() string { return rt.stationID }

// SetResolver installs the sibling-call forwarder.
func (rt *Runtime) SetResolver(r Resolver) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.resolver = r
}

// Load returns the cached object, instantiating it on first use.
// reload forces re-instantiation; the peers are not told.
func (rt *Runtime) Load(objectID string, reload bool) (*Object, error) {
	rt.mu.Lock()
	if !reload {
		if obj, ok := rt.objects[objectID]; ok {
			rt.mu.Unlock()
			return obj, nil
		}
	}
	rt.mu.Unlock()

	def, ok := Lookup(objectID)
	if !ok {
		return nil, fmt.Errorf("object %s: %w", objectID, ErrNoObject)
	}

	obj := &Object{
		Def: def,
		Ctx: &Context{
			ObjectID: objectID,
			Log:      &ObjectLogger{objectID: objectID, rt: rt},
			State:    &ObjectState{objectID: objectID, rt: rt},
			Files:    &ObjectFiles{objectID: objectID, rt: rt},
			rt:       rt,
		},
	}

	// First load of an object with handler source seeds version 1 so
	// history and rollback have a base to work from.
	if def.Source != "" {
		if _, err := rt.versions.Latest(objectID); errors.Is(err, version.ErrVersionNotFound) {
			if _, err := rt.versions.Save(objectID, def.Source, "system", "Initial version"); err != nil {
				return nil, fmt.Errorf("failed to seed initial version: %w", err)
			}
			if err := rt.writeSourceMirror(objectID, def.Source); err != nil {
				return nil, err
			}
		}
	}

	rt.mu.Lock()
	rt.objects[objectID] = obj
	rt.mu.Unlock()
	return obj, nil
}

// Evict drops the object from the cache. The next Load re-instantiates.
func (rt *Runtime) Evict(objectID string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	delete(rt.objects, objectID)
}

// LoadedCount reports how many objects are cached.
func (rt *Runtime) LoadedCount() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.objects)
}

// ObjectCount reports how many objects this station can serve, for
// heartbeat metrics.
func (rt *Runtime) ObjectCount() int {
	objects, err := rt.ListObjects()
	if err != nil {
		return 0
	}
	return len(objects)
}

// Execute invokes one method on an object. An INFO entry lands in the
// object's self-log before the call, a DEBUG entry on success and an
// ERROR entry carrying the failure on error.
func (rt *Runtime) Execute(objectID, method string, req Request) (map[string]interface{}, error) {
	obj, err := rt.Load(objectID, false)
	if err != nil {
		return nil, err
	}

	fn, ok := obj.Def.Methods[method]
	if !ok {
		return nil, fmt.Errorf("object %s method %s: %w", objectID, method, ErrNoMethod)
	}

	obj.Ctx.Log.Info(fmt.Sprintf("Executing %s", method), map[string]string{"method": method})

	result, err := rt.invoke(obj, fn, req)
	if err != nil {
		obj.Ctx.Log.Error(fmt.Sprintf("%s failed: %v", method, err), map[string]string{
			"method":     method,
			"error_kind": errorKind(err),
		})
		return nil, err
	}

	obj.Ctx.Log.Debug(fmt.Sprintf("%s completed", method), map[string]string{"method": method})
	return result, nil
}

// invoke runs one handler method, converting a panic into an error so
// a misbehaving handler cannot take the station down.
func (rt *Runtime) invoke(obj *Object, fn Method, req Request) (result map[string]interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	if req == nil {
		req = Request{}
	}
	return fn(obj.Ctx, req)
}

// Call invokes a method on an object by address. Addresses naming
// another station go through the installed resolver; everything else
// is served locally.
func (rt *Runtime) Call(address, method string, req Request) (map[string]interface{}, error) {
	objectID, stationID := types.SplitAddress(address)
	if stationID != "" && stationID != rt.stationID {
		rt.mu.Lock()
		resolver := rt.resolver
		rt.mu.Unlock()
		if resolver == nil {
			return nil, fmt.Errorf("no route to station %s", stationID)
		}
		return resolver(address, method, req)
	}
	return rt.Execute(objectID, method, req)
}

// UpdateCode appends the new source as a fresh version, updates the
// live source mirror and evicts the cached instance. With compiled-in
// handlers the running code only changes on redeploy; the version
// history and source mirror always track the latest text.
func (rt *Runtime) UpdateCode(objectID, source, author, message string) (int, error) {
	obj, err := rt.Load(objectID, false)
	if err != nil {
		return 0, err
	}

	id, err := rt.versions.Save(objectID, source, author, message)
	if err != nil {
		return 0, err
	}
	if err := rt.writeSourceMirror(objectID, source); err != nil {
		return 0, err
	}

	obj.Ctx.Log.Warning(fmt.Sprintf("Code updated to version %d", id), map[string]string{
		"author":  author,
		"version": fmt.Sprintf("%d", id),
	})
	rt.Evict(objectID)
	return id, nil
}

// Rollback saves the content of toVersion as a new head version,
// updates the source mirror and evicts the cached instance.
func (rt *Runtime) Rollback(objectID string, toVersion int, author, message string) (int, error) {
	obj, err := rt.Load(objectID, false)
	if err != nil {
		return 0, err
	}

	id, err := rt.versions.Rollback(objectID, toVersion, author, message)
	if err != nil {
		return 0, err
	}
	v, err := rt.versions.Get(objectID, id)
	if err != nil {
		return 0, err
	}
	if err := rt.writeSourceMirror(objectID, v.Content); err != nil {
		return 0, err
	}

	obj.Ctx.Log.Critical(fmt.Sprintf("Rolled back to version %d (new head v%d)", toVersion, id), map[string]string{
		"author":         author,
		"rolled_back_to": fmt.Sprintf("%d", toVersion),
		"version":        fmt.Sprintf("%d", id),
	})
	rt.Evict(objectID)
	return id, nil
}

// GetSource returns the object's current source text: the live mirror
// when present, else the newest version body, else the registered
// handler source.
func (rt *Runtime) GetSource(objectID string) (string, error) {
	data, err := os.ReadFile(rt.sourceMirrorPath(objectID))
	if err == nil {
		return string(data), nil
	}
	if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to read source: %w", err)
	}

	if v, err := rt.versions.Latest(objectID); err == nil {
		return v.Content, nil
	}

	if def, ok := Lookup(objectID); ok && def.Source != "" {
		return def.Source, nil
	}
	return "", fmt.Errorf("object %s has no source: %w", objectID, ErrNoObject)
}

// Metadata composes the handler's declared attributes with observed
// counts from the object's primitives.
func (rt *Runtime) Metadata(objectID string) (map[string]interface{}, error) {
	obj, err := rt.Load(objectID, false)
	if err != nil {
		return nil, err
	}

	logs, err := rt.logs.Logs(objectID, selflog.Query{})
	if err != nil {
		return nil, err
	}
	history, err := rt.versions.History(objectID, 0, 0)
	if err != nil {
		return nil, err
	}
	st, err := rt.state.All(objectID)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(st))
	for k := range st {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return map[string]interface{}{
		"object_id":     objectID,
		"name":          obj.Def.Name,
		"version":       obj.Def.Version,
		"description":   obj.Def.Description,
		"methods":       obj.Def.MethodNames(),
		"tests":         obj.Def.TestNames(),
		"log_count":     len(logs),
		"version_count": len(history),
		"state_keys":    keys,
	}, nil
}

// ListObjects returns the union of registered handlers and object ids
// that left artifacts on disk, sorted by id.
func (rt *Runtime) ListObjects() ([]types.ObjectSummary, error) {
	seen := make(map[string]bool)
	var out []types.ObjectSummary

	for _, id := range RegisteredIDs() {
		def, _ := Lookup(id)
		seen[id] = true
		out = append(out, types.ObjectSummary{
			ObjectID:    id,
			Registered:  true,
			Methods:     def.MethodNames(),
			Description: def.Description,
		})
	}

	for _, lister := range []func() ([]string, error){
		rt.state.Objects, rt.logs.Objects, rt.versions.Objects, rt.blobs.Objects,
	} {
		ids, err := lister()
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			if !seen[id] {
				seen[id] = true
				out = append(out, types.ObjectSummary{ObjectID: id})
			}
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ObjectID < out[j].ObjectID })
	return out, nil
}

// PutFile stores an uploaded file for an object and fans it out to
// the live peers. Replication ingress writes through the blob store
// directly instead, so a replica never re-replicates.
func (rt *Runtime) PutFile(objectID, filename string, data []byte) error {
	if err := rt.blobs.Put(objectID, filename, data); err != nil {
		return err
	}
	rt.replicateFile(objectID, filename, data)
	return nil
}

// PurgeObject removes every local artifact of an object — state, logs,
// versions, files and the source mirror — and evicts it from the
// cache. Used by migration when the source station gives the object
// up. The removed directories are returned for the API response.
func (rt *Runtime) PurgeObject(objectID string) ([]string, error) {
	rt.Unschedule(objectID, "")
	rt.Evict(objectID)

	var removed []string
	for _, dir := range []string{
		filepath.Join(rt.dataDir, "state", objectID),
		filepath.Join(rt.dataDir, "logs", objectID),
		filepath.Join(rt.dataDir, "versions", objectID),
		filepath.Join(rt.dataDir, "files", objectID),
		filepath.Join(rt.dataDir, "objects", objectID),
	} {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			return removed, fmt.Errorf("failed to purge %s: %w", dir, err)
		}
		removed = append(removed, dir)
	}
	return removed, nil
}

func (rt *Runtime) sourceMirrorPath(objectID string) string {
	return filepath.Join(rt.dataDir, "objects", objectID, "source.txt")
}

// WriteSourceMirror stores the live source text for an object. Import
// uses it to land migrated code.
func (rt *Runtime) WriteSourceMirror(objectID, source string) error {
	return rt.writeSourceMirror(objectID, source)
}

func (rt *Runtime) writeSourceMirror(objectID, source string) error {
	path := rt.sourceMirrorPath(objectID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create source dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(source), 0644); err != nil {
		return fmt.Errorf("failed to write source: %w", err)
	}
	return nil
}

// errorKind classifies a handler failure for the self-log.
func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrNoMethod):
		return "unsupported_method"
	case errors.Is(err, version.ErrVersionNotFound):
		return "version_not_found"
	default:
		return "execution_error"
	}
}

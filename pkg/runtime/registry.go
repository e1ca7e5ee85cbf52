package runtime

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrNoObject is returned when no handler is registered and no
	// artifacts exist for the requested object id.
	ErrNoObject = errors.New("object not found")

	// ErrNoMethod is returned when the object does not declare the
	// requested method.
	ErrNoMethod = errors.New("method not supported")

	// ErrSkip makes a test_* method report "skip" instead of "fail".
	ErrSkip = errors.New("test skipped")
)

// Request is the merged view of one invocation: query parameters, JSON
// body fields, form fields and uploaded files, flattened into one map.
// Uploaded file contents arrive under their field name as []byte.
type Request map[string]interface{}

// Str returns the request field as a string, or "" when absent.
func (r Request) Str(key string) string {
	v, ok := r[key]
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprintf("%v", t)
	}
}

// Float returns the request field as a float64. JSON numbers decode to
// float64 already; numeric strings are not converted.
func (r Request) Float(key string) (float64, bool) {
	v, ok := r[key].(float64)
	return v, ok
}

// Method is one callable entry point of an object. The returned map is
// serialized as the JSON response unless it carries the pass-through
// shape {content_type, body}.
type Method func(ctx *Context, req Request) (map[string]interface{}, error)

// Definition is a compiled-in handler: the declared attributes of an
// object plus its entry points. Source carries the canonical handler
// text so version history and get_source work for built-ins too.
type Definition struct {
	ObjectID    string
	Name        string
	Version     string
	Description string
	Source      string
	Methods     map[string]Method // GET, POST, PUT, DELETE, start, stop
	Tests       map[string]Method // names beginning test_
}

// MethodNames lists the declared entry points sorted by name.
func (d *Definition) MethodNames() []string {
	names := make([]string, 0, len(d.Methods))
	for name := range d.Methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TestNames lists the declared test_* methods sorted by name.
func (d *Definition) TestNames() []string {
	names := make([]string, 0, len(d.Tests))
	for name := range d.Tests {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]*Definition)
)

// Register adds a handler definition to the process-wide registry.
// Meant to be called from init; registering the same object id twice
// panics, it is a programming error.
func Register(def *Definition) {
	if def.ObjectID == "" {
		panic("runtime: Register with empty object id")
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[def.ObjectID]; dup {
		panic(fmt.Sprintf("runtime: duplicate handler registration for %q", def.ObjectID))
	}
	registry[def.ObjectID] = def
}

// Lookup returns the registered definition for an object id.
func Lookup(objectID string) (*Definition, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	def, ok := registry[objectID]
	return def, ok
}

// RegisteredIDs lists all registered object ids sorted.
func RegisteredIDs() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	ids := make([]string, 0, len(registry))
	for id := range registry {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

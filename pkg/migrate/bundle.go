package migrate

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cuemby/hutch/pkg/runtime"
	"github.com/cuemby/hutch/pkg/types"
)

// Manager collects and applies object bundles against one station's
// data directory.
type Manager struct {
	dataDir string
	rt      *runtime.Runtime
}

// NewManager creates a bundle manager over the station's runtime.
func NewManager(dataDir string, rt *runtime.Runtime) *Manager {
	return &Manager{dataDir: dataDir, rt: rt}
}

// Collect gathers every local artifact of an object into a bundle.
// An object with no artifacts at all yields an error; migration of
// nothing is a caller mistake worth surfacing.
func (m *Manager) Collect(objectID string) (*types.ObjectBundle, error) {
	bundle := &types.ObjectBundle{
		ObjectID:     objectID,
		StateFiles:   make(map[string][]byte),
		VersionFiles: make(map[string][]byte),
		BlobFiles:    make(map[string][]byte),
	}

	if source, err := m.rt.GetSource(objectID); err == nil {
		bundle.CodeFile = filepath.Join("objects", objectID, "source.txt")
		bundle.CodeContent = []byte(source)
	}

	// State and logs travel together under state_files, the state file
	// by its fixed name and the log files by theirs.
	if data, err := os.ReadFile(filepath.Join(m.dataDir, "state", objectID, "state.tsv")); err == nil {
		bundle.StateFiles["state.tsv"] = data
	}
	logDir := filepath.Join(m.dataDir, "logs", objectID)
	if entries, err := os.ReadDir(logDir); err == nil {
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".tsv") {
				continue
			}
			data, err := os.ReadFile(filepath.Join(logDir, e.Name()))
			if err != nil {
				return nil, fmt.Errorf("failed to read log file: %w", err)
			}
			bundle.StateFiles[e.Name()] = data
		}
	}

	versionDir := filepath.Join(m.dataDir, "versions", objectID)
	if entries, err := os.ReadDir(versionDir); err == nil {
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			data, err := os.ReadFile(filepath.Join(versionDir, e.Name()))
			if err != nil {
				return nil, fmt.Errorf("failed to read version file: %w", err)
			}
			bundle.VersionFiles[e.Name()] = data
		}
	}

	files, err := m.rt.BlobStore().List(objectID)
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		data, err := m.rt.BlobStore().Get(objectID, f.Name)
		if err != nil {
			return nil, err
		}
		bundle.BlobFiles[f.Name] = data
	}

	if bundle.CodeContent == nil && len(bundle.StateFiles) == 0 &&
		len(bundle.VersionFiles) == 0 && len(bundle.BlobFiles) == 0 {
		return nil, fmt.Errorf("object %s has no artifacts", objectID)
	}
	return bundle, nil
}

// CopyReport summarizes what an import wrote, for the API response.
type CopyReport struct {
	Code     bool     `json:"code"`
	State    []string `json:"state"`
	Versions int      `json:"versions"`
	Files    []string `json:"files,omitempty"`
}

// Apply writes a bundle's artifacts into the local data layout.
// state_files are routed by name: state.tsv into the state store's
// directory, log*.tsv into the log directory. The imported object is
// evicted from the runtime cache so the next request sees the new
// artifacts.
func (m *Manager) Apply(bundle *types.ObjectBundle) (*CopyReport, error) {
	id := bundle.ObjectID
	if id == "" {
		return nil, fmt.Errorf("bundle has no object_id")
	}
	report := &CopyReport{State: []string{}}

	if len(bundle.CodeContent) > 0 {
		if err := m.rt.WriteSourceMirror(id, string(bundle.CodeContent)); err != nil {
			return nil, err
		}
		report.Code = true
	}

	for _, name := range sortedNames(bundle.StateFiles) {
		dir := "state"
		if strings.HasPrefix(name, "log") {
			dir = "logs"
		}
		if err := writeFile(filepath.Join(m.dataDir, dir, id, filepath.Base(name)), bundle.StateFiles[name]); err != nil {
			return nil, err
		}
		report.State = append(report.State, name)
	}

	for _, name := range sortedNames(bundle.VersionFiles) {
		if err := writeFile(filepath.Join(m.dataDir, "versions", id, filepath.Base(name)), bundle.VersionFiles[name]); err != nil {
			return nil, err
		}
		if strings.HasPrefix(name, "v") && strings.HasSuffix(name, ".txt") {
			report.Versions++
		}
	}

	for _, name := range sortedNames(bundle.BlobFiles) {
		if err := m.rt.BlobStore().Put(id, filepath.Base(name), bundle.BlobFiles[name]); err != nil {
			return nil, err
		}
		report.Files = append(report.Files, name)
	}

	m.rt.Evict(id)
	return report, nil
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create import dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write import file: %w", err)
	}
	return nil
}

func sortedNames(files map[string][]byte) []string {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

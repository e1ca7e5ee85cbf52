package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hutch/pkg/types"
)

func TestLoadDefaults(t *testing.T) {
	// Neutralize anything the host environment exports.
	for _, key := range []string{"STATION_ID", "STATION_HOST", "STATION_PORT", "PORT", "MASTER_HOST", "MASTER_PORT", "HUTCH_DATA_DIR"} {
		t.Setenv(key, "")
	}

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, types.DefaultPort, cfg.Port)
	assert.Equal(t, "./data", cfg.DataDir)
	assert.Equal(t, "localhost", cfg.MasterHost)
	assert.Equal(t, types.DefaultPort, cfg.MasterPort)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.False(t, cfg.LogJSON)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("STATION_ID", "station2")
	t.Setenv("STATION_HOST", "10.0.0.2")
	t.Setenv("STATION_PORT", "9001")
	t.Setenv("MASTER_HOST", "10.0.0.1")
	t.Setenv("MASTER_PORT", "8001")
	t.Setenv("HUTCH_DATA_DIR", "/var/lib/hutch")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "station2", cfg.StationID)
	assert.Equal(t, "10.0.0.2", cfg.Host)
	assert.Equal(t, 9001, cfg.Port)
	assert.Equal(t, "10.0.0.1", cfg.MasterHost)
	assert.Equal(t, 8001, cfg.MasterPort)
	assert.Equal(t, "/var/lib/hutch", cfg.DataDir)
	assert.False(t, cfg.IsMaster())
	assert.Equal(t, types.RoleWorker, cfg.Role())
	assert.Equal(t, "http://10.0.0.1:8001", cfg.MasterURL())
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hutch.yaml")
	content := "station_id: station1\nport: 8080\nlog_level: debug\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "station1", cfg.StationID)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.IsMaster())
	assert.Equal(t, "http://localhost:8080", cfg.MasterURL())
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid", Config{StationID: "station1", Port: 8001}, false},
		{"missing station id", Config{Port: 8001}, true},
		{"bad port", Config{StationID: "station1", Port: 0}, true},
		{"port out of range", Config{StationID: "station1", Port: 70000}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoadClusterSeed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cluster.tsv")
	content := "# deployment targets\n" +
		"station_id\thost\tport\tuser\trole\n" +
		"station1\t10.0.0.1\t8001\tops\tmaster\n" +
		"station2\t10.0.0.2\t8001\tops\tworker\n" +
		"\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	stations, err := LoadClusterSeed(path)
	require.NoError(t, err)
	require.Len(t, stations, 2)

	assert.Equal(t, "station1", stations[0].StationID)
	assert.Equal(t, "10.0.0.1", stations[0].Host)
	assert.Equal(t, 8001, stations[0].Port)
	assert.Equal(t, "master", stations[0].Role)
	assert.Equal(t, "station2", stations[1].StationID)
}

func TestLoadClusterSeedMissingFile(t *testing.T) {
	stations, err := LoadClusterSeed(filepath.Join(t.TempDir(), "cluster.tsv"))
	assert.NoError(t, err)
	assert.Empty(t, stations)
}

func TestLoadClusterSeedMissingColumn(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cluster.tsv")
	require.NoError(t, os.WriteFile(path, []byte("station_id\thost\nstation1\t10.0.0.1\n"), 0644))

	_, err := LoadClusterSeed(path)
	assert.Error(t, err)
}

package config

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"

	"github.com/cuemby/hutch/pkg/types"
)

// Config holds everything a station process needs to start.
type Config struct {
	StationID   string `mapstructure:"station_id"`
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	DataDir     string `mapstructure:"data_dir"`
	MasterHost  string `mapstructure:"master_host"`
	MasterPort  int    `mapstructure:"master_port"`
	LogLevel    string `mapstructure:"log_level"`
	LogJSON     bool   `mapstructure:"log_json"`
	ClusterFile string `mapstructure:"cluster_file"`
}

// Load reads configuration from an optional YAML file and the
// environment. Precedence, highest first: environment variables,
// config file, defaults.
//
// Recognized environment variables: STATION_ID, STATION_HOST,
// STATION_PORT (or PORT), MASTER_HOST, MASTER_PORT, HUTCH_DATA_DIR,
// HUTCH_LOG_LEVEL, HUTCH_LOG_JSON, HUTCH_CLUSTER_FILE.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	v.SetDefault("station_id", "")
	v.SetDefault("host", "")
	v.SetDefault("port", types.DefaultPort)
	v.SetDefault("data_dir", "./data")
	v.SetDefault("master_host", "localhost")
	v.SetDefault("master_port", types.DefaultPort)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", false)
	v.SetDefault("cluster_file", "cluster.tsv")

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("hutch")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/hutch")
	}

	if err := v.ReadInConfig(); err != nil {
		if cfgFile != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// The cluster wire protocol predates this binary; the env names are
	// fixed by it, so bind each key explicitly instead of using a prefix.
	_ = v.BindEnv("station_id", "STATION_ID")
	_ = v.BindEnv("host", "STATION_HOST")
	_ = v.BindEnv("port", "STATION_PORT", "PORT")
	_ = v.BindEnv("master_host", "MASTER_HOST")
	_ = v.BindEnv("master_port", "MASTER_PORT")
	_ = v.BindEnv("data_dir", "HUTCH_DATA_DIR")
	_ = v.BindEnv("log_level", "HUTCH_LOG_LEVEL")
	_ = v.BindEnv("log_json", "HUTCH_LOG_JSON")
	_ = v.BindEnv("cluster_file", "HUTCH_CLUSTER_FILE")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return &cfg, nil
}

// Validate checks the fields a running station cannot do without.
func (c *Config) Validate() error {
	if c.StationID == "" {
		return fmt.Errorf("station_id is required (set STATION_ID)")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	return nil
}

// IsMaster reports whether this station is the statically designated master.
func (c *Config) IsMaster() bool {
	return c.StationID == types.MasterStationID
}

// Role returns the station's role.
func (c *Config) Role() types.StationRole {
	return types.RoleOf(c.StationID)
}

// MasterURL returns the base URL of the master station. On the master
// itself this points at the local process.
func (c *Config) MasterURL() string {
	if c.IsMaster() {
		return fmt.Sprintf("http://localhost:%d", c.Port)
	}
	return fmt.Sprintf("http://%s:%d", c.MasterHost, c.MasterPort)
}

// SeedStation is one row of the optional cluster seed file.
type SeedStation struct {
	StationID string
	Host      string
	Port      int
	User      string
	Role      string
}

// LoadClusterSeed parses the cluster seed TSV (header row
// `station_id\thost\tport\tuser\trole`, `#` comments allowed). A
// missing file is not an error: it returns an empty slice.
func LoadClusterSeed(path string) ([]SeedStation, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open cluster file: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.Comma = '\t'
	r.Comment = '#'
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse cluster file: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	// First row is the header; map column names to positions.
	cols := make(map[string]int, len(rows[0]))
	for i, name := range rows[0] {
		cols[strings.TrimSpace(name)] = i
	}
	for _, required := range []string{"station_id", "host", "port"} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("cluster file missing column %q", required)
		}
	}

	field := func(row []string, name string) string {
		i, ok := cols[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var stations []SeedStation
	for _, row := range rows[1:] {
		id := field(row, "station_id")
		if id == "" {
			continue
		}
		port, err := strconv.Atoi(field(row, "port"))
		if err != nil {
			return nil, fmt.Errorf("invalid port for station %s: %w", id, err)
		}
		stations = append(stations, SeedStation{
			StationID: id,
			Host:      field(row, "host"),
			Port:      port,
			User:      field(row, "user"),
			Role:      field(row, "role"),
		})
	}
	return stations, nil
}

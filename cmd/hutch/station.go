package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/hutch/pkg/api"
	"github.com/cuemby/hutch/pkg/cluster"
	"github.com/cuemby/hutch/pkg/config"
	"github.com/cuemby/hutch/pkg/handlers"
	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/metrics"
	"github.com/cuemby/hutch/pkg/migrate"
	"github.com/cuemby/hutch/pkg/replicate"
	"github.com/cuemby/hutch/pkg/router"
	"github.com/cuemby/hutch/pkg/runtime"
	"github.com/cuemby/hutch/pkg/tasks"
	"github.com/cuemby/hutch/pkg/types"
)

var stationCmd = &cobra.Command{
	Use:   "station",
	Short: "Run and inspect stations",
}

var stationStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a station process",
	Long: `Start a station: the object runtime, the replication pool, the
task daemon and the HTTP surface. The station whose id is station1
additionally runs the cluster registry and the migration
orchestrator.

Configuration comes from flags, environment variables (STATION_ID,
MASTER_HOST, ...) and an optional hutch.yaml, in that order of
precedence.`,
	RunE: runStation,
}

func init() {
	stationStartCmd.Flags().String("config", "", "Config file (default: ./hutch.yaml)")
	stationStartCmd.Flags().String("station-id", "", "Station id (e.g. station1)")
	stationStartCmd.Flags().String("data-dir", "", "Data directory")
	stationStartCmd.Flags().Int("port", 0, "HTTP listen port")

	stationCmd.AddCommand(stationStartCmd)
}

func runStation(cmd *cobra.Command, args []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if v, _ := cmd.Flags().GetString("station-id"); v != "" {
		cfg.StationID = v
	}
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.DataDir = v
	}
	if v, _ := cmd.Flags().GetInt("port"); v != 0 {
		cfg.Port = v
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})
	logger := log.WithStation(cfg.StationID)

	host := cfg.Host
	if host == "" {
		host = cluster.LocalIP()
	}
	self := types.Station{
		StationID: cfg.StationID,
		Host:      host,
		Port:      cfg.Port,
	}

	logger.Info().
		Str("role", string(cfg.Role())).
		Str("data_dir", cfg.DataDir).
		Int("port", cfg.Port).
		Str("version", Version).
		Msg("Station starting")

	pool := replicate.NewPool(0)
	pool.Start()
	defer pool.Stop()

	// The master owns the registry; workers see the cluster through a
	// cached view of the master's table.
	var src cluster.Source
	var registry *cluster.Registry
	if cfg.IsMaster() {
		registry = cluster.NewRegistry(cfg.DataDir, self)
		seeds, err := config.LoadClusterSeed(cfg.ClusterFile)
		if err != nil {
			return err
		}
		if len(seeds) > 0 {
			rows := make([]types.Station, 0, len(seeds))
			for _, s := range seeds {
				rows = append(rows, types.Station{
					StationID: s.StationID,
					Host:      s.Host,
					Port:      s.Port,
				})
			}
			if err := registry.Seed(rows); err != nil {
				return err
			}
			logger.Info().Int("stations", len(rows)).Msg("Registry seeded from cluster file")
		}
		src = registry
	} else {
		src = cluster.NewPeerCache(cfg.MasterURL(), cfg.StationID, 5*time.Second)
	}

	rt := runtime.New(runtime.Options{
		StationID: cfg.StationID,
		DataDir:   cfg.DataDir,
		Pool:      pool,
		Peers:     src,
	})
	rt.Start()
	defer rt.Stop()

	rte := router.New(self, src)
	rt.SetResolver(siblingResolver(rt, rte))

	store, err := tasks.Open(filepath.Join(cfg.DataDir, "tasks.db"))
	if err != nil {
		return fmt.Errorf("failed to open task store: %w", err)
	}
	defer store.Close()
	handlers.RegisterTaskScheduler(store)

	daemon := tasks.NewDaemon(store, rt, tasks.DefaultPollInterval)
	daemon.Start()
	defer daemon.Stop()

	var heartbeat *cluster.Heartbeat
	if !cfg.IsMaster() {
		heartbeat = cluster.NewHeartbeat(self, cfg.MasterURL(), Version, rt)
		heartbeat.Start()
		defer heartbeat.Stop()
	}

	collector := metrics.NewCollector(src, rt, store, pool)
	collector.Start()
	defer collector.Stop()

	bundles := migrate.NewManager(cfg.DataDir, rt)
	var orch *migrate.Orchestrator
	if cfg.IsMaster() {
		orch = migrate.NewOrchestrator(cfg.StationID, bundles, src)
	}

	server := api.NewServer(api.Options{
		Self:     self,
		Version:  Version,
		Runtime:  rt,
		Source:   src,
		Registry: registry,
		Router:   rte,
		Bundles:  bundles,
		Migrator: orch,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Server shutdown failed")
	}
	logger.Info().Msg("Station stopped")
	return nil
}

// siblingResolver routes object-to-object calls whose address names
// another station. Only the HTTP verbs travel; custom method names
// stay local to their station.
func siblingResolver(rt *runtime.Runtime, rte *router.Router) runtime.Resolver {
	return func(address, method string, req runtime.Request) (map[string]interface{}, error) {
		objectID, stationID := types.SplitAddress(address)

		switch method {
		case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete:
		default:
			return nil, fmt.Errorf("remote call to %s: method %s is not routable", address, method)
		}

		target, err := rte.Target(stationID)
		if err != nil {
			return nil, err
		}
		if target == nil {
			return rt.Execute(objectID, method, req)
		}

		var body []byte
		if method != http.MethodGet && len(req) > 0 {
			if body, err = json.Marshal(req); err != nil {
				return nil, err
			}
		}
		res, err := rte.Forward(target, method, objectID, nil, body)
		if err != nil {
			return nil, err
		}
		if res.JSON == nil {
			return nil, fmt.Errorf("remote call to %s returned %s, expected JSON", address, res.ContentType)
		}
		return res.JSON, nil
	}
}

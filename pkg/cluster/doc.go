// Package cluster tracks the stations of a hutch deployment. The
// master (station1 by static convention) owns the registry of truth, a
// TSV at cluster/stations.tsv updated by heartbeats; workers send
// heartbeats with gopsutil load samples every 10 seconds and discover
// their peers by fetching the master's station table through a short
// lived cache.
package cluster

// Package metrics exposes Prometheus instrumentation and process
// health for a station.
//
// All metrics are package-level collectors registered at init and
// served by Handler() on /metrics:
//
//	hutch_stations_total / hutch_stations_live   registry size and liveness
//	hutch_objects_loaded                          runtime cache size
//	hutch_tasks_active                            durable task records
//	hutch_requests_total{method,kind}             API traffic
//	hutch_request_duration_seconds{kind}          API latency
//	hutch_forwards_total{kind}                    explicit / load_balanced forwards
//	hutch_replication_queue_depth                 pool backlog
//	hutch_replication_attempts_total{kind,outcome}
//	hutch_scheduled_runs_total{kind,outcome}      scheduler + task daemon runs
//
// Counters are incremented inline by the packages doing the work. The
// gauges are sampled every 15 seconds by a Collector wired to the
// registry, runtime, task store and replication pool.
package metrics

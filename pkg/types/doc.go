/*
Package types defines the core data structures used throughout Hutch.

This package contains the fundamental types of the domain model: stations
and their heartbeat metrics, per-object primitives (state entries, log
entries, versions, files, schedules), durable task records, and the wire
payloads used for replication and migration. All other packages depend on
it; it depends on nothing but the standard library.

# Core Types

Cluster topology:
  - Station: one registry row (id, host, port, last heartbeat, metrics)
  - StationInfo: a Station enriched with is_active and url for API views
  - Metrics: the open load-sample map stations report with heartbeats

Object primitives:
  - StateEntry: (key, value, timestamp) with last-write-wins semantics
  - LogEntry: one self-log record with dynamic columns
  - VersionMeta / Version: immutable source history with dense ids
  - FileInfo: one stored blob
  - Schedule: a volatile in-process periodic registration

Scheduling:
  - TaskRecord: durable cron or one-shot invocation of an object method

Replication and migration:
  - StateReplica, LogReplica: fire-and-forget replication payloads
  - ObjectBundle: every artifact of one object, base64 on the wire

# Conventions

Timestamps are unix seconds as float64 with sub-second precision, the
format used on every wire payload and TSV row. The master station is
statically designated: RoleOf(id) is RoleMaster iff id == MasterStationID.
*/
package types

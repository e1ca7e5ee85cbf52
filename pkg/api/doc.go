// Package api is the HTTP surface of a station: object addressing and
// CRUD under /objects, cluster registry and replication ingress under
// /cluster, plus /health and /metrics. All responses are JSON unless a
// handler returns a typed body, which streams through unchanged.
package api

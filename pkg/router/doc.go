// Package router decides, per inbound object request, whether the
// local station serves it or a peer does. Explicit object@station
// addresses are honored strictly; plain execution requests are scored
// against the cluster's load table and moved to the least loaded
// station when the local one is measurably worse off.
package router

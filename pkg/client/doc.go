// Package client is a thin HTTP client for a station's API, used by
// the CLI and by integration tests. Responses are returned as decoded
// JSON envelopes; non-2xx statuses become errors carrying the
// server's message.
package client

// Package migrate moves every artifact of one object between
// stations: source text, state TSV, log files, version history and
// binary files travel as a single base64 bundle. The master
// orchestrates: export from the source station, import into the
// target, and — unless the caller asked for a copy — purge at the
// source.
package migrate

// Package tasks persists scheduled invocations of object methods and
// runs them. Task records are durable (bbolt, JSON values) and come in
// two kinds: cron tasks driven by a standard 5-field expression, and
// one-shot tasks driven by an absolute instant. A polling daemon
// evaluates active records every 10 seconds and executes the ones
// that are due through the object runtime.
package tasks

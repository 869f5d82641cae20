// Package sinks implements progress.Sink consumers for session events:
// structured logs, Prometheus counters, Postgres tallies, and Pub/Sub
// forwarding.
package sinks

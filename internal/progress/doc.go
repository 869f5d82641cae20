// Package progress turns the per-session stats channels into a stream of
// typed events. A Listener pattern-subscribes to every session channel and
// feeds a Hub, which batches events on a background goroutine and fans them
// out to pluggable sinks such as logs, Prometheus, Postgres, or Pub/Sub.
package progress

// Package store declares the durable repositories that outlive a session's
// keys in the shared hash store: per-session event tallies and the archive
// rows written when a session is retired.
package store

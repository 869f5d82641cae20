package session

import "errors"

var (
	// ErrSessionNotFound is returned when a session is absent or its metadata
	// is not trustworthy. Invalid metadata additionally matches ErrSchemaMismatch.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSchemaMismatch means the metadata lacks fields its declared version
	// requires, or the version is older than this code supports.
	ErrSchemaMismatch = errors.New("session schema mismatch")
	// ErrInvalidMeta means a metadata field exists but cannot be decoded.
	ErrInvalidMeta = errors.New("invalid session metadata")
	// ErrAlreadyClaimed is returned by ClaimURL when another worker owns the URL.
	ErrAlreadyClaimed = errors.New("url already claimed")
	// ErrURLNotRegistered is returned by ClaimURL for a URL never added.
	ErrURLNotRegistered = errors.New("url not registered")
	// ErrNotPostponed is returned by PopPostponed when the id is not in the set.
	ErrNotPostponed = errors.New("session not postponed")
	// ErrIDCollision is returned when Create keeps generating ids that exist.
	ErrIDCollision = errors.New("session id collision")
	// ErrUnknownCounter is returned for a counter name that does not broadcast.
	ErrUnknownCounter = errors.New("unknown session counter")
	// ErrBroadcast means a write was applied but its channel publish failed.
	ErrBroadcast = errors.New("session broadcast failed")
)

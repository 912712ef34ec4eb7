package constants

import "time"

const (
	// RequestIDLength is the length of generated bus request and command ids.
	RequestIDLength = 16

	// DefaultStalenessThreshold is how long the materialized state may go
	// without a successful fetch or applied event before it is marked stale.
	DefaultStalenessThreshold = 30 * time.Second

	// DefaultFetchTimeout bounds the full-state request/reply call.
	DefaultFetchTimeout = 10 * time.Second

	// DefaultNotificationTimeout bounds single-notification commands.
	DefaultNotificationTimeout = 3 * time.Second

	// DefaultProfileTimeout bounds profile updates and mark-all-read.
	DefaultProfileTimeout = 10 * time.Second
)

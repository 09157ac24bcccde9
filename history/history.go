// Package history provides the durable sample archive behind the in-memory
// ring buffer. Samples are appended per tag and queried by time range.
package history

import (
	"context"
	"time"

	"epiclink/store"
)

// Repository is the durable sample archive.
type Repository interface {
	// Append records one sample for a controller.
	Append(ctx context.Context, controller string, s store.Sample) error
	// Range returns samples for one controller tag with
	// from <= Timestamp <= to, in chronological order.
	Range(ctx context.Context, controller, tag string, from, to time.Time) ([]store.Sample, error)
	// Trim drops samples older than the cutoff for one controller tag and
	// returns how many were removed.
	Trim(ctx context.Context, controller, tag string, olderThan time.Time) (int64, error)
	Close() error
}

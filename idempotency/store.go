// Package idempotency remembers which task messages a worker has already
// acknowledged, so a stream entry that is redelivered after its ack was
// lost does not start the saga a second time.
//
// The Redis Streams transport checks the task id on delivery and marks it
// only after the worker acks, so a failed delivery stays retryable.
package idempotency

import (
	"context"
)

// Store tracks processed message ids. Implementations must be safe for
// concurrent use.
type Store interface {
	// IsDuplicate reports whether messageID was marked. It does not mark.
	IsDuplicate(ctx context.Context, messageID string) (bool, error)

	// MarkProcessed records messageID for the store's retention period.
	MarkProcessed(ctx context.Context, messageID string) error

	// Remove forgets messageID so it can be processed again.
	Remove(ctx context.Context, messageID string) error
}

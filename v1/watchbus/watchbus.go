// Package watchbus streams lock-state transition events to observers, for
// dashboards and debugging. Delivery is best effort and carries no
// correctness weight; the lock record in the store is the source of truth.
package watchbus

import "context"

// WatchBus fans out event payloads to watchers of a lock ID.
type WatchBus interface {
	// Publish sends the given data to all watchers of key.
	Publish(ctx context.Context, key string, data []byte) error
	// Watch subscribes to messages for key. The returned channel receives
	// payloads until Unwatch releases it; callers own the subscription.
	Watch(ctx context.Context, key string) (chan []byte, error)
	// Unwatch stops delivering messages for key to ch.
	Unwatch(ctx context.Context, key string, ch chan []byte) error
}

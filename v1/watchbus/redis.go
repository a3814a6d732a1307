package watchbus

import (
	"context"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Redis stream entries per lock are capped; transition events are ephemeral
// and watchers only care about the tail.
const redisStreamMaxLen = 256

// RedisWatchBus implements WatchBus over Redis Streams, so watchers in other
// processes see transitions published anywhere in the deployment. Each lock
// ID maps to one stream under the given prefix.
type RedisWatchBus struct {
	client  *redis.Client
	prefix  string
	mu      sync.Mutex
	cancels map[string]map[chan []byte]context.CancelFunc
}

// NewRedisWatchBus returns a new RedisWatchBus using the provided client.
// Streams are namespaced under "rwlock:events:".
func NewRedisWatchBus(client *redis.Client) *RedisWatchBus {
	return &RedisWatchBus{
		client:  client,
		prefix:  "rwlock:events:",
		cancels: make(map[string]map[chan []byte]context.CancelFunc),
	}
}

// Publish appends data to the stream of key.
func (b *RedisWatchBus) Publish(ctx context.Context, key string, data []byte) error {
	return b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.prefix + key,
		MaxLen: redisStreamMaxLen,
		Approx: true,
		Values: map[string]any{"data": data},
	}).Err()
}

// Watch tails the stream of key, delivering entries appended after the call.
func (b *RedisWatchBus) Watch(ctx context.Context, key string) (chan []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan []byte, 1)

	b.mu.Lock()
	m := b.cancels[key]
	if m == nil {
		m = make(map[chan []byte]context.CancelFunc)
		b.cancels[key] = m
	}
	m[ch] = cancel
	b.mu.Unlock()

	go func() {
		defer close(ch)
		// Resolve the current tail to a concrete ID so repeated bounded
		// reads never reopen a "$" window that could skip entries.
		lastID := "0"
		if entries, err := b.client.XRevRangeN(ctx, b.prefix+key, "+", "-", 1).Result(); err == nil && len(entries) > 0 {
			lastID = entries[0].ID
		}
		for {
			if ctx.Err() != nil {
				return
			}
			// A bounded block: go-redis cannot interrupt an in-flight
			// blocking read on cancel, so the read must return on its own
			// for the ctx check above to run.
			res, err := b.client.XRead(ctx, &redis.XReadArgs{
				Streams: []string{b.prefix + key, lastID},
				Block:   250 * time.Millisecond,
				Count:   16,
			}).Result()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if err != redis.Nil {
					time.Sleep(time.Second)
				}
				continue
			}
			for _, s := range res {
				for _, msg := range s.Messages {
					lastID = msg.ID
					if v, ok := msg.Values["data"].(string); ok {
						select {
						case ch <- []byte(v):
						case <-ctx.Done():
							return
						}
					}
				}
			}
		}
	}()
	return ch, nil
}

// Unwatch stops the reader behind ch; the channel closes once it exits.
func (b *RedisWatchBus) Unwatch(ctx context.Context, key string, ch chan []byte) error {
	b.mu.Lock()
	m, ok := b.cancels[key]
	if !ok {
		b.mu.Unlock()
		return nil
	}
	cancel, ok := m[ch]
	if ok {
		delete(m, ch)
		if len(m) == 0 {
			delete(b.cancels, key)
		}
	}
	b.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

package rwmutex

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	uuid "github.com/hashicorp/go-uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	rwerrors "github.com/mirkobrombin/go-rwlock/v1/errors"
	"github.com/mirkobrombin/go-rwlock/v1/metrics"
	"github.com/mirkobrombin/go-rwlock/v1/store"
	"github.com/mirkobrombin/go-rwlock/v1/wakebus"
	"github.com/mirkobrombin/go-rwlock/v1/watchbus"
)

const defaultSleepTime = 100 * time.Millisecond

var tracer = otel.Tracer("github.com/mirkobrombin/go-rwlock/v1/rwmutex")

// RWMutex coordinates access to one named resource on behalf of one client
// identity. Instances are cheap; create one per lock ID and client. The same
// instance must not be shared between goroutines of different identities.
type RWMutex struct {
	store     store.Store
	lockID    string
	clientID  string
	sleepTime time.Duration
	expiresAt *time.Time
	bus       wakebus.Bus
	watch     watchbus.WatchBus
}

// Option configures an RWMutex.
type Option func(*RWMutex)

// WithSleepTime sets the retry interval of the acquisition loops.
func WithSleepTime(d time.Duration) Option {
	return func(m *RWMutex) {
		m.sleepTime = d
	}
}

// WithExpiresAt sets an absolute expiry stamped onto the record on every
// acquisition, letting the store discard abandoned locks.
func WithExpiresAt(t time.Time) Option {
	return func(m *RWMutex) {
		m.expiresAt = &t
	}
}

// WithWakeBus wires a bus that wakes blocked waiters as soon as a holder
// releases, instead of waiting out the full sleep interval.
func WithWakeBus(bus wakebus.Bus) Option {
	return func(m *RWMutex) {
		m.bus = bus
	}
}

// WithWatchBus wires a bus receiving lock-state transition events.
func WithWatchBus(bus watchbus.WatchBus) Option {
	return func(m *RWMutex) {
		m.watch = bus
	}
}

// New returns an RWMutex for lockID acting as clientID. An empty clientID is
// replaced with a generated UUID. The empty string is reserved as the
// "no writer" sentinel, so lock IDs must be non-empty.
func New(st store.Store, lockID, clientID string, opts ...Option) (*RWMutex, error) {
	if st == nil {
		return nil, stdErrors.New("rwmutex: nil store")
	}
	if lockID == "" {
		return nil, stdErrors.New("rwmutex: empty lock id")
	}
	if clientID == "" {
		id, err := uuid.GenerateUUID()
		if err != nil {
			return nil, fmt.Errorf("rwmutex: generate client id: %w", err)
		}
		clientID = id
	}
	m := &RWMutex{
		store:     st,
		lockID:    lockID,
		clientID:  clientID,
		sleepTime: defaultSleepTime,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// LockID returns the lock identifier.
func (m *RWMutex) LockID() string { return m.lockID }

// ClientID returns the caller identity this instance acts as.
func (m *RWMutex) ClientID() string { return m.clientID }

// Lock acquires exclusive access, blocking while the resource is busy. It is
// reentrant: the current writer re-acquires immediately. The loop has no
// deadline of its own; bound it through ctx.
func (m *RWMutex) Lock(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "RWMutex.Lock",
		trace.WithAttributes(attribute.String("rwlock.id", m.lockID)))
	defer span.End()

	w := m.clientID
	f := store.Filter{LockID: m.lockID, WriterIn: []string{"", m.clientID}, NoReaders: true}
	u := store.Update{SetWriter: &w, SetExpiresAt: m.expiresAt}
	if err := m.acquire(ctx, f, u); err != nil {
		return err
	}
	metrics.AcquireWriteCounter.Inc()
	m.notify(ctx, "acquired", "write")
	return nil
}

// RLock acquires shared access, blocking while a writer holds the resource.
// Re-entry by a current reader succeeds immediately.
func (m *RWMutex) RLock(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "RWMutex.RLock",
		trace.WithAttributes(attribute.String("rwlock.id", m.lockID)))
	defer span.End()

	f := store.Filter{LockID: m.lockID, WriterIn: []string{""}}
	u := store.Update{AddReader: m.clientID, SetExpiresAt: m.expiresAt}
	if err := m.acquire(ctx, f, u); err != nil {
		return err
	}
	metrics.AcquireReadCounter.Inc()
	m.notify(ctx, "acquired", "read")
	return nil
}

// acquire runs the shared retry loop: one atomic conditional upsert per
// attempt, a creation-race conflict counts as busy, anything else aborts.
// The wake subscription spans the whole loop so blocking spawns no per-retry
// state; it is released when the loop returns.
func (m *RWMutex) acquire(ctx context.Context, f store.Filter, u store.Update) error {
	metrics.WaitersGauge.Inc()
	defer metrics.WaitersGauge.Dec()

	var wake chan struct{}
	if m.bus != nil {
		key := "unlock:" + m.lockID
		ch, err := m.bus.Subscribe(ctx, key)
		if err != nil {
			slog.Warn("rwlock: wake bus subscribe failed, falling back to polling",
				"lock", m.lockID, "error", err)
		} else {
			defer func() { _ = m.bus.Unsubscribe(context.Background(), key, ch) }()
			wake = ch
		}
	}

	for {
		res, err := m.store.UpdateOne(ctx, f, u, true)
		if err != nil {
			if !stdErrors.Is(err, rwerrors.ErrConflict) {
				return fmt.Errorf("lock %q client %q: %w", m.lockID, m.clientID, err)
			}
		} else if res.Matched || res.Upserted {
			return nil
		}
		metrics.RetryCounter.Inc()
		if err := m.wait(ctx, wake); err != nil {
			return err
		}
	}
}

// wait blocks until the retry interval elapses, a release wake arrives, or
// ctx is canceled. A nil wake channel blocks forever in the select, leaving
// the timer and the context as the only wake-ups.
func (m *RWMutex) wait(ctx context.Context, wake chan struct{}) error {
	timer := time.NewTimer(m.sleepTime)
	defer timer.Stop()
	select {
	case <-wake:
		return nil
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unlock releases exclusive access. The record is deleted outright when no
// reader remains; otherwise only the writer field is cleared. Fails with
// errors.ErrNotHeld when the caller is not the current writer.
func (m *RWMutex) Unlock(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "RWMutex.Unlock",
		trace.WithAttributes(attribute.String("rwlock.id", m.lockID)))
	defer span.End()

	deleted, err := m.store.DeleteOne(ctx, store.Filter{
		LockID: m.lockID, WriterIn: []string{m.clientID}, NoReaders: true,
	})
	if err != nil {
		return fmt.Errorf("unlock %q client %q: %w", m.lockID, m.clientID, err)
	}
	if !deleted {
		empty := ""
		res, err := m.store.UpdateOne(ctx,
			store.Filter{LockID: m.lockID, WriterIn: []string{m.clientID}},
			store.Update{SetWriter: &empty}, false)
		if err != nil {
			return fmt.Errorf("unlock %q client %q: %w", m.lockID, m.clientID, err)
		}
		if !res.Matched {
			metrics.NotHeldCounter.Inc()
			return fmt.Errorf("unlock %q client %q: %w", m.lockID, m.clientID, rwerrors.ErrNotHeld)
		}
	}
	metrics.ReleaseCounter.Inc()
	m.wake(ctx)
	m.notify(ctx, "released", "write")
	return nil
}

// RUnlock releases shared access. The record is deleted when the caller was
// the sole remaining reader; otherwise the caller is removed from the set.
// Fails with errors.ErrNotHeld when the caller is not a current reader.
func (m *RWMutex) RUnlock(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "RWMutex.RUnlock",
		trace.WithAttributes(attribute.String("rwlock.id", m.lockID)))
	defer span.End()

	deleted, err := m.store.DeleteOne(ctx, store.Filter{
		LockID: m.lockID, WriterIn: []string{""}, SoleReader: m.clientID,
	})
	if err != nil {
		return fmt.Errorf("runlock %q client %q: %w", m.lockID, m.clientID, err)
	}
	if !deleted {
		res, err := m.store.UpdateOne(ctx,
			store.Filter{LockID: m.lockID, HasReader: m.clientID},
			store.Update{RemoveReader: m.clientID}, false)
		if err != nil {
			return fmt.Errorf("runlock %q client %q: %w", m.lockID, m.clientID, err)
		}
		if !res.Matched {
			metrics.NotHeldCounter.Inc()
			return fmt.Errorf("runlock %q client %q: %w", m.lockID, m.clientID, rwerrors.ErrNotHeld)
		}
	}
	metrics.ReleaseCounter.Inc()
	m.wake(ctx)
	m.notify(ctx, "released", "read")
	return nil
}

func (m *RWMutex) wake(ctx context.Context) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(ctx, "unlock:"+m.lockID); err != nil {
		slog.Warn("rwlock: wake publish failed", "lock", m.lockID, "error", err)
	}
}

// Event is the payload published to the watch bus on lock transitions.
type Event struct {
	LockID string `json:"lock_id"`
	Holder string `json:"holder"`
	Mode   string `json:"mode"`
	State  string `json:"state"`
}

func (m *RWMutex) notify(ctx context.Context, state, mode string) {
	if m.watch == nil {
		return
	}
	data, err := json.Marshal(Event{LockID: m.lockID, Holder: m.clientID, Mode: mode, State: state})
	if err != nil {
		return
	}
	if err := m.watch.Publish(ctx, m.lockID, data); err != nil {
		slog.Warn("rwlock: watch publish failed", "lock", m.lockID, "error", err)
	}
}

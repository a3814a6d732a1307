package rwmutex

import (
	"context"
	stdErrors "errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	rwerrors "github.com/mirkobrombin/go-rwlock/v1/errors"
	"github.com/mirkobrombin/go-rwlock/v1/metrics"
	"github.com/mirkobrombin/go-rwlock/v1/store"
)

// Predicate decides whether oldWriter may be overridden by newWriter. It may
// be arbitrarily slow (e.g. a remote evaluation); the override loop
// re-validates its decision against the store's atomic write outcome.
type Predicate func(ctx context.Context, oldWriter, newWriter string) (bool, error)

// TryOverrideWriter reassigns the writer to this client in one atomic
// conditional update, guarded by the writer value the caller last observed:
// the filter matches while the writer is empty or still equals oldWriter.
// With upsert the record is created when absent.
//
// Returns errors.ErrWriterSwitched when the store reports a uniqueness
// conflict (another process claimed the lock ID concurrently),
// errors.ErrLockNotFound when the record is absent without upsert rights,
// and errors.ErrLockNotFoundUpsertFailed when an upsert produced no effect.
func (m *RWMutex) TryOverrideWriter(ctx context.Context, oldWriter string, upsert bool) error {
	ctx, span := tracer.Start(ctx, "RWMutex.TryOverrideWriter",
		trace.WithAttributes(
			attribute.String("rwlock.id", m.lockID),
			attribute.String("rwlock.old_writer", oldWriter)))
	defer span.End()

	w := m.clientID
	res, err := m.store.UpdateOne(ctx,
		store.Filter{LockID: m.lockID, WriterIn: []string{"", oldWriter}},
		store.Update{SetWriter: &w, SetExpiresAt: m.expiresAt}, upsert)
	if err != nil {
		if stdErrors.Is(err, rwerrors.ErrConflict) {
			return fmt.Errorf("override %q client %q: %w", m.lockID, m.clientID, rwerrors.ErrWriterSwitched)
		}
		return fmt.Errorf("override %q client %q: %w", m.lockID, m.clientID, err)
	}
	if res.Matched || res.Upserted {
		metrics.OverrideCounter.Inc()
		m.notify(ctx, "acquired", "write")
		return nil
	}
	if !upsert {
		return fmt.Errorf("override %q client %q: %w", m.lockID, m.clientID, rwerrors.ErrLockNotFound)
	}
	return fmt.Errorf("override %q client %q: %w", m.lockID, m.clientID, rwerrors.ErrLockNotFoundUpsertFailed)
}

// ConditionalOverrideWriter runs the optimistic read-decide-write loop:
//
//	Read -> Decide -> AttemptWrite -> Success
//	                               -> StaleRetry  (writer switched, re-read)
//	                               -> Decline     (predicate false, return false)
//	                               -> AbsentNoUpsert (record gone, return false)
//	                               -> Timeout     (deadline elapsed, error)
//
// The predicate's decision may go stale while it is pending; staleness is
// detected through the atomic write outcome and the loop re-reads the
// now-current writer and decides again. Returns true when the writer was
// reassigned, false when the predicate declined or the record was absent
// without upsert rights, and errors.ErrTimeout when the wall-clock budget is
// exhausted.
func (m *RWMutex) ConditionalOverrideWriter(ctx context.Context, pred Predicate, upsert bool, timeout time.Duration) (bool, error) {
	ctx, span := tracer.Start(ctx, "RWMutex.ConditionalOverrideWriter",
		trace.WithAttributes(attribute.String("rwlock.id", m.lockID)))
	defer span.End()

	deadline := time.Now().Add(timeout)
	for {
		if !time.Now().Before(deadline) {
			return false, fmt.Errorf("override %q client %q: %w", m.lockID, m.clientID, rwerrors.ErrTimeout)
		}
		rec, found, err := m.store.FindOne(ctx, m.lockID)
		if err != nil {
			return false, fmt.Errorf("override %q client %q: %w", m.lockID, m.clientID, err)
		}
		if !found {
			if !upsert {
				return false, nil
			}
			err := m.TryOverrideWriter(ctx, "", true)
			if err == nil {
				return true, nil
			}
			if stdErrors.Is(err, rwerrors.ErrWriterSwitched) {
				// Created concurrently between the read and the upsert;
				// re-read and decide against the new writer.
				continue
			}
			return false, err
		}

		ok, err := pred(ctx, rec.Writer, m.clientID)
		if err != nil {
			return false, fmt.Errorf("override %q client %q: predicate: %w", m.lockID, m.clientID, err)
		}
		if !ok {
			return false, nil
		}
		if !time.Now().Before(deadline) {
			return false, fmt.Errorf("override %q client %q: %w", m.lockID, m.clientID, rwerrors.ErrTimeout)
		}

		err = m.TryOverrideWriter(ctx, rec.Writer, upsert)
		switch {
		case err == nil:
			return true, nil
		case stdErrors.Is(err, rwerrors.ErrWriterSwitched):
			// The decision went stale while pending; re-read and repeat.
			continue
		case stdErrors.Is(err, rwerrors.ErrLockNotFound):
			// The record vanished between read and write and we hold no
			// upsert rights.
			return false, nil
		default:
			return false, err
		}
	}
}

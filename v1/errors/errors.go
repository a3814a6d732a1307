package errors

import "errors"

var (
	// ErrNotHeld reports an Unlock or RUnlock by a client that does not
	// currently hold the corresponding role.
	ErrNotHeld = errors.New("lock not held")
	// ErrLockNotFound reports an override against an absent record without
	// upsert rights.
	ErrLockNotFound = errors.New("lock not found")
	// ErrLockNotFoundUpsertFailed reports an override whose upsert produced
	// no effect on an absent record.
	ErrLockNotFoundUpsertFailed = errors.New("lock not found and upsert failed")
	// ErrWriterSwitched reports that the writer changed between an observed
	// read and the attempted write.
	ErrWriterSwitched = errors.New("writer switched")
	// ErrConflict reports a duplicate lock ID raised by the store's
	// uniqueness constraint during concurrent creation.
	ErrConflict = errors.New("lock id conflict")
	// ErrTimeout reports that a bounded operation exceeded its deadline.
	ErrTimeout = errors.New("timeout")
	// ErrConnectionClosed reports a closed connection to the backing store.
	ErrConnectionClosed = errors.New("connection closed")
)

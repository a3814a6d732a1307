package store

import (
	"context"
	"time"
)

// Record is the persisted state of one lock. An empty Writer means no
// exclusive holder. Writer and Readers are mutually exclusive occupancy
// modes: a record never carries both. A record with neither is free and may
// be deleted instead of retained.
type Record struct {
	LockID    string
	Writer    string
	Readers   []string
	ExpiresAt *time.Time
}

// HasReader reports whether id is currently in the reader set.
func (r Record) HasReader(id string) bool {
	for _, v := range r.Readers {
		if v == id {
			return true
		}
	}
	return false
}

// Filter selects at most one record. LockID is always required; the
// remaining fields add conditions on top of it. Holder identities are
// non-empty strings, so the zero value of a condition field means "no
// condition" (WriterIn may list "" to match a record with no writer).
type Filter struct {
	LockID string
	// WriterIn, when non-nil, requires Writer to equal one of the listed
	// values.
	WriterIn []string
	// NoReaders requires the reader set to be empty.
	NoReaders bool
	// SoleReader requires the reader set to be exactly this one holder.
	SoleReader string
	// HasReader requires the reader set to contain this holder.
	HasReader string
}

// Match reports whether rec satisfies every condition of the filter.
func (f Filter) Match(rec Record) bool {
	if rec.LockID != f.LockID {
		return false
	}
	if f.WriterIn != nil {
		found := false
		for _, w := range f.WriterIn {
			if rec.Writer == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.NoReaders && len(rec.Readers) > 0 {
		return false
	}
	if f.SoleReader != "" && (len(rec.Readers) != 1 || rec.Readers[0] != f.SoleReader) {
		return false
	}
	if f.HasReader != "" && !rec.HasReader(f.HasReader) {
		return false
	}
	return true
}

// Update mutates a matched record. Zero-valued fields are left untouched.
// AddReader has set semantics: adding an identity that is already present is
// a successful no-op.
type Update struct {
	SetWriter    *string
	AddReader    string
	RemoveReader string
	SetExpiresAt *time.Time
}

// UpdateResult reports the outcome of an UpdateOne call. At most one of the
// two fields is true.
type UpdateResult struct {
	Matched  bool
	Upserted bool
}

// Store is the atomic single-document contract the protocol requires. Every
// state transition of a lock is one UpdateOne or DeleteOne call.
//
// UpdateOne with upsert creates the record when it is absent, seeding it
// from the update (empty writer and empty reader set unless the update says
// otherwise). When the record exists but fails the filter, an upsert
// collides with the uniqueness constraint on the lock ID and UpdateOne
// returns errors.ErrConflict; without upsert it returns a zero UpdateResult.
type Store interface {
	FindOne(ctx context.Context, lockID string) (Record, bool, error)
	UpdateOne(ctx context.Context, f Filter, u Update, upsert bool) (UpdateResult, error)
	DeleteOne(ctx context.Context, f Filter) (bool, error)
}

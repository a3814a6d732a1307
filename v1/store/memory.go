package store

import (
	"context"
	"sync"
	"time"

	rwerrors "github.com/mirkobrombin/go-rwlock/v1/errors"
)

// InMemoryStore is a Store implementation backed by a map. It is the default
// backend for tests and single-process use; expiry is checked lazily on
// access, mimicking store-side auto-deletion.
type InMemoryStore struct {
	mu   sync.Mutex
	recs map[string]*Record
}

// NewInMemoryStore returns a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{recs: make(map[string]*Record)}
}

// live returns the record for lockID, discarding it first if expired.
// Callers must hold s.mu.
func (s *InMemoryStore) live(lockID string) (*Record, bool) {
	rec, ok := s.recs[lockID]
	if !ok {
		return nil, false
	}
	if rec.ExpiresAt != nil && !rec.ExpiresAt.After(time.Now()) {
		delete(s.recs, lockID)
		return nil, false
	}
	return rec, true
}

// FindOne implements Store.FindOne.
func (s *InMemoryStore) FindOne(ctx context.Context, lockID string) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.live(lockID)
	if !ok {
		return Record{}, false, nil
	}
	out := *rec
	out.Readers = append([]string(nil), rec.Readers...)
	return out, true, nil
}

// UpdateOne implements Store.UpdateOne.
func (s *InMemoryStore) UpdateOne(ctx context.Context, f Filter, u Update, upsert bool) (UpdateResult, error) {
	if err := ctx.Err(); err != nil {
		return UpdateResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.live(f.LockID)
	if !ok {
		if !upsert {
			return UpdateResult{}, nil
		}
		rec = &Record{LockID: f.LockID}
		apply(rec, u)
		s.recs[f.LockID] = rec
		return UpdateResult{Upserted: true}, nil
	}
	if !f.Match(*rec) {
		if upsert {
			return UpdateResult{}, rwerrors.ErrConflict
		}
		return UpdateResult{}, nil
	}
	apply(rec, u)
	return UpdateResult{Matched: true}, nil
}

// DeleteOne implements Store.DeleteOne.
func (s *InMemoryStore) DeleteOne(ctx context.Context, f Filter) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.live(f.LockID)
	if !ok || !f.Match(*rec) {
		return false, nil
	}
	delete(s.recs, f.LockID)
	return true, nil
}

func apply(rec *Record, u Update) {
	if u.SetWriter != nil {
		rec.Writer = *u.SetWriter
	}
	if u.AddReader != "" && !rec.HasReader(u.AddReader) {
		rec.Readers = append(rec.Readers, u.AddReader)
	}
	if u.RemoveReader != "" {
		for i, v := range rec.Readers {
			if v == u.RemoveReader {
				rec.Readers = append(rec.Readers[:i], rec.Readers[i+1:]...)
				break
			}
		}
	}
	if u.SetExpiresAt != nil {
		t := *u.SetExpiresAt
		rec.ExpiresAt = &t
	}
}

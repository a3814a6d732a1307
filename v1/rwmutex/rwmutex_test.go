package rwmutex

import (
	"bytes"
	"context"
	"errors"
	"runtime"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	rwerrors "github.com/mirkobrombin/go-rwlock/v1/errors"
	"github.com/mirkobrombin/go-rwlock/v1/store"
	"github.com/mirkobrombin/go-rwlock/v1/wakebus"
	"github.com/mirkobrombin/go-rwlock/v1/watchbus"
)

func newMutex(t *testing.T, st store.Store, clientID string, opts ...Option) *RWMutex {
	t.Helper()
	opts = append([]Option{WithSleepTime(5 * time.Millisecond)}, opts...)
	m, err := New(st, "res", clientID, opts...)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return m
}

func TestNewValidation(t *testing.T) {
	st := store.NewInMemoryStore()
	if _, err := New(nil, "res", "c1"); err == nil {
		t.Fatal("expected error for nil store")
	}
	if _, err := New(st, "", "c1"); err == nil {
		t.Fatal("expected error for empty lock id")
	}
	m, err := New(st, "res", "")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if m.ClientID() == "" {
		t.Fatal("expected generated client id")
	}
}

func TestLockUnlockLifecycle(t *testing.T) {
	st := store.NewInMemoryStore()
	ctx := context.Background()
	m := newMutex(t, st, "c1")

	if err := m.Lock(ctx); err != nil {
		t.Fatalf("lock: %v", err)
	}
	rec, found, _ := st.FindOne(ctx, "res")
	if !found || rec.Writer != "c1" || len(rec.Readers) != 0 {
		t.Fatalf("unexpected record %+v found %v", rec, found)
	}
	// Reentrant re-acquire by the holder.
	if err := m.Lock(ctx); err != nil {
		t.Fatalf("reentrant lock: %v", err)
	}
	if err := m.Unlock(ctx); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if _, found, _ := st.FindOne(ctx, "res"); found {
		t.Fatal("record should be deleted on full release")
	}
	if err := m.Unlock(ctx); !errors.Is(err, rwerrors.ErrNotHeld) {
		t.Fatalf("expected ErrNotHeld, got %v", err)
	}
}

func TestLockBlocksUntilUnlock(t *testing.T) {
	st := store.NewInMemoryStore()
	ctx := context.Background()
	m1 := newMutex(t, st, "1")
	m2 := newMutex(t, st, "2")

	if err := m1.Lock(ctx); err != nil {
		t.Fatalf("lock 1: %v", err)
	}
	acquired := make(chan error, 1)
	go func() {
		acquired <- m2.Lock(ctx)
	}()
	select {
	case err := <-acquired:
		t.Fatalf("client 2 acquired while 1 holds: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	if err := m1.Unlock(ctx); err != nil {
		t.Fatalf("unlock 1: %v", err)
	}
	select {
	case err := <-acquired:
		if err != nil {
			t.Fatalf("lock 2: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("client 2 did not acquire after release")
	}
	rec, _, _ := st.FindOne(ctx, "res")
	if rec.Writer != "2" || len(rec.Readers) != 0 {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestLockHonorsContextCancel(t *testing.T) {
	st := store.NewInMemoryStore()
	ctx := context.Background()
	m1 := newMutex(t, st, "1")
	m2 := newMutex(t, st, "2")
	if err := m1.Lock(ctx); err != nil {
		t.Fatalf("lock 1: %v", err)
	}
	cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := m2.Lock(cctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if time.Since(start) > 200*time.Millisecond {
		t.Fatal("lock did not respect context deadline")
	}
}

func TestRLockSharedAccess(t *testing.T) {
	st := store.NewInMemoryStore()
	ctx := context.Background()
	r1 := newMutex(t, st, "r1")
	r2 := newMutex(t, st, "r2")

	if err := r1.RLock(ctx); err != nil {
		t.Fatalf("rlock r1: %v", err)
	}
	if err := r2.RLock(ctx); err != nil {
		t.Fatalf("rlock r2: %v", err)
	}
	rec, _, _ := st.FindOne(ctx, "res")
	if rec.Writer != "" || len(rec.Readers) != 2 {
		t.Fatalf("unexpected record %+v", rec)
	}
	// A writer must not slip in while readers hold.
	w := newMutex(t, st, "w")
	cctx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	if err := w.Lock(cctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected writer to block, got %v", err)
	}
	// Partial release retains the record with the remaining reader.
	if err := r1.RUnlock(ctx); err != nil {
		t.Fatalf("runlock r1: %v", err)
	}
	rec, found, _ := st.FindOne(ctx, "res")
	if !found || len(rec.Readers) != 1 || rec.Readers[0] != "r2" {
		t.Fatalf("unexpected record %+v found %v", rec, found)
	}
	// Final release deletes the record.
	if err := r2.RUnlock(ctx); err != nil {
		t.Fatalf("runlock r2: %v", err)
	}
	if _, found, _ := st.FindOne(ctx, "res"); found {
		t.Fatal("record should be deleted on last release")
	}
}

func TestRLockReentrant(t *testing.T) {
	st := store.NewInMemoryStore()
	ctx := context.Background()
	r := newMutex(t, st, "r1")
	if err := r.RLock(ctx); err != nil {
		t.Fatalf("rlock: %v", err)
	}
	if err := r.RLock(ctx); err != nil {
		t.Fatalf("reentrant rlock: %v", err)
	}
	rec, _, _ := st.FindOne(ctx, "res")
	if len(rec.Readers) != 1 {
		t.Fatalf("reader set grew on re-entry: %v", rec.Readers)
	}
	if err := r.RUnlock(ctx); err != nil {
		t.Fatalf("runlock: %v", err)
	}
	if _, found, _ := st.FindOne(ctx, "res"); found {
		t.Fatal("record should be deleted")
	}
	if err := r.RUnlock(ctx); !errors.Is(err, rwerrors.ErrNotHeld) {
		t.Fatalf("expected ErrNotHeld, got %v", err)
	}
}

func TestWriterExcludesReaders(t *testing.T) {
	st := store.NewInMemoryStore()
	ctx := context.Background()
	w := newMutex(t, st, "w")
	r := newMutex(t, st, "r1")
	if err := w.Lock(ctx); err != nil {
		t.Fatalf("lock: %v", err)
	}
	cctx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	if err := r.RLock(cctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected reader to block, got %v", err)
	}
	if err := w.Unlock(ctx); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if err := r.RLock(ctx); err != nil {
		t.Fatalf("rlock after release: %v", err)
	}
}

func TestMutualExclusionStress(t *testing.T) {
	st := store.NewInMemoryStore()
	ctx := context.Background()
	const workers = 8
	const rounds = 20
	counter := 0

	var g errgroup.Group
	for i := 0; i < workers; i++ {
		m := newMutex(t, st, "client-"+string(rune('a'+i)))
		g.Go(func() error {
			for j := 0; j < rounds; j++ {
				if err := m.Lock(ctx); err != nil {
					return err
				}
				counter++
				if err := m.Unlock(ctx); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("worker: %v", err)
	}
	if counter != workers*rounds {
		t.Fatalf("lost updates: got %d want %d", counter, workers*rounds)
	}
}

func TestWakeBusWakesWaiter(t *testing.T) {
	st := store.NewInMemoryStore()
	bus := wakebus.NewInMemoryBus()
	ctx := context.Background()
	// Long sleep interval: without the wake the waiter would stay blocked
	// well past the assertion window.
	m1 := newMutex(t, st, "1", WithWakeBus(bus), WithSleepTime(5*time.Second))
	m2 := newMutex(t, st, "2", WithWakeBus(bus), WithSleepTime(5*time.Second))

	if err := m1.Lock(ctx); err != nil {
		t.Fatalf("lock 1: %v", err)
	}
	acquired := make(chan error, 1)
	go func() {
		acquired <- m2.Lock(ctx)
	}()
	time.Sleep(50 * time.Millisecond) // let the waiter subscribe
	if err := m1.Unlock(ctx); err != nil {
		t.Fatalf("unlock 1: %v", err)
	}
	select {
	case err := <-acquired:
		if err != nil {
			t.Fatalf("lock 2: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("wake did not arrive, waiter still sleeping")
	}
}

// A waiter retrying against a held lock must not grow goroutine count with
// the number of retries; the wake subscription spans the whole acquisition.
func TestBlockedWaiterDoesNotLeakGoroutines(t *testing.T) {
	st := store.NewInMemoryStore()
	bus := wakebus.NewInMemoryBus()
	ctx := context.Background()
	m1 := newMutex(t, st, "1", WithWakeBus(bus), WithSleepTime(time.Millisecond))
	m2 := newMutex(t, st, "2", WithWakeBus(bus), WithSleepTime(time.Millisecond))

	if err := m1.Lock(ctx); err != nil {
		t.Fatalf("lock 1: %v", err)
	}
	before := runtime.NumGoroutine()
	acquired := make(chan error, 1)
	go func() {
		acquired <- m2.Lock(ctx)
	}()
	// Hundreds of 1ms retry iterations.
	time.Sleep(300 * time.Millisecond)
	during := runtime.NumGoroutine()
	if during > before+5 {
		t.Fatalf("goroutines grew with retries: before %d during %d", before, during)
	}
	if err := m1.Unlock(ctx); err != nil {
		t.Fatalf("unlock 1: %v", err)
	}
	if err := <-acquired; err != nil {
		t.Fatalf("lock 2: %v", err)
	}
	if err := m2.Unlock(ctx); err != nil {
		t.Fatalf("unlock 2: %v", err)
	}
}

func TestWatchBusReceivesTransitions(t *testing.T) {
	st := store.NewInMemoryStore()
	wb := watchbus.NewInMemory()
	ctx := context.Background()
	ch, err := wb.Watch(ctx, "res")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	m := newMutex(t, st, "c1", WithWatchBus(wb))
	if err := m.Lock(ctx); err != nil {
		t.Fatalf("lock: %v", err)
	}
	select {
	case msg := <-ch:
		if !bytes.Contains(msg, []byte(`"state":"acquired"`)) {
			t.Fatalf("unexpected event %s", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("no acquire event")
	}
	if err := m.Unlock(ctx); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	select {
	case msg := <-ch:
		if !bytes.Contains(msg, []byte(`"state":"released"`)) {
			t.Fatalf("unexpected event %s", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("no release event")
	}
}

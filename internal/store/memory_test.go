package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/duolink/duolink/internal/session"
)

// fakeClock is a manually advanced clock shared by expiry tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestMemoryStore_CreateAndGet(t *testing.T) {
	clock := newFakeClock()
	s := NewMemoryStore(clock.Now)
	ctx := context.Background()

	sess, err := s.Create(ctx, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if sess.ID == "" {
		t.Fatal("expected non-empty session id")
	}
	if got := sess.Status(); got != session.StatusOpen {
		t.Fatalf("expected OPEN, got %s", got)
	}

	got, err := s.Get(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != sess.ID || got.ParticipantCount != 0 {
		t.Fatalf("unexpected record %+v", got)
	}

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestMemoryStore_StatusTracksCount(t *testing.T) {
	clock := newFakeClock()
	s := NewMemoryStore(clock.Now)
	ctx := context.Background()

	sess, err := s.Create(ctx, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	want := []session.Status{session.StatusJoined, session.StatusClosed}
	for i, status := range want {
		joined, err := s.Join(ctx, sess.ID)
		if err != nil {
			t.Fatalf("join %d: %v", i+1, err)
		}
		if joined.ParticipantCount != i+1 {
			t.Fatalf("join %d: count = %d", i+1, joined.ParticipantCount)
		}
		if joined.Status() != status {
			t.Fatalf("join %d: status = %s, want %s", i+1, joined.Status(), status)
		}
	}

	if _, err := s.Join(ctx, sess.ID); !errors.Is(err, ErrSessionFull) {
		t.Fatalf("third join: expected ErrSessionFull, got %v", err)
	}
}

func TestMemoryStore_ConcurrentJoinNeverExceedsCap(t *testing.T) {
	clock := newFakeClock()
	s := NewMemoryStore(clock.Now)
	ctx := context.Background()

	sess, err := s.Create(ctx, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	const callers = 32
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.Join(ctx, sess.ID)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrSessionFull):
		default:
			t.Fatalf("unexpected join error: %v", err)
		}
	}
	if wins != session.MaxParticipants {
		t.Fatalf("expected exactly %d successful joins, got %d", session.MaxParticipants, wins)
	}

	got, err := s.Get(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ParticipantCount != session.MaxParticipants {
		t.Fatalf("participant count = %d", got.ParticipantCount)
	}
}

func TestMemoryStore_LeaveFloorsAtZero(t *testing.T) {
	clock := newFakeClock()
	s := NewMemoryStore(clock.Now)
	ctx := context.Background()

	sess, err := s.Create(ctx, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Join(ctx, sess.ID); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if err := s.Leave(ctx, sess.ID); err != nil {
			t.Fatalf("leave %d: %v", i+1, err)
		}
	}

	got, err := s.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("leave must not delete the record: %v", err)
	}
	if got.ParticipantCount != 0 {
		t.Fatalf("participant count = %d, want 0", got.ParticipantCount)
	}
	if got.Status() != session.StatusOpen {
		t.Fatalf("status = %s, want OPEN", got.Status())
	}
}

func TestMemoryStore_ExpiryIsPassiveAndSelfHealing(t *testing.T) {
	clock := newFakeClock()
	s := NewMemoryStore(clock.Now)
	ctx := context.Background()

	sess, err := s.Create(ctx, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}

	clock.Advance(6 * time.Second)

	if _, err := s.Get(ctx, sess.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("get after expiry: expected ErrSessionNotFound, got %v", err)
	}
	if _, err := s.Join(ctx, sess.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("join after expiry: expected ErrSessionNotFound, got %v", err)
	}
	// Compensating leaves after expiry are a silent no-op.
	if err := s.Leave(ctx, sess.ID); err != nil {
		t.Fatalf("leave after expiry: %v", err)
	}
}

func TestMemoryStore_Delete(t *testing.T) {
	clock := newFakeClock()
	s := NewMemoryStore(clock.Now)
	ctx := context.Background()

	sess, err := s.Create(ctx, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, sess.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, sess.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

package store

import (
	"context"
	"sync"
	"time"

	"github.com/duolink/duolink/internal/session"
)

// MemoryStore is a process-local Store for tests and single-node deployments.
//
// Expiry is purely passive, matching the TTL backends: nothing sweeps the map,
// every read re-checks the logical expiry and self-deletes.
type MemoryStore struct {
	now func() time.Time

	mu       sync.Mutex
	sessions map[string]session.Session
}

// NewMemoryStore returns an empty in-memory store. now may be nil, in which
// case time.Now is used; tests inject a fake clock to exercise expiry without
// sleeping.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:      now,
		sessions: make(map[string]session.Session),
	}
}

func (m *MemoryStore) Create(ctx context.Context, expiry time.Duration) (session.Session, error) {
	if err := ctx.Err(); err != nil {
		return session.Session{}, err
	}
	now := m.now()
	sess := session.Session{
		ID:        session.NewID(),
		CreatedAt: now,
		ExpiresAt: now.Add(expiry),
	}

	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()
	return sess, nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (session.Session, error) {
	if err := ctx.Err(); err != nil {
		return session.Session{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.liveLocked(id)
}

func (m *MemoryStore) Join(ctx context.Context, id string) (session.Session, error) {
	if err := ctx.Err(); err != nil {
		return session.Session{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, err := m.liveLocked(id)
	if err != nil {
		return session.Session{}, err
	}
	if sess.Full() {
		return session.Session{}, ErrSessionFull
	}
	sess.ParticipantCount++
	m.sessions[id] = sess
	return sess, nil
}

func (m *MemoryStore) Leave(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, err := m.liveLocked(id)
	if err != nil {
		// Leaving a vanished session is a no-op, not an error: the compensating
		// leave issued by relay reconciliation may arrive after natural expiry.
		return nil
	}
	if sess.ParticipantCount > 0 {
		sess.ParticipantCount--
	}
	m.sessions[id] = sess
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Close() error { return nil }

// liveLocked returns the unexpired record for id, deleting it if the logical
// expiry has passed. Callers must hold mu.
func (m *MemoryStore) liveLocked(id string) (session.Session, error) {
	sess, ok := m.sessions[id]
	if !ok {
		return session.Session{}, ErrSessionNotFound
	}
	if sess.Expired(m.now()) {
		delete(m.sessions, id)
		return session.Session{}, ErrSessionNotFound
	}
	return sess, nil
}

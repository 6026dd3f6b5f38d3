package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v3"

	"github.com/duolink/duolink/internal/session"
)

// joinRetries bounds how often Join replays its transaction after a write
// conflict with a concurrent Join on the same key.
const joinRetries = 8

var keyPrefix = []byte("session/")

// errExpiredRecord reports that liveRecord found a logically expired record
// and staged its deletion in the current transaction. The enclosing Update
// must return nil so the delete commits; callers translate the marker to
// ErrSessionNotFound outside the transaction.
var errExpiredRecord = errors.New("record logically expired")

// BadgerStore persists sessions in Badger with native TTL entries.
//
// Badger transactions are serializable with conflict detection, which gives
// Join the single-conditional-update semantics the capacity invariant needs:
// two concurrent Joins against the last free slot conflict, one retries,
// re-reads the count and is rejected.
type BadgerStore struct {
	db  *badger.DB
	now func() time.Time
}

// BadgerConfig configures a BadgerStore.
type BadgerConfig struct {
	// Dir is the on-disk location of the database. Empty means in-memory,
	// which keeps the TTL machinery but loses data across restarts.
	Dir string

	// SyncWrites forces fsync on every commit.
	SyncWrites bool
}

// NewBadgerStore opens (or creates) the database at cfg.Dir.
func NewBadgerStore(cfg BadgerConfig, logger *slog.Logger) (*BadgerStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := badger.DefaultOptions(cfg.Dir)
	opts.InMemory = cfg.Dir == ""
	opts.SyncWrites = cfg.SyncWrites
	opts.Logger = &badgerLogger{logger: logger.With("component", "badger")}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: open: %v", ErrStoreUnavailable, err)
	}

	logger.Info("session store opened", "backend", "badger", "dir", cfg.Dir, "in_memory", opts.InMemory)
	return &BadgerStore{db: db, now: time.Now}, nil
}

func (s *BadgerStore) Create(ctx context.Context, expiry time.Duration) (session.Session, error) {
	if err := ctx.Err(); err != nil {
		return session.Session{}, err
	}
	now := s.now()
	sess := session.Session{
		ID:        session.NewID(),
		CreatedAt: now,
		ExpiresAt: now.Add(expiry),
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		return writeRecord(txn, sess, expiry)
	})
	if err != nil {
		return session.Session{}, storeErr("create", err)
	}
	return sess, nil
}

func (s *BadgerStore) Get(ctx context.Context, id string) (session.Session, error) {
	if err := ctx.Err(); err != nil {
		return session.Session{}, err
	}

	var sess session.Session
	var expired bool
	err := s.db.Update(func(txn *badger.Txn) error {
		var err error
		sess, err = s.liveRecord(txn, id)
		if errors.Is(err, errExpiredRecord) {
			expired = true
			return nil
		}
		return err
	})
	if err != nil {
		return session.Session{}, storeErr("get", err)
	}
	if expired {
		return session.Session{}, ErrSessionNotFound
	}
	return sess, nil
}

func (s *BadgerStore) Join(ctx context.Context, id string) (session.Session, error) {
	var sess session.Session

	for attempt := 0; attempt < joinRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return session.Session{}, err
		}

		var expired bool
		err := s.db.Update(func(txn *badger.Txn) error {
			cur, err := s.liveRecord(txn, id)
			if errors.Is(err, errExpiredRecord) {
				expired = true
				return nil
			}
			if err != nil {
				return err
			}
			if cur.Full() {
				return ErrSessionFull
			}
			cur.ParticipantCount++
			sess = cur
			return writeRecord(txn, cur, cur.Remaining(s.now()))
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		if err != nil {
			return session.Session{}, storeErr("join", err)
		}
		if expired {
			return session.Session{}, ErrSessionNotFound
		}
		return sess, nil
	}

	return session.Session{}, fmt.Errorf("%w: join: too many conflicts", ErrStoreUnavailable)
}

func (s *BadgerStore) Leave(ctx context.Context, id string) error {
	for attempt := 0; attempt < joinRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		var expired bool
		err := s.db.Update(func(txn *badger.Txn) error {
			cur, err := s.liveRecord(txn, id)
			if errors.Is(err, errExpiredRecord) {
				expired = true
				return nil
			}
			if err != nil {
				return err
			}
			if cur.ParticipantCount > 0 {
				cur.ParticipantCount--
			}
			return writeRecord(txn, cur, cur.Remaining(s.now()))
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		if errors.Is(err, ErrSessionNotFound) || expired {
			// A compensating leave may land after natural expiry; nothing to do.
			return nil
		}
		return storeErr("leave", err)
	}

	return fmt.Errorf("%w: leave: too many conflicts", ErrStoreUnavailable)
}

func (s *BadgerStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(recordKey(id))
	})
	return storeErr("delete", err)
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// liveRecord reads the record for id inside txn. When the logical expiry has
// passed it stages a delete and returns errExpiredRecord; the caller must let
// the transaction commit for the delete to stick. Badger's own TTL usually
// removes expired entries first; the logical check self-heals against drift
// between the two clocks.
func (s *BadgerStore) liveRecord(txn *badger.Txn, id string) (session.Session, error) {
	item, err := txn.Get(recordKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return session.Session{}, ErrSessionNotFound
	}
	if err != nil {
		return session.Session{}, err
	}

	var sess session.Session
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &sess)
	}); err != nil {
		return session.Session{}, err
	}

	if sess.Expired(s.now()) {
		if err := txn.Delete(recordKey(id)); err != nil {
			return session.Session{}, err
		}
		return session.Session{}, errExpiredRecord
	}
	return sess, nil
}

func writeRecord(txn *badger.Txn, sess session.Session, ttl time.Duration) error {
	val, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	entry := badger.NewEntry(recordKey(sess.ID), val)
	if ttl > 0 {
		entry = entry.WithTTL(ttl)
	}
	return txn.SetEntry(entry)
}

func recordKey(id string) []byte {
	return append(append([]byte(nil), keyPrefix...), id...)
}

// storeErr keeps the package sentinels intact and wraps everything else as a
// backend failure.
func storeErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrSessionFull):
		return err
	default:
		return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
	}
}

// badgerLogger adapts slog to Badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

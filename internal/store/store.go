// Package store implements the coordinator's persistence engine: a
// single-file ACID key/value store with FIFO lists, a score-ordered set,
// and sweep-based key expiry, built on bolt's single-writer/multi-reader
// transactions.
package store

import (
	"fmt"
	"log/slog"
	"math"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketKV       = []byte("kv")
	bucketLists    = []byte("lists")
	bucketSets     = []byte("zsets")
	bucketSetIdx   = []byte("zidx")
	bucketInternal = []byte("internal")
)

// ttlSet is the reserved sorted set indexing key expiry times.
const ttlSet = "__ttl"

// Store owns the database file. All access goes through Update and View
// closures; bolt serializes writers internally, so command handlers never
// race on shared state.
type Store struct {
	db     *bolt.DB
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for sweep and lifecycle messages.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// Open opens or creates the database file and prepares the root buckets.
// The file is exclusively locked; a second process opening it fails after
// the lock timeout.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	s := &Store{db: db, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	err = db.Update(func(btx *bolt.Tx) error {
		for _, name := range [][]byte{bucketKV, bucketLists, bucketSets, bucketSetIdx, bucketInternal} {
			if _, err := btx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare store: %w", err)
	}
	return s, nil
}

// Close releases the database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.db.Path()
}

// Update runs fn inside a read-write transaction. Every mutation fn makes
// commits atomically or not at all.
func (s *Store) Update(fn func(tx *Tx) error) error {
	return s.db.Update(func(btx *bolt.Tx) error {
		return fn(&Tx{btx: btx})
	})
}

// View runs fn inside a read-only transaction. Readers never block the
// writer and observe a consistent snapshot.
func (s *Store) View(fn func(tx *Tx) error) error {
	return s.db.View(func(btx *bolt.Tx) error {
		return fn(&Tx{btx: btx})
	})
}

// Get reads a single key outside any caller transaction.
func (s *Store) Get(key string) ([]byte, bool, error) {
	var (
		val []byte
		ok  bool
	)
	err := s.View(func(tx *Tx) error {
		val, ok = tx.Get(key)
		return nil
	})
	return val, ok, err
}

// Set writes a single key outside any caller transaction.
func (s *Store) Set(key string, value []byte) error {
	return s.Update(func(tx *Tx) error {
		return tx.Set(key, value)
	})
}

// ListLen reports a list's length outside any caller transaction.
func (s *Store) ListLen(list string) (int, error) {
	var n int
	err := s.View(func(tx *Tx) error {
		n = tx.ListLen(list)
		return nil
	})
	return n, err
}

// SweepExpired deletes every key whose recorded expiry is at or before now,
// all inside one transaction. When onExpire is non-nil it runs inside that
// same transaction for each expired key before the deletes commit, so
// reactions to an expiry are atomic with it. Returns the expired keys.
func (s *Store) SweepExpired(now time.Time, onExpire func(tx *Tx, key string) error) ([]string, error) {
	var expired []string
	err := s.Update(func(tx *Tx) error {
		due := tx.ZRangeByScore(ttlSet, math.MinInt64, now.UnixNano())
		for _, entry := range due {
			key := entry.Member
			if onExpire != nil {
				if err := onExpire(tx, key); err != nil {
					return fmt.Errorf("expire %s: %w", key, err)
				}
			}
			// Delete drops the expiry marker along with the key.
			if err := tx.Delete(key); err != nil {
				return err
			}
			expired = append(expired, key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(expired) > 0 {
		s.logger.Debug("swept expired keys", slog.Int("count", len(expired)))
	}
	return expired, nil
}

package patterns

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v3"
)

// sweeper periodically evicts expired entries under one key prefix. Each
// primitive owns its own sweeper and period. The scan runs in a read
// transaction and deletions in separate per-key writes, so no lock is held
// across the full pass; reads recheck expiry themselves to close the gap
// between sweeps.
type sweeper struct {
	name     string
	interval time.Duration
	db       *badger.DB
	prefix   string
	logger   *slog.Logger

	// expired decides eviction from the stored value.
	expired func(value []byte) bool

	// onEvict, when set, observes each evicted entry after deletion.
	onEvict func(key string, value []byte)
}

func (s *sweeper) run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.sweep(); err != nil {
				s.logger.Error("sweep pass failed", "sweeper", s.name, "error", err)
			}
		}
	}
}

func (s *sweeper) sweep() error {
	var candidates []string
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(s.prefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			value, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			if s.expired(value) {
				candidates = append(candidates, string(it.Item().Key()))
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	evicted := 0
	for _, key := range candidates {
		gone, err := s.evict(key)
		if err != nil {
			return err
		}
		if gone {
			evicted++
		}
	}

	if evicted > 0 {
		s.logger.Debug("sweep evicted entries", "sweeper", s.name, "count", evicted)
	}
	return nil
}

// evict deletes one candidate, rechecking expiry inside the write transaction.
// A writer may have replaced the entry since the scan; a live replacement, a
// vanished key, or a conflicting commit all leave the store untouched.
func (s *sweeper) evict(key string) (bool, error) {
	var value []byte
	deleted := false

	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		value, err = item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if !s.expired(value) {
			return nil
		}

		deleted = true
		return txn.Delete([]byte(key))
	})
	if errors.Is(err, badger.ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if deleted && s.onEvict != nil {
		s.onEvict(key, value)
	}
	return deleted, nil
}

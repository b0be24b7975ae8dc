package patterns

import (
	"errors"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v3"

	"github.com/eleven-am/weave/internal/domain"
	"github.com/eleven-am/weave/internal/xjson"
)

// IdempotentReceiver deduplicates at-least-once deliveries. Check is an
// atomic check-and-insert: the first call for a key within the window records
// it and reports no duplicate; every later call before expiry reports one.
type IdempotentReceiver struct {
	db     *badger.DB
	logger *slog.Logger
}

func NewIdempotentReceiver(db *badger.DB, logger *slog.Logger) *IdempotentReceiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &IdempotentReceiver{
		db:     db,
		logger: logger.With("component", "idempotent-receiver"),
	}
}

func (r *IdempotentReceiver) Check(key string, window time.Duration) (bool, error) {
	storageKey := []byte(domain.IdempotencyKey(key))
	duplicate := false

	err := r.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(storageKey)
		if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		if err == nil {
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}

			var record domain.IdempotencyRecord
			if err := xjson.Unmarshal(raw, &record); err != nil {
				return err
			}

			// A live record means duplicate; an expired-but-unswept one is
			// replaced, opening a fresh window.
			if !record.IsExpired() {
				duplicate = true
				return nil
			}
		}

		now := time.Now().UTC()
		record := domain.IdempotencyRecord{
			Key:         key,
			FirstSeenAt: now,
			ExpiresAt:   now.Add(window),
		}

		raw, err := xjson.Marshal(record)
		if err != nil {
			return err
		}
		return txn.Set(storageKey, raw)
	})

	// Two concurrent first calls race on the insert; the loser's transaction
	// conflicts, which means someone else recorded the key first.
	if errors.Is(err, badger.ErrConflict) {
		return true, nil
	}
	if err != nil {
		return false, err
	}

	if duplicate {
		r.logger.Debug("duplicate message detected", "key", key)
	}
	return duplicate, nil
}

func (r *IdempotentReceiver) newSweeper(interval time.Duration) *sweeper {
	return &sweeper{
		name:     "idempotent-receiver",
		interval: interval,
		db:       r.db,
		prefix:   domain.IdempotencyPrefix,
		logger:   r.logger,
		expired: func(value []byte) bool {
			var record domain.IdempotencyRecord
			if err := xjson.Unmarshal(value, &record); err != nil {
				return true
			}
			return record.IsExpired()
		},
	}
}

package tokens

import (
	"errors"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v3"

	"github.com/eleven-am/weave/internal/domain"
	"github.com/eleven-am/weave/internal/xjson"
)

// CallbackRegistry stores resumption capabilities for suspended runs, e.g.
// human task completion. Validation consumes: a callback authorizes exactly
// one resume.
type CallbackRegistry struct {
	db     *badger.DB
	logger *slog.Logger
}

func NewCallbackRegistry(db *badger.DB, logger *slog.Logger) *CallbackRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &CallbackRegistry{
		db:     db,
		logger: logger.With("component", "callback-registry"),
	}
}

func (r *CallbackRegistry) Store(registration domain.CallbackRegistration) error {
	raw, err := xjson.Marshal(registration)
	if err != nil {
		return err
	}

	ttl := time.Until(registration.ExpiresAt)
	if ttl <= 0 {
		return domain.NewValidationError("callback registration already expired", map[string]interface{}{
			"run_id": registration.RunID.String(),
		})
	}

	err = r.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(domain.CallbackKey(registration.RunID, registration.Token)), raw).
			WithTTL(ttl)
		return txn.SetEntry(entry)
	})
	if err != nil {
		return err
	}

	r.logger.Debug("callback registered",
		"run_id", registration.RunID, "expires_at", registration.ExpiresAt)
	return nil
}

func (r *CallbackRegistry) Validate(runID domain.WorkflowRunID, token string) error {
	key := []byte(domain.CallbackKey(runID, token))

	err := r.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return domain.ErrCallbackNotFound
			}
			return err
		}

		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}

		var registration domain.CallbackRegistration
		if err := xjson.Unmarshal(raw, &registration); err != nil {
			return err
		}

		if registration.IsExpired() {
			return domain.ErrTokenExpired
		}

		// Single use: validation deletes the registration.
		return txn.Delete(key)
	})

	if errors.Is(err, badger.ErrConflict) {
		err = domain.ErrCallbackNotFound
	}
	return err
}

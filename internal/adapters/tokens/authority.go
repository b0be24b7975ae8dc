package tokens

import (
	"errors"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v3"

	"github.com/eleven-am/weave/internal/domain"
	"github.com/eleven-am/weave/internal/xjson"
)

// retentionGrace keeps settled token records around past their expiry so a
// late duplicate report is rejected as consumed rather than unknown.
const retentionGrace = time.Hour

// Authority mints and settles execution tokens. Records live in badger keyed
// by nonce, with a per-run index for bulk invalidation on cancel.
type Authority struct {
	db     *badger.DB
	logger *slog.Logger
}

func NewAuthority(db *badger.DB, logger *slog.Logger) *Authority {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authority{
		db:     db,
		logger: logger.With("component", "token-authority"),
	}
}

func (a *Authority) Mint(runID domain.WorkflowRunID, nodeID domain.NodeID, attempt int, ttl time.Duration) (domain.ExecutionToken, error) {
	token := domain.NewExecutionToken(runID, nodeID, attempt, ttl)
	record := domain.TokenRecord{Token: token}

	raw, err := xjson.Marshal(record)
	if err != nil {
		return domain.ExecutionToken{}, err
	}

	err = a.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(domain.TokenKey(token.Nonce)), raw).
			WithTTL(ttl + retentionGrace)
		if err := txn.SetEntry(entry); err != nil {
			return err
		}

		index := badger.NewEntry([]byte(domain.TokenRunIndexKey(runID, token.Nonce)), nil).
			WithTTL(ttl + retentionGrace)
		return txn.SetEntry(index)
	})
	if err != nil {
		return domain.ExecutionToken{}, err
	}

	a.logger.Debug("token minted",
		"run_id", runID, "node_id", nodeID, "attempt", attempt, "expires_at", token.ExpiresAt)
	return token, nil
}

func (a *Authority) Validate(token domain.ExecutionToken) error {
	return a.db.View(func(txn *badger.Txn) error {
		record, err := readRecord(txn, token.Nonce)
		if err != nil {
			return err
		}
		return checkRecord(record, token)
	})
}

// Consume performs validation and single-use exhaustion in one transaction.
// Two concurrent consumers of the same token race on the record write; the
// loser's transaction conflicts and is reported as already consumed.
func (a *Authority) Consume(token domain.ExecutionToken) error {
	err := a.db.Update(func(txn *badger.Txn) error {
		record, err := readRecord(txn, token.Nonce)
		if err != nil {
			return err
		}

		if err := checkRecord(record, token); err != nil {
			return err
		}

		now := time.Now().UTC()
		record.Consumed = true
		record.ConsumedAt = &now

		raw, err := xjson.Marshal(record)
		if err != nil {
			return err
		}

		entry := badger.NewEntry([]byte(domain.TokenKey(token.Nonce)), raw).
			WithTTL(retentionGrace)
		return txn.SetEntry(entry)
	})

	if errors.Is(err, badger.ErrConflict) {
		err = domain.ErrTokenConsumed
	}

	if err != nil {
		if domain.IsStaleToken(err) {
			a.logger.Debug("stale token rejected",
				"run_id", token.RunID, "node_id", token.NodeID, "attempt", token.Attempt, "error", err)
		}
		return err
	}

	a.logger.Debug("token consumed",
		"run_id", token.RunID, "node_id", token.NodeID, "attempt", token.Attempt)
	return nil
}

// InvalidateRun removes every live token for the run so late executor
// reports are rejected as stale. Cancel does not wait for in-flight work.
func (a *Authority) InvalidateRun(runID domain.WorkflowRunID) error {
	prefix := []byte(domain.TokenRunIndexPrefix(runID))

	var nonces []string
	err := a.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := string(it.Item().Key())
			nonces = append(nonces, key[len(prefix):])
		}
		return nil
	})
	if err != nil {
		return err
	}

	err = a.db.Update(func(txn *badger.Txn) error {
		for _, nonce := range nonces {
			if err := txn.Delete([]byte(domain.TokenKey(nonce))); err != nil {
				return err
			}
			if err := txn.Delete([]byte(domain.TokenRunIndexKey(runID, nonce))); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	a.logger.Debug("run tokens invalidated", "run_id", runID, "count", len(nonces))
	return nil
}

func readRecord(txn *badger.Txn, nonce string) (domain.TokenRecord, error) {
	item, err := txn.Get([]byte(domain.TokenKey(nonce)))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return domain.TokenRecord{}, domain.ErrTokenNotFound
		}
		return domain.TokenRecord{}, err
	}

	raw, err := item.ValueCopy(nil)
	if err != nil {
		return domain.TokenRecord{}, err
	}

	var record domain.TokenRecord
	if err := xjson.Unmarshal(raw, &record); err != nil {
		return domain.TokenRecord{}, err
	}
	return record, nil
}

func checkRecord(record domain.TokenRecord, token domain.ExecutionToken) error {
	if record.Consumed {
		return domain.ErrTokenConsumed
	}
	if record.Token.IsExpired() {
		return domain.ErrTokenExpired
	}
	if !record.Token.Matches(token.RunID, token.NodeID, token.Attempt) {
		return domain.ErrTokenMismatch
	}
	return nil
}

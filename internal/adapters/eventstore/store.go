package eventstore

import (
	"errors"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v3"

	"github.com/eleven-am/weave/internal/domain"
	"github.com/eleven-am/weave/internal/xjson"
)

// Store is the badger-backed event log. The per-run version key is read and
// compared inside the same transaction that writes the events, so a lost
// update surfaces as a VersionConflictError instead of a silent reorder.
type Store struct {
	db     *badger.DB
	logger *slog.Logger
}

func New(db *badger.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:     db,
		logger: logger.With("component", "event-store"),
	}
}

// Append commits all events atomically with contiguous sequence numbers
// starting at expectedVersion+1 and returns the stamped events. No internal
// retry: conflicts go back to the caller, which reloads and reapplies.
func (s *Store) Append(runID domain.WorkflowRunID, events []domain.ExecutionEvent, expectedVersion int64) ([]domain.ExecutionEvent, error) {
	if len(events) == 0 {
		return nil, domain.NewValidationError("append requires at least one event", nil)
	}

	stamped := make([]domain.ExecutionEvent, len(events))

	err := s.db.Update(func(txn *badger.Txn) error {
		current, err := readVersion(txn, runID)
		if err != nil {
			return err
		}

		if current != expectedVersion {
			return domain.NewVersionConflictError(runID, expectedVersion, current)
		}

		for i, ev := range events {
			ev.RunID = runID
			ev.SequenceNumber = expectedVersion + int64(i) + 1
			if ev.OccurredAt.IsZero() {
				ev.OccurredAt = time.Now().UTC()
			}

			raw, err := xjson.Marshal(ev)
			if err != nil {
				return err
			}

			if err := txn.Set([]byte(domain.RunEventKey(runID, ev.SequenceNumber)), raw); err != nil {
				return err
			}

			stamped[i] = ev
		}

		newVersion := expectedVersion + int64(len(events))
		return writeVersion(txn, runID, newVersion)
	})

	if err != nil {
		// Badger's SSI detects two transactions racing the same version key;
		// that is the same lost update the explicit check guards against.
		if errors.Is(err, badger.ErrConflict) {
			err = domain.NewVersionConflictError(runID, expectedVersion, -1)
		}
		if domain.IsVersionConflict(err) {
			s.logger.Debug("append rejected on version conflict",
				"run_id", runID, "expected_version", expectedVersion)
		} else {
			s.logger.Error("append failed",
				"run_id", runID, "expected_version", expectedVersion, "error", err)
		}
		return nil, err
	}

	s.logger.Debug("events appended",
		"run_id", runID, "count", len(stamped), "new_version", expectedVersion+int64(len(stamped)))
	return stamped, nil
}

func (s *Store) GetEvents(runID domain.WorkflowRunID) ([]domain.ExecutionEvent, error) {
	return s.scan(runID, domain.RunEventPrefix(runID), "")
}

func (s *Store) GetEventsAfterVersion(runID domain.WorkflowRunID, version int64) ([]domain.ExecutionEvent, error) {
	return s.scan(runID, domain.RunEventPrefix(runID), domain.RunEventKey(runID, version+1))
}

func (s *Store) GetEventsByType(runID domain.WorkflowRunID, eventType domain.EventType) ([]domain.ExecutionEvent, error) {
	events, err := s.scan(runID, domain.RunEventPrefix(runID), "")
	if err != nil {
		return nil, err
	}

	filtered := events[:0]
	for _, ev := range events {
		if ev.Type == eventType {
			filtered = append(filtered, ev)
		}
	}
	return filtered, nil
}

func (s *Store) CurrentVersion(runID domain.WorkflowRunID) (int64, error) {
	var version int64
	err := s.db.View(func(txn *badger.Txn) error {
		v, err := readVersion(txn, runID)
		if err != nil {
			return err
		}
		version = v
		return nil
	})
	return version, err
}

func (s *Store) scan(runID domain.WorkflowRunID, prefix, seekKey string) ([]domain.ExecutionEvent, error) {
	var events []domain.ExecutionEvent

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		start := []byte(prefix)
		if seekKey != "" {
			start = []byte(seekKey)
		}

		for it.Seek(start); it.ValidForPrefix([]byte(prefix)); it.Next() {
			raw, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}

			var ev domain.ExecutionEvent
			if err := xjson.Unmarshal(raw, &ev); err != nil {
				return err
			}
			events = append(events, ev)
		}
		return nil
	})

	if err != nil {
		s.logger.Error("event scan failed", "run_id", runID, "error", err)
		return nil, err
	}
	return events, nil
}

func readVersion(txn *badger.Txn, runID domain.WorkflowRunID) (int64, error) {
	item, err := txn.Get([]byte(domain.RunVersionKey(runID)))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return 0, nil
		}
		return 0, err
	}

	raw, err := item.ValueCopy(nil)
	if err != nil {
		return 0, err
	}

	var version int64
	if err := xjson.Unmarshal(raw, &version); err != nil {
		return 0, err
	}
	return version, nil
}

func writeVersion(txn *badger.Txn, runID domain.WorkflowRunID, version int64) error {
	raw, err := xjson.Marshal(version)
	if err != nil {
		return err
	}
	return txn.Set([]byte(domain.RunVersionKey(runID)), raw)
}

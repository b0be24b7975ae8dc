package patterns

import (
	"errors"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/google/uuid"

	"github.com/eleven-am/weave/internal/domain"
	"github.com/eleven-am/weave/internal/xjson"
)

// MessageStore holds ephemeral payloads under generated ids until their
// retention elapses. An expired-but-unswept entry reads as not found and is
// evicted eagerly.
type MessageStore struct {
	db     *badger.DB
	logger *slog.Logger
}

func NewMessageStore(db *badger.DB, logger *slog.Logger) *MessageStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &MessageStore{
		db:     db,
		logger: logger.With("component", "message-store"),
	}
}

func (s *MessageStore) Store(payload xjson.RawMessage, retention time.Duration) (string, error) {
	now := time.Now().UTC()
	message := domain.StoredMessage{
		ID:        uuid.NewString(),
		Payload:   payload,
		StoredAt:  now,
		ExpiresAt: now.Add(retention),
	}

	raw, err := xjson.Marshal(message)
	if err != nil {
		return "", err
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(domain.MessageKey(message.ID)), raw)
	})
	if err != nil {
		return "", err
	}

	s.logger.Debug("message stored", "message_id", message.ID, "expires_at", message.ExpiresAt)
	return message.ID, nil
}

func (s *MessageStore) Retrieve(id string) (xjson.RawMessage, error) {
	key := []byte(domain.MessageKey(id))

	var message domain.StoredMessage
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return domain.ErrMessageNotFound
			}
			return err
		}

		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return xjson.Unmarshal(raw, &message)
	})
	if err != nil {
		return nil, err
	}

	if message.IsExpired() {
		if err := s.Delete(id); err != nil {
			s.logger.Warn("eager eviction failed", "message_id", id, "error", err)
		}
		return nil, domain.ErrMessageNotFound
	}

	return message.Payload, nil
}

func (s *MessageStore) Delete(id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(domain.MessageKey(id)))
	})
}

func (s *MessageStore) newSweeper(interval time.Duration) *sweeper {
	return &sweeper{
		name:     "message-store",
		interval: interval,
		db:       s.db,
		prefix:   domain.MessagePrefix,
		logger:   s.logger,
		expired: func(value []byte) bool {
			var message domain.StoredMessage
			if err := xjson.Unmarshal(value, &message); err != nil {
				return true
			}
			return message.IsExpired()
		},
	}
}

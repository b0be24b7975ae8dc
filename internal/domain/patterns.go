package domain

import (
	"time"

	"github.com/eleven-am/weave/internal/xjson"
)

// Aggregation accumulates messages for one correlation id until the expected
// count is reached or the entry expires. The timeout is fixed at creation;
// later adds never extend it.
type Aggregation struct {
	CorrelationID string             `json:"correlation_id"`
	Messages      []xjson.RawMessage `json:"messages"`
	ExpectedCount int                `json:"expected_count"`
	CreatedAt     time.Time          `json:"created_at"`
	ExpiresAt     time.Time          `json:"expires_at"`
}

func (a *Aggregation) IsComplete() bool {
	return a.ExpectedCount > 0 && len(a.Messages) >= a.ExpectedCount
}

func (a *Aggregation) IsExpired() bool {
	return !a.ExpiresAt.After(time.Now().UTC())
}

type AggregationConfig struct {
	ExpectedCount int           `json:"expected_count"`
	Timeout       time.Duration `json:"timeout"`
}

// TracePoint is a diagnostic marker; correlation traces are best effort and
// never authoritative for run state.
type TracePoint struct {
	RunID      WorkflowRunID `json:"run_id"`
	NodeID     NodeID        `json:"node_id"`
	RecordedAt time.Time     `json:"recorded_at"`
}

type CorrelationTrace struct {
	CorrelationID string       `json:"correlation_id"`
	TracePoints   []TracePoint `json:"trace_points"`
	StartedAt     time.Time    `json:"started_at"`
	ExpiresAt     time.Time    `json:"expires_at"`
}

func (t *CorrelationTrace) IsExpired() bool {
	return !t.ExpiresAt.After(time.Now().UTC())
}

// IdempotencyRecord is presence-only: a live record for a key means any
// further message with that key is a duplicate.
type IdempotencyRecord struct {
	Key         string    `json:"key"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func (r *IdempotencyRecord) IsExpired() bool {
	return !r.ExpiresAt.After(time.Now().UTC())
}

type StoredMessage struct {
	ID        string           `json:"id"`
	Payload   xjson.RawMessage `json:"payload"`
	StoredAt  time.Time        `json:"stored_at"`
	ExpiresAt time.Time        `json:"expires_at"`
}

func (m *StoredMessage) IsExpired() bool {
	return !m.ExpiresAt.After(time.Now().UTC())
}

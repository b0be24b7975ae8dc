package ports

import (
	"context"
	"time"

	"github.com/eleven-am/weave/internal/domain"
	"github.com/eleven-am/weave/internal/xjson"
)

// Aggregator accumulates messages per correlation id until the caller decides
// the batch is complete. A sweep eviction before the expected count is a
// partial-batch failure surfaced through the timeout callback, never a silent
// drop.
type Aggregator interface {
	Add(correlationID string, message xjson.RawMessage, config domain.AggregationConfig) (*domain.Aggregation, error)
	Remove(correlationID string) ([]xjson.RawMessage, error)
	Get(correlationID string) (*domain.Aggregation, bool, error)
}

// Correlator records diagnostic trace points. At-least-once is acceptable;
// traces are never authoritative.
type Correlator interface {
	Track(correlationID string, runID domain.WorkflowRunID, nodeID domain.NodeID) error
	Trace(correlationID string) (*domain.CorrelationTrace, bool, error)
}

// IdempotentReceiver performs an atomic check-and-insert: the first call for
// a key within the window returns duplicate=false and records it; every call
// before expiry returns duplicate=true.
type IdempotentReceiver interface {
	Check(key string, window time.Duration) (duplicate bool, err error)
}

// MessageStore is a TTL blob store keyed by generated id. Retrieval of an
// expired-but-unswept entry reports not-found and evicts eagerly.
type MessageStore interface {
	Store(payload xjson.RawMessage, retention time.Duration) (string, error)
	Retrieve(id string) (xjson.RawMessage, error)
	Delete(id string) error
}

// Channel is a named in-process unbounded FIFO. Channels are created lazily
// on first reference and live for the process lifetime.
type Channel interface {
	Send(name string, message xjson.RawMessage) error
	Receive(ctx context.Context, name string, timeout time.Duration) (xjson.RawMessage, error)
}

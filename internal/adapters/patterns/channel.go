package patterns

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/weave/internal/domain"
	"github.com/eleven-am/weave/internal/xjson"
)

// ChannelHub hosts named in-process FIFO channels. Channels are created
// lazily on first reference and live for the process lifetime; capacity is
// bounded only by memory.
type ChannelHub struct {
	mu     sync.Mutex
	queues map[string]*fifoQueue
	logger *slog.Logger
}

func NewChannelHub(logger *slog.Logger) *ChannelHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChannelHub{
		queues: make(map[string]*fifoQueue),
		logger: logger.With("component", "channel-hub"),
	}
}

func (h *ChannelHub) Send(name string, message xjson.RawMessage) error {
	h.queue(name).push(message)
	return nil
}

// Receive returns the next message in FIFO order, blocking up to timeout.
// A timeout of zero waits only on ctx.
func (h *ChannelHub) Receive(ctx context.Context, name string, timeout time.Duration) (xjson.RawMessage, error) {
	return h.queue(name).pop(ctx, timeout)
}

func (h *ChannelHub) queue(name string) *fifoQueue {
	h.mu.Lock()
	defer h.mu.Unlock()

	q, ok := h.queues[name]
	if !ok {
		q = &fifoQueue{}
		h.queues[name] = q
	}
	return q
}

// fifoQueue delivers messages to waiting receivers in arrival order. When a
// receiver is already parked, a send hands the message straight to it so the
// waiter queue and the message queue stay FIFO independently.
type fifoQueue struct {
	mu      sync.Mutex
	items   []xjson.RawMessage
	waiters []chan xjson.RawMessage
}

func (q *fifoQueue) push(message xjson.RawMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.waiters) > 0 {
		waiter := q.waiters[0]
		q.waiters = q.waiters[1:]

		select {
		case waiter <- message:
			return
		default:
			// Receiver gave up between registering and delivery.
		}
	}

	q.items = append(q.items, message)
}

func (q *fifoQueue) pop(ctx context.Context, timeout time.Duration) (xjson.RawMessage, error) {
	q.mu.Lock()
	if len(q.items) > 0 {
		message := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()
		return message, nil
	}

	waiter := make(chan xjson.RawMessage, 1)
	q.waiters = append(q.waiters, waiter)
	q.mu.Unlock()

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case message := <-waiter:
		return message, nil
	case <-deadline:
		return q.abandon(waiter, domain.ErrReceiveTimeout)
	case <-ctx.Done():
		return q.abandon(waiter, ctx.Err())
	}
}

// abandon removes the waiter, but a concurrent push may already have handed
// it a message; that message wins over the timeout.
func (q *fifoQueue) abandon(waiter chan xjson.RawMessage, cause error) (xjson.RawMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	select {
	case message := <-waiter:
		return message, nil
	default:
	}

	for i, w := range q.waiters {
		if w == waiter {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			break
		}
	}
	return nil, cause
}

package patterns

import (
	"context"
	"log/slog"
	"sync"

	"github.com/dgraph-io/badger/v3"
	"golang.org/x/sync/errgroup"

	"github.com/eleven-am/weave/internal/domain"
)

// Stores bundles the four keyed primitives and the channel hub behind one
// explicit lifecycle: Start launches the sweepers, Stop cancels and waits.
// Constructed per process; tests instantiate isolated copies against their
// own badger db.
type Stores struct {
	Aggregator  *Aggregator
	Correlator  *Correlator
	Idempotency *IdempotentReceiver
	Messages    *MessageStore
	Channels    *ChannelHub

	config domain.PatternsConfig
	logger *slog.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

func NewStores(db *badger.DB, config domain.PatternsConfig, onTimeout TimeoutHandler, logger *slog.Logger) *Stores {
	if logger == nil {
		logger = slog.Default()
	}

	return &Stores{
		Aggregator:  NewAggregator(db, onTimeout, logger),
		Correlator:  NewCorrelator(db, config.CorrelationTraceTTL, logger),
		Idempotency: NewIdempotentReceiver(db, logger),
		Messages:    NewMessageStore(db, logger),
		Channels:    NewChannelHub(logger),
		config:      config,
		logger:      logger.With("component", "pattern-stores"),
	}
}

func (s *Stores) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return domain.ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	group, ctx := errgroup.WithContext(ctx)

	sweepers := []*sweeper{
		s.Aggregator.newSweeper(s.config.AggregatorSweepInterval),
		s.Correlator.newSweeper(s.config.CorrelatorSweepInterval),
		s.Idempotency.newSweeper(s.config.IdempotencySweepInterval),
		s.Messages.newSweeper(s.config.MessageSweepInterval),
	}
	for _, sw := range sweepers {
		sw := sw
		group.Go(func() error {
			return sw.run(ctx)
		})
	}

	s.cancel = cancel
	s.group = group
	s.started = true

	s.logger.Info("pattern stores started", "sweepers", len(sweepers))
	return nil
}

func (s *Stores) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return domain.ErrNotStarted
	}

	s.cancel()
	err := s.group.Wait()
	s.started = false

	s.logger.Info("pattern stores stopped")
	return err
}

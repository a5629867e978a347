package trader

import (
	"context"
	"errors"
	"time"

	"trade-replicator/internal/config"
	"trade-replicator/internal/ledger"
	"trade-replicator/internal/models"
	"trade-replicator/internal/queue"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const sweepBatch = 100

// Sweeper watches the ledger for records the pipeline lost track of. Executing
// records past the staleness threshold are flagged unknown-outcome and left for
// manual reconciliation; pending records that were never consumed are republished.
type Sweeper struct {
	ledger         *ledger.Ledger
	publisher      queue.Publisher
	topic          string
	staleAfter     time.Duration
	republishAfter time.Duration
	interval       time.Duration
	logger         *zap.Logger
	now            func() time.Time
}

// NewSweeper creates a Sweeper republishing to the dispatch topic.
func NewSweeper(cfg *config.Config, l *ledger.Ledger, publisher queue.Publisher, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		ledger:         l,
		publisher:      publisher,
		topic:          cfg.Queue.Topic,
		staleAfter:     cfg.Reconcile.StaleAfter,
		republishAfter: cfg.Reconcile.RepublishAfter,
		interval:       cfg.Reconcile.Interval,
		logger:         logger.Named("sweeper"),
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps on every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("Starting staleness sweeper",
		zap.Duration("interval", s.interval),
		zap.Duration("stale_after", s.staleAfter),
	)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Stopping staleness sweeper")
			return nil
		case <-ticker.C:
			if _, _, err := s.Sweep(ctx); err != nil {
				s.logger.Error("Sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep runs one pass and reports how many records it flagged and republished.
func (s *Sweeper) Sweep(ctx context.Context) (flagged, republished int, err error) {
	flagged, ferr := s.flagStale(ctx)
	republished, rerr := s.republish(ctx)
	return flagged, republished, multierr.Combine(ferr, rerr)
}

func (s *Sweeper) flagStale(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.staleAfter)
	recs, err := s.ledger.StaleExecuting(ctx, cutoff, sweepBatch)
	if err != nil {
		return 0, err
	}

	var errs error
	flagged := 0
	for _, rec := range recs {
		ok, err := s.ledger.FlagUnknownOutcome(ctx, rec.SourceTradeID, cutoff)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if !ok {
			continue
		}
		flagged++
		s.logger.Error("Execution outcome unknown, reconcile against destination",
			zap.String("source_trade_id", rec.SourceTradeID),
			zap.String("action", string(rec.ActionType)),
			zap.String("position_id", rec.PositionID),
			zap.String("destination_instrument", rec.DestinationInstrument),
			zap.Int("attempts", rec.Attempts),
			zap.Time("last_heartbeat", rec.UpdatedAt),
		)
	}
	return flagged, errs
}

func (s *Sweeper) republish(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.republishAfter)
	recs, err := s.ledger.StalePending(ctx, cutoff, sweepBatch)
	if err != nil {
		return 0, err
	}

	var errs error
	republished := 0
	for _, rec := range recs {
		if err := s.publisher.Publish(ctx, s.topic, queue.NewTradeMessage(rec.Event())); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		republished++
		if err := s.ledger.Touch(ctx, rec.SourceTradeID); err != nil {
			errs = multierr.Append(errs, err)
		}
		if rec.Status == models.StatusNew {
			err := s.ledger.UpdateStatus(ctx, rec.SourceTradeID, models.StatusQueued, ledger.Fields{})
			if err != nil && !errors.Is(err, ledger.ErrInvalidTransition) {
				errs = multierr.Append(errs, err)
			}
		}
		s.logger.Info("Republished pending record",
			zap.String("source_trade_id", rec.SourceTradeID),
			zap.String("status", string(rec.Status)),
		)
	}
	return republished, errs
}

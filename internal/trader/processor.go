package trader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"trade-replicator/internal/config"
	"trade-replicator/internal/ledger"
	"trade-replicator/internal/models"
	"trade-replicator/internal/queue"
	"trade-replicator/internal/symbols"
	"trade-replicator/internal/venue"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrUnresolvedPosition is recorded when a close or modify has no open to act on.
var ErrUnresolvedPosition = errors.New("unresolved position reference")

// resultPublishTimeout bounds the best-effort result event publish.
const resultPublishTimeout = 5 * time.Second

// Processor runs one queued trade event through the execution state machine:
// claim, call the destination venue with bounded retries, record the outcome.
type Processor struct {
	ledger       *ledger.Ledger
	venue        venue.Venue
	mapper       *symbols.Mapper
	locks        *LockTable
	results      queue.Publisher
	resultsTopic string
	worker       config.Worker
	callTimeout  time.Duration
	publishWait  time.Duration
	logger       *zap.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)
}

// NewProcessor creates a Processor. results may be nil to disable result events.
func NewProcessor(cfg *config.Config, l *ledger.Ledger, v venue.Venue, mapper *symbols.Mapper, results queue.Publisher, logger *zap.Logger) *Processor {
	return &Processor{
		ledger:       l,
		venue:        v,
		mapper:       mapper,
		locks:        NewLockTable(),
		results:      results,
		resultsTopic: cfg.Results.Topic,
		worker:       cfg.Worker,
		callTimeout:  cfg.Destination.CallTimeout,
		publishWait:  resultPublishTimeout,
		logger:       logger.Named("processor"),
		now:          func() time.Time { return time.Now().UTC() },
		sleep:        sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// outcome is what a successful venue call produced.
type outcome struct {
	ticket string
	price  decimal.NullDecimal
}

// Handle processes one delivery and settles it. A returned error has already
// been accounted for in the ledger or the delivery; it is reported for logging.
func (p *Processor) Handle(ctx context.Context, d queue.Delivery) error {
	msg := d.Message()
	if msg.Kind != models.KindTrade || msg.Event == nil {
		p.logger.Warn("Dropping message without trade event",
			zap.String("message_id", msg.ID),
			zap.String("kind", string(msg.Kind)),
		)
		return d.Ack(ctx)
	}

	ev := msg.Event
	l := p.logger.With(
		zap.String("source_trade_id", ev.SourceTradeID),
		zap.String("action", string(ev.ActionType)),
		zap.Int("delivery", msg.Attempt),
	)

	rec, err := p.load(ctx, ev)
	if err != nil {
		return p.requeue(ctx, d, l, err)
	}
	if !rec.Status.Pending() {
		return p.duplicate(ctx, d, ev, rec.Status, l)
	}

	key, err := p.lockKey(ctx, rec)
	if err != nil {
		return p.requeue(ctx, d, l, err)
	}
	release, err := p.locks.Acquire(ctx, key, p.worker.LockWait)
	if err != nil {
		if errors.Is(err, ErrLockTimeout) {
			l.Info("Position busy, requeueing", zap.String("lock_key", key))
			if err := p.ledger.Touch(ctx, rec.SourceTradeID); err != nil {
				l.Warn("Failed to refresh pending record", zap.Error(err))
			}
			return d.Nack(ctx, p.worker.RequeueDelay)
		}
		return p.requeue(ctx, d, l, err)
	}
	defer release()

	// the lock holder before us may have finished this very record
	rec, err = p.ledger.Find(ctx, rec.SourceTradeID)
	if err != nil {
		return p.requeue(ctx, d, l, err)
	}
	if !rec.Status.Pending() {
		return p.duplicate(ctx, d, ev, rec.Status, l)
	}

	var open *models.TradeRecord
	if rec.ActionType.RefersToPosition() {
		open, err = p.ledger.FindOpen(ctx, rec.PositionID, rec.OrderID)
		switch {
		case errors.Is(err, ledger.ErrNotFound):
			return p.unresolved(ctx, d, rec, l, "no open record")
		case err != nil:
			return p.requeue(ctx, d, l, err)
		case open.Status == models.StatusFailed:
			return p.unresolved(ctx, d, rec, l, "open record failed")
		case open.DestinationTicket == "":
			return p.awaitOpen(ctx, d, msg, rec, open, l)
		}
	}

	return p.execute(ctx, d, rec, open, l)
}

// load returns the ledger record for ev, inserting it when the message outran the ledger write.
func (p *Processor) load(ctx context.Context, ev *models.TradeEvent) (*models.TradeRecord, error) {
	rec, err := p.ledger.Find(ctx, ev.SourceTradeID)
	if !errors.Is(err, ledger.ErrNotFound) {
		return rec, err
	}
	if _, err := p.ledger.InsertIfAbsent(ctx, ev); err != nil {
		return nil, err
	}
	return p.ledger.Find(ctx, ev.SourceTradeID)
}

// lockKey returns the key that serializes rec with the other events of its
// position. Every event of a position locks on the source order id of its open.
func (p *Processor) lockKey(ctx context.Context, rec *models.TradeRecord) (string, error) {
	if rec.ActionType == models.ActionOpen {
		if rec.OrderID != "" {
			return rec.OrderID, nil
		}
		return rec.SourceTradeID, nil
	}

	open, err := p.ledger.FindOpen(ctx, rec.PositionID, rec.OrderID)
	switch {
	case err == nil:
		if open.OrderID != "" {
			return open.OrderID, nil
		}
		return open.SourceTradeID, nil
	case errors.Is(err, ledger.ErrNotFound):
		if key := rec.CorrelationKey(); key != "" {
			return key, nil
		}
		return rec.SourceTradeID, nil
	default:
		return "", err
	}
}

func (p *Processor) duplicate(ctx context.Context, d queue.Delivery, ev *models.TradeEvent, status models.Status, l *zap.Logger) error {
	if _, err := p.ledger.RecordDuplicate(ctx, ev, fmt.Sprintf("redelivered while %s", status)); err != nil {
		return p.requeue(ctx, d, l, err)
	}
	l.Info("Duplicate delivery ignored", zap.String("status", string(status)))
	return d.Ack(ctx)
}

// requeue hands a delivery back after a ledger failure.
func (p *Processor) requeue(ctx context.Context, d queue.Delivery, l *zap.Logger, cause error) error {
	l.Error("Ledger unavailable, requeueing", zap.Error(cause))
	if err := d.Nack(ctx, p.worker.RequeueDelay); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// awaitOpen requeues a position action whose open is still in flight.
func (p *Processor) awaitOpen(ctx context.Context, d queue.Delivery, msg *models.QueueMessage, rec, open *models.TradeRecord, l *zap.Logger) error {
	if msg.Attempt >= p.worker.MaxDeliveries {
		return p.unresolved(ctx, d, rec, l, fmt.Sprintf("open %s still %s", open.SourceTradeID, open.Status))
	}
	delay := config.Backoff(p.worker.BackoffBase, p.worker.BackoffMax, msg.Attempt-1)
	l.Info("Open not executed yet, requeueing",
		zap.String("open", open.SourceTradeID),
		zap.String("open_status", string(open.Status)),
		zap.Duration("delay", delay),
	)
	if err := p.ledger.Touch(ctx, rec.SourceTradeID); err != nil {
		l.Warn("Failed to refresh pending record", zap.Error(err))
	}
	return d.Nack(ctx, delay)
}

func (p *Processor) unresolved(ctx context.Context, d queue.Delivery, rec *models.TradeRecord, l *zap.Logger, detail string) error {
	l.Warn("Position reference unresolved",
		zap.String("position_id", rec.PositionID),
		zap.String("order_id", rec.OrderID),
		zap.String("detail", detail),
	)
	err := p.ledger.UpdateStatus(ctx, rec.SourceTradeID, models.StatusFailed, ledger.Fields{
		ErrorKind:    models.ErrorKindUnresolvedPosition,
		ErrorMessage: ErrUnresolvedPosition.Error(),
	})
	if err != nil {
		return p.settleAfterClaimError(ctx, d, rec, l, err)
	}
	p.publishResult(ctx, rec.SourceTradeID, l)
	return d.Ack(ctx)
}

func (p *Processor) settleAfterClaimError(ctx context.Context, d queue.Delivery, rec *models.TradeRecord, l *zap.Logger, err error) error {
	if !errors.Is(err, ledger.ErrInvalidTransition) {
		return p.requeue(ctx, d, l, err)
	}
	current, ferr := p.ledger.Find(ctx, rec.SourceTradeID)
	if ferr != nil {
		return p.requeue(ctx, d, l, ferr)
	}
	return p.duplicate(ctx, d, rec.Event(), current.Status, l)
}

// execute claims rec and calls the venue until success, a permanent failure,
// or the attempt budget is spent.
func (p *Processor) execute(ctx context.Context, d queue.Delivery, rec, open *models.TradeRecord, l *zap.Logger) error {
	instrument := rec.Instrument
	if open != nil {
		instrument = open.Instrument
	}
	dest := p.mapper.Map(instrument)

	// the claim is the heartbeat of the first attempt
	err := p.ledger.UpdateStatus(ctx, rec.SourceTradeID, models.StatusExecuting, ledger.Fields{
		DestinationInstrument: dest,
		Attempts:              1,
	})
	if err != nil {
		return p.settleAfterClaimError(ctx, d, rec, l, err)
	}
	l = l.With(zap.String("destination_instrument", dest))

	var (
		res     *outcome
		lastErr error
		attempt int
	)
	for attempt = 1; attempt <= p.worker.MaxAttempts; attempt++ {
		if attempt > 1 {
			wait := p.retryWait(attempt, lastErr)
			l.Info("Retrying venue call", zap.Int("attempt", attempt), zap.Duration("backoff", wait))
			p.sleep(ctx, wait)

			if err := p.ledger.RecordAttempt(ctx, rec.SourceTradeID, attempt); err != nil {
				// an earlier attempt may have reached the venue, so only reconciliation settles it
				if errors.Is(err, ledger.ErrInvalidTransition) {
					l.Warn("Record flagged for reconciliation, abandoning execution", zap.Int("attempt", attempt))
				} else {
					l.Error("Failed to record attempt, abandoning execution", zap.Int("attempt", attempt), zap.Error(err))
				}
				_ = d.Ack(ctx)
				return err
			}
		}

		res, lastErr = p.call(ctx, rec, open, dest)
		if lastErr == nil {
			break
		}
		if !venue.IsTransient(lastErr) {
			l.Warn("Venue rejected request", zap.Int("attempt", attempt), zap.Error(lastErr))
			return p.finishFailed(ctx, d, rec, attempt, models.ErrorKindPermanent, venue.Reason(lastErr), l)
		}
		l.Warn("Transient venue failure", zap.Int("attempt", attempt), zap.Error(lastErr))
	}

	if lastErr != nil {
		return p.finishFailed(ctx, d, rec, p.worker.MaxAttempts, models.ErrorKindTransientExhausted, venue.Reason(lastErr), l)
	}

	err = p.ledger.UpdateStatus(ctx, rec.SourceTradeID, models.StatusExecuted, ledger.Fields{
		DestinationTicket: res.ticket,
		ExecutionPrice:    res.price,
		Attempts:          attempt,
	})
	if err != nil {
		// the venue call went through; the record is left flagged or to the staleness sweep for reconciliation
		l.Error("Failed to record execution", zap.String("ticket", res.ticket), zap.Error(err))
		_ = d.Ack(ctx)
		return err
	}

	l.Info("Trade replicated",
		zap.String("ticket", res.ticket),
		zap.String("price", res.price.Decimal.String()),
		zap.Int("attempts", attempt),
	)
	p.publishResult(ctx, rec.SourceTradeID, l)
	return d.Ack(ctx)
}

func (p *Processor) finishFailed(ctx context.Context, d queue.Delivery, rec *models.TradeRecord, attempts int, kind models.ErrorKind, reason string, l *zap.Logger) error {
	err := p.ledger.UpdateStatus(ctx, rec.SourceTradeID, models.StatusFailed, ledger.Fields{
		ErrorKind:    kind,
		ErrorMessage: reason,
		Attempts:     attempts,
	})
	if err != nil {
		l.Error("Failed to record failure", zap.Error(err))
		_ = d.Ack(ctx)
		return err
	}
	l.Warn("Trade replication failed", zap.String("error_kind", string(kind)), zap.String("reason", reason))
	p.publishResult(ctx, rec.SourceTradeID, l)
	return d.Ack(ctx)
}

// retryWait is the pause before attempt: the backoff step, stretched to the
// venue's Retry-After but never past backoff_max.
func (p *Processor) retryWait(attempt int, lastErr error) time.Duration {
	wait := config.Backoff(p.worker.BackoffBase, p.worker.BackoffMax, attempt-2)
	hint := venue.RetryAfterHint(lastErr)
	if hint > p.worker.BackoffMax {
		hint = p.worker.BackoffMax
	}
	if hint > wait {
		wait = hint
	}
	return wait
}

// call performs one venue request under its own timeout. Shutdown does not cut
// an in-flight call short.
func (p *Processor) call(ctx context.Context, rec, open *models.TradeRecord, dest string) (*outcome, error) {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.callTimeout)
	defer cancel()

	switch rec.ActionType {
	case models.ActionOpen:
		res, err := p.venue.PlaceOrder(callCtx, venue.OrderRequest{
			Symbol:         dest,
			Side:           rec.Side,
			Volume:         rec.Quantity,
			OrderType:      venue.OrderTypeMarket,
			StopLoss:       rec.StopLoss,
			TakeProfit:     rec.TakeProfit,
			Comment:        rec.SourceTradeID,
			ReferencePrice: referencePrice(rec),
		})
		if err != nil {
			return nil, err
		}
		return &outcome{ticket: res.Ticket, price: decimal.NewNullDecimal(res.Price)}, nil

	case models.ActionClose, models.ActionPartialClose:
		var volume decimal.NullDecimal
		if rec.ActionType == models.ActionPartialClose {
			volume = decimal.NewNullDecimal(rec.Quantity)
		}
		res, err := p.venue.ClosePosition(callCtx, open.DestinationTicket, volume)
		if err != nil {
			return nil, err
		}
		return &outcome{ticket: open.DestinationTicket, price: decimal.NewNullDecimal(res.Price)}, nil

	default:
		err := p.venue.ModifyPosition(callCtx, open.DestinationTicket, venue.ModifyRequest{
			StopLoss:     rec.StopLoss,
			TakeProfit:   rec.TakeProfit,
			TrailingStop: rec.TrailingStop,
		})
		if err != nil {
			return nil, err
		}
		return &outcome{ticket: open.DestinationTicket}, nil
	}
}

// referencePrice is the side of the captured quote an order would fill against.
func referencePrice(rec *models.TradeRecord) decimal.NullDecimal {
	primary, secondary := rec.Ask, rec.Bid
	if rec.Side == models.SideSell {
		primary, secondary = rec.Bid, rec.Ask
	}
	if primary.Valid {
		return primary
	}
	return secondary
}

func (p *Processor) publishResult(ctx context.Context, sourceTradeID string, l *zap.Logger) {
	if p.results == nil {
		return
	}
	rec, err := p.ledger.Find(ctx, sourceTradeID)
	if err != nil {
		l.Warn("Failed to load record for result event", zap.Error(err))
		return
	}
	msg := queue.NewResultMessage(models.ResultFromRecord(rec, p.now()))
	pubCtx, cancel := context.WithTimeout(ctx, p.publishWait)
	defer cancel()
	if err := p.results.Publish(pubCtx, p.resultsTopic, msg); err != nil {
		l.Warn("Failed to publish result event, dropping it", zap.Error(err))
	}
}

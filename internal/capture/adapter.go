package capture

import (
	"context"
	"errors"
	"time"

	"trade-replicator/internal/ledger"
	"trade-replicator/internal/models"
	"trade-replicator/internal/queue"

	"go.uber.org/zap"
)

// Ingest outcomes reported back to the capture layer.
const (
	StatusAccepted  = "accepted"
	StatusDuplicate = "duplicate"
	StatusLinked    = "linked"
	StatusSkipped   = "skipped"
)

// Result describes what happened to one capture.
type Result struct {
	Status        string `json:"status"`
	SourceTradeID string `json:"source_trade_id,omitempty"`
	Reason        string `json:"reason,omitempty"`
	Links         int    `json:"links,omitempty"`
}

// Adapter is the entry point for intercepted exchanges: it normalizes them,
// records new events in the ledger and hands them to the dispatch queue.
type Adapter struct {
	normalizer *Normalizer
	ledger     *ledger.Ledger
	publisher  queue.Publisher
	topic      string
	logger     *zap.Logger
	now        func() time.Time
}

// NewAdapter creates an Adapter publishing to topic.
func NewAdapter(l *ledger.Ledger, publisher queue.Publisher, topic string, logger *zap.Logger) *Adapter {
	return &Adapter{
		normalizer: NewNormalizer(),
		ledger:     l,
		publisher:  publisher,
		topic:      topic,
		logger:     logger.Named("capture"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Ingest processes one capture. Skips and duplicates are not errors; an error
// means the capture was not recorded and the caller may resend it.
func (a *Adapter) Ingest(ctx context.Context, p Pair) (*Result, error) {
	if p.CapturedAt.IsZero() {
		p.CapturedAt = a.now()
	}

	out, err := a.normalizer.Normalize(p)
	if err != nil {
		var skipErr *SkipError
		if errors.As(err, &skipErr) {
			a.logger.Debug("Capture skipped",
				zap.String("flow_id", p.FlowID),
				zap.String("method", p.Method),
				zap.String("url", p.URL),
				zap.String("reason", skipErr.Reason),
			)
			return &Result{Status: StatusSkipped, Reason: skipErr.Reason}, nil
		}
		return nil, err
	}

	res := &Result{Status: StatusLinked}
	for _, link := range out.Links {
		n, err := a.ledger.AttachPosition(ctx, link)
		if err != nil {
			return nil, err
		}
		res.Links++
		a.logger.Info("Position linked",
			zap.String("order_id", link.OrderID),
			zap.String("position_id", link.PositionID),
			zap.Int64("records", n),
		)
	}
	if out.Event == nil {
		return res, nil
	}

	ev := out.Event
	l := a.logger.With(
		zap.String("source_trade_id", ev.SourceTradeID),
		zap.String("action", string(ev.ActionType)),
	)

	inserted, err := a.ledger.InsertIfAbsent(ctx, ev)
	if err != nil {
		return nil, err
	}
	if inserted == ledger.AlreadyExists {
		if _, err := a.ledger.RecordDuplicate(ctx, ev, "duplicate capture"); err != nil {
			return nil, err
		}
		l.Info("Duplicate capture ignored")
		return &Result{Status: StatusDuplicate, SourceTradeID: ev.SourceTradeID, Links: res.Links}, nil
	}

	if err := a.publisher.Publish(ctx, a.topic, queue.NewTradeMessage(ev)); err != nil {
		// recorded as new; the republish sweep picks it up
		l.Warn("Publish failed, record left for republish", zap.Error(err))
		return &Result{Status: StatusAccepted, SourceTradeID: ev.SourceTradeID, Reason: "publish deferred", Links: res.Links}, nil
	}
	// a worker may already have claimed the record straight from new
	if err := a.ledger.UpdateStatus(ctx, ev.SourceTradeID, models.StatusQueued, ledger.Fields{}); err != nil && !errors.Is(err, ledger.ErrInvalidTransition) {
		l.Warn("Failed to mark record queued", zap.Error(err))
	}

	l.Info("Trade event accepted",
		zap.String("instrument", ev.Instrument),
		zap.String("position_id", ev.PositionID),
		zap.String("order_id", ev.OrderID),
	)
	return &Result{Status: StatusAccepted, SourceTradeID: ev.SourceTradeID, Links: res.Links}, nil
}

package ledger

import (
	"context"
	"fmt"
	"time"

	"trade-replicator/internal/models"

	"github.com/shopspring/decimal"
)

const unknownOutcomeMessage = "execution outcome unknown: reconcile against destination before retrying"

// StaleExecuting returns executing records not yet flagged whose last heartbeat is older than cutoff.
func (l *Ledger) StaleExecuting(ctx context.Context, cutoff time.Time, limit int) ([]models.TradeRecord, error) {
	var recs []models.TradeRecord
	err := l.canonical(ctx).
		Where("status = ? AND unknown_outcome = ? AND updated_at < ?", models.StatusExecuting, false, cutoff).
		Order("updated_at ASC").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list stale executing records: %w", err)
	}
	return recs, nil
}

// FlagUnknownOutcome marks a stale executing record as needing reconciliation.
// The record stays in executing; it returns false if the record moved on meanwhile.
func (l *Ledger) FlagUnknownOutcome(ctx context.Context, sourceTradeID string, cutoff time.Time) (bool, error) {
	now := l.now()
	res := l.canonical(ctx).
		Where("source_trade_id = ? AND status = ? AND unknown_outcome = ? AND updated_at < ?",
			sourceTradeID, models.StatusExecuting, false, cutoff).
		Updates(map[string]interface{}{
			"unknown_outcome": true,
			"flagged_at":      now,
			"error_kind":      models.ErrorKindUnknownOutcome,
			"error_message":   unknownOutcomeMessage,
			"updated_at":      now,
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to flag %s: %w", sourceTradeID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// StalePending returns new or queued records untouched since cutoff.
func (l *Ledger) StalePending(ctx context.Context, cutoff time.Time, limit int) ([]models.TradeRecord, error) {
	var recs []models.TradeRecord
	err := l.canonical(ctx).
		Where("status IN ? AND updated_at < ?", []models.Status{models.StatusNew, models.StatusQueued}, cutoff).
		Order("id ASC").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list stale pending records: %w", err)
	}
	return recs, nil
}

// Resolution is an operator's verdict on an unknown-outcome record after
// checking the destination account.
type Resolution struct {
	Outcome models.Status // executed or failed
	Ticket  string
	Price   decimal.NullDecimal
	Note    string
}

// Resolve closes out a flagged unknown-outcome record.
func (l *Ledger) Resolve(ctx context.Context, sourceTradeID string, r Resolution) error {
	now := l.now()
	updates := map[string]interface{}{"status": r.Outcome, "updated_at": now}

	switch r.Outcome {
	case models.StatusExecuted:
		if r.Ticket == "" {
			return fmt.Errorf("%w: executed requires a destination ticket", ErrInvalidTransition)
		}
		updates["destination_ticket"] = r.Ticket
		updates["execution_price"] = r.Price
		updates["executed_at"] = now
		updates["error_kind"] = models.ErrorKindNone
		updates["error_message"] = r.Note
	case models.StatusFailed:
		msg := r.Note
		if msg == "" {
			msg = "resolved as not executed"
		}
		updates["error_kind"] = models.ErrorKindUnknownOutcome
		updates["error_message"] = msg
	default:
		return fmt.Errorf("%w: cannot resolve to %s", ErrInvalidTransition, r.Outcome)
	}

	res := l.canonical(ctx).
		Where("source_trade_id = ? AND status = ? AND unknown_outcome = ?", sourceTradeID, models.StatusExecuting, true).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to resolve %s: %w", sourceTradeID, res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}

	current, err := l.Find(ctx, sourceTradeID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is %s (unknown outcome %t)", ErrInvalidTransition, sourceTradeID, current.Status, current.UnknownOutcome)
}

// Filter selects records for review listings.
type Filter struct {
	Status         models.Status
	UnknownOutcome bool
	Limit          int
}

// List returns canonical records matching f, newest first.
func (l *Ledger) List(ctx context.Context, f Filter) ([]models.TradeRecord, error) {
	q := l.canonical(ctx)
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.UnknownOutcome {
		q = q.Where("unknown_outcome = ? AND status = ?", true, models.StatusExecuting)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	var recs []models.TradeRecord
	if err := q.Order("id DESC").Limit(limit).Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	return recs, nil
}

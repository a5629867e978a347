package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"trade-replicator/internal/models"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrNotFound is returned when no canonical record exists for a source trade id.
	ErrNotFound = errors.New("trade record not found")
	// ErrInvalidTransition is returned when a status change is not allowed from the current status.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// InsertResult tells the caller whether InsertIfAbsent created the record.
type InsertResult int

const (
	Inserted InsertResult = iota
	AlreadyExists
)

func (r InsertResult) String() string {
	if r == Inserted {
		return "inserted"
	}
	return "already_exists"
}

// allowedFrom lists, for each target status, the statuses it may be entered from.
var allowedFrom = map[models.Status][]models.Status{
	models.StatusQueued:    {models.StatusNew},
	models.StatusExecuting: {models.StatusNew, models.StatusQueued},
	models.StatusExecuted:  {models.StatusExecuting},
	models.StatusFailed:    {models.StatusNew, models.StatusQueued, models.StatusExecuting},
}

// Fields carries the optional columns written together with a status change.
type Fields struct {
	DestinationInstrument string
	DestinationTicket     string
	ExecutionPrice        decimal.NullDecimal
	ErrorKind             models.ErrorKind
	ErrorMessage          string
	Attempts              int
}

// Ledger is the durable store of trade records. Every idempotency and ordering
// decision in the pipeline is made against it.
type Ledger struct {
	db  *gorm.DB
	now func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates a Ledger over an already migrated database.
func New(db *gorm.DB, opts ...Option) *Ledger {
	l := &Ledger{db: db, now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) canonical(ctx context.Context) *gorm.DB {
	return l.db.WithContext(ctx).Model(&models.TradeRecord{}).Where("duplicate_seq = 0")
}

// InsertIfAbsent stores the canonical record for ev in status new.
// A second insert with the same source trade id is a no-op reported as AlreadyExists.
func (l *Ledger) InsertIfAbsent(ctx context.Context, ev *models.TradeEvent) (InsertResult, error) {
	rec := models.NewRecord(ev)
	now := l.now()
	rec.CreatedAt, rec.UpdatedAt = now, now

	if rec.ActionType == models.ActionOpen && rec.PositionID == "" && rec.OrderID != "" {
		if link, err := l.findLink(ctx, rec.OrderID); err != nil {
			return AlreadyExists, err
		} else if link != nil {
			rec.PositionID = link.PositionID
		}
	}

	res := l.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(rec)
	if res.Error != nil {
		return AlreadyExists, fmt.Errorf("failed to insert trade record %s: %w", ev.SourceTradeID, res.Error)
	}
	if res.RowsAffected == 0 {
		return AlreadyExists, nil
	}

	// a link may have been stored between the lookup above and the insert
	if rec.ActionType == models.ActionOpen && rec.PositionID == "" && rec.OrderID != "" {
		if link, err := l.findLink(ctx, rec.OrderID); err == nil && link != nil {
			if _, err := l.applyLink(ctx, link); err != nil {
				return Inserted, err
			}
		}
	}
	return Inserted, nil
}

// UpdateStatus moves the canonical record to status when the transition is allowed
// from its current status. The check and the write are a single conditional update.
// A record flagged unknown-outcome only moves on through Resolve.
func (l *Ledger) UpdateStatus(ctx context.Context, sourceTradeID string, status models.Status, f Fields) error {
	from, ok := allowedFrom[status]
	if !ok {
		return fmt.Errorf("%w: %s is not a target status", ErrInvalidTransition, status)
	}

	now := l.now()
	updates := map[string]interface{}{
		"status":     status,
		"updated_at": now,
	}
	if f.DestinationInstrument != "" {
		updates["destination_instrument"] = f.DestinationInstrument
	}
	if f.Attempts > 0 {
		updates["attempts"] = f.Attempts
	}

	switch status {
	case models.StatusExecuted:
		if f.DestinationTicket == "" {
			return fmt.Errorf("%w: executed requires a destination ticket", ErrInvalidTransition)
		}
		updates["destination_ticket"] = f.DestinationTicket
		updates["execution_price"] = f.ExecutionPrice
		updates["executed_at"] = now
		updates["error_kind"] = models.ErrorKindNone
		updates["error_message"] = ""
	case models.StatusFailed:
		updates["error_kind"] = f.ErrorKind
		updates["error_message"] = f.ErrorMessage
	}

	res := l.canonical(ctx).
		Where("source_trade_id = ? AND status IN ? AND unknown_outcome = ?", sourceTradeID, from, false).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to update trade record %s: %w", sourceTradeID, res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}

	current, err := l.Find(ctx, sourceTradeID)
	if err != nil {
		return err
	}
	if current.UnknownOutcome {
		return fmt.Errorf("%w: %s is flagged unknown outcome", ErrInvalidTransition, sourceTradeID)
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, status)
}

// Find returns the canonical record for a source trade id.
func (l *Ledger) Find(ctx context.Context, sourceTradeID string) (*models.TradeRecord, error) {
	var rec models.TradeRecord
	err := l.canonical(ctx).Where("source_trade_id = ?", sourceTradeID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sourceTradeID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find trade record %s: %w", sourceTradeID, err)
	}
	return &rec, nil
}

// Duplicates returns the duplicate records appended for a source trade id, oldest first.
func (l *Ledger) Duplicates(ctx context.Context, sourceTradeID string) ([]models.TradeRecord, error) {
	var recs []models.TradeRecord
	err := l.db.WithContext(ctx).
		Where("source_trade_id = ? AND duplicate_seq > 0", sourceTradeID).
		Order("duplicate_seq ASC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list duplicates of %s: %w", sourceTradeID, err)
	}
	return recs, nil
}

// FindByPositionID returns every record for a position, oldest first.
func (l *Ledger) FindByPositionID(ctx context.Context, positionID string) ([]models.TradeRecord, error) {
	var recs []models.TradeRecord
	err := l.db.WithContext(ctx).
		Where("position_id = ?", positionID).
		Order("created_at ASC, id ASC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to find records for position %s: %w", positionID, err)
	}
	return recs, nil
}

// FindOpen returns the canonical open record that a close or modify refers to.
// The reference is matched by position id first and by source order id second.
func (l *Ledger) FindOpen(ctx context.Context, positionID, orderID string) (*models.TradeRecord, error) {
	q := l.canonical(ctx).Where("action_type = ?", models.ActionOpen)
	switch {
	case positionID != "" && orderID != "":
		q = q.Where("(position_id = ? OR order_id = ? OR order_id = ?)", positionID, positionID, orderID)
	case positionID != "":
		q = q.Where("(position_id = ? OR order_id = ?)", positionID, positionID)
	case orderID != "":
		q = q.Where("order_id = ?", orderID)
	default:
		return nil, fmt.Errorf("%w: no position or order reference", ErrNotFound)
	}

	var rec models.TradeRecord
	err := q.Order("id ASC").First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: open for position %q order %q", ErrNotFound, positionID, orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find open record: %w", err)
	}
	return &rec, nil
}

// RecordDuplicate appends a duplicate_ignored record for ev after the existing ones.
func (l *Ledger) RecordDuplicate(ctx context.Context, ev *models.TradeEvent, reason string) (*models.TradeRecord, error) {
	const maxTries = 5

	for try := 0; try < maxTries; try++ {
		var last int
		err := l.db.WithContext(ctx).Model(&models.TradeRecord{}).
			Where("source_trade_id = ?", ev.SourceTradeID).
			Select("COALESCE(MAX(duplicate_seq), 0)").
			Scan(&last).Error
		if err != nil {
			return nil, fmt.Errorf("failed to read duplicate sequence of %s: %w", ev.SourceTradeID, err)
		}

		rec := models.NewRecord(ev)
		now := l.now()
		rec.DuplicateSeq = last + 1
		rec.Status = models.StatusDuplicateIgnored
		rec.ErrorMessage = reason
		rec.CreatedAt, rec.UpdatedAt = now, now

		res := l.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(rec)
		if res.Error != nil {
			return nil, fmt.Errorf("failed to record duplicate of %s: %w", ev.SourceTradeID, res.Error)
		}
		if res.RowsAffected == 1 {
			return rec, nil
		}
		// another duplicate took this sequence number
	}
	return nil, fmt.Errorf("failed to record duplicate of %s: sequence contention", ev.SourceTradeID)
}

// AttachPosition stores the order to position link reported by an execution
// confirmation and copies the position id onto records of that order.
// Position id is a correlation field, so this is the one write outside the worker.
func (l *Ledger) AttachPosition(ctx context.Context, link models.PositionLink) (int64, error) {
	if link.OrderID == "" || link.PositionID == "" {
		return 0, fmt.Errorf("incomplete position link %+v", link)
	}
	link.CreatedAt = l.now()
	err := l.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&link).Error
	if err != nil {
		return 0, fmt.Errorf("failed to store position link %s: %w", link.OrderID, err)
	}
	return l.applyLink(ctx, &link)
}

func (l *Ledger) applyLink(ctx context.Context, link *models.PositionLink) (int64, error) {
	res := l.db.WithContext(ctx).Model(&models.TradeRecord{}).
		Where("order_id = ? AND (position_id = '' OR position_id IS NULL)", link.OrderID).
		UpdateColumn("position_id", link.PositionID)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to link order %s to position %s: %w", link.OrderID, link.PositionID, res.Error)
	}
	return res.RowsAffected, nil
}

func (l *Ledger) findLink(ctx context.Context, orderID string) (*models.PositionLink, error) {
	var link models.PositionLink
	err := l.db.WithContext(ctx).Where("order_id = ?", orderID).First(&link).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read position link %s: %w", orderID, err)
	}
	return &link, nil
}

// RecordAttempt stores the attempt counter of an executing record and refreshes
// its heartbeat so the staleness sweeper measures from the latest attempt.
// It fails with ErrInvalidTransition once the sweeper has flagged the record.
func (l *Ledger) RecordAttempt(ctx context.Context, sourceTradeID string, attempt int) error {
	res := l.canonical(ctx).
		Where("source_trade_id = ? AND status = ? AND unknown_outcome = ?", sourceTradeID, models.StatusExecuting, false).
		Updates(map[string]interface{}{"attempts": attempt, "updated_at": l.now()})
	if res.Error != nil {
		return fmt.Errorf("failed to record attempt for %s: %w", sourceTradeID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s is not executing or is flagged unknown outcome", ErrInvalidTransition, sourceTradeID)
	}
	return nil
}

// Touch refreshes updated_at of a pending record without changing its status.
func (l *Ledger) Touch(ctx context.Context, sourceTradeID string) error {
	err := l.canonical(ctx).
		Where("source_trade_id = ? AND status IN ?", sourceTradeID, []models.Status{models.StatusNew, models.StatusQueued}).
		Update("updated_at", l.now()).Error
	if err != nil {
		return fmt.Errorf("failed to touch %s: %w", sourceTradeID, err)
	}
	return nil
}

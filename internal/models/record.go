package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Status is a TradeRecord lifecycle state.
type Status string

const (
	StatusNew              Status = "new"
	StatusQueued           Status = "queued"
	StatusExecuting        Status = "executing"
	StatusExecuted         Status = "executed"
	StatusFailed           Status = "failed"
	StatusDuplicateIgnored Status = "duplicate_ignored"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusNew, StatusQueued, StatusExecuting, StatusExecuted, StatusFailed, StatusDuplicateIgnored:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusExecuted || s == StatusFailed || s == StatusDuplicateIgnored
}

// Pending reports whether the record has not been claimed by a worker yet.
func (s Status) Pending() bool { return s == StatusNew || s == StatusQueued }

// TradeRecord is the persisted lifecycle of one TradeEvent.
// The canonical record for a source trade has DuplicateSeq 0; every duplicate
// observed later is appended with the next sequence number.
type TradeRecord struct {
	ID            uint   `gorm:"primaryKey" json:"id"`
	SourceTradeID string `gorm:"size:191;not null;uniqueIndex:idx_source_trade_dup,priority:1" json:"source_trade_id"`
	DuplicateSeq  int    `gorm:"not null;uniqueIndex:idx_source_trade_dup,priority:2" json:"duplicate_seq"`

	OrderID               string              `gorm:"size:64;index" json:"order_id,omitempty"`
	PositionID            string              `gorm:"size:64;index" json:"position_id,omitempty"`
	Instrument            string              `gorm:"size:64" json:"instrument,omitempty"`
	DestinationInstrument string              `gorm:"size:64" json:"destination_instrument,omitempty"`
	Side                  Side                `gorm:"size:8" json:"side,omitempty"`
	ActionType            ActionType          `gorm:"size:24;not null" json:"action_type"`
	Quantity              decimal.Decimal     `gorm:"type:decimal(20,8)" json:"quantity"`
	Ask                   decimal.NullDecimal `gorm:"type:decimal(20,8)" json:"ask"`
	Bid                   decimal.NullDecimal `gorm:"type:decimal(20,8)" json:"bid"`
	StopLoss              decimal.NullDecimal `gorm:"type:decimal(20,8)" json:"stop_loss"`
	TakeProfit            decimal.NullDecimal `gorm:"type:decimal(20,8)" json:"take_profit"`
	TrailingStop          decimal.NullDecimal `gorm:"type:decimal(20,8)" json:"trailing_stop"`
	RawPayload            datatypes.JSON      `json:"raw_payload,omitempty"`
	RawResponse           datatypes.JSON      `json:"raw_response,omitempty"`
	CapturedAt            time.Time           `json:"captured_at"`

	Status            Status              `gorm:"size:24;not null;index" json:"status"`
	DestinationTicket string              `gorm:"size:64" json:"destination_ticket,omitempty"`
	ExecutionPrice    decimal.NullDecimal `gorm:"type:decimal(20,8)" json:"execution_price"`
	ErrorKind         ErrorKind           `gorm:"size:32" json:"error_kind,omitempty"`
	ErrorMessage      string              `gorm:"type:text" json:"error_message,omitempty"`
	Attempts          int                 `json:"attempts"`
	UnknownOutcome    bool                `gorm:"index" json:"unknown_outcome"`
	FlaggedAt         *time.Time          `json:"flagged_at,omitempty"`
	ExecutedAt        *time.Time          `json:"executed_at,omitempty"`
	CreatedAt         time.Time           `json:"created_at"`
	UpdatedAt         time.Time           `json:"updated_at"`
}

// NewRecord builds the canonical record for an event in status new.
func NewRecord(ev *TradeEvent) *TradeRecord {
	return &TradeRecord{
		SourceTradeID: ev.SourceTradeID,
		OrderID:       ev.OrderID,
		PositionID:    ev.PositionID,
		Instrument:    ev.Instrument,
		Side:          ev.Side,
		ActionType:    ev.ActionType,
		Quantity:      ev.Quantity,
		Ask:           ev.Ask,
		Bid:           ev.Bid,
		StopLoss:      ev.StopLoss,
		TakeProfit:    ev.TakeProfit,
		TrailingStop:  ev.TrailingStop,
		RawPayload:    ev.RawPayload,
		RawResponse:   ev.RawResponse,
		CapturedAt:    ev.CapturedAt,
		Status:        StatusNew,
	}
}

// Event rebuilds the TradeEvent a record was created from.
func (r *TradeRecord) Event() *TradeEvent {
	return &TradeEvent{
		SourceTradeID: r.SourceTradeID,
		OrderID:       r.OrderID,
		PositionID:    r.PositionID,
		Instrument:    r.Instrument,
		Side:          r.Side,
		Quantity:      r.Quantity,
		ActionType:    r.ActionType,
		Ask:           r.Ask,
		Bid:           r.Bid,
		StopLoss:      r.StopLoss,
		TakeProfit:    r.TakeProfit,
		TrailingStop:  r.TrailingStop,
		RawPayload:    r.RawPayload,
		RawResponse:   r.RawResponse,
		CapturedAt:    r.CapturedAt,
	}
}

// CorrelationKey is the key events for the same position serialize on.
// Before a position id is known the source order id stands in for it.
func (r *TradeRecord) CorrelationKey() string {
	if r.PositionID != "" {
		return r.PositionID
	}
	return r.OrderID
}

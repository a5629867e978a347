package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

// ActionType is the kind of source-venue action an event replicates.
type ActionType string

const (
	ActionOpen          ActionType = "open"
	ActionClose         ActionType = "close"
	ActionPartialClose  ActionType = "partial_close"
	ActionModify        ActionType = "modify"
	ActionSetStop       ActionType = "set_stop"
	ActionSetTakeProfit ActionType = "set_take_profit"
	ActionTrailStop     ActionType = "trail_stop"
)

func (a ActionType) Valid() bool {
	switch a {
	case ActionOpen, ActionClose, ActionPartialClose, ActionModify,
		ActionSetStop, ActionSetTakeProfit, ActionTrailStop:
		return true
	}
	return false
}

// RefersToPosition reports whether the action operates on an already opened position.
func (a ActionType) RefersToPosition() bool { return a.Valid() && a != ActionOpen }

// IsClose reports whether the action reduces or closes a position.
func (a ActionType) IsClose() bool { return a == ActionClose || a == ActionPartialClose }

// TradeEvent is the canonical form of one captured source-venue action.
type TradeEvent struct {
	SourceTradeID string              `json:"source_trade_id"`
	OrderID       string              `json:"order_id,omitempty"`
	PositionID    string              `json:"position_id,omitempty"`
	Instrument    string              `json:"instrument,omitempty"`
	Side          Side                `json:"side,omitempty"`
	Quantity      decimal.Decimal     `json:"quantity"`
	ActionType    ActionType          `json:"action_type"`
	Ask           decimal.NullDecimal `json:"ask"`
	Bid           decimal.NullDecimal `json:"bid"`
	StopLoss      decimal.NullDecimal `json:"stop_loss"`
	TakeProfit    decimal.NullDecimal `json:"take_profit"`
	TrailingStop  decimal.NullDecimal `json:"trailing_stop"`
	RawPayload    datatypes.JSON      `json:"raw_payload,omitempty"`
	RawResponse   datatypes.JSON      `json:"raw_response,omitempty"`
	CapturedAt    time.Time           `json:"captured_at"`
}

// PositionLink ties a source order to the position it opened, as reported by
// an execution confirmation. Links may arrive before or after the open event.
type PositionLink struct {
	OrderID    string    `gorm:"primaryKey;size:64" json:"order_id"`
	PositionID string    `gorm:"size:64;not null;index" json:"position_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// ErrorKind classifies why a record did not execute.
type ErrorKind string

const (
	ErrorKindNone               ErrorKind = ""
	ErrorKindPermanent          ErrorKind = "permanent"
	ErrorKindTransientExhausted ErrorKind = "transient_exhausted"
	ErrorKindUnresolvedPosition ErrorKind = "unresolved_position"
	ErrorKindUnknownOutcome     ErrorKind = "unknown_outcome"
)

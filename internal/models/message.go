package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// MessageKind distinguishes the payloads carried on the dispatch queue.
type MessageKind string

const (
	KindTrade  MessageKind = "trade"
	KindResult MessageKind = "result"
)

// QueueMessage is the envelope exchanged over the dispatch queue.
// Attempt is filled in by the queue on delivery and starts at 1.
type QueueMessage struct {
	ID            string       `json:"id"`
	Kind          MessageKind  `json:"kind"`
	SourceTradeID string       `json:"source_trade_id"`
	Attempt       int          `json:"attempt"`
	Event         *TradeEvent  `json:"event,omitempty"`
	Result        *ResultEvent `json:"result,omitempty"`
	PublishedAt   time.Time    `json:"published_at"`
}

// ResultEvent announces the final outcome of a record.
type ResultEvent struct {
	SourceTradeID     string              `json:"source_trade_id"`
	PositionID        string              `json:"position_id,omitempty"`
	ActionType        ActionType          `json:"action_type"`
	Status            Status              `json:"status"`
	DestinationTicket string              `json:"destination_ticket,omitempty"`
	ExecutionPrice    decimal.NullDecimal `json:"execution_price"`
	ErrorKind         ErrorKind           `json:"error_kind,omitempty"`
	ErrorMessage      string              `json:"error_message,omitempty"`
	At                time.Time           `json:"at"`
}

// ResultFromRecord snapshots a record's outcome.
func ResultFromRecord(r *TradeRecord, at time.Time) *ResultEvent {
	return &ResultEvent{
		SourceTradeID:     r.SourceTradeID,
		PositionID:        r.PositionID,
		ActionType:        r.ActionType,
		Status:            r.Status,
		DestinationTicket: r.DestinationTicket,
		ExecutionPrice:    r.ExecutionPrice,
		ErrorKind:         r.ErrorKind,
		ErrorMessage:      r.ErrorMessage,
		At:                at,
	}
}

package venue

import (
	"context"

	"trade-replicator/internal/models"

	"github.com/shopspring/decimal"
)

// OrderTypeMarket is the only order type replicated.
const OrderTypeMarket = "market"

// Venue is the destination trading API.
type Venue interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
	ClosePosition(ctx context.Context, ticket string, volume decimal.NullDecimal) (*CloseResult, error)
	ModifyPosition(ctx context.Context, ticket string, req ModifyRequest) error
}

// OrderRequest opens a position on the destination account.
type OrderRequest struct {
	Symbol     string
	Side       models.Side
	Volume     decimal.Decimal
	OrderType  string
	StopLoss   decimal.NullDecimal
	TakeProfit decimal.NullDecimal
	Comment    string
	// ReferencePrice is the source-side price at capture time. Only the paper venue uses it.
	ReferencePrice decimal.NullDecimal
}

// OrderResult is a filled order.
type OrderResult struct {
	Ticket string
	Price  decimal.Decimal
}

// CloseResult is a filled close. A nil volume closes the whole position.
type CloseResult struct {
	Price decimal.Decimal
}

// ModifyRequest changes protection levels. Unset fields are left alone and a zero value removes the level.
type ModifyRequest struct {
	StopLoss     decimal.NullDecimal
	TakeProfit   decimal.NullDecimal
	TrailingStop decimal.NullDecimal
}

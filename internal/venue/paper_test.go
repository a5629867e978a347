package venue

import (
	"context"
	"testing"

	"trade-replicator/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPaper(t *testing.T) {
	ctx := context.Background()
	p := NewPaper(decimal.NewFromInt(100), zap.NewNop())

	res, err := p.PlaceOrder(ctx, OrderRequest{
		Symbol:         "BTCUSD.a",
		Side:           models.SideBuy,
		Volume:         decimal.RequireFromString("0.03"),
		ReferencePrice: decimal.NewNullDecimal(decimal.RequireFromString("64010.5")),
	})
	require.NoError(t, err)
	assert.Equal(t, "900000", res.Ticket)
	assert.Equal(t, "64010.5", res.Price.String())

	fallback, err := p.PlaceOrder(ctx, OrderRequest{Symbol: "EURUSD.a", Side: models.SideSell, Volume: decimal.NewFromInt(1)})
	require.NoError(t, err)
	assert.Equal(t, "900001", fallback.Ticket)
	assert.Equal(t, "100", fallback.Price.String())

	require.NoError(t, p.ModifyPosition(ctx, res.Ticket, ModifyRequest{StopLoss: decimal.NewNullDecimal(decimal.NewFromInt(63000))}))

	_, err = p.ClosePosition(ctx, res.Ticket, decimal.NewNullDecimal(decimal.RequireFromString("0.01")))
	require.NoError(t, err)
	left, open := p.Open(res.Ticket)
	assert.True(t, open)
	assert.Equal(t, "0.02", left.String())

	_, err = p.ClosePosition(ctx, res.Ticket, decimal.NullDecimal{})
	require.NoError(t, err)
	_, open = p.Open(res.Ticket)
	assert.False(t, open)

	_, err = p.ClosePosition(ctx, res.Ticket, decimal.NullDecimal{})
	assert.ErrorIs(t, err, ErrPermanent)

	_, err = p.PlaceOrder(ctx, OrderRequest{Symbol: "X", Volume: decimal.Zero})
	assert.ErrorIs(t, err, ErrPermanent)
}

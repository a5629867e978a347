package queue

import (
	"context"
	"testing"
	"time"

	"trade-replicator/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEvent(id string) *models.TradeEvent {
	return &models.TradeEvent{
		SourceTradeID: id,
		OrderID:       "O1",
		Instrument:    "BTCUSD",
		Side:          models.SideBuy,
		Quantity:      decimal.RequireFromString("0.03"),
		ActionType:    models.ActionOpen,
		CapturedAt:    time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC),
	}
}

func TestMemory_PublishReceiveAck(t *testing.T) {
	ctx := context.Background()
	q := NewMemory()
	defer q.Close()

	msg := NewTradeMessage(sampleEvent("T1"))
	require.NoError(t, q.Publish(ctx, "trades", msg))

	d, err := q.Receive(ctx, "trades")
	require.NoError(t, err)

	got := d.Message()
	assert.Equal(t, msg.ID, got.ID)
	assert.Equal(t, models.KindTrade, got.Kind)
	assert.Equal(t, "T1", got.SourceTradeID)
	assert.Equal(t, 1, got.Attempt)
	require.NotNil(t, got.Event)
	assert.True(t, decimal.RequireFromString("0.03").Equal(got.Event.Quantity))
	assert.NoError(t, d.Ack(ctx))
}

func TestMemory_NackRedeliversWithNextAttempt(t *testing.T) {
	ctx := context.Background()
	q := NewMemory()
	defer q.Close()

	require.NoError(t, q.Publish(ctx, "trades", NewTradeMessage(sampleEvent("T1"))))
	d, err := q.Receive(ctx, "trades")
	require.NoError(t, err)
	require.NoError(t, d.Nack(ctx, 20*time.Millisecond))

	rctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	again, err := q.Receive(rctx, "trades")
	require.NoError(t, err)
	assert.Equal(t, "T1", again.Message().SourceTradeID)
	assert.Equal(t, 2, again.Message().Attempt)
}

func TestMemory_TopicsAreIndependent(t *testing.T) {
	ctx := context.Background()
	q := NewMemory()
	defer q.Close()

	require.NoError(t, q.Publish(ctx, "trade-results", NewResultMessage(&models.ResultEvent{SourceTradeID: "T9", Status: models.StatusExecuted})))

	rctx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	_, err := q.Receive(rctx, "trades")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	d, err := q.Receive(ctx, "trade-results")
	require.NoError(t, err)
	require.NotNil(t, d.Message().Result)
	assert.Equal(t, models.StatusExecuted, d.Message().Result.Status)
}

func TestMemory_Close(t *testing.T) {
	q := NewMemory()
	require.NoError(t, q.Close())

	_, err := q.Receive(context.Background(), "trades")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, q.Publish(context.Background(), "trades", NewTradeMessage(sampleEvent("T1"))), ErrClosed)
}

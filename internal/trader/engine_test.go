package trader

import (
	"context"
	"fmt"
	"testing"
	"time"

	"trade-replicator/internal/ledger"
	"trade-replicator/internal/models"
	"trade-replicator/internal/queue"
	"trade-replicator/internal/symbols"
	"trade-replicator/internal/venue"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestEngine_DrainsQueue(t *testing.T) {
	// Arrange
	h := setupProcessor(t)
	q := queue.NewMemory()
	defer q.Close()

	paper := venue.NewPaper(decimal.RequireFromString("100"), zap.NewNop())
	p := NewProcessor(h.cfg, h.ledger, paper, symbols.NewMapper(h.cfg.Symbols, zap.NewNop()), q, zap.NewNop())
	engine := NewEngine(h.cfg, q, p, zap.NewNop())
	assert.Equal(t, 2, engine.Concurrency())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for i := 0; i < 5; i++ {
		ev := openEvent(fmt.Sprintf("T%d", i), fmt.Sprintf("O%d", i))
		h.submit(t, ev)
		require.NoError(t, q.Publish(ctx, "trades", queue.NewTradeMessage(ev)))
	}

	// Act
	done := make(chan error, 1)
	go func() { done <- engine.Run(ctx) }()

	// Assert
	assert.Eventually(t, func() bool {
		for i := 0; i < 5; i++ {
			rec, err := h.ledger.Find(context.Background(), fmt.Sprintf("T%d", i))
			if err != nil || rec.Status != models.StatusExecuted {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	rec := h.record(t, "T0")
	volume, ok := paper.Open(rec.DestinationTicket)
	assert.True(t, ok)
	assert.True(t, volume.Equal(decimal.RequireFromString("0.03")))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop")
	}

	// result events went out on their own topic
	rctx, rcancel := context.WithTimeout(context.Background(), time.Second)
	defer rcancel()
	d, err := q.Receive(rctx, "trade-results")
	require.NoError(t, err)
	assert.Equal(t, models.KindResult, d.Message().Kind)
}

func TestEngine_StopsWhenQueueCloses(t *testing.T) {
	h := setupProcessor(t)
	q := queue.NewMemory()
	engine := NewEngine(h.cfg, q, h.p, zap.NewNop())

	done := make(chan error, 1)
	go func() { done <- engine.Run(context.Background()) }()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, q.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("engine did not stop")
	}
}

// oneShotConsumer hands out a single delivery, then blocks until ctx is done.
type oneShotConsumer struct {
	d    queue.Delivery
	sent chan struct{}
}

func (c *oneShotConsumer) Receive(ctx context.Context, _ string) (queue.Delivery, error) {
	select {
	case c.sent <- struct{}{}:
		return c.d, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestEngine_FinishesInFlightCallOnCancel(t *testing.T) {
	// Arrange
	h := setupProcessor(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan struct{})
	h.venue.On("PlaceOrder", mock.Anything).
		Run(func(mock.Arguments) {
			close(started)
			<-ctx.Done()
		}).
		Return(&venue.OrderResult{Ticket: "7001", Price: decimal.RequireFromString("64011")}, nil).Once()

	d := h.submit(t, openEvent("T1", "O1"))
	consumer := &oneShotConsumer{d: d, sent: make(chan struct{}, 1)}
	engine := NewEngine(h.cfg, consumer, h.p, zap.NewNop())

	done := make(chan error, 1)
	go func() { done <- engine.Run(ctx) }()

	// Act
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("venue call never started")
	}
	cancel()

	// Assert
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop")
	}

	rec := h.record(t, "T1")
	assert.Equal(t, models.StatusExecuted, rec.Status)
	assert.Equal(t, "7001", rec.DestinationTicket)
	d.mu.Lock()
	assert.True(t, d.acked)
	d.mu.Unlock()
	h.venue.AssertExpectations(t)
}

func TestEngine_UnconsumedResultTopicDoesNotStall(t *testing.T) {
	// Arrange: results share the memory queue and nobody reads them
	const trades = 1100
	h := setupProcessor(t)
	q := queue.NewMemory()
	defer q.Close()

	paper := venue.NewPaper(decimal.RequireFromString("100"), zap.NewNop())
	p := NewProcessor(h.cfg, h.ledger, paper, symbols.NewMapper(h.cfg.Symbols, zap.NewNop()), q, zap.NewNop())
	p.publishWait = 20 * time.Millisecond
	engine := NewEngine(h.cfg, q, p, zap.NewNop())

	events := make([]*models.TradeEvent, trades)
	for i := range events {
		events[i] = openEvent(fmt.Sprintf("T%d", i), fmt.Sprintf("O%d", i))
		h.submit(t, events[i])
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- engine.Run(ctx) }()

	// Act
	published := make(chan error, 1)
	go func() {
		for _, ev := range events {
			if err := q.Publish(ctx, "trades", queue.NewTradeMessage(ev)); err != nil {
				published <- err
				return
			}
		}
		published <- nil
	}()

	// Assert
	assert.Eventually(t, func() bool {
		recs, err := h.ledger.List(context.Background(), ledger.Filter{Status: models.StatusExecuted, Limit: 2 * trades})
		return err == nil && len(recs) == trades
	}, 30*time.Second, 50*time.Millisecond)
	require.NoError(t, <-published)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop")
	}
}

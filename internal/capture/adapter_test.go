package capture

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"trade-replicator/internal/config"
	"trade-replicator/internal/database"
	"trade-replicator/internal/ledger"
	"trade-replicator/internal/models"
	"trade-replicator/internal/queue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var dbSeq atomic.Int64

type failingPublisher struct{ calls int }

func (p *failingPublisher) Publish(context.Context, string, *models.QueueMessage) error {
	p.calls++
	return errors.New("broker unavailable")
}

func setupAdapter(t *testing.T, pub queue.Publisher) (*Adapter, *ledger.Ledger) {
	t.Helper()
	db, err := database.NewDatabase(config.Database{
		Driver:       "sqlite",
		DSN:          fmt.Sprintf("file:capture_%d?mode=memory&cache=shared", dbSeq.Add(1)),
		MaxOpenConns: 1,
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	l := ledger.New(db)
	return NewAdapter(l, pub, "trades", zap.NewNop()), l
}

func receive(t *testing.T, q *queue.Memory) *models.QueueMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d, err := q.Receive(ctx, "trades")
	require.NoError(t, err)
	require.NoError(t, d.Ack(ctx))
	return d.Message()
}

func TestAdapter_Ingest(t *testing.T) {
	ctx := context.Background()

	t.Run("AcceptsAndQueues", func(t *testing.T) {
		q := queue.NewMemory()
		defer q.Close()
		a, l := setupAdapter(t, q)

		res, err := a.Ingest(ctx, pair("POST", "/orders", marketForm, okOrder))
		require.NoError(t, err)
		assert.Equal(t, StatusAccepted, res.Status)
		assert.Equal(t, "order:O1", res.SourceTradeID)

		rec, err := l.Find(ctx, "order:O1")
		require.NoError(t, err)
		assert.Equal(t, models.StatusQueued, rec.Status)
		assert.Equal(t, "BTCUSD", rec.Instrument)

		msg := receive(t, q)
		assert.Equal(t, models.KindTrade, msg.Kind)
		assert.Equal(t, "order:O1", msg.SourceTradeID)
		require.NotNil(t, msg.Event)
		assert.Equal(t, "0.03", msg.Event.Quantity.String())
	})

	t.Run("DuplicateCaptureRecordedOnce", func(t *testing.T) {
		q := queue.NewMemory()
		defer q.Close()
		a, l := setupAdapter(t, q)

		_, err := a.Ingest(ctx, pair("POST", "/orders", marketForm, okOrder))
		require.NoError(t, err)
		res, err := a.Ingest(ctx, pair("POST", "/orders", marketForm, okOrder))
		require.NoError(t, err)
		assert.Equal(t, StatusDuplicate, res.Status)

		dups, err := l.Duplicates(ctx, "order:O1")
		require.NoError(t, err)
		require.Len(t, dups, 1)
		assert.Equal(t, models.StatusDuplicateIgnored, dups[0].Status)

		receive(t, q)
		emptyCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		_, err = q.Receive(emptyCtx, "trades")
		assert.ErrorIs(t, err, context.DeadlineExceeded, "a duplicate must not be dispatched")
	})

	t.Run("SkipIsNotAnError", func(t *testing.T) {
		a, l := setupAdapter(t, queue.NewMemory())

		res, err := a.Ingest(ctx, pair("POST", "/orders", "instrument=BTCUSD&side=buy&qty=1&type=stop", okOrder))
		require.NoError(t, err)
		assert.Equal(t, StatusSkipped, res.Status)
		assert.Contains(t, res.Reason, "unsupported order type")

		recs, err := l.List(ctx, ledger.Filter{})
		require.NoError(t, err)
		assert.Empty(t, recs)
	})

	t.Run("LinksPositionBeforeAndAfterOpen", func(t *testing.T) {
		q := queue.NewMemory()
		defer q.Close()
		a, l := setupAdapter(t, q)

		// confirmation for O2 arrives before its placement
		res, err := a.Ingest(ctx, pair("GET", "/executions", "",
			`{"s":"ok","d":[{"orderId":"O2","positionId":"P2"}]}`))
		require.NoError(t, err)
		assert.Equal(t, StatusLinked, res.Status)
		assert.Equal(t, 1, res.Links)

		_, err = a.Ingest(ctx, pair("POST", "/orders", marketForm, okOrder))
		require.NoError(t, err)
		_, err = a.Ingest(ctx, pair("POST", "/orders", marketForm, `{"s":"ok","d":{"orderId":"O2"}}`))
		require.NoError(t, err)

		_, err = a.Ingest(ctx, pair("GET", "/executions", "",
			`{"s":"ok","d":[{"orderId":"O1","positionId":"P1"}]}`))
		require.NoError(t, err)

		o1, err := l.Find(ctx, "order:O1")
		require.NoError(t, err)
		assert.Equal(t, "P1", o1.PositionID)
		o2, err := l.Find(ctx, "order:O2")
		require.NoError(t, err)
		assert.Equal(t, "P2", o2.PositionID)
	})

	t.Run("PublishFailureLeavesRecordNew", func(t *testing.T) {
		pub := &failingPublisher{}
		a, l := setupAdapter(t, pub)

		res, err := a.Ingest(ctx, pair("DELETE", "/positions/P9", "", okEmpty))
		require.NoError(t, err)
		assert.Equal(t, StatusAccepted, res.Status)
		assert.Equal(t, "publish deferred", res.Reason)
		assert.Equal(t, 1, pub.calls)

		rec, err := l.Find(ctx, "close:P9")
		require.NoError(t, err)
		assert.Equal(t, models.StatusNew, rec.Status)
	})

	t.Run("FillsMissingCaptureTime", func(t *testing.T) {
		q := queue.NewMemory()
		defer q.Close()
		a, l := setupAdapter(t, q)
		fixed := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
		a.now = func() time.Time { return fixed }

		p := pair("DELETE", "/positions/P3", "", okEmpty)
		p.CapturedAt = time.Time{}
		_, err := a.Ingest(ctx, p)
		require.NoError(t, err)

		rec, err := l.Find(ctx, "close:P3")
		require.NoError(t, err)
		assert.True(t, fixed.Equal(rec.CapturedAt))
	})
}

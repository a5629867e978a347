package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"trade-replicator/internal/capture"
	"trade-replicator/internal/config"
	"trade-replicator/internal/database"
	"trade-replicator/internal/ledger"
	"trade-replicator/internal/models"
	"trade-replicator/internal/queue"
	"trade-replicator/internal/symbols"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var dbSeq atomic.Int64

const placement = `{
	"flow_id": "f-1",
	"method": "POST",
	"url": "https://broker.example.com/accounts/42/orders?locale=en",
	"request": "instrument=BTCUSD&side=buy&qty=0.03&type=market&currentAsk=64010.5",
	"response": {"s": "ok", "d": {"orderId": "O1"}},
	"response_status": 200,
	"captured_at": "2026-03-02T09:30:00Z"
}`

type testServer struct {
	handler http.Handler
	ledger  *ledger.Ledger
	queue   *queue.Memory
}

func setupServer(t *testing.T, secret string) *testServer {
	t.Helper()
	db, err := database.NewDatabase(config.Database{
		Driver:       "sqlite",
		DSN:          fmt.Sprintf("file:api_%d?mode=memory&cache=shared", dbSeq.Add(1)),
		MaxOpenConns: 1,
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	q := queue.NewMemory()
	t.Cleanup(func() { _ = q.Close() })

	cfg := &config.Config{
		Capture: config.Capture{Secret: secret},
		Server:  config.Server{Port: 0},
		Symbols: config.Symbols{DefaultSuffix: ".a"},
	}
	l := ledger.New(db)
	srv := NewAPIServer(cfg, Deps{
		Role:        "all",
		Ledger:      l,
		Adapter:     capture.NewAdapter(l, q, "trades", zap.NewNop()),
		Mapper:      symbols.NewMapper(cfg.Symbols, zap.NewNop()),
		Concurrency: 4,
	}, zap.NewNop())
	return &testServer{handler: srv.Handler(), ledger: l, queue: q}
}

func (s *testServer) do(t *testing.T, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	return w
}

func sign(secret, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestHealthAndStatus(t *testing.T) {
	s := setupServer(t, "")

	w := s.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK\n", w.Body.String())

	w = s.do(t, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	var status statusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, "all", status.Role)
	assert.Equal(t, 4, status.Concurrency)
	assert.Equal(t, uint64(1), status.MappingVersion)
	assert.NotEmpty(t, status.StartTime)
}

func TestCapture(t *testing.T) {
	t.Run("AcceptedThenDuplicate", func(t *testing.T) {
		s := setupServer(t, "")

		w := s.do(t, http.MethodPost, "/api/v1/capture", placement)
		require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
		var res capture.Result
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
		assert.Equal(t, capture.StatusAccepted, res.Status)
		assert.Equal(t, "order:O1", res.SourceTradeID)

		w = s.do(t, http.MethodPost, "/api/v1/capture", placement)
		require.Equal(t, http.StatusOK, w.Code)
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
		assert.Equal(t, capture.StatusDuplicate, res.Status)

		w = s.do(t, http.MethodGet, "/api/v1/trades/order:O1", "")
		require.Equal(t, http.StatusOK, w.Code)
		var trade tradeResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &trade))
		assert.Equal(t, models.StatusQueued, trade.Record.Status)
		assert.Equal(t, "BTCUSD", trade.Record.Instrument)
		assert.True(t, trade.Record.Quantity.Equal(decimal.RequireFromString("0.03")))
		require.Len(t, trade.Duplicates, 1)
		assert.Equal(t, models.StatusDuplicateIgnored, trade.Duplicates[0].Status)
	})

	t.Run("Skipped", func(t *testing.T) {
		s := setupServer(t, "")
		body := `{"method":"GET","url":"https://broker.example.com/accounts/42/quotes","response":{"s":"ok"}}`

		w := s.do(t, http.MethodPost, "/api/v1/capture", body)
		require.Equal(t, http.StatusOK, w.Code)
		var res capture.Result
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
		assert.Equal(t, capture.StatusSkipped, res.Status)
		assert.Contains(t, res.Reason, "unrecognized endpoint")
	})

	t.Run("InvalidBody", func(t *testing.T) {
		s := setupServer(t, "")
		assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/api/v1/capture", `{"method":"POST"}`).Code)
		assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/api/v1/capture", `not json`).Code)
	})

	t.Run("Signature", func(t *testing.T) {
		s := setupServer(t, "s3cret")

		w := s.do(t, http.MethodPost, "/api/v1/capture", placement)
		assert.Equal(t, http.StatusUnauthorized, w.Code)

		w = s.do(t, http.MethodPost, "/api/v1/capture", placement, SignatureHeader, sign("other", placement))
		assert.Equal(t, http.StatusUnauthorized, w.Code)

		w = s.do(t, http.MethodPost, "/api/v1/capture", placement, SignatureHeader, sign("s3cret", placement))
		assert.Equal(t, http.StatusAccepted, w.Code)
	})
}

func TestTradeQueries(t *testing.T) {
	s := setupServer(t, "")
	ctx := context.Background()

	require.Equal(t, http.StatusAccepted, s.do(t, http.MethodPost, "/api/v1/capture", placement).Code)
	links := `{"method":"GET","url":"https://broker.example.com/accounts/42/executions","response":{"s":"ok","d":[{"orderId":"O1","positionId":"P1"}]}}`
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/v1/capture", links).Code)
	closeBody := `{"method":"DELETE","url":"https://broker.example.com/accounts/42/positions/P1","response":{"s":"ok"}}`
	require.Equal(t, http.StatusAccepted, s.do(t, http.MethodPost, "/api/v1/capture", closeBody).Code)
	require.NoError(t, s.ledger.UpdateStatus(ctx, "close:P1", models.StatusFailed, ledger.Fields{
		ErrorKind:    models.ErrorKindUnresolvedPosition,
		ErrorMessage: "unresolved position reference",
	}))

	t.Run("ByPosition", func(t *testing.T) {
		w := s.do(t, http.MethodGet, "/api/v1/positions/P1/trades", "")
		require.Equal(t, http.StatusOK, w.Code)
		var recs []models.TradeRecord
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &recs))
		require.Len(t, recs, 2)
		assert.Equal(t, "order:O1", recs[0].SourceTradeID)
		assert.Equal(t, "close:P1", recs[1].SourceTradeID)
	})

	t.Run("ByStatus", func(t *testing.T) {
		w := s.do(t, http.MethodGet, "/api/v1/trades?status=failed", "")
		require.Equal(t, http.StatusOK, w.Code)
		var recs []models.TradeRecord
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &recs))
		require.Len(t, recs, 1)
		assert.Equal(t, "close:P1", recs[0].SourceTradeID)

		w = s.do(t, http.MethodGet, "/api/v1/trades?status=unknown_outcome", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `[]`, w.Body.String())

		assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/api/v1/trades?status=lost", "").Code)
		assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/api/v1/trades?limit=-1", "").Code)
	})

	t.Run("NotFound", func(t *testing.T) {
		assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/v1/trades/order:nope", "").Code)
	})
}

func TestReconcile(t *testing.T) {
	s := setupServer(t, "")
	ctx := context.Background()

	require.Equal(t, http.StatusAccepted, s.do(t, http.MethodPost, "/api/v1/capture", placement).Code)
	require.NoError(t, s.ledger.UpdateStatus(ctx, "order:O1", models.StatusExecuting, ledger.Fields{DestinationInstrument: "BTCUSD.a"}))

	// not flagged yet
	w := s.do(t, http.MethodPost, "/api/v1/trades/order:O1/reconcile", `{"outcome":"failed"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	flagged, err := s.ledger.FlagUnknownOutcome(ctx, "order:O1", time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.True(t, flagged)

	w = s.do(t, http.MethodGet, "/api/v1/trades?status=unknown_outcome", "")
	var recs []models.TradeRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &recs))
	require.Len(t, recs, 1)

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/api/v1/trades/order:O1/reconcile", `{"outcome":"executed"}`).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/api/v1/trades/order:O1/reconcile", `{"outcome":"maybe"}`).Code)

	w = s.do(t, http.MethodPost, "/api/v1/trades/order:O1/reconcile",
		`{"outcome":"executed","ticket":"5001","price":"64011.5","message":"position found on destination"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var rec models.TradeRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	assert.Equal(t, models.StatusExecuted, rec.Status)
	assert.Equal(t, "5001", rec.DestinationTicket)
	assert.True(t, rec.ExecutionPrice.Decimal.Equal(decimal.RequireFromString("64011.5")))

	w = s.do(t, http.MethodPost, "/api/v1/trades/order:O1/reconcile", `{"outcome":"failed"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/trades/missing/reconcile", `{"outcome":"failed"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"a":1}`)
	assert.True(t, verifySignature([]byte("k"), body, sign("k", string(body))))
	assert.False(t, verifySignature([]byte("k"), body, ""))
	assert.False(t, verifySignature([]byte("k"), body, "zz"))
	assert.False(t, verifySignature([]byte("k"), []byte(`{"a":2}`), sign("k", string(body))))
}

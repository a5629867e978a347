package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"time"

	"trade-replicator/internal/capture"
	"trade-replicator/internal/ledger"
	"trade-replicator/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// SignatureHeader carries the hex HMAC-SHA256 of a capture body.
const SignatureHeader = "X-Signature"

// statusUnknownOutcome selects flagged executing records in listings.
const statusUnknownOutcome = "unknown_outcome"

// Handler holds dependencies for the API endpoints.
type Handler struct {
	logger  *zap.Logger
	deps    Deps
	secret  []byte
	started time.Time
}

// Load registers the routes on g.
func (h *Handler) Load(g *gin.Engine) {
	g.GET("/health", h.health)
	g.GET("/status", h.status)

	base := g.Group("/api/v1")
	if h.deps.Adapter != nil {
		base.POST("/capture", h.captureExchange)
	}
	t := base.Group("/trades")
	{
		t.GET("", h.listTrades)
		t.GET("/:id", h.getTrade)
		t.POST("/:id/reconcile", h.reconcile)
	}
	base.GET("/positions/:id/trades", h.positionTrades)
}

func (h *Handler) health(c *gin.Context) {
	c.String(http.StatusOK, "OK\n")
}

type statusResponse struct {
	Role           string `json:"role"`
	StartTime      string `json:"start_time"`
	Uptime         string `json:"uptime"`
	Concurrency    int    `json:"concurrency"`
	MappingVersion uint64 `json:"mapping_version"`
}

func (h *Handler) status(c *gin.Context) {
	resp := statusResponse{
		Role:        h.deps.Role,
		StartTime:   h.started.Format(time.RFC3339),
		Uptime:      time.Since(h.started).Round(time.Second).String(),
		Concurrency: h.deps.Concurrency,
	}
	if h.deps.Mapper != nil {
		resp.MappingVersion = h.deps.Mapper.Version()
	}
	c.JSON(http.StatusOK, resp)
}

// captureRequest is one intercepted exchange as posted by the interception layer.
// Bodies are passed through raw: JSON objects, JSON strings or form text.
type captureRequest struct {
	FlowID         string          `json:"flow_id"`
	Method         string          `json:"method" binding:"required"`
	URL            string          `json:"url" binding:"required"`
	Request        json.RawMessage `json:"request"`
	Response       json.RawMessage `json:"response"`
	ResponseStatus int             `json:"response_status"`
	CapturedAt     time.Time       `json:"captured_at"`
}

func (h *Handler) captureExchange(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}
	if len(h.secret) > 0 && !verifySignature(h.secret, body, c.GetHeader(SignatureHeader)) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	var req captureRequest
	if err := json.Unmarshal(body, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON: " + err.Error()})
		return
	}
	if err := binding.Validator.ValidateStruct(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	status := req.ResponseStatus
	if status == 0 {
		status = http.StatusOK
	}
	res, err := h.deps.Adapter.Ingest(c.Request.Context(), capture.Pair{
		FlowID:         req.FlowID,
		Method:         req.Method,
		URL:            req.URL,
		Request:        req.Request,
		Response:       req.Response,
		ResponseStatus: status,
		CapturedAt:     req.CapturedAt.UTC(),
	})
	if err != nil {
		h.logger.Error("Failed to ingest capture", zap.String("flow_id", req.FlowID), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "capture not recorded, retry"})
		return
	}

	code := http.StatusOK
	if res.Status == capture.StatusAccepted {
		code = http.StatusAccepted
	}
	c.JSON(code, res)
}

func verifySignature(secret, body []byte, header string) bool {
	provided, err := hex.DecodeString(header)
	if err != nil || len(provided) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(provided, mac.Sum(nil))
}

type tradeResponse struct {
	Record     *models.TradeRecord  `json:"record"`
	Duplicates []models.TradeRecord `json:"duplicates"`
}

func (h *Handler) getTrade(c *gin.Context) {
	id := c.Param("id")
	rec, err := h.deps.Ledger.Find(c.Request.Context(), id)
	if err != nil {
		h.ledgerError(c, err)
		return
	}
	dups, err := h.deps.Ledger.Duplicates(c.Request.Context(), id)
	if err != nil {
		h.ledgerError(c, err)
		return
	}
	if dups == nil {
		dups = []models.TradeRecord{}
	}
	c.JSON(http.StatusOK, tradeResponse{Record: rec, Duplicates: dups})
}

func (h *Handler) positionTrades(c *gin.Context) {
	recs, err := h.deps.Ledger.FindByPositionID(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.ledgerError(c, err)
		return
	}
	if recs == nil {
		recs = []models.TradeRecord{}
	}
	c.JSON(http.StatusOK, recs)
}

func (h *Handler) listTrades(c *gin.Context) {
	var f ledger.Filter
	switch s := c.Query("status"); s {
	case "":
	case statusUnknownOutcome:
		f.UnknownOutcome = true
	default:
		st := models.Status(s)
		if !st.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status " + strconv.Quote(s)})
			return
		}
		f.Status = st
	}
	if l := c.Query("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		f.Limit = n
	}

	recs, err := h.deps.Ledger.List(c.Request.Context(), f)
	if err != nil {
		h.ledgerError(c, err)
		return
	}
	if recs == nil {
		recs = []models.TradeRecord{}
	}
	c.JSON(http.StatusOK, recs)
}

type reconcileRequest struct {
	Outcome string              `json:"outcome" binding:"required,oneof=executed failed"`
	Ticket  string              `json:"ticket" binding:"required_if=Outcome executed"`
	Price   decimal.NullDecimal `json:"price"`
	Message string              `json:"message"`
}

func (h *Handler) reconcile(c *gin.Context) {
	var req reconcileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id := c.Param("id")
	err := h.deps.Ledger.Resolve(c.Request.Context(), id, ledger.Resolution{
		Outcome: models.Status(req.Outcome),
		Ticket:  req.Ticket,
		Price:   req.Price,
		Note:    req.Message,
	})
	if err != nil {
		h.ledgerError(c, err)
		return
	}
	h.logger.Info("Unknown outcome reconciled",
		zap.String("source_trade_id", id),
		zap.String("outcome", req.Outcome),
		zap.String("ticket", req.Ticket),
	)

	rec, err := h.deps.Ledger.Find(c.Request.Context(), id)
	if err != nil {
		h.ledgerError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handler) ledgerError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, ledger.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		h.logger.Error("Ledger request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ledger unavailable"})
	}
}

package venue

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"trade-replicator/internal/config"

	"github.com/go-resty/resty/v2"
	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RestClient talks to the destination terminal's REST bridge.
// It implements the Venue interface.
type RestClient struct {
	client    *resty.Client
	session   *Session
	logger    *zap.Logger
	limiter   *rate.Limiter
	login     string
	password  string
	server    string
	magic     int
	deviation int
}

// ensure RestClient implements the interface
var _ Venue = (*RestClient)(nil)

// NewRestClient creates a new bridge client.
func NewRestClient(cfg config.Destination, logger *zap.Logger) *RestClient {
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetHeader("Content-Type", "application/json").
		SetJSONMarshaler(json.Marshal).
		SetJSONUnmarshaler(json.Unmarshal)

	// rate.Limit is requests per second.
	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimitBurst)

	c := &RestClient{
		client:    client,
		logger:    logger.Named("venue"),
		limiter:   limiter,
		login:     cfg.Login,
		password:  cfg.Password,
		server:    cfg.Server,
		magic:     cfg.Magic,
		deviation: cfg.Deviation,
	}
	c.session = NewSession(c.openSession)
	return c
}

// ticketID accepts tickets sent as JSON numbers or strings.
type ticketID string

func (t *ticketID) UnmarshalJSON(b []byte) error {
	*t = ticketID(strings.Trim(string(b), `"`))
	return nil
}

type apiError struct {
	Retcode int    `json:"retcode"`
	Message string `json:"message"`
	Comment string `json:"comment"`
}

func (e *apiError) text() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Comment
}

type sessionResponse struct {
	Token string `json:"token"`
}

func (c *RestClient) openSession(ctx context.Context) (string, error) {
	var result sessionResponse
	var apiErr apiError

	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(map[string]string{"login": c.login, "password": c.password, "server": c.server}).
		SetResult(&result).
		SetError(&apiErr).
		Post("/session")
	if err != nil {
		return "", &Error{Kind: ErrTransient, Message: err.Error(), Err: err}
	}
	if resp.IsError() || result.Token == "" {
		c.logger.Error("Session login rejected", zap.Int("status", resp.StatusCode()), zap.String("message", apiErr.text()))
		return "", &Error{Kind: ErrAuth, StatusCode: resp.StatusCode(), Message: apiErr.text()}
	}
	c.logger.Info("Session established", zap.String("login", c.login), zap.String("server", c.server))
	return result.Token, nil
}

// doRequest executes one bridge call with rate limiting. A rejected session is
// refreshed once and the call repeated; every other failure is classified and
// returned to the caller, which owns the retry policy.
func (c *RestClient) doRequest(ctx context.Context, method, path string, body, result interface{}) (*resty.Response, error) {
	refreshed := false

	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &Error{Kind: ErrTransient, Message: "rate limiter wait failed", Err: err}
		}

		token, err := c.session.Token(ctx)
		if err != nil {
			return nil, err
		}

		var apiErr apiError
		req := c.client.R().
			SetContext(ctx).
			SetAuthToken(token).
			SetError(&apiErr)
		if body != nil {
			req.SetBody(body)
		}
		if result != nil {
			req.SetResult(result)
		}

		c.logger.Debug("Executing request", zap.String("method", method), zap.String("path", path))
		resp, err := req.Execute(method, path)
		if err != nil {
			// connection refused, reset, or the call timeout fired
			return nil, &Error{Kind: ErrTransient, Message: err.Error(), Err: err}
		}

		if !resp.IsError() {
			return resp, nil
		}

		kind := classifyStatus(resp.StatusCode())
		if errors.Is(kind, ErrAuth) && !refreshed {
			refreshed = true
			c.logger.Warn("Session rejected, refreshing", zap.Int("status", resp.StatusCode()))
			if _, err := c.session.Refresh(ctx, token); err != nil {
				return nil, err
			}
			continue
		}

		verr := &Error{Kind: kind, StatusCode: resp.StatusCode(), Retcode: apiErr.Retcode, Message: apiErr.text()}
		if verr.Message == "" {
			verr.Message = strings.TrimSpace(resp.String())
		}
		if apiErr.Retcode != 0 && !errors.Is(kind, ErrAuth) {
			verr.Kind = classifyRetcode(apiErr.Retcode)
		}
		if resp.StatusCode() == http.StatusTooManyRequests {
			if seconds, err := strconv.Atoi(resp.Header().Get("Retry-After")); err == nil {
				verr.RetryAfter = time.Duration(seconds) * time.Second
			}
		}
		return nil, verr
	}
}

type orderBody struct {
	Symbol    string           `json:"symbol"`
	Side      string           `json:"side"`
	Volume    decimal.Decimal  `json:"volume"`
	Type      string           `json:"type"`
	SL        *decimal.Decimal `json:"sl,omitempty"`
	TP        *decimal.Decimal `json:"tp,omitempty"`
	Comment   string           `json:"comment,omitempty"`
	Magic     int              `json:"magic"`
	Deviation int              `json:"deviation"`
}

type tradeResponse struct {
	Retcode int             `json:"retcode"`
	Ticket  ticketID        `json:"ticket"`
	Price   decimal.Decimal `json:"price"`
	Comment string          `json:"comment"`
}

func (r *tradeResponse) err() error {
	if succeeded(r.Retcode) {
		return nil
	}
	return &Error{Kind: classifyRetcode(r.Retcode), Retcode: r.Retcode, Message: r.Comment}
}

// PlaceOrder opens a market position.
func (c *RestClient) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	if req.OrderType == "" {
		req.OrderType = OrderTypeMarket
	}
	body := orderBody{
		Symbol:    req.Symbol,
		Side:      string(req.Side),
		Volume:    req.Volume,
		Type:      req.OrderType,
		SL:        nullable(req.StopLoss),
		TP:        nullable(req.TakeProfit),
		Comment:   req.Comment,
		Magic:     c.magic,
		Deviation: c.deviation,
	}

	var result tradeResponse
	if _, err := c.doRequest(ctx, http.MethodPost, "/orders", body, &result); err != nil {
		c.logger.Error("Failed to place order", zap.String("symbol", req.Symbol), zap.Error(err))
		return nil, err
	}
	if err := result.err(); err != nil {
		return nil, err
	}
	if result.Ticket == "" {
		return nil, &Error{Kind: ErrPermanent, Message: "order accepted without a ticket"}
	}

	c.logger.Info("Order placed",
		zap.String("symbol", req.Symbol),
		zap.String("ticket", string(result.Ticket)),
		zap.String("price", result.Price.String()),
	)
	return &OrderResult{Ticket: string(result.Ticket), Price: result.Price}, nil
}

type closeBody struct {
	Volume    *decimal.Decimal `json:"volume,omitempty"`
	Magic     int              `json:"magic"`
	Deviation int              `json:"deviation"`
}

// ClosePosition closes a position fully, or partially when volume is set.
func (c *RestClient) ClosePosition(ctx context.Context, ticket string, volume decimal.NullDecimal) (*CloseResult, error) {
	body := closeBody{Volume: nullable(volume), Magic: c.magic, Deviation: c.deviation}

	var result tradeResponse
	if _, err := c.doRequest(ctx, http.MethodPost, "/positions/"+ticket+"/close", body, &result); err != nil {
		c.logger.Error("Failed to close position", zap.String("ticket", ticket), zap.Error(err))
		return nil, err
	}
	if err := result.err(); err != nil {
		return nil, err
	}
	return &CloseResult{Price: result.Price}, nil
}

type modifyBody struct {
	SL       *decimal.Decimal `json:"sl,omitempty"`
	TP       *decimal.Decimal `json:"tp,omitempty"`
	Trailing *decimal.Decimal `json:"trailing,omitempty"`
}

// ModifyPosition changes the protection levels of a position.
func (c *RestClient) ModifyPosition(ctx context.Context, ticket string, req ModifyRequest) error {
	body := modifyBody{
		SL:       nullable(req.StopLoss),
		TP:       nullable(req.TakeProfit),
		Trailing: nullable(req.TrailingStop),
	}
	if body.SL == nil && body.TP == nil && body.Trailing == nil {
		return &Error{Kind: ErrPermanent, Message: "modify without any level"}
	}

	var result tradeResponse
	if _, err := c.doRequest(ctx, http.MethodPut, "/positions/"+ticket, body, &result); err != nil {
		c.logger.Error("Failed to modify position", zap.String("ticket", ticket), zap.Error(err))
		return err
	}
	return result.err()
}

func nullable(d decimal.NullDecimal) *decimal.Decimal {
	if !d.Valid {
		return nil
	}
	v := d.Decimal
	return &v
}

// Connect opens the bridge session so bad credentials surface at startup.
func (c *RestClient) Connect(ctx context.Context) error {
	_, err := c.session.Token(ctx)
	return err
}

// String describes the client for startup logs.
func (c *RestClient) String() string {
	return fmt.Sprintf("bridge %s (login %s)", c.client.BaseURL, c.login)
}

package capture

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"trade-replicator/internal/models"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// ErrSkip marks captures that are not replicable trade actions.
var ErrSkip = errors.New("capture skipped")

// SkipError carries the reason a capture was filtered out.
type SkipError struct {
	Reason string
}

func (e *SkipError) Error() string { return "skipped: " + e.Reason }
func (e *SkipError) Unwrap() error { return ErrSkip }

func skip(format string, args ...interface{}) error {
	return &SkipError{Reason: fmt.Sprintf(format, args...)}
}

// Pair is one intercepted request/response exchange.
type Pair struct {
	FlowID         string
	Method         string
	URL            string
	Request        []byte
	Response       []byte
	ResponseStatus int
	CapturedAt     time.Time
}

// Outcome is what a capture contributes: a trade event, position links, or both.
type Outcome struct {
	Event *models.TradeEvent
	Links []models.PositionLink
}

var (
	positionPath   = regexp.MustCompile(`/positions/([^/?]+)/?$`)
	protectionPath = regexp.MustCompile(`/orders/([^/?.]+)\.(TP|SL)\.([^/?]+)$`)
)

// Normalizer converts captured exchanges into canonical events. It has no side effects.
type Normalizer struct {
	validate *validator.Validate
}

// NewNormalizer creates a Normalizer.
func NewNormalizer() *Normalizer {
	return &Normalizer{validate: newValidator()}
}

// Normalize classifies a capture by endpoint shape and validates it against the
// schema of its action. Every rejection is a *SkipError.
func (n *Normalizer) Normalize(p Pair) (*Outcome, error) {
	u, err := url.Parse(p.URL)
	if err != nil {
		return nil, skip("unparseable url: %v", err)
	}
	if p.ResponseStatus >= http.StatusBadRequest {
		return nil, skip("source answered http %d", p.ResponseStatus)
	}

	method := strings.ToUpper(p.Method)
	path := u.Path

	switch {
	case method == http.MethodDelete && protectionPath.MatchString(path):
		return n.protectionRemoval(p, u, protectionPath.FindStringSubmatch(path))
	case method == http.MethodPost && strings.HasSuffix(path, "/orders"):
		return n.placement(p, u)
	case strings.HasSuffix(path, "/executions"):
		return n.executions(p)
	case method == http.MethodDelete && positionPath.MatchString(path):
		return n.positionClose(p, u, positionPath.FindStringSubmatch(path)[1])
	case method == http.MethodPut && positionPath.MatchString(path):
		return n.positionModify(p, u, positionPath.FindStringSubmatch(path)[1])
	}
	return nil, skip("unrecognized endpoint %s %s", method, path)
}

// request merges query parameters with the body; body fields win.
func requestFields(p Pair, u *url.URL) (map[string]interface{}, error) {
	body, err := parseBody(p.Request)
	if err != nil {
		return nil, skip("%v", err)
	}
	fields := flatten(u.Query())
	for k, v := range body {
		fields[k] = v
	}
	return fields, nil
}

// responseData checks the source's {s, d} envelope and returns d.
func responseData(p Pair) (interface{}, error) {
	fields, err := parseBody(p.Response)
	if err != nil {
		return nil, skip("response: %v", err)
	}
	var env envelope
	if err := decodeForm(fields, &env); err != nil {
		return nil, skip("response: %v", err)
	}
	if env.S != "ok" {
		reason := env.ErrMsg
		if reason == "" {
			reason = "status " + env.S
		}
		return nil, skip("source rejected request: %s", reason)
	}
	return env.D, nil
}

func (n *Normalizer) check(form interface{}) error {
	if err := n.validate.Struct(form); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return skip("field %s failed %s", fe.Field(), fe.Tag())
		}
		return skip("validation: %v", err)
	}
	return nil
}

func (n *Normalizer) placement(p Pair, u *url.URL) (*Outcome, error) {
	fields, err := requestFields(p, u)
	if err != nil {
		return nil, err
	}
	var form placementForm
	if err := decodeForm(fields, &form); err != nil {
		return nil, skip("order form: %v", err)
	}
	form.Side = strings.ToLower(strings.TrimSpace(form.Side))
	form.Type = strings.ToLower(strings.TrimSpace(form.Type))
	if err := n.check(&form); err != nil {
		return nil, err
	}
	if form.Type != "market" {
		return nil, skip("unsupported order type %q", form.Type)
	}

	data, err := responseData(p)
	if err != nil {
		return nil, err
	}
	var res placementResult
	if err := decodeForm(data, &res); err != nil {
		return nil, skip("order response: %v", err)
	}
	if err := n.check(&res); err != nil {
		return nil, err
	}

	ev := &models.TradeEvent{
		SourceTradeID: "order:" + res.OrderID,
		OrderID:       res.OrderID,
		Instrument:    strings.TrimSpace(form.Instrument),
		Side:          models.Side(form.Side),
		Quantity:      form.Qty,
		ActionType:    models.ActionOpen,
		Ask:           form.CurrentAsk,
		Bid:           form.CurrentBid,
		StopLoss:      form.StopLoss,
		TakeProfit:    form.TakeProfit,
		RawPayload:    canonicalJSON(fields),
		RawResponse:   rawResponse(p),
		CapturedAt:    p.CapturedAt,
	}
	return &Outcome{Event: ev}, nil
}

func (n *Normalizer) executions(p Pair) (*Outcome, error) {
	data, err := responseData(p)
	if err != nil {
		return nil, err
	}
	var rows []executionRow
	if err := decodeForm(data, &rows); err != nil {
		return nil, skip("executions response: %v", err)
	}

	seen := make(map[string]bool)
	var links []models.PositionLink
	for _, row := range rows {
		if row.OrderID == "" || row.PositionID == "" || seen[row.OrderID] {
			continue
		}
		seen[row.OrderID] = true
		links = append(links, models.PositionLink{OrderID: row.OrderID, PositionID: row.PositionID})
	}
	if len(links) == 0 {
		return nil, skip("executions without position references")
	}
	return &Outcome{Links: links}, nil
}

func (n *Normalizer) positionClose(p Pair, u *url.URL, positionID string) (*Outcome, error) {
	fields, err := requestFields(p, u)
	if err != nil {
		return nil, err
	}
	var form closeForm
	if err := decodeForm(fields, &form); err != nil {
		return nil, skip("close form: %v", err)
	}
	if err := n.check(&form); err != nil {
		return nil, err
	}
	if _, err := responseData(p); err != nil {
		return nil, err
	}

	ev := &models.TradeEvent{
		PositionID:  positionID,
		ActionType:  models.ActionClose,
		RawPayload:  canonicalJSON(fields),
		RawResponse: rawResponse(p),
		CapturedAt:  p.CapturedAt,
	}
	if form.Amount.Valid {
		ev.ActionType = models.ActionPartialClose
		ev.Quantity = form.Amount.Decimal
		ev.SourceTradeID = actionID(ev.ActionType, positionID, form.RequestID, p)
	} else {
		// a position closes fully at most once
		ev.SourceTradeID = "close:" + positionID
	}
	return &Outcome{Event: ev}, nil
}

func (n *Normalizer) positionModify(p Pair, u *url.URL, positionID string) (*Outcome, error) {
	fields, err := requestFields(p, u)
	if err != nil {
		return nil, err
	}
	var form modifyForm
	if err := decodeForm(fields, &form); err != nil {
		return nil, skip("modify form: %v", err)
	}
	if err := n.check(&form); err != nil {
		return nil, err
	}
	if _, err := responseData(p); err != nil {
		return nil, err
	}

	action, err := modifyAction(form)
	if err != nil {
		return nil, err
	}
	ev := &models.TradeEvent{
		SourceTradeID: actionID(action, positionID, form.RequestID, p),
		PositionID:    positionID,
		ActionType:    action,
		StopLoss:      form.StopLoss,
		TakeProfit:    form.TakeProfit,
		TrailingStop:  form.TrailingStop,
		RawPayload:    canonicalJSON(fields),
		RawResponse:   rawResponse(p),
		CapturedAt:    p.CapturedAt,
	}
	return &Outcome{Event: ev}, nil
}

// modifyAction picks the narrowest action for the levels being changed.
func modifyAction(f modifyForm) (models.ActionType, error) {
	set := 0
	for _, d := range []decimal.NullDecimal{f.StopLoss, f.TakeProfit, f.TrailingStop} {
		if d.Valid {
			set++
		}
	}
	switch {
	case set == 0:
		return "", skip("modify without protection levels")
	case set > 1:
		return models.ActionModify, nil
	case f.TrailingStop.Valid:
		return models.ActionTrailStop, nil
	case f.StopLoss.Valid:
		return models.ActionSetStop, nil
	default:
		return models.ActionSetTakeProfit, nil
	}
}

func (n *Normalizer) protectionRemoval(p Pair, u *url.URL, m []string) (*Outcome, error) {
	if _, err := responseData(p); err != nil {
		return nil, err
	}
	fields, err := requestFields(p, u)
	if err != nil {
		return nil, err
	}

	orderID, leg, stamp := m[1], m[2], m[3]
	ev := &models.TradeEvent{
		OrderID:     orderID,
		RawPayload:  canonicalJSON(fields),
		RawResponse: rawResponse(p),
		CapturedAt:  p.CapturedAt,
	}
	if leg == "TP" {
		ev.ActionType = models.ActionSetTakeProfit
		ev.TakeProfit = decimal.NewNullDecimal(decimal.Zero)
	} else {
		ev.ActionType = models.ActionSetStop
		ev.StopLoss = decimal.NewNullDecimal(decimal.Zero)
	}
	ev.SourceTradeID = fmt.Sprintf("%s:%s:%s", ev.ActionType, orderID, stamp)
	return &Outcome{Event: ev}, nil
}

// actionID builds the idempotency key of a position action. The source's request
// id is preferred, then the capture flow id, then a digest of the exchange.
func actionID(action models.ActionType, ref, requestID string, p Pair) string {
	disc := requestID
	if disc == "" {
		disc = p.FlowID
	}
	if disc == "" {
		sum := sha256.New()
		sum.Write([]byte(strings.ToUpper(p.Method)))
		sum.Write([]byte{0})
		sum.Write([]byte(p.URL))
		sum.Write([]byte{0})
		sum.Write(p.Request)
		disc = hex.EncodeToString(sum.Sum(nil))[:16]
	}
	return fmt.Sprintf("%s:%s:%s", action, ref, disc)
}

func rawResponse(p Pair) []byte {
	fields, err := parseBody(p.Response)
	if err != nil {
		return nil
	}
	return canonicalJSON(fields)
}

package capture

import (
	"bytes"
	"fmt"
	"net/url"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// Per-endpoint schemas. Field names follow the source venue's wire names.

type placementForm struct {
	Instrument string              `form:"instrument" validate:"required"`
	Side       string              `form:"side" validate:"required,oneof=buy sell"`
	Qty        decimal.Decimal     `form:"qty" validate:"gt=0"`
	Type       string              `form:"type" validate:"required"`
	CurrentAsk decimal.NullDecimal `form:"currentAsk" validate:"omitempty,gt=0"`
	CurrentBid decimal.NullDecimal `form:"currentBid" validate:"omitempty,gt=0"`
	TakeProfit decimal.NullDecimal `form:"takeProfit" validate:"omitempty,gte=0"`
	StopLoss   decimal.NullDecimal `form:"stopLoss" validate:"omitempty,gte=0"`
	RequestID  string              `form:"requestId"`
}

type placementResult struct {
	OrderID           string `form:"orderId" validate:"required"`
	TakeProfitOrderID string `form:"takeProfitOrderId"`
	StopLossOrderID   string `form:"stopLossOrderId"`
}

type executionRow struct {
	OrderID    string `form:"orderId"`
	PositionID string `form:"positionId"`
}

type closeForm struct {
	Amount    decimal.NullDecimal `form:"amount" validate:"omitempty,gt=0"`
	RequestID string              `form:"requestId"`
}

type modifyForm struct {
	StopLoss     decimal.NullDecimal `form:"stopLoss" validate:"omitempty,gte=0"`
	TakeProfit   decimal.NullDecimal `form:"takeProfit" validate:"omitempty,gte=0"`
	TrailingStop decimal.NullDecimal `form:"trailingStopPips" validate:"omitempty,gt=0"`
	RequestID    string              `form:"requestId"`
}

type envelope struct {
	S      string      `form:"s"`
	D      interface{} `form:"d"`
	ErrMsg string      `form:"errmsg"`
}

var (
	decimalType     = reflect.TypeOf(decimal.Decimal{})
	nullDecimalType = reflect.TypeOf(decimal.NullDecimal{})
)

// newValidator exposes decimals to validator as float64 so the stock numeric tags apply.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		switch d := field.Interface().(type) {
		case decimal.Decimal:
			f, _ := d.Float64()
			return f
		case decimal.NullDecimal:
			if !d.Valid {
				return nil
			}
			f, _ := d.Decimal.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{}, decimal.NullDecimal{})
	return v
}

// decimalHook converts strings and numbers into decimals. Empty strings
// become an unset NullDecimal.
func decimalHook() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != decimalType && to != nullDecimalType {
			return data, nil
		}

		var s string
		switch v := reflect.ValueOf(data); v.Kind() {
		case reflect.String:
			s = strings.TrimSpace(v.String())
		case reflect.Float32, reflect.Float64:
			s = strconv.FormatFloat(v.Float(), 'f', -1, 64)
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			s = strconv.FormatInt(v.Int(), 10)
		case reflect.Invalid:
			s = ""
		default:
			return data, nil
		}

		if s == "" {
			if to == nullDecimalType {
				return decimal.NullDecimal{}, nil
			}
			return decimal.Zero, nil
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return nil, fmt.Errorf("invalid decimal %q: %w", s, err)
		}
		if to == nullDecimalType {
			return decimal.NewNullDecimal(d), nil
		}
		return d, nil
	}
}

// decodeForm maps loosely typed captured fields onto a schema struct.
func decodeForm(fields interface{}, out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "form",
		WeaklyTypedInput: true,
		DecodeHook:       decimalHook(),
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(fields)
}

// parseBody turns a captured body into fields. Bodies arrive as JSON objects,
// JSON strings wrapping either form, or bare form-encoded text.
func parseBody(raw []byte) (map[string]interface{}, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return map[string]interface{}{}, nil
	}

	switch raw[0] {
	case '{':
		fields := map[string]interface{}{}
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&fields); err != nil {
			return nil, fmt.Errorf("invalid JSON body: %w", err)
		}
		return fields, nil
	case '"':
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return nil, fmt.Errorf("invalid JSON string body: %w", err)
		}
		return parseBody([]byte(inner))
	}

	values, err := url.ParseQuery(string(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid form body: %w", err)
	}
	return flatten(values), nil
}

func flatten(values url.Values) map[string]interface{} {
	fields := make(map[string]interface{}, len(values))
	for k, v := range values {
		if len(v) > 0 {
			fields[k] = v[0]
		}
	}
	return fields
}

// canonicalJSON re-encodes fields for audit storage.
func canonicalJSON(fields map[string]interface{}) []byte {
	data, err := json.Marshal(fields)
	if err != nil {
		return []byte("{}")
	}
	return data
}

package venue

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

var (
	// ErrTransient marks failures worth retrying: timeouts, connection problems, rate limits, requotes.
	ErrTransient = errors.New("transient venue error")
	// ErrPermanent marks rejections that will not succeed on retry.
	ErrPermanent = errors.New("permanent venue error")
	// ErrAuth marks a rejected session.
	ErrAuth = errors.New("venue authentication failed")
)

// Trade server return codes reported by the terminal bridge.
const (
	RetcodeRequote         = 10004
	RetcodeReject          = 10006
	RetcodePlaced          = 10008
	RetcodeDone            = 10009
	RetcodeDonePartial     = 10010
	RetcodeError           = 10011
	RetcodeTimeout         = 10012
	RetcodeInvalid         = 10013
	RetcodeInvalidVolume   = 10014
	RetcodeInvalidPrice    = 10015
	RetcodeInvalidStops    = 10016
	RetcodeTradeDisabled   = 10017
	RetcodeMarketClosed    = 10018
	RetcodeNoMoney         = 10019
	RetcodePriceChanged    = 10020
	RetcodePriceOff        = 10021
	RetcodeTooManyRequests = 10024
	RetcodeLocked          = 10028
	RetcodeConnection      = 10031
	RetcodePositionClosed  = 10036
)

var transientRetcodes = map[int]bool{
	RetcodeRequote:         true,
	RetcodeTimeout:         true,
	RetcodePriceChanged:    true,
	RetcodePriceOff:        true,
	RetcodeTooManyRequests: true,
	RetcodeLocked:          true,
	RetcodeConnection:      true,
}

// Error is a classified failure from the destination venue. Message holds the
// venue's own wording, unchanged.
type Error struct {
	Kind       error
	StatusCode int
	Retcode    int
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.Retcode != 0:
		return fmt.Sprintf("retcode %d: %s", e.Retcode, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
	default:
		return e.Message
	}
}

func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

// IsTransient reports whether err is worth another attempt.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) {
		return true
	}
	if errors.Is(err, ErrPermanent) || errors.Is(err, ErrAuth) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// Reason returns the text recorded for a failed execution: the venue's own
// message when there is one.
func Reason(err error) string {
	var verr *Error
	if errors.As(err, &verr) && verr.Message != "" {
		return verr.Error()
	}
	return err.Error()
}

// RetryAfterHint returns the wait the venue asked for, if any.
func RetryAfterHint(err error) time.Duration {
	var verr *Error
	if errors.As(err, &verr) {
		return verr.RetryAfter
	}
	return 0
}

// classifyRetcode maps a trade server return code to an error kind.
func classifyRetcode(code int) error {
	if transientRetcodes[code] {
		return ErrTransient
	}
	return ErrPermanent
}

// classifyStatus maps an HTTP status of the bridge to an error kind.
func classifyStatus(status int) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrAuth
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout:
		return ErrTransient
	case status == http.StatusBadGateway, status == http.StatusServiceUnavailable, status == http.StatusGatewayTimeout:
		return ErrTransient
	case status >= 500:
		// the bridge itself failed; the order may not have reached the server
		return ErrTransient
	default:
		return ErrPermanent
	}
}

func succeeded(code int) bool {
	return code == 0 || code == RetcodeDone || code == RetcodeDonePartial || code == RetcodePlaced
}

package venue

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const paperFirstTicket = 900000

type paperPosition struct {
	symbol string
	volume decimal.Decimal
	price  decimal.Decimal
	sl, tp decimal.NullDecimal
}

// Paper fills every request locally at the captured source price, for dry runs.
type Paper struct {
	mu        sync.Mutex
	logger    *zap.Logger
	fallback  decimal.Decimal
	next      int64
	positions map[string]*paperPosition
}

var _ Venue = (*Paper)(nil)

// NewPaper creates a paper venue. fallback is the fill price when a request
// carries no reference price.
func NewPaper(fallback decimal.Decimal, logger *zap.Logger) *Paper {
	return &Paper{
		logger:    logger.Named("paper"),
		fallback:  fallback,
		next:      paperFirstTicket,
		positions: make(map[string]*paperPosition),
	}
}

func (p *Paper) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, &Error{Kind: ErrTransient, Message: err.Error(), Err: err}
	}
	if !req.Volume.IsPositive() {
		return nil, &Error{Kind: ErrPermanent, Retcode: RetcodeInvalidVolume, Message: "Invalid volume"}
	}

	price := p.fallback
	if req.ReferencePrice.Valid {
		price = req.ReferencePrice.Decimal
	}

	p.mu.Lock()
	ticket := strconv.FormatInt(p.next, 10)
	p.next++
	p.positions[ticket] = &paperPosition{symbol: req.Symbol, volume: req.Volume, price: price, sl: req.StopLoss, tp: req.TakeProfit}
	p.mu.Unlock()

	p.logger.Warn("Paper mode: order simulated",
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.String("volume", req.Volume.String()),
		zap.String("ticket", ticket),
	)
	return &OrderResult{Ticket: ticket, Price: price}, nil
}

func (p *Paper) ClosePosition(ctx context.Context, ticket string, volume decimal.NullDecimal) (*CloseResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, &Error{Kind: ErrTransient, Message: err.Error(), Err: err}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	pos, ok := p.positions[ticket]
	if !ok {
		return nil, &Error{Kind: ErrPermanent, Retcode: RetcodePositionClosed, Message: fmt.Sprintf("Position %s not found", ticket)}
	}
	if volume.Valid && volume.Decimal.LessThan(pos.volume) {
		pos.volume = pos.volume.Sub(volume.Decimal)
	} else {
		delete(p.positions, ticket)
	}
	p.logger.Warn("Paper mode: close simulated", zap.String("ticket", ticket))
	return &CloseResult{Price: pos.price}, nil
}

func (p *Paper) ModifyPosition(ctx context.Context, ticket string, req ModifyRequest) error {
	if err := ctx.Err(); err != nil {
		return &Error{Kind: ErrTransient, Message: err.Error(), Err: err}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	pos, ok := p.positions[ticket]
	if !ok {
		return &Error{Kind: ErrPermanent, Retcode: RetcodePositionClosed, Message: fmt.Sprintf("Position %s not found", ticket)}
	}
	if req.StopLoss.Valid {
		pos.sl = req.StopLoss
	}
	if req.TakeProfit.Valid {
		pos.tp = req.TakeProfit
	}
	p.logger.Warn("Paper mode: modify simulated", zap.String("ticket", ticket))
	return nil
}

// Open reports the simulated open volume of a ticket.
func (p *Paper) Open(ticket string) (decimal.Decimal, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, ok := p.positions[ticket]
	if !ok {
		return decimal.Zero, false
	}
	return pos.volume, true
}

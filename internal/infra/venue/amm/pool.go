// Package amm implements a constant-product swap venue with Uniswap V2 pricing.
package amm

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/holiman/uint256"

	"github.com/coachpo/kora/errs"
)

const bpsDenominator = 10_000

var (
	ErrZeroSwapAmount           = errs.Domain("venue/amm", errs.CodeVenue, errs.CanonicalZeroSwapAmount)
	ErrSwapDeadlineExpired      = errs.Domain("venue/amm", errs.CodeVenue, errs.CanonicalSwapDeadlineExpired)
	ErrInsufficientLiquidity    = errs.Domain("venue/amm", errs.CodeVenue, errs.CanonicalInsufficientLiquidity)
	ErrInsufficientOutputAmount = errs.Domain("venue/amm", errs.CodeVenue, errs.CanonicalInsufficientOutputAmount)
)

// Pool swaps token0 for token1 against public reserves.
type Pool struct {
	mu       sync.Mutex
	reserve0 uint64
	reserve1 uint64
	feeBps   uint64
}

// NewPool seeds a pool. feeBps of 30 reproduces the V2 0.3% fee.
func NewPool(reserve0, reserve1, feeBps uint64) (*Pool, error) {
	if feeBps >= bpsDenominator {
		return nil, errs.New("venue/amm", errs.CodeInvalid, errs.WithMessage("fee must be below 100%"))
	}
	return &Pool{reserve0: reserve0, reserve1: reserve1, feeBps: feeBps}, nil
}

// Reserves returns the current reserves.
func (p *Pool) Reserves() (uint64, uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reserve0, p.reserve1
}

// AddLiquidity deposits both sides without minting shares.
func (p *Pool) AddLiquidity(amount0, amount1 uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reserve0 += amount0
	p.reserve1 += amount1
}

// Quote returns the token1 output for amountIn of token0 at current reserves.
func (p *Pool) Quote(amountIn uint64) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.amountOutLocked(amountIn)
}

// SwapExactIn swaps amountIn token0 for at least minOut token1 before deadline.
func (p *Pool) SwapExactIn(ctx context.Context, amountIn, minOut uint64, deadline, now time.Time) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if now.After(deadline) {
		return 0, ErrSwapDeadlineExpired.With(errs.WithField("deadline", deadline.UTC().Format(time.RFC3339)))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out, err := p.amountOutLocked(amountIn)
	if err != nil {
		return 0, err
	}
	if out < minOut {
		return 0, ErrInsufficientOutputAmount.With(
			errs.WithField("out", strconv.FormatUint(out, 10)),
			errs.WithField("min_out", strconv.FormatUint(minOut, 10)))
	}
	p.reserve0 += amountIn
	p.reserve1 -= out
	return out, nil
}

func (p *Pool) amountOutLocked(amountIn uint64) (uint64, error) {
	if amountIn == 0 {
		return 0, ErrZeroSwapAmount
	}
	if p.reserve0 == 0 || p.reserve1 == 0 {
		return 0, ErrInsufficientLiquidity
	}
	inWithFee := new(uint256.Int).Mul(uint256.NewInt(amountIn), uint256.NewInt(bpsDenominator-p.feeBps))
	numerator := new(uint256.Int).Mul(inWithFee, uint256.NewInt(p.reserve1))
	denominator := new(uint256.Int).Mul(uint256.NewInt(p.reserve0), uint256.NewInt(bpsDenominator))
	denominator.Add(denominator, inWithFee)
	out := numerator.Div(numerator, denominator)
	if out.IsZero() || !out.IsUint64() || out.Uint64() >= p.reserve1 {
		return 0, ErrInsufficientLiquidity
	}
	return out.Uint64(), nil
}

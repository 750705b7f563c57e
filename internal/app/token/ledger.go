// Package token implements a confidential wrapped token: balances and allowances are
// encrypted, and failed transfers move an encrypted zero instead of reverting.
package token

import (
	"strconv"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/coachpo/kora/errs"
	"github.com/coachpo/kora/internal/domain/fhe"
)

var (
	ErrZeroAddress = errs.Domain("token", errs.CodeInvalid, errs.CanonicalZeroAddress)
	// ErrInsufficientReserve reports an unwrap larger than the public underlying reserve.
	ErrInsufficientReserve = errs.Domain("token", errs.CodeInvalid, errs.CanonicalInsufficientBalance)
)

type allowanceKey struct {
	owner   common.Address
	spender common.Address
}

// Ledger is one confidential token, e.g. eWETH wrapping WETH.
type Ledger struct {
	symbol   string
	decimals uint8
	cp       fhe.Coprocessor

	mu         sync.Mutex
	balances   map[common.Address]fhe.Euint64
	allowances map[allowanceKey]fhe.Euint64
	reserve    uint64
}

// NewLedger constructs an empty token.
func NewLedger(symbol string, decimals uint8, cp fhe.Coprocessor) *Ledger {
	return &Ledger{
		symbol:     symbol,
		decimals:   decimals,
		cp:         cp,
		balances:   make(map[common.Address]fhe.Euint64),
		allowances: make(map[allowanceKey]fhe.Euint64),
	}
}

func (l *Ledger) Symbol() string  { return l.symbol }
func (l *Ledger) Decimals() uint8 { return l.decimals }

// Reserve is the public amount of underlying held by the wrapper.
func (l *Ledger) Reserve() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reserve
}

// BalanceOf returns the encrypted balance handle of account.
func (l *Ledger) BalanceOf(account common.Address) (fhe.Euint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balanceLocked(account)
}

// Deposit wraps amount of underlying into account's encrypted balance.
func (l *Ledger) Deposit(to common.Address, amount uint64) (fhe.Euint64, error) {
	if to == (common.Address{}) {
		return fhe.Euint64{}, ErrZeroAddress
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	bal, err := l.balanceLocked(to)
	if err != nil {
		return fhe.Euint64{}, err
	}
	next, err := l.cp.Add(bal, l.cp.AsEuint64(amount))
	if err != nil {
		return fhe.Euint64{}, err
	}
	if err := l.setBalanceLocked(to, next); err != nil {
		return fhe.Euint64{}, err
	}
	l.reserve += amount
	return next, nil
}

// Withdraw unwraps a public amount from account. The caller must know the encrypted
// balance covers amount, as the engine does for its escrow after decryption.
func (l *Ledger) Withdraw(from common.Address, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if amount > l.reserve {
		return ErrInsufficientReserve.With(
			errs.WithField("token", l.symbol),
			errs.WithField("amount", strconv.FormatUint(amount, 10)),
			errs.WithField("reserve", strconv.FormatUint(l.reserve, 10)))
	}
	bal, err := l.balanceLocked(from)
	if err != nil {
		return err
	}
	next, err := l.cp.Sub(bal, l.cp.AsEuint64(amount))
	if err != nil {
		return err
	}
	if err := l.setBalanceLocked(from, next); err != nil {
		return err
	}
	l.reserve -= amount
	return nil
}

// Approve sets spender's encrypted allowance over owner's balance.
func (l *Ledger) Approve(owner, spender common.Address, amount fhe.Euint64) error {
	if owner == (common.Address{}) || spender == (common.Address{}) {
		return ErrZeroAddress
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.allowBoth(amount.Handle(), owner, spender); err != nil {
		return err
	}
	l.allowances[allowanceKey{owner, spender}] = amount
	return nil
}

// Allowance returns the encrypted allowance handle.
func (l *Ledger) Allowance(owner, spender common.Address) fhe.Euint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if v, ok := l.allowances[allowanceKey{owner, spender}]; ok {
		return v
	}
	return l.cp.AsEuint64(0)
}

// Handles lists every balance and allowance ciphertext the ledger holds.
func (l *Ledger) Handles() []fhe.Handle {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]fhe.Handle, 0, len(l.balances)+len(l.allowances))
	for _, bal := range l.balances {
		out = append(out, bal.Handle())
	}
	for _, allowance := range l.allowances {
		out = append(out, allowance.Handle())
	}
	return out
}

// Transfer moves amount when from's balance covers it and an encrypted zero otherwise.
// It returns the encrypted amount actually moved.
func (l *Ledger) Transfer(from, to common.Address, amount fhe.Euint64) (fhe.Euint64, error) {
	if to == (common.Address{}) {
		return fhe.Euint64{}, ErrZeroAddress
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	bal, err := l.balanceLocked(from)
	if err != nil {
		return fhe.Euint64{}, err
	}
	ok, err := l.cp.Le(amount, bal)
	if err != nil {
		return fhe.Euint64{}, err
	}
	return l.moveLocked(from, to, amount, ok)
}

// TransferFrom moves amount on behalf of spender when both balance and allowance cover
// it, and an encrypted zero otherwise.
func (l *Ledger) TransferFrom(spender, from, to common.Address, amount fhe.Euint64) (fhe.Euint64, error) {
	if to == (common.Address{}) {
		return fhe.Euint64{}, ErrZeroAddress
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	key := allowanceKey{from, spender}
	allowance, ok := l.allowances[key]
	if !ok {
		allowance = l.cp.AsEuint64(0)
	}
	bal, err := l.balanceLocked(from)
	if err != nil {
		return fhe.Euint64{}, err
	}
	coversBalance, err := l.cp.Le(amount, bal)
	if err != nil {
		return fhe.Euint64{}, err
	}
	coversAllowance, err := l.cp.Le(amount, allowance)
	if err != nil {
		return fhe.Euint64{}, err
	}
	allowed, err := l.cp.And(coversBalance, coversAllowance)
	if err != nil {
		return fhe.Euint64{}, err
	}
	moved, err := l.moveLocked(from, to, amount, allowed)
	if err != nil {
		return fhe.Euint64{}, err
	}
	nextAllowance, err := l.cp.Sub(allowance, moved)
	if err != nil {
		return fhe.Euint64{}, err
	}
	if err := l.allowBoth(nextAllowance.Handle(), from, spender); err != nil {
		return fhe.Euint64{}, err
	}
	l.allowances[key] = nextAllowance
	return moved, nil
}

func (l *Ledger) moveLocked(from, to common.Address, amount fhe.Euint64, ok fhe.Ebool) (fhe.Euint64, error) {
	moved, err := l.cp.Select(ok, amount, l.cp.AsEuint64(0))
	if err != nil {
		return fhe.Euint64{}, err
	}
	fromBal, err := l.balanceLocked(from)
	if err != nil {
		return fhe.Euint64{}, err
	}
	nextFrom, err := l.cp.Sub(fromBal, moved)
	if err != nil {
		return fhe.Euint64{}, err
	}
	if err := l.setBalanceLocked(from, nextFrom); err != nil {
		return fhe.Euint64{}, err
	}
	toBal, err := l.balanceLocked(to)
	if err != nil {
		return fhe.Euint64{}, err
	}
	nextTo, err := l.cp.Add(toBal, moved)
	if err != nil {
		return fhe.Euint64{}, err
	}
	if err := l.setBalanceLocked(to, nextTo); err != nil {
		return fhe.Euint64{}, err
	}
	if err := l.allowBoth(moved.Handle(), from, to); err != nil {
		return fhe.Euint64{}, err
	}
	return moved, nil
}

func (l *Ledger) balanceLocked(account common.Address) (fhe.Euint64, error) {
	if bal, ok := l.balances[account]; ok {
		return bal, nil
	}
	zero := l.cp.AsEuint64(0)
	if err := l.setBalanceLocked(account, zero); err != nil {
		return fhe.Euint64{}, err
	}
	return zero, nil
}

func (l *Ledger) setBalanceLocked(account common.Address, bal fhe.Euint64) error {
	if err := l.cp.Allow(bal.Handle(), account); err != nil {
		return err
	}
	l.balances[account] = bal
	return nil
}

func (l *Ledger) allowBoth(h fhe.Handle, a, b common.Address) error {
	if err := l.cp.Allow(h, a); err != nil {
		return err
	}
	return l.cp.Allow(h, b)
}

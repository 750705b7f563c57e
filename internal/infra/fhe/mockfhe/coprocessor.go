// Package mockfhe implements fhe.Coprocessor in process. Plaintexts live in a
// private vault keyed by handle; results are reachable only through the
// Decrypter interface and the ACL-checked user decryption path.
//
// Every Collect call starts a new generation. Computed ciphertexts that are not
// live are dropped once a generation has passed. Inputs and ciphertexts with an
// ACL entry stay for the retention window after they were last live, so users can
// still decrypt what they were shown.
package mockfhe

import (
	"crypto/ecdsa"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/coachpo/kora/errs"
	"github.com/coachpo/kora/internal/domain/fhe"
)

type opcode byte

const (
	opTrivial opcode = iota + 1
	opInput
	opAdd
	opSub
	opMulDiv
	opAndMask
	opLe
	opGe
	opEq
	opAnd
	opNot
	opSelect
)

var (
	// ErrNotAllowed reports a user decryption for an account missing from the handle ACL.
	ErrNotAllowed = errs.New("mockfhe", errs.CodeAuth, errs.WithMessage("account not allowed on handle"))
	// ErrDivisionByZero reports a MulDiv with a zero divisor.
	ErrDivisionByZero = errs.New("mockfhe", errs.CodeInvalid, errs.WithMessage("division by zero"))
)

// DefaultRetention is how many generations an unreferenced input or ACL'd
// ciphertext survives.
const DefaultRetention = 60

type ciphertext struct {
	value uint64
	// gen is the generation of the last allocation or live sighting.
	gen      uint64
	retained bool
}

// Coprocessor is an in-memory fhe.Coprocessor and fhe.Decrypter.
type Coprocessor struct {
	mu        sync.RWMutex
	values    map[fhe.Handle]ciphertext
	acl       map[fhe.Handle]map[common.Address]struct{}
	nonce     uint64
	gen       uint64
	retention uint64

	inputKey  *ecdsa.PrivateKey
	inputAddr common.Address
}

// Option customises the coprocessor.
type Option func(*Coprocessor)

// WithInputSigner fixes the key that signs input proofs.
func WithInputSigner(key *ecdsa.PrivateKey) Option {
	return func(c *Coprocessor) {
		c.inputKey = key
	}
}

// WithRetention sets how many generations unreferenced inputs and ACL'd
// ciphertexts survive.
func WithRetention(generations uint64) Option {
	return func(c *Coprocessor) {
		c.retention = generations
	}
}

// New constructs a coprocessor. A fresh input signer is generated unless one is supplied.
func New(opts ...Option) (*Coprocessor, error) {
	c := &Coprocessor{
		values:    make(map[fhe.Handle]ciphertext),
		acl:       make(map[fhe.Handle]map[common.Address]struct{}),
		retention: DefaultRetention,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.inputKey == nil {
		key, err := crypto.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("mockfhe: generate input signer: %w", err)
		}
		c.inputKey = key
	}
	c.inputAddr = crypto.PubkeyToAddress(c.inputKey.PublicKey)
	return c, nil
}

// InputSigner returns the address that signs input proofs.
func (c *Coprocessor) InputSigner() common.Address { return c.inputAddr }

var (
	_ fhe.Coprocessor = (*Coprocessor)(nil)
	_ fhe.Decrypter   = (*Coprocessor)(nil)
	_ fhe.Collector   = (*Coprocessor)(nil)
)

func (c *Coprocessor) AsEuint64(v uint64) fhe.Euint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := c.allocLocked(fhe.KindUint64, v, opTrivial, nil, v)
	out, _ := fhe.AsEuint64Handle(h)
	return out
}

func (c *Coprocessor) AsEbool(v bool) fhe.Ebool {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := c.allocLocked(fhe.KindBool, boolWord(v), opTrivial, nil, boolWord(v))
	out, _ := fhe.AsEboolHandle(h)
	return out
}

func (c *Coprocessor) Add(a, b fhe.Euint64) (fhe.Euint64, error) {
	return c.binaryUint(opAdd, a, b, func(x, y uint64) uint64 { return x + y })
}

func (c *Coprocessor) Sub(a, b fhe.Euint64) (fhe.Euint64, error) {
	return c.binaryUint(opSub, a, b, func(x, y uint64) uint64 { return x - y })
}

func (c *Coprocessor) MulDiv(a fhe.Euint64, mul, div uint64) (fhe.Euint64, error) {
	if div == 0 {
		return fhe.Euint64{}, ErrDivisionByZero
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	x, err := c.lookupLocked(a.Handle(), fhe.KindUint64)
	if err != nil {
		return fhe.Euint64{}, err
	}
	prod := new(uint256.Int).Mul(uint256.NewInt(x), uint256.NewInt(mul))
	res := prod.Div(prod, uint256.NewInt(div)).Uint64()
	h := c.allocLocked(fhe.KindUint64, res, opMulDiv, []fhe.Handle{a.Handle()}, mul, div)
	return fhe.AsEuint64Handle(h)
}

func (c *Coprocessor) AndMask(a fhe.Euint64, mask uint64) (fhe.Euint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	x, err := c.lookupLocked(a.Handle(), fhe.KindUint64)
	if err != nil {
		return fhe.Euint64{}, err
	}
	h := c.allocLocked(fhe.KindUint64, x&mask, opAndMask, []fhe.Handle{a.Handle()}, mask)
	return fhe.AsEuint64Handle(h)
}

func (c *Coprocessor) Le(a, b fhe.Euint64) (fhe.Ebool, error) {
	return c.compare(opLe, a, b, func(x, y uint64) bool { return x <= y })
}

func (c *Coprocessor) Ge(a, b fhe.Euint64) (fhe.Ebool, error) {
	return c.compare(opGe, a, b, func(x, y uint64) bool { return x >= y })
}

func (c *Coprocessor) Eq(a, b fhe.Euint64) (fhe.Ebool, error) {
	return c.compare(opEq, a, b, func(x, y uint64) bool { return x == y })
}

func (c *Coprocessor) And(a, b fhe.Ebool) (fhe.Ebool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	x, err := c.lookupLocked(a.Handle(), fhe.KindBool)
	if err != nil {
		return fhe.Ebool{}, err
	}
	y, err := c.lookupLocked(b.Handle(), fhe.KindBool)
	if err != nil {
		return fhe.Ebool{}, err
	}
	h := c.allocLocked(fhe.KindBool, x&y, opAnd, []fhe.Handle{a.Handle(), b.Handle()})
	return fhe.AsEboolHandle(h)
}

func (c *Coprocessor) Not(a fhe.Ebool) (fhe.Ebool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	x, err := c.lookupLocked(a.Handle(), fhe.KindBool)
	if err != nil {
		return fhe.Ebool{}, err
	}
	h := c.allocLocked(fhe.KindBool, x^1, opNot, []fhe.Handle{a.Handle()})
	return fhe.AsEboolHandle(h)
}

func (c *Coprocessor) Select(cond fhe.Ebool, a, b fhe.Euint64) (fhe.Euint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	flag, err := c.lookupLocked(cond.Handle(), fhe.KindBool)
	if err != nil {
		return fhe.Euint64{}, err
	}
	x, err := c.lookupLocked(a.Handle(), fhe.KindUint64)
	if err != nil {
		return fhe.Euint64{}, err
	}
	y, err := c.lookupLocked(b.Handle(), fhe.KindUint64)
	if err != nil {
		return fhe.Euint64{}, err
	}
	// mask select keeps the evaluation free of data-dependent branches
	mask := -flag
	res := (x & mask) | (y &^ mask)
	h := c.allocLocked(fhe.KindUint64, res, opSelect, []fhe.Handle{cond.Handle(), a.Handle(), b.Handle()})
	return fhe.AsEuint64Handle(h)
}

func (c *Coprocessor) Allow(h fhe.Handle, account common.Address) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ct, ok := c.values[h]
	if !ok {
		return fhe.ErrUnsupportedHandleKind.With(errs.WithField("handle", h.Hex()))
	}
	ct.retained = true
	c.values[h] = ct
	set, ok := c.acl[h]
	if !ok {
		set = make(map[common.Address]struct{}, 1)
		c.acl[h] = set
	}
	set[account] = struct{}{}
	return nil
}

func (c *Coprocessor) IsAllowed(h fhe.Handle, account common.Address) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.acl[h][account]
	return ok
}

// Decrypt reveals the plaintext behind h. Booleans decrypt to 0 or 1.
func (c *Coprocessor) Decrypt(h fhe.Handle) (uint64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ct, ok := c.values[h]
	if !ok {
		return 0, fhe.ErrUnsupportedHandleKind.With(errs.WithField("handle", h.Hex()))
	}
	return ct.value, nil
}

// UserDecrypt reveals h to account when the ACL allows it.
func (c *Coprocessor) UserDecrypt(h fhe.Handle, account common.Address) (uint64, error) {
	if !c.IsAllowed(h, account) {
		return 0, ErrNotAllowed.With(errs.WithField("handle", h.Hex()), errs.WithField("account", account.Hex()))
	}
	return c.Decrypt(h)
}

func (c *Coprocessor) binaryUint(op opcode, a, b fhe.Euint64, fn func(x, y uint64) uint64) (fhe.Euint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	x, err := c.lookupLocked(a.Handle(), fhe.KindUint64)
	if err != nil {
		return fhe.Euint64{}, err
	}
	y, err := c.lookupLocked(b.Handle(), fhe.KindUint64)
	if err != nil {
		return fhe.Euint64{}, err
	}
	h := c.allocLocked(fhe.KindUint64, fn(x, y), op, []fhe.Handle{a.Handle(), b.Handle()})
	return fhe.AsEuint64Handle(h)
}

func (c *Coprocessor) compare(op opcode, a, b fhe.Euint64, fn func(x, y uint64) bool) (fhe.Ebool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	x, err := c.lookupLocked(a.Handle(), fhe.KindUint64)
	if err != nil {
		return fhe.Ebool{}, err
	}
	y, err := c.lookupLocked(b.Handle(), fhe.KindUint64)
	if err != nil {
		return fhe.Ebool{}, err
	}
	h := c.allocLocked(fhe.KindBool, boolWord(fn(x, y)), op, []fhe.Handle{a.Handle(), b.Handle()})
	return fhe.AsEboolHandle(h)
}

func (c *Coprocessor) lookupLocked(h fhe.Handle, kind fhe.Kind) (uint64, error) {
	if h.IsZero() || h.Kind() != kind {
		return 0, fhe.ErrUnsupportedHandleKind.With(errs.WithField("handle", h.Hex()), errs.WithField("want", kind.String()))
	}
	ct, ok := c.values[h]
	if !ok {
		return 0, fhe.ErrUnsupportedHandleKind.With(errs.WithField("handle", h.Hex()), errs.WithField("reason", "unknown handle"))
	}
	return ct.value, nil
}

func (c *Coprocessor) allocLocked(kind fhe.Kind, value uint64, op opcode, operands []fhe.Handle, scalars ...uint64) fhe.Handle {
	c.nonce++
	buf := make([]byte, 0, 1+len(operands)*32+(len(scalars)+1)*8)
	buf = append(buf, byte(op))
	for _, operand := range operands {
		buf = append(buf, operand[:]...)
	}
	for _, s := range scalars {
		buf = binary.BigEndian.AppendUint64(buf, s)
	}
	buf = binary.BigEndian.AppendUint64(buf, c.nonce)
	var h fhe.Handle
	copy(h[:], crypto.Keccak256(buf))
	h[30] = byte(kind)
	h[31] = fhe.HandleVersion
	c.values[h] = ciphertext{value: value, gen: c.gen, retained: op == opInput}
	return h
}

// Collect drops ciphertexts outside live that have aged out and starts a new
// generation. It returns how many were dropped.
func (c *Coprocessor) Collect(live []fhe.Handle) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, h := range live {
		if ct, ok := c.values[h]; ok {
			ct.gen = c.gen
			c.values[h] = ct
		}
	}
	dropped := 0
	for h, ct := range c.values {
		age := c.gen - ct.gen
		if age == 0 || (ct.retained && age <= c.retention) {
			continue
		}
		delete(c.values, h)
		delete(c.acl, h)
		dropped++
	}
	c.gen++
	return dropped
}

// Stats reports how many ciphertexts and ACL grants are held.
func (c *Coprocessor) Stats() (ciphertexts, grants int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, set := range c.acl {
		grants += len(set)
	}
	return len(c.values), grants
}

func boolWord(v bool) uint64 {
	if v {
		return 1
	}
	return 0
}

package fhe

import "github.com/ethereum/go-ethereum/common"

// Coprocessor evaluates homomorphic operations on handles. Every operation is pure
// apart from allocating a result handle, and fails with ErrUnsupportedHandleKind
// when an operand is unknown.
//
// Integer arithmetic wraps modulo 2^64.
type Coprocessor interface {
	AsEuint64(v uint64) Euint64
	AsEbool(v bool) Ebool
	// FromExternal verifies the input proof for (contract, user) and imports the ciphertext.
	FromExternal(in External, contract, user common.Address) (Euint64, error)

	Add(a, b Euint64) (Euint64, error)
	Sub(a, b Euint64) (Euint64, error)
	// MulDiv returns floor(a*mul/div) computed with a 128-bit intermediate.
	MulDiv(a Euint64, mul, div uint64) (Euint64, error)
	// AndMask returns a & mask.
	AndMask(a Euint64, mask uint64) (Euint64, error)

	Le(a, b Euint64) (Ebool, error)
	Ge(a, b Euint64) (Ebool, error)
	Eq(a, b Euint64) (Ebool, error)

	And(a, b Ebool) (Ebool, error)
	Not(a Ebool) (Ebool, error)
	// Select returns a when cond holds and b otherwise.
	Select(cond Ebool, a, b Euint64) (Euint64, error)

	// Allow grants account the right to request a user decryption of h.
	Allow(h Handle, account common.Address) error
	IsAllowed(h Handle, account common.Address) bool
}

// Decrypter reveals plaintexts. Only the threshold KMS and the ACL-checked user
// decryption path hold one.
type Decrypter interface {
	Decrypt(h Handle) (uint64, error)
}

// Collector drops ciphertexts that nothing references any more. live lists every
// handle still held in state; the implementation decides how long unreferenced
// ciphertexts survive.
type Collector interface {
	Collect(live []Handle) int
}

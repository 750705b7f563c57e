package postgres

import (
	"fmt"
	"math/big"

	"github.com/jackc/pgx/v5/pgtype"
)

// numericFromUint64 stores a uint64 in a NUMERIC(20,0) column; BIGINT cannot hold
// the upper half of the range.
func numericFromUint64(v uint64) pgtype.Numeric {
	return pgtype.Numeric{Int: new(big.Int).SetUint64(v), Exp: 0, Valid: true}
}

// uint64FromNumeric is the inverse of numericFromUint64.
func uint64FromNumeric(n pgtype.Numeric) (uint64, error) {
	if !n.Valid {
		return 0, nil
	}
	if n.NaN || n.InfinityModifier != pgtype.Finite {
		return 0, fmt.Errorf("numeric value not finite")
	}
	v := new(big.Int).Set(n.Int)
	if n.Exp > 0 {
		v.Mul(v, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n.Exp)), nil))
	} else if n.Exp < 0 {
		v.Quo(v, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(-n.Exp)), nil))
	}
	if v.Sign() < 0 || !v.IsUint64() {
		return 0, fmt.Errorf("numeric value %s outside uint64", v.String())
	}
	return v.Uint64(), nil
}

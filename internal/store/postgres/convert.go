package postgres

import (
	"fmt"
	"math/big"

	"github.com/jackc/pgx/v5/pgtype"
)

// Lamport amounts are uint64 and stored as NUMERIC(20) so the full range
// survives.

func numeric(v uint64) pgtype.Numeric {
	return pgtype.Numeric{Int: new(big.Int).SetUint64(v), Valid: true}
}

func fromNumeric(n pgtype.Numeric) (uint64, error) {
	if !n.Valid || n.Int == nil {
		return 0, nil
	}
	v := new(big.Int).Set(n.Int)
	if n.Exp != 0 {
		exp := int64(n.Exp)
		if exp < 0 {
			exp = -exp
		}
		scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(exp), nil)
		if n.Exp > 0 {
			v.Mul(v, scale)
		} else {
			v.Quo(v, scale)
		}
	}
	if !v.IsUint64() {
		return 0, fmt.Errorf("postgres: numeric %s out of uint64 range", v.String())
	}
	return v.Uint64(), nil
}

package vault

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

// Amount is an unsigned 256-bit quantity of the custodied asset.
// The zero value is zero.
type Amount struct {
	v uint256.Int
}

// NewAmount converts a uint64 into an Amount.
func NewAmount(n uint64) Amount {
	var a Amount
	a.v.SetUint64(n)
	return a
}

// ParseAmount parses a base-10 integer string.
func ParseAmount(raw string) (Amount, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Amount{}, fmt.Errorf("%w: amount required", ErrInvalidArgument)
	}
	v, err := uint256.FromDecimal(raw)
	if err != nil {
		return Amount{}, fmt.Errorf("%w: amount %q: %v", ErrInvalidArgument, raw, err)
	}
	return Amount{v: *v}, nil
}

// MustAmount parses raw and panics on failure. Intended for tests and constants.
func MustAmount(raw string) Amount {
	a, err := ParseAmount(raw)
	if err != nil {
		panic(err)
	}
	return a
}

// Add returns a+b or ErrOverflow.
func (a Amount) Add(b Amount) (Amount, error) {
	var out Amount
	if _, overflow := out.v.AddOverflow(&a.v, &b.v); overflow {
		return Amount{}, ErrOverflow
	}
	return out, nil
}

// Sub returns a-b or ErrInsufficientBalance when b exceeds a.
func (a Amount) Sub(b Amount) (Amount, error) {
	var out Amount
	if _, underflow := out.v.SubOverflow(&a.v, &b.v); underflow {
		return Amount{}, ErrInsufficientBalance
	}
	return out, nil
}

// MulDiv returns floor(a*num/den) computed with a 512-bit intermediate.
func (a Amount) MulDiv(num, den Amount) (Amount, error) {
	if den.IsZero() {
		return Amount{}, fmt.Errorf("%w: division by zero", ErrInvalidArgument)
	}
	var out Amount
	if _, overflow := out.v.MulDivOverflow(&a.v, &num.v, &den.v); overflow {
		return Amount{}, ErrOverflow
	}
	return out, nil
}

// Cmp compares a and b and returns -1, 0 or +1.
func (a Amount) Cmp(b Amount) int {
	return a.v.Cmp(&b.v)
}

// IsZero reports whether the amount is zero.
func (a Amount) IsZero() bool {
	return a.v.IsZero()
}

// Uint64 returns the low 64 bits and whether the value fits.
func (a Amount) Uint64() (uint64, bool) {
	return a.v.Uint64(), a.v.IsUint64()
}

func (a Amount) String() string {
	return a.v.Dec()
}

// MarshalText encodes the amount as a decimal string.
func (a Amount) MarshalText() ([]byte, error) {
	return []byte(a.v.Dec()), nil
}

// UnmarshalText decodes a decimal string.
func (a *Amount) UnmarshalText(text []byte) error {
	parsed, err := ParseAmount(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// SumAmounts adds all values, failing on overflow.
func SumAmounts(values ...Amount) (Amount, error) {
	var total Amount
	for _, v := range values {
		next, err := total.Add(v)
		if err != nil {
			return Amount{}, err
		}
		total = next
	}
	return total, nil
}

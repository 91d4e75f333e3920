package common

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
)

// Decimals is the implied decimal precision of USD values, stable-token
// amounts and collateral ratios.
const Decimals = 18

var (
	// Precision is 1e18, the fixed-point unit.
	Precision = Pow10(Decimals)

	maxAmount = new(uint256.Int).SetAllOne().ToBig()
)

// MaxAmount returns the sentinel meaning "use the full balance or debt". It is
// also the value reported as the collateral ratio of a debt-free account.
func MaxAmount() *big.Int { return new(big.Int).Set(maxAmount) }

// IsMax reports whether v is the sentinel maximum.
func IsMax(v *big.Int) bool { return v != nil && v.Cmp(maxAmount) == 0 }

// Resolve substitutes full for the sentinel maximum and returns a copy of the
// concrete amount. Nil amounts resolve to zero.
func Resolve(v, full *big.Int) *big.Int {
	if IsMax(v) {
		if full == nil {
			return big.NewInt(0)
		}
		return new(big.Int).Set(full)
	}
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// Pow10 returns 10^n.
func Pow10(n uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

// MulDivDown returns floor(a*b/d). A zero divisor yields zero.
func MulDivDown(a, b, d *big.Int) *big.Int {
	if a == nil || b == nil || d == nil || d.Sign() == 0 {
		return big.NewInt(0)
	}
	product := new(big.Int).Mul(a, b)
	return product.Quo(product, d)
}

// MulDivUp returns ceil(a*b/d) for non-negative operands. A zero divisor
// yields zero.
func MulDivUp(a, b, d *big.Int) *big.Int {
	if a == nil || b == nil || d == nil || d.Sign() == 0 {
		return big.NewInt(0)
	}
	product := new(big.Int).Mul(a, b)
	quo, rem := new(big.Int).QuoRem(product, d, new(big.Int))
	if rem.Sign() > 0 {
		quo.Add(quo, big.NewInt(1))
	}
	return quo
}

// Min returns a copy of the smaller of a and b.
func Min(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

// Copy returns a copy of v, treating nil as zero.
func Copy(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// ParseAmount parses a base-10 integer amount. The literal "max" maps to the
// sentinel maximum. Scientific suffixes of the form "<int>e<exp>" are accepted
// so configuration can express "2000e18".
func ParseAmount(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	if strings.EqualFold(trimmed, "max") {
		return MaxAmount(), nil
	}
	mantissa, exponent := trimmed, ""
	if idx := strings.IndexAny(trimmed, "eE"); idx >= 0 {
		mantissa, exponent = trimmed[:idx], trimmed[idx+1:]
	}
	amount, ok := new(big.Int).SetString(mantissa, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	if exponent != "" {
		exp, ok := new(big.Int).SetString(exponent, 10)
		if !ok || exp.Sign() < 0 || exp.Cmp(big.NewInt(77)) > 0 {
			return nil, fmt.Errorf("invalid amount exponent %q", value)
		}
		amount.Mul(amount, Pow10(uint8(exp.Uint64())))
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("amount must not be negative")
	}
	return amount, nil
}

// RatioFromBps converts basis points into an 18-decimal ratio (20000 → 2e18).
func RatioFromBps(bps uint64) *big.Int {
	return MulDivDown(new(big.Int).SetUint64(bps), Precision, big.NewInt(10_000))
}

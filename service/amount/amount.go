// Package amount converts chain-native base-unit amounts (wei, satoshi,
// stroop, planck, sun, lamport, ...) to and from a canonical decimal-string
// representation in the chain's human unit. All arithmetic is arbitrary
// precision; floats are never involved.
package amount

import (
	"errors"
	"fmt"
	"math/big"
	"regexp"

	"github.com/shopspring/decimal"
)

// ErrInvalidAmount is returned when an input is not a valid non-negative
// amount for the requested conversion.
var ErrInvalidAmount = errors.New("invalid amount")

const (
	// MaxDecimals bounds per-chain decimal exponents. The largest exponent in
	// production chains today is 18 (wei); 30 leaves headroom without letting
	// a misconfigured chain produce absurd shifts.
	MaxDecimals = 30
)

var (
	baseUnitRe  = regexp.MustCompile(`^[0-9]+$`)
	canonicalRe = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?$`)
)

// ToCanonical converts an integer base-unit amount string into the chain's
// human unit as a decimal string. Trailing fractional zeros are stripped and
// nothing is ever rounded: "250000000000000000" with 18 decimals yields
// "0.25".
func ToCanonical(nativeUnits string, decimals int) (string, error) {
	if decimals < 0 || decimals > MaxDecimals {
		return "", fmt.Errorf("%w: unsupported decimal exponent %d", ErrInvalidAmount, decimals)
	}
	if !baseUnitRe.MatchString(nativeUnits) {
		return "", fmt.Errorf("%w: %q is not a non-negative integer", ErrInvalidAmount, nativeUnits)
	}

	n, ok := new(big.Int).SetString(nativeUnits, 10)
	if !ok {
		return "", fmt.Errorf("%w: %q is not a non-negative integer", ErrInvalidAmount, nativeUnits)
	}

	// decimal.String strips trailing fractional zeros without rounding.
	return decimal.NewFromBigInt(n, -int32(decimals)).String(), nil
}

// FromCanonical is the inverse of ToCanonical: it converts a human-unit
// decimal string back into the chain's integer base units. The canonical
// amount must not carry more fractional digits than the chain supports.
func FromCanonical(canonical string, decimals int) (string, error) {
	if decimals < 0 || decimals > MaxDecimals {
		return "", fmt.Errorf("%w: unsupported decimal exponent %d", ErrInvalidAmount, decimals)
	}
	if !canonicalRe.MatchString(canonical) {
		return "", fmt.Errorf("%w: %q is not a non-negative decimal", ErrInvalidAmount, canonical)
	}

	d, err := decimal.NewFromString(canonical)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidAmount, canonical, err)
	}

	shifted := d.Shift(int32(decimals))
	if !shifted.IsInteger() {
		return "", fmt.Errorf("%w: %q has more than %d fractional digits", ErrInvalidAmount, canonical, decimals)
	}

	return shifted.BigInt().String(), nil
}

// Sum adds two integer base-unit amount strings.
func Sum(a, b string) (string, error) {
	if !baseUnitRe.MatchString(a) || !baseUnitRe.MatchString(b) {
		return "", fmt.Errorf("%w: cannot sum %q and %q", ErrInvalidAmount, a, b)
	}
	x, _ := new(big.Int).SetString(a, 10)
	y, _ := new(big.Int).SetString(b, 10)
	return new(big.Int).Add(x, y).String(), nil
}

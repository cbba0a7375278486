package card

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// zeroDecimal lists currencies the gateway charges in whole units.
var zeroDecimal = map[string]bool{
	"bif": true, "clp": true, "djf": true, "gnf": true, "jpy": true, "kmf": true,
	"krw": true, "mga": true, "pyg": true, "rwf": true, "ugx": true, "vnd": true,
	"vuv": true, "xaf": true, "xof": true, "xpf": true,
}

var ErrFractionalMinorUnit = errors.New("amount has more precision than the currency allows")

func exponent(currency string) int32 {
	if zeroDecimal[strings.ToLower(currency)] {
		return 0
	}
	return 2
}

// ToMinorUnits converts an amount to the smallest unit of its currency.
// Amounts that do not convert exactly are refused rather than rounded.
func ToMinorUnits(amount decimal.Decimal, currency string) (int64, error) {
	minor := amount.Shift(exponent(currency))
	if !minor.Equal(minor.Truncate(0)) {
		return 0, errors.Wrapf(ErrFractionalMinorUnit, "%s %s", amount.String(), strings.ToUpper(currency))
	}
	return minor.IntPart(), nil
}

func FromMinorUnits(minor int64, currency string) decimal.Decimal {
	return decimal.New(minor, -exponent(currency))
}

// SameAmount compares a stored amount with a gateway-reported minor amount.
func SameAmount(amount decimal.Decimal, minor int64, currency string) bool {
	return FromMinorUnits(minor, currency).Equal(amount)
}

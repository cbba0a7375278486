// Package phone canonicalizes loosely formatted local phone numbers into the
// international digits-only form the mobile money provider expects.
package phone

import (
	"strings"
	"unicode"

	"github.com/pkg/errors"
	"golang.org/x/text/width"
)

var ErrInvalidPhoneFormat = errors.New("invalid phone number format")

const (
	DefaultCountryCode      = "254"
	DefaultSubscriberLength = 9
	trunkPrefix             = "0"
)

type Normalizer struct {
	CountryCode      string
	SubscriberLength int
}

func NewNormalizer(countryCode string, subscriberLength int) *Normalizer {
	if countryCode == "" {
		countryCode = DefaultCountryCode
	}
	if subscriberLength <= 0 {
		subscriberLength = DefaultSubscriberLength
	}
	return &Normalizer{CountryCode: countryCode, SubscriberLength: subscriberLength}
}

// Normalize returns <country code><subscriber number>. The first matching
// shape wins; anything else is ErrInvalidPhoneFormat.
func (n *Normalizer) Normalize(raw string) (string, error) {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, width.Fold.String(raw))

	switch {
	case strings.HasPrefix(digits, trunkPrefix) && len(digits) == len(trunkPrefix)+n.SubscriberLength:
		return n.CountryCode + digits[len(trunkPrefix):], nil
	case strings.HasPrefix(digits, n.CountryCode) && len(digits) == len(n.CountryCode)+n.SubscriberLength:
		return digits, nil
	case len(digits) == n.SubscriberLength && !strings.HasPrefix(digits, trunkPrefix):
		return n.CountryCode + digits, nil
	}

	return "", errors.Wrapf(ErrInvalidPhoneFormat, "%q", printable(raw))
}

func printable(raw string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsPrint(r) {
			return r
		}
		return -1
	}, raw)
}

// Package reference builds the human readable payment reference numbers
// (PREFIX + YYYYMMDD + 8 uppercase alphanumerics) used to correlate a payment
// with the provider request that collects it.
package reference

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	DefaultPrefix = "PAY"
	randomLength  = 8
	alphabet      = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	dateLayout    = "20060102"
)

type Generator struct {
	Prefix   string
	Location *time.Location
	Now      func() time.Time
	Random   func() (string, error)
}

func NewGenerator(prefix string, location *time.Location) *Generator {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if location == nil {
		location = time.UTC
	}
	return &Generator{
		Prefix:   strings.ToUpper(prefix),
		Location: location,
		Now:      time.Now,
		Random:   randomPart,
	}
}

// maxUnbiased is the largest multiple of len(alphabet) that fits in a byte;
// bytes at or above it are discarded so every character is equally likely.
const maxUnbiased = 256 - 256%len(alphabet)

func randomPart() (string, error) {
	out := make([]byte, 0, randomLength)
	buf := make([]byte, randomLength*2)
	for len(out) < randomLength {
		if _, err := rand.Read(buf); err != nil {
			return "", errors.Wrap(err, "reference: reading random bytes")
		}
		for _, b := range buf {
			if int(b) >= maxUnbiased {
				continue
			}
			out = append(out, alphabet[int(b)%len(alphabet)])
			if len(out) == randomLength {
				break
			}
		}
	}
	return string(out), nil
}

func (g *Generator) Generate() (string, error) {
	random, err := g.Random()
	if err != nil {
		return "", err
	}
	if len(random) != randomLength {
		return "", errors.Errorf("reference: expected %d random characters, got %d", randomLength, len(random))
	}
	for _, r := range random {
		if !strings.ContainsRune(alphabet, r) {
			return "", errors.Errorf("reference: invalid character %q", r)
		}
	}
	return g.Prefix + g.Now().In(g.Location).Format(dateLayout) + random, nil
}

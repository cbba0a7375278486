package phone

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	n := NewNormalizer("", 0)

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "trunk prefix", input: "0712345678", want: "254712345678"},
		{name: "trunk prefix 01 range", input: "0110345678", want: "254110345678"},
		{name: "trunk prefix with spaces", input: "0712 345 678", want: "254712345678"},
		{name: "international with plus", input: "+254712345678", want: "254712345678"},
		{name: "international dashed", input: "254-712-345-678", want: "254712345678"},
		{name: "country code already", input: "254712345678", want: "254712345678"},
		{name: "subscriber only", input: "712345678", want: "254712345678"},
		{name: "full width digits", input: "０７１２３４５６７８", want: "254712345678"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := n.Normalize(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeRejectsMalformed(t *testing.T) {
	n := NewNormalizer("254", 9)

	for _, input := range []string{
		"abc",
		"",
		"12",
		"012",
		"07123456789",
		"2547123456",
		"25471234567890",
		"+1 415 555 0100",
		"071234567",
	} {
		t.Run(input, func(t *testing.T) {
			got, err := n.Normalize(input)
			assert.Empty(t, got)
			assert.True(t, errors.Is(err, ErrInvalidPhoneFormat), "got %v", err)
		})
	}
}

func TestNormalizeOtherCountry(t *testing.T) {
	n := NewNormalizer("255", 9)

	got, err := n.Normalize("0754123456")
	require.NoError(t, err)
	assert.Equal(t, "255754123456", got)
}

package money

import (
	"testing"

	"deposit-hold-service/pkg/apperror"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMinor(t *testing.T) {
	tests := []struct {
		name     string
		amount   string
		currency string
		want     int64
	}{
		{"usd two decimals", "150.00", "usd", 15000},
		{"usd no decimals", "40", "usd", 4000},
		{"usd one decimal", "0.5", "USD", 50},
		{"jpy zero exponent", "1500", "jpy", 1500},
		{"kwd three decimals", "1.250", "kwd", 1250},
		{"whitespace", " 60.00 ", "eur", 6000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseMinor(tt.amount, tt.currency)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseMinor_Rejects(t *testing.T) {
	tests := []struct {
		name     string
		amount   string
		currency string
	}{
		{"too precise", "1.005", "usd"},
		{"fractional yen", "10.5", "jpy"},
		{"zero", "0.00", "usd"},
		{"negative", "-5.00", "usd"},
		{"garbage", "ten", "usd"},
		{"empty", "", "usd"},
		{"overflow", "1000000000000000000000", "usd"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseMinor(tt.amount, tt.currency)
			require.Error(t, err)
			assert.Equal(t, "VAL_401", apperror.CodeOf(err))
		})
	}
}

func TestFromMinor(t *testing.T) {
	assert.Equal(t, "150.00", FromMinor(15000, "usd"))
	assert.Equal(t, "0.05", FromMinor(5, "eur"))
	assert.Equal(t, "1500", FromMinor(1500, "jpy"))
	assert.Equal(t, "1.250", FromMinor(1250, "bhd"))
	assert.Equal(t, "0.00", FromMinor(0, "usd"))
}

func TestExponent(t *testing.T) {
	assert.Equal(t, int32(2), Exponent("usd"))
	assert.Equal(t, int32(0), Exponent("JPY"))
	assert.Equal(t, int32(3), Exponent("kwd"))
	assert.Equal(t, int32(2), Exponent("xyz"))
}

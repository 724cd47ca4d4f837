package money_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-paygate/internal/money"
)

func TestToMinorExactScaling(t *testing.T) {
	cases := map[string]int64{
		"100":    10000,
		"0.01":   1,
		"499.5":  49950,
		"499.50": 49950,
		"0.1":    10,
		"1.10":   110,
	}
	for in, want := range cases {
		got, err := money.ParseMinor(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}
}

func TestToMinorRejects(t *testing.T) {
	_, err := money.ParseMinor("0")
	require.ErrorIs(t, err, money.ErrNotPositive)
	_, err = money.ParseMinor("-5")
	require.ErrorIs(t, err, money.ErrNotPositive)
	_, err = money.ParseMinor("10.005")
	require.ErrorIs(t, err, money.ErrFractionalMinor)
	_, err = money.ParseMinor("92233720368547758.08")
	require.ErrorIs(t, err, money.ErrOverflow)
	_, err = money.ParseMinor("ten")
	require.Error(t, err)
}

func TestToMajor(t *testing.T) {
	require.True(t, money.ToMajor(49950).Equal(decimal.RequireFromString("499.5")))
	require.Equal(t, "100.00", money.ToMajor(10000).StringFixed(2))
}

package money_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dealroom/internal/domain/shared/money"
)

func TestNewNormalizesCurrency(t *testing.T) {
	m, err := money.New(15000, " usdc ")
	require.NoError(t, err)
	assert.Equal(t, "USDC", m.Currency)
	assert.Equal(t, "15000", m.AmountString())
}

func TestNewRejectsBadCurrency(t *testing.T) {
	for _, code := range []string{"", "us", "TOOLONG", "U$D"} {
		_, err := money.New(1, code)
		assert.ErrorIs(t, err, money.ErrInvalidCurrency, code)
	}
}

func TestPositive(t *testing.T) {
	_, err := money.Positive(0, "USD")
	assert.ErrorIs(t, err, money.ErrNonPositive)

	_, err = money.Positive(-5, "USD")
	assert.ErrorIs(t, err, money.ErrNonPositive)

	m, err := money.Positive(1, "eth")
	require.NoError(t, err)
	assert.Equal(t, money.Money{Amount: 1, Currency: "ETH"}, m)
}

func TestSubRequiresSameCurrency(t *testing.T) {
	gap, err := money.Must(25000, "USD").Sub(money.Must(20000, "USD"))
	require.NoError(t, err)
	assert.Equal(t, int64(5000), gap.Amount)

	_, err = money.Must(1, "USD").Sub(money.Must(1, "EUR"))
	assert.ErrorIs(t, err, money.ErrCurrencyMismatch)
}

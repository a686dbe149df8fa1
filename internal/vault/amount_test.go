package vault

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const maxUint256 = "115792089237316195423570985008687907853269984665640564039457584007913129639935"

func TestParseAmount(t *testing.T) {
	a, err := ParseAmount(" 1500 ")
	require.NoError(t, err)
	assert.Equal(t, "1500", a.String())

	for _, raw := range []string{"", "-1", "1.5", "abc", maxUint256 + "0"} {
		_, err := ParseAmount(raw)
		assert.ErrorIs(t, err, ErrInvalidArgument, raw)
	}
}

func TestAmountArithmeticBounds(t *testing.T) {
	ceiling := MustAmount(maxUint256)
	_, err := ceiling.Add(NewAmount(1))
	require.ErrorIs(t, err, ErrOverflow)

	_, err = NewAmount(1).Sub(NewAmount(2))
	require.ErrorIs(t, err, ErrInsufficientBalance)

	// the intermediate product exceeds 256 bits but the quotient fits
	out, err := ceiling.MulDiv(NewAmount(10), NewAmount(20))
	require.NoError(t, err)
	assert.Equal(t, 1, ceiling.Cmp(out))

	_, err = NewAmount(1).MulDiv(NewAmount(1), Amount{})
	require.ErrorIs(t, err, ErrInvalidArgument)

	sum, err := SumAmounts(NewAmount(1), NewAmount(2), NewAmount(3))
	require.NoError(t, err)
	assert.Equal(t, "6", sum.String())
}

func TestAmountJSONUsesDecimalStrings(t *testing.T) {
	payload, err := json.Marshal(struct {
		Amount Amount `json:"amount"`
	}{Amount: MustAmount("12345678901234567890123")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"amount":"12345678901234567890123"}`, string(payload))

	var decoded struct {
		Amount Amount `json:"amount"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"amount":"42"}`), &decoded))
	assert.Equal(t, "42", decoded.Amount.String())
}

package block

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAmountTrappingArithmetic(t *testing.T) {
	a := NewAmount(10)
	b := NewAmount(3)

	sum, err := a.Add(b)
	require.NoError(t, err)
	require.Equal(t, "13", sum.String())

	diff, err := a.Sub(b)
	require.NoError(t, err)
	require.Equal(t, "7", diff.String())

	_, err = b.Sub(a)
	require.ErrorIs(t, err, ErrArithmetic)

	q, err := a.Div(b)
	require.NoError(t, err)
	require.Equal(t, "3", q.String())

	_, err = a.Div(Amount{})
	require.ErrorIs(t, err, ErrArithmetic)
	_, err = a.Mod(Amount{})
	require.ErrorIs(t, err, ErrArithmetic)
}

func TestAmountOverflowAt256Bits(t *testing.T) {
	max := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	a, err := AmountFromBig(max)
	require.NoError(t, err)

	_, err = a.Add(NewAmount(1))
	require.ErrorIs(t, err, ErrArithmetic)

	_, err = a.Mul(NewAmount(2))
	require.ErrorIs(t, err, ErrArithmetic)

	_, err = AmountFromBig(new(big.Int).Add(max, big.NewInt(1)))
	require.ErrorIs(t, err, ErrArithmetic)

	_, err = AmountFromBig(big.NewInt(-1))
	require.ErrorIs(t, err, ErrArithmetic)
}

func TestAmountJSONRoundTrip(t *testing.T) {
	a, err := ParseAmount("340282366920938463463374607431768211456")
	require.NoError(t, err)
	raw, err := json.Marshal(a)
	require.NoError(t, err)
	require.Equal(t, `"340282366920938463463374607431768211456"`, string(raw))
	var back Amount
	require.NoError(t, json.Unmarshal(raw, &back))
	require.Zero(t, a.Cmp(back))

	// Bare numbers are accepted too.
	require.NoError(t, json.Unmarshal([]byte(`123`), &back))
	require.Equal(t, "123", back.String())
}

func TestAmountBytes32RoundTrip(t *testing.T) {
	a := NewAmount(0xdeadbeef)
	b := AmountFromBytes32(a.Bytes32())
	require.Zero(t, a.Cmp(b))

	zero := Amount{}
	require.True(t, AmountFromBytes32(zero.Bytes32()).IsZero())
}

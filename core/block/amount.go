package block

import (
	"errors"
	"fmt"
	"math/big"
)

// Amount is an unsigned 256-bit quantity with trapping arithmetic.
// The zero value is zero.
type Amount struct {
	v *big.Int
}

var ErrArithmetic = errors.New("arithmetic error")

var maxU256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

func NewAmount(x uint64) Amount {
	return Amount{v: new(big.Int).SetUint64(x)}
}

func AmountFromBig(x *big.Int) (Amount, error) {
	if x.Sign() < 0 || x.Cmp(maxU256) > 0 {
		return Amount{}, ErrArithmetic
	}
	return Amount{v: new(big.Int).Set(x)}, nil
}

func ParseAmount(s string) (Amount, error) {
	x, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return Amount{}, fmt.Errorf("invalid amount %q", s)
	}
	return AmountFromBig(x)
}

func (a Amount) big() *big.Int {
	if a.v == nil {
		return new(big.Int)
	}
	return a.v
}

func (a Amount) Add(b Amount) (Amount, error) {
	r := new(big.Int).Add(a.big(), b.big())
	if r.Cmp(maxU256) > 0 {
		return Amount{}, ErrArithmetic
	}
	return Amount{v: r}, nil
}

func (a Amount) Sub(b Amount) (Amount, error) {
	if a.big().Cmp(b.big()) < 0 {
		return Amount{}, ErrArithmetic
	}
	return Amount{v: new(big.Int).Sub(a.big(), b.big())}, nil
}

func (a Amount) Mul(b Amount) (Amount, error) {
	r := new(big.Int).Mul(a.big(), b.big())
	if r.Cmp(maxU256) > 0 {
		return Amount{}, ErrArithmetic
	}
	return Amount{v: r}, nil
}

func (a Amount) Div(b Amount) (Amount, error) {
	if b.big().Sign() == 0 {
		return Amount{}, ErrArithmetic
	}
	return Amount{v: new(big.Int).Div(a.big(), b.big())}, nil
}

func (a Amount) Mod(b Amount) (Amount, error) {
	if b.big().Sign() == 0 {
		return Amount{}, ErrArithmetic
	}
	return Amount{v: new(big.Int).Mod(a.big(), b.big())}, nil
}

func (a Amount) Cmp(b Amount) int {
	return a.big().Cmp(b.big())
}

func (a Amount) IsZero() bool {
	return a.big().Sign() == 0
}

func (a Amount) Uint64() uint64 {
	return a.big().Uint64()
}

// Bytes32 is the fixed 32-byte big-endian form used in digests and
// persisted records.
func (a Amount) Bytes32() [32]byte {
	var out [32]byte
	a.big().FillBytes(out[:])
	return out
}

func AmountFromBytes32(b [32]byte) Amount {
	return Amount{v: new(big.Int).SetBytes(b[:])}
}

func (a Amount) String() string {
	return a.big().String()
}

// Amounts travel as decimal strings on the wire.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	x, err := ParseAmount(s)
	if err != nil {
		return err
	}
	*a = x
	return nil
}

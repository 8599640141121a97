package mvm

import (
	"math"

	"github.com/moshvm/mvm/core/block"
)

// Value is a typed runtime value. Numbers use the trapping 256-bit
// arithmetic from core/block; U64 is range-checked on assignment.
type Value struct {
	T   VarType
	Num block.Amount
	Str string
	B   bool
}

func NumValue(t VarType, a block.Amount) Value {
	return Value{T: t, Num: a}
}

func StrValue(s string) Value {
	return Value{T: TypeString, Str: s}
}

func AddrValue(s string) Value {
	return Value{T: TypeAddress, Str: s}
}

func BoolValue(b bool) Value {
	return Value{T: TypeBool, B: b}
}

// Canon is the canonical string form, which is also the persisted
// representation of variables and mapping cells.
func (v Value) Canon() string {
	switch v.T {
	case TypeU64, TypeU256:
		return v.Num.String()
	case TypeBool:
		if v.B {
			return "true"
		}
		return "false"
	default:
		return v.Str
	}
}

// ZeroOf is the declared-default value of a type: 0, "", false.
func ZeroOf(t VarType) Value {
	switch t {
	case TypeU64, TypeU256:
		return Value{T: t}
	case TypeBool:
		return Value{T: TypeBool}
	default:
		return Value{T: t}
	}
}

var maxU64 = block.NewAmount(math.MaxUint64)

// ParseTyped interprets a canonical string as a value of type t.
func ParseTyped(t VarType, s string) (Value, error) {
	switch t {
	case TypeU64, TypeU256:
		if s == "" {
			return Value{T: t}, nil
		}
		a, err := block.ParseAmount(s)
		if err != nil {
			return Value{}, ErrArithmetic
		}
		if t == TypeU64 && a.Cmp(maxU64) > 0 {
			return Value{}, ErrArithmetic
		}
		return Value{T: t, Num: a}, nil
	case TypeBool:
		switch s {
		case "true":
			return Value{T: TypeBool, B: true}, nil
		case "false", "":
			return Value{T: TypeBool}, nil
		}
		return Value{}, &Error{Code: "arithmetic_error", Msg: "not a bool: " + s}
	default:
		return Value{T: t, Str: s}, nil
	}
}

// Coerce converts v to the declared type t, or fails. Booleans and
// addresses never coerce to numbers.
func Coerce(t VarType, v Value) (Value, error) {
	if v.T == t {
		return v, nil
	}
	switch {
	case t == TypeU256 && v.T == TypeU64:
		return Value{T: TypeU256, Num: v.Num}, nil
	case t == TypeU64 && v.T == TypeU256:
		if v.Num.Cmp(maxU64) > 0 {
			return Value{}, ErrArithmetic
		}
		return Value{T: TypeU64, Num: v.Num}, nil
	case v.T == TypeString:
		return ParseTyped(t, v.Str)
	case t == TypeString:
		return StrValue(v.Canon()), nil
	}
	return Value{}, &Error{Code: "arithmetic_error", Msg: "type mismatch"}
}

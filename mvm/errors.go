package mvm

import "fmt"

// Error is an execution fault. Code is the stable wire name; a failed
// transaction carries it in its receipt.
type Error struct {
	Code string
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Code
	}
	return e.Code + ": " + e.Msg
}

var (
	ErrContractNotFound = &Error{Code: "contract_not_found"}
	ErrMethodNotFound   = &Error{Code: "method_not_found"}
	ErrOnlyOwner        = &Error{Code: "only_owner"}
	ErrNotView          = &Error{Code: "not_view_function"}
	ErrNotPayable       = &Error{Code: "not_payable"}
	ErrArithmetic       = &Error{Code: "arithmetic_error"}
	ErrReentrancy       = &Error{Code: "reentrancy"}
	ErrOutOfGas         = &Error{Code: "out_of_gas"}

	ErrInsufficientTokenBalance    = &Error{Code: "insufficient_token_balance"}
	ErrInsufficientContractBalance = &Error{Code: "insufficient_contract_balance"}
)

func GuardFailed(msg string) *Error {
	return &Error{Code: "guard_failed", Msg: msg}
}

func specErr(format string, args ...any) *Error {
	return &Error{Code: "spec_limit_exceeded", Msg: fmt.Sprintf(format, args...)}
}

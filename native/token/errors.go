package token

import "errors"

var (
	ErrUnknownToken          = errors.New("token: not registered")
	ErrZeroAddress           = errors.New("token: address must not be zero")
	ErrNegativeAmount        = errors.New("token: negative amount")
	ErrInsufficientBalance   = errors.New("token: insufficient balance")
	ErrInsufficientAllowance = errors.New("token: insufficient allowance")
)

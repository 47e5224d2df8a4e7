package topup

import "errors"

var (
	ErrUnauthorized        = errors.New("topup: unauthorized")
	ErrNotConfigured       = errors.New("topup: engine not configured")
	ErrAlreadyConfigured   = errors.New("topup: engine already configured")
	ErrInvalidPercentTotal = errors.New("topup: total percent must be 100")
	ErrNegativePercent     = errors.New("topup: percent must not be negative")
	ErrZeroTreasury        = errors.New("topup: treasury address must not be zero")
	ErrZeroPartner         = errors.New("topup: partner address must not be zero")
	ErrZeroPlatform        = errors.New("topup: platform address must not be zero")
	ErrZeroCurrency        = errors.New("topup: currency token must not be zero")
	ErrEmptyReference      = errors.New("topup: ref code must not be empty")
	ErrNegativeAmount      = errors.New("topup: amount must not be negative")
	ErrNonPositiveAmount   = errors.New("topup: amount must be positive")
)

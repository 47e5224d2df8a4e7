package token

import (
	"errors"
	"fmt"
	"math/big"
)

const (
	// FeeDenominator is the fixed-point scale for wrap fees: 100% == 1e10.
	FeeDenominator = 10_000_000_000

	// RoleZeroFee exempts its holders from deposit and withdraw fees.
	RoleZeroFee = "ROLE_ZERO_FEE"
	// RoleStableAdmin gates fee configuration on the wrapped asset.
	RoleStableAdmin = "ROLE_STABLE_ADMIN"
)

// maxFee caps both fees at 90% of the deposited or withdrawn amount.
var maxFee = big.NewInt(9_000_000_000)

var (
	ErrStableNotConfigured     = errors.New("stable: not configured")
	ErrStableAlreadyConfigured = errors.New("stable: already configured")
	ErrStableUnauthorized      = errors.New("stable: unauthorized")
	ErrFeeTooHigh              = errors.New("stable: fee exceeds maximum")
	ErrNonPositiveAmount       = errors.New("stable: amount must be positive")
)

type stableState interface {
	HasRole(role string, addr []byte) bool
	SetRole(role string, addr []byte) error
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

type stableConfig struct {
	Underlying  [20]byte
	DepositFee  *big.Int
	WithdrawFee *big.Int
}

// Wrapped models a fee-bearing wrapped stable asset: deposits of the
// underlying token mint the wrapped token 1:1 minus a configurable fee, and
// withdrawals burn it back the same way. Holders of RoleZeroFee convert
// without any deduction. The wrapped token's own address acts as the custody
// account for the underlying.
type Wrapped struct {
	st     stableState
	ledger *Ledger
	token  [20]byte
}

// NewWrapped binds a wrapped stable asset handle to the provided token
// address. Initialize must have been called once before the asset is usable.
func NewWrapped(st stableState, ledger *Ledger, token [20]byte) *Wrapped {
	return &Wrapped{st: st, ledger: ledger, token: token}
}

// Token returns the wrapped token's address.
func (w *Wrapped) Token() [20]byte { return w.token }

// Initialize registers the wrapped token, stores its fee configuration and
// grants the stable-admin role to the provided admin. It fails when the asset
// was already configured or a fee exceeds the 90% cap.
func (w *Wrapped) Initialize(symbol, name string, decimals uint8, underlying [20]byte, depositFee, withdrawFee *big.Int, admin [20]byte) error {
	if underlying == ([20]byte{}) {
		return ErrZeroAddress
	}
	if admin == ([20]byte{}) {
		return ErrZeroAddress
	}
	if exists, err := w.st.KVGet(w.configKey(), nil); err != nil {
		return err
	} else if exists {
		return ErrStableAlreadyConfigured
	}
	cfg := stableConfig{
		Underlying:  underlying,
		DepositFee:  normalizeFee(depositFee),
		WithdrawFee: normalizeFee(withdrawFee),
	}
	if cfg.DepositFee.Sign() < 0 || cfg.WithdrawFee.Sign() < 0 {
		return ErrNegativeAmount
	}
	if cfg.DepositFee.Cmp(maxFee) > 0 || cfg.WithdrawFee.Cmp(maxFee) > 0 {
		return ErrFeeTooHigh
	}
	if err := w.ledger.Register(w.token, symbol, name, decimals); err != nil {
		return err
	}
	if err := w.st.KVPut(w.configKey(), &cfg); err != nil {
		return err
	}
	return w.st.SetRole(RoleStableAdmin, admin[:])
}

// Underlying returns the address of the wrapped asset's underlying token.
func (w *Wrapped) Underlying() ([20]byte, error) {
	cfg, err := w.config()
	if err != nil {
		return [20]byte{}, err
	}
	return cfg.Underlying, nil
}

// DepositFee returns the current deposit fee in FeeDenominator units.
func (w *Wrapped) DepositFee() (*big.Int, error) {
	cfg, err := w.config()
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(cfg.DepositFee), nil
}

// WithdrawFee returns the current withdraw fee in FeeDenominator units.
func (w *Wrapped) WithdrawFee() (*big.Int, error) {
	cfg, err := w.config()
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(cfg.WithdrawFee), nil
}

// SetDepositFee updates the deposit fee. Only stable-admin holders may call
// it; the 90% cap applies.
func (w *Wrapped) SetDepositFee(caller [20]byte, fee *big.Int) error {
	return w.setFee(caller, fee, func(cfg *stableConfig, v *big.Int) { cfg.DepositFee = v })
}

// SetWithdrawFee updates the withdraw fee. Only stable-admin holders may call
// it; the 90% cap applies.
func (w *Wrapped) SetWithdrawFee(caller [20]byte, fee *big.Int) error {
	return w.setFee(caller, fee, func(cfg *stableConfig, v *big.Int) { cfg.WithdrawFee = v })
}

func (w *Wrapped) setFee(caller [20]byte, fee *big.Int, assign func(*stableConfig, *big.Int)) error {
	if !w.st.HasRole(RoleStableAdmin, caller[:]) {
		return ErrStableUnauthorized
	}
	normalized := normalizeFee(fee)
	if normalized.Sign() < 0 {
		return ErrNegativeAmount
	}
	if normalized.Cmp(maxFee) > 0 {
		return ErrFeeTooHigh
	}
	cfg, err := w.config()
	if err != nil {
		return err
	}
	assign(cfg, normalized)
	return w.st.KVPut(w.configKey(), cfg)
}

// Deposit pulls amount of the underlying token from the caller and mints the
// wrapped token to the caller, minus the deposit fee. The caller must have
// approved the wrapped asset to move the underlying. The minted amount is
// returned.
func (w *Wrapped) Deposit(caller [20]byte, amount *big.Int) (*big.Int, error) {
	cfg, err := w.config()
	if err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrNonPositiveAmount
	}
	if err := w.ledger.TransferFrom(cfg.Underlying, w.token, caller, w.token, amount); err != nil {
		return nil, err
	}
	fee := w.feeOn(amount, cfg.DepositFee, caller)
	minted := new(big.Int).Sub(amount, fee)
	if err := w.ledger.Mint(w.token, caller, minted); err != nil {
		return nil, err
	}
	return minted, nil
}

// Withdraw burns amount of the wrapped token held by the caller and returns
// the underlying, minus the withdraw fee. The paid-out amount is returned.
func (w *Wrapped) Withdraw(caller [20]byte, amount *big.Int) (*big.Int, error) {
	cfg, err := w.config()
	if err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrNonPositiveAmount
	}
	if err := w.ledger.Burn(w.token, caller, amount); err != nil {
		return nil, err
	}
	fee := w.feeOn(amount, cfg.WithdrawFee, caller)
	payout := new(big.Int).Sub(amount, fee)
	if err := w.ledger.Transfer(cfg.Underlying, w.token, caller, payout); err != nil {
		return nil, err
	}
	return payout, nil
}

func (w *Wrapped) feeOn(amount, fee *big.Int, caller [20]byte) *big.Int {
	if fee.Sign() == 0 {
		return big.NewInt(0)
	}
	if w.st.HasRole(RoleZeroFee, caller[:]) {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(amount, fee)
	return out.Div(out, big.NewInt(FeeDenominator))
}

func normalizeFee(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func (w *Wrapped) config() (*stableConfig, error) {
	cfg := new(stableConfig)
	found, err := w.st.KVGet(w.configKey(), cfg)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrStableNotConfigured
	}
	return cfg, nil
}

func (w *Wrapped) configKey() []byte {
	return []byte(fmt.Sprintf("stable/config/%x", w.token))
}

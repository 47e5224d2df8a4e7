package token

import (
	"fmt"
	"math/big"
)

// maxUint256 marks an unlimited allowance. Approvals at this value are not
// decremented on spend, mirroring the common fungible-token convention.
var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

type ledgerState interface {
	TokenExists(token [20]byte) bool
	RegisterToken(token [20]byte, symbol, name string, decimals uint8) error
	Balance(token, addr [20]byte) (*big.Int, error)
	SetBalance(token, addr [20]byte, amount *big.Int) error
	Allowance(token, owner, spender [20]byte) (*big.Int, error)
	SetAllowance(token, owner, spender [20]byte, amount *big.Int) error
}

// Ledger implements fungible-token semantics (mint, transfer, approve,
// delegated transfer) over the state manager. It stands in for the token
// contracts the settlement engine collaborates with.
type Ledger struct {
	st ledgerState
}

// NewLedger creates a token ledger backed by the provided state.
func NewLedger(st ledgerState) *Ledger {
	return &Ledger{st: st}
}

// Register records a new fungible token under the provided address.
func (l *Ledger) Register(token [20]byte, symbol, name string, decimals uint8) error {
	return l.st.RegisterToken(token, symbol, name, decimals)
}

// Exists reports whether the token address is registered.
func (l *Ledger) Exists(token [20]byte) bool {
	return l.st.TokenExists(token)
}

// BalanceOf returns the holder's balance for the provided token.
func (l *Ledger) BalanceOf(token, addr [20]byte) (*big.Int, error) {
	if !l.st.TokenExists(token) {
		return nil, ErrUnknownToken
	}
	return l.st.Balance(token, addr)
}

// Allowance returns the amount spender may move out of owner's balance.
func (l *Ledger) Allowance(token, owner, spender [20]byte) (*big.Int, error) {
	if !l.st.TokenExists(token) {
		return nil, ErrUnknownToken
	}
	return l.st.Allowance(token, owner, spender)
}

// Mint credits newly created units to the recipient.
func (l *Ledger) Mint(token, to [20]byte, amount *big.Int) error {
	if to == ([20]byte{}) {
		return ErrZeroAddress
	}
	amt, err := l.checkAmount(token, amount)
	if err != nil {
		return err
	}
	if amt.Sign() == 0 {
		return nil
	}
	balance, err := l.st.Balance(token, to)
	if err != nil {
		return err
	}
	return l.st.SetBalance(token, to, new(big.Int).Add(balance, amt))
}

// Burn destroys units held by the holder.
func (l *Ledger) Burn(token, from [20]byte, amount *big.Int) error {
	amt, err := l.checkAmount(token, amount)
	if err != nil {
		return err
	}
	if amt.Sign() == 0 {
		return nil
	}
	balance, err := l.st.Balance(token, from)
	if err != nil {
		return err
	}
	if balance.Cmp(amt) < 0 {
		return fmt.Errorf("%w: burn %s exceeds balance %s", ErrInsufficientBalance, amt, balance)
	}
	return l.st.SetBalance(token, from, new(big.Int).Sub(balance, amt))
}

// Transfer moves units from one holder to another.
func (l *Ledger) Transfer(token, from, to [20]byte, amount *big.Int) error {
	if to == ([20]byte{}) {
		return ErrZeroAddress
	}
	amt, err := l.checkAmount(token, amount)
	if err != nil {
		return err
	}
	if amt.Sign() == 0 {
		return nil
	}
	fromBalance, err := l.st.Balance(token, from)
	if err != nil {
		return err
	}
	if fromBalance.Cmp(amt) < 0 {
		return fmt.Errorf("%w: transfer %s exceeds balance %s", ErrInsufficientBalance, amt, fromBalance)
	}
	toBalance, err := l.st.Balance(token, to)
	if err != nil {
		return err
	}
	if err := l.st.SetBalance(token, from, new(big.Int).Sub(fromBalance, amt)); err != nil {
		return err
	}
	return l.st.SetBalance(token, to, new(big.Int).Add(toBalance, amt))
}

// Approve sets the allowance spender may move out of owner's balance.
// Approving maxUint256 grants an unlimited allowance.
func (l *Ledger) Approve(token, owner, spender [20]byte, amount *big.Int) error {
	if spender == ([20]byte{}) {
		return ErrZeroAddress
	}
	amt, err := l.checkAmount(token, amount)
	if err != nil {
		return err
	}
	return l.st.SetAllowance(token, owner, spender, amt)
}

// TransferFrom moves units on behalf of the owner, consuming the spender's
// allowance. Unlimited allowances are left untouched.
func (l *Ledger) TransferFrom(token, spender, from, to [20]byte, amount *big.Int) error {
	amt, err := l.checkAmount(token, amount)
	if err != nil {
		return err
	}
	if amt.Sign() == 0 {
		return nil
	}
	allowance, err := l.st.Allowance(token, from, spender)
	if err != nil {
		return err
	}
	if allowance.Cmp(amt) < 0 {
		return fmt.Errorf("%w: spend %s exceeds allowance %s", ErrInsufficientAllowance, amt, allowance)
	}
	if err := l.Transfer(token, from, to, amt); err != nil {
		return err
	}
	if allowance.Cmp(maxUint256) < 0 {
		return l.st.SetAllowance(token, from, spender, new(big.Int).Sub(allowance, amt))
	}
	return nil
}

// UnlimitedAllowance returns the sentinel amount treated as an unlimited
// approval.
func UnlimitedAllowance() *big.Int {
	return new(big.Int).Set(maxUint256)
}

func (l *Ledger) checkAmount(token [20]byte, amount *big.Int) (*big.Int, error) {
	if !l.st.TokenExists(token) {
		return nil, ErrUnknownToken
	}
	if amount == nil {
		return big.NewInt(0), nil
	}
	if amount.Sign() < 0 {
		return nil, ErrNegativeAmount
	}
	return new(big.Int).Set(amount), nil
}

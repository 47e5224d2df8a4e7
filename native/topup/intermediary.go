package topup

import (
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"topupd/native/token"
)

type intermediaryState interface {
	WithTx(fn func() error) error
}

// Intermediary sits in front of a settlement engine: it accepts the
// underlying asset from a caller holding RoleTopup, converts it into the
// wrapped stable asset and forwards the resulting balance into the engine's
// topup entry point with the same reference code.
//
// For the conversion to be 1:1 the intermediary's holding account must have
// been granted the stable asset's zero-fee role by the stable asset's admin;
// a missing exemption surfaces as a short-settled engine amount, exactly as
// it would on chain.
type Intermediary struct {
	name    string
	st      intermediaryState
	ledger  tokenLedger
	stable  *token.Wrapped
	engine  *Engine
	auth    Authorizer
	holding [20]byte
}

// NewIntermediary creates an adapter in front of the provided engine and
// wrapped stable asset. The authorizer gates the forwarding entry point and
// is expected to check RoleTopup.
func NewIntermediary(name string, st intermediaryState, ledger tokenLedger, stable *token.Wrapped, engine *Engine, auth Authorizer) *Intermediary {
	return &Intermediary{
		name:    name,
		st:      st,
		ledger:  ledger,
		stable:  stable,
		engine:  engine,
		auth:    auth,
		holding: HoldingAddress(name),
	}
}

// HoldingAddress derives the deterministic account the named intermediary
// uses to stage funds between the pull, the conversion and the forward.
func HoldingAddress(name string) [20]byte {
	hash := ethcrypto.Keccak256([]byte("topup/intermediary/" + name))
	var addr [20]byte
	copy(addr[:], hash[12:])
	return addr
}

// Holding returns the adapter's staging account.
func (i *Intermediary) Holding() [20]byte { return i.holding }

// Topup pulls amount of the underlying asset from the caller, deposits it
// into the wrapped stable asset and forwards the minted balance into the
// settlement engine under the same reference code. The caller must hold
// RoleTopup and must have approved the adapter's holding account on the
// underlying asset. The engine receipt for the forwarded payment is returned.
func (i *Intermediary) Topup(caller [20]byte, amount *big.Int, referenceCode string) (*Receipt, error) {
	if !i.auth.Authorize(caller) {
		return nil, ErrUnauthorized
	}
	if referenceCode == "" {
		return nil, ErrEmptyReference
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrNonPositiveAmount
	}
	var receipt *Receipt
	err := i.st.WithTx(func() error {
		underlying, err := i.stable.Underlying()
		if err != nil {
			return err
		}
		amt := new(big.Int).Set(amount)
		if err := i.ledger.TransferFrom(underlying, i.holding, caller, i.holding, amt); err != nil {
			return err
		}
		if err := i.ledger.Approve(underlying, i.holding, i.stable.Token(), amt); err != nil {
			return err
		}
		if _, err := i.stable.Deposit(i.holding, amt); err != nil {
			return err
		}
		// Forward the entire wrapped balance, not just the freshly minted
		// amount, so nothing can accumulate on the holding account.
		balance, err := i.ledger.BalanceOf(i.stable.Token(), i.holding)
		if err != nil {
			return err
		}
		if err := i.ledger.Approve(i.stable.Token(), i.holding, i.engine.Vault(), balance); err != nil {
			return err
		}
		receipt, err = i.engine.Topup(i.holding, balance, referenceCode)
		return err
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

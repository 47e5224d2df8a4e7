package topup

import (
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"topupd/core/events"
)

// PercentDenominator is the fixed-point scale for split percentages:
// 100% == 1e10, so one percent point is 1e8.
const PercentDenominator = 10_000_000_000

var percentDenominator = big.NewInt(PercentDenominator)

type engineState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	SetRole(role string, addr []byte) error
	UnsetRole(role string, addr []byte) error
	HasRole(role string, addr []byte) bool
	WithTx(fn func() error) error
	OnCommit(fn func())
}

type tokenLedger interface {
	BalanceOf(token, addr [20]byte) (*big.Int, error)
	Transfer(token, from, to [20]byte, amount *big.Int) error
	Approve(token, owner, spender [20]byte, amount *big.Int) error
	TransferFrom(token, spender, from, to [20]byte, amount *big.Int) error
}

// Config holds the five configuration fields of a settlement engine instance.
// Percentages are expressed in PercentDenominator units and must sum to
// exactly 100%.
type Config struct {
	CurrencyToken   [20]byte
	TreasuryAddress [20]byte
	PartnerAddress  [20]byte
	PlatformAddress [20]byte
	TreasuryPercent *big.Int
	PartnerPercent  *big.Int
	PlatformPercent *big.Int
}

// Validate checks the non-zero-address invariants and the sum-to-100%
// invariant. A config that fails validation is never written to state.
func (c *Config) Validate() error {
	if c.CurrencyToken == ([20]byte{}) {
		return ErrZeroCurrency
	}
	if c.TreasuryAddress == ([20]byte{}) {
		return ErrZeroTreasury
	}
	if c.PartnerAddress == ([20]byte{}) {
		return ErrZeroPartner
	}
	if c.PlatformAddress == ([20]byte{}) {
		return ErrZeroPlatform
	}
	return validatePercents(c.TreasuryPercent, c.PartnerPercent, c.PlatformPercent)
}

func validatePercents(treasury, partner, platform *big.Int) error {
	sum := big.NewInt(0)
	for _, p := range []*big.Int{treasury, partner, platform} {
		if p == nil {
			continue
		}
		if p.Sign() < 0 {
			return ErrNegativePercent
		}
		sum.Add(sum, p)
	}
	if sum.Cmp(percentDenominator) != 0 {
		return ErrInvalidPercentTotal
	}
	return nil
}

func (c *Config) clone() *Config {
	cpy := &Config{
		CurrencyToken:   c.CurrencyToken,
		TreasuryAddress: c.TreasuryAddress,
		PartnerAddress:  c.PartnerAddress,
		PlatformAddress: c.PlatformAddress,
		TreasuryPercent: cloneBigInt(c.TreasuryPercent),
		PartnerPercent:  cloneBigInt(c.PartnerPercent),
		PlatformPercent: cloneBigInt(c.PlatformPercent),
	}
	return cpy
}

// Receipt summarises a settled topup payment.
type Receipt struct {
	Payer         [20]byte
	Token         [20]byte
	Amount        *big.Int
	ReferenceCode string
	TreasuryShare *big.Int
	PartnerShare  *big.Int
	PlatformShare *big.Int
	Residual      *big.Int
}

// Engine settles topup payments: it pulls the configured currency token from
// the payer and atomically splits it across the treasury, partner and
// platform recipients according to the configured percentages. Rounding is
// floor per leg; any residual dust stays on the engine's vault account rather
// than being swept to any one party.
type Engine struct {
	name    string
	st      engineState
	ledger  tokenLedger
	auth    Authorizer
	emitter events.Emitter
	vault   [20]byte
}

// NewEngine creates a settlement engine instance. The name scopes the
// instance's configuration record and vault account, so multiple engines can
// share one state manager. The authorizer gates every configuration setter.
func NewEngine(name string, st engineState, ledger tokenLedger, auth Authorizer) *Engine {
	return &Engine{
		name:    name,
		st:      st,
		ledger:  ledger,
		auth:    auth,
		emitter: events.NoopEmitter{},
		vault:   VaultAddress(name),
	}
}

// VaultAddress derives the deterministic account that holds in-flight funds
// and rounding dust for the named engine instance.
func VaultAddress(name string) [20]byte {
	hash := ethcrypto.Keccak256([]byte("topup/vault/" + name))
	var addr [20]byte
	copy(addr[:], hash[12:])
	return addr
}

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// Name returns the instance name.
func (e *Engine) Name() string { return e.name }

// Vault returns the engine's vault account.
func (e *Engine) Vault() [20]byte { return e.vault }

// Initialize writes the engine's initial configuration. It is the
// constructor analog: all invariants are enforced up front and a failed
// validation leaves no state behind. Initialising twice fails.
func (e *Engine) Initialize(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return e.st.WithTx(func() error {
		if exists, err := e.st.KVGet(e.configKey(), nil); err != nil {
			return err
		} else if exists {
			return ErrAlreadyConfigured
		}
		return e.st.KVPut(e.configKey(), cfg.clone())
	})
}

// Config returns a copy of the current configuration.
func (e *Engine) Config() (*Config, error) {
	return e.loadConfig()
}

// TreasuryPercent returns the treasury share in PercentDenominator units.
func (e *Engine) TreasuryPercent() (*big.Int, error) {
	cfg, err := e.loadConfig()
	if err != nil {
		return nil, err
	}
	return cfg.TreasuryPercent, nil
}

// PartnerPercent returns the partner share in PercentDenominator units.
func (e *Engine) PartnerPercent() (*big.Int, error) {
	cfg, err := e.loadConfig()
	if err != nil {
		return nil, err
	}
	return cfg.PartnerPercent, nil
}

// PlatformPercent returns the platform share in PercentDenominator units.
func (e *Engine) PlatformPercent() (*big.Int, error) {
	cfg, err := e.loadConfig()
	if err != nil {
		return nil, err
	}
	return cfg.PlatformPercent, nil
}

// SetPercent atomically replaces all three percentages. There is no partial
// setter: the sum-to-100% invariant holds unconditionally outside this call.
func (e *Engine) SetPercent(caller [20]byte, treasury, partner, platform *big.Int) error {
	if !e.auth.Authorize(caller) {
		return ErrUnauthorized
	}
	if err := validatePercents(treasury, partner, platform); err != nil {
		return err
	}
	return e.st.WithTx(func() error {
		cfg, err := e.loadConfig()
		if err != nil {
			return err
		}
		cfg.TreasuryPercent = cloneBigInt(treasury)
		cfg.PartnerPercent = cloneBigInt(partner)
		cfg.PlatformPercent = cloneBigInt(platform)
		if err := e.st.KVPut(e.configKey(), cfg); err != nil {
			return err
		}
		e.st.OnCommit(func() {
			e.emitter.Emit(events.PercentUpdated{
				TreasuryPercent: cloneBigInt(treasury),
				PartnerPercent:  cloneBigInt(partner),
				PlatformPercent: cloneBigInt(platform),
			})
		})
		return nil
	})
}

// SetTreasuryAddress updates the treasury payout address.
func (e *Engine) SetTreasuryAddress(caller, addr [20]byte) error {
	return e.setRecipient(caller, addr, "treasury", ErrZeroTreasury, func(cfg *Config) {
		cfg.TreasuryAddress = addr
	})
}

// SetPartnerAddress updates the partner payout address.
func (e *Engine) SetPartnerAddress(caller, addr [20]byte) error {
	return e.setRecipient(caller, addr, "partner", ErrZeroPartner, func(cfg *Config) {
		cfg.PartnerAddress = addr
	})
}

// SetPlatformAddress updates the platform payout address.
func (e *Engine) SetPlatformAddress(caller, addr [20]byte) error {
	return e.setRecipient(caller, addr, "platform", ErrZeroPlatform, func(cfg *Config) {
		cfg.PlatformAddress = addr
	})
}

func (e *Engine) setRecipient(caller, addr [20]byte, field string, zeroErr error, assign func(*Config)) error {
	if !e.auth.Authorize(caller) {
		return ErrUnauthorized
	}
	if addr == ([20]byte{}) {
		return zeroErr
	}
	return e.st.WithTx(func() error {
		cfg, err := e.loadConfig()
		if err != nil {
			return err
		}
		assign(cfg)
		if err := e.st.KVPut(e.configKey(), cfg); err != nil {
			return err
		}
		e.st.OnCommit(func() {
			e.emitter.Emit(events.RecipientUpdated{Field: field, Address: addr})
		})
		return nil
	})
}

// SetCurrencyToken updates the accepted payment token. Settled balances are
// unaffected; only future topups pull the new token.
func (e *Engine) SetCurrencyToken(caller, token [20]byte) error {
	if !e.auth.Authorize(caller) {
		return ErrUnauthorized
	}
	if token == ([20]byte{}) {
		return ErrZeroCurrency
	}
	return e.st.WithTx(func() error {
		cfg, err := e.loadConfig()
		if err != nil {
			return err
		}
		cfg.CurrencyToken = token
		if err := e.st.KVPut(e.configKey(), cfg); err != nil {
			return err
		}
		e.st.OnCommit(func() {
			e.emitter.Emit(events.CurrencyUpdated{Token: token})
		})
		return nil
	})
}

// GrantRole assigns a role to the holder. Only an authorized admin may grant.
func (e *Engine) GrantRole(caller [20]byte, role string, holder [20]byte) error {
	if !e.auth.Authorize(caller) {
		return ErrUnauthorized
	}
	return e.st.WithTx(func() error {
		return e.st.SetRole(role, holder[:])
	})
}

// RevokeRole removes a role from the holder. Only an authorized admin may
// revoke.
func (e *Engine) RevokeRole(caller [20]byte, role string, holder [20]byte) error {
	if !e.auth.Authorize(caller) {
		return ErrUnauthorized
	}
	return e.st.WithTx(func() error {
		return e.st.UnsetRole(role, holder[:])
	})
}

// Topup pulls amount of the currency token from the caller and splits it
// across the three recipients in one atomic operation. Shares are computed
// with independent floor division per leg, so they are not constrained to sum
// exactly to amount; the residual (at most a few minimal units) stays on the
// vault. The caller must have approved the engine's vault to move at least
// amount.
func (e *Engine) Topup(caller [20]byte, amount *big.Int, referenceCode string) (*Receipt, error) {
	if referenceCode == "" {
		return nil, ErrEmptyReference
	}
	if amount == nil {
		amount = big.NewInt(0)
	}
	if amount.Sign() < 0 {
		return nil, ErrNegativeAmount
	}
	var receipt *Receipt
	err := e.st.WithTx(func() error {
		cfg, err := e.loadConfig()
		if err != nil {
			return err
		}
		amt := new(big.Int).Set(amount)
		if err := e.ledger.TransferFrom(cfg.CurrencyToken, e.vault, caller, e.vault, amt); err != nil {
			return err
		}
		treasuryShare := share(amt, cfg.TreasuryPercent)
		partnerShare := share(amt, cfg.PartnerPercent)
		platformShare := share(amt, cfg.PlatformPercent)
		if err := e.ledger.Transfer(cfg.CurrencyToken, e.vault, cfg.TreasuryAddress, treasuryShare); err != nil {
			return err
		}
		if err := e.ledger.Transfer(cfg.CurrencyToken, e.vault, cfg.PartnerAddress, partnerShare); err != nil {
			return err
		}
		if err := e.ledger.Transfer(cfg.CurrencyToken, e.vault, cfg.PlatformAddress, platformShare); err != nil {
			return err
		}
		residual := new(big.Int).Sub(amt, treasuryShare)
		residual.Sub(residual, partnerShare)
		residual.Sub(residual, platformShare)
		receipt = &Receipt{
			Payer:         caller,
			Token:         cfg.CurrencyToken,
			Amount:        amt,
			ReferenceCode: referenceCode,
			TreasuryShare: treasuryShare,
			PartnerShare:  partnerShare,
			PlatformShare: platformShare,
			Residual:      residual,
		}
		// Held back until the outermost commit so a rolled-back settlement
		// never reaches the journal.
		settled := events.PaymentSettled{
			Payer:         receipt.Payer,
			Token:         receipt.Token,
			Amount:        cloneBigInt(receipt.Amount),
			ReferenceCode: receipt.ReferenceCode,
			TreasuryShare: cloneBigInt(receipt.TreasuryShare),
			PartnerShare:  cloneBigInt(receipt.PartnerShare),
			PlatformShare: cloneBigInt(receipt.PlatformShare),
		}
		e.st.OnCommit(func() {
			e.emitter.Emit(settled)
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

func share(amount, percent *big.Int) *big.Int {
	if percent == nil || percent.Sign() == 0 || amount.Sign() == 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(amount, percent)
	return out.Div(out, percentDenominator)
}

func (e *Engine) loadConfig() (*Config, error) {
	cfg := new(Config)
	found, err := e.st.KVGet(e.configKey(), cfg)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotConfigured
	}
	return cfg, nil
}

func (e *Engine) configKey() []byte {
	return []byte(fmt.Sprintf("topup/engine/%s", e.name))
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

package topup

import (
	"errors"
	"math/big"
	"testing"

	"topupd/core/state"
	"topupd/native/token"
	"topupd/storage"
)

type intermediaryFixture struct {
	st     *state.Manager
	ledger *token.Ledger
	stable *token.Wrapped
	engine *Engine
	inter  *Intermediary

	underlying [20]byte
	wrapped    [20]byte
	admin      [20]byte
	treasury   [20]byte
	partner    [20]byte
	platform   [20]byte
	payer      [20]byte
}

func newIntermediaryFixture(t *testing.T, depositFee *big.Int, zeroFeeHolding bool) *intermediaryFixture {
	t.Helper()
	f := &intermediaryFixture{
		st:         state.NewManager(storage.NewMemDB()),
		underlying: addr(0x10),
		wrapped:    addr(0x11),
		admin:      addr(0x12),
		treasury:   addr(0x13),
		partner:    addr(0x14),
		platform:   addr(0x15),
		payer:      addr(0x16),
	}
	f.ledger = token.NewLedger(f.st)
	if err := f.ledger.Register(f.underlying, "ION", "Ion", 18); err != nil {
		t.Fatalf("register underlying: %v", err)
	}
	f.stable = token.NewWrapped(f.st, f.ledger, f.wrapped)
	if err := f.stable.Initialize("wION", "Wrapped Ion", 18, f.underlying, depositFee, big.NewInt(100_000_000), f.admin); err != nil {
		t.Fatalf("initialize stable: %v", err)
	}

	if err := f.st.SetRole(RoleAdmin, f.admin[:]); err != nil {
		t.Fatalf("grant admin: %v", err)
	}
	f.engine = NewEngine("chain", f.st, f.ledger, NewRoleAuth(f.st, RoleAdmin))
	err := f.engine.Initialize(Config{
		CurrencyToken:   f.wrapped,
		TreasuryAddress: f.treasury,
		PartnerAddress:  f.partner,
		PlatformAddress: f.platform,
		TreasuryPercent: pct(30),
		PartnerPercent:  pct(42),
		PlatformPercent: pct(28),
	})
	if err != nil {
		t.Fatalf("initialize engine: %v", err)
	}

	f.inter = NewIntermediary("chain", f.st, f.ledger, f.stable, f.engine, NewRoleAuth(f.st, RoleTopup))
	if zeroFeeHolding {
		holding := f.inter.Holding()
		if err := f.st.SetRole(token.RoleZeroFee, holding[:]); err != nil {
			t.Fatalf("grant zero fee: %v", err)
		}
	}
	return f
}

func (f *intermediaryFixture) grantTopup(t *testing.T, holder [20]byte) {
	t.Helper()
	if err := f.st.SetRole(RoleTopup, holder[:]); err != nil {
		t.Fatalf("grant topup: %v", err)
	}
}

func (f *intermediaryFixture) fundPayer(t *testing.T, amount int64) {
	t.Helper()
	if err := f.ledger.Mint(f.underlying, f.payer, big.NewInt(amount)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := f.ledger.Approve(f.underlying, f.payer, f.inter.Holding(), token.UnlimitedAllowance()); err != nil {
		t.Fatalf("approve: %v", err)
	}
}

func (f *intermediaryFixture) balance(t *testing.T, tok, holder [20]byte) *big.Int {
	t.Helper()
	balance, err := f.ledger.BalanceOf(tok, holder)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return balance
}

func TestIntermediaryRejectsCallerWithoutRole(t *testing.T) {
	f := newIntermediaryFixture(t, big.NewInt(0), true)
	f.fundPayer(t, 1_000)

	if _, err := f.inter.Topup(f.payer, big.NewInt(100), "REF"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if got := f.balance(t, f.underlying, f.payer); got.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("payer balance changed: %s", got)
	}
}

func TestIntermediaryForwardsFullAmountWithZeroFeeExemption(t *testing.T) {
	f := newIntermediaryFixture(t, big.NewInt(100_000_000), true)
	f.grantTopup(t, f.payer)
	f.fundPayer(t, 1_000)

	receipt, err := f.inter.Topup(f.payer, big.NewInt(100), "REF")
	if err != nil {
		t.Fatalf("topup: %v", err)
	}
	if got := f.balance(t, f.underlying, f.payer); got.Cmp(big.NewInt(900)) != 0 {
		t.Fatalf("payer should be down exactly 100, balance %s", got)
	}
	// The exemption makes the conversion 1:1, so the downstream split is the
	// same as a direct engine topup of 100 wrapped units.
	if receipt.Amount.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("unexpected settled amount: %s", receipt.Amount)
	}
	if receipt.TreasuryShare.Cmp(big.NewInt(30)) != 0 || receipt.PartnerShare.Cmp(big.NewInt(42)) != 0 || receipt.PlatformShare.Cmp(big.NewInt(28)) != 0 {
		t.Fatalf("unexpected shares: %s/%s/%s", receipt.TreasuryShare, receipt.PartnerShare, receipt.PlatformShare)
	}
	if got := f.balance(t, f.wrapped, f.treasury); got.Cmp(big.NewInt(30)) != 0 {
		t.Fatalf("unexpected treasury balance: %s", got)
	}
	if got := f.balance(t, f.wrapped, f.partner); got.Cmp(big.NewInt(42)) != 0 {
		t.Fatalf("unexpected partner balance: %s", got)
	}
	if got := f.balance(t, f.wrapped, f.platform); got.Cmp(big.NewInt(28)) != 0 {
		t.Fatalf("unexpected platform balance: %s", got)
	}
	if got := f.balance(t, f.wrapped, f.inter.Holding()); got.Sign() != 0 {
		t.Fatalf("holding should be drained: %s", got)
	}
}

func TestIntermediaryWithoutExemptionSettlesNetOfFee(t *testing.T) {
	// 1% deposit fee, no zero-fee role on the holding account: topup(100)
	// mints 99 wrapped units and the engine settles that net amount.
	f := newIntermediaryFixture(t, big.NewInt(100_000_000), false)
	f.grantTopup(t, f.payer)
	f.fundPayer(t, 1_000)

	receipt, err := f.inter.Topup(f.payer, big.NewInt(100), "REF")
	if err != nil {
		t.Fatalf("topup: %v", err)
	}
	if receipt.Amount.Cmp(big.NewInt(99)) != 0 {
		t.Fatalf("unexpected settled amount: %s", receipt.Amount)
	}
	if receipt.TreasuryShare.Cmp(big.NewInt(29)) != 0 || receipt.PartnerShare.Cmp(big.NewInt(41)) != 0 || receipt.PlatformShare.Cmp(big.NewInt(27)) != 0 {
		t.Fatalf("unexpected shares: %s/%s/%s", receipt.TreasuryShare, receipt.PartnerShare, receipt.PlatformShare)
	}
	if receipt.Residual.Cmp(big.NewInt(2)) != 0 {
		t.Fatalf("unexpected residual: %s", receipt.Residual)
	}
}

func TestIntermediaryMatchesDirectEngineSplit(t *testing.T) {
	f := newIntermediaryFixture(t, big.NewInt(0), true)
	f.grantTopup(t, f.payer)
	f.fundPayer(t, 100)

	viaAdapter, err := f.inter.Topup(f.payer, big.NewInt(100), "REF")
	if err != nil {
		t.Fatalf("adapter topup: %v", err)
	}

	direct := addr(0x20)
	if err := f.ledger.Mint(f.wrapped, direct, big.NewInt(100)); err != nil {
		t.Fatalf("mint wrapped: %v", err)
	}
	if err := f.ledger.Approve(f.wrapped, direct, f.engine.Vault(), big.NewInt(100)); err != nil {
		t.Fatalf("approve vault: %v", err)
	}
	viaEngine, err := f.engine.Topup(direct, big.NewInt(100), "REF")
	if err != nil {
		t.Fatalf("direct topup: %v", err)
	}

	if viaAdapter.TreasuryShare.Cmp(viaEngine.TreasuryShare) != 0 ||
		viaAdapter.PartnerShare.Cmp(viaEngine.PartnerShare) != 0 ||
		viaAdapter.PlatformShare.Cmp(viaEngine.PlatformShare) != 0 {
		t.Fatalf("adapter split %s/%s/%s differs from direct split %s/%s/%s",
			viaAdapter.TreasuryShare, viaAdapter.PartnerShare, viaAdapter.PlatformShare,
			viaEngine.TreasuryShare, viaEngine.PartnerShare, viaEngine.PlatformShare)
	}
}

func TestIntermediaryValidatesArguments(t *testing.T) {
	f := newIntermediaryFixture(t, big.NewInt(0), true)
	f.grantTopup(t, f.payer)
	f.fundPayer(t, 1_000)

	if _, err := f.inter.Topup(f.payer, big.NewInt(100), ""); !errors.Is(err, ErrEmptyReference) {
		t.Fatalf("expected empty reference, got %v", err)
	}
	if _, err := f.inter.Topup(f.payer, big.NewInt(0), "REF"); !errors.Is(err, ErrNonPositiveAmount) {
		t.Fatalf("expected non-positive amount, got %v", err)
	}
	if _, err := f.inter.Topup(f.payer, nil, "REF"); !errors.Is(err, ErrNonPositiveAmount) {
		t.Fatalf("expected non-positive amount, got %v", err)
	}
}

func TestIntermediaryRollsBackOnEngineFailure(t *testing.T) {
	f := newIntermediaryFixture(t, big.NewInt(0), true)
	f.grantTopup(t, f.payer)
	// Fund less than the requested amount so the initial pull fails inside
	// the transaction.
	f.fundPayer(t, 50)

	_, err := f.inter.Topup(f.payer, big.NewInt(100), "REF")
	if !errors.Is(err, token.ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	if got := f.balance(t, f.underlying, f.payer); got.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("payer balance changed: %s", got)
	}
	if got := f.balance(t, f.underlying, f.inter.Holding()); got.Sign() != 0 {
		t.Fatalf("holding underlying balance changed: %s", got)
	}
	if got := f.balance(t, f.wrapped, f.inter.Holding()); got.Sign() != 0 {
		t.Fatalf("wrapped minted despite rollback: %s", got)
	}
}

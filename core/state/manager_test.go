package state

import (
	"errors"
	"math/big"
	"testing"

	"topupd/storage"
)

func testToken() [20]byte {
	var token [20]byte
	token[19] = 0x01
	return token
}

func testAddr(b byte) [20]byte {
	var addr [20]byte
	addr[0] = b
	return addr
}

func TestRegisterTokenAndMetadata(t *testing.T) {
	m := NewManager(storage.NewMemDB())
	token := testToken()
	if err := m.RegisterToken(token, "cur", "Currency", 18); err != nil {
		t.Fatalf("register: %v", err)
	}
	meta, err := m.Token(token)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if meta == nil || meta.Symbol != "CUR" || meta.Decimals != 18 {
		t.Fatalf("unexpected metadata: %+v", meta)
	}
	if !m.TokenExists(token) {
		t.Fatal("token should exist")
	}
	if err := m.RegisterToken(token, "CUR", "Currency", 18); err == nil {
		t.Fatal("duplicate registration should fail")
	}
	if err := m.RegisterToken([20]byte{}, "ZERO", "Zero", 18); err == nil {
		t.Fatal("zero token address should fail")
	}
}

func TestBalancesRequireRegisteredToken(t *testing.T) {
	m := NewManager(storage.NewMemDB())
	token := testToken()
	holder := testAddr(0x02)

	if err := m.SetBalance(token, holder, big.NewInt(10)); err == nil {
		t.Fatal("balance write on unregistered token should fail")
	}
	if err := m.RegisterToken(token, "CUR", "Currency", 18); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := m.SetBalance(token, holder, big.NewInt(42)); err != nil {
		t.Fatalf("set balance: %v", err)
	}
	balance, err := m.Balance(token, holder)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Cmp(big.NewInt(42)) != 0 {
		t.Fatalf("unexpected balance: %s", balance)
	}
	if err := m.SetBalance(token, holder, big.NewInt(-1)); err == nil {
		t.Fatal("negative balance should fail")
	}
}

func TestAllowanceRoundTrip(t *testing.T) {
	m := NewManager(storage.NewMemDB())
	token := testToken()
	owner := testAddr(0x02)
	spender := testAddr(0x03)

	allowance, err := m.Allowance(token, owner, spender)
	if err != nil {
		t.Fatalf("allowance: %v", err)
	}
	if allowance.Sign() != 0 {
		t.Fatalf("fresh allowance should be zero, got %s", allowance)
	}
	if err := m.SetAllowance(token, owner, spender, big.NewInt(500)); err != nil {
		t.Fatalf("set allowance: %v", err)
	}
	allowance, err = m.Allowance(token, owner, spender)
	if err != nil {
		t.Fatalf("allowance: %v", err)
	}
	if allowance.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("unexpected allowance: %s", allowance)
	}
}

func TestRoleLifecycle(t *testing.T) {
	m := NewManager(storage.NewMemDB())
	admin := testAddr(0x0a)
	other := testAddr(0x0b)

	if m.HasRole("ROLE_TOPUP_ADMIN", admin[:]) {
		t.Fatal("role should not exist yet")
	}
	if err := m.SetRole("ROLE_TOPUP_ADMIN", admin[:]); err != nil {
		t.Fatalf("set role: %v", err)
	}
	if !m.HasRole("ROLE_TOPUP_ADMIN", admin[:]) {
		t.Fatal("admin should hold role")
	}
	if m.HasRole("ROLE_TOPUP_ADMIN", other[:]) {
		t.Fatal("other should not hold role")
	}
	// Duplicate grants keep a single membership entry.
	if err := m.SetRole("ROLE_TOPUP_ADMIN", admin[:]); err != nil {
		t.Fatalf("duplicate set role: %v", err)
	}
	members, err := m.RoleMembers("ROLE_TOPUP_ADMIN")
	if err != nil {
		t.Fatalf("members: %v", err)
	}
	if len(members) != 1 {
		t.Fatalf("unexpected members: %d", len(members))
	}
	if err := m.UnsetRole("ROLE_TOPUP_ADMIN", admin[:]); err != nil {
		t.Fatalf("unset role: %v", err)
	}
	if m.HasRole("ROLE_TOPUP_ADMIN", admin[:]) {
		t.Fatal("role should be revoked")
	}
}

func TestWithTxCommitsAtomically(t *testing.T) {
	db := storage.NewMemDB()
	m := NewManager(db)
	token := testToken()
	holder := testAddr(0x02)

	err := m.WithTx(func() error {
		if err := m.RegisterToken(token, "CUR", "Currency", 18); err != nil {
			return err
		}
		return m.SetBalance(token, holder, big.NewInt(7))
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
	balance, err := m.Balance(token, holder)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Cmp(big.NewInt(7)) != 0 {
		t.Fatalf("unexpected balance: %s", balance)
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	m := NewManager(storage.NewMemDB())
	token := testToken()
	boom := errors.New("boom")

	err := m.WithTx(func() error {
		if err := m.RegisterToken(token, "CUR", "Currency", 18); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if m.TokenExists(token) {
		t.Fatal("rollback should discard the registration")
	}
}

func TestWithTxNestedJoinsOuter(t *testing.T) {
	m := NewManager(storage.NewMemDB())
	token := testToken()
	boom := errors.New("boom")

	err := m.WithTx(func() error {
		if err := m.WithTx(func() error {
			return m.RegisterToken(token, "CUR", "Currency", 18)
		}); err != nil {
			return err
		}
		if !m.TokenExists(token) {
			t.Fatal("staged write should be visible inside the transaction")
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if m.TokenExists(token) {
		t.Fatal("outer failure should discard nested writes")
	}
}

func TestOnCommitRunsAfterFlush(t *testing.T) {
	m := NewManager(storage.NewMemDB())
	token := testToken()

	var fired []string
	err := m.WithTx(func() error {
		if err := m.RegisterToken(token, "CUR", "Currency", 18); err != nil {
			return err
		}
		m.OnCommit(func() {
			if !m.TokenExists(token) {
				t.Fatal("hook should observe flushed state")
			}
			fired = append(fired, "first")
		})
		return m.WithTx(func() error {
			m.OnCommit(func() { fired = append(fired, "nested") })
			return nil
		})
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
	if len(fired) != 2 || fired[0] != "first" || fired[1] != "nested" {
		t.Fatalf("unexpected hook order: %v", fired)
	}
}

func TestOnCommitDroppedOnRollback(t *testing.T) {
	m := NewManager(storage.NewMemDB())
	boom := errors.New("boom")

	fired := false
	err := m.WithTx(func() error {
		m.OnCommit(func() { fired = true })
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if fired {
		t.Fatal("hooks of a failed transaction must not run")
	}

	// A later successful transaction must not replay dropped hooks.
	if err := m.WithTx(func() error { return nil }); err != nil {
		t.Fatalf("tx: %v", err)
	}
	if fired {
		t.Fatal("dropped hook leaked into the next transaction")
	}
}

func TestOnCommitOutsideTransactionRunsImmediately(t *testing.T) {
	m := NewManager(storage.NewMemDB())
	fired := false
	m.OnCommit(func() { fired = true })
	if !fired {
		t.Fatal("hook outside a transaction should run immediately")
	}
}

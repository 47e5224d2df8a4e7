package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"topupd/core/state"
	"topupd/native/token"
	"topupd/native/topup"
	"topupd/storage"
)

func testAddr(b byte) [20]byte {
	var a [20]byte
	a[19] = b
	return a
}

func testPct(points int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(points), big.NewInt(100_000_000))
}

type serverFixture struct {
	srv    *httptest.Server
	st     *state.Manager
	ledger *token.Ledger
	engine *topup.Engine

	currency [20]byte
	admin    [20]byte
	payer    [20]byte
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	f := &serverFixture{
		st:       state.NewManager(storage.NewMemDB()),
		currency: testAddr(0x01),
		admin:    testAddr(0x02),
		payer:    testAddr(0x06),
	}
	f.ledger = token.NewLedger(f.st)
	if err := f.ledger.Register(f.currency, "CUR", "Currency", 18); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := f.st.SetRole(topup.RoleAdmin, f.admin[:]); err != nil {
		t.Fatalf("grant admin: %v", err)
	}
	f.engine = topup.NewEngine("api", f.st, f.ledger, topup.NewRoleAuth(f.st, topup.RoleAdmin))
	err := f.engine.Initialize(topup.Config{
		CurrencyToken:   f.currency,
		TreasuryAddress: testAddr(0x03),
		PartnerAddress:  testAddr(0x04),
		PlatformAddress: testAddr(0x05),
		TreasuryPercent: testPct(30),
		PartnerPercent:  testPct(42),
		PlatformPercent: testPct(28),
	})
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}

	server := New(Config{Engine: f.engine})
	f.srv = httptest.NewServer(server.Handler())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *serverFixture) fundPayer(t *testing.T, amount int64) {
	t.Helper()
	if err := f.ledger.Mint(f.currency, f.payer, big.NewInt(amount)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := f.ledger.Approve(f.currency, f.payer, f.engine.Vault(), token.UnlimitedAllowance()); err != nil {
		t.Fatalf("approve: %v", err)
	}
}

func (f *serverFixture) post(t *testing.T, path string, payload interface{}) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(f.srv.URL+path, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func hexString(addr [20]byte) string {
	return fmt.Sprintf("0x%x", addr)
}

func TestHealthz(t *testing.T) {
	f := newServerFixture(t)
	resp, err := http.Get(f.srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
}

func TestTopupEndpointSettlesPayment(t *testing.T) {
	f := newServerFixture(t)
	f.fundPayer(t, 1_000_000)

	resp := f.post(t, "/v1/topup", topupRequest{
		Caller:        hexString(f.payer),
		Amount:        "1000000",
		ReferenceCode: "ORDER-1",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	var receipt receiptResponse
	if err := json.NewDecoder(resp.Body).Decode(&receipt); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if receipt.TreasuryShare != "300000" || receipt.PartnerShare != "420000" || receipt.PlatformShare != "280000" {
		t.Fatalf("unexpected shares: %+v", receipt)
	}
	if receipt.Residual != "0" {
		t.Fatalf("unexpected residual: %s", receipt.Residual)
	}
}

func TestConcurrentTopupsSettleExactly(t *testing.T) {
	f := newServerFixture(t)

	const (
		workers  = 8
		perGo    = 25
		amount   = 1_000
		payments = workers * perGo
	)
	f.fundPayer(t, amount*payments)

	var wg sync.WaitGroup
	errCh := make(chan error, payments)
	for g := 0; g < workers; g++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for i := 0; i < perGo; i++ {
				body, err := json.Marshal(topupRequest{
					Caller:        hexString(f.payer),
					Amount:        "1000",
					ReferenceCode: fmt.Sprintf("ORDER-%d-%d", worker, i),
				})
				if err != nil {
					errCh <- err
					return
				}
				resp, err := http.Post(f.srv.URL+"/v1/topup", "application/json", bytes.NewReader(body))
				if err != nil {
					errCh <- err
					return
				}
				resp.Body.Close()
				if resp.StatusCode != http.StatusOK {
					errCh <- fmt.Errorf("unexpected status %d", resp.StatusCode)
					return
				}
			}
		}(g)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("concurrent topup: %v", err)
	}

	// Every payment splits 1000 into exactly 300/420/280; any interleaving
	// that lost or double-counted a write would break conservation.
	checks := []struct {
		name string
		addr [20]byte
		want int64
	}{
		{"payer", f.payer, 0},
		{"treasury", testAddr(0x03), 300 * payments},
		{"partner", testAddr(0x04), 420 * payments},
		{"platform", testAddr(0x05), 280 * payments},
		{"vault", f.engine.Vault(), 0},
	}
	for _, c := range checks {
		got, err := f.ledger.BalanceOf(f.currency, c.addr)
		if err != nil {
			t.Fatalf("balance %s: %v", c.name, err)
		}
		if got.Cmp(big.NewInt(c.want)) != 0 {
			t.Fatalf("unexpected %s balance: got %s, want %d", c.name, got, c.want)
		}
	}
}

func TestTopupEndpointRejectsEmptyReference(t *testing.T) {
	f := newServerFixture(t)
	f.fundPayer(t, 1_000)

	resp := f.post(t, "/v1/topup", topupRequest{
		Caller: hexString(f.payer),
		Amount: "1000",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
}

func TestTopupEndpointRejectsBadAddress(t *testing.T) {
	f := newServerFixture(t)

	resp := f.post(t, "/v1/topup", topupRequest{
		Caller:        "0x1234",
		Amount:        "1000",
		ReferenceCode: "REF",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
}

func TestConfigEndpoint(t *testing.T) {
	f := newServerFixture(t)

	resp, err := http.Get(f.srv.URL + "/v1/config")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	var cfg configResponse
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.TreasuryPercent != "3000000000" {
		t.Fatalf("unexpected treasury percent %q", cfg.TreasuryPercent)
	}
	if cfg.CurrencyToken != hexString(f.currency) {
		t.Fatalf("unexpected currency %q", cfg.CurrencyToken)
	}
}

func TestAdminPercentsEndpoint(t *testing.T) {
	f := newServerFixture(t)

	resp := f.post(t, "/v1/admin/percents", percentRequest{
		Caller:          hexString(f.admin),
		TreasuryPercent: testPct(50).String(),
		PartnerPercent:  testPct(25).String(),
		PlatformPercent: testPct(25).String(),
	})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}

	// Invalid totals surface as 400 without changing state.
	resp = f.post(t, "/v1/admin/percents", percentRequest{
		Caller:          hexString(f.admin),
		TreasuryPercent: testPct(51).String(),
		PartnerPercent:  testPct(25).String(),
		PlatformPercent: testPct(25).String(),
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}

	got, err := f.engine.TreasuryPercent()
	if err != nil {
		t.Fatalf("treasury percent: %v", err)
	}
	if got.Cmp(testPct(50)) != 0 {
		t.Fatalf("unexpected treasury percent %s", got)
	}
}

func TestAdminEndpointsRejectUnauthorizedCaller(t *testing.T) {
	f := newServerFixture(t)
	stranger := testAddr(0x40)

	resp := f.post(t, "/v1/admin/treasury", recipientRequest{
		Caller:  hexString(stranger),
		Address: hexString(testAddr(0x41)),
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
}

func TestAdminRecipientAndRoleEndpoints(t *testing.T) {
	f := newServerFixture(t)
	next := testAddr(0x30)

	resp := f.post(t, "/v1/admin/partner", recipientRequest{
		Caller:  hexString(f.admin),
		Address: hexString(next),
	})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	cfg, err := f.engine.Config()
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if cfg.PartnerAddress != next {
		t.Fatalf("partner not updated: %x", cfg.PartnerAddress)
	}

	holder := testAddr(0x31)
	resp = f.post(t, "/v1/admin/roles/grant", roleRequest{
		Caller:  hexString(f.admin),
		Role:    topup.RoleTopup,
		Address: hexString(holder),
	})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	if !f.st.HasRole(topup.RoleTopup, holder[:]) {
		t.Fatal("role not granted")
	}
}

func TestIntermediaryRouteAbsentWithoutAdapter(t *testing.T) {
	f := newServerFixture(t)

	resp := f.post(t, "/v1/intermediary/topup", topupRequest{
		Caller:        hexString(f.payer),
		Amount:        "100",
		ReferenceCode: "REF",
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
}

func TestSettlementsRouteWithoutJournal(t *testing.T) {
	f := newServerFixture(t)

	resp, err := http.Get(f.srv.URL + "/v1/settlements")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotImplemented {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
}

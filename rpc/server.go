package rpc

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"topupd/journal"
	"topupd/native/token"
	"topupd/native/topup"
	"topupd/observability/metrics"
)

// Server exposes the settlement engine over HTTP. Gated operations carry the
// caller address in the request body; authorization is enforced by the engine
// itself, not by the transport.
type Server struct {
	engine  *topup.Engine
	inter   *topup.Intermediary
	journal *journal.Journal
	logger  *slog.Logger
	obs     *Observability
	stats   *metrics.SettlementMetrics
	limiter *RateLimiter

	// The state manager underneath the engine is single-writer; chi serves
	// handlers concurrently, so every state-touching call goes through mu.
	mu sync.Mutex
}

// Config wires the server's collaborators. Intermediary and Journal are
// optional; their routes respond 404 and 501 respectively when absent.
type Config struct {
	Engine        *topup.Engine
	Intermediary  *topup.Intermediary
	Journal       *journal.Journal
	Logger        *slog.Logger
	Observability *Observability
	Metrics       *metrics.SettlementMetrics
	// RateLimits maps route groups ("topup", "intermediary", "admin") to
	// per-client limits. Absent keys are served unthrottled.
	RateLimits map[string]RateLimit
}

// New creates an HTTP server around the provided engine.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	obs := cfg.Observability
	if obs == nil {
		obs = NewObservability("topupd", logger)
	}
	return &Server{
		engine:  cfg.Engine,
		inter:   cfg.Intermediary,
		journal: cfg.Journal,
		logger:  logger,
		obs:     obs,
		stats:   cfg.Metrics,
		limiter: NewRateLimiter(cfg.RateLimits),
	}
}

// Handler builds the chi router for the server.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", s.obs.MetricsHandler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.With(s.limiter.Middleware("topup"), s.obs.Middleware("topup")).Post("/topup", s.handleTopup)
		v1.With(s.limiter.Middleware("intermediary"), s.obs.Middleware("intermediary")).Post("/intermediary/topup", s.handleIntermediaryTopup)
		v1.With(s.obs.Middleware("config")).Get("/config", s.handleConfig)
		v1.Route("/settlements", func(sr chi.Router) {
			sr.Use(s.obs.Middleware("settlements"))
			sr.Get("/", s.handleRecentSettlements)
			sr.Get("/{referenceCode}", s.handleSettlementsByReference)
		})
		v1.Route("/admin", func(ar chi.Router) {
			ar.Use(s.limiter.Middleware("admin"), s.obs.Middleware("admin"))
			ar.Post("/percents", s.handleSetPercents)
			ar.Post("/treasury", s.handleSetRecipient(s.engineSetter((*topup.Engine).SetTreasuryAddress)))
			ar.Post("/partner", s.handleSetRecipient(s.engineSetter((*topup.Engine).SetPartnerAddress)))
			ar.Post("/platform", s.handleSetRecipient(s.engineSetter((*topup.Engine).SetPlatformAddress)))
			ar.Post("/currency", s.handleSetRecipient(s.engineSetter((*topup.Engine).SetCurrencyToken)))
			ar.Post("/roles/grant", s.handleRole(true))
			ar.Post("/roles/revoke", s.handleRole(false))
		})
	})
	return r
}

type topupRequest struct {
	Caller        string `json:"caller"`
	Amount        string `json:"amount"`
	ReferenceCode string `json:"referenceCode"`
}

type receiptResponse struct {
	Payer         string `json:"payer"`
	Token         string `json:"token"`
	Amount        string `json:"amount"`
	ReferenceCode string `json:"referenceCode"`
	TreasuryShare string `json:"treasuryShare"`
	PartnerShare  string `json:"partnerShare"`
	PlatformShare string `json:"platformShare"`
	Residual      string `json:"residual"`
}

func newReceiptResponse(receipt *topup.Receipt) receiptResponse {
	return receiptResponse{
		Payer:         hexAddr(receipt.Payer),
		Token:         hexAddr(receipt.Token),
		Amount:        receipt.Amount.String(),
		ReferenceCode: receipt.ReferenceCode,
		TreasuryShare: receipt.TreasuryShare.String(),
		PartnerShare:  receipt.PartnerShare.String(),
		PlatformShare: receipt.PlatformShare.String(),
		Residual:      receipt.Residual.String(),
	}
}

func (s *Server) handleTopup(w http.ResponseWriter, r *http.Request) {
	var req topupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	start := time.Now()
	s.mu.Lock()
	receipt, err := s.engine.Topup(caller, amount, req.ReferenceCode)
	s.mu.Unlock()
	if err != nil {
		s.observePayment("rejected", start)
		writeDomainError(w, err)
		return
	}
	s.observePayment("settled", start)
	if s.stats != nil {
		residual, _ := new(big.Float).SetInt(receipt.Residual).Float64()
		s.stats.ObserveResidual(s.engine.Name(), residual)
	}
	writeJSON(w, http.StatusOK, newReceiptResponse(receipt))
}

func (s *Server) handleIntermediaryTopup(w http.ResponseWriter, r *http.Request) {
	if s.inter == nil {
		writeError(w, http.StatusNotFound, errors.New("intermediary not configured"))
		return
	}
	var req topupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	start := time.Now()
	s.mu.Lock()
	receipt, err := s.inter.Topup(caller, amount, req.ReferenceCode)
	s.mu.Unlock()
	if err != nil {
		s.observePayment("rejected", start)
		writeDomainError(w, err)
		return
	}
	s.observePayment("settled", start)
	writeJSON(w, http.StatusOK, newReceiptResponse(receipt))
}

type configResponse struct {
	CurrencyToken   string `json:"currencyToken"`
	TreasuryAddress string `json:"treasuryAddress"`
	PartnerAddress  string `json:"partnerAddress"`
	PlatformAddress string `json:"platformAddress"`
	TreasuryPercent string `json:"treasuryPercent"`
	PartnerPercent  string `json:"partnerPercent"`
	PlatformPercent string `json:"platformPercent"`
	Vault           string `json:"vault"`
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	cfg, err := s.engine.Config()
	s.mu.Unlock()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, configResponse{
		CurrencyToken:   hexAddr(cfg.CurrencyToken),
		TreasuryAddress: hexAddr(cfg.TreasuryAddress),
		PartnerAddress:  hexAddr(cfg.PartnerAddress),
		PlatformAddress: hexAddr(cfg.PlatformAddress),
		TreasuryPercent: cfg.TreasuryPercent.String(),
		PartnerPercent:  cfg.PartnerPercent.String(),
		PlatformPercent: cfg.PlatformPercent.String(),
		Vault:           hexAddr(s.engine.Vault()),
	})
}

func (s *Server) handleRecentSettlements(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, http.StatusNotImplemented, errors.New("journal not configured"))
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
		limit = parsed
	}
	records, err := s.journal.Recent(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleSettlementsByReference(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, http.StatusNotImplemented, errors.New("journal not configured"))
		return
	}
	ref := strings.TrimSpace(chi.URLParam(r, "referenceCode"))
	if ref == "" {
		writeError(w, http.StatusBadRequest, errors.New("reference code required"))
		return
	}
	records, err := s.journal.ByReference(ref)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

type percentRequest struct {
	Caller          string `json:"caller"`
	TreasuryPercent string `json:"treasuryPercent"`
	PartnerPercent  string `json:"partnerPercent"`
	PlatformPercent string `json:"platformPercent"`
}

func (s *Server) handleSetPercents(w http.ResponseWriter, r *http.Request) {
	var req percentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	treasury, err := parseAmount(req.TreasuryPercent)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	partner, err := parseAmount(req.PartnerPercent)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	platform, err := parseAmount(req.PlatformPercent)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.mu.Lock()
	err = s.engine.SetPercent(caller, treasury, partner, platform)
	s.mu.Unlock()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type recipientRequest struct {
	Caller  string `json:"caller"`
	Address string `json:"address"`
}

type recipientSetter func(caller, addr [20]byte) error

func (s *Server) engineSetter(set func(*topup.Engine, [20]byte, [20]byte) error) recipientSetter {
	return func(caller, addr [20]byte) error {
		return set(s.engine, caller, addr)
	}
}

func (s *Server) handleSetRecipient(set recipientSetter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req recipientRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		caller, err := parseAddress(req.Caller)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		addr, err := parseAddress(req.Address)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		s.mu.Lock()
		err = set(caller, addr)
		s.mu.Unlock()
		if err != nil {
			writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type roleRequest struct {
	Caller  string `json:"caller"`
	Role    string `json:"role"`
	Address string `json:"address"`
}

func (s *Server) handleRole(grant bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req roleRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		caller, err := parseAddress(req.Caller)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		holder, err := parseAddress(req.Address)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if strings.TrimSpace(req.Role) == "" {
			writeError(w, http.StatusBadRequest, errors.New("role required"))
			return
		}
		s.mu.Lock()
		if grant {
			err = s.engine.GrantRole(caller, req.Role, holder)
		} else {
			err = s.engine.RevokeRole(caller, req.Role, holder)
		}
		s.mu.Unlock()
		if err != nil {
			writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) observePayment(outcome string, start time.Time) {
	if s.stats == nil {
		return
	}
	s.stats.ObservePayment(s.engine.Name(), outcome, time.Since(start).Seconds())
}

func decodeJSON(r *http.Request, out interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func parseAddress(raw string) ([20]byte, error) {
	var addr [20]byte
	raw = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "0x"))
	if raw == "" {
		return addr, errors.New("address required")
	}
	decoded, err := hex.DecodeString(raw)
	if err != nil {
		return addr, fmt.Errorf("invalid address %q", raw)
	}
	if len(decoded) != 20 {
		return addr, fmt.Errorf("address must be 20 bytes, got %d", len(decoded))
	}
	copy(addr[:], decoded)
	return addr, nil
}

func parseAmount(raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return big.NewInt(0), nil
	}
	amount, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	return amount, nil
}

func hexAddr(addr [20]byte) string {
	return "0x" + hex.EncodeToString(addr[:])
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, topup.ErrUnauthorized):
		writeError(w, http.StatusForbidden, err)
	case errors.Is(err, topup.ErrNotConfigured):
		writeError(w, http.StatusServiceUnavailable, err)
	case errors.Is(err, topup.ErrAlreadyConfigured):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, topup.ErrInvalidPercentTotal),
		errors.Is(err, topup.ErrNegativePercent),
		errors.Is(err, topup.ErrZeroTreasury),
		errors.Is(err, topup.ErrZeroPartner),
		errors.Is(err, topup.ErrZeroPlatform),
		errors.Is(err, topup.ErrZeroCurrency),
		errors.Is(err, topup.ErrEmptyReference),
		errors.Is(err, topup.ErrNegativeAmount),
		errors.Is(err, topup.ErrNonPositiveAmount):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, token.ErrInsufficientBalance),
		errors.Is(err, token.ErrInsufficientAllowance):
		writeError(w, http.StatusUnprocessableEntity, err)
	case errors.Is(err, token.ErrUnknownToken):
		writeError(w, http.StatusBadRequest, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

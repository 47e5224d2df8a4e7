package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"topupd/config"
	"topupd/core/events"
	"topupd/core/state"
	"topupd/journal"
	"topupd/native/token"
	"topupd/native/topup"
	"topupd/observability/logging"
	"topupd/observability/metrics"
	"topupd/rpc"
	"topupd/storage"
)

const envVar = "TOPUPD_ENV"

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv(envVar))

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}
	if env == "" {
		env = cfg.Environment
	}
	logger := logging.Setup(cfg.ServiceName, env, cfg.LogLevel)

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		panic(fmt.Sprintf("Failed to open database: %v", err))
	}
	defer db.Close()

	st := state.NewManager(db)
	ledger := token.NewLedger(st)

	jrnl, err := journal.Open(cfg.JournalPath, cfg.EngineName, logger)
	if err != nil {
		logger.Error("Failed to open settlement journal", slog.Any("error", err))
		os.Exit(1)
	}

	engine := topup.NewEngine(cfg.EngineName, st, ledger, topup.NewRoleAuth(st, topup.RoleAdmin))
	engine.SetEmitter(events.Fanout(jrnl, &logEmitter{logger: logger}))

	if err := seedGenesis(st, ledger, engine, cfg, logger); err != nil {
		logger.Error("Failed to seed genesis state", slog.Any("error", err))
		os.Exit(1)
	}

	var inter *topup.Intermediary
	if cfg.Stable.Enabled {
		stable, err := seedStable(st, ledger, cfg, logger)
		if err != nil {
			logger.Error("Failed to seed stable asset", slog.Any("error", err))
			os.Exit(1)
		}
		inter = topup.NewIntermediary(cfg.EngineName, st, ledger, stable, engine, topup.NewRoleAuth(st, topup.RoleTopup))
		logger.Info("Intermediary adapter enabled",
			"holding", fmt.Sprintf("0x%x", inter.Holding()),
			"stable", fmt.Sprintf("0x%x", stable.Token()))
	}

	var rateLimits map[string]rpc.RateLimit
	if cfg.RateLimit.RatePerSecond > 0 {
		limit := rpc.RateLimit{RatePerSecond: cfg.RateLimit.RatePerSecond, Burst: cfg.RateLimit.Burst}
		rateLimits = map[string]rpc.RateLimit{
			"topup":        limit,
			"intermediary": limit,
			"admin":        limit,
		}
	}

	server := rpc.New(rpc.Config{
		Engine:        engine,
		Intermediary:  inter,
		Journal:       jrnl,
		Logger:        logger,
		Observability: rpc.NewObservability(cfg.ServiceName, logger),
		Metrics:       metrics.Settlement(),
		RateLimits:    rateLimits,
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting topupd API", "listen", cfg.ListenAddress, "engine", cfg.EngineName)
		errCh <- httpServer.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.Info("Shutting down", "signal", sig.String())
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Error("Graceful shutdown failed", slog.Any("error", err))
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", slog.Any("error", err))
			os.Exit(1)
		}
	}
}

// seedGenesis initialises the engine from the config's genesis section when no
// configuration exists in state yet. Re-runs are no-ops so restarts never
// clobber operator changes made through the admin API.
func seedGenesis(st *state.Manager, ledger *token.Ledger, engine *topup.Engine, cfg *config.Config, logger *slog.Logger) error {
	if _, err := engine.Config(); err == nil {
		return nil
	} else if !errors.Is(err, topup.ErrNotConfigured) {
		return err
	}

	gen := cfg.Genesis
	admin, err := config.ParseAddress(gen.AdminAddress)
	if err != nil {
		return err
	}
	currency, err := config.ParseAddress(gen.CurrencyToken)
	if err != nil {
		return err
	}
	treasury, err := config.ParseAddress(gen.TreasuryAddress)
	if err != nil {
		return err
	}
	partner, err := config.ParseAddress(gen.PartnerAddress)
	if err != nil {
		return err
	}
	platform, err := config.ParseAddress(gen.PlatformAddress)
	if err != nil {
		return err
	}
	if admin == ([20]byte{}) {
		return errors.New("genesis admin address required")
	}

	if !ledger.Exists(currency) {
		if err := ledger.Register(currency, "CUR", "Settlement Currency", 18); err != nil {
			return err
		}
	}
	if err := st.SetRole(topup.RoleAdmin, admin[:]); err != nil {
		return err
	}
	err = engine.Initialize(topup.Config{
		CurrencyToken:   currency,
		TreasuryAddress: treasury,
		PartnerAddress:  partner,
		PlatformAddress: platform,
		TreasuryPercent: config.ScalePercent(gen.TreasuryPercent),
		PartnerPercent:  config.ScalePercent(gen.PartnerPercent),
		PlatformPercent: config.ScalePercent(gen.PlatformPercent),
	})
	if err != nil {
		return err
	}
	logger.Info("Seeded settlement engine from genesis config",
		"engine", engine.Name(),
		"admin", gen.AdminAddress,
		"vault", fmt.Sprintf("0x%x", engine.Vault()))
	return nil
}

// seedStable binds the wrapped stable asset, initialising it on first boot
// and granting the intermediary's holding account the zero-fee exemption so
// conversions stay 1:1.
func seedStable(st *state.Manager, ledger *token.Ledger, cfg *config.Config, logger *slog.Logger) (*token.Wrapped, error) {
	stableAddr, err := config.ParseAddress(cfg.Stable.TokenAddress)
	if err != nil {
		return nil, err
	}
	underlying, err := config.ParseAddress(cfg.Stable.UnderlyingToken)
	if err != nil {
		return nil, err
	}
	admin, err := config.ParseAddress(cfg.Genesis.AdminAddress)
	if err != nil {
		return nil, err
	}

	stable := token.NewWrapped(st, ledger, stableAddr)
	if _, err := stable.Underlying(); err == nil {
		return stable, nil
	} else if !errors.Is(err, token.ErrStableNotConfigured) {
		return nil, err
	}

	if !ledger.Exists(underlying) {
		if err := ledger.Register(underlying, "UND", "Underlying Asset", cfg.Stable.Decimals); err != nil {
			return nil, err
		}
	}
	err = stable.Initialize(
		cfg.Stable.Symbol,
		cfg.Stable.Name,
		cfg.Stable.Decimals,
		underlying,
		config.ScaleFeeBps(cfg.Stable.DepositFeeBps),
		config.ScaleFeeBps(cfg.Stable.WithdrawFeeBps),
		admin,
	)
	if err != nil {
		return nil, err
	}
	holding := topup.HoldingAddress(cfg.EngineName)
	if err := st.SetRole(token.RoleZeroFee, holding[:]); err != nil {
		return nil, err
	}
	logger.Info("Seeded wrapped stable asset",
		"symbol", cfg.Stable.Symbol,
		"underlying", cfg.Stable.UnderlyingToken)
	return stable, nil
}

// logEmitter mirrors settlement events into the structured log.
type logEmitter struct {
	logger *slog.Logger
}

func (l *logEmitter) Emit(event events.Event) {
	switch e := event.(type) {
	case events.PaymentSettled:
		l.logger.Info("payment settled",
			"payer", fmt.Sprintf("0x%x", e.Payer),
			"amount", e.Amount.String(),
			"reference_code", e.ReferenceCode,
			"treasury_share", e.TreasuryShare.String(),
			"partner_share", e.PartnerShare.String(),
			"platform_share", e.PlatformShare.String(),
		)
	default:
		l.logger.Info("settlement event", "type", event.EventType())
	}
}

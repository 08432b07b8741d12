package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	genesis "lendmarket/config"
	"lendmarket/core/events"
	"lendmarket/core/pricing"
	"lendmarket/core/state"
	"lendmarket/crypto"
	"lendmarket/native/bank"
	"lendmarket/native/lending"
	"lendmarket/observability/logging"
	telemetry "lendmarket/observability/otel"
	"lendmarket/services/lending/audit"
	lendingserver "lendmarket/services/lending/server"
	"lendmarket/services/lendingd/config"
	"lendmarket/storage"
)

const defaultConfigPath = "services/lendingd/config.yaml"

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if len(os.Args) > 1 && os.Args[1] == exportCommand {
		if err := runExport(context.Background(), os.Args[2:], os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	var cfgPath string
	flag.StringVar(&cfgPath, "config", defaultConfigPath, "path to lendingd config")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if env := strings.TrimSpace(os.Getenv("LENDING_ENV")); env != "" {
		cfg.Environment = env
	}
	var logOut io.Writer = os.Stdout
	if cfg.LogFile.Path != "" {
		file := logging.RotatingFile(logging.FileConfig{
			Path:       cfg.LogFile.Path,
			MaxSizeMB:  cfg.LogFile.MaxSizeMB,
			MaxBackups: cfg.LogFile.MaxBackups,
			MaxAgeDays: cfg.LogFile.MaxAgeDays,
			Compress:   cfg.LogFile.Compress,
		})
		defer file.Close()
		logOut = io.MultiWriter(os.Stdout, file)
	}
	logger := logging.SetupWithLevel(logOut, cfg.Telemetry.ServiceName, cfg.Environment, cfg.LogLevel)

	headers := cfg.Telemetry.Headers
	if len(headers) == 0 {
		headers = telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Environment,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		Headers:        headers,
		Traces:         cfg.Telemetry.Traces,
		SampleRatio:    cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		log.Fatalf("init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("lendingd stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	db, err := openDatabase(cfg.DataDir)
	if err != nil {
		return err
	}
	defer db.Close()

	_, plan, err := genesis.LoadGenesis(cfg.GenesisPath)
	if err != nil {
		return err
	}

	st := state.NewManager(db)
	router := pricing.NewRouter(pricing.RouterConfig{
		MaxAge:              cfg.Pricing.MaxAge,
		CautionDeviationBps: cfg.Pricing.CautionDeviationBps,
		BadDeviationBps:     cfg.Pricing.BadDeviationBps,
	})
	feed := pricing.NewStaticFeed()
	for _, market := range plan.Markets {
		router.AddFeed(market.ID, feed)
	}

	module := &lendingserver.ModuleSwitch{}
	engine := lending.NewEngine(st, st, router)
	engine.SetLogger(logger)
	engine.SetPauses(module)

	hub := lendingserver.NewHub(0)
	emitters := events.MultiEmitter{hub}
	var auditLog *audit.Log
	if cfg.Audit.Driver != "" {
		auditDB, err := audit.Open(cfg.Audit.Driver, cfg.Audit.DSN)
		if err != nil {
			return err
		}
		auditLog, err = audit.New(auditDB, logger)
		if err != nil {
			return err
		}
		emitters = append(emitters, auditLog)
		logger.Info("audit log opened", logging.MaskField("driver", cfg.Audit.Driver), slog.String("dsn", logging.MaskDSN(cfg.Audit.DSN)))
	}
	engine.SetEmitter(emitters)
	bridge := bank.NewBridge(st, emitters)

	if cfg.Swap.Enabled {
		if err := configureSwapper(engine, router, plan, cfg.Swap); err != nil {
			return err
		}
	}

	if err := genesis.Apply(plan, st, engine, bridge, feed, time.Now()); err != nil {
		return err
	}
	logger.Info("genesis applied", slog.Int("markets", len(plan.Markets)))

	auth, err := lendingserver.NewAuthenticator(lendingserver.AuthConfig{
		HMACSecret: cfg.Auth.Secret,
		Issuer:     cfg.Auth.Issuer,
		Audience:   cfg.Auth.Audience,
		ClockSkew:  cfg.Auth.ClockSkew,
	}, logger)
	if err != nil {
		return fmt.Errorf("configure auth: %w", err)
	}
	srvCfg := lendingserver.Config{
		Engine:      engine,
		Roles:       st,
		Prices:      feed,
		Deposits:    bridge,
		Module:      module,
		Events:      hub,
		Auth:        auth,
		RateLimiter: lendingserver.NewRateLimiter(lendingserver.RateLimit(cfg.RateLimit)),
		Logger:      logger,
	}
	if auditLog != nil {
		srvCfg.Audit = auditLog
	}
	service, err := lendingserver.New(srvCfg)
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.ListenAddress, err)
	}
	if !cfg.TLS.Enabled() {
		tcpAddr, _ := listener.Addr().(*net.TCPAddr)
		loopback := tcpAddr != nil && tcpAddr.IP != nil && tcpAddr.IP.IsLoopback()
		if !strings.EqualFold(cfg.Environment, "dev") && !loopback {
			_ = listener.Close()
			return errors.New("plaintext lendingd mode is restricted to loopback listeners or dev environment")
		}
	}

	httpServer := &http.Server{
		Handler:           service.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
	if cfg.TLS.Enabled() {
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("lendingd listening", slog.String("address", listener.Addr().String()), slog.Bool("tls", cfg.TLS.Enabled()))
		if cfg.TLS.Enabled() {
			serverErr <- httpServer.ServeTLS(listener, cfg.TLS.CertPath, cfg.TLS.KeyPath)
			return
		}
		serverErr <- httpServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("forcing server stop", slog.String("error", err.Error()))
			_ = httpServer.Close()
		}
		return nil
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	}
}

// openDatabase returns a LevelDB store under dataDir, or an in-memory store
// when no directory is configured.
func openDatabase(dataDir string) (storage.Database, error) {
	if dataDir == "" {
		return storage.NewMemDB(), nil
	}
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := storage.NewLevelDB(filepath.Join(dataDir, "state"))
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	return db, nil
}

func configureSwapper(engine *lending.Engine, router *pricing.Router, plan *genesis.Plan, cfg config.SwapConfig) error {
	decimals := make(map[string]uint8, len(plan.Markets))
	for _, market := range plan.Markets {
		decimals[market.ID] = market.Decimals
	}
	swapper, err := lending.NewOracleSwapper(router, decimals, cfg.FeeBps)
	if err != nil {
		return fmt.Errorf("configure swapper: %w", err)
	}
	var venue crypto.Address
	if cfg.Venue != "" {
		venue, err = crypto.DecodeAddress(cfg.Venue)
		if err != nil {
			return fmt.Errorf("swap venue: %w", err)
		}
	}
	engine.SetSwapper(swapper, venue)
	return nil
}

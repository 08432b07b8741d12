package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"lendmarket/crypto"
	"lendmarket/native/lending"
	"lendmarket/observability/logging"
	"lendmarket/services/lending/audit"
)

const (
	moduleName       = "lending"
	defaultBodyLimit = 1 << 20
)

// Engine is the slice of *lending.Engine served over HTTP.
type Engine interface {
	Markets() ([]*lending.Market, error)
	Market(market string) (*lending.Market, error)
	Rates(market string) (lending.RateSnapshot, error)
	InterestRateState(market string) (*lending.InterestRateState, error)
	Account(account crypto.Address) ([]lending.AccountSnapshot, error)
	Underlying(account crypto.Address, asset string) (*uint256.Int, error)
	LiquidityStatusOf(account crypto.Address) (*lending.LiquidityStatus, error)
	HypotheticalLiquidityOf(account crypto.Address, market string, redeemShares, borrowAmount *uint256.Int) (*uint256.Int, *uint256.Int, error)
	CanLiquidate(liquidator, borrower crypto.Address, debtMarket, collateralMarket string, amount *uint256.Int, exact bool) (*lending.LiquidationResult, error)

	Mint(account crypto.Address, market string, amount *uint256.Int) (*uint256.Int, error)
	Redeem(account crypto.Address, market string, shares *uint256.Int) (*uint256.Int, error)
	RedeemUnderlying(account crypto.Address, market string, amount *uint256.Int) (*uint256.Int, error)
	Borrow(account crypto.Address, market string, amount *uint256.Int) error
	Repay(account crypto.Address, market string, amount *uint256.Int) (*uint256.Int, error)
	RepayFor(payer, borrower crypto.Address, market string, amount *uint256.Int) (*uint256.Int, error)
	Transfer(from, to crypto.Address, market string, shares *uint256.Int) error
	PostCollateral(account crypto.Address, market string, shares *uint256.Int) error
	RemoveCollateral(account crypto.Address, market string, shares *uint256.Int) error
	Liquidate(liquidator, borrower crypto.Address, debtMarket, collateralMarket string) (*lending.LiquidationResult, error)
	LiquidateExact(liquidator, borrower crypto.Address, debtMarket, collateralMarket string, amount *uint256.Int) (*lending.LiquidationResult, error)
	LiquidateAndSwap(liquidator, borrower crypto.Address, debtMarket, collateralMarket string, amount, minOut *uint256.Int) (*lending.LiquidationResult, *uint256.Int, error)

	SetMarketPauses(caller crypto.Address, market string, pauses lending.Pauses) error
	WithdrawReserves(caller crypto.Address, market string, amount *uint256.Int, to crypto.Address) error
}

// PriceSetter accepts pushed oracle prices, 18-decimal USD per whole token.
type PriceSetter interface {
	Set(asset string, price *uint256.Int, ts time.Time) error
}

// Depositor credits underlying that arrived outside the lending markets. It
// reports false when reference was already applied.
type Depositor interface {
	Deposit(reference, asset string, to crypto.Address, amount *uint256.Int) (bool, error)
}

// AuditReader serves the persisted event log.
type AuditReader interface {
	List(ctx context.Context, filter audit.Filter) ([]audit.Entry, error)
	Verify(ctx context.Context) (audit.Verification, error)
}

// ModuleSwitch is the module-wide pause consulted by the engine.
type ModuleSwitch struct {
	paused atomic.Bool
}

func (m *ModuleSwitch) IsPaused(module string) bool {
	return m != nil && module == moduleName && m.paused.Load()
}

func (m *ModuleSwitch) Set(paused bool) { m.paused.Store(paused) }

// Config wires the server to the engine and its collaborators. Roles,
// Prices, Deposits, Module and Audit are optional; the endpoints they back answer 501
// when they are missing.
type Config struct {
	Engine      Engine
	Roles       lending.RoleChecker
	Prices      PriceSetter
	Deposits    Depositor
	Module      *ModuleSwitch
	Audit       AuditReader
	Events      *Hub
	Auth        *Authenticator
	RateLimiter *RateLimiter
	Logger      *slog.Logger
	BodyLimit   int64
	Clock       func() time.Time
}

// Server exposes the lending engine as a JSON API. Engine calls are
// serialised because the engine is single threaded.
type Server struct {
	cfg    Config
	engine Engine
	logger *slog.Logger
	mu     sync.Mutex
}

func New(cfg Config) (*Server, error) {
	if cfg.Engine == nil {
		return nil, errors.New("server: engine required")
	}
	if cfg.Auth == nil {
		return nil, errors.New("server: authenticator required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BodyLimit <= 0 {
		cfg.BodyLimit = defaultBodyLimit
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Server{cfg: cfg, engine: cfg.Engine, logger: cfg.Logger}, nil
}

// Handler builds the routed, instrumented handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(withRequestID)
	r.Use(instrument(s.logger))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.Group(func(pub chi.Router) {
			if s.cfg.RateLimiter != nil {
				pub.Use(s.cfg.RateLimiter.Middleware)
			}
			pub.Get("/markets", s.handleMarkets)
			pub.Get("/markets/{id}", s.handleMarket)
			pub.Get("/markets/{id}/rates", s.handleRates)
			pub.Get("/accounts/{addr}", s.handleAccount)
			pub.Get("/accounts/{addr}/liquidity", s.handleLiquidity)
			pub.Post("/accounts/{addr}/hypothetical", s.handleHypothetical)
			pub.Post("/liquidations/preview", s.handlePreview)
			pub.Get("/events/stream", s.handleStream)
		})
		v1.Group(func(priv chi.Router) {
			priv.Use(s.cfg.Auth.Middleware)
			if s.cfg.RateLimiter != nil {
				priv.Use(s.cfg.RateLimiter.Middleware)
			}
			priv.Post("/mint", s.handleMint)
			priv.Post("/redeem", s.handleRedeem)
			priv.Post("/borrow", s.handleBorrow)
			priv.Post("/repay", s.handleRepay)
			priv.Post("/transfer", s.handleTransfer)
			priv.Post("/collateral/post", s.handlePostCollateral)
			priv.Post("/collateral/remove", s.handleRemoveCollateral)
			priv.Post("/liquidate", s.handleLiquidate)

			priv.Post("/admin/pauses", s.handlePauses)
			priv.Post("/admin/module", s.handleModulePause)
			priv.Post("/admin/prices", s.handlePrice)
			priv.Post("/admin/deposits", s.handleDeposit)
			priv.Post("/admin/reserves/withdraw", s.handleWithdrawReserves)
			priv.Get("/admin/audit", s.handleAudit)
			priv.Get("/admin/audit/verify", s.handleAuditVerify)
		})
	})
	return otelhttp.NewHandler(r, "lendingd")
}

func (s *Server) locked(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn()
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, out interface{}) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.BodyLimit))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, r, http.StatusRequestEntityTooLarge, "body_too_large", "request body too large")
			return false
		}
		if errors.Is(err, io.EOF) {
			writeJSONError(w, r, http.StatusBadRequest, "invalid_argument", "request body required")
			return false
		}
		writeJSONError(w, r, http.StatusBadRequest, "invalid_argument", fmt.Sprintf("decode body: %v", err))
		return false
	}
	return true
}

func mustPrincipal(w http.ResponseWriter, r *http.Request) (crypto.Address, bool) {
	addr, ok := Principal(r.Context())
	if !ok {
		writeJSONError(w, r, http.StatusUnauthorized, "unauthenticated", "authentication required")
	}
	return addr, ok
}

func (s *Server) requireRole(w http.ResponseWriter, r *http.Request, caller crypto.Address, roles ...string) bool {
	if s.cfg.Roles != nil {
		for _, role := range roles {
			if s.cfg.Roles.HasRole(role, caller.Bytes()) {
				return true
			}
		}
	}
	writeJSONError(w, r, http.StatusForbidden, "unauthorized", "caller lacks required role")
	return false
}

// Views.

func (s *Server) handleMarkets(w http.ResponseWriter, r *http.Request) {
	var markets []*lending.Market
	if err := s.locked(func() (err error) {
		markets, err = s.engine.Markets()
		return err
	}); err != nil {
		writeEngineError(w, r, err)
		return
	}
	out := make([]marketJSON, 0, len(markets))
	for _, m := range markets {
		out = append(out, toMarketJSON(m))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"markets": out})
}

func (s *Server) handleMarket(w http.ResponseWriter, r *http.Request) {
	var market *lending.Market
	if err := s.locked(func() (err error) {
		market, err = s.engine.Market(chi.URLParam(r, "id"))
		return err
	}); err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMarketJSON(market))
}

func (s *Server) handleRates(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var (
		rates lending.RateSnapshot
		irm   *lending.InterestRateState
	)
	if err := s.locked(func() (err error) {
		if rates, err = s.engine.Rates(id); err != nil {
			return err
		}
		irm, err = s.engine.InterestRateState(id)
		return err
	}); err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ratesJSON{
		Market:             rates.Market,
		Utilization:        rates.Utilization,
		BorrowRate:         rates.BorrowRate,
		SupplyRate:         rates.SupplyRate,
		Multiplier:         rates.Multiplier,
		LastUpdate:         irm.LastUpdate,
		ThresholdCrossedAt: irm.ThresholdCrossedAt,
		PeriodSeconds:      lending.CompoundingPeriod,
	})
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress("addr", chi.URLParam(r, "addr"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	var out accountJSON
	if err := s.locked(func() error {
		snaps, err := s.engine.Account(addr)
		if err != nil {
			return err
		}
		out = toAccountJSON(addr, snaps)
		markets, err := s.engine.Markets()
		if err != nil {
			return err
		}
		for _, m := range markets {
			bal, err := s.engine.Underlying(addr, m.ID)
			if err != nil {
				return err
			}
			out.Wallet[m.ID] = formatAmount(bal)
		}
		return nil
	}); err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleLiquidity(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress("addr", chi.URLParam(r, "addr"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	var status *lending.LiquidityStatus
	if err := s.locked(func() (err error) {
		status, err = s.engine.LiquidityStatusOf(addr)
		return err
	}); err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLiquidityJSON(status))
}

func (s *Server) handleHypothetical(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress("addr", chi.URLParam(r, "addr"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	var req hypotheticalRequest
	if !s.decode(w, r, &req) {
		return
	}
	redeem, err := parseOptionalAmount("redeemShares", req.RedeemShares)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	borrow, err := parseOptionalAmount("borrowAmount", req.BorrowAmount)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	var excess, shortfall *uint256.Int
	if err := s.locked(func() (err error) {
		excess, shortfall, err = s.engine.HypotheticalLiquidityOf(addr, req.Market, redeem, borrow)
		return err
	}); err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, hypotheticalJSON{Excess: formatAmount(excess), Shortfall: formatAmount(shortfall)})
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	var req liquidateRequest
	if !s.decode(w, r, &req) {
		return
	}
	liquidator, err := parseAddress("liquidator", req.Liquidator)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	borrower, err := parseAddress("borrower", req.Borrower)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	amount, err := parseOptionalAmount("amount", req.Amount)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	var res *lending.LiquidationResult
	if err := s.locked(func() (err error) {
		res, err = s.engine.CanLiquidate(liquidator, borrower, req.DebtMarket, req.CollateralMarket, amount, amount != nil)
		return err
	}); err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLiquidationJSON(res))
}

// Actions. The acting account is always the token subject.

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	caller, ok := mustPrincipal(w, r)
	if !ok {
		return
	}
	var req amountRequest
	if !s.decode(w, r, &req) {
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	var shares *uint256.Int
	if err := s.locked(func() (err error) {
		shares, err = s.engine.Mint(caller, req.Market, amount)
		return err
	}); err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"shares": formatAmount(shares)})
}

func (s *Server) handleRedeem(w http.ResponseWriter, r *http.Request) {
	caller, ok := mustPrincipal(w, r)
	if !ok {
		return
	}
	var req redeemRequest
	if !s.decode(w, r, &req) {
		return
	}
	hasShares := strings.TrimSpace(req.Shares) != ""
	hasAmount := strings.TrimSpace(req.Amount) != ""
	if hasShares == hasAmount {
		writeEngineError(w, r, fmt.Errorf("%w: exactly one of shares or amount required", lending.ErrInvalidAmount))
		return
	}
	if hasShares {
		shares, err := parseAmount("shares", req.Shares)
		if err != nil {
			writeEngineError(w, r, err)
			return
		}
		var paid *uint256.Int
		if err := s.locked(func() (err error) {
			paid, err = s.engine.Redeem(caller, req.Market, shares)
			return err
		}); err != nil {
			writeEngineError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"shares": formatAmount(shares), "amount": formatAmount(paid)})
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	var burned *uint256.Int
	if err := s.locked(func() (err error) {
		burned, err = s.engine.RedeemUnderlying(caller, req.Market, amount)
		return err
	}); err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"shares": formatAmount(burned), "amount": formatAmount(amount)})
}

func (s *Server) handleBorrow(w http.ResponseWriter, r *http.Request) {
	caller, ok := mustPrincipal(w, r)
	if !ok {
		return
	}
	var req amountRequest
	if !s.decode(w, r, &req) {
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	if err := s.locked(func() error { return s.engine.Borrow(caller, req.Market, amount) }); err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"amount": formatAmount(amount)})
}

func (s *Server) handleRepay(w http.ResponseWriter, r *http.Request) {
	caller, ok := mustPrincipal(w, r)
	if !ok {
		return
	}
	var req repayRequest
	if !s.decode(w, r, &req) {
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	borrower := caller
	if strings.TrimSpace(req.Borrower) != "" {
		if borrower, err = parseAddress("borrower", req.Borrower); err != nil {
			writeEngineError(w, r, err)
			return
		}
	}
	var repaid *uint256.Int
	if err := s.locked(func() (err error) {
		if borrower.Equal(caller) {
			repaid, err = s.engine.Repay(caller, req.Market, amount)
		} else {
			repaid, err = s.engine.RepayFor(caller, borrower, req.Market, amount)
		}
		return err
	}); err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"repaid": formatAmount(repaid)})
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	caller, ok := mustPrincipal(w, r)
	if !ok {
		return
	}
	var req transferRequest
	if !s.decode(w, r, &req) {
		return
	}
	to, err := parseAddress("to", req.To)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	shares, err := parseAmount("shares", req.Shares)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	if err := s.locked(func() error { return s.engine.Transfer(caller, to, req.Market, shares) }); err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"shares": formatAmount(shares)})
}

func (s *Server) handlePostCollateral(w http.ResponseWriter, r *http.Request) {
	s.handleCollateral(w, r, func(caller crypto.Address, market string, shares *uint256.Int) error {
		return s.engine.PostCollateral(caller, market, shares)
	})
}

func (s *Server) handleRemoveCollateral(w http.ResponseWriter, r *http.Request) {
	s.handleCollateral(w, r, func(caller crypto.Address, market string, shares *uint256.Int) error {
		return s.engine.RemoveCollateral(caller, market, shares)
	})
}

func (s *Server) handleCollateral(w http.ResponseWriter, r *http.Request, apply func(crypto.Address, string, *uint256.Int) error) {
	caller, ok := mustPrincipal(w, r)
	if !ok {
		return
	}
	var req sharesRequest
	if !s.decode(w, r, &req) {
		return
	}
	shares, err := parseAmount("shares", req.Shares)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	if err := s.locked(func() error { return apply(caller, req.Market, shares) }); err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"shares": formatAmount(shares)})
}

func (s *Server) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	caller, ok := mustPrincipal(w, r)
	if !ok {
		return
	}
	var req liquidateRequest
	if !s.decode(w, r, &req) {
		return
	}
	borrower, err := parseAddress("borrower", req.Borrower)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	amount, err := parseOptionalAmount("amount", req.Amount)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	minOut, err := parseOptionalAmount("minOut", req.MinOut)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	var (
		res *lending.LiquidationResult
		out *uint256.Int
	)
	if err := s.locked(func() (err error) {
		switch {
		case minOut != nil:
			res, out, err = s.engine.LiquidateAndSwap(caller, borrower, req.DebtMarket, req.CollateralMarket, amount, minOut)
		case amount != nil:
			res, err = s.engine.LiquidateExact(caller, borrower, req.DebtMarket, req.CollateralMarket, amount)
		default:
			res, err = s.engine.Liquidate(caller, borrower, req.DebtMarket, req.CollateralMarket)
		}
		return err
	}); err != nil {
		writeEngineError(w, r, err)
		return
	}
	body := toLiquidationJSON(res)
	if out != nil {
		body.SwapOutput = formatAmount(out)
	}
	s.logger.Info("liquidation served",
		slog.String("liquidator", caller.String()),
		slog.String("borrower", borrower.String()),
		slog.String("debt_market", res.DebtMarket),
		slog.String("collateral_market", res.CollateralMarket),
		slog.String("request_id", RequestID(r.Context())),
	)
	writeJSON(w, http.StatusOK, body)
}

// Administration.

func (s *Server) handlePauses(w http.ResponseWriter, r *http.Request) {
	caller, ok := mustPrincipal(w, r)
	if !ok {
		return
	}
	var req pausesRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.locked(func() error { return s.engine.SetMarketPauses(caller, req.Market, req.Pauses.toPauses()) }); err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"market": strings.ToUpper(strings.TrimSpace(req.Market)), "pauses": req.Pauses})
}

func (s *Server) handleModulePause(w http.ResponseWriter, r *http.Request) {
	caller, ok := mustPrincipal(w, r)
	if !ok {
		return
	}
	if s.cfg.Module == nil {
		writeJSONError(w, r, http.StatusNotImplemented, "unavailable", "module pause not configured")
		return
	}
	if !s.requireRole(w, r, caller, lending.RoleEmergency, lending.RoleAdmin) {
		return
	}
	var req moduleRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.cfg.Module.Set(req.Paused)
	s.logger.Warn("lending module pause toggled", slog.Bool("paused", req.Paused), slog.String("caller", caller.String()))
	writeJSON(w, http.StatusOK, map[string]bool{"paused": req.Paused})
}

func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	caller, ok := mustPrincipal(w, r)
	if !ok {
		return
	}
	if s.cfg.Prices == nil {
		writeJSONError(w, r, http.StatusNotImplemented, "unavailable", "price push not configured")
		return
	}
	if !s.requireRole(w, r, caller, lending.RoleAdmin) {
		return
	}
	var req priceRequest
	if !s.decode(w, r, &req) {
		return
	}
	price, err := lending.ParseWad(strings.TrimSpace(req.USD))
	if err != nil || price.IsZero() {
		writeJSONError(w, r, http.StatusBadRequest, "invalid_argument", "usd must be a positive decimal")
		return
	}
	asset := strings.ToUpper(strings.TrimSpace(req.Asset))
	if asset == "" {
		writeJSONError(w, r, http.StatusBadRequest, "invalid_argument", "asset required")
		return
	}
	if err := s.locked(func() error { return s.cfg.Prices.Set(asset, price.Raw(), s.cfg.Clock()) }); err != nil {
		writeJSONError(w, r, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"asset": asset, "usd": price.String()})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	caller, ok := mustPrincipal(w, r)
	if !ok {
		return
	}
	if s.cfg.Deposits == nil {
		writeJSONError(w, r, http.StatusNotImplemented, "unavailable", "deposits not configured")
		return
	}
	if !s.requireRole(w, r, caller, lending.RoleAdmin) {
		return
	}
	var req depositRequest
	if !s.decode(w, r, &req) {
		return
	}
	reference := strings.TrimSpace(req.Reference)
	if reference == "" {
		writeJSONError(w, r, http.StatusBadRequest, "invalid_argument", "reference required")
		return
	}
	to, err := parseAddress("account", req.Account)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	var (
		asset    string
		credited bool
	)
	if err := s.locked(func() error {
		m, err := s.engine.Market(req.Asset)
		if err != nil {
			return err
		}
		asset = m.ID
		credited, err = s.cfg.Deposits.Deposit(reference, asset, to, amount)
		return err
	}); err != nil {
		writeEngineError(w, r, err)
		return
	}
	s.logger.Info("deposit applied",
		logging.MaskField("reference", reference),
		slog.String("asset", asset),
		slog.String("account", to.String()),
		slog.Bool("credited", credited),
		slog.String("caller", caller.String()),
	)
	writeJSON(w, http.StatusOK, depositJSON{
		Reference: reference,
		Asset:     asset,
		Account:   to.String(),
		Amount:    formatAmount(amount),
		Credited:  credited,
	})
}

func (s *Server) handleWithdrawReserves(w http.ResponseWriter, r *http.Request) {
	caller, ok := mustPrincipal(w, r)
	if !ok {
		return
	}
	var req reservesRequest
	if !s.decode(w, r, &req) {
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	to, err := parseAddress("to", req.To)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	if err := s.locked(func() error { return s.engine.WithdrawReserves(caller, req.Market, amount, to) }); err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"amount": formatAmount(amount), "to": to.String()})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	caller, ok := mustPrincipal(w, r)
	if !ok {
		return
	}
	if s.cfg.Audit == nil {
		writeJSONError(w, r, http.StatusNotImplemented, "unavailable", "audit log not configured")
		return
	}
	if !s.requireRole(w, r, caller, lending.RoleAdmin, lending.RoleEmergency) {
		return
	}
	query := r.URL.Query()
	filter := audit.Filter{
		Type:    query.Get("type"),
		Market:  query.Get("market"),
		Account: query.Get("account"),
	}
	if raw := query.Get("after"); raw != "" {
		after, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeJSONError(w, r, http.StatusBadRequest, "invalid_argument", "after must be an unsigned integer")
			return
		}
		filter.AfterSequence = after
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeJSONError(w, r, http.StatusBadRequest, "invalid_argument", "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}
	entries, err := s.cfg.Audit.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("audit list failed", slog.String("error", err.Error()), slog.String("request_id", RequestID(r.Context())))
		writeJSONError(w, r, http.StatusInternalServerError, "internal", "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	caller, ok := mustPrincipal(w, r)
	if !ok {
		return
	}
	if s.cfg.Audit == nil {
		writeJSONError(w, r, http.StatusNotImplemented, "unavailable", "audit log not configured")
		return
	}
	if !s.requireRole(w, r, caller, lending.RoleAdmin, lending.RoleEmergency) {
		return
	}
	result, err := s.cfg.Audit.Verify(r.Context())
	if errors.Is(err, audit.ErrChainBroken) {
		s.logger.Error("audit chain broken", slog.String("error", err.Error()), slog.String("request_id", RequestID(r.Context())))
		writeJSONError(w, r, http.StatusConflict, "audit_chain_broken", err.Error())
		return
	}
	if err != nil {
		s.logger.Error("audit verify failed", slog.String("error", err.Error()), slog.String("request_id", RequestID(r.Context())))
		writeJSONError(w, r, http.StatusInternalServerError, "internal", "internal error")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

package lending

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/holiman/uint256"

	"lendmarket/core/events"
	"lendmarket/core/state"
	"lendmarket/crypto"
	"lendmarket/native/bank"
	nativecommon "lendmarket/native/common"
	"lendmarket/observability"
)

const moduleName = "lending"

// Engine is the lending market risk and accounting engine. Every exported
// mutating method is atomic: it runs inside one state transaction that is
// committed only when the whole operation succeeds, and its events are
// emitted after the commit.
//
// The engine is not safe for concurrent use; callers serialise access the
// same way transactions are serialised in a block.
type Engine struct {
	state         *state.Manager
	roles         RoleChecker
	prices        PriceRouter
	swapper       Swapper
	swapVenue     crypto.Address
	moduleAddress crypto.Address
	pauses        nativecommon.PauseView
	emitter       events.Emitter
	logger        *slog.Logger
	metrics       *observability.LendingMetrics
	clock         func() time.Time
	guard         nativecommon.MutationGuard
}

// NewEngine wires the engine to its state, role registry and price router.
func NewEngine(st *state.Manager, roles RoleChecker, prices PriceRouter) *Engine {
	return &Engine{
		state:         st,
		roles:         roles,
		prices:        prices,
		moduleAddress: crypto.ModuleAddress(moduleName),
		swapVenue:     crypto.ModuleAddress("swap"),
		emitter:       events.NoopEmitter{},
		logger:        slog.Default(),
		metrics:       observability.Lending(),
		clock:         time.Now,
	}
}

func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// SetEmitter configures where committed events are sent.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if e == nil {
		return
	}
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	e.emitter = emitter
}

func (e *Engine) SetLogger(logger *slog.Logger) {
	if e == nil || logger == nil {
		return
	}
	e.logger = logger
}

// SetClock overrides the time source. Timestamps are truncated to seconds.
func (e *Engine) SetClock(clock func() time.Time) {
	if e == nil || clock == nil {
		return
	}
	e.clock = clock
}

// SetSwapper configures the venue used by LiquidateAndSwap. venue is the
// ledger account the swapper settles through.
func (e *Engine) SetSwapper(swapper Swapper, venue crypto.Address) {
	if e == nil {
		return
	}
	e.swapper = swapper
	if !venue.IsZero() {
		e.swapVenue = venue
	}
}

// ModuleAddress is the ledger account holding every market's cash.
func (e *Engine) ModuleAddress() crypto.Address { return e.moduleAddress }

// SwapVenue is the ledger account used to settle swaps.
func (e *Engine) SwapVenue() crypto.Address { return e.swapVenue }

// execution carries the transaction and buffered side effects of one entry
// point.
type execution struct {
	engine  *Engine
	txn     *state.Txn
	store   store
	ledger  *bank.Ledger
	now     uint64
	mutable bool
	events  []events.Event
	prices  map[priceCacheKey]*uint256.Int
	touched map[string]bool
	accrued []string
}

func (e *Engine) newExecution(mutable bool) *execution {
	txn := e.state.Begin()
	return &execution{
		engine:  e,
		txn:     txn,
		store:   store{kv: txn},
		ledger:  bank.NewLedger(txn),
		now:     uint64(e.clock().Unix()),
		mutable: mutable,
		prices:  make(map[priceCacheKey]*uint256.Int),
		touched: make(map[string]bool),
	}
}

func (x *execution) emit(evt events.Event) {
	x.events = append(x.events, evt)
}

// prepare accrues every listed market among ids once and moves the guard into
// the mutating state.
func (x *execution) prepare(ids ...string) error {
	for _, id := range ids {
		if _, err := x.accrue(id); err != nil {
			return err
		}
	}
	if x.mutable {
		return x.engine.guard.Mutate()
	}
	return nil
}

// mutate runs fn as an atomic, pausable entry point.
func (e *Engine) mutate(op string, fn func(x *execution) error) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		e.metrics.RecordOperation(op, KindOf(err).String())
		return err
	}
	return e.run(op, fn)
}

// administer runs fn as an atomic entry point that ignores the module pause so
// governance can act while the module is halted.
func (e *Engine) administer(op string, fn func(x *execution) error) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	return e.run(op, fn)
}

func (e *Engine) run(op string, fn func(x *execution) error) error {
	if err := e.guard.Enter(); err != nil {
		e.metrics.RecordOperation(op, KindOf(err).String())
		return err
	}
	defer e.guard.Exit()

	x := e.newExecution(true)
	if err := fn(x); err != nil {
		x.txn.Discard()
		e.metrics.RecordOperation(op, KindOf(err).String())
		e.logger.Debug("lending operation reverted", "operation", op, "error", err)
		return err
	}
	if err := x.txn.Commit(); err != nil {
		e.metrics.RecordOperation(op, "commit")
		return fmt.Errorf("lending: commit %s: %w", op, err)
	}
	e.metrics.RecordOperation(op, "ok")
	for _, evt := range x.events {
		e.emitter.Emit(evt)
	}
	e.publish(x)
	return nil
}

// view runs fn against a throwaway transaction. Interest is accrued in that
// transaction so reads reflect the current time, and is then discarded.
func (e *Engine) view(fn func(x *execution) error) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	x := e.newExecution(false)
	defer x.txn.Discard()
	return fn(x)
}

func (e *Engine) publish(x *execution) {
	for _, id := range x.accrued {
		e.metrics.RecordAccrual(id)
	}
	reader := store{kv: e.state}
	for id := range x.touched {
		m, err := reader.market(id)
		if err != nil {
			continue
		}
		irm, err := reader.interestState(id)
		if err != nil {
			continue
		}
		snap := rateSnapshot(m, irm)
		e.metrics.SetRates(id, snap.Utilization.Float64(), snap.BorrowRate.Float64(), snap.SupplyRate.Float64(), snap.Multiplier.Float64())
	}
}

func rateSnapshot(m *Market, irm *InterestRateState) RateSnapshot {
	return RateSnapshot{
		Market:      m.ID,
		Utilization: Utilization(m.Cash, m.TotalBorrows, m.TotalReserves),
		BorrowRate:  irm.BorrowRate(m.Cash, m.TotalBorrows, m.TotalReserves),
		SupplyRate:  irm.SupplyRate(m.Cash, m.TotalBorrows, m.TotalReserves, m.ReserveFactor),
		Multiplier:  irm.Multiplier,
	}
}

// saveMarket refreshes the cached exchange rate and persists the market.
func (x *execution) saveMarket(m *Market) error {
	rate, err := exchangeRate(m)
	if err != nil {
		return err
	}
	m.ExchangeRate = rate
	x.touched[m.ID] = true
	return x.store.putMarket(m)
}

// exchangeRate is (cash + borrows - reserves) / shares, rounded down. With no
// shares outstanding the cached rate is kept so it never falls back.
func exchangeRate(m *Market) (Wad, error) {
	if isZero(m.TotalShares) {
		if m.ExchangeRate.IsZero() {
			return One(), nil
		}
		return m.ExchangeRate, nil
	}
	held, err := addAmount(m.Cash, m.TotalBorrows)
	if err != nil {
		return Wad{}, err
	}
	return ratioDown(subSat(held, m.TotalReserves), m.TotalShares)
}

func (x *execution) debit(asset string, from crypto.Address, amount *uint256.Int) error {
	err := x.ledger.Debit(asset, from, amount)
	if errors.Is(err, bank.ErrInsufficientFunds) {
		return fmt.Errorf("%w: %v", ErrInsufficientBalance, err)
	}
	return err
}

func (x *execution) credit(asset string, to crypto.Address, amount *uint256.Int) error {
	if err := x.ledger.Credit(asset, to, amount); err != nil {
		return fmt.Errorf("lending: credit %s: %w", asset, err)
	}
	return nil
}

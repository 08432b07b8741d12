package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// LendingMetrics tracks risk engine activity: operations, accruals,
// liquidations, bad debt and the live rate curve of every market.
type LendingMetrics struct {
	operations   *prometheus.CounterVec
	accruals     *prometheus.CounterVec
	liquidations *prometheus.CounterVec
	badDebt      *prometheus.CounterVec
	borrowRate   *prometheus.GaugeVec
	supplyRate   *prometheus.GaugeVec
	utilization  *prometheus.GaugeVec
	multiplier   *prometheus.GaugeVec
	priceRejects *prometheus.CounterVec
}

// Lending returns the singleton lending metrics registry.
func Lending() *LendingMetrics {
	lendingMetricsOnce.Do(func() {
		lendingRegistry = &LendingMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lendmarket",
				Subsystem: "engine",
				Name:      "operations_total",
				Help:      "Engine entry points segmented by operation and outcome kind.",
			}, []string{"operation", "outcome"}),
			accruals: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lendmarket",
				Subsystem: "engine",
				Name:      "accruals_total",
				Help:      "Committed interest accrual windows per market.",
			}, []string{"market"}),
			liquidations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lendmarket",
				Subsystem: "engine",
				Name:      "liquidations_total",
				Help:      "Liquidations segmented by debt market, collateral market and bad debt flag.",
			}, []string{"debt_market", "collateral_market", "bad_debt"}),
			badDebt: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lendmarket",
				Subsystem: "engine",
				Name:      "bad_debt_socialized_total",
				Help:      "Underlying units written off against suppliers.",
			}, []string{"market"}),
			borrowRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "lendmarket",
				Subsystem: "market",
				Name:      "borrow_rate_per_period",
				Help:      "Borrow rate per compounding period as a fraction.",
			}, []string{"market"}),
			supplyRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "lendmarket",
				Subsystem: "market",
				Name:      "supply_rate_per_period",
				Help:      "Supply rate per compounding period as a fraction.",
			}, []string{"market"}),
			utilization: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "lendmarket",
				Subsystem: "market",
				Name:      "utilization",
				Help:      "Borrows over cash plus borrows minus reserves.",
			}, []string{"market"}),
			multiplier: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "lendmarket",
				Subsystem: "market",
				Name:      "vertex_multiplier",
				Help:      "Current vertex multiplier of the dynamic interest model.",
			}, []string{"market"}),
			priceRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lendmarket",
				Subsystem: "engine",
				Name:      "price_rejections_total",
				Help:      "Oracle prices rejected by the engine segmented by asset and code.",
			}, []string{"asset", "code"}),
		}
		prometheus.MustRegister(
			lendingRegistry.operations,
			lendingRegistry.accruals,
			lendingRegistry.liquidations,
			lendingRegistry.badDebt,
			lendingRegistry.borrowRate,
			lendingRegistry.supplyRate,
			lendingRegistry.utilization,
			lendingRegistry.multiplier,
			lendingRegistry.priceRejects,
		)
	})
	return lendingRegistry
}

// RecordOperation counts an engine entry point. Outcome is "ok" or the error
// kind returned to the caller.
func (m *LendingMetrics) RecordOperation(operation, outcome string) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "ok"
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
}

func (m *LendingMetrics) RecordAccrual(market string) {
	if m == nil {
		return
	}
	m.accruals.WithLabelValues(market).Inc()
}

func (m *LendingMetrics) RecordLiquidation(debtMarket, collateralMarket string, badDebt bool) {
	if m == nil {
		return
	}
	flag := "false"
	if badDebt {
		flag = "true"
	}
	m.liquidations.WithLabelValues(debtMarket, collateralMarket, flag).Inc()
}

func (m *LendingMetrics) RecordBadDebt(market string, amount float64) {
	if m == nil {
		return
	}
	m.badDebt.WithLabelValues(market).Add(amount)
}

// SetRates publishes the rate curve snapshot of a market. Values are plain
// fractions, e.g. 0.8 for 80% utilisation.
func (m *LendingMetrics) SetRates(market string, utilization, borrow, supply, multiplier float64) {
	if m == nil {
		return
	}
	m.utilization.WithLabelValues(market).Set(utilization)
	m.borrowRate.WithLabelValues(market).Set(borrow)
	m.supplyRate.WithLabelValues(market).Set(supply)
	m.multiplier.WithLabelValues(market).Set(multiplier)
}

func (m *LendingMetrics) RecordPriceRejection(asset, code string) {
	if m == nil {
		return
	}
	m.priceRejects.WithLabelValues(asset, code).Inc()
}

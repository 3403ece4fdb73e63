package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus metric the engine exports.
type Metrics struct {
	// Trading
	TradesExecuted *prometheus.CounterVec
	TradesRejected *prometheus.CounterVec
	TradeFeeBps    *prometheus.GaugeVec
	BaseReserve    *prometheus.GaugeVec
	QuoteReserve   *prometheus.GaugeVec
	MarkPriceGauge *prometheus.GaugeVec
	OpenInterest   *prometheus.GaugeVec

	// Positions
	OpenPositions  *prometheus.GaugeVec
	PositionsMoved *prometheus.CounterVec

	// Funding
	FundingUpdates    *prometheus.CounterVec
	FundingRateGauge  *prometheus.GaugeVec
	FundingIndexGauge *prometheus.GaugeVec

	// Liquidation
	LiquidationsExecuted *prometheus.CounterVec
	LiquidationsSkipped  *prometheus.CounterVec
	BadDebtTotal         *prometheus.CounterVec
	InsuranceFundBalance prometheus.Gauge

	// Outbound
	PublishDrops  prometheus.Counter
	HistoryWrites *prometheus.CounterVec
	HistoryErrors *prometheus.CounterVec
}

// NewMetrics registers the metric set on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers on an explicit registerer; tests use a fresh
// registry per fixture to avoid duplicate-registration panics.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		TradesExecuted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_trades_executed_total",
			Help: "Trades executed against the virtual reserves",
		}, []string{"market_id", "side", "action"}),

		TradesRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_trades_rejected_total",
			Help: "Trades rejected before execution",
		}, []string{"market_id", "reason"}),

		TradeFeeBps: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_trade_fee_bps",
			Help: "Last dynamic fee charged, basis points",
		}, []string{"market_id", "side"}),

		BaseReserve: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_vamm_base_reserve",
			Help: "Virtual base reserve, whole units",
		}, []string{"market_id"}),

		QuoteReserve: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_vamm_quote_reserve",
			Help: "Virtual quote reserve, whole units",
		}, []string{"market_id"}),

		MarkPriceGauge: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_mark_price",
			Help: "Aggregated mark price, whole units",
		}, []string{"market_id"}),

		OpenInterest: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_open_interest",
			Help: "Open interest per side, whole quote units",
		}, []string{"market_id", "side"}),

		OpenPositions: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_open_positions",
			Help: "Live positions per market",
		}, []string{"market_id"}),

		PositionsMoved: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_position_mutations_total",
			Help: "Position opens, closes, and margin changes",
		}, []string{"market_id", "operation"}),

		FundingUpdates: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_funding_updates_total",
			Help: "Funding accruals applied",
		}, []string{"market_id"}),

		FundingRateGauge: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_funding_rate",
			Help: "Last funding rate, fraction per interval",
		}, []string{"market_id"}),

		FundingIndexGauge: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_funding_index",
			Help: "Cumulative funding index, quote per base",
		}, []string{"market_id"}),

		LiquidationsExecuted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_liquidations_executed_total",
			Help: "Positions liquidated",
		}, []string{"market_id"}),

		LiquidationsSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_liquidations_skipped_total",
			Help: "Liquidation attempts rejected",
		}, []string{"market_id", "reason"}),

		BadDebtTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_bad_debt_total",
			Help: "Bad debt recognized, whole collateral units",
		}, []string{"market_id"}),

		InsuranceFundBalance: factory.NewGauge(prometheus.GaugeOpts{
			Name: "perp_insurance_fund_balance",
			Help: "Insurance fund balance, whole collateral units",
		}),

		PublishDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "perp_publish_drops_total",
			Help: "Events dropped due to a full outbound channel",
		}),

		HistoryWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_history_writes_total",
			Help: "Rows written to the history tables",
		}, []string{"table"}),

		HistoryErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_history_errors_total",
			Help: "History write failures",
		}, []string{"table"}),
	}
}

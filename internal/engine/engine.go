package engine

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"PerpVamm/internal/event"
	"PerpVamm/internal/fpmath"
	"PerpVamm/internal/ledger"
	"PerpVamm/internal/lifecycle"
	"PerpVamm/internal/liquidation"
	"PerpVamm/internal/observability"
	"PerpVamm/internal/oracle"
	"PerpVamm/internal/state"
	"PerpVamm/internal/vamm"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Config wires a new engine. Metrics may be shared; the event buffer
// bounds the outbound channel, beyond which events are dropped and
// counted rather than blocking a trade.
type Config struct {
	Risk         lifecycle.RiskParams
	DustNotional *big.Int
	EventBuffer  int
	Now          func() int64
	Logger       zerolog.Logger
	Metrics      *observability.Metrics
}

// Engine is the single entry point for every state-changing operation.
// A per-call mutex serializes mutations so no external callout can
// observe a market or position mid-update.
type Engine struct {
	mu sync.Mutex

	markets   *state.MarketStore
	positions *state.PositionStore
	configs   *state.LiquidationConfigStore

	oracle     *oracle.Oracle
	amm        *vamm.Engine
	lifecycle  *lifecycle.Manager
	liquidator *liquidation.Engine
	history    *liquidation.History

	book      *ledger.BalanceBook
	certs     *ledger.CertificateBook
	insurance *ledger.InsuranceFund

	events  chan *event.Envelope
	metrics *observability.Metrics
	now     func() int64
	log     zerolog.Logger
}

// New builds the whole component graph: stores, oracle, trade engine,
// lifecycle manager, and liquidation engine, all sharing one market and
// position store.
func New(cfg Config) (*Engine, error) {
	if cfg.Now == nil {
		return nil, errors.New("engine: clock is required")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewMetrics()
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 1024
	}

	markets := state.NewMarketStore()
	positions := state.NewPositionStore()
	configs := state.NewLiquidationConfigStore()
	book := ledger.NewBalanceBook()
	certs := ledger.NewCertificateBook()
	insurance := ledger.NewInsuranceFund(book)

	orc := oracle.New(markets, cfg.Now, cfg.Logger)
	amm := vamm.NewEngine(markets, orc, cfg.Now, cfg.Logger)

	mgr, err := lifecycle.NewManager(markets, positions, book, certs, cfg.Risk, cfg.Now, cfg.Logger)
	if err != nil {
		return nil, err
	}

	history := liquidation.NewHistory()
	liq := liquidation.NewEngine(markets, positions, configs, orc, mgr, book, insurance, amm, history,
		liquidation.Params{DustNotional: cfg.DustNotional}, cfg.Now, cfg.Logger)

	return &Engine{
		markets:    markets,
		positions:  positions,
		configs:    configs,
		oracle:     orc,
		amm:        amm,
		lifecycle:  mgr,
		liquidator: liq,
		history:    history,
		book:       book,
		certs:      certs,
		insurance:  insurance,
		events:     make(chan *event.Envelope, cfg.EventBuffer),
		metrics:    cfg.Metrics,
		now:        cfg.Now,
		log:        cfg.Logger.With().Str("component", "engine").Logger(),
	}, nil
}

// Events is the outbound stream consumed by the publisher and the
// history recorder.
func (e *Engine) Events() <-chan *event.Envelope {
	return e.events
}

// CloseEvents shuts the outbound channel after the last operation.
func (e *Engine) CloseEvents() {
	e.mu.Lock()
	defer e.mu.Unlock()
	close(e.events)
}

func (e *Engine) emit(t event.Type, marketID string, payload any) {
	env, err := event.New(t, marketID, payload)
	if err != nil {
		e.log.Error().Err(err).Str("type", string(t)).Msg("event build failed")
		return
	}
	select {
	case e.events <- env:
	default:
		e.metrics.PublishDrops.Inc()
	}
}

func units(v *big.Int, scale *big.Int) float64 {
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(v), new(big.Float).SetInt(scale)).Float64()
	return f
}

func (e *Engine) recordMarketGauges(m *state.Market) {
	e.metrics.BaseReserve.WithLabelValues(m.ID).Set(units(m.BaseReserve, fpmath.PriceScale))
	e.metrics.QuoteReserve.WithLabelValues(m.ID).Set(units(m.QuoteReserve, fpmath.PriceScale))
	e.metrics.OpenInterest.WithLabelValues(m.ID, "long").Set(units(m.LongOI, fpmath.PriceScale))
	e.metrics.OpenInterest.WithLabelValues(m.ID, "short").Set(units(m.ShortOI, fpmath.PriceScale))
}

type reserveSnapshot struct {
	base, quote, longOI, shortOI *big.Int
}

func snapshotReserves(m *state.Market) reserveSnapshot {
	return reserveSnapshot{
		base:    new(big.Int).Set(m.BaseReserve),
		quote:   new(big.Int).Set(m.QuoteReserve),
		longOI:  new(big.Int).Set(m.LongOI),
		shortOI: new(big.Int).Set(m.ShortOI),
	}
}

func restoreReserves(m *state.Market, s reserveSnapshot) {
	m.BaseReserve = s.base
	m.QuoteReserve = s.quote
	m.LongOI = s.longOI
	m.ShortOI = s.shortOI
}

// refreshFunding accrues funding if an interval is due. Best effort: a
// failed accrual is logged, it never blocks the trade that triggered it.
func (e *Engine) refreshFunding(marketID string) {
	upd, err := e.oracle.UpdateFunding(marketID)
	if err != nil {
		e.log.Warn().Err(err).Str("market", marketID).Msg("funding refresh failed")
		return
	}
	if !upd.Applied {
		return
	}
	e.metrics.FundingUpdates.WithLabelValues(marketID).Inc()
	e.metrics.FundingRateGauge.WithLabelValues(marketID).Set(units(upd.Rate, fpmath.PriceScale))
	e.metrics.FundingIndexGauge.WithLabelValues(marketID).Set(units(upd.NewIndex, fpmath.PriceScale))
	e.emit(event.TypeFundingUpdated, marketID, event.FundingUpdated{
		MarketID: marketID,
		Rate:     event.Big(upd.Rate),
		Premium:  event.Big(upd.Premium),
		Mark:     event.Big(upd.Mark),
		Spot:     event.Big(upd.Spot),
		NewIndex: event.Big(upd.NewIndex),
	})
}

// InitMarket creates a market with its liquidation config in one step.
func (e *Engine) InitMarket(marketID string, mcfg vamm.MarketConfig, lcfg *state.LiquidationConfig) (*state.Market, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	m, err := e.amm.InitMarket(marketID, mcfg)
	if err != nil {
		return nil, err
	}
	if lcfg != nil {
		lcfg.MarketID = marketID
		if err := e.configs.Set(lcfg); err != nil {
			// Roll the market back; a market without liquidation bounds
			// must not accept positions.
			m.Status = state.MarketInactive
			return nil, err
		}
	}

	e.recordMarketGauges(m)
	e.emit(event.TypeMarketInitialized, marketID, event.MarketInitialized{
		MarketID:     marketID,
		BaseReserve:  event.Big(m.BaseReserve),
		QuoteReserve: event.Big(m.QuoteReserve),
		InitialPrice: event.Big(m.VammPrice()),
	})
	return m, nil
}

func (e *Engine) DeactivateMarket(marketID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.amm.DeactivateMarket(marketID); err != nil {
		return err
	}
	e.emit(event.TypeMarketDeactivated, marketID, map[string]string{"market_id": marketID})
	return nil
}

func (e *Engine) ScaleVirtualLiquidity(marketID string, scaleBps int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.amm.ScaleVirtualLiquidity(marketID, scaleBps); err != nil {
		return err
	}
	if m, ok := e.markets.Get(marketID); ok {
		e.recordMarketGauges(m)
	}
	return nil
}

func (e *Engine) SetLiquidationConfig(cfg *state.LiquidationConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.configs.Set(cfg)
}

// AddPriceSource registers an oracle source for a market.
func (e *Engine) AddPriceSource(marketID string, src *oracle.Source) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.oracle.AddSource(marketID, src)
}

func (e *Engine) SetSourceActive(marketID, sourceID string, active bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.oracle.SetSourceActive(marketID, sourceID, active)
}

// SubmitPriceUpdate pushes signed oracle data, paying the quoted fee out
// of the payer's free balance and refunding the excess.
func (e *Engine) SubmitPriceUpdate(payer uuid.UUID, marketID, sourceID string, updateData [][]byte, payment *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if payment == nil {
		payment = big.NewInt(0)
	}
	if payment.Sign() > 0 {
		if err := e.book.SettlePnL(payer, new(big.Int).Neg(payment)); err != nil {
			return fmt.Errorf("engine: charge update payment: %w", err)
		}
	}
	refund, err := e.oracle.SubmitPushUpdate(marketID, sourceID, updateData, payment)
	if err != nil {
		if payment.Sign() > 0 {
			_ = e.book.SettlePnL(payer, payment)
		}
		return err
	}
	if refund.Sign() > 0 {
		if err := e.book.SettlePnL(payer, refund); err != nil {
			return fmt.Errorf("engine: refund excess payment: %w", err)
		}
	}
	return nil
}

// Deposit credits a user's free collateral balance.
func (e *Engine) Deposit(user uuid.UUID, amount *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.book.DepositFor(user, amount)
}

func sideLabel(long bool) string {
	if long {
		return "long"
	}
	return "short"
}

// OpenPosition runs the full open path: funding refresh, reserve swap,
// position creation, fee collection. Any failure after the swap rolls the
// reserves back so a rejected open leaves no trace.
func (e *Engine) OpenPosition(owner uuid.UUID, marketID string, long bool, quoteAmount, margin *big.Int, maxSlippageBps int64) (*state.Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.refreshFunding(marketID)

	m, ok := e.markets.Get(marketID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", vamm.ErrMarketNotFound, marketID)
	}
	snap := snapshotReserves(m)

	trade, err := e.amm.ExecuteOpen(marketID, long, quoteAmount, maxSlippageBps)
	if err != nil {
		e.metrics.TradesRejected.WithLabelValues(marketID, rejectReason(err)).Inc()
		return nil, err
	}

	size := new(big.Int).Set(trade.BaseOut)
	if !long {
		size.Neg(size)
	}
	pos, err := e.lifecycle.Open(owner, marketID, size, trade.ExecPrice, margin)
	if err != nil {
		restoreReserves(m, snap)
		e.metrics.TradesRejected.WithLabelValues(marketID, rejectReason(err)).Inc()
		return nil, err
	}

	feeColl := fpmath.ToCollateral(trade.Fee)
	if feeColl.Sign() > 0 {
		if err := e.book.SettlePnL(owner, new(big.Int).Neg(feeColl)); err != nil {
			// Trader cannot pay the fee: unwind the whole open.
			if _, cerr := e.lifecycle.Close(owner, pos.TokenID, trade.ExecPrice); cerr != nil {
				e.log.Error().Err(cerr).Uint64("token_id", pos.TokenID).Msg("fee rollback close failed")
			}
			restoreReserves(m, snap)
			e.metrics.TradesRejected.WithLabelValues(marketID, "fee_unaffordable").Inc()
			return nil, fmt.Errorf("engine: collect trade fee: %w", err)
		}
		if err := e.insurance.CollectFee(feeColl); err != nil {
			e.log.Error().Err(err).Msg("insurance fee collection failed")
		}
	}

	e.metrics.TradesExecuted.WithLabelValues(marketID, sideLabel(long), "open").Inc()
	e.metrics.TradeFeeBps.WithLabelValues(marketID, sideLabel(long)).Set(float64(trade.FeeBps))
	e.metrics.OpenPositions.WithLabelValues(marketID).Set(float64(len(e.positions.ByMarket(marketID))))
	e.metrics.PositionsMoved.WithLabelValues(marketID, "open").Inc()
	e.metrics.InsuranceFundBalance.Set(units(e.insurance.Balance(), fpmath.CollateralScale))
	e.recordMarketGauges(m)

	e.emit(event.TypeTradeExecuted, marketID, event.TradeExecuted{
		MarketID:  marketID,
		TokenID:   pos.TokenID,
		Owner:     owner.String(),
		Long:      long,
		Opening:   true,
		QuoteIn:   event.Big(trade.QuoteIn),
		BaseOut:   event.Big(trade.BaseOut),
		ExecPrice: event.Big(trade.ExecPrice),
		FeeBps:    trade.FeeBps,
		Fee:       event.Big(feeColl),
	})
	e.emit(event.TypePositionOpened, marketID, event.PositionOpened{
		MarketID:   marketID,
		TokenID:    pos.TokenID,
		Owner:      owner.String(),
		Size:       event.Big(pos.Size),
		EntryPrice: event.Big(pos.EntryPrice),
		Margin:     event.Big(pos.Margin),
	})
	return pos, nil
}

// ClosePosition unwinds a position through the reserves at the swap price
// and settles it through the lifecycle manager.
func (e *Engine) ClosePosition(caller uuid.UUID, tokenID uint64, maxSlippageBps int64) (*lifecycle.CloseResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pos, ok := e.positions.Get(tokenID)
	if !ok {
		return nil, fmt.Errorf("%w: %d", lifecycle.ErrPositionNotFound, tokenID)
	}
	marketID := pos.MarketID
	long := pos.IsLong()

	e.refreshFunding(marketID)

	m, ok := e.markets.Get(marketID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", vamm.ErrMarketNotFound, marketID)
	}
	snap := snapshotReserves(m)

	trade, err := e.amm.ExecuteClose(marketID, long, fpmath.Abs(pos.Size), maxSlippageBps)
	if err != nil {
		e.metrics.TradesRejected.WithLabelValues(marketID, rejectReason(err)).Inc()
		return nil, err
	}

	res, err := e.lifecycle.Close(caller, tokenID, trade.ExecPrice)
	if err != nil {
		restoreReserves(m, snap)
		return nil, err
	}
	if err := e.amm.ReleaseOpenInterest(marketID, long, res.EntryNotional); err != nil {
		e.log.Error().Err(err).Uint64("token_id", tokenID).Msg("open interest release failed")
	}

	// Fee comes out of whatever the close left behind; a shortfall only
	// shrinks the fee, it never fails the close.
	feeColl := fpmath.ToCollateral(trade.Fee)
	if feeColl.Sign() > 0 {
		free := new(big.Int).Sub(e.book.TotalBalance(res.Owner), e.book.LockedBalance(res.Owner))
		if feeColl.Cmp(free) > 0 {
			feeColl = free
		}
		if feeColl.Sign() > 0 {
			if err := e.book.SettlePnL(res.Owner, new(big.Int).Neg(feeColl)); err != nil {
				e.log.Error().Err(err).Msg("close fee collection failed")
			} else if err := e.insurance.CollectFee(feeColl); err != nil {
				e.log.Error().Err(err).Msg("insurance fee collection failed")
			}
		}
	}

	if res.BadDebt.Sign() > 0 {
		e.metrics.BadDebtTotal.WithLabelValues(marketID).Add(units(res.BadDebt, fpmath.CollateralScale))
	}
	e.metrics.TradesExecuted.WithLabelValues(marketID, sideLabel(long), "close").Inc()
	e.metrics.OpenPositions.WithLabelValues(marketID).Set(float64(len(e.positions.ByMarket(marketID))))
	e.metrics.PositionsMoved.WithLabelValues(marketID, "close").Inc()
	e.metrics.InsuranceFundBalance.Set(units(e.insurance.Balance(), fpmath.CollateralScale))
	e.recordMarketGauges(m)

	e.emit(event.TypeTradeExecuted, marketID, event.TradeExecuted{
		MarketID:  marketID,
		TokenID:   tokenID,
		Owner:     res.Owner.String(),
		Long:      !long, // the closing swap takes the opposite side
		Opening:   false,
		QuoteIn:   event.Big(trade.QuoteIn),
		BaseOut:   event.Big(trade.BaseOut),
		ExecPrice: event.Big(trade.ExecPrice),
		FeeBps:    trade.FeeBps,
		Fee:       event.Big(feeColl),
	})
	e.emit(event.TypePositionClosed, marketID, event.PositionClosed{
		MarketID:  marketID,
		TokenID:   tokenID,
		Owner:     res.Owner.String(),
		ExitPrice: event.Big(trade.ExecPrice),
		PnL:       event.Big(res.PnL),
		BadDebt:   event.Big(res.BadDebt),
	})
	return res, nil
}

// AddMargin locks extra collateral into a position.
func (e *Engine) AddMargin(caller uuid.UUID, tokenID uint64, delta *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	pos, ok := e.positions.Get(tokenID)
	if !ok {
		return fmt.Errorf("%w: %d", lifecycle.ErrPositionNotFound, tokenID)
	}
	e.refreshFunding(pos.MarketID)
	if err := e.lifecycle.AddMargin(caller, tokenID, delta); err != nil {
		return err
	}
	e.metrics.PositionsMoved.WithLabelValues(pos.MarketID, "add_margin").Inc()
	return nil
}

// RemoveMargin unlocks collateral if floor and leverage bounds survive.
func (e *Engine) RemoveMargin(caller uuid.UUID, tokenID uint64, delta *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	pos, ok := e.positions.Get(tokenID)
	if !ok {
		return fmt.Errorf("%w: %d", lifecycle.ErrPositionNotFound, tokenID)
	}
	e.refreshFunding(pos.MarketID)
	if err := e.lifecycle.RemoveMargin(caller, tokenID, delta); err != nil {
		return err
	}
	e.metrics.PositionsMoved.WithLabelValues(pos.MarketID, "remove_margin").Inc()
	return nil
}

// Approve authorizes a delegate for the owner's positions.
func (e *Engine) Approve(owner, delegate uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lifecycle.Approve(owner, delegate)
}

func (e *Engine) Revoke(owner, delegate uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lifecycle.Revoke(owner, delegate)
}

// UpdateFunding forces a funding accrual check for a market.
func (e *Engine) UpdateFunding(marketID string) (*oracle.FundingUpdate, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	upd, err := e.oracle.UpdateFunding(marketID)
	if err != nil {
		return nil, err
	}
	if upd.Applied {
		e.metrics.FundingUpdates.WithLabelValues(marketID).Inc()
		e.metrics.FundingRateGauge.WithLabelValues(marketID).Set(units(upd.Rate, fpmath.PriceScale))
		e.metrics.FundingIndexGauge.WithLabelValues(marketID).Set(units(upd.NewIndex, fpmath.PriceScale))
		e.emit(event.TypeFundingUpdated, marketID, event.FundingUpdated{
			MarketID: marketID,
			Rate:     event.Big(upd.Rate),
			Premium:  event.Big(upd.Premium),
			Mark:     event.Big(upd.Mark),
			Spot:     event.Big(upd.Spot),
			NewIndex: event.Big(upd.NewIndex),
		})
	}
	return upd, nil
}

// MarkPrice is the aggregated mark for a market.
func (e *Engine) MarkPrice(marketID string) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	mark, err := e.oracle.MarkPrice(marketID)
	if err != nil {
		return nil, err
	}
	e.metrics.MarkPriceGauge.WithLabelValues(marketID).Set(units(mark, fpmath.PriceScale))
	return mark, nil
}

func (e *Engine) SpotPrice(marketID string) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.oracle.SpotPrice(marketID)
}

// IsLiquidatable checks a position against its maintenance requirement.
func (e *Engine) IsLiquidatable(tokenID uint64) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.liquidator.IsLiquidatable(tokenID)
}

func (e *Engine) HealthFactor(tokenID uint64) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.liquidator.HealthFactor(tokenID)
}

// Liquidate closes an unhealthy position at mark price.
func (e *Engine) Liquidate(liquidator uuid.UUID, tokenID uint64) (*liquidation.Record, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if pos, ok := e.positions.Get(tokenID); ok {
		e.refreshFunding(pos.MarketID)
	}
	rec, err := e.liquidator.Liquidate(liquidator, tokenID)
	if err != nil {
		if pos, ok := e.positions.Get(tokenID); ok {
			e.metrics.LiquidationsSkipped.WithLabelValues(pos.MarketID, rejectReason(err)).Inc()
		}
		return nil, err
	}
	e.afterLiquidation(rec)
	return rec, nil
}

// LiquidateBatch liquidates independently per entry; one bad token never
// blocks the rest.
func (e *Engine) LiquidateBatch(liquidator uuid.UUID, tokenIDs []uint64) (*liquidation.BatchReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	seen := make(map[string]struct{})
	for _, id := range tokenIDs {
		if pos, ok := e.positions.Get(id); ok {
			if _, done := seen[pos.MarketID]; !done {
				e.refreshFunding(pos.MarketID)
				seen[pos.MarketID] = struct{}{}
			}
		}
	}

	report, err := e.liquidator.LiquidateBatch(liquidator, tokenIDs)
	for _, item := range report.Items {
		if item.Record != nil {
			e.afterLiquidation(item.Record)
		}
	}
	return report, err
}

func (e *Engine) afterLiquidation(rec *liquidation.Record) {
	e.metrics.LiquidationsExecuted.WithLabelValues(rec.MarketID).Inc()
	e.metrics.OpenPositions.WithLabelValues(rec.MarketID).Set(float64(len(e.positions.ByMarket(rec.MarketID))))
	e.metrics.InsuranceFundBalance.Set(units(e.insurance.Balance(), fpmath.CollateralScale))
	if rec.BadDebt.Sign() > 0 {
		e.metrics.BadDebtTotal.WithLabelValues(rec.MarketID).Add(units(rec.BadDebt, fpmath.CollateralScale))
	}
	if m, ok := e.markets.Get(rec.MarketID); ok {
		e.recordMarketGauges(m)
	}
	e.emit(event.TypePositionLiquidated, rec.MarketID, event.PositionLiquidated{
		MarketID:      rec.MarketID,
		TokenID:       rec.TokenID,
		Owner:         rec.Owner.String(),
		Liquidator:    rec.Liquidator.String(),
		Price:         event.Big(rec.Price),
		Size:          event.Big(rec.Size),
		Margin:        event.Big(rec.Margin),
		PnL:           event.Big(rec.PnL),
		LiquidatorFee: event.Big(rec.LiquidatorFee),
		InsuranceFee:  event.Big(rec.InsuranceFee),
		BadDebt:       event.Big(rec.BadDebt),
	})
}

// rejectReason maps sentinel errors to stable metric labels.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, vamm.ErrMarketInactive):
		return "market_inactive"
	case errors.Is(err, vamm.ErrMarketNotFound), errors.Is(err, lifecycle.ErrMarketNotFound):
		return "market_not_found"
	case errors.Is(err, vamm.ErrPriceDeviation):
		return "price_deviation"
	case errors.Is(err, vamm.ErrSlippageExceeded):
		return "slippage"
	case errors.Is(err, vamm.ErrOICapExceeded):
		return "oi_cap"
	case errors.Is(err, vamm.ErrBadAmount), errors.Is(err, lifecycle.ErrZeroSize), errors.Is(err, lifecycle.ErrZeroPrice):
		return "invalid_amount"
	case errors.Is(err, lifecycle.ErrMarginBelowFloor):
		return "margin_floor"
	case errors.Is(err, lifecycle.ErrLeverageExceeded):
		return "leverage"
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, liquidation.ErrNotLiquidatable):
		return "healthy"
	case errors.Is(err, liquidation.ErrDustPosition):
		return "dust"
	default:
		return "other"
	}
}

// --- Read-only accessors ---

func (e *Engine) GetMarket(marketID string) (*state.Market, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.markets.Get(marketID)
}

func (e *Engine) Markets() []*state.Market {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.markets.All()
}

func (e *Engine) GetPosition(tokenID uint64) (*state.Position, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.positions.Get(tokenID)
}

func (e *Engine) PositionsByOwner(owner uuid.UUID) []*state.Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.positions.ByOwner(owner)
}

func (e *Engine) PositionsByMarket(marketID string) []*state.Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.positions.ByMarket(marketID)
}

func (e *Engine) LiquidationHistory() []*liquidation.Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.history.All()
}

func (e *Engine) LiquidationHistoryByMarket(marketID string) []*liquidation.Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.history.ByMarket(marketID)
}

func (e *Engine) Balances(user uuid.UUID) (free, locked *big.Int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.book.FreeBalance(user), e.book.LockedBalance(user)
}

func (e *Engine) InsuranceBalance() *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.insurance.Balance()
}

package vamm

import (
	"errors"
	"fmt"
	"math/big"

	"PerpVamm/internal/fpmath"
	"PerpVamm/internal/state"

	"github.com/rs/zerolog"
)

var (
	ErrMarketExists      = errors.New("vamm: market already initialized")
	ErrMarketNotFound    = errors.New("vamm: market not found")
	ErrMarketInactive    = errors.New("vamm: market inactive")
	ErrBadAmount         = errors.New("vamm: amount must be positive")
	ErrBadConfig         = errors.New("vamm: invalid market config")
	ErrPriceDeviation    = errors.New("vamm: mark/spot deviation exceeds limit")
	ErrSlippageExceeded  = errors.New("vamm: execution price outside slippage tolerance")
	ErrOICapExceeded     = errors.New("vamm: open interest cap exceeded")
	ErrLiquidityBounds   = errors.New("vamm: liquidity scale outside allowed range")
	ErrReserveDepleted   = errors.New("vamm: trade would drain a virtual reserve")
)

// Bounds for administrative reserve rebalancing, in bps of the current
// reserves. 0.5x to 5x per operation.
const (
	minLiquidityScaleBps = 5_000
	maxLiquidityScaleBps = 50_000
)

// PriceFeed is the slice of the oracle the trade engine needs.
type PriceFeed interface {
	MarkPrice(marketID string) (*big.Int, error)
	SpotPrice(marketID string) (*big.Int, error)
	HasExternalPrice(marketID string) bool
}

// MarketConfig carries everything InitMarket needs to size reserves and
// parameterize funding and fees for a new market.
type MarketConfig struct {
	InitialPrice *big.Int // 1e18
	QuoteDepth   *big.Int // virtual quote liquidity, 1e18

	FundingInterval    int64
	MaxFundingRate     *big.Int // 1e18 fraction per interval
	FundingSensitivity *big.Int // 1e18

	OICap *big.Int // per-side, quote 1e18

	BaseFeeBps      int64
	MaxFeeBps       int64
	MaxDeviationBps int64
}

func (c MarketConfig) validate() error {
	switch {
	case c.InitialPrice == nil || c.InitialPrice.Sign() <= 0:
		return fmt.Errorf("%w: initial price must be positive", ErrBadConfig)
	case c.QuoteDepth == nil || c.QuoteDepth.Sign() <= 0:
		return fmt.Errorf("%w: quote depth must be positive", ErrBadConfig)
	case c.FundingInterval <= 0:
		return fmt.Errorf("%w: funding interval must be positive", ErrBadConfig)
	case c.MaxFundingRate == nil || c.MaxFundingRate.Sign() < 0:
		return fmt.Errorf("%w: max funding rate must be non-negative", ErrBadConfig)
	case c.FundingSensitivity == nil || c.FundingSensitivity.Sign() < 0:
		return fmt.Errorf("%w: funding sensitivity must be non-negative", ErrBadConfig)
	case c.OICap == nil || c.OICap.Sign() <= 0:
		return fmt.Errorf("%w: open interest cap must be positive", ErrBadConfig)
	case c.BaseFeeBps < 0 || c.MaxFeeBps < c.BaseFeeBps || c.MaxFeeBps >= fpmath.BpsDenom:
		return fmt.Errorf("%w: fee bps out of range", ErrBadConfig)
	case c.MaxDeviationBps <= 0:
		return fmt.Errorf("%w: max deviation must be positive", ErrBadConfig)
	}
	return nil
}

// Trade is the priced outcome of one reserve swap. Fee is quoted in
// price-scale quote units and is not deducted from the swap amounts;
// the caller settles it against collateral.
type Trade struct {
	MarketID  string
	BuyBase   bool // true for open-long and close-short
	QuoteIn   *big.Int
	BaseOut   *big.Int
	ExecPrice *big.Int // 1e18
	MidBefore *big.Int
	MidAfter  *big.Int
	FeeBps    int64
	Fee       *big.Int // quote, 1e18
}

// Engine owns reserve pricing and open-interest accounting. It never
// touches positions or the ledger; the facade wires its output into the
// lifecycle component.
type Engine struct {
	markets *state.MarketStore
	feed    PriceFeed
	fees    map[string]feeParams
	now     func() int64
	log     zerolog.Logger
}

type feeParams struct {
	baseFeeBps      int64
	maxFeeBps       int64
	maxDeviationBps int64
}

func NewEngine(markets *state.MarketStore, feed PriceFeed, now func() int64, log zerolog.Logger) *Engine {
	return &Engine{
		markets: markets,
		feed:    feed,
		fees:    make(map[string]feeParams),
		now:     now,
		log:     log.With().Str("component", "vamm").Logger(),
	}
}

// InitMarket sizes virtual reserves from the initial price and target quote
// depth and fixes k. A market can be initialized once.
func (e *Engine) InitMarket(marketID string, cfg MarketConfig) (*state.Market, error) {
	if marketID == "" {
		return nil, fmt.Errorf("%w: empty market id", ErrBadConfig)
	}
	if _, exists := e.markets.Get(marketID); exists {
		return nil, fmt.Errorf("%w: %s", ErrMarketExists, marketID)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	quote := new(big.Int).Set(cfg.QuoteDepth)
	base := fpmath.MulDiv(quote, fpmath.PriceScale, cfg.InitialPrice)
	if base.Sign() <= 0 {
		return nil, fmt.Errorf("%w: depth too small for price", ErrBadConfig)
	}

	m := &state.Market{
		ID:                 marketID,
		BaseReserve:        base,
		QuoteReserve:       quote,
		K:                  new(big.Int).Mul(base, quote),
		CumFundingIndex:    big.NewInt(0),
		LastFundingRate:    big.NewInt(0),
		LastFundingAt:      e.now(),
		FundingInterval:    cfg.FundingInterval,
		MaxFundingRate:     new(big.Int).Set(cfg.MaxFundingRate),
		FundingSensitivity: new(big.Int).Set(cfg.FundingSensitivity),
		LongOI:             big.NewInt(0),
		ShortOI:            big.NewInt(0),
		OICap:              new(big.Int).Set(cfg.OICap),
		Status:             state.MarketActive,
		CreatedAt:          e.now(),
	}
	e.markets.Put(m)
	e.fees[marketID] = feeParams{
		baseFeeBps:      cfg.BaseFeeBps,
		maxFeeBps:       cfg.MaxFeeBps,
		maxDeviationBps: cfg.MaxDeviationBps,
	}

	e.log.Info().
		Str("market", marketID).
		Str("base_reserve", base.String()).
		Str("quote_reserve", quote.String()).
		Str("price", m.VammPrice().String()).
		Msg("market initialized")
	return m, nil
}

// DeactivateMarket stops trading through the reserves in both directions.
// Open positions can still be liquidated at mark price, which settles
// through the lifecycle component without a swap.
func (e *Engine) DeactivateMarket(marketID string) error {
	m, ok := e.markets.Get(marketID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrMarketNotFound, marketID)
	}
	m.Status = state.MarketInactive
	e.log.Info().Str("market", marketID).Msg("market deactivated")
	return nil
}

func (e *Engine) ActivateMarket(marketID string) error {
	m, ok := e.markets.Get(marketID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrMarketNotFound, marketID)
	}
	m.Status = state.MarketActive
	return nil
}

// FeeBps computes the dynamic trade fee for one direction: the flat base
// rate plus a funding adjustment. Base buyers pay extra when funding is
// positive and receive a rebate when negative; base sellers mirror it.
// The result is clamped to [0, maxFeeBps].
func (e *Engine) FeeBps(marketID string, buyBase bool) (int64, error) {
	m, ok := e.markets.Get(marketID)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrMarketNotFound, marketID)
	}
	p := e.fees[marketID]

	// 1e18-scale rate to bps: one bps is 1e14.
	adj := new(big.Int).Quo(m.LastFundingRate, big.NewInt(100_000_000_000_000)).Int64()
	if !buyBase {
		adj = -adj
	}
	fee := p.baseFeeBps + adj
	if fee < 0 {
		fee = 0
	}
	if fee > p.maxFeeBps {
		fee = p.maxFeeBps
	}
	return fee, nil
}

// checkDeviation rejects trading when the mark has drifted too far from
// spot. With no external sources there is nothing to compare against and
// the guard is skipped.
func (e *Engine) checkDeviation(m *state.Market) error {
	if !e.feed.HasExternalPrice(m.ID) {
		return nil
	}
	mark, err := e.feed.MarkPrice(m.ID)
	if err != nil {
		return err
	}
	spot, err := e.feed.SpotPrice(m.ID)
	if err != nil {
		return err
	}
	if spot.Sign() <= 0 {
		return fmt.Errorf("vamm: non-positive spot for %s", m.ID)
	}
	dev := fpmath.DeviationBps(mark, spot)
	limit := big.NewInt(e.fees[m.ID].maxDeviationBps)
	if dev.Cmp(limit) > 0 {
		return fmt.Errorf("%w: deviation=%sbps limit=%sbps", ErrPriceDeviation, dev, limit)
	}
	return nil
}

// swapQuoteForBase moves quote in and base out along the constant product.
// Returns the new reserves and the base amount out.
func swapQuoteForBase(m *state.Market, quoteIn *big.Int) (newBase, newQuote, baseOut *big.Int, err error) {
	newQuote = new(big.Int).Add(m.QuoteReserve, quoteIn)
	newBase = new(big.Int).Quo(m.K, newQuote)
	baseOut = new(big.Int).Sub(m.BaseReserve, newBase)
	if baseOut.Sign() <= 0 {
		return nil, nil, nil, ErrReserveDepleted
	}
	return newBase, newQuote, baseOut, nil
}

// swapBaseForQuote moves base in and quote out, the reverse direction.
func swapBaseForQuote(m *state.Market, baseIn *big.Int) (newBase, newQuote, quoteOut *big.Int, err error) {
	newBase = new(big.Int).Add(m.BaseReserve, baseIn)
	newQuote = new(big.Int).Quo(m.K, newBase)
	quoteOut = new(big.Int).Sub(m.QuoteReserve, newQuote)
	if quoteOut.Sign() <= 0 {
		return nil, nil, nil, ErrReserveDepleted
	}
	return newBase, newQuote, quoteOut, nil
}

// QuoteOpen simulates an opening trade without mutating state.
func (e *Engine) QuoteOpen(marketID string, long bool, quoteIn *big.Int) (baseOut, execPrice *big.Int, err error) {
	m, ok := e.markets.Get(marketID)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrMarketNotFound, marketID)
	}
	if quoteIn == nil || quoteIn.Sign() <= 0 {
		return nil, nil, ErrBadAmount
	}
	if long {
		_, _, baseOut, err = swapQuoteForBase(m, quoteIn)
	} else {
		// A short receives quoteIn of exposure by pushing base into the
		// pool: base' such that quote' = quote - quoteIn.
		newQuote := new(big.Int).Sub(m.QuoteReserve, quoteIn)
		if newQuote.Sign() <= 0 {
			return nil, nil, ErrReserveDepleted
		}
		newBase := new(big.Int).Quo(m.K, newQuote)
		baseOut = new(big.Int).Sub(newBase, m.BaseReserve)
		if baseOut.Sign() <= 0 {
			return nil, nil, ErrReserveDepleted
		}
	}
	if err != nil {
		return nil, nil, err
	}
	execPrice = fpmath.MulDiv(quoteIn, fpmath.PriceScale, baseOut)
	return baseOut, execPrice, nil
}

// ExecuteOpen prices and commits an opening trade. quoteIn is the position
// notional at entry; baseOut is the position size the lifecycle component
// should record. Reserves and the side's open interest are updated on
// success; any rejection leaves the market untouched.
func (e *Engine) ExecuteOpen(marketID string, long bool, quoteIn *big.Int, maxSlippageBps int64) (*Trade, error) {
	m, ok := e.markets.Get(marketID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMarketNotFound, marketID)
	}
	if !m.Active() {
		return nil, fmt.Errorf("%w: %s", ErrMarketInactive, marketID)
	}
	if quoteIn == nil || quoteIn.Sign() <= 0 {
		return nil, ErrBadAmount
	}
	if err := e.checkDeviation(m); err != nil {
		return nil, err
	}

	oi := m.LongOI
	if !long {
		oi = m.ShortOI
	}
	if new(big.Int).Add(oi, quoteIn).Cmp(m.OICap) > 0 {
		return nil, fmt.Errorf("%w: side_oi=%s trade=%s cap=%s", ErrOICapExceeded, oi, quoteIn, m.OICap)
	}

	midBefore := m.VammPrice()
	baseOut, execPrice, err := e.QuoteOpen(marketID, long, quoteIn)
	if err != nil {
		return nil, err
	}
	if maxSlippageBps > 0 {
		slip := fpmath.DeviationBps(execPrice, midBefore)
		if slip.Cmp(big.NewInt(maxSlippageBps)) > 0 {
			return nil, fmt.Errorf("%w: slippage=%sbps limit=%dbps", ErrSlippageExceeded, slip, maxSlippageBps)
		}
	}

	feeBps, err := e.FeeBps(marketID, long)
	if err != nil {
		return nil, err
	}

	// Commit.
	if long {
		m.QuoteReserve = new(big.Int).Add(m.QuoteReserve, quoteIn)
		m.BaseReserve = new(big.Int).Quo(m.K, m.QuoteReserve)
		m.LongOI = new(big.Int).Add(m.LongOI, quoteIn)
	} else {
		m.QuoteReserve = new(big.Int).Sub(m.QuoteReserve, quoteIn)
		m.BaseReserve = new(big.Int).Quo(m.K, m.QuoteReserve)
		m.ShortOI = new(big.Int).Add(m.ShortOI, quoteIn)
	}

	t := &Trade{
		MarketID:  marketID,
		BuyBase:   long,
		QuoteIn:   new(big.Int).Set(quoteIn),
		BaseOut:   baseOut,
		ExecPrice: execPrice,
		MidBefore: midBefore,
		MidAfter:  m.VammPrice(),
		FeeBps:    feeBps,
		Fee:       fpmath.BpsOf(quoteIn, feeBps),
	}
	e.log.Debug().
		Str("market", marketID).
		Bool("long", long).
		Str("quote_in", quoteIn.String()).
		Str("base_out", baseOut.String()).
		Str("exec_price", execPrice.String()).
		Int64("fee_bps", feeBps).
		Msg("open trade executed")
	return t, nil
}

// ExecuteClose unwinds baseSize of exposure for a position on the given
// side. Closing a long sells base back into the pool; closing a short
// buys it back. Returns the quote leg and execution price. Open interest
// is NOT touched here; the caller releases the position's entry notional
// via ReleaseOpenInterest.
func (e *Engine) ExecuteClose(marketID string, long bool, baseSize *big.Int, maxSlippageBps int64) (*Trade, error) {
	m, ok := e.markets.Get(marketID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMarketNotFound, marketID)
	}
	if !m.Active() {
		return nil, fmt.Errorf("%w: %s", ErrMarketInactive, marketID)
	}
	if baseSize == nil || baseSize.Sign() <= 0 {
		return nil, ErrBadAmount
	}
	if err := e.checkDeviation(m); err != nil {
		return nil, err
	}

	midBefore := m.VammPrice()
	var (
		newBase, newQuote, quoteLeg *big.Int
		err                         error
		buyBase                     bool
	)
	if long {
		newBase, newQuote, quoteLeg, err = swapBaseForQuote(m, baseSize)
	} else {
		buyBase = true
		newBase = new(big.Int).Sub(m.BaseReserve, baseSize)
		if newBase.Sign() <= 0 {
			return nil, ErrReserveDepleted
		}
		newQuote = new(big.Int).Quo(m.K, newBase)
		quoteLeg = new(big.Int).Sub(newQuote, m.QuoteReserve)
	}
	if err != nil {
		return nil, err
	}

	execPrice := fpmath.MulDiv(quoteLeg, fpmath.PriceScale, baseSize)
	if maxSlippageBps > 0 {
		slip := fpmath.DeviationBps(execPrice, midBefore)
		if slip.Cmp(big.NewInt(maxSlippageBps)) > 0 {
			return nil, fmt.Errorf("%w: slippage=%sbps limit=%dbps", ErrSlippageExceeded, slip, maxSlippageBps)
		}
	}

	feeBps, err := e.FeeBps(marketID, buyBase)
	if err != nil {
		return nil, err
	}

	m.BaseReserve = newBase
	m.QuoteReserve = newQuote

	t := &Trade{
		MarketID:  marketID,
		BuyBase:   buyBase,
		QuoteIn:   quoteLeg,
		BaseOut:   new(big.Int).Set(baseSize),
		ExecPrice: execPrice,
		MidBefore: midBefore,
		MidAfter:  m.VammPrice(),
		FeeBps:    feeBps,
		Fee:       fpmath.BpsOf(quoteLeg, feeBps),
	}
	e.log.Debug().
		Str("market", marketID).
		Bool("closing_long", long).
		Str("base_in", baseSize.String()).
		Str("quote_leg", quoteLeg.String()).
		Str("exec_price", execPrice.String()).
		Msg("close trade executed")
	return t, nil
}

// ReleaseOpenInterest returns a position's entry notional to the side's
// open-interest headroom, flooring at zero against rounding dust.
func (e *Engine) ReleaseOpenInterest(marketID string, long bool, quoteNotional *big.Int) error {
	m, ok := e.markets.Get(marketID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrMarketNotFound, marketID)
	}
	if quoteNotional == nil || quoteNotional.Sign() < 0 {
		return ErrBadAmount
	}
	target := &m.LongOI
	if !long {
		target = &m.ShortOI
	}
	next := new(big.Int).Sub(*target, quoteNotional)
	if next.Sign() < 0 {
		next = big.NewInt(0)
	}
	*target = next
	return nil
}

// ScaleVirtualLiquidity multiplies both reserves by scaleBps/10000, leaving
// the implied price unchanged, and re-fixes k. The scale is bounded; this
// is an administrative rebalance, the one sanctioned break of the constant
// product.
func (e *Engine) ScaleVirtualLiquidity(marketID string, scaleBps int64) error {
	if scaleBps < minLiquidityScaleBps || scaleBps > maxLiquidityScaleBps {
		return fmt.Errorf("%w: scale=%dbps allowed=[%d,%d]", ErrLiquidityBounds, scaleBps, minLiquidityScaleBps, maxLiquidityScaleBps)
	}
	m, ok := e.markets.Get(marketID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrMarketNotFound, marketID)
	}

	priceBefore := m.VammPrice()
	factor := big.NewInt(scaleBps)
	denom := big.NewInt(fpmath.BpsDenom)
	m.BaseReserve = fpmath.MulDiv(m.BaseReserve, factor, denom)
	m.QuoteReserve = fpmath.MulDiv(m.QuoteReserve, factor, denom)
	if m.BaseReserve.Sign() <= 0 || m.QuoteReserve.Sign() <= 0 {
		return fmt.Errorf("%w: reserves collapsed", ErrLiquidityBounds)
	}
	m.K = new(big.Int).Mul(m.BaseReserve, m.QuoteReserve)

	e.log.Info().
		Str("market", marketID).
		Int64("scale_bps", scaleBps).
		Str("price_before", priceBefore.String()).
		Str("price_after", m.VammPrice().String()).
		Msg("virtual liquidity rescaled")
	return nil
}

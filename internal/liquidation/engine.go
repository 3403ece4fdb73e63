package liquidation

import (
	"errors"
	"fmt"
	"math/big"

	"PerpVamm/internal/fpmath"
	"PerpVamm/internal/ledger"
	"PerpVamm/internal/lifecycle"
	"PerpVamm/internal/state"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrPositionNotFound = errors.New("liquidation: position not found")
	ErrConfigMissing    = errors.New("liquidation: market has no liquidation config")
	ErrConfigInactive   = errors.New("liquidation: liquidations disabled for market")
	ErrNotLiquidatable  = errors.New("liquidation: position is healthy")
	ErrDustPosition     = errors.New("liquidation: notional below dust floor")
	ErrBatchAllFailed   = errors.New("liquidation: every batch entry failed")
)

// MaxHealthFactor is returned when the maintenance requirement is zero:
// the position cannot be liquidated no matter the price.
var MaxHealthFactor = new(big.Int).Mul(fpmath.PriceScale, fpmath.PriceScale)

// MarkSource yields the price liquidation math runs against.
type MarkSource interface {
	MarkPrice(marketID string) (*big.Int, error)
}

// OIReleaser returns a closed position's entry notional to the market's
// open-interest headroom.
type OIReleaser interface {
	ReleaseOpenInterest(marketID string, long bool, quoteNotional *big.Int) error
}

// Params bound liquidation independently of per-market config.
// DustNotional is in collateral units; positions smaller than it are not
// worth a liquidator's gas and are rejected.
type Params struct {
	DustNotional *big.Int
}

// Engine computes position health and executes liquidations. It never
// writes position or market records itself; closure goes through the
// lifecycle manager, open interest through the releaser.
type Engine struct {
	markets   *state.MarketStore
	positions *state.PositionStore
	configs   *state.LiquidationConfigStore
	mark      MarkSource
	manager   *lifecycle.Manager
	book      ledger.CollateralLedger
	insurance ledger.InsuranceReserve
	releaser  OIReleaser
	history   *History
	params    Params
	now       func() int64
	log       zerolog.Logger
}

func NewEngine(
	markets *state.MarketStore,
	positions *state.PositionStore,
	configs *state.LiquidationConfigStore,
	mark MarkSource,
	manager *lifecycle.Manager,
	book ledger.CollateralLedger,
	insurance ledger.InsuranceReserve,
	releaser OIReleaser,
	history *History,
	params Params,
	now func() int64,
	log zerolog.Logger,
) *Engine {
	if params.DustNotional == nil {
		params.DustNotional = big.NewInt(0)
	}
	return &Engine{
		markets:   markets,
		positions: positions,
		configs:   configs,
		mark:      mark,
		manager:   manager,
		book:      book,
		insurance: insurance,
		releaser:  releaser,
		history:   history,
		params:    params,
		now:       now,
		log:       log.With().Str("component", "liquidation").Logger(),
	}
}

// health evaluates one position at the current mark price.
type health struct {
	pos         *state.Position
	cfg         *state.LiquidationConfig
	mark        *big.Int
	effective   *big.Int // margin at price scale + unrealized pnl
	requirement *big.Int // maintenance margin, price scale
	notional    *big.Int // price scale
}

func (e *Engine) evaluate(tokenID uint64) (*health, error) {
	pos, ok := e.positions.Get(tokenID)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrPositionNotFound, tokenID)
	}
	cfg, ok := e.configs.Get(pos.MarketID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConfigMissing, pos.MarketID)
	}
	if !cfg.Active {
		return nil, fmt.Errorf("%w: %s", ErrConfigInactive, pos.MarketID)
	}
	mark, err := e.mark.MarkPrice(pos.MarketID)
	if err != nil {
		return nil, err
	}

	effective := fpmath.ToPriceScale(pos.Margin)
	effective.Add(effective, pos.UnrealizedPnL(mark))
	notional := pos.Notional(mark)
	requirement := fpmath.BpsOf(notional, cfg.MaintenanceRatioBps)

	return &health{
		pos:         pos,
		cfg:         cfg,
		mark:        mark,
		effective:   effective,
		requirement: requirement,
		notional:    notional,
	}, nil
}

// IsLiquidatable reports whether effective margin has fallen below the
// maintenance requirement at the current mark.
func (e *Engine) IsLiquidatable(tokenID uint64) (bool, error) {
	h, err := e.evaluate(tokenID)
	if err != nil {
		return false, err
	}
	return h.effective.Cmp(h.requirement) < 0, nil
}

// HealthFactor scales effective margin against the maintenance
// requirement so 1e18 is exactly the liquidation threshold. Zero means
// the margin is gone; MaxHealthFactor means nothing is required.
func (e *Engine) HealthFactor(tokenID uint64) (*big.Int, error) {
	h, err := e.evaluate(tokenID)
	if err != nil {
		return nil, err
	}
	if h.requirement.Sign() == 0 {
		return new(big.Int).Set(MaxHealthFactor), nil
	}
	if h.effective.Sign() <= 0 {
		return big.NewInt(0), nil
	}
	return fpmath.MulDiv(h.effective, fpmath.PriceScale, h.requirement), nil
}

// Liquidate closes an unhealthy position at mark price. The liquidator
// and insurance fees are basis-point shares of the position notional,
// collected from the owner's freed balance; when that balance cannot
// cover the liquidator's share, the insurance fund makes it whole.
func (e *Engine) Liquidate(liquidator uuid.UUID, tokenID uint64) (*Record, error) {
	h, err := e.evaluate(tokenID)
	if err != nil {
		return nil, err
	}
	if h.effective.Cmp(h.requirement) >= 0 {
		return nil, fmt.Errorf("%w: token=%d", ErrNotLiquidatable, tokenID)
	}

	notionalColl := fpmath.ToCollateral(h.notional)
	if notionalColl.Cmp(e.params.DustNotional) < 0 {
		return nil, fmt.Errorf("%w: notional=%s floor=%s", ErrDustPosition, notionalColl, e.params.DustNotional)
	}

	liqFee := fpmath.BpsOf(notionalColl, h.cfg.LiquidatorFeeBps)
	insFee := fpmath.BpsOf(notionalColl, h.cfg.InsuranceFeeBps)

	owner := h.pos.Owner
	long := h.pos.IsLong()
	res, err := e.manager.Close(owner, tokenID, h.mark)
	if err != nil {
		return nil, fmt.Errorf("liquidation: close position: %w", err)
	}
	if err := e.releaser.ReleaseOpenInterest(res.MarketID, long, res.EntryNotional); err != nil {
		e.log.Error().Err(err).Uint64("token_id", tokenID).Msg("open interest release failed")
	}

	// Collect fees from whatever the close left in the owner's balance.
	totalFees := new(big.Int).Add(liqFee, insFee)
	free := new(big.Int).Sub(e.book.TotalBalance(owner), e.book.LockedBalance(owner))
	collected := new(big.Int).Set(totalFees)
	if collected.Cmp(free) > 0 {
		collected = new(big.Int).Set(free)
	}
	if collected.Sign() > 0 {
		if err := e.book.SettlePnL(owner, new(big.Int).Neg(collected)); err != nil {
			return nil, fmt.Errorf("liquidation: collect fees: %w", err)
		}
	}

	// Liquidator is paid first; the insurance fund gets the remainder and
	// covers any liquidator shortfall out of its own balance.
	liqPaid := new(big.Int).Set(liqFee)
	if liqPaid.Cmp(collected) > 0 {
		liqPaid = new(big.Int).Set(collected)
	}
	if liqPaid.Sign() > 0 {
		if err := e.book.DepositFor(liquidator, liqPaid); err != nil {
			return nil, fmt.Errorf("liquidation: pay liquidator: %w", err)
		}
	}
	if insPaid := new(big.Int).Sub(collected, liqPaid); insPaid.Sign() > 0 {
		if err := e.insurance.CollectFee(insPaid); err != nil {
			return nil, fmt.Errorf("liquidation: insurance fee: %w", err)
		}
	}
	if shortfall := new(big.Int).Sub(liqFee, liqPaid); shortfall.Sign() > 0 {
		if err := e.insurance.CoverBadDebt(liquidator, shortfall); err != nil {
			e.log.Warn().Err(err).
				Uint64("token_id", tokenID).
				Str("shortfall", shortfall.String()).
				Msg("insurance could not cover liquidator fee")
		}
	}

	rec := &Record{
		TokenID:       tokenID,
		MarketID:      res.MarketID,
		Owner:         owner,
		Liquidator:    liquidator,
		Price:         h.mark,
		Size:          res.Size,
		Margin:        res.Margin,
		PnL:           res.PnL,
		LiquidatorFee: liqFee,
		InsuranceFee:  insFee,
		BadDebt:       res.BadDebt,
		Timestamp:     e.now(),
	}
	e.history.Append(rec)

	e.log.Info().
		Uint64("token_id", tokenID).
		Str("market", res.MarketID).
		Str("owner", owner.String()).
		Str("liquidator", liquidator.String()).
		Str("price", h.mark.String()).
		Str("liq_fee", liqFee.String()).
		Str("ins_fee", insFee.String()).
		Str("bad_debt", res.BadDebt.String()).
		Msg("position liquidated")
	return rec, nil
}

// BatchItem is the per-entry outcome of a batch liquidation.
type BatchItem struct {
	TokenID uint64
	Record  *Record
	Err     error
}

// BatchReport collects every entry's outcome.
type BatchReport struct {
	Items     []BatchItem
	Succeeded int
}

// LiquidateBatch processes entries independently: a healthy or missing
// position is skipped, never fatal. The call errors only when nothing
// succeeded.
func (e *Engine) LiquidateBatch(liquidator uuid.UUID, tokenIDs []uint64) (*BatchReport, error) {
	report := &BatchReport{Items: make([]BatchItem, 0, len(tokenIDs))}
	for _, id := range tokenIDs {
		rec, err := e.Liquidate(liquidator, id)
		if err != nil {
			e.log.Debug().Err(err).Uint64("token_id", id).Msg("batch entry skipped")
			report.Items = append(report.Items, BatchItem{TokenID: id, Err: err})
			continue
		}
		report.Items = append(report.Items, BatchItem{TokenID: id, Record: rec})
		report.Succeeded++
	}
	if len(tokenIDs) > 0 && report.Succeeded == 0 {
		return report, ErrBatchAllFailed
	}
	return report, nil
}

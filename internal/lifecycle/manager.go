package lifecycle

import (
	"errors"
	"fmt"
	"math/big"

	"PerpVamm/internal/fpmath"
	"PerpVamm/internal/ledger"
	"PerpVamm/internal/state"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrPositionNotFound = errors.New("lifecycle: position not found")
	ErrMarketNotFound   = errors.New("lifecycle: market not found")
	ErrNotAuthorized    = errors.New("lifecycle: caller is not owner or delegate")
	ErrZeroSize         = errors.New("lifecycle: size must be non-zero")
	ErrZeroPrice        = errors.New("lifecycle: price must be positive")
	ErrMarginBelowFloor = errors.New("lifecycle: margin below minimum floor")
	ErrLeverageExceeded = errors.New("lifecycle: notional exceeds margin times max leverage")
	ErrBadDelta         = errors.New("lifecycle: delta must be positive")
)

// RiskParams bound every position mutation: the margin floor is in
// collateral units (1e6), leverage is a plain multiplier.
type RiskParams struct {
	MinMargin   *big.Int
	MaxLeverage int64
}

func (p RiskParams) validate() error {
	if p.MinMargin == nil || p.MinMargin.Sign() <= 0 {
		return errors.New("lifecycle: min margin must be positive")
	}
	if p.MaxLeverage <= 0 {
		return errors.New("lifecycle: max leverage must be positive")
	}
	return nil
}

// CloseResult reports everything a caller needs after a position is
// destroyed: realized PnL in collateral units, any bad debt the ledger
// could not absorb, and the entry notional for open-interest release.
type CloseResult struct {
	TokenID       uint64
	Owner         uuid.UUID
	MarketID      string
	Long          bool
	Size          *big.Int // 1e18, absolute
	Margin        *big.Int // collateral remaining at close, 1e6
	ExitPrice     *big.Int // 1e18
	PnL           *big.Int // signed collateral, 1e6
	FundingPaid   *big.Int // lifetime, signed collateral, 1e6
	BadDebt       *big.Int // collateral, 1e6; zero when fully absorbed
	EntryNotional *big.Int // quote 1e18
}

// Manager is the sole writer of position records. It owns funding
// settlement and the margin/leverage invariants; everything else reads.
type Manager struct {
	markets   *state.MarketStore
	positions *state.PositionStore
	book      ledger.CollateralLedger
	certs     ledger.CertificateIssuer
	params    RiskParams
	delegates map[uuid.UUID]map[uuid.UUID]struct{}
	now       func() int64
	log       zerolog.Logger
}

func NewManager(
	markets *state.MarketStore,
	positions *state.PositionStore,
	book ledger.CollateralLedger,
	certs ledger.CertificateIssuer,
	params RiskParams,
	now func() int64,
	log zerolog.Logger,
) (*Manager, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	return &Manager{
		markets:   markets,
		positions: positions,
		book:      book,
		certs:     certs,
		params:    params,
		delegates: make(map[uuid.UUID]map[uuid.UUID]struct{}),
		now:       now,
		log:       log.With().Str("component", "lifecycle").Logger(),
	}, nil
}

// Approve lets delegate act on owner's positions until revoked.
func (m *Manager) Approve(owner, delegate uuid.UUID) {
	if m.delegates[owner] == nil {
		m.delegates[owner] = make(map[uuid.UUID]struct{})
	}
	m.delegates[owner][delegate] = struct{}{}
}

func (m *Manager) Revoke(owner, delegate uuid.UUID) {
	delete(m.delegates[owner], delegate)
}

func (m *Manager) authorized(caller, owner uuid.UUID) bool {
	if caller == owner {
		return true
	}
	_, ok := m.delegates[owner][caller]
	return ok
}

// checkLeverage enforces |size| * price <= margin * maxLeverage, with the
// margin rescaled from collateral to price precision.
func (m *Manager) checkLeverage(size, price, margin *big.Int) error {
	notional := fpmath.MulDiv(fpmath.Abs(size), price, fpmath.PriceScale)
	capacity := new(big.Int).Mul(margin, fpmath.ScaleDivisor)
	capacity.Mul(capacity, big.NewInt(m.params.MaxLeverage))
	if notional.Cmp(capacity) > 0 {
		return fmt.Errorf("%w: notional=%s capacity=%s", ErrLeverageExceeded, notional, capacity)
	}
	return nil
}

// Open validates, locks margin, and stores a new position. The funding
// snapshot is taken from the market's current index so no history accrues
// retroactively.
func (m *Manager) Open(owner uuid.UUID, marketID string, size, entryPrice, margin *big.Int) (*state.Position, error) {
	mkt, ok := m.markets.Get(marketID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMarketNotFound, marketID)
	}
	if size == nil || size.Sign() == 0 {
		return nil, ErrZeroSize
	}
	if entryPrice == nil || entryPrice.Sign() <= 0 {
		return nil, ErrZeroPrice
	}
	if margin == nil || margin.Cmp(m.params.MinMargin) < 0 {
		return nil, fmt.Errorf("%w: margin=%s floor=%s", ErrMarginBelowFloor, margin, m.params.MinMargin)
	}
	if err := m.checkLeverage(size, entryPrice, margin); err != nil {
		return nil, err
	}

	if err := m.book.LockMargin(owner, margin); err != nil {
		return nil, fmt.Errorf("lifecycle: lock margin: %w", err)
	}

	pos := &state.Position{
		Owner:            owner,
		MarketID:         marketID,
		Margin:           new(big.Int).Set(margin),
		Size:             new(big.Int).Set(size),
		EntryPrice:       new(big.Int).Set(entryPrice),
		LastFundingIndex: new(big.Int).Set(mkt.CumFundingIndex),
		FundingPaid:      big.NewInt(0),
		OpenedAt:         m.now(),
	}
	m.positions.Insert(pos)
	if err := m.certs.Mint(owner, pos.TokenID); err != nil {
		m.positions.Remove(pos.TokenID)
		_ = m.book.UnlockMargin(owner, margin)
		return nil, fmt.Errorf("lifecycle: mint certificate: %w", err)
	}

	m.log.Info().
		Uint64("token_id", pos.TokenID).
		Str("owner", owner.String()).
		Str("market", marketID).
		Str("size", size.String()).
		Str("entry_price", entryPrice.String()).
		Str("margin", margin.String()).
		Msg("position opened")
	return pos, nil
}

// settleFunding charges or credits funding accrued since the position's
// last snapshot, at the pre-mutation size. Must run before any size or
// margin change and before PnL at close.
func (m *Manager) settleFunding(pos *state.Position, mkt *state.Market) error {
	delta := new(big.Int).Sub(mkt.CumFundingIndex, pos.LastFundingIndex)
	if delta.Sign() == 0 {
		return nil
	}
	// payment > 0 means the position pays. Longs pay when the index grew.
	payment := fpmath.MulDiv(pos.Size, delta, fpmath.PriceScale)
	payColl := fpmath.ToCollateral(payment)

	switch {
	case payColl.Sign() > 0:
		// Cap at margin; a deeper hole is the liquidation engine's problem.
		if payColl.Cmp(pos.Margin) > 0 {
			payColl = new(big.Int).Set(pos.Margin)
		}
		if payColl.Sign() > 0 {
			if err := m.book.UnlockMargin(pos.Owner, payColl); err != nil {
				return fmt.Errorf("lifecycle: funding unlock: %w", err)
			}
			if err := m.book.SettlePnL(pos.Owner, new(big.Int).Neg(payColl)); err != nil {
				return fmt.Errorf("lifecycle: funding debit: %w", err)
			}
			pos.Margin = new(big.Int).Sub(pos.Margin, payColl)
		}
	case payColl.Sign() < 0:
		credit := new(big.Int).Neg(payColl)
		if err := m.book.SettlePnL(pos.Owner, credit); err != nil {
			return fmt.Errorf("lifecycle: funding credit: %w", err)
		}
		if err := m.book.LockMargin(pos.Owner, credit); err != nil {
			return fmt.Errorf("lifecycle: funding lock: %w", err)
		}
		pos.Margin = new(big.Int).Add(pos.Margin, credit)
	}

	pos.FundingPaid = new(big.Int).Add(pos.FundingPaid, payColl)
	pos.LastFundingIndex = new(big.Int).Set(mkt.CumFundingIndex)
	return nil
}

// SettleFunding applies any pending funding to a single position.
func (m *Manager) SettleFunding(tokenID uint64) error {
	pos, ok := m.positions.Get(tokenID)
	if !ok {
		return fmt.Errorf("%w: %d", ErrPositionNotFound, tokenID)
	}
	mkt, ok := m.markets.Get(pos.MarketID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrMarketNotFound, pos.MarketID)
	}
	return m.settleFunding(pos, mkt)
}

// Close settles funding, realizes PnL at exitPrice, releases margin, and
// destroys the position. Losses beyond the trader's whole balance become
// bad debt, reported to the caller rather than swallowed.
func (m *Manager) Close(caller uuid.UUID, tokenID uint64, exitPrice *big.Int) (*CloseResult, error) {
	pos, ok := m.positions.Get(tokenID)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrPositionNotFound, tokenID)
	}
	if !m.authorized(caller, pos.Owner) {
		return nil, fmt.Errorf("%w: caller=%s owner=%s", ErrNotAuthorized, caller, pos.Owner)
	}
	if exitPrice == nil || exitPrice.Sign() <= 0 {
		return nil, ErrZeroPrice
	}
	mkt, ok := m.markets.Get(pos.MarketID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMarketNotFound, pos.MarketID)
	}

	if err := m.settleFunding(pos, mkt); err != nil {
		return nil, err
	}

	pnlColl := fpmath.ToCollateral(pos.UnrealizedPnL(exitPrice))

	if pos.Margin.Sign() > 0 {
		if err := m.book.UnlockMargin(pos.Owner, pos.Margin); err != nil {
			return nil, fmt.Errorf("lifecycle: release margin: %w", err)
		}
	}

	badDebt := big.NewInt(0)
	if err := m.book.SettlePnL(pos.Owner, pnlColl); err != nil {
		if !errors.Is(err, ledger.ErrInsufficientBalance) {
			return nil, fmt.Errorf("lifecycle: settle pnl: %w", err)
		}
		// Loss beyond the trader's free balance: drain what exists and
		// report the remainder as bad debt.
		free := new(big.Int).Sub(m.book.TotalBalance(pos.Owner), m.book.LockedBalance(pos.Owner))
		loss := new(big.Int).Neg(pnlColl)
		badDebt = new(big.Int).Sub(loss, free)
		if free.Sign() > 0 {
			if err := m.book.SettlePnL(pos.Owner, new(big.Int).Neg(free)); err != nil {
				return nil, fmt.Errorf("lifecycle: drain balance: %w", err)
			}
		}
	}

	if err := m.certs.Burn(tokenID); err != nil {
		return nil, fmt.Errorf("lifecycle: burn certificate: %w", err)
	}
	m.positions.Remove(tokenID)

	res := &CloseResult{
		TokenID:       tokenID,
		Owner:         pos.Owner,
		MarketID:      pos.MarketID,
		Long:          pos.IsLong(),
		Size:          fpmath.Abs(pos.Size),
		Margin:        new(big.Int).Set(pos.Margin),
		ExitPrice:     new(big.Int).Set(exitPrice),
		PnL:           pnlColl,
		FundingPaid:   new(big.Int).Set(pos.FundingPaid),
		BadDebt:       badDebt,
		EntryNotional: pos.EntryNotional(),
	}
	m.log.Info().
		Uint64("token_id", tokenID).
		Str("market", pos.MarketID).
		Str("exit_price", exitPrice.String()).
		Str("pnl", pnlColl.String()).
		Str("bad_debt", badDebt.String()).
		Msg("position closed")
	return res, nil
}

// AddMargin locks additional collateral into an existing position.
func (m *Manager) AddMargin(caller uuid.UUID, tokenID uint64, delta *big.Int) error {
	pos, mkt, err := m.authorizedPosition(caller, tokenID)
	if err != nil {
		return err
	}
	if delta == nil || delta.Sign() <= 0 {
		return ErrBadDelta
	}
	if err := m.settleFunding(pos, mkt); err != nil {
		return err
	}
	if err := m.book.LockMargin(pos.Owner, delta); err != nil {
		return fmt.Errorf("lifecycle: add margin: %w", err)
	}
	pos.Margin = new(big.Int).Add(pos.Margin, delta)
	return nil
}

// RemoveMargin unlocks collateral, refusing to cross the floor or push
// leverage past the cap at the entry price.
func (m *Manager) RemoveMargin(caller uuid.UUID, tokenID uint64, delta *big.Int) error {
	pos, mkt, err := m.authorizedPosition(caller, tokenID)
	if err != nil {
		return err
	}
	if delta == nil || delta.Sign() <= 0 {
		return ErrBadDelta
	}
	if err := m.settleFunding(pos, mkt); err != nil {
		return err
	}

	next := new(big.Int).Sub(pos.Margin, delta)
	if next.Cmp(m.params.MinMargin) < 0 {
		return fmt.Errorf("%w: remaining=%s floor=%s", ErrMarginBelowFloor, next, m.params.MinMargin)
	}
	if err := m.checkLeverage(pos.Size, pos.EntryPrice, next); err != nil {
		return err
	}
	if err := m.book.UnlockMargin(pos.Owner, delta); err != nil {
		return fmt.Errorf("lifecycle: remove margin: %w", err)
	}
	pos.Margin = next
	return nil
}

// Update rewrites a position's size and margin in place after settling
// funding at the old size. The ledger only moves the margin delta.
func (m *Manager) Update(caller uuid.UUID, tokenID uint64, newSize, newMargin *big.Int) error {
	pos, mkt, err := m.authorizedPosition(caller, tokenID)
	if err != nil {
		return err
	}
	if newSize == nil || newSize.Sign() == 0 {
		return ErrZeroSize
	}
	if newMargin == nil || newMargin.Cmp(m.params.MinMargin) < 0 {
		return fmt.Errorf("%w: margin=%s floor=%s", ErrMarginBelowFloor, newMargin, m.params.MinMargin)
	}
	if err := m.settleFunding(pos, mkt); err != nil {
		return err
	}
	if err := m.checkLeverage(newSize, pos.EntryPrice, newMargin); err != nil {
		return err
	}

	diff := new(big.Int).Sub(newMargin, pos.Margin)
	switch {
	case diff.Sign() > 0:
		if err := m.book.LockMargin(pos.Owner, diff); err != nil {
			return fmt.Errorf("lifecycle: update lock: %w", err)
		}
	case diff.Sign() < 0:
		if err := m.book.UnlockMargin(pos.Owner, new(big.Int).Neg(diff)); err != nil {
			return fmt.Errorf("lifecycle: update unlock: %w", err)
		}
	}
	pos.Size = new(big.Int).Set(newSize)
	pos.Margin = new(big.Int).Set(newMargin)
	return nil
}

func (m *Manager) authorizedPosition(caller uuid.UUID, tokenID uint64) (*state.Position, *state.Market, error) {
	pos, ok := m.positions.Get(tokenID)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %d", ErrPositionNotFound, tokenID)
	}
	if !m.authorized(caller, pos.Owner) {
		return nil, nil, fmt.Errorf("%w: caller=%s owner=%s", ErrNotAuthorized, caller, pos.Owner)
	}
	mkt, ok := m.markets.Get(pos.MarketID)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrMarketNotFound, pos.MarketID)
	}
	return pos, mkt, nil
}

package state

import (
	"math/big"

	"PerpVamm/internal/fpmath"

	"github.com/google/uuid"
)

// Position is one trader's leveraged exposure in a market.
// Size is signed base units at 1e18 (positive = long), margin is collateral
// units at 1e6, prices are 1e18.
type Position struct {
	TokenID  uint64
	Owner    uuid.UUID
	MarketID string

	Margin     *big.Int // collateral scale, locked in the ledger
	Size       *big.Int // signed base, price scale
	EntryPrice *big.Int // price scale

	// Funding index snapshot at last settlement; funding owed since then is
	// Size * (market index - snapshot) / 1e18.
	LastFundingIndex *big.Int
	FundingPaid      *big.Int // cumulative, signed, collateral scale

	OpenedAt int64 // unix seconds
}

// IsLong reports the position direction.
func (p *Position) IsLong() bool {
	return p.Size.Sign() > 0
}

// SideSign returns +1 for long, -1 for short, 0 for flat.
func (p *Position) SideSign() int64 {
	return int64(p.Size.Sign())
}

// Notional returns |size| * price / 1e18 in quote terms at price scale.
func (p *Position) Notional(price *big.Int) *big.Int {
	return fpmath.MulDiv(fpmath.Abs(p.Size), price, fpmath.PriceScale)
}

// EntryNotional is the notional valued at the recorded entry price.
func (p *Position) EntryNotional() *big.Int {
	return p.Notional(p.EntryPrice)
}

// UnrealizedPnL returns size * (price - entry) / 1e18, signed, quote at
// price scale.
func (p *Position) UnrealizedPnL(price *big.Int) *big.Int {
	diff := new(big.Int).Sub(price, p.EntryPrice)
	return fpmath.MulDiv(p.Size, diff, fpmath.PriceScale)
}

package state

import (
	"math/big"
	"sort"

	"PerpVamm/internal/fpmath"
)

// MarketStatus tracks the per-venue lifecycle: a market is created on first
// price initialization and is never deleted, only deactivated.
type MarketStatus int32

const (
	MarketUninitialized MarketStatus = iota
	MarketActive
	MarketInactive
)

func (s MarketStatus) String() string {
	switch s {
	case MarketActive:
		return "Active"
	case MarketInactive:
		return "Inactive"
	default:
		return "Uninitialized"
	}
}

// Market holds the virtual reserves and funding state for one trading pair.
// All reserve/price fields are price scale (1e18); open interest is in quote
// terms at price scale.
type Market struct {
	ID string

	BaseReserve  *big.Int // virtual base, 1e18
	QuoteReserve *big.Int // virtual quote, 1e18
	K            *big.Int // constant product, fixed at initialization

	// Cumulative funding index, signed, quote per base unit at price scale.
	// A position's funding owed is size * (index - snapshot) / 1e18.
	CumFundingIndex *big.Int
	LastFundingRate *big.Int // signed per-interval fraction, 1e18
	LastFundingAt   int64    // unix seconds

	FundingInterval    int64    // seconds
	MaxFundingRate     *big.Int // clamp bound, 1e18 fraction per interval
	FundingSensitivity *big.Int // premium multiplier, 1e18

	LongOI  *big.Int // total long open interest, quote 1e18
	ShortOI *big.Int // total short open interest, quote 1e18
	OICap   *big.Int // per-side cap, quote 1e18

	Status    MarketStatus
	CreatedAt int64
}

// VammPrice returns the reserve-implied price: quote * 1e18 / base.
func (m *Market) VammPrice() *big.Int {
	return fpmath.MulDiv(m.QuoteReserve, fpmath.PriceScale, m.BaseReserve)
}

// Active reports whether the market accepts trades.
func (m *Market) Active() bool {
	return m.Status == MarketActive
}

// MarketStore is the registry of markets, keyed by market id.
// The lifecycle component owns writes; other components hold references.
type MarketStore struct {
	markets map[string]*Market
}

func NewMarketStore() *MarketStore {
	return &MarketStore{markets: make(map[string]*Market)}
}

func (s *MarketStore) Get(id string) (*Market, bool) {
	m, ok := s.markets[id]
	return m, ok
}

func (s *MarketStore) Put(m *Market) {
	s.markets[m.ID] = m
}

// All returns markets sorted by id for deterministic iteration.
func (s *MarketStore) All() []*Market {
	out := make([]*Market, 0, len(s.markets))
	for _, m := range s.markets {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

package liquidation

import (
	"math/big"

	"github.com/google/uuid"
)

// Record is one immutable liquidation entry. Amounts are collateral
// units (1e6) except Price and Size, which stay at price scale.
type Record struct {
	Seq           uint64
	TokenID       uint64
	MarketID      string
	Owner         uuid.UUID
	Liquidator    uuid.UUID
	Price         *big.Int // 1e18
	Size          *big.Int // 1e18, absolute
	Margin        *big.Int // margin remaining at liquidation
	PnL           *big.Int // signed
	LiquidatorFee *big.Int
	InsuranceFee  *big.Int
	BadDebt       *big.Int
	Timestamp     int64
}

// History is the append-only liquidation log with owner and market
// indexes for enumeration. Records are never mutated after append.
type History struct {
	records  []*Record
	byMarket map[string][]int
	byOwner  map[uuid.UUID][]int
}

func NewHistory() *History {
	return &History{
		byMarket: make(map[string][]int),
		byOwner:  make(map[uuid.UUID][]int),
	}
}

func (h *History) Append(r *Record) {
	r.Seq = uint64(len(h.records) + 1)
	idx := len(h.records)
	h.records = append(h.records, r)
	h.byMarket[r.MarketID] = append(h.byMarket[r.MarketID], idx)
	h.byOwner[r.Owner] = append(h.byOwner[r.Owner], idx)
}

func (h *History) All() []*Record {
	out := make([]*Record, len(h.records))
	copy(out, h.records)
	return out
}

func (h *History) ByMarket(marketID string) []*Record {
	idxs := h.byMarket[marketID]
	out := make([]*Record, 0, len(idxs))
	for _, i := range idxs {
		out = append(out, h.records[i])
	}
	return out
}

func (h *History) ByOwner(owner uuid.UUID) []*Record {
	idxs := h.byOwner[owner]
	out := make([]*Record, 0, len(idxs))
	for _, i := range idxs {
		out = append(out, h.records[i])
	}
	return out
}

func (h *History) Len() int {
	return len(h.records)
}

package state

import (
	"sort"

	"github.com/google/uuid"
)

// PositionStore owns all position records and the owner/market indexes.
// Token ids are assigned monotonically and never reused.
type PositionStore struct {
	positions map[uint64]*Position
	byOwner   map[uuid.UUID]map[uint64]struct{}
	byMarket  map[string]map[uint64]struct{}
	nextID    uint64
}

func NewPositionStore() *PositionStore {
	return &PositionStore{
		positions: make(map[uint64]*Position),
		byOwner:   make(map[uuid.UUID]map[uint64]struct{}),
		byMarket:  make(map[string]map[uint64]struct{}),
		nextID:    1,
	}
}

// Insert assigns the next token id, stores the position and indexes it.
func (s *PositionStore) Insert(p *Position) uint64 {
	p.TokenID = s.nextID
	s.nextID++

	s.positions[p.TokenID] = p

	if s.byOwner[p.Owner] == nil {
		s.byOwner[p.Owner] = make(map[uint64]struct{})
	}
	s.byOwner[p.Owner][p.TokenID] = struct{}{}

	if s.byMarket[p.MarketID] == nil {
		s.byMarket[p.MarketID] = make(map[uint64]struct{})
	}
	s.byMarket[p.MarketID][p.TokenID] = struct{}{}

	return p.TokenID
}

func (s *PositionStore) Get(tokenID uint64) (*Position, bool) {
	p, ok := s.positions[tokenID]
	return p, ok
}

// Remove deletes the position and all index entries.
func (s *PositionStore) Remove(tokenID uint64) {
	p, ok := s.positions[tokenID]
	if !ok {
		return
	}

	delete(s.positions, tokenID)

	if owned := s.byOwner[p.Owner]; owned != nil {
		delete(owned, tokenID)
		if len(owned) == 0 {
			delete(s.byOwner, p.Owner)
		}
	}
	if inMarket := s.byMarket[p.MarketID]; inMarket != nil {
		delete(inMarket, tokenID)
		if len(inMarket) == 0 {
			delete(s.byMarket, p.MarketID)
		}
	}
}

// ByOwner returns the owner's positions sorted by token id.
func (s *PositionStore) ByOwner(owner uuid.UUID) []*Position {
	return s.collect(s.byOwner[owner])
}

// ByMarket returns the market's positions sorted by token id.
func (s *PositionStore) ByMarket(marketID string) []*Position {
	return s.collect(s.byMarket[marketID])
}

// Count returns the number of open positions.
func (s *PositionStore) Count() int {
	return len(s.positions)
}

func (s *PositionStore) collect(ids map[uint64]struct{}) []*Position {
	out := make([]*Position, 0, len(ids))
	for id := range ids {
		out = append(out, s.positions[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TokenID < out[j].TokenID })
	return out
}

package oracle

import (
	"errors"
	"fmt"
	"math/big"

	"PerpVamm/internal/fpmath"
	"PerpVamm/internal/state"

	"github.com/rs/zerolog"
)

var (
	ErrUnknownMarket   = errors.New("oracle: unknown market")
	ErrNoValidSources  = errors.New("oracle: no valid price sources")
	ErrUnknownSource   = errors.New("oracle: unknown source")
	ErrInsufficientFee = errors.New("oracle: payment below quoted update fee")
	ErrNotPushSource   = errors.New("oracle: source does not accept pushed updates")
	ErrDuplicateSource = errors.New("oracle: source id already registered")
	ErrBadSourceConfig = errors.New("oracle: invalid source configuration")
)

// Oracle aggregates external price sources with the reserve-implied price
// and owns the funding accrual for every market. Per-source failures are
// isolated: a failing or stale source drops out of the median, it never
// fails the read.
type Oracle struct {
	markets *state.MarketStore
	sources map[string][]*Source // market id -> registered sources
	now     func() int64
	log     zerolog.Logger
}

func New(markets *state.MarketStore, now func() int64, log zerolog.Logger) *Oracle {
	return &Oracle{
		markets: markets,
		sources: make(map[string][]*Source),
		now:     now,
		log:     log.With().Str("component", "oracle").Logger(),
	}
}

// AddSource registers a price source for a market. Weight must be positive;
// a push source needs a reader and a feed key, a pull source needs a reader.
func (o *Oracle) AddSource(marketID string, src *Source) error {
	if src.Weight <= 0 || src.MaxStaleness <= 0 {
		return fmt.Errorf("%w: weight and staleness must be positive", ErrBadSourceConfig)
	}
	switch src.Kind {
	case SourcePull:
		if src.Pull == nil {
			return fmt.Errorf("%w: pull source %s has no reader", ErrBadSourceConfig, src.ID)
		}
	case SourcePush:
		if src.Push == nil || src.FeedKey == "" {
			return fmt.Errorf("%w: push source %s needs reader and feed key", ErrBadSourceConfig, src.ID)
		}
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrBadSourceConfig, src.Kind)
	}
	for _, existing := range o.sources[marketID] {
		if existing.ID == src.ID {
			return fmt.Errorf("%w: %s", ErrDuplicateSource, src.ID)
		}
	}
	o.sources[marketID] = append(o.sources[marketID], src)
	return nil
}

// SetSourceActive toggles a source without unregistering it.
func (o *Oracle) SetSourceActive(marketID, sourceID string, active bool) error {
	for _, src := range o.sources[marketID] {
		if src.ID == sourceID {
			src.Active = active
			return nil
		}
	}
	return fmt.Errorf("%w: %s/%s", ErrUnknownSource, marketID, sourceID)
}

// Sources returns the registered sources for a market.
func (o *Oracle) Sources(marketID string) []*Source {
	return o.sources[marketID]
}

// externalSamples reads every active source, expanding each reading by its
// weight. Failing or stale sources are logged and skipped.
func (o *Oracle) externalSamples(marketID string) []*big.Int {
	now := o.now()
	var samples []*big.Int
	for _, src := range o.sources[marketID] {
		if !src.Active {
			continue
		}
		price, err := src.read(marketID, now)
		if err != nil {
			o.log.Warn().Err(err).Str("market", marketID).Str("source", src.ID).Msg("price source skipped")
			continue
		}
		for i := int64(0); i < src.Weight; i++ {
			samples = append(samples, price)
		}
	}
	return samples
}

// MarkPrice is the median of all valid external samples plus the
// reserve-implied price, which is always included. With no external
// sources the mark is the reserve price alone.
func (o *Oracle) MarkPrice(marketID string) (*big.Int, error) {
	m, ok := o.markets.Get(marketID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMarket, marketID)
	}
	samples := o.externalSamples(marketID)
	samples = append(samples, m.VammPrice())
	return fpmath.Median(samples), nil
}

// SpotPrice is the median of external samples only. A market with no
// active sources registered falls back to the mark price so funding
// degrades to a zero premium; when sources are registered but every read
// fails it returns ErrNoValidSources instead, since a silent fallback
// would hide a dead feed.
func (o *Oracle) SpotPrice(marketID string) (*big.Int, error) {
	if _, ok := o.markets.Get(marketID); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMarket, marketID)
	}
	samples := o.externalSamples(marketID)
	if len(samples) == 0 {
		if o.hasActiveSources(marketID) {
			return nil, fmt.Errorf("%w: every source for %s failed", ErrNoValidSources, marketID)
		}
		return o.MarkPrice(marketID)
	}
	return fpmath.Median(samples), nil
}

func (o *Oracle) hasActiveSources(marketID string) bool {
	for _, src := range o.sources[marketID] {
		if src.Active {
			return true
		}
	}
	return false
}

// HasExternalPrice reports whether at least one active source currently
// yields a valid reading. The trade engine uses this to decide whether the
// mark/spot deviation guard applies.
func (o *Oracle) HasExternalPrice(marketID string) bool {
	return len(o.externalSamples(marketID)) > 0
}

// FundingUpdate is the outcome of one accrual step.
type FundingUpdate struct {
	MarketID string
	Rate     *big.Int // signed, 1e18 fraction per interval
	Premium  *big.Int // signed, 1e18 fraction
	Mark     *big.Int
	Spot     *big.Int
	NewIndex *big.Int
	Applied  bool
}

// UpdateFunding accrues one funding interval for a market. It is a no-op
// (Applied=false, no error) when a full interval has not elapsed since the
// last accrual, so repeated calls inside one interval settle nothing twice.
//
//	premium = (mark - spot) * 1e18 / spot
//	rate    = clamp(premium * sensitivity / 1e18, ±maxRate)
//	index  += rate * mark / 1e18
func (o *Oracle) UpdateFunding(marketID string) (*FundingUpdate, error) {
	m, ok := o.markets.Get(marketID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMarket, marketID)
	}
	now := o.now()
	if now-m.LastFundingAt < m.FundingInterval {
		return &FundingUpdate{MarketID: marketID, Applied: false}, nil
	}

	mark, err := o.MarkPrice(marketID)
	if err != nil {
		return nil, err
	}
	spot, err := o.SpotPrice(marketID)
	if err != nil {
		return nil, err
	}
	if spot.Sign() <= 0 {
		return nil, fmt.Errorf("oracle: non-positive spot for %s", marketID)
	}

	premium := fpmath.MulDiv(new(big.Int).Sub(mark, spot), fpmath.PriceScale, spot)
	rate := fpmath.MulDiv(premium, m.FundingSensitivity, fpmath.PriceScale)
	maxRate := m.MaxFundingRate
	rate = fpmath.Clamp(rate, new(big.Int).Neg(maxRate), maxRate)

	delta := fpmath.MulDiv(rate, mark, fpmath.PriceScale)
	m.CumFundingIndex = new(big.Int).Add(m.CumFundingIndex, delta)
	m.LastFundingRate = new(big.Int).Set(rate)
	m.LastFundingAt = now

	o.log.Info().
		Str("market", marketID).
		Str("rate", rate.String()).
		Str("mark", mark.String()).
		Str("spot", spot.String()).
		Str("index", m.CumFundingIndex.String()).
		Msg("funding accrued")

	return &FundingUpdate{
		MarketID: marketID,
		Rate:     rate,
		Premium:  premium,
		Mark:     mark,
		Spot:     spot,
		NewIndex: new(big.Int).Set(m.CumFundingIndex),
		Applied:  true,
	}, nil
}

// SubmitPushUpdate forwards signed update data to a push source, charging
// the quoted fee out of the supplied payment. The unconsumed remainder is
// returned for the caller to refund. Payment may be nil for a zero offer.
func (o *Oracle) SubmitPushUpdate(marketID, sourceID string, updateData [][]byte, payment *big.Int) (refund *big.Int, err error) {
	var src *Source
	for _, s := range o.sources[marketID] {
		if s.ID == sourceID {
			src = s
			break
		}
	}
	if src == nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownSource, marketID, sourceID)
	}
	if src.Kind != SourcePush || src.Push == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotPushSource, sourceID)
	}

	if payment == nil {
		payment = big.NewInt(0)
	}
	fee := src.Push.QuoteUpdateFee(updateData)
	if payment.Cmp(fee) < 0 {
		return nil, fmt.Errorf("%w: fee=%s paid=%s", ErrInsufficientFee, fee, payment)
	}
	if err := src.Push.UpdatePriceFeeds(updateData, fee); err != nil {
		return nil, fmt.Errorf("oracle: push update rejected by %s: %w", sourceID, err)
	}
	return new(big.Int).Sub(payment, fee), nil
}

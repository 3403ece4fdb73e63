package oracle

import (
	"fmt"
	"math/big"
)

// SourceKind discriminates the two price-source shapes: pull sources are
// queried directly, push sources serve the latest posted update for a feed
// key and charge a fee to accept new updates.
type SourceKind int32

const (
	SourcePull SourceKind = iota
	SourcePush
)

func (k SourceKind) String() string {
	if k == SourcePush {
		return "push"
	}
	return "pull"
}

// PullReader is a directly queryable price feed.
// Price is at 1e18 scale; updatedAt is unix seconds.
type PullReader interface {
	GetPrice(asset string) (price *big.Int, updatedAt int64, err error)
}

// PushReader is a push-oracle adapter. Prices carry an exponent
// (typically negative); updates must be paid for at the quoted cost.
type PushReader interface {
	GetPriceNoOlderThan(feedKey string, maxAge int64) (price *big.Int, expo int32, publishTime int64, err error)
	QuoteUpdateFee(updateData [][]byte) *big.Int
	UpdatePriceFeeds(updateData [][]byte, payment *big.Int) error
}

// Source is one governance-registered price input for a market.
// Weight repeats the sample in the median; staleness is per source.
type Source struct {
	ID           string
	Kind         SourceKind
	Weight       int64
	MaxStaleness int64 // seconds
	FeedKey      string
	Active       bool

	Pull PullReader
	Push PushReader
}

// read fetches a normalized 1e18 price from the source, or an error when
// the source fails or the reading is older than its staleness window.
func (s *Source) read(asset string, now int64) (*big.Int, error) {
	switch s.Kind {
	case SourcePull:
		price, updatedAt, err := s.Pull.GetPrice(asset)
		if err != nil {
			return nil, err
		}
		if now-updatedAt > s.MaxStaleness {
			return nil, fmt.Errorf("source %s stale: age=%ds max=%ds", s.ID, now-updatedAt, s.MaxStaleness)
		}
		if price.Sign() <= 0 {
			return nil, fmt.Errorf("source %s returned non-positive price", s.ID)
		}
		return price, nil

	case SourcePush:
		price, expo, publishTime, err := s.Push.GetPriceNoOlderThan(s.FeedKey, s.MaxStaleness)
		if err != nil {
			return nil, err
		}
		if now-publishTime > s.MaxStaleness {
			return nil, fmt.Errorf("source %s stale: age=%ds max=%ds", s.ID, now-publishTime, s.MaxStaleness)
		}
		return normalizePushPrice(price, expo)

	default:
		return nil, fmt.Errorf("source %s has unknown kind %d", s.ID, s.Kind)
	}
}

// normalizePushPrice rescales a (price, expo) pair to 1e18.
// A feed publishing 2000_00000000 with expo -8 normalizes to 2000e18.
func normalizePushPrice(price *big.Int, expo int32) (*big.Int, error) {
	if price.Sign() <= 0 {
		return nil, fmt.Errorf("push price non-positive")
	}
	shift := int64(18) + int64(expo)
	if shift < 0 {
		return nil, fmt.Errorf("push exponent %d below representable range", expo)
	}
	mult := new(big.Int).Exp(big.NewInt(10), big.NewInt(shift), nil)
	return new(big.Int).Mul(price, mult), nil
}

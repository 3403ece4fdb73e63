package vamm_test

import (
	"errors"
	"math/big"
	"testing"

	"PerpVamm/internal/state"
	"PerpVamm/internal/vamm"

	"github.com/rs/zerolog"
)

func e18(units int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(units), big.NewInt(1_000_000_000_000_000_000))
}

func mustBig(t *testing.T, s string) *big.Int {
	t.Helper()
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		t.Fatalf("bad big literal %q", s)
	}
	return v
}

type stubFeed struct {
	mark     *big.Int
	spot     *big.Int
	external bool
}

func (f *stubFeed) MarkPrice(string) (*big.Int, error)  { return f.mark, nil }
func (f *stubFeed) SpotPrice(string) (*big.Int, error)  { return f.spot, nil }
func (f *stubFeed) HasExternalPrice(string) bool        { return f.external }

func defaultConfig() vamm.MarketConfig {
	return vamm.MarketConfig{
		InitialPrice:       e18(2000),
		QuoteDepth:         e18(1_000_000),
		FundingInterval:    3600,
		MaxFundingRate:     big.NewInt(10_000_000_000_000_000),
		FundingSensitivity: big.NewInt(500_000_000_000_000_000),
		OICap:              e18(500_000),
		BaseFeeBps:         10,
		MaxFeeBps:          100,
		MaxDeviationBps:    500,
	}
}

func newEngine(t *testing.T, feed vamm.PriceFeed) (*vamm.Engine, *state.MarketStore) {
	t.Helper()
	store := state.NewMarketStore()
	now := int64(1_000_000)
	return vamm.NewEngine(store, feed, func() int64 { return now }, zerolog.Nop()), store
}

func TestInitMarket_SizesReservesFromPriceAndDepth(t *testing.T) {
	e, store := newEngine(t, &stubFeed{})

	m, err := e.InitMarket("ETH-USD", defaultConfig())
	if err != nil {
		t.Fatalf("InitMarket: %v", err)
	}
	// depth 1,000,000 quote at price 2000 implies 500 base.
	if m.BaseReserve.Cmp(e18(500)) != 0 {
		t.Errorf("base reserve: got %s, want %s", m.BaseReserve, e18(500))
	}
	if m.QuoteReserve.Cmp(e18(1_000_000)) != 0 {
		t.Errorf("quote reserve: got %s, want %s", m.QuoteReserve, e18(1_000_000))
	}
	if m.VammPrice().Cmp(e18(2000)) != 0 {
		t.Errorf("implied price: got %s, want %s", m.VammPrice(), e18(2000))
	}
	if m.K.Cmp(new(big.Int).Mul(e18(500), e18(1_000_000))) != 0 {
		t.Errorf("k: got %s", m.K)
	}
	if _, ok := store.Get("ETH-USD"); !ok {
		t.Error("market not stored")
	}

	if _, err := e.InitMarket("ETH-USD", defaultConfig()); !errors.Is(err, vamm.ErrMarketExists) {
		t.Errorf("re-init: want ErrMarketExists, got %v", err)
	}
}

func TestExecuteOpen_LongMovesReservesAlongConstantProduct(t *testing.T) {
	e, store := newEngine(t, &stubFeed{})
	if _, err := e.InitMarket("ETH-USD", defaultConfig()); err != nil {
		t.Fatalf("InitMarket: %v", err)
	}

	// vBase=500, vQuote=1,000,000; a 100,000 quote long moves vQuote to
	// 1,100,000 and vBase to k/1,100,000 ~= 454.545; out ~= 45.455 base.
	trade, err := e.ExecuteOpen("ETH-USD", true, e18(100_000), 1_500)
	if err != nil {
		t.Fatalf("ExecuteOpen: %v", err)
	}

	m, _ := store.Get("ETH-USD")
	if m.QuoteReserve.Cmp(e18(1_100_000)) != 0 {
		t.Errorf("quote reserve: got %s, want %s", m.QuoteReserve, e18(1_100_000))
	}
	wantBase := mustBig(t, "454545454545454545454") // 454.545454...e18
	if m.BaseReserve.Cmp(wantBase) != 0 {
		t.Errorf("base reserve: got %s, want %s", m.BaseReserve, wantBase)
	}
	wantOut := mustBig(t, "45454545454545454546") // 45.4545...e18
	if trade.BaseOut.Cmp(wantOut) != 0 {
		t.Errorf("base out: got %s, want %s", trade.BaseOut, wantOut)
	}
	if m.LongOI.Cmp(e18(100_000)) != 0 {
		t.Errorf("long OI: got %s", m.LongOI)
	}

	// exec price just under 2200 because of truncation in the swap.
	if trade.ExecPrice.Cmp(e18(2200)) > 0 || trade.ExecPrice.Cmp(e18(2199)) < 0 {
		t.Errorf("exec price out of range: %s", trade.ExecPrice)
	}

	// Product never exceeds k after truncation.
	prod := new(big.Int).Mul(m.BaseReserve, m.QuoteReserve)
	if prod.Cmp(m.K) > 0 {
		t.Errorf("reserve product %s exceeds k %s", prod, m.K)
	}
}

func TestExecuteOpen_ShortMovesQuoteDown(t *testing.T) {
	e, store := newEngine(t, &stubFeed{})
	e.InitMarket("ETH-USD", defaultConfig())

	trade, err := e.ExecuteOpen("ETH-USD", false, e18(100_000), 1_500)
	if err != nil {
		t.Fatalf("ExecuteOpen short: %v", err)
	}
	m, _ := store.Get("ETH-USD")
	if m.QuoteReserve.Cmp(e18(900_000)) != 0 {
		t.Errorf("quote reserve: got %s, want %s", m.QuoteReserve, e18(900_000))
	}
	if m.BaseReserve.Cmp(e18(500)) <= 0 {
		t.Error("base reserve should rise on a short")
	}
	if m.ShortOI.Cmp(e18(100_000)) != 0 {
		t.Errorf("short OI: got %s", m.ShortOI)
	}
	// Shorts execute below the pre-trade mid.
	if trade.ExecPrice.Cmp(e18(2000)) >= 0 {
		t.Errorf("short exec price should be below mid, got %s", trade.ExecPrice)
	}
}

func TestExecuteOpen_Rejections(t *testing.T) {
	feed := &stubFeed{mark: e18(2000), spot: e18(2000)}
	e, store := newEngine(t, feed)
	e.InitMarket("ETH-USD", defaultConfig())

	if _, err := e.ExecuteOpen("NOPE", true, e18(1), 0); !errors.Is(err, vamm.ErrMarketNotFound) {
		t.Errorf("unknown market: got %v", err)
	}
	if _, err := e.ExecuteOpen("ETH-USD", true, big.NewInt(0), 0); !errors.Is(err, vamm.ErrBadAmount) {
		t.Errorf("zero amount: got %v", err)
	}

	// Tight slippage tolerance on a large trade.
	if _, err := e.ExecuteOpen("ETH-USD", true, e18(100_000), 10); !errors.Is(err, vamm.ErrSlippageExceeded) {
		t.Errorf("slippage: got %v", err)
	}

	// Over the per-side OI cap.
	if _, err := e.ExecuteOpen("ETH-USD", true, e18(500_001), 0); !errors.Is(err, vamm.ErrOICapExceeded) {
		t.Errorf("oi cap: got %v", err)
	}

	// Deviation guard only fires when external sources exist.
	feed.external = true
	feed.mark = e18(2200) // 10% off spot, limit 5%
	if _, err := e.ExecuteOpen("ETH-USD", true, e18(1_000), 0); !errors.Is(err, vamm.ErrPriceDeviation) {
		t.Errorf("deviation: got %v", err)
	}
	feed.external = false
	if _, err := e.ExecuteOpen("ETH-USD", true, e18(1_000), 0); err != nil {
		t.Errorf("no external sources should skip the deviation guard: %v", err)
	}

	// Inactive market rejects everything.
	e.DeactivateMarket("ETH-USD")
	if _, err := e.ExecuteOpen("ETH-USD", true, e18(1_000), 0); !errors.Is(err, vamm.ErrMarketInactive) {
		t.Errorf("inactive: got %v", err)
	}
	m, _ := store.Get("ETH-USD")
	if m.Status != state.MarketInactive {
		t.Error("status not inactive")
	}
}

func TestExecuteClose_ReversesOpenWithinDust(t *testing.T) {
	e, store := newEngine(t, &stubFeed{})
	e.InitMarket("ETH-USD", defaultConfig())

	open, err := e.ExecuteOpen("ETH-USD", true, e18(100_000), 1_500)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	closeTrade, err := e.ExecuteClose("ETH-USD", true, open.BaseOut, 1_500)
	if err != nil {
		t.Fatalf("close: %v", err)
	}

	// Selling the same base back returns the quote leg minus rounding dust.
	diff := new(big.Int).Sub(e18(100_000), closeTrade.QuoteIn)
	if diff.Sign() < 0 || diff.Cmp(big.NewInt(1_000)) > 0 {
		t.Errorf("round trip quote leg off by %s", diff)
	}

	m, _ := store.Get("ETH-USD")
	diff = new(big.Int).Sub(e18(1_000_000), m.QuoteReserve)
	if diff.Sign() < 0 || diff.Cmp(big.NewInt(1_000)) > 0 {
		t.Errorf("quote reserve did not return to start: %s", m.QuoteReserve)
	}

	if err := e.ReleaseOpenInterest("ETH-USD", true, e18(100_000)); err != nil {
		t.Fatalf("release OI: %v", err)
	}
	if m.LongOI.Sign() != 0 {
		t.Errorf("long OI after release: %s", m.LongOI)
	}
}

func TestExecuteClose_Rejections(t *testing.T) {
	feed := &stubFeed{mark: e18(2000), spot: e18(2000)}
	e, store := newEngine(t, feed)
	e.InitMarket("ETH-USD", defaultConfig())

	open, err := e.ExecuteOpen("ETH-USD", true, e18(100_000), 1_500)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	// Closes move the reserves too, so a drifted mark blocks them.
	feed.external = true
	feed.mark = e18(2200) // 10% off spot, limit 5%
	if _, err := e.ExecuteClose("ETH-USD", true, open.BaseOut, 1_500); !errors.Is(err, vamm.ErrPriceDeviation) {
		t.Errorf("deviation on close: got %v", err)
	}
	feed.external = false

	// A deactivated market rejects closes the same as opens.
	e.DeactivateMarket("ETH-USD")
	if _, err := e.ExecuteClose("ETH-USD", true, open.BaseOut, 1_500); !errors.Is(err, vamm.ErrMarketInactive) {
		t.Errorf("close on inactive market: got %v", err)
	}

	// Both rejections left the reserves where the open put them.
	m, _ := store.Get("ETH-USD")
	if m.QuoteReserve.Cmp(e18(1_100_000)) != 0 {
		t.Errorf("quote reserve moved on rejected close: %s", m.QuoteReserve)
	}
}

func TestReleaseOpenInterest_FloorsAtZero(t *testing.T) {
	e, store := newEngine(t, &stubFeed{})
	e.InitMarket("ETH-USD", defaultConfig())
	e.ExecuteOpen("ETH-USD", false, e18(10), 0)

	if err := e.ReleaseOpenInterest("ETH-USD", false, e18(11)); err != nil {
		t.Fatalf("release: %v", err)
	}
	m, _ := store.Get("ETH-USD")
	if m.ShortOI.Sign() != 0 {
		t.Errorf("short OI should floor at zero, got %s", m.ShortOI)
	}
}

func TestFeeBps_FundingAdjustment(t *testing.T) {
	e, store := newEngine(t, &stubFeed{})
	e.InitMarket("ETH-USD", defaultConfig())
	m, _ := store.Get("ETH-USD")

	// No funding yet: both sides pay the base rate.
	for _, buy := range []bool{true, false} {
		fee, err := e.FeeBps("ETH-USD", buy)
		if err != nil || fee != 10 {
			t.Errorf("flat fee buy=%v: got %d err=%v", buy, fee, err)
		}
	}

	// Positive funding of 0.003 (30bps): buyers pay 40, sellers pay 0
	// because the 10bps base minus 30bps rebate clamps at zero.
	m.LastFundingRate = big.NewInt(3_000_000_000_000_000)
	if fee, _ := e.FeeBps("ETH-USD", true); fee != 40 {
		t.Errorf("buyer fee: got %d, want 40", fee)
	}
	if fee, _ := e.FeeBps("ETH-USD", false); fee != 0 {
		t.Errorf("seller fee: got %d, want 0", fee)
	}

	// Huge funding clamps at the max fee.
	m.LastFundingRate = big.NewInt(900_000_000_000_000_000)
	if fee, _ := e.FeeBps("ETH-USD", true); fee != 100 {
		t.Errorf("clamped fee: got %d, want 100", fee)
	}
}

func TestScaleVirtualLiquidity_PreservesPrice(t *testing.T) {
	e, store := newEngine(t, &stubFeed{})
	e.InitMarket("ETH-USD", defaultConfig())
	m, _ := store.Get("ETH-USD")
	before := m.VammPrice()

	if err := e.ScaleVirtualLiquidity("ETH-USD", 20_000); err != nil {
		t.Fatalf("scale: %v", err)
	}
	if m.VammPrice().Cmp(before) != 0 {
		t.Errorf("price changed: %s -> %s", before, m.VammPrice())
	}
	if m.BaseReserve.Cmp(e18(1000)) != 0 || m.QuoteReserve.Cmp(e18(2_000_000)) != 0 {
		t.Errorf("reserves not doubled: base=%s quote=%s", m.BaseReserve, m.QuoteReserve)
	}
	if m.K.Cmp(new(big.Int).Mul(m.BaseReserve, m.QuoteReserve)) != 0 {
		t.Error("k not re-fixed after rebalance")
	}

	if err := e.ScaleVirtualLiquidity("ETH-USD", 100_000); !errors.Is(err, vamm.ErrLiquidityBounds) {
		t.Errorf("out-of-bounds scale: got %v", err)
	}
}

func TestInitMarket_ConfigValidation(t *testing.T) {
	e, _ := newEngine(t, &stubFeed{})

	bad := defaultConfig()
	bad.InitialPrice = big.NewInt(0)
	if _, err := e.InitMarket("A", bad); !errors.Is(err, vamm.ErrBadConfig) {
		t.Errorf("zero price: got %v", err)
	}

	bad = defaultConfig()
	bad.MaxFeeBps = 5 // below base fee
	if _, err := e.InitMarket("B", bad); !errors.Is(err, vamm.ErrBadConfig) {
		t.Errorf("fee range: got %v", err)
	}

	bad = defaultConfig()
	bad.OICap = big.NewInt(0)
	if _, err := e.InitMarket("C", bad); !errors.Is(err, vamm.ErrBadConfig) {
		t.Errorf("zero cap: got %v", err)
	}
}

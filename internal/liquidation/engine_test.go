package liquidation_test

import (
	"errors"
	"math/big"
	"testing"

	"PerpVamm/internal/ledger"
	"PerpVamm/internal/lifecycle"
	"PerpVamm/internal/liquidation"
	"PerpVamm/internal/state"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func e18(units int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(units), big.NewInt(1_000_000_000_000_000_000))
}

func e6(units int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(units), big.NewInt(1_000_000))
}

type stubMark struct {
	price *big.Int
}

func (s *stubMark) MarkPrice(string) (*big.Int, error) {
	return new(big.Int).Set(s.price), nil
}

type releaseCall struct {
	marketID string
	long     bool
	notional *big.Int
}

type stubReleaser struct {
	calls []releaseCall
}

func (s *stubReleaser) ReleaseOpenInterest(marketID string, long bool, n *big.Int) error {
	s.calls = append(s.calls, releaseCall{marketID, long, new(big.Int).Set(n)})
	return nil
}

type fixture struct {
	eng       *liquidation.Engine
	mgr       *lifecycle.Manager
	mark      *stubMark
	book      *ledger.BalanceBook
	insurance *ledger.InsuranceFund
	releaser  *stubReleaser
	history   *liquidation.History
	positions *state.PositionStore
	mkt       *state.Market
}

func newFixture(t *testing.T, cfg *state.LiquidationConfig) *fixture {
	t.Helper()
	markets := state.NewMarketStore()
	mkt := &state.Market{
		ID:              "ETH-USD",
		BaseReserve:     e18(500),
		QuoteReserve:    e18(1_000_000),
		K:               new(big.Int).Mul(e18(500), e18(1_000_000)),
		CumFundingIndex: big.NewInt(0),
		LastFundingRate: big.NewInt(0),
		FundingInterval: 3600,
		LongOI:          big.NewInt(0),
		ShortOI:         big.NewInt(0),
		OICap:           e18(1_000_000),
		Status:          state.MarketActive,
	}
	markets.Put(mkt)

	configs := state.NewLiquidationConfigStore()
	if cfg != nil {
		if err := configs.Set(cfg); err != nil {
			t.Fatalf("config: %v", err)
		}
	}

	book := ledger.NewBalanceBook()
	certs := ledger.NewCertificateBook()
	positions := state.NewPositionStore()
	mgr, err := lifecycle.NewManager(markets, positions, book, certs,
		lifecycle.RiskParams{MinMargin: e6(10), MaxLeverage: 10},
		func() int64 { return 1_000_000 }, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	mark := &stubMark{price: e18(2000)}
	insurance := ledger.NewInsuranceFund(book)
	releaser := &stubReleaser{}
	history := liquidation.NewHistory()
	eng := liquidation.NewEngine(markets, positions, configs, mark, mgr, book, insurance, releaser, history,
		liquidation.Params{DustNotional: e6(10)},
		func() int64 { return 1_000_000 }, zerolog.Nop())

	return &fixture{
		eng: eng, mgr: mgr, mark: mark, book: book, insurance: insurance,
		releaser: releaser, history: history, positions: positions, mkt: mkt,
	}
}

func defaultCfg() *state.LiquidationConfig {
	return &state.LiquidationConfig{
		MarketID:            "ETH-USD",
		MaintenanceRatioBps: 500,
		LiquidatorFeeBps:    50,
		InsuranceFeeBps:     25,
		Active:              true,
	}
}

func (f *fixture) openPosition(t *testing.T, size, entry, margin *big.Int) *state.Position {
	t.Helper()
	trader := uuid.New()
	if err := f.book.DepositFor(trader, margin); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	pos, err := f.mgr.Open(trader, "ETH-USD", size, entry, margin)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return pos
}

func TestIsLiquidatable_MaintenanceThreshold(t *testing.T) {
	f := newFixture(t, defaultCfg())
	// margin 100, size 1 base, entry 2000, maintenance 500bps.
	pos := f.openPosition(t, e18(1), e18(2000), e6(100))

	// At entry: effective margin 100 equals the requirement exactly; the
	// threshold itself is still healthy.
	ok, err := f.eng.IsLiquidatable(pos.TokenID)
	if err != nil {
		t.Fatalf("IsLiquidatable: %v", err)
	}
	if ok {
		t.Error("position at exactly the threshold should not be liquidatable")
	}

	// Price drops: effective margin 50 < requirement 97.5.
	f.mark.price = e18(1950)
	ok, err = f.eng.IsLiquidatable(pos.TokenID)
	if err != nil {
		t.Fatalf("IsLiquidatable: %v", err)
	}
	if !ok {
		t.Error("underwater position should be liquidatable")
	}
}

func TestHealthFactor_MonotonicInPrice(t *testing.T) {
	f := newFixture(t, defaultCfg())
	pos := f.openPosition(t, e18(1), e18(2000), e6(100))

	var prev *big.Int
	for _, price := range []int64{2100, 2000, 1980, 1950, 1920} {
		f.mark.price = e18(price)
		h, err := f.eng.HealthFactor(pos.TokenID)
		if err != nil {
			t.Fatalf("HealthFactor at %d: %v", price, err)
		}
		if prev != nil && h.Cmp(prev) >= 0 {
			t.Errorf("health did not fall as price moved against the long: %s -> %s at %d", prev, h, price)
		}
		prev = h
	}

	// Wiped out: non-positive effective margin reads as zero health.
	f.mark.price = e18(1000)
	h, err := f.eng.HealthFactor(pos.TokenID)
	if err != nil {
		t.Fatalf("HealthFactor: %v", err)
	}
	if h.Sign() != 0 {
		t.Errorf("health of a wiped position: got %s, want 0", h)
	}
}

func TestLiquidate_FeeSplit(t *testing.T) {
	cfg := defaultCfg()
	cfg.MaintenanceRatioBps = 1500 // 110 margin vs 150 requirement: unhealthy at entry
	f := newFixture(t, cfg)

	// 0.5 base at 2000 is a 1000-unit notional.
	pos := f.openPosition(t, big.NewInt(500_000_000_000_000_000), e18(2000), e6(110))
	owner := pos.Owner
	liquidator := uuid.New()

	rec, err := f.eng.Liquidate(liquidator, pos.TokenID)
	if err != nil {
		t.Fatalf("Liquidate: %v", err)
	}

	// 50bps of 1000 to the liquidator, 25bps to the insurance fund.
	if f.book.TotalBalance(liquidator).Cmp(e6(5)) != 0 {
		t.Errorf("liquidator fee: got %s, want 5e6", f.book.TotalBalance(liquidator))
	}
	if f.insurance.Balance().Cmp(big.NewInt(2_500_000)) != 0 {
		t.Errorf("insurance fee: got %s, want 2.5e6", f.insurance.Balance())
	}
	// Owner keeps the rest of the released margin.
	wantOwner := new(big.Int).Sub(e6(110), big.NewInt(7_500_000))
	if f.book.TotalBalance(owner).Cmp(wantOwner) != 0 {
		t.Errorf("owner remainder: got %s, want %s", f.book.TotalBalance(owner), wantOwner)
	}

	if rec.LiquidatorFee.Cmp(e6(5)) != 0 || rec.InsuranceFee.Cmp(big.NewInt(2_500_000)) != 0 {
		t.Errorf("record fees: liq=%s ins=%s", rec.LiquidatorFee, rec.InsuranceFee)
	}
	if rec.BadDebt.Sign() != 0 {
		t.Errorf("unexpected bad debt: %s", rec.BadDebt)
	}

	// Position is gone, OI released, history appended.
	if _, ok := f.positions.Get(pos.TokenID); ok {
		t.Error("position survived liquidation")
	}
	if len(f.releaser.calls) != 1 || !f.releaser.calls[0].long {
		t.Errorf("open interest release calls: %+v", f.releaser.calls)
	}
	if f.history.Len() != 1 {
		t.Errorf("history length: got %d", f.history.Len())
	}
	if got := f.history.ByOwner(owner); len(got) != 1 || got[0].TokenID != pos.TokenID {
		t.Error("history not indexed by owner")
	}
}

func TestLiquidate_InsuranceCoversLiquidatorShortfall(t *testing.T) {
	cfg := defaultCfg()
	f := newFixture(t, cfg)
	f.insurance.CollectFee(e6(10))

	pos := f.openPosition(t, big.NewInt(500_000_000_000_000_000), e18(2000), e6(110))
	owner := pos.Owner
	liquidator := uuid.New()

	// Crash: 250 loss against a 110 balance. The close wipes the owner,
	// leaving nothing for fees.
	f.mark.price = e18(1500)
	rec, err := f.eng.Liquidate(liquidator, pos.TokenID)
	if err != nil {
		t.Fatalf("Liquidate: %v", err)
	}

	if rec.BadDebt.Cmp(e6(140)) != 0 {
		t.Errorf("bad debt: got %s, want 140e6", rec.BadDebt)
	}
	if f.book.TotalBalance(owner).Sign() != 0 {
		t.Errorf("owner should be drained, has %s", f.book.TotalBalance(owner))
	}
	// Liquidator fee is 50bps of the 750-unit notional, paid by the fund.
	wantFee := big.NewInt(3_750_000)
	if f.book.TotalBalance(liquidator).Cmp(wantFee) != 0 {
		t.Errorf("liquidator: got %s, want %s", f.book.TotalBalance(liquidator), wantFee)
	}
	wantFund := new(big.Int).Sub(e6(10), wantFee)
	if f.insurance.Balance().Cmp(wantFund) != 0 {
		t.Errorf("fund balance: got %s, want %s", f.insurance.Balance(), wantFund)
	}
}

func TestLiquidate_RejectsHealthyAndDust(t *testing.T) {
	f := newFixture(t, defaultCfg())
	liquidator := uuid.New()

	healthy := f.openPosition(t, e18(1), e18(2000), e6(500))
	if _, err := f.eng.Liquidate(liquidator, healthy.TokenID); !errors.Is(err, liquidation.ErrNotLiquidatable) {
		t.Errorf("healthy position: got %v", err)
	}
	if _, err := f.eng.Liquidate(liquidator, 999); !errors.Is(err, liquidation.ErrPositionNotFound) {
		t.Errorf("missing position: got %v", err)
	}

	// A liquidatable position under the dust floor is rejected, not closed.
	dust := f.openPosition(t, big.NewInt(1_000_000_000_000_000), e18(2000), e6(10)) // 0.001 base, 2-unit notional
	dust.Margin = big.NewInt(100)                                                  // force it underwater
	if _, err := f.eng.Liquidate(liquidator, dust.TokenID); !errors.Is(err, liquidation.ErrDustPosition) {
		t.Errorf("dust position: got %v", err)
	}
	if _, ok := f.positions.Get(dust.TokenID); !ok {
		t.Error("dust rejection must not close the position")
	}
}

func TestLiquidateBatch_IsolatesFailures(t *testing.T) {
	cfg := defaultCfg()
	cfg.MaintenanceRatioBps = 1500
	f := newFixture(t, cfg)
	liquidator := uuid.New()

	// Two unhealthy at entry (110 margin vs 150 requirement), one healthy.
	a := f.openPosition(t, big.NewInt(500_000_000_000_000_000), e18(2000), e6(110))
	b := f.openPosition(t, big.NewInt(500_000_000_000_000_000), e18(2000), e6(110))
	healthy := f.openPosition(t, big.NewInt(500_000_000_000_000_000), e18(2000), e6(400))

	report, err := f.eng.LiquidateBatch(liquidator, []uint64{a.TokenID, healthy.TokenID, b.TokenID})
	if err != nil {
		t.Fatalf("LiquidateBatch: %v", err)
	}
	if report.Succeeded != 2 {
		t.Errorf("succeeded: got %d, want 2", report.Succeeded)
	}
	if report.Items[1].Err == nil || !errors.Is(report.Items[1].Err, liquidation.ErrNotLiquidatable) {
		t.Errorf("healthy entry should be skipped, got %v", report.Items[1].Err)
	}
	if _, ok := f.positions.Get(healthy.TokenID); !ok {
		t.Error("healthy position must survive the batch")
	}
	if f.history.Len() != 2 {
		t.Errorf("history: got %d records, want 2", f.history.Len())
	}

	// All entries failing surfaces an error.
	if _, err := f.eng.LiquidateBatch(liquidator, []uint64{healthy.TokenID, 12345}); !errors.Is(err, liquidation.ErrBatchAllFailed) {
		t.Errorf("all-failed batch: got %v", err)
	}
}

func TestLiquidate_ConfigGates(t *testing.T) {
	f := newFixture(t, nil)
	pos := f.openPosition(t, e18(1), e18(2000), e6(100))
	if _, err := f.eng.IsLiquidatable(pos.TokenID); !errors.Is(err, liquidation.ErrConfigMissing) {
		t.Errorf("missing config: got %v", err)
	}

	cfg := defaultCfg()
	cfg.Active = false
	f2 := newFixture(t, cfg)
	pos2 := f2.openPosition(t, e18(1), e18(2000), e6(100))
	if _, err := f2.eng.IsLiquidatable(pos2.TokenID); !errors.Is(err, liquidation.ErrConfigInactive) {
		t.Errorf("inactive config: got %v", err)
	}
}

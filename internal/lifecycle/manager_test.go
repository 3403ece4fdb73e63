package lifecycle_test

import (
	"errors"
	"math/big"
	"testing"

	"PerpVamm/internal/ledger"
	"PerpVamm/internal/lifecycle"
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

type fixture struct {
	mgr   *lifecycle.Manager
	mkt   *state.Market
	book  *ledger.BalanceBook
	certs *ledger.CertificateBook
	store *state.PositionStore
}

func newFixture(t *testing.T) *fixture {
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

	book := ledger.NewBalanceBook()
	certs := ledger.NewCertificateBook()
	store := state.NewPositionStore()
	mgr, err := lifecycle.NewManager(markets, store, book, certs,
		lifecycle.RiskParams{MinMargin: e6(10), MaxLeverage: 10},
		func() int64 { return 1_000_000 }, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return &fixture{mgr: mgr, mkt: mkt, book: book, certs: certs, store: store}
}

func (f *fixture) fundedTrader(t *testing.T, amount *big.Int) uuid.UUID {
	t.Helper()
	trader := uuid.New()
	if err := f.book.DepositFor(trader, amount); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	return trader
}

func TestOpen_LocksMarginAndMintsCertificate(t *testing.T) {
	f := newFixture(t)
	trader := f.fundedTrader(t, e6(1000))

	pos, err := f.mgr.Open(trader, "ETH-USD", e18(1), e18(2000), e6(300))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if pos.TokenID == 0 {
		t.Error("token id not assigned")
	}
	if f.book.LockedBalance(trader).Cmp(e6(300)) != 0 {
		t.Errorf("locked: got %s, want %s", f.book.LockedBalance(trader), e6(300))
	}
	if owner, ok := f.certs.OwnerOf(pos.TokenID); !ok || owner != trader {
		t.Error("certificate not minted to owner")
	}
	if got := f.store.ByOwner(trader); len(got) != 1 || got[0].TokenID != pos.TokenID {
		t.Error("position not indexed by owner")
	}
}

func TestOpen_Validations(t *testing.T) {
	f := newFixture(t)
	trader := f.fundedTrader(t, e6(1000))

	cases := []struct {
		name    string
		size    *big.Int
		price   *big.Int
		margin  *big.Int
		wantErr error
	}{
		{"zero size", big.NewInt(0), e18(2000), e6(300), lifecycle.ErrZeroSize},
		{"zero price", e18(1), big.NewInt(0), e6(300), lifecycle.ErrZeroPrice},
		{"below floor", e18(1), e18(2000), e6(9), lifecycle.ErrMarginBelowFloor},
		{"over leverage", e18(1), e18(2000), e6(150), lifecycle.ErrLeverageExceeded},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.mgr.Open(trader, "ETH-USD", tc.size, tc.price, tc.margin)
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("got %v, want %v", err, tc.wantErr)
			}
		})
	}

	// Failed opens leave the ledger untouched.
	if f.book.LockedBalance(trader).Sign() != 0 {
		t.Error("rejected open locked margin")
	}
	if _, err := f.mgr.Open(trader, "NOPE", e18(1), e18(2000), e6(300)); !errors.Is(err, lifecycle.ErrMarketNotFound) {
		t.Errorf("unknown market: got %v", err)
	}
}

func TestClose_RoundTripAtSamePriceLeaksNothing(t *testing.T) {
	f := newFixture(t)
	trader := f.fundedTrader(t, e6(1000))

	pos, err := f.mgr.Open(trader, "ETH-USD", e18(1), e18(2000), e6(300))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	res, err := f.mgr.Close(trader, pos.TokenID, e18(2000))
	if err != nil {
		t.Fatalf("Close: %v", err)
	}

	if res.PnL.Sign() != 0 {
		t.Errorf("pnl: got %s, want 0", res.PnL)
	}
	if f.book.TotalBalance(trader).Cmp(e6(1000)) != 0 {
		t.Errorf("balance after round trip: got %s, want %s", f.book.TotalBalance(trader), e6(1000))
	}
	if f.book.LockedBalance(trader).Sign() != 0 {
		t.Error("margin still locked after close")
	}
	if _, ok := f.store.Get(pos.TokenID); ok {
		t.Error("position still stored")
	}
	if _, ok := f.certs.OwnerOf(pos.TokenID); ok {
		t.Error("certificate still live")
	}
}

func TestClose_ProfitAndLoss(t *testing.T) {
	f := newFixture(t)
	trader := f.fundedTrader(t, e6(1000))

	pos, _ := f.mgr.Open(trader, "ETH-USD", e18(1), e18(2000), e6(300))
	res, err := f.mgr.Close(trader, pos.TokenID, e18(2100))
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if res.PnL.Cmp(e6(100)) != 0 {
		t.Errorf("profit: got %s, want %s", res.PnL, e6(100))
	}
	if f.book.TotalBalance(trader).Cmp(e6(1100)) != 0 {
		t.Errorf("balance: got %s", f.book.TotalBalance(trader))
	}

	// Short loses when price rises.
	pos, _ = f.mgr.Open(trader, "ETH-USD", new(big.Int).Neg(e18(1)), e18(2000), e6(300))
	res, err = f.mgr.Close(trader, pos.TokenID, e18(2100))
	if err != nil {
		t.Fatalf("Close short: %v", err)
	}
	if res.PnL.Cmp(new(big.Int).Neg(e6(100))) != 0 {
		t.Errorf("short pnl: got %s, want -100e6", res.PnL)
	}
	if f.book.TotalBalance(trader).Cmp(e6(1000)) != 0 {
		t.Errorf("balance after loss: got %s", f.book.TotalBalance(trader))
	}
}

func TestClose_LossBeyondBalanceReportsBadDebt(t *testing.T) {
	f := newFixture(t)
	trader := f.fundedTrader(t, e6(300))

	pos, err := f.mgr.Open(trader, "ETH-USD", e18(1), e18(2000), e6(300))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	// 500 loss against a 300 balance: 200 is bad debt, trader is wiped.
	res, err := f.mgr.Close(trader, pos.TokenID, e18(1500))
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if res.BadDebt.Cmp(e6(200)) != 0 {
		t.Errorf("bad debt: got %s, want %s", res.BadDebt, e6(200))
	}
	if f.book.TotalBalance(trader).Sign() != 0 {
		t.Errorf("trader should be drained, has %s", f.book.TotalBalance(trader))
	}
}

func TestClose_Authorization(t *testing.T) {
	f := newFixture(t)
	trader := f.fundedTrader(t, e6(1000))
	stranger := uuid.New()
	delegate := uuid.New()

	pos, _ := f.mgr.Open(trader, "ETH-USD", e18(1), e18(2000), e6(300))

	if _, err := f.mgr.Close(stranger, pos.TokenID, e18(2000)); !errors.Is(err, lifecycle.ErrNotAuthorized) {
		t.Errorf("stranger close: got %v", err)
	}

	f.mgr.Approve(trader, delegate)
	if _, err := f.mgr.Close(delegate, pos.TokenID, e18(2000)); err != nil {
		t.Errorf("approved delegate close: %v", err)
	}

	pos, _ = f.mgr.Open(trader, "ETH-USD", e18(1), e18(2000), e6(300))
	f.mgr.Revoke(trader, delegate)
	if _, err := f.mgr.Close(delegate, pos.TokenID, e18(2000)); !errors.Is(err, lifecycle.ErrNotAuthorized) {
		t.Errorf("revoked delegate close: got %v", err)
	}
}

func TestSettleFunding_ChargesLongsWhenIndexGrows(t *testing.T) {
	f := newFixture(t)
	trader := f.fundedTrader(t, e6(1000))
	pos, _ := f.mgr.Open(trader, "ETH-USD", e18(2), e18(2000), e6(500))

	// Index grows by 21 quote per base: a 2-base long owes 42 collateral.
	f.mkt.CumFundingIndex = e18(21)
	if err := f.mgr.SettleFunding(pos.TokenID); err != nil {
		t.Fatalf("SettleFunding: %v", err)
	}
	if pos.Margin.Cmp(e6(458)) != 0 {
		t.Errorf("margin: got %s, want %s", pos.Margin, e6(458))
	}
	if pos.FundingPaid.Cmp(e6(42)) != 0 {
		t.Errorf("funding paid: got %s, want %s", pos.FundingPaid, e6(42))
	}
	if pos.LastFundingIndex.Cmp(e18(21)) != 0 {
		t.Error("snapshot not advanced")
	}
	if f.book.TotalBalance(trader).Cmp(e6(958)) != 0 {
		t.Errorf("total balance: got %s, want 958e6", f.book.TotalBalance(trader))
	}

	// Second settle with no index movement is a no-op.
	if err := f.mgr.SettleFunding(pos.TokenID); err != nil {
		t.Fatalf("idempotent settle: %v", err)
	}
	if pos.Margin.Cmp(e6(458)) != 0 || pos.FundingPaid.Cmp(e6(42)) != 0 {
		t.Error("no-op settle mutated position")
	}
}

func TestSettleFunding_CreditsLongsWhenIndexFalls(t *testing.T) {
	f := newFixture(t)
	trader := f.fundedTrader(t, e6(1000))
	pos, _ := f.mgr.Open(trader, "ETH-USD", e18(2), e18(2000), e6(500))

	f.mkt.CumFundingIndex = new(big.Int).Neg(e18(21))
	if err := f.mgr.SettleFunding(pos.TokenID); err != nil {
		t.Fatalf("SettleFunding: %v", err)
	}
	if pos.Margin.Cmp(e6(542)) != 0 {
		t.Errorf("margin: got %s, want %s", pos.Margin, e6(542))
	}
	if pos.FundingPaid.Cmp(new(big.Int).Neg(e6(42))) != 0 {
		t.Errorf("funding paid: got %s, want -42e6", pos.FundingPaid)
	}
	if f.book.TotalBalance(trader).Cmp(e6(1042)) != 0 {
		t.Errorf("total balance: got %s, want 1042e6", f.book.TotalBalance(trader))
	}
}

func TestSettleFunding_PaymentCappedAtMargin(t *testing.T) {
	f := newFixture(t)
	trader := f.fundedTrader(t, e6(1000))
	// 0.1 base at 2000 is a 200 notional: margin 20 sits at max leverage.
	pos, err := f.mgr.Open(trader, "ETH-USD", big.NewInt(100_000_000_000_000_000), e18(2000), e6(20))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	// Owed 50 against a 20 margin: charge stops at the margin.
	f.mkt.CumFundingIndex = e18(500)
	if err := f.mgr.SettleFunding(pos.TokenID); err != nil {
		t.Fatalf("SettleFunding: %v", err)
	}
	if pos.Margin.Sign() != 0 {
		t.Errorf("margin: got %s, want 0", pos.Margin)
	}
	if pos.FundingPaid.Cmp(e6(20)) != 0 {
		t.Errorf("funding paid: got %s, want 20e6", pos.FundingPaid)
	}
}

func TestAddRemoveMargin(t *testing.T) {
	f := newFixture(t)
	trader := f.fundedTrader(t, e6(1000))
	pos, _ := f.mgr.Open(trader, "ETH-USD", e18(1), e18(2000), e6(300))

	if err := f.mgr.AddMargin(trader, pos.TokenID, e6(100)); err != nil {
		t.Fatalf("AddMargin: %v", err)
	}
	if pos.Margin.Cmp(e6(400)) != 0 {
		t.Errorf("margin: got %s, want 400e6", pos.Margin)
	}
	if f.book.LockedBalance(trader).Cmp(e6(400)) != 0 {
		t.Errorf("locked: got %s", f.book.LockedBalance(trader))
	}

	if err := f.mgr.RemoveMargin(trader, pos.TokenID, e6(150)); err != nil {
		t.Fatalf("RemoveMargin: %v", err)
	}
	if pos.Margin.Cmp(e6(250)) != 0 {
		t.Errorf("margin: got %s, want 250e6", pos.Margin)
	}

	// Removing down to 50 would put a 2000 notional at 40x leverage.
	if err := f.mgr.RemoveMargin(trader, pos.TokenID, e6(200)); !errors.Is(err, lifecycle.ErrLeverageExceeded) {
		t.Errorf("leverage guard: got %v", err)
	}
	// Removing below the floor is rejected before the leverage check matters.
	if err := f.mgr.RemoveMargin(trader, pos.TokenID, e6(245)); !errors.Is(err, lifecycle.ErrMarginBelowFloor) {
		t.Errorf("floor guard: got %v", err)
	}
}

func TestUpdate_MovesMarginDelta(t *testing.T) {
	f := newFixture(t)
	trader := f.fundedTrader(t, e6(1000))
	pos, _ := f.mgr.Open(trader, "ETH-USD", e18(1), e18(2000), e6(300))

	if err := f.mgr.Update(trader, pos.TokenID, e18(2), e6(500)); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if pos.Size.Cmp(e18(2)) != 0 || pos.Margin.Cmp(e6(500)) != 0 {
		t.Errorf("position: size=%s margin=%s", pos.Size, pos.Margin)
	}
	if f.book.LockedBalance(trader).Cmp(e6(500)) != 0 {
		t.Errorf("locked: got %s", f.book.LockedBalance(trader))
	}

	if err := f.mgr.Update(trader, pos.TokenID, big.NewInt(0), e6(500)); !errors.Is(err, lifecycle.ErrZeroSize) {
		t.Errorf("zero size: got %v", err)
	}
	if err := f.mgr.Update(trader, pos.TokenID, e18(4), e6(500)); !errors.Is(err, lifecycle.ErrLeverageExceeded) {
		t.Errorf("leverage: got %v", err)
	}
}

package ledger_test

import (
	"errors"
	"math/big"
	"testing"

	"PerpVamm/internal/ledger"

	"github.com/google/uuid"
)

func TestBalanceBook_DepositAndLock(t *testing.T) {
	book := ledger.NewBalanceBook()
	user := uuid.New()

	if err := book.DepositFor(user, big.NewInt(1_000_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := book.LockMargin(user, big.NewInt(300_000)); err != nil {
		t.Fatalf("lock: %v", err)
	}

	if got := book.LockedBalance(user); got.Int64() != 300_000 {
		t.Errorf("locked: got %s, want 300000", got)
	}
	if got := book.TotalBalance(user); got.Int64() != 1_000_000 {
		t.Errorf("total: got %s, want 1000000", got)
	}
	if got := book.FreeBalance(user); got.Int64() != 700_000 {
		t.Errorf("free: got %s, want 700000", got)
	}
}

func TestBalanceBook_LockMoreThanFree_Fails(t *testing.T) {
	book := ledger.NewBalanceBook()
	user := uuid.New()
	book.DepositFor(user, big.NewInt(100))

	err := book.LockMargin(user, big.NewInt(101))
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Errorf("want ErrInsufficientBalance, got %v", err)
	}
	// Failed lock must not mutate anything.
	if book.FreeBalance(user).Int64() != 100 || book.LockedBalance(user).Int64() != 0 {
		t.Error("failed lock mutated balances")
	}
}

func TestBalanceBook_UnlockMoreThanLocked_Fails(t *testing.T) {
	book := ledger.NewBalanceBook()
	user := uuid.New()
	book.DepositFor(user, big.NewInt(100))
	book.LockMargin(user, big.NewInt(50))

	if err := book.UnlockMargin(user, big.NewInt(51)); !errors.Is(err, ledger.ErrInsufficientLocked) {
		t.Errorf("want ErrInsufficientLocked, got %v", err)
	}
}

func TestBalanceBook_SettlePnL(t *testing.T) {
	book := ledger.NewBalanceBook()
	user := uuid.New()
	book.DepositFor(user, big.NewInt(100))

	// Credit
	if err := book.SettlePnL(user, big.NewInt(40)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if book.FreeBalance(user).Int64() != 140 {
		t.Errorf("free after credit: %s", book.FreeBalance(user))
	}

	// Debit
	if err := book.SettlePnL(user, big.NewInt(-140)); err != nil {
		t.Fatalf("debit: %v", err)
	}
	if book.FreeBalance(user).Sign() != 0 {
		t.Errorf("free after debit: %s", book.FreeBalance(user))
	}

	// Overdraw fails, no state change
	if err := book.SettlePnL(user, big.NewInt(-1)); !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Errorf("want ErrInsufficientBalance, got %v", err)
	}
}

func TestBalanceBook_ZeroSettleIsNoop(t *testing.T) {
	book := ledger.NewBalanceBook()
	if err := book.SettlePnL(uuid.New(), big.NewInt(0)); err != nil {
		t.Errorf("zero settle should be a no-op: %v", err)
	}
}

func TestInsuranceFund_FeeAndCoverage(t *testing.T) {
	book := ledger.NewBalanceBook()
	fund := ledger.NewInsuranceFund(book)
	recipient := uuid.New()

	fund.CollectFee(big.NewInt(500))
	if fund.Balance().Int64() != 500 {
		t.Fatalf("balance: %s", fund.Balance())
	}

	if err := fund.CoverBadDebt(recipient, big.NewInt(200)); err != nil {
		t.Fatalf("cover: %v", err)
	}
	if fund.Balance().Int64() != 300 {
		t.Errorf("balance after cover: %s", fund.Balance())
	}
	if book.FreeBalance(recipient).Int64() != 200 {
		t.Errorf("recipient free: %s", book.FreeBalance(recipient))
	}

	// Coverage beyond the fund balance fails.
	if err := fund.CoverBadDebt(recipient, big.NewInt(301)); err == nil {
		t.Error("expected depleted-fund error")
	}
}

func TestCertificateBook_MintBurnOwner(t *testing.T) {
	certs := ledger.NewCertificateBook()
	owner := uuid.New()

	if err := certs.Mint(owner, 7); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := certs.Mint(owner, 7); err == nil {
		t.Error("double mint should fail")
	}

	got, ok := certs.OwnerOf(7)
	if !ok || got != owner {
		t.Errorf("OwnerOf: got %v %v", got, ok)
	}

	if err := certs.Burn(7); err != nil {
		t.Fatalf("burn: %v", err)
	}
	if _, ok := certs.OwnerOf(7); ok {
		t.Error("owner should be gone after burn")
	}
	if err := certs.Burn(7); !errors.Is(err, ledger.ErrUnknownCertificate) {
		t.Errorf("want ErrUnknownCertificate, got %v", err)
	}
}

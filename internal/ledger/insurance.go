package ledger

import (
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

// InsuranceFund is the in-memory insurance reserve. Fees accumulate here;
// bad debt is covered by paying the shortfall out to the owed party through
// the collateral ledger. Coverage is capped at the fund balance — a deeper
// shortfall is reported, not papered over.
type InsuranceFund struct {
	balance *big.Int
	book    CollateralLedger
}

func NewInsuranceFund(book CollateralLedger) *InsuranceFund {
	return &InsuranceFund{balance: big.NewInt(0), book: book}
}

func (f *InsuranceFund) CollectFee(amount *big.Int) error {
	if amount.Sign() < 0 {
		return ErrNonPositiveAmount
	}
	f.balance = new(big.Int).Add(f.balance, amount)
	return nil
}

func (f *InsuranceFund) CoverBadDebt(recipient uuid.UUID, amount *big.Int) error {
	if amount.Sign() <= 0 {
		return ErrNonPositiveAmount
	}
	if f.balance.Cmp(amount) < 0 {
		return fmt.Errorf("insurance fund depleted: have=%s need=%s", f.balance, amount)
	}
	if err := f.book.DepositFor(recipient, amount); err != nil {
		return err
	}
	f.balance = new(big.Int).Sub(f.balance, amount)
	return nil
}

func (f *InsuranceFund) Balance() *big.Int {
	return new(big.Int).Set(f.balance)
}

package ledger

import (
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

// BalanceBook is the in-memory collateral ledger. Balances are plain maps;
// every mutation validates the non-negative invariant before committing so
// a failed call leaves both maps unchanged.
type BalanceBook struct {
	free   map[uuid.UUID]*big.Int
	locked map[uuid.UUID]*big.Int
}

func NewBalanceBook() *BalanceBook {
	return &BalanceBook{
		free:   make(map[uuid.UUID]*big.Int),
		locked: make(map[uuid.UUID]*big.Int),
	}
}

func (b *BalanceBook) freeOf(user uuid.UUID) *big.Int {
	if v, ok := b.free[user]; ok {
		return v
	}
	return big.NewInt(0)
}

func (b *BalanceBook) lockedOf(user uuid.UUID) *big.Int {
	if v, ok := b.locked[user]; ok {
		return v
	}
	return big.NewInt(0)
}

func (b *BalanceBook) DepositFor(user uuid.UUID, amount *big.Int) error {
	if amount.Sign() <= 0 {
		return ErrNonPositiveAmount
	}
	b.free[user] = new(big.Int).Add(b.freeOf(user), amount)
	return nil
}

func (b *BalanceBook) LockMargin(user uuid.UUID, amount *big.Int) error {
	if amount.Sign() <= 0 {
		return ErrNonPositiveAmount
	}
	free := b.freeOf(user)
	if free.Cmp(amount) < 0 {
		return fmt.Errorf("%w: free=%s need=%s", ErrInsufficientBalance, free, amount)
	}
	b.free[user] = new(big.Int).Sub(free, amount)
	b.locked[user] = new(big.Int).Add(b.lockedOf(user), amount)
	return nil
}

func (b *BalanceBook) UnlockMargin(user uuid.UUID, amount *big.Int) error {
	if amount.Sign() <= 0 {
		return ErrNonPositiveAmount
	}
	locked := b.lockedOf(user)
	if locked.Cmp(amount) < 0 {
		return fmt.Errorf("%w: locked=%s need=%s", ErrInsufficientLocked, locked, amount)
	}
	b.locked[user] = new(big.Int).Sub(locked, amount)
	b.free[user] = new(big.Int).Add(b.freeOf(user), amount)
	return nil
}

// SettlePnL credits the free balance for positive amounts and debits it for
// negative amounts. A debit that exceeds the free balance fails without
// state change; callers decide whether that is bad debt.
func (b *BalanceBook) SettlePnL(user uuid.UUID, signed *big.Int) error {
	if signed.Sign() == 0 {
		return nil
	}
	if signed.Sign() > 0 {
		b.free[user] = new(big.Int).Add(b.freeOf(user), signed)
		return nil
	}

	debit := new(big.Int).Neg(signed)
	free := b.freeOf(user)
	if free.Cmp(debit) < 0 {
		return fmt.Errorf("%w: free=%s debit=%s", ErrInsufficientBalance, free, debit)
	}
	b.free[user] = new(big.Int).Sub(free, debit)
	return nil
}

func (b *BalanceBook) LockedBalance(user uuid.UUID) *big.Int {
	return new(big.Int).Set(b.lockedOf(user))
}

func (b *BalanceBook) TotalBalance(user uuid.UUID) *big.Int {
	return new(big.Int).Add(b.freeOf(user), b.lockedOf(user))
}

// FreeBalance is total minus locked; used by the liquidation engine to cap
// fee debits before declaring a shortfall.
func (b *BalanceBook) FreeBalance(user uuid.UUID) *big.Int {
	return new(big.Int).Set(b.freeOf(user))
}

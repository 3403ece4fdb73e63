// Package ledger defines the external collaborators the engine consumes:
// the collateral ledger, the position-certificate issuer, and the insurance
// reserve. The engine only depends on the interfaces; the in-memory
// implementations back tests and single-process deployments.
package ledger

import (
	"errors"
	"math/big"

	"github.com/google/uuid"
)

var (
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	ErrInsufficientLocked  = errors.New("ledger: insufficient locked balance")
	ErrNonPositiveAmount   = errors.New("ledger: amount must be positive")
	ErrUnknownCertificate  = errors.New("ledger: unknown certificate id")
)

// CollateralLedger custodies each trader's collateral (1e6 scale).
// LockMargin moves free -> locked, UnlockMargin moves locked -> free,
// SettlePnL credits (positive) or debits (negative) the free balance.
type CollateralLedger interface {
	LockMargin(user uuid.UUID, amount *big.Int) error
	UnlockMargin(user uuid.UUID, amount *big.Int) error
	DepositFor(user uuid.UUID, amount *big.Int) error
	SettlePnL(user uuid.UUID, signed *big.Int) error
	LockedBalance(user uuid.UUID) *big.Int
	TotalBalance(user uuid.UUID) *big.Int
}

// CertificateIssuer manages the non-fungible position certificates.
type CertificateIssuer interface {
	Mint(owner uuid.UUID, tokenID uint64) error
	Burn(tokenID uint64) error
	OwnerOf(tokenID uint64) (uuid.UUID, bool)
}

// InsuranceReserve absorbs bad debt and accumulates liquidation fees.
type InsuranceReserve interface {
	CollectFee(amount *big.Int) error
	CoverBadDebt(recipient uuid.UUID, amount *big.Int) error
	Balance() *big.Int
}

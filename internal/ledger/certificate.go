package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// CertificateBook is the in-memory position-certificate issuer.
type CertificateBook struct {
	owners map[uint64]uuid.UUID
}

func NewCertificateBook() *CertificateBook {
	return &CertificateBook{owners: make(map[uint64]uuid.UUID)}
}

func (c *CertificateBook) Mint(owner uuid.UUID, tokenID uint64) error {
	if _, exists := c.owners[tokenID]; exists {
		return fmt.Errorf("certificate %d already minted", tokenID)
	}
	c.owners[tokenID] = owner
	return nil
}

func (c *CertificateBook) Burn(tokenID uint64) error {
	if _, exists := c.owners[tokenID]; !exists {
		return ErrUnknownCertificate
	}
	delete(c.owners, tokenID)
	return nil
}

func (c *CertificateBook) OwnerOf(tokenID uint64) (uuid.UUID, bool) {
	owner, ok := c.owners[tokenID]
	return owner, ok
}

package listings

import (
	"errors"
	"fmt"
	"strings"

	"dealroom/internal/domain/shared/money"
)

var (
	ErrNotFound       = errors.New("listings: not found")
	ErrInvalidListing = errors.New("listings: invalid listing")
)

// Listing is the read-only view of a domain name offered for sale.
type Listing struct {
	Ref         string
	Title       string
	AskingPrice money.Money
	SellerID    string
}

// NormalizeRef lower-cases the domain name; names are case-insensitive.
func NormalizeRef(ref string) string {
	return strings.ToLower(strings.TrimSpace(ref))
}

func (l Listing) Validate() error {
	if NormalizeRef(l.Ref) == "" {
		return fmt.Errorf("%w: ref is required", ErrInvalidListing)
	}
	if strings.TrimSpace(l.SellerID) == "" {
		return fmt.Errorf("%w: seller is required", ErrInvalidListing)
	}
	if l.AskingPrice.Amount < 0 {
		return fmt.Errorf("%w: asking price must not be negative", ErrInvalidListing)
	}
	if _, err := money.NormalizeCurrency(l.AskingPrice.Currency); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidListing, err)
	}
	return nil
}

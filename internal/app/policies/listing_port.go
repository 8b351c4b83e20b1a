package policies

import (
	"context"

	domainlistings "dealroom/internal/domain/listings"
)

// ListingPort resolves listings for seller lookup and offer reference prices.
type ListingPort interface {
	GetListing(ctx context.Context, ref string) (domainlistings.Listing, error)
}

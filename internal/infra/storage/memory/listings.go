package memory

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"dealroom/internal/app/policies"
	domainlistings "dealroom/internal/domain/listings"
	"dealroom/internal/domain/shared/money"
)

//go:embed fixtures/listings.json
var defaultFixtures []byte

// ListingCatalog is an in-memory listing service.
type ListingCatalog struct {
	mu    sync.RWMutex
	items map[string]domainlistings.Listing
}

func NewListingCatalog() *ListingCatalog {
	return &ListingCatalog{items: make(map[string]domainlistings.Listing)}
}

type listingFixture struct {
	Ref         string `json:"ref"`
	Title       string `json:"title"`
	SellerID    string `json:"seller_id"`
	AskingPrice struct {
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
	} `json:"asking_price"`
}

// SeedDefaults loads the bundled demo listings.
func (c *ListingCatalog) SeedDefaults() error {
	return c.LoadFixtures(bytes.NewReader(defaultFixtures))
}

// LoadFixturesFile loads listings from a JSON file.
func (c *ListingCatalog) LoadFixturesFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("memory: open listing fixtures: %w", err)
	}
	defer f.Close()
	return c.LoadFixtures(f)
}

// LoadFixtures reads a JSON array of listings.
func (c *ListingCatalog) LoadFixtures(r io.Reader) error {
	var fixtures []listingFixture
	if err := json.NewDecoder(r).Decode(&fixtures); err != nil {
		return fmt.Errorf("memory: decode listing fixtures: %w", err)
	}
	for _, f := range fixtures {
		price, err := money.New(f.AskingPrice.Amount, f.AskingPrice.Currency)
		if err != nil {
			return fmt.Errorf("memory: listing %s: %w", f.Ref, err)
		}
		if err := c.Put(domainlistings.Listing{Ref: f.Ref, Title: f.Title, SellerID: f.SellerID, AskingPrice: price}); err != nil {
			return err
		}
	}
	return nil
}

func (c *ListingCatalog) Put(l domainlistings.Listing) error {
	l.Ref = domainlistings.NormalizeRef(l.Ref)
	if err := l.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[l.Ref] = l
	return nil
}

func (c *ListingCatalog) GetListing(ctx context.Context, ref string) (domainlistings.Listing, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	l, ok := c.items[domainlistings.NormalizeRef(ref)]
	if !ok {
		return domainlistings.Listing{}, fmt.Errorf("%w: %s", domainlistings.ErrNotFound, ref)
	}
	return l, nil
}

func (c *ListingCatalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

var _ policies.ListingPort = (*ListingCatalog)(nil)

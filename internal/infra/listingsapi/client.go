// Package listingsapi reads listings from the marketplace listing service over
// HTTP.
package listingsapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"dealroom/internal/app/policies"
	domainlistings "dealroom/internal/domain/listings"
	"dealroom/internal/domain/shared/money"
)

var ErrUnavailable = errors.New("listings: service unavailable")

// Client implements the listing port against GET {BaseURL}/listings/{ref}.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Timeout time.Duration
	Logger  *slog.Logger
}

type listingResponse struct {
	Ref         string `json:"ref"`
	Title       string `json:"title"`
	SellerID    string `json:"seller_id"`
	AskingPrice struct {
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
	} `json:"asking_price"`
}

func (c *Client) GetListing(ctx context.Context, ref string) (domainlistings.Listing, error) {
	ref = domainlistings.NormalizeRef(ref)
	if ref == "" {
		return domainlistings.Listing{}, fmt.Errorf("%w: ref is required", domainlistings.ErrInvalidListing)
	}
	if strings.TrimSpace(c.BaseURL) == "" {
		return domainlistings.Listing{}, fmt.Errorf("%w: base url not configured", ErrUnavailable)
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	endpoint := strings.TrimRight(c.BaseURL, "/") + "/listings/" + url.PathEscape(ref)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return domainlistings.Listing{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient().Do(req)
	if err != nil {
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			err = fmt.Errorf("%w: timeout (%s)", ErrUnavailable, c.BaseURL)
		} else {
			err = fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		c.logError("listing request failed", ref, err)
		return domainlistings.Listing{}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return domainlistings.Listing{}, fmt.Errorf("%w: %s", domainlistings.ErrNotFound, ref)
	case resp.StatusCode >= http.StatusBadRequest:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		err := fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, strings.TrimSpace(string(snippet)))
		c.logError("listing service returned error", ref, err)
		return domainlistings.Listing{}, err
	}

	var body listingResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return domainlistings.Listing{}, fmt.Errorf("%w: decode: %v", ErrUnavailable, err)
	}
	price, err := money.New(body.AskingPrice.Amount, body.AskingPrice.Currency)
	if err != nil {
		return domainlistings.Listing{}, fmt.Errorf("%w: %v", domainlistings.ErrInvalidListing, err)
	}
	l := domainlistings.Listing{
		Ref:         domainlistings.NormalizeRef(body.Ref),
		Title:       body.Title,
		SellerID:    body.SellerID,
		AskingPrice: price,
	}
	if l.Ref == "" {
		l.Ref = ref
	}
	if err := l.Validate(); err != nil {
		return domainlistings.Listing{}, err
	}
	return l, nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

func (c *Client) logError(msg, ref string, err error) {
	if c.Logger != nil {
		c.Logger.Error(msg, "ref", ref, "error", err)
	}
}

var _ policies.ListingPort = (*Client)(nil)

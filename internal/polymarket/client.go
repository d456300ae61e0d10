// Package polymarket fetches market state from the Polymarket Gamma API.
package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rewired-gh/polysignal/internal/logger"
	"github.com/rewired-gh/polysignal/internal/models"
)

// Client provides access to Polymarket API
type Client struct {
	gammaAPIURL string
	httpClient  *http.Client
	limit       int
	maxPages    int
	categorizer *Categorizer
	now         func() time.Time
}

// ClientOption customises a Client.
type ClientOption func(*Client)

// WithPaging sets the page size and the maximum number of pages per fetch.
func WithPaging(limit, maxPages int) ClientOption {
	return func(c *Client) {
		c.limit = limit
		c.maxPages = maxPages
	}
}

// WithCategorizer replaces the default keyword categorizer.
func WithCategorizer(cat *Categorizer) ClientOption {
	return func(c *Client) { c.categorizer = cat }
}

// NewClient creates a new Polymarket client. Every request is bounded by timeout.
func NewClient(gammaAPIURL string, timeout time.Duration, opts ...ClientOption) *Client {
	c := &Client{
		gammaAPIURL: gammaAPIURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		limit:       100,
		maxPages:    20,
		categorizer: NewCategorizer(nil, nil),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchActiveMarkets pages through /markets?active=true&closed=false. Records that fail
// schema validation are skipped and logged. A transport or decode failure stops paging
// and returns the markets of the earlier pages together with a models.ErrDataFetch error.
func (c *Client) FetchActiveMarkets(ctx context.Context) ([]*models.Market, error) {
	var markets []*models.Market
	skipped := 0

	for page := 0; page < c.maxPages; page++ {
		u, err := url.Parse(c.gammaAPIURL + "/markets")
		if err != nil {
			return nil, fmt.Errorf("failed to parse URL: %w", err)
		}
		q := u.Query()
		q.Set("active", "true")
		q.Set("closed", "false")
		q.Set("limit", strconv.Itoa(c.limit))
		q.Set("offset", strconv.Itoa(page*c.limit))
		q.Set("order", "volume24hr")
		q.Set("ascending", "false")
		u.RawQuery = q.Encode()

		var records []json.RawMessage
		if err := c.getJSON(ctx, u.String(), &records); err != nil {
			if skipped > 0 {
				logger.Warn("Skipped %d malformed market records", skipped)
			}
			return markets, fmt.Errorf("%w: failed to fetch markets page %d: %v", models.ErrDataFetch, page, err)
		}

		now := c.now()
		for _, raw := range records {
			m, err := c.decodeMarket(raw, now)
			if err != nil {
				skipped++
				logger.Debug("Skipping malformed market record: %v", err)
				continue
			}
			markets = append(markets, m)
		}

		if len(records) < c.limit {
			break
		}
	}

	if skipped > 0 {
		logger.Warn("Skipped %d malformed market records", skipped)
	}
	return markets, nil
}

// FetchMarket retrieves one market by id, including closed ones.
func (c *Client) FetchMarket(ctx context.Context, id string) (*models.Market, error) {
	var raw json.RawMessage
	if err := c.getJSON(ctx, c.gammaAPIURL+"/markets/"+url.PathEscape(id), &raw); err != nil {
		return nil, fmt.Errorf("%w: failed to fetch market %s: %v", models.ErrDataFetch, id, err)
	}
	m, err := c.decodeMarket(raw, c.now())
	if err != nil {
		return nil, fmt.Errorf("%w: market %s: %v", models.ErrDataFetch, id, err)
	}
	return m, nil
}

// getJSON performs a single GET; callers decide whether to try again next cycle.
func (c *Client) getJSON(ctx context.Context, urlStr string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

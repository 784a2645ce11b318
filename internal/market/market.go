// Package market provides USD quotes for Move coin types via a
// CoinGecko-style simple price API. Quotes are informational: they feed
// the value-at-risk estimate and nothing else, so every failure mode
// degrades to "no estimate" rather than an analysis error.
package market

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	defaultBaseURL = "https://api.coingecko.com"
	defaultTTL     = 5 * time.Minute

	// NativeCoin is the chain's gas and staking coin.
	NativeCoin         = "0x1::aptos_coin::AptosCoin"
	NativeCoinDecimals = 8
)

// coinIDs maps fully qualified Move coin types to price API identifiers.
// Coins outside this map have no quote and produce no estimate.
var coinIDs = map[string]string{
	NativeCoin: "aptos",
	"0xf22bede237a07e121b56d91a491eb7bcdfd1f5907926a9e58338f964a01b17fa::asset::USDC": "usd-coin",
	"0xf22bede237a07e121b56d91a491eb7bcdfd1f5907926a9e58338f964a01b17fa::asset::USDT": "tether",
}

type quote struct {
	usd       float64
	fetchedAt time.Time
}

// Client fetches and caches coin prices. Safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	ttl     time.Duration
	client  *http.Client

	mu     sync.RWMutex
	quotes map[string]quote
}

// New creates a price client against baseURL. An empty baseURL selects
// the public CoinGecko endpoint; apiKey may be empty for keyless access
// at the public tier's rate limits.
func New(baseURL, apiKey string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		ttl:     defaultTTL,
		client:  &http.Client{Timeout: 5 * time.Second},
		quotes:  make(map[string]quote),
	}
}

// WithTTL overrides the quote cache TTL.
func (c *Client) WithTTL(ttl time.Duration) *Client {
	c.ttl = ttl
	return c
}

// Price returns the USD price for a coin type. A stale cached quote is
// served when a refresh fails; the cache entry is marked for immediate
// retry on the next call.
func (c *Client) Price(ctx context.Context, coinType string) (float64, error) {
	id, ok := coinIDs[coinType]
	if !ok {
		return 0, fmt.Errorf("no price id for coin %s", coinType)
	}

	c.mu.RLock()
	q, cached := c.quotes[id]
	c.mu.RUnlock()
	if cached && q.usd > 0 && time.Since(q.fetchedAt) < c.ttl {
		return q.usd, nil
	}

	usd, err := c.fetch(ctx, id)
	if err != nil {
		c.mu.Lock()
		stale := c.quotes[id].usd
		c.quotes[id] = quote{usd: stale} // zero fetchedAt forces a retry next call
		c.mu.Unlock()
		if stale > 0 {
			return stale, nil
		}
		return 0, err
	}

	c.mu.Lock()
	c.quotes[id] = quote{usd: usd, fetchedAt: time.Now()}
	c.mu.Unlock()
	return usd, nil
}

// QuoteUSD converts an integer on-chain amount of the given coin into
// USD. A nil or zero amount short-circuits without a price lookup.
func (c *Client) QuoteUSD(ctx context.Context, coinType string, amount *big.Int, decimals int) (float64, error) {
	if amount == nil || amount.Sign() == 0 {
		return 0, nil
	}
	price, err := c.Price(ctx, coinType)
	if err != nil {
		return 0, err
	}

	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	units := new(big.Float).Quo(new(big.Float).SetInt(amount), new(big.Float).SetInt(scale))
	usd, _ := new(big.Float).Mul(units, big.NewFloat(price)).Float64()
	return usd, nil
}

func (c *Client) fetch(ctx context.Context, id string) (float64, error) {
	endpoint := fmt.Sprintf("%s/api/v3/simple/price?ids=%s&vs_currencies=usd", c.baseURL, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("x-cg-pro-api-key", c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch price: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("price API returned status %d", resp.StatusCode)
	}

	var payload map[string]struct {
		USD float64 `json:"usd"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, fmt.Errorf("failed to decode price response: %w", err)
	}

	if payload[id].USD <= 0 {
		return 0, fmt.Errorf("invalid price returned: %f", payload[id].USD)
	}
	return payload[id].USD, nil
}

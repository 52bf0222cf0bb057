package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"
)

// PriceSource supplies the HYPE/USD valuation used by the dashboard layer.
// Prices are display-only; no accounting decision consults them.
type PriceSource interface {
	GetPrice(ctx context.Context) (*big.Rat, error)
}

// StaticSource returns a configuration-pinned price.
type StaticSource struct {
	price *big.Rat
}

// NewStaticSource pins the price to the given rational value.
func NewStaticSource(price *big.Rat) *StaticSource {
	if price == nil {
		price = new(big.Rat)
	}
	return &StaticSource{price: new(big.Rat).Set(price)}
}

func (s *StaticSource) GetPrice(ctx context.Context) (*big.Rat, error) {
	return new(big.Rat).Set(s.price), nil
}

// HTTPSource polls a JSON price feed of the form {"price":"1.2345"}.
type HTTPSource struct {
	url    string
	client *http.Client
}

// NewHTTPSource builds a feed client. A nil http.Client falls back to a
// five-second-timeout default.
func NewHTTPSource(url string, client *http.Client) *HTTPSource {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPSource{url: url, client: client}
}

func (s *HTTPSource) GetPrice(ctx context.Context) (*big.Rat, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("oracle: fetch price: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("oracle: price feed returned %d", resp.StatusCode)
	}
	var payload struct {
		Price string `json:"price"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("oracle: decode price feed: %w", err)
	}
	price, ok := new(big.Rat).SetString(payload.Price)
	if !ok {
		return nil, fmt.Errorf("oracle: invalid price %q", payload.Price)
	}
	if price.Sign() < 0 {
		return nil, errors.New("oracle: negative price")
	}
	return price, nil
}

// CachedSource wraps a source with a TTL so dashboard refreshes do not
// hammer the upstream feed. A fetch failure within the TTL serves the last
// good price.
type CachedSource struct {
	source PriceSource
	ttl    time.Duration
	nowFn  func() time.Time

	mu        sync.Mutex
	price     *big.Rat
	fetchedAt time.Time
}

// NewCachedSource wraps source with the given TTL.
func NewCachedSource(source PriceSource, ttl time.Duration) *CachedSource {
	return &CachedSource{source: source, ttl: ttl, nowFn: time.Now}
}

// SetNowFunc overrides the cache clock, primarily for tests.
func (c *CachedSource) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	c.nowFn = now
}

func (c *CachedSource) GetPrice(ctx context.Context) (*big.Rat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.nowFn()
	if c.price != nil && now.Sub(c.fetchedAt) < c.ttl {
		return new(big.Rat).Set(c.price), nil
	}
	price, err := c.source.GetPrice(ctx)
	if err != nil {
		if c.price != nil {
			return new(big.Rat).Set(c.price), nil
		}
		return nil, err
	}
	c.price = new(big.Rat).Set(price)
	c.fetchedAt = now
	return new(big.Rat).Set(price), nil
}

package coingecko

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

// nolint:lll
type Config struct {
	URL     string        `env:"URL, default=https://api.coingecko.com"`
	IDs     string        `env:"IDS, default=DOT=polkadot,KSM=kusama,ASTR=astar,GLMR=moonbeam,PHA=pha,BNC=bifrost-native-coin,INTR=interlay,CFG=centrifuge"` // Symbol to coingecko coin id
	Timeout time.Duration `env:"TIMEOUT, default=10s"`
}

// Client quotes USD prices of coins mapped by symbol.
type Client struct {
	url   string
	ids   map[string]string
	http  *http.Client
	group singleflight.Group
}

func New(cfg Config) (*Client, error) {
	ids := make(map[string]string)
	for _, pair := range strings.Split(cfg.IDs, ",") {
		if strings.TrimSpace(pair) == "" {
			continue
		}
		symbol, id, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid coingecko id %q", pair)
		}
		ids[strings.ToUpper(strings.TrimSpace(symbol))] = strings.TrimSpace(id)
	}

	return &Client{
		url:  strings.TrimSuffix(cfg.URL, "/"),
		ids:  ids,
		http: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// PriceUSD returns zero for symbols without a coin id or without a quote.
func (c *Client) PriceUSD(ctx context.Context, symbol string) (decimal.Decimal, error) {
	id, ok := c.ids[strings.ToUpper(symbol)]
	if !ok {
		return decimal.Zero, nil
	}

	// concurrent callers share the request, it outlives the ones giving up
	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan(id, func() (interface{}, error) {
		return c.price(shared, id)
	})

	select {
	case <-ctx.Done():
		return decimal.Zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return decimal.Zero, res.Err
		}
		return res.Val.(decimal.Decimal), nil
	}
}

func (c *Client) price(ctx context.Context, id string) (decimal.Decimal, error) {
	q := url.Values{"ids": {id}, "vs_currencies": {"usd"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url+"/api/v3/simple/price?"+q.Encode(), nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return decimal.Zero, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	var quotes map[string]map[string]decimal.Decimal
	if err := json.NewDecoder(resp.Body).Decode(&quotes); err != nil {
		return decimal.Zero, fmt.Errorf("decode response: %w", err)
	}
	return quotes[id]["usd"], nil
}

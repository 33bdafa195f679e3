package subscan

import (
	"context"
	"time"
)

type Block struct {
	Number    uint64 `json:"block_num"`
	Timestamp int64  `json:"block_timestamp"`
	Hash      string `json:"hash"`
}

func (b Block) Time() time.Time {
	return time.Unix(b.Timestamp, 0).UTC()
}

type Token struct {
	Symbol   string `json:"symbol"`
	Decimals int    `json:"token_decimals"`
}

type Asset struct {
	AssetID  string `json:"asset_id"`
	Symbol   string `json:"symbol"`
	Decimals int    `json:"decimals"`
}

// Block returns the block with the given number, nil if the chain has none.
func (c *Client) Block(ctx context.Context, domain string, number uint64) (*Block, error) {
	var b Block
	found, err := c.post(ctx, domain, "/api/scan/block", map[string]interface{}{"block_num": number}, &b)
	if err != nil || !found {
		return nil, err
	}
	return &b, nil
}

// BlockAt returns the last block produced at or before ts.
func (c *Client) BlockAt(ctx context.Context, domain string, ts time.Time) (*Block, error) {
	body := map[string]interface{}{"block_timestamp": ts.Unix(), "only_head": true}

	var b Block
	found, err := c.post(ctx, domain, "/api/scan/block", body, &b)
	if err != nil || !found {
		return nil, err
	}
	return &b, nil
}

// NativeToken returns the chain's native token.
func (c *Client) NativeToken(ctx context.Context, domain string) (*Token, error) {
	var data struct {
		Token  []string         `json:"token"`
		Detail map[string]Token `json:"detail"`
	}
	found, err := c.post(ctx, domain, "/api/scan/token", struct{}{}, &data)
	if err != nil || !found || len(data.Token) == 0 {
		return nil, err
	}

	t, ok := data.Detail[data.Token[0]]
	if !ok {
		return nil, nil
	}
	if t.Symbol == "" {
		t.Symbol = data.Token[0]
	}
	return &t, nil
}

// Assets lists pallet-assets registered on the chain.
func (c *Client) Assets(ctx context.Context, domain string) ([]Asset, error) {
	var assets []Asset
	for page := 0; ; page++ {
		var data struct {
			Count int     `json:"count"`
			List  []Asset `json:"list"`
		}
		body := map[string]interface{}{"page": page, "row": pageSize}
		found, err := c.post(ctx, domain, "/api/scan/assets/assets", body, &data)
		if err != nil {
			return nil, err
		}
		if !found || len(data.List) == 0 {
			return assets, nil
		}

		assets = append(assets, data.List...)
		if len(assets) >= data.Count {
			return assets, nil
		}
	}
}

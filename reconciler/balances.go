package reconciler

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

type balanceKey struct {
	domain  string
	address string
	block   uint64
}

// BalanceCache holds balance vectors fetched during one reconciliation run.
// It isn't safe for concurrent use, a run is strictly sequential.
type BalanceCache struct {
	entries map[balanceKey][]AssetBalance
}

func NewBalanceCache() *BalanceCache {
	return &BalanceCache{entries: make(map[balanceKey][]AssetBalance)}
}

func (c *BalanceCache) get(k balanceKey) ([]AssetBalance, bool) {
	v, ok := c.entries[k]
	return v, ok
}

func (c *BalanceCache) put(k balanceKey, v []AssetBalance) {
	c.entries[k] = v
}

func (c *BalanceCache) Len() int {
	return len(c.entries)
}

// BalanceDiffer computes actual balance changes of a wallet between two blocks.
// It owns at most one chain node connection, opened lazily and kept until Release.
type BalanceDiffer struct {
	domain string
	dialer ChainNodeDialer
	node   ChainNode
	tokens []Token
	cache  *BalanceCache
	logger *zap.Logger
}

func NewBalanceDiffer(domain string, dialer ChainNodeDialer, tokens []Token, cache *BalanceCache, l *zap.Logger) *BalanceDiffer {
	return &BalanceDiffer{
		domain: domain,
		dialer: dialer,
		tokens: tokens,
		cache:  cache,
		logger: l,
	}
}

// Open dials the chain node unless a connection is held already.
func (d *BalanceDiffer) Open(ctx context.Context) error {
	if d.node != nil {
		return nil
	}
	node, err := d.dialer.Dial(ctx, d.domain)
	if err != nil {
		return fmt.Errorf("dial chain node %s: %w", d.domain, err)
	}
	d.node = node
	return nil
}

// Release closes the held connection, it's safe to call any number of times.
func (d *BalanceDiffer) Release() {
	if d.node == nil {
		return
	}
	if err := d.node.Close(); err != nil {
		d.logger.Warn("balance differ: close chain node", zap.String("chain", d.domain), zap.Error(err))
	}
	d.node = nil
}

func (d *BalanceDiffer) setTokens(tokens []Token) {
	d.tokens = tokens
}

// Diff returns balanceAfter - balanceBefore per asset, assets missing at one end count as zero there.
// Cached vectors are only read, the result is a fresh slice.
func (d *BalanceDiffer) Diff(ctx context.Context, address string, from, to uint64) ([]AssetBalance, error) {
	before, err := d.balancesAt(ctx, address, from)
	if err != nil {
		return nil, err
	}
	after, err := d.balancesAt(ctx, address, to)
	if err != nil {
		return nil, err
	}

	byKey := make(map[string]int, len(after))
	out := make([]AssetBalance, 0, len(after))
	for _, b := range after {
		byKey[assetKey(b.AssetUniqueID, b.Symbol)] = len(out)
		out = append(out, b)
	}
	for _, b := range before {
		k := assetKey(b.AssetUniqueID, b.Symbol)
		if i, ok := byKey[k]; ok {
			out[i].Balance = out[i].Balance.Sub(b.Balance)
			continue
		}
		b.Balance = b.Balance.Neg()
		byKey[k] = len(out)
		out = append(out, b)
	}
	return out, nil
}

func (d *BalanceDiffer) balancesAt(ctx context.Context, address string, block uint64) ([]AssetBalance, error) {
	key := balanceKey{domain: d.domain, address: address, block: block}
	if cached, ok := d.cache.get(key); ok {
		return cached, nil
	}

	if err := d.Open(ctx); err != nil {
		return nil, err
	}

	balances, err := d.node.BalancesAt(ctx, block, address, d.tokens)
	if err != nil {
		return nil, fmt.Errorf("balances at %d: %w", block, err)
	}

	d.cache.put(key, balances)
	return balances, nil
}

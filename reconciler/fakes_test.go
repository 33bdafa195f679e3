package reconciler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	testDomain  = "polkadot"
	testAddress = "15oF4uVJwmo4TdGW7VfQxNLavjCXviqxT9S1MgbjMNHr6Sp5"
	blockTime   = 6 * time.Second
)

var genesis = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func at(n uint64) time.Time {
	return genesis.Add(time.Duration(n) * blockTime)
}

func block(n uint64) Block {
	return Block{Number: n, Timestamp: at(n)}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var dotToken = Token{UniqueID: "DOT", Symbol: "DOT", Decimals: 10, Native: true}

// fakeChain replays balance changes booked per block.
type fakeChain struct {
	mu          sync.Mutex
	deltas      map[uint64]map[string]decimal.Decimal
	unsupported bool
	timeouts    int // BalancesAt calls left to fail with ErrTimeout
	dials       int
	closes      int
	calls       int
}

func newFakeChain() *fakeChain {
	return &fakeChain{deltas: make(map[uint64]map[string]decimal.Decimal)}
}

func (c *fakeChain) book(n uint64, uniqueID string, amount string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deltas[n] == nil {
		c.deltas[n] = make(map[string]decimal.Decimal)
	}
	c.deltas[n][uniqueID] = c.deltas[n][uniqueID].Add(dec(amount))
}

func (c *fakeChain) Dial(_ context.Context, domain string) (ChainNode, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unsupported {
		return nil, ErrUnsupportedChain
	}
	c.dials++
	return &fakeNode{chain: c}, nil
}

type fakeNode struct {
	chain *fakeChain
}

func (n *fakeNode) BalancesAt(_ context.Context, number uint64, _ string, tokens []Token) ([]AssetBalance, error) {
	c := n.chain
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls++
	if c.timeouts > 0 {
		c.timeouts--
		return nil, ErrTimeout
	}

	out := make([]AssetBalance, 0, len(tokens))
	for _, t := range tokens {
		total := decimal.Zero
		for b, deltas := range c.deltas {
			if b <= number {
				total = total.Add(deltas[t.UniqueID])
			}
		}
		out = append(out, AssetBalance{AssetUniqueID: t.UniqueID, Symbol: t.Symbol, Decimals: t.Decimals, Balance: total})
	}
	return out, nil
}

func (n *fakeNode) Close() error {
	n.chain.mu.Lock()
	defer n.chain.mu.Unlock()
	n.chain.closes++
	return nil
}

// fakeIndexer produces a block every blockTime since genesis.
type fakeIndexer struct {
	mu     sync.Mutex
	tokens []Token
	calls  int
}

func (i *fakeIndexer) BlockByNumber(_ context.Context, _ string, number uint64) (Block, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.calls++
	return block(number), nil
}

func (i *fakeIndexer) BlockByTimestamp(_ context.Context, _ string, ts time.Time) (Block, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.calls++
	if ts.Before(genesis) {
		return Block{}, errors.New("before genesis")
	}
	return block(uint64(ts.Sub(genesis) / blockTime)), nil
}

func (i *fakeIndexer) Tokens(context.Context, string) ([]Token, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.calls++
	return i.tokens, nil
}

type fakeQuoter map[string]string

func (q fakeQuoter) PriceUSD(_ context.Context, symbol string) (decimal.Decimal, error) {
	p, ok := q[symbol]
	if !ok {
		return decimal.Zero, nil
	}
	return dec(p), nil
}

func movement(n uint64, transfers ...Transfer) *Movement {
	number := n
	return &Movement{
		ID:          int(n),
		BlockNumber: &number,
		Timestamp:   at(n),
		Transfers:   transfers,
		Provenance:  ProvenanceIndexer,
	}
}

func received(symbol, uniqueID, amount string) Transfer {
	return Transfer{Symbol: symbol, AssetUniqueID: uniqueID, Amount: dec(amount), From: "sender", To: testAddress}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.TimeoutCooldown = time.Millisecond
	return cfg
}

func newTestReconciler(chain *fakeChain, idx *fakeIndexer, quoter PriceQuoter, cfg Config) *Reconciler {
	l := zap.NewNop()
	return New(idx, chain, NewTolerances(quoter, l), l, cfg)
}

func newTestCalculator(chain *fakeChain, tokens []Token, limits Limits) *Calculator {
	differ := NewBalanceDiffer(testDomain, chain, tokens, NewBalanceCache(), zap.NewNop())
	return NewCalculator(differ, limits, tokens)
}

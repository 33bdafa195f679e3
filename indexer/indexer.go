package indexer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/eqtlab/substrate-reconciler/pkg/subscan"
	"github.com/eqtlab/substrate-reconciler/reconciler"
)

var ErrNotFound = errors.New("not found in indexer")

// StandardAssetsPrefix is prepended to pallet-assets ids to build unique ids.
const StandardAssetsPrefix = "standard_assets/"

type API interface {
	Block(ctx context.Context, domain string, number uint64) (*subscan.Block, error)
	BlockAt(ctx context.Context, domain string, ts time.Time) (*subscan.Block, error)
	NativeToken(ctx context.Context, domain string) (*subscan.Token, error)
	Assets(ctx context.Context, domain string) ([]subscan.Asset, error)
}

// Indexer serves blocks and the token catalog from subscan.
type Indexer struct {
	api API
}

func New(api API) *Indexer {
	return &Indexer{api: api}
}

func (i *Indexer) BlockByNumber(ctx context.Context, domain string, number uint64) (reconciler.Block, error) {
	b, err := i.api.Block(ctx, domain, number)
	if err != nil {
		return reconciler.Block{}, fmt.Errorf("block %d: %w", number, err)
	}
	if b == nil {
		return reconciler.Block{}, fmt.Errorf("%w: block %d on %s", ErrNotFound, number, domain)
	}
	return reconciler.Block{Number: b.Number, Timestamp: b.Time()}, nil
}

func (i *Indexer) BlockByTimestamp(ctx context.Context, domain string, at time.Time) (reconciler.Block, error) {
	b, err := i.api.BlockAt(ctx, domain, at)
	if err != nil {
		return reconciler.Block{}, fmt.Errorf("block at %s: %w", at.Format(time.RFC3339), err)
	}
	if b == nil {
		return reconciler.Block{}, fmt.Errorf("%w: block at %s on %s", ErrNotFound, at.Format(time.RFC3339), domain)
	}
	return reconciler.Block{Number: b.Number, Timestamp: b.Time()}, nil
}

// Tokens returns the native token followed by the chain's pallet-assets.
func (i *Indexer) Tokens(ctx context.Context, domain string) ([]reconciler.Token, error) {
	native, err := i.api.NativeToken(ctx, domain)
	if err != nil {
		return nil, fmt.Errorf("native token: %w", err)
	}
	assets, err := i.api.Assets(ctx, domain)
	if err != nil {
		return nil, fmt.Errorf("assets: %w", err)
	}

	tokens := make([]reconciler.Token, 0, len(assets)+1)
	if native != nil {
		tokens = append(tokens, reconciler.Token{
			UniqueID: native.Symbol,
			Symbol:   native.Symbol,
			Decimals: native.Decimals,
			Native:   true,
		})
	}
	for _, a := range assets {
		tokens = append(tokens, reconciler.Token{
			UniqueID: StandardAssetsPrefix + a.AssetID,
			Symbol:   a.Symbol,
			Decimals: a.Decimals,
			AssetID:  a.AssetID,
		})
	}
	return tokens, nil
}

package nodes

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/eqtlab/substrate-reconciler/pkg/substrate"
	"github.com/eqtlab/substrate-reconciler/reconciler"
)

// nolint:lll
type Config struct {
	Endpoints   string        `env:"ENDPOINTS"`                 // Archive node per chain, domain=wss://host,domain2=wss://host2
	CallTimeout time.Duration `env:"CALL_TIMEOUT, default=30s"` // Deadline of a single node request
}

// ParseEndpoints reads a domain=url list separated by commas.
func ParseEndpoints(raw string) (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		domain, url, ok := strings.Cut(pair, "=")
		domain, url = strings.TrimSpace(domain), strings.TrimSpace(url)
		if !ok || domain == "" || url == "" {
			return nil, fmt.Errorf("invalid node endpoint %q", pair)
		}
		out[strings.ToLower(domain)] = url
	}
	return out, nil
}

// Dialer connects to the archive node of a chain.
type Dialer struct {
	endpoints map[string]string
	timeout   time.Duration
	logger    *zap.Logger
}

func NewDialer(cfg Config, l *zap.Logger) (*Dialer, error) {
	endpoints, err := ParseEndpoints(cfg.Endpoints)
	if err != nil {
		return nil, err
	}
	return &Dialer{endpoints: endpoints, timeout: cfg.CallTimeout, logger: l}, nil
}

func (d *Dialer) Dial(ctx context.Context, domain string) (reconciler.ChainNode, error) {
	endpoint, ok := d.endpoints[strings.ToLower(domain)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", reconciler.ErrUnsupportedChain, domain)
	}

	client, err := substrate.Dial(ctx, endpoint, d.timeout)
	if err != nil {
		return nil, translate(err)
	}

	d.logger.Debug("connected to chain node", zap.String("chain", domain))
	return &Node{client: client}, nil
}

// Node reads balances from System.Account and Assets.Account storage.
type Node struct {
	client *substrate.Client
}

func (n *Node) BalancesAt(ctx context.Context, block uint64, address string, tokens []reconciler.Token) ([]reconciler.AssetBalance, error) {
	id, _, err := substrate.DecodeSS58(address)
	if err != nil {
		return nil, fmt.Errorf("decode address %s: %w", address, err)
	}

	hash, err := n.client.BlockHash(ctx, block)
	if err != nil {
		return nil, translate(err)
	}

	balances := make([]reconciler.AssetBalance, 0, len(tokens))
	for _, t := range tokens {
		key, decode, ok := storageFor(t, id)
		if !ok {
			continue
		}

		raw, err := n.client.Storage(ctx, key, hash)
		if err != nil {
			return nil, translate(err)
		}

		amount := new(big.Int)
		if raw != nil {
			if amount, err = decode(raw); err != nil {
				return nil, fmt.Errorf("%s balance at %d: %w", t.Symbol, block, err)
			}
		}

		balances = append(balances, reconciler.AssetBalance{
			AssetUniqueID: t.UniqueID,
			Symbol:        t.Symbol,
			Decimals:      t.Decimals,
			Balance:       decimal.NewFromBigInt(amount, -int32(t.Decimals)),
		})
	}

	return balances, nil
}

func (n *Node) Close() error {
	return n.client.Close()
}

type decoder func([]byte) (*big.Int, error)

func storageFor(t reconciler.Token, id substrate.AccountID) ([]byte, decoder, bool) {
	if t.Native {
		return substrate.SystemAccountKey(id), decodeNative, true
	}

	assetID, err := strconv.ParseUint(t.AssetID, 10, 32)
	if err != nil {
		return nil, nil, false
	}
	return substrate.AssetsAccountKey(uint32(assetID), id), substrate.DecodeAssetBalance, true
}

func decodeNative(raw []byte) (*big.Int, error) {
	free, reserved, err := substrate.DecodeAccountData(raw)
	if err != nil {
		return nil, err
	}
	return free.Add(free, reserved), nil
}

func translate(err error) error {
	if errors.Is(err, substrate.ErrTimeout) {
		return fmt.Errorf("%w: %w", reconciler.ErrTimeout, err)
	}
	return err
}

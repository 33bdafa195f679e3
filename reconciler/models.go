package reconciler

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Provenance string

const (
	ProvenanceIndexer               Provenance = "indexer"
	ProvenanceDeviationCompensation Provenance = "deviationCompensation"
	ProvenanceInterestAccrual       Provenance = "interestAccrual"
)

// ModuleXCM marks transfers carried by a cross-chain message.
const ModuleXCM = "xcm"

// Chain identifies the chain a wallet is reconciled on, Token is the native token symbol.
type Chain struct {
	Domain string
	Token  string
}

// Movement is one transaction's effect on a wallet.
type Movement struct {
	ID            int // 0 until persisted
	BlockNumber   *uint64
	Timestamp     time.Time
	ExtrinsicRef  string
	FeeAmount     decimal.Decimal
	FeeAssetID    string
	TipAmount     decimal.Decimal
	XCMFeeAmount  decimal.Decimal
	XCMFeeAssetID string
	Transfers     []Transfer
	Provenance    Provenance
	Events        []ChainEvent // unmatched chain events explained by this movement
}

type Transfer struct {
	Symbol        string          `json:"symbol"`
	AssetUniqueID string          `json:"assetUniqueId,omitempty"`
	Amount        decimal.Decimal `json:"amount"` // positive means received
	From          string          `json:"from"`
	To            string          `json:"to"`
	Module        string          `json:"module,omitempty"`
	FromChain     string          `json:"fromChain,omitempty"`
	ToChain       string          `json:"toChain,omitempty"`
}

func (t Transfer) IsXCM() bool {
	return t.Module == ModuleXCM
}

// ChainEvent is an on-chain event the indexer reported but no movement explains.
type ChainEvent struct {
	ExtrinsicRef string    `json:"extrinsicRef,omitempty"`
	BlockNumber  uint64    `json:"blockNumber"`
	Timestamp    time.Time `json:"timestamp"`
	Module       string    `json:"module"`
	Event        string    `json:"event"`
	EventIndex   string    `json:"eventIndex,omitempty"`
}

// Token is a catalog entry of an asset that exists on a chain.
type Token struct {
	UniqueID string
	Symbol   string
	Decimals int
	Native   bool
	AssetID  string // pallet-assets id, empty for the native token
}

// AssetBalance is a balance of one asset at some block, or a difference of two such balances.
type AssetBalance struct {
	AssetUniqueID string
	Symbol        string
	Decimals      int
	Balance       decimal.Decimal
}

type Block struct {
	Number    uint64
	Timestamp time.Time
}

type ToleranceLimit struct {
	Symbol        string
	SinglePayment decimal.Decimal
	Max           decimal.Decimal
}

type Deviation struct {
	Symbol                         string
	AssetUniqueID                  string
	Decimals                       int
	ActualDiff                     decimal.Decimal
	ExpectedDiff                   decimal.Decimal
	SignedDeviation                decimal.Decimal
	AbsDeviation                   decimal.Decimal
	ToleranceMax                   decimal.Decimal
	ToleranceSinglePayment         decimal.Decimal
	HasTolerance                   bool // false when DefaultTolerance was used in absence of a limit
	AbsoluteDeviationTooLarge      bool
	SinglePaymentDeviationTooLarge bool
	MatchingEntryCount             int
	Observed                       bool // false when the chain node can't read the asset, ActualDiff is zero then
}

// Key identifies the asset of the deviation across evaluations.
func (d Deviation) Key() string {
	return assetKey(d.AssetUniqueID, d.Symbol)
}

func assetKey(uniqueID, symbol string) string {
	if uniqueID != "" {
		return uniqueID
	}
	return "symbol:" + strings.ToUpper(symbol)
}

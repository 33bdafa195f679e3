package reconciler

import (
	"context"
	"fmt"
	"slices"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// missingWithdrawalFixture: the ledger says +10 DOT but an unindexed xcm withdrawal of 3 DOT happened in block 131.
func missingWithdrawalFixture() (*fakeChain, *fakeIndexer, []*Movement, []ChainEvent) {
	chain := newFakeChain()
	chain.book(110, "DOT", "6")
	chain.book(131, "DOT", "-3")
	chain.book(150, "DOT", "4")

	movements := []*Movement{
		movement(110, received("DOT", "DOT", "6")),
		movement(150, received("DOT", "DOT", "4")),
	}
	events := []ChainEvent{
		{ExtrinsicRef: "131-2", BlockNumber: 131, Timestamp: at(131), Module: "xcmpallet", Event: "Attempted"},
		{ExtrinsicRef: "90-1", BlockNumber: 90, Timestamp: at(90), Module: "balances", Event: "Withdraw"},
	}
	return chain, &fakeIndexer{tokens: []Token{dotToken}}, movements, events
}

func TestReconcile_LocalizesMissingWithdrawal(t *testing.T) {
	chain, idx, movements, events := missingWithdrawalFixture()
	r := newTestReconciler(chain, idx, nil, testConfig())

	res, err := r.Reconcile(context.Background(), Chain{Domain: testDomain, Token: "DOT"}, testAddress, movements, events, at(100), at(164))
	require.NoError(t, err)

	assert.Equal(t, StateConverged, res.State)
	assert.Equal(t, 2, res.Iterations)
	require.Len(t, res.Inserted, 1)
	require.Len(t, res.Movements, 3)
	assert.Empty(t, res.Touched)

	comp := res.Inserted[0]
	assert.Equal(t, ProvenanceDeviationCompensation, comp.Provenance)
	require.NotNil(t, comp.BlockNumber)
	assert.Equal(t, uint64(131), *comp.BlockNumber)
	assert.Equal(t, at(131), comp.Timestamp)
	require.Len(t, comp.Transfers, 1)
	assert.True(t, comp.Transfers[0].Amount.Equal(dec("-3")), comp.Transfers[0].Amount.String())
	assert.Equal(t, testAddress, comp.Transfers[0].From)
	assert.Empty(t, comp.Transfers[0].To)
	assert.Equal(t, "DOT", comp.Transfers[0].AssetUniqueID)
	require.Len(t, comp.Events, 1)
	assert.Equal(t, "131-2", comp.Events[0].ExtrinsicRef)

	dot, ok := findDeviation(res.Deviations, "DOT")
	require.True(t, ok)
	assert.True(t, dot.SignedDeviation.IsZero(), dot.SignedDeviation.String())
	assert.Empty(t, res.Breaching())

	// one connection per run, released at the end
	assert.Equal(t, 1, chain.dials)
	assert.Equal(t, 1, chain.closes)
}

func TestReconcile_IsIdempotent(t *testing.T) {
	chain, idx, movements, events := missingWithdrawalFixture()
	r := newTestReconciler(chain, idx, nil, testConfig())
	ch := Chain{Domain: testDomain, Token: "DOT"}

	first, err := r.Reconcile(context.Background(), ch, testAddress, movements, events, at(100), at(164))
	require.NoError(t, err)
	require.Len(t, first.Inserted, 1)

	second, err := r.Reconcile(context.Background(), ch, testAddress, first.Movements, events, at(100), at(164))
	require.NoError(t, err)

	assert.Equal(t, StateConverged, second.State)
	assert.Equal(t, 1, second.Iterations)
	assert.Empty(t, second.Patches)
	assert.Len(t, second.Movements, 3)
}

func TestReconcile_RetargetsConfusedSymbol(t *testing.T) {
	chain := newFakeChain()
	chain.book(120, "A2", "5")

	idx := &fakeIndexer{tokens: []Token{
		dotToken,
		{UniqueID: "A1", Symbol: "XYZ", Decimals: 12, AssetID: "1"},
		{UniqueID: "A2", Symbol: "XYZ", Decimals: 12, AssetID: "2"},
	}}
	xcm := received("XYZ", "A1", "5")
	xcm.Module = ModuleXCM
	movements := []*Movement{movement(120, xcm)}

	r := newTestReconciler(chain, idx, fakeQuoter{"XYZ": "10"}, testConfig())
	res, err := r.Reconcile(context.Background(), Chain{Domain: testDomain, Token: "DOT"}, testAddress, movements, nil, at(100), at(164))
	require.NoError(t, err)

	assert.Equal(t, StateConverged, res.State)
	assert.Empty(t, res.Inserted)
	require.Len(t, res.Patches, 1)
	assert.Equal(t, PatchReassignAsset, res.Patches[0].Kind)
	assert.Equal(t, "A2", movements[0].Transfers[0].AssetUniqueID)
	assert.Len(t, movements[0].Transfers, 1)
	require.Len(t, res.Touched, 1)
	assert.Same(t, movements[0], res.Touched[0])

	for _, d := range res.Deviations {
		assert.True(t, d.SignedDeviation.IsZero(), "%s %s", d.AssetUniqueID, d.SignedDeviation)
	}
}

func TestReconcile_NeverSelectsAssetWithoutLimit(t *testing.T) {
	chain := newFakeChain()
	chain.book(120, "F1", "100")
	idx := &fakeIndexer{tokens: []Token{dotToken, {UniqueID: "F1", Symbol: "FOO", Decimals: 6, AssetID: "7"}}}

	r := newTestReconciler(chain, idx, fakeQuoter{}, testConfig())
	res, err := r.Reconcile(context.Background(), Chain{Domain: testDomain, Token: "DOT"}, testAddress, nil, nil, at(100), at(164))
	require.NoError(t, err)

	assert.Equal(t, StateConverged, res.State)
	assert.Empty(t, res.Patches)

	foo, ok := findDeviation(res.Deviations, "F1")
	require.True(t, ok)
	assert.False(t, foo.HasTolerance)
	assert.True(t, foo.AbsoluteDeviationTooLarge)
	assert.True(t, foo.AbsDeviation.Equal(dec("100")))
	assert.Empty(t, res.Breaching())
}

func TestReconcile_NeverCompensatesUnreadableAsset(t *testing.T) {
	chain := newFakeChain()
	chain.book(110, "DOT", "6")

	usdt := received("USDT", "foreign/USDT", "25")
	movements := []*Movement{movement(110, received("DOT", "DOT", "6")), movement(120, usdt)}

	r := newTestReconciler(chain, &fakeIndexer{tokens: []Token{dotToken}}, nil, testConfig())
	res, err := r.Reconcile(context.Background(), Chain{Domain: testDomain, Token: "DOT"}, testAddress, movements, nil, at(100), at(164))
	require.NoError(t, err)

	assert.Equal(t, StateConverged, res.State)
	assert.Empty(t, res.Patches)
	assert.Empty(t, res.Inserted)
	require.Len(t, movements[1].Transfers, 1)
	assert.True(t, movements[1].Transfers[0].Amount.Equal(dec("25")))

	dev, ok := findDeviation(res.Deviations, "foreign/USDT")
	require.True(t, ok)
	assert.False(t, dev.Observed)
	assert.True(t, dev.HasTolerance)
	assert.True(t, dev.AbsoluteDeviationTooLarge)
	assert.Empty(t, res.Breaching())
}

// TestReconcile_ConvergesMonotonically replays a run one iteration at a time and checks that
// every fix strictly lowers the deviation of the fixed asset while leaving the others alone.
func TestReconcile_ConvergesMonotonically(t *testing.T) {
	tokens := []Token{dotToken, {UniqueID: "T1", Symbol: "T1", Decimals: 12, AssetID: "1"}}

	rapid.Check(t, func(t *rapid.T) {
		const first = uint64(100)
		width := rapid.Uint64Range(2, 256).Draw(t, "width")

		chain := newFakeChain()
		type change struct {
			block   uint64
			asset   string
			amount  decimal.Decimal
			indexed bool
		}
		var changes []change
		for _, asset := range []string{"DOT", "T1"} {
			sign := int64(1)
			if rapid.Bool().Draw(t, "withdrawal") {
				sign = -1
			}
			n := rapid.IntRange(0, 6).Draw(t, "changes")
			for i := 0; i < n; i++ {
				c := change{
					block:   rapid.Uint64Range(first+1, first+width).Draw(t, "block"),
					asset:   asset,
					amount:  decimal.NewFromInt(sign * rapid.Int64Range(1, 50).Draw(t, "amount")),
					indexed: rapid.Bool().Draw(t, "indexed"),
				}
				chain.book(c.block, c.asset, c.amount.String())
				changes = append(changes, c)
			}
		}

		// every run edits its movements, each one gets a fresh copy
		ledger := func() []*Movement {
			var out []*Movement
			for _, c := range changes {
				if c.indexed {
					out = append(out, movement(c.block, Transfer{Symbol: c.asset, AssetUniqueID: c.asset, Amount: c.amount, To: testAddress}))
				}
			}
			return out
		}

		ch := Chain{Domain: testDomain, Token: "DOT"}
		reconcile := func(iterations int) *Result {
			cfg := testConfig()
			cfg.MaxIterations = iterations
			r := newTestReconciler(chain, &fakeIndexer{tokens: tokens}, fakeQuoter{"T1": "10"}, cfg)
			res, err := r.Reconcile(context.Background(), ch, testAddress, ledger(), nil, at(first), at(first+width))
			require.NoError(t, err)
			return res
		}
		abs := func(res *Result, key string) decimal.Decimal {
			d, ok := findDeviation(res.Deviations, key)
			require.True(t, ok, key)
			return d.AbsDeviation
		}

		prev := reconcile(0)
		for k := 1; ; k++ {
			require.LessOrEqual(t, k, 100, "run does not converge")

			res := reconcile(k)
			if res.State == StateConverged {
				for _, d := range res.Deviations {
					assert.True(t, !d.AbsoluteDeviationTooLarge || slices.Contains(res.Excluded, d.Key()), d.Key())
				}
				break
			}

			lowered := 0
			for _, key := range []string{"DOT", "T1"} {
				before, after := abs(prev, key), abs(res, key)
				require.True(t, after.LessThanOrEqual(before), "%s grew from %s to %s", key, before, after)
				if after.LessThan(before) {
					lowered++
				}
			}
			require.Equal(t, 1, lowered, "iteration %d", k)
			prev = res
		}
	})
}

func TestReconcile_StopsAtIterationCap(t *testing.T) {
	chain := newFakeChain()
	quotes := fakeQuoter{}
	tokens := []Token{dotToken}
	for i := 1; i <= 6; i++ {
		id := fmt.Sprintf("T%d", i)
		tokens = append(tokens, Token{UniqueID: id, Symbol: id, Decimals: 12, AssetID: fmt.Sprint(i)})
		quotes[id] = "10"
		chain.book(uint64(100+10*i), id, "50")
	}

	cfg := testConfig()
	cfg.MaxIterations = 3
	r := newTestReconciler(chain, &fakeIndexer{tokens: tokens}, quotes, cfg)

	res, err := r.Reconcile(context.Background(), Chain{Domain: testDomain, Token: "DOT"}, testAddress, nil, nil, at(100), at(200))
	require.NoError(t, err)

	assert.Equal(t, StateStopped, res.State)
	assert.Equal(t, 3, res.Iterations)
	assert.Len(t, res.Inserted, 3)
	assert.Len(t, res.Breaching(), 3)
	assert.Equal(t, 1, chain.closes)
}

func TestReconcile_ExcludesDiffuseDeviation(t *testing.T) {
	chain := newFakeChain()
	for n := uint64(101); n <= 200; n++ {
		chain.book(n, "DOT", "-0.05")
	}

	r := newTestReconciler(chain, &fakeIndexer{tokens: []Token{dotToken}}, nil, testConfig())
	res, err := r.Reconcile(context.Background(), Chain{Domain: testDomain, Token: "DOT"}, testAddress, nil, nil, at(100), at(200))
	require.NoError(t, err)

	assert.Equal(t, StateConverged, res.State)
	assert.Equal(t, []string{"DOT"}, res.Excluded)
	assert.Len(t, res.Patches, 5)
	assert.Equal(t, 6, res.Iterations)

	dot, ok := findDeviation(res.Deviations, "DOT")
	require.True(t, ok)
	assert.True(t, dot.SignedDeviation.Equal(dec("-4.75")), dot.SignedDeviation.String())
}

func TestReconcile_CoolsDownOnTimeout(t *testing.T) {
	chain, idx, movements, events := missingWithdrawalFixture()
	chain.timeouts = 1
	r := newTestReconciler(chain, idx, nil, testConfig())

	res, err := r.Reconcile(context.Background(), Chain{Domain: testDomain, Token: "DOT"}, testAddress, movements, events, at(100), at(164))
	require.NoError(t, err)

	assert.Equal(t, StateConverged, res.State)
	assert.Len(t, res.Inserted, 1)
	assert.Equal(t, 3, res.Iterations)
	assert.Equal(t, 2, chain.dials)
	assert.Equal(t, 2, chain.closes)
}

func TestReconcile_TimeoutHonorsContext(t *testing.T) {
	chain, idx, movements, events := missingWithdrawalFixture()
	chain.timeouts = 1
	cfg := testConfig()
	cfg.TimeoutCooldown = DefaultConfig().TimeoutCooldown
	r := newTestReconciler(chain, idx, nil, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Reconcile(ctx, Chain{Domain: testDomain, Token: "DOT"}, testAddress, movements, events, at(100), at(164))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, chain.dials, chain.closes)
}

func TestReconcile_UnsupportedChain(t *testing.T) {
	chain := newFakeChain()
	chain.unsupported = true
	idx := &fakeIndexer{tokens: []Token{dotToken}}
	movements := []*Movement{movement(110, received("DOT", "DOT", "1"))}

	r := newTestReconciler(chain, idx, nil, testConfig())
	res, err := r.Reconcile(context.Background(), Chain{Domain: "unknown", Token: "UNK"}, testAddress, movements, nil, at(100), at(164))
	require.NoError(t, err)

	assert.Empty(t, res.Deviations)
	assert.Empty(t, res.Patches)
	assert.Equal(t, movements, res.Movements)
	assert.Zero(t, idx.calls)
	assert.Zero(t, chain.calls)
}

func TestReconcile_InvalidRequest(t *testing.T) {
	chain, idx, movements, events := missingWithdrawalFixture()
	r := newTestReconciler(chain, idx, nil, testConfig())

	_, err := r.Reconcile(context.Background(), Chain{Domain: testDomain}, testAddress, movements, events, at(164), at(100))
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = r.Reconcile(context.Background(), Chain{Domain: testDomain}, "", movements, events, at(100), at(164))
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.Zero(t, chain.dials)
}

func TestReconcile_AttributesFeesToNativeToken(t *testing.T) {
	chain := newFakeChain()
	chain.book(110, "DOT", "5.98")

	m := movement(110, received("DOT", "DOT", "6"))
	m.FeeAmount = dec("0.015")
	m.TipAmount = dec("0.005")

	r := newTestReconciler(chain, &fakeIndexer{tokens: []Token{dotToken}}, nil, testConfig())
	res, err := r.Reconcile(context.Background(), Chain{Domain: testDomain, Token: "DOT"}, testAddress, []*Movement{m}, nil, at(100), at(164))
	require.NoError(t, err)

	assert.Empty(t, res.Patches)
	dot, ok := findDeviation(res.Deviations, "DOT")
	require.True(t, ok)
	assert.True(t, dot.SignedDeviation.IsZero(), dot.SignedDeviation.String())
}

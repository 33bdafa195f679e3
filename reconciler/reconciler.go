package reconciler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	timeutils "github.com/eqtlab/substrate-reconciler/pkg/time"
)

var (
	// ErrTimeout is returned by chain node calls that exceeded their deadline.
	ErrTimeout = errors.New("chain node call timed out")
	// ErrUnsupportedChain is returned by dialers that have no node configured for a chain.
	ErrUnsupportedChain = errors.New("chain is not supported")
	ErrInvalidRequest   = errors.New("invalid reconcile request")
)

// ChainNode reads ground truth balances from an archive node.
type ChainNode interface {
	// BalancesAt returns balances of the given tokens at the block. Every token the node can read is
	// present, with a zero balance if the account holds none. Tokens it can't read are left out.
	BalancesAt(ctx context.Context, block uint64, address string, tokens []Token) ([]AssetBalance, error)
	Close() error
}

type ChainNodeDialer interface {
	// Dial returns ErrUnsupportedChain if there is no node for the chain
	Dial(ctx context.Context, domain string) (ChainNode, error)
}

// Indexer is the block explorer the movements came from.
type Indexer interface {
	BlockByNumber(ctx context.Context, domain string, number uint64) (Block, error)
	// BlockByTimestamp returns the last block produced at or before the given time
	BlockByTimestamp(ctx context.Context, domain string, at time.Time) (Block, error)
	Tokens(ctx context.Context, domain string) ([]Token, error)
}

// nolint:lll
type Config struct {
	MaxIterations     int           `env:"MAX_ITERATIONS, default=500"`    // How many fixes one run may attempt
	TimeoutCooldown   time.Duration `env:"TIMEOUT_COOLDOWN, default=3m"`   // How long to wait after a chain node timeout before retrying
	ConvergenceWindow int           `env:"CONVERGENCE_WINDOW, default=5"`  // How many recent fixes of an asset are considered for exclusion
	ConvergenceRatio  float64       `env:"CONVERGENCE_RATIO, default=0.1"` // Asset is excluded once every recent fix resolved less than this share of its max tolerance
	FinalRetries      int           `env:"FINAL_RETRIES, default=3"`       // How many timeouts the closing evaluation survives
}

func DefaultConfig() Config {
	return Config{
		MaxIterations:     500,
		TimeoutCooldown:   3 * time.Minute,
		ConvergenceWindow: 5,
		ConvergenceRatio:  0.1,
		FinalRetries:      3,
	}
}

type State string

const (
	StateConverged State = "converged"
	StateStopped   State = "stopped"
)

type Result struct {
	Movements  []*Movement // input movements followed by inserted compensations
	Deviations []Deviation
	Patches    []Patch
	Touched    []*Movement // persisted movements edited by the run
	Inserted   []*Movement
	Excluded   []string // asset keys given up on as not localizable
	Iterations int
	State      State
}

// Breaching returns observed deviations still above their max tolerance.
func (r *Result) Breaching() []Deviation {
	var out []Deviation
	for _, d := range r.Deviations {
		if d.Observed && d.HasTolerance && d.AbsoluteDeviationTooLarge {
			out = append(out, d)
		}
	}
	return out
}

// Reconciler makes movement histories agree with balances observed on chain.
// It holds no state between runs and may be used by several goroutines at once.
type Reconciler struct {
	cfg        Config
	indexer    Indexer
	dialer     ChainNodeDialer
	tolerances *Tolerances
	validate   *validator.Validate
	logger     *zap.Logger
}

func New(indexer Indexer, dialer ChainNodeDialer, tolerances *Tolerances, l *zap.Logger, cfg Config) *Reconciler {
	return &Reconciler{
		cfg:        cfg,
		indexer:    indexer,
		dialer:     dialer,
		tolerances: tolerances,
		validate:   validator.New(),
		logger:     l,
	}
}

type request struct {
	Domain  string    `validate:"required"`
	Address string    `validate:"required"`
	MinDate time.Time `validate:"required"`
	MaxDate time.Time `validate:"required,gtfield=MinDate"`
}

// Reconcile corrects movements of address on chain between minDate and maxDate. Movements are
// edited in place, compensation movements are appended to Result.Movements. Unsupported chains
// give an empty result without touching anything.
func (r *Reconciler) Reconcile(
	ctx context.Context,
	chain Chain,
	address string,
	movements []*Movement,
	events []ChainEvent,
	minDate, maxDate time.Time,
) (*Result, error) {
	req := request{Domain: chain.Domain, Address: address, MinDate: minDate, MaxDate: maxDate}
	if err := r.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	logger := r.logger.With(zap.String("chain", chain.Domain), zap.String("address", address))

	differ := NewBalanceDiffer(chain.Domain, r.dialer, nil, NewBalanceCache(), logger)
	defer differ.Release()

	if err := r.open(ctx, differ, logger); err != nil {
		if errors.Is(err, ErrUnsupportedChain) {
			logger.Info("reconciler: chain has no node, skipping")
			return &Result{Movements: movements, State: StateConverged}, nil
		}
		return nil, err
	}

	tokens, err := r.indexer.Tokens(ctx, chain.Domain)
	if err != nil {
		return nil, fmt.Errorf("indexer tokens: %w", err)
	}
	differ.setTokens(tokens)

	start, err := r.indexer.BlockByTimestamp(ctx, chain.Domain, minDate)
	if err != nil {
		return nil, fmt.Errorf("indexer block at %s: %w", minDate, err)
	}
	end, err := r.indexer.BlockByTimestamp(ctx, chain.Domain, maxDate)
	if err != nil {
		return nil, fmt.Errorf("indexer block at %s: %w", maxDate, err)
	}

	limits, err := r.tolerances.LimitsFor(ctx, symbolsOf(tokens, movements))
	if err != nil {
		return nil, fmt.Errorf("tolerance limits: %w", err)
	}

	calc := NewCalculator(differ, limits, tokens)
	u := &run{
		cfg:      r.cfg,
		chain:    chain,
		address:  address,
		ledger:   NewLedger(movements),
		events:   events,
		start:    start,
		end:      end,
		tokens:   tokens,
		differ:   differ,
		calc:     calc,
		bisector: NewBisector(chain.Domain, calc, r.indexer, logger),
		window:   make(map[string][]float64),
		excluded: make(map[string]bool),
		logger:   logger,
	}

	return u.correct(ctx)
}

// open dials the chain node, waiting out timeouts like every other chain call of a run.
func (r *Reconciler) open(ctx context.Context, differ *BalanceDiffer, logger *zap.Logger) error {
	for attempt := 0; ; attempt++ {
		err := differ.Open(ctx)
		if !errors.Is(err, ErrTimeout) || attempt >= r.cfg.FinalRetries {
			return err
		}
		logger.Warn("reconciler: chain node dial timed out, cooling down", zap.Duration("cooldown", r.cfg.TimeoutCooldown))
		if err := timeutils.Sleep(ctx, r.cfg.TimeoutCooldown); err != nil {
			return err
		}
	}
}

func symbolsOf(tokens []Token, movements []*Movement) []string {
	var out []string
	for _, t := range tokens {
		out = append(out, t.Symbol)
	}
	for _, m := range movements {
		for _, t := range m.Transfers {
			out = append(out, t.Symbol)
		}
	}
	return out
}

// run is the state of one Reconcile call.
type run struct {
	cfg      Config
	chain    Chain
	address  string
	ledger   *Ledger
	events   []ChainEvent
	start    Block
	end      Block
	tokens   []Token
	differ   *BalanceDiffer
	calc     *Calculator
	bisector *Bisector

	feeAsset    string
	feeResolved bool
	devs        []Deviation
	fresh       bool // devs reflect the ledger as is
	iterations  int
	window      map[string][]float64
	excluded    map[string]bool
	logger      *zap.Logger
}

func (u *run) correct(ctx context.Context) (*Result, error) {
	state := StateStopped
	for u.iterations < u.cfg.MaxIterations {
		u.iterations++

		done, err := u.step(ctx)
		if errors.Is(err, ErrTimeout) {
			if err := u.cooldown(ctx, err); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		if done {
			state = StateConverged
			break
		}
	}

	if !u.fresh {
		if err := u.finalEvaluation(ctx); err != nil {
			return nil, err
		}
	}

	excluded := make([]string, 0, len(u.excluded))
	for k := range u.excluded {
		excluded = append(excluded, k)
	}
	slices.Sort(excluded)

	res := &Result{
		Movements:  u.ledger.Movements(),
		Deviations: u.devs,
		Patches:    u.ledger.Patches(),
		Touched:    u.ledger.Touched(),
		Inserted:   u.ledger.Inserted(),
		Excluded:   excluded,
		Iterations: u.iterations,
		State:      state,
	}

	u.logger.Info(
		"reconciler: run finished",
		zap.String("state", string(state)),
		zap.Int("iterations", u.iterations),
		zap.Int("patches", len(res.Patches)),
		zap.Int("breaching", len(res.Breaching())),
		zap.Strings("excluded", excluded),
	)
	return res, nil
}

// step is one evaluate, select, zoom in and fix pass. It reports true once nothing is left to fix.
func (u *run) step(ctx context.Context) (bool, error) {
	if !u.feeResolved {
		fee, err := u.bestFeeAsset(ctx)
		if err != nil {
			return false, err
		}
		u.feeAsset, u.feeResolved = fee, true
	}

	devs, err := u.calc.Evaluate(ctx, u.address, u.ledger.Movements(), u.start, u.end, u.feeAsset)
	if err != nil {
		return false, err
	}
	u.devs, u.fresh = devs, true

	target, ok := Select(devs, u.excluded)
	if !ok {
		return true, nil
	}

	u.logger.Debug(
		"reconciler: fixing asset",
		zap.Int("iteration", u.iterations),
		zap.String("asset", target.Symbol),
		zap.String("asset_id", target.AssetUniqueID),
		zap.String("deviation", target.SignedDeviation.String()),
	)

	loc, err := u.bisector.LocalizeAndFix(ctx, u.ledger, u.events, u.address, target, u.start, u.end, devs, u.feeAsset)
	if err != nil {
		return false, err
	}
	if loc.Patch != nil {
		u.fresh = false
	}

	u.track(target, loc)
	return false, nil
}

// track excludes assets whose recent fixes all resolved only a tiny share of their tolerance,
// such residuals are spread over many blocks and bisection can't pin them down.
func (u *run) track(target Deviation, loc Localization) {
	k := target.Key()
	ratio := 0.0
	if target.ToleranceMax.IsPositive() {
		ratio = loc.Resolved.Div(target.ToleranceMax).InexactFloat64()
	}

	w := append(u.window[k], ratio)
	if len(w) > u.cfg.ConvergenceWindow {
		w = w[len(w)-u.cfg.ConvergenceWindow:]
	}
	u.window[k] = w

	if len(w) < u.cfg.ConvergenceWindow || slices.Max(w) >= u.cfg.ConvergenceRatio {
		return
	}
	u.excluded[k] = true
	u.logger.Info(
		"reconciler: asset does not converge, excluding",
		zap.String("asset", target.Symbol),
		zap.String("asset_id", target.AssetUniqueID),
		zap.String("deviation", target.SignedDeviation.String()),
	)
}

// bestFeeAsset tries attributing fees to the native token and to nothing, keeping the smaller total deviation.
func (u *run) bestFeeAsset(ctx context.Context) (string, error) {
	native := u.chain.Token
	for _, t := range u.tokens {
		if t.Native {
			native = t.UniqueID
			break
		}
	}

	withNative, err := u.calc.Evaluate(ctx, u.address, u.ledger.Movements(), u.start, u.end, native)
	if err != nil {
		return "", err
	}
	withoutFees, err := u.calc.Evaluate(ctx, u.address, u.ledger.Movements(), u.start, u.end, "")
	if err != nil {
		return "", err
	}

	if TotalDeviation(withoutFees).LessThan(TotalDeviation(withNative)) {
		u.logger.Debug("reconciler: fees are not attributed")
		return "", nil
	}
	return native, nil
}

func (u *run) finalEvaluation(ctx context.Context) error {
	for attempt := 0; ; attempt++ {
		devs, err := u.calc.Evaluate(ctx, u.address, u.ledger.Movements(), u.start, u.end, u.feeAsset)
		if err == nil {
			u.devs, u.fresh = devs, true
			return nil
		}
		if !errors.Is(err, ErrTimeout) || attempt >= u.cfg.FinalRetries {
			return err
		}
		if err := u.cooldown(ctx, err); err != nil {
			return err
		}
	}
}

func (u *run) cooldown(ctx context.Context, cause error) error {
	u.logger.Warn(
		"reconciler: chain node timed out, cooling down",
		zap.Error(cause),
		zap.Duration("cooldown", u.cfg.TimeoutCooldown),
	)
	u.differ.Release()
	return timeutils.Sleep(ctx, u.cfg.TimeoutCooldown)
}

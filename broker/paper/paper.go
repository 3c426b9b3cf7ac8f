// Package paper is a simulated exchange that fills market orders at the
// current market price, for dry runs and tests.
package paper

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/rustyeddy/tradeguard/broker"
	"github.com/rustyeddy/tradeguard/clock"
	"github.com/rustyeddy/tradeguard/market"
	"github.com/rustyeddy/tradeguard/pkg/id"
	"github.com/rustyeddy/tradeguard/pkg/logger"
)

type Config struct {
	Capital     float64 `yaml:"capital"`
	FeePct      float64 `yaml:"fee_pct"`      // charged on notional, e.g. 0.05
	SlippagePct float64 `yaml:"slippage_pct"` // adverse price move per fill
}

// dust below which a remaining holding is treated as zero
const dust = 1e-12

type Exchange struct {
	mu       sync.Mutex
	cfg      Config
	data     market.Data
	clock    clock.Clock
	log      *zap.Logger
	cash     float64
	holdings map[string]float64
	fills    []broker.Fill
	store    Store
}

var (
	_ broker.Exchange = (*Exchange)(nil)
	_ broker.Balancer = (*Exchange)(nil)
)

func New(cfg Config, data market.Data, c clock.Clock, log *zap.Logger) *Exchange {
	if c == nil {
		c = clock.System{}
	}
	return &Exchange{
		cfg:      cfg,
		data:     data,
		clock:    c,
		log:      logger.OrNop(log).Named("paper"),
		cash:     cfg.Capital,
		holdings: make(map[string]float64),
	}
}

// Open is New backed by st: the saved account is restored, or seeded with
// cfg.Capital on first use, and every fill is saved before it is reported.
func Open(ctx context.Context, cfg Config, data market.Data, c clock.Clock, log *zap.Logger, st Store) (*Exchange, error) {
	e := New(cfg, data, c, log)
	acct, ok, err := st.Load(ctx)
	if err != nil {
		return nil, err
	}
	if ok {
		e.cash = acct.Cash
		for a, q := range acct.Holdings {
			e.holdings[strings.ToUpper(a)] = q
		}
		e.log.Info("restored paper account",
			zap.Float64("cash", e.cash), zap.Int("holdings", len(e.holdings)))
	} else if err := st.Save(ctx, e.account()); err != nil {
		return nil, err
	}
	e.store = st
	return e, nil
}

func (e *Exchange) account() Account {
	acct := Account{Cash: e.cash, Holdings: make(map[string]float64, len(e.holdings))}
	for a, q := range e.holdings {
		acct.Holdings[a] = q
	}
	return acct
}

// commit saves the account after a fill, restoring cash and the asset's
// holding when the save fails. Callers hold mu.
func (e *Exchange) commit(ctx context.Context, k string, cash, held float64) error {
	if e.store == nil {
		return nil
	}
	if err := e.store.Save(ctx, e.account()); err != nil {
		e.cash = cash
		if held > dust {
			e.holdings[k] = held
		} else {
			delete(e.holdings, k)
		}
		return err
	}
	return nil
}

func (e *Exchange) Buy(ctx context.Context, asset string, notional float64) (broker.Fill, error) {
	if notional <= 0 || math.IsNaN(notional) || math.IsInf(notional, 0) {
		return broker.Fill{}, fmt.Errorf("%w: notional %v", broker.ErrRejected, notional)
	}
	price, err := e.data.Price(ctx, asset)
	if err != nil {
		return broker.Fill{}, fmt.Errorf("paper buy %s: %w", asset, err)
	}
	px := price * (1 + e.cfg.SlippagePct/100)
	fee := notional * e.cfg.FeePct / 100

	e.mu.Lock()
	defer e.mu.Unlock()

	if notional+fee > e.cash {
		return broker.Fill{}, fmt.Errorf("%w: need %.2f have %.2f", broker.ErrInsufficientFunds, notional+fee, e.cash)
	}
	qty := notional / px
	k := strings.ToUpper(asset)
	cash, held := e.cash, e.holdings[k]
	e.cash -= notional + fee
	e.holdings[k] += qty
	if err := e.commit(ctx, k, cash, held); err != nil {
		return broker.Fill{}, fmt.Errorf("paper buy %s: %w", asset, err)
	}

	f := broker.Fill{
		OrderID:      id.New(),
		Asset:        asset,
		Side:         broker.Buy,
		Success:      true,
		FillPrice:    px,
		FillQuantity: qty,
		Fee:          fee,
		Time:         e.clock.Now(),
	}
	e.fills = append(e.fills, f)
	e.log.Debug("filled", zap.String("side", "buy"), zap.String("asset", asset),
		zap.Float64("qty", qty), zap.Float64("price", px))
	return f, nil
}

func (e *Exchange) Sell(ctx context.Context, asset string, qty float64) (broker.Fill, error) {
	if qty <= 0 || math.IsNaN(qty) || math.IsInf(qty, 0) {
		return broker.Fill{}, fmt.Errorf("%w: quantity %v", broker.ErrRejected, qty)
	}
	price, err := e.data.Price(ctx, asset)
	if err != nil {
		return broker.Fill{}, fmt.Errorf("paper sell %s: %w", asset, err)
	}
	px := price * (1 - e.cfg.SlippagePct/100)

	e.mu.Lock()
	defer e.mu.Unlock()

	k := strings.ToUpper(asset)
	held := e.holdings[k]
	if qty > held*(1+1e-9) {
		return broker.Fill{}, fmt.Errorf("%w: sell %.8f have %.8f", broker.ErrInsufficientHoldings, qty, held)
	}
	if qty > held {
		qty = held
	}
	proceeds := qty * px
	fee := proceeds * e.cfg.FeePct / 100
	cash := e.cash
	e.cash += proceeds - fee
	if rest := held - qty; rest > dust {
		e.holdings[k] = rest
	} else {
		delete(e.holdings, k)
	}
	if err := e.commit(ctx, k, cash, held); err != nil {
		return broker.Fill{}, fmt.Errorf("paper sell %s: %w", asset, err)
	}

	f := broker.Fill{
		OrderID:      id.New(),
		Asset:        asset,
		Side:         broker.Sell,
		Success:      true,
		FillPrice:    px,
		FillQuantity: qty,
		Fee:          fee,
		Time:         e.clock.Now(),
	}
	e.fills = append(e.fills, f)
	e.log.Debug("filled", zap.String("side", "sell"), zap.String("asset", asset),
		zap.Float64("qty", qty), zap.Float64("price", px))
	return f, nil
}

func (e *Exchange) Balance(context.Context) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cash, nil
}

func (e *Exchange) Holding(asset string) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.holdings[strings.ToUpper(asset)]
}

// Fills returns a copy of every fill so far, oldest first.
func (e *Exchange) Fills() []broker.Fill {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]broker.Fill(nil), e.fills...)
}

// Equity is cash plus holdings marked at current prices.
func (e *Exchange) Equity(ctx context.Context) (float64, error) {
	e.mu.Lock()
	cash := e.cash
	held := make(map[string]float64, len(e.holdings))
	for a, q := range e.holdings {
		held[a] = q
	}
	e.mu.Unlock()

	eq := cash
	for a, q := range held {
		p, err := e.data.Price(ctx, a)
		if err != nil {
			return 0, err
		}
		eq += q * p
	}
	return eq, nil
}

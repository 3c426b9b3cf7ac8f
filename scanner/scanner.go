// Package scanner sources entry candidates.
package scanner

import (
	"context"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rustyeddy/tradeguard/indicators"
	"github.com/rustyeddy/tradeguard/market"
	"github.com/rustyeddy/tradeguard/pkg/logger"
)

type Candidate struct {
	Asset            string
	Score            float64
	RecommendedEntry float64
}

// Scanner returns candidates ordered best first, never including an asset
// in exclude. An empty result is not an error.
type Scanner interface {
	Scan(ctx context.Context, exclude []string) ([]Candidate, error)
}

type Func func(ctx context.Context, exclude []string) ([]Candidate, error)

func (f Func) Scan(ctx context.Context, exclude []string) ([]Candidate, error) { return f(ctx, exclude) }

type StaticConfig struct {
	Assets    []string      `yaml:"assets"`
	Timeframe time.Duration `yaml:"timeframe"`
	Lookback  int           `yaml:"lookback"`  // momentum period in candles
	MinScore  float64       `yaml:"min_score"` // minimum momentum in percent
}

// Static ranks a fixed watch list by momentum over recent candles. Assets
// without enough data are skipped.
type Static struct {
	cfg  StaticConfig
	data market.Data
	log  *zap.Logger
}

var _ Scanner = (*Static)(nil)

func NewStatic(cfg StaticConfig, data market.Data, log *zap.Logger) *Static {
	if cfg.Lookback <= 0 {
		cfg.Lookback = 12
	}
	return &Static{cfg: cfg, data: data, log: logger.OrNop(log).Named("scanner")}
}

func (s *Static) Scan(ctx context.Context, exclude []string) ([]Candidate, error) {
	skip := make(map[string]bool, len(exclude))
	for _, a := range exclude {
		skip[strings.ToUpper(a)] = true
	}

	var out []Candidate
	for _, asset := range s.cfg.Assets {
		if skip[strings.ToUpper(asset)] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		candles, err := s.data.Candles(ctx, asset, s.cfg.Timeframe, s.cfg.Lookback+1)
		if err != nil {
			s.log.Debug("skip asset", zap.String("asset", asset), zap.Error(err))
			continue
		}
		score, err := indicators.Momentum(candles, s.cfg.Lookback)
		if err != nil || score < s.cfg.MinScore {
			continue
		}
		price, err := s.data.Price(ctx, asset)
		if err != nil {
			continue
		}
		out = append(out, Candidate{Asset: asset, Score: score, RecommendedEntry: price})
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}

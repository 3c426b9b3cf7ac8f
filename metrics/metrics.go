// Package metrics records tick and trade events as Prometheus series.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rustyeddy/tradeguard/events"
)

type Sink interface {
	Record(e events.Event)
}

type Nop struct{}

func (Nop) Record(events.Event) {}

// Prometheus owns its registry so several instances can coexist in tests.
type Prometheus struct {
	reg *prometheus.Registry

	ticks         *prometheus.CounterVec
	tickDuration  *prometheus.HistogramVec
	trades        *prometheus.CounterVec
	blocks        *prometheus.CounterVec
	aborts        *prometheus.CounterVec
	safeModeTrips *prometheus.CounterVec
	dailyPnL      prometheus.Gauge
	openPositions prometheus.Gauge
}

func NewPrometheus() *Prometheus {
	p := &Prometheus{
		reg: prometheus.NewRegistry(),
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradeguard_ticks_total",
			Help: "Ticks by job and outcome.",
		}, []string{"job", "outcome"}),
		tickDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tradeguard_tick_duration_seconds",
			Help:    "Tick wall time by job.",
			Buckets: prometheus.DefBuckets,
		}, []string{"job"}),
		trades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradeguard_trades_total",
			Help: "Executed orders by side and reason.",
		}, []string{"side", "reason"}),
		blocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradeguard_blocks_total",
			Help: "Ticks blocked by the circuit breaker, by reason.",
		}, []string{"reason"}),
		aborts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradeguard_aborts_total",
			Help: "Ticks aborted by an error, by reason.",
		}, []string{"reason"}),
		safeModeTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradeguard_safe_mode_trips_total",
			Help: "Automatic safe-mode activations by reason.",
		}, []string{"reason"}),
		dailyPnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tradeguard_daily_pnl_pct",
			Help: "Realized P&L today in percent of capital.",
		}),
		openPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tradeguard_open_positions",
			Help: "Open positions after the last tick.",
		}),
	}
	p.reg.MustRegister(p.ticks, p.tickDuration, p.trades, p.blocks, p.aborts,
		p.safeModeTrips, p.dailyPnL, p.openPositions)
	return p
}

func (p *Prometheus) Registry() *prometheus.Registry { return p.reg }

func (p *Prometheus) Record(e events.Event) {
	switch e.Kind {
	case events.KindTick:
		p.ticks.WithLabelValues(e.Job, e.Outcome).Inc()
		if e.Duration > 0 {
			p.tickDuration.WithLabelValues(e.Job).Observe(e.Duration.Seconds())
		}
		p.dailyPnL.Set(e.DailyPnL)
		p.openPositions.Set(float64(e.OpenPositions))
	case events.KindTrade:
		p.trades.WithLabelValues(e.Side, e.Reason).Inc()
	case events.KindBlocked:
		p.blocks.WithLabelValues(e.Reason).Inc()
	case events.KindAborted:
		p.aborts.WithLabelValues(e.Reason).Inc()
	case events.KindSafeMode:
		p.safeModeTrips.WithLabelValues(e.Reason).Inc()
	}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.reg, promhttp.HandlerOpts{Registry: p.reg})
}

// Serve exposes h at /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string, h http.Handler) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Package notify delivers tick events to operators. Delivery is
// fire-and-forget: callers log a failed Send and carry on.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/rustyeddy/tradeguard/events"
	"github.com/rustyeddy/tradeguard/pkg/logger"
)

type Sink interface {
	Send(ctx context.Context, e events.Event) error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Send(context.Context, events.Event) error { return nil }

// LogSink writes events to a zap logger.
type LogSink struct {
	log *zap.Logger
}

func NewLogSink(log *zap.Logger) *LogSink {
	return &LogSink{log: logger.OrNop(log).Named("notify")}
}

func (s *LogSink) Send(_ context.Context, e events.Event) error {
	fields := []zap.Field{
		zap.String("id", e.ID),
		zap.String("kind", string(e.Kind)),
		zap.String("job", e.Job),
		zap.String("outcome", e.Outcome),
	}
	if e.Reason != "" {
		fields = append(fields, zap.String("reason", e.Reason))
	}
	if e.Asset != "" {
		fields = append(fields, zap.String("asset", e.Asset))
	}
	switch e.Kind {
	case events.KindAborted, events.KindSafeMode:
		s.log.Warn(e.String(), fields...)
	default:
		s.log.Info(e.String(), fields...)
	}
	return nil
}

type WebhookConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
	Retries int           `yaml:"retries"`
	// Kinds limits delivery to these event kinds; empty sends all.
	Kinds []string `yaml:"kinds"`
}

// WebhookSink POSTs each event as JSON.
type WebhookSink struct {
	client *resty.Client
	url    string
	kinds  map[events.Kind]bool
}

func NewWebhookSink(cfg WebhookConfig) (*WebhookSink, error) {
	if cfg.URL == "" {
		return nil, errors.New("notify: webhook url is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(cfg.Retries).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetHeader("Content-Type", "application/json")

	var kinds map[events.Kind]bool
	if len(cfg.Kinds) > 0 {
		kinds = make(map[events.Kind]bool, len(cfg.Kinds))
		for _, k := range cfg.Kinds {
			kinds[events.Kind(k)] = true
		}
	}
	return &WebhookSink{client: client, url: cfg.URL, kinds: kinds}, nil
}

func (s *WebhookSink) Send(ctx context.Context, e events.Event) error {
	if s.kinds != nil && !s.kinds[e.Kind] {
		return nil
	}
	resp, err := s.client.R().SetContext(ctx).SetBody(e).Post(s.url)
	if err != nil {
		return fmt.Errorf("notify: webhook: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("notify: webhook status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

// Multi sends to every sink concurrently and joins their errors.
type Multi []Sink

func (m Multi) Send(ctx context.Context, e events.Event) error {
	errs := make([]error, len(m))
	var wg sync.WaitGroup
	for i, s := range m {
		wg.Add(1)
		go func(i int, s Sink) {
			defer wg.Done()
			errs[i] = s.Send(ctx, e)
		}(i, s)
	}
	wg.Wait()
	return errors.Join(errs...)
}

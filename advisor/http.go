package advisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

type HTTPConfig struct {
	URL     string        `yaml:"url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
	Retries int           `yaml:"retries"`
}

// HTTPClient asks a remote advisor by POSTing the Context as JSON to
// {URL}/evaluate and reading a Decision back.
type HTTPClient struct {
	client *resty.Client
}

var _ Advisor = (*HTTPClient)(nil)

func NewHTTPClient(cfg HTTPConfig) (*HTTPClient, error) {
	if cfg.URL == "" {
		return nil, errors.New("advisor: url is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := resty.New().
		SetBaseURL(strings.TrimSuffix(cfg.URL, "/")).
		SetTimeout(timeout).
		SetRetryCount(cfg.Retries).
		SetRetryWaitTime(250 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		c.SetAuthToken(cfg.APIKey)
	}
	return &HTTPClient{client: c}, nil
}

func (h *HTTPClient) Evaluate(ctx context.Context, in Context) (Decision, error) {
	var out Decision
	resp, err := h.client.R().
		SetContext(ctx).
		SetBody(in).
		SetResult(&out).
		Post("/evaluate")
	if err != nil {
		return holdFor("error"), fmt.Errorf("advisor: %w", err)
	}
	if resp.IsError() {
		return holdFor("error"), fmt.Errorf("advisor: status %d: %s", resp.StatusCode(), resp.String())
	}
	return out, nil
}

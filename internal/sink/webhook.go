package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/firefart/dmarcpipeline/internal/config"
	"github.com/firefart/dmarcpipeline/internal/report"
)

type WebhookOptions struct {
	URL string `mapstructure:"url" validate:"required,url"`
	// AggregateURL and ForensicURL override URL for a single report type.
	AggregateURL string            `mapstructure:"aggregate_url" validate:"omitempty,url"`
	ForensicURL  string            `mapstructure:"forensic_url" validate:"omitempty,url"`
	Headers      map[string]string `mapstructure:"headers"`
	Timeout      time.Duration     `mapstructure:"timeout" validate:"gt=0"`
	// the breaker opens after this many consecutive failures
	BreakerFailures uint32        `mapstructure:"breaker_failures" validate:"gt=0"`
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout" validate:"gt=0"`
}

func DefaultWebhookOptions() WebhookOptions {
	return WebhookOptions{
		Timeout:         30 * time.Second,
		BreakerFailures: 5,
		BreakerTimeout:  time.Minute,
	}
}

// WebhookError is returned for responses outside of 2xx.
type WebhookError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *WebhookError) Error() string {
	return fmt.Sprintf("webhook %s returned status %d: %s", e.URL, e.StatusCode, e.Body)
}

// Webhook POSTs every report as JSON. Once the breaker is open requests fail
// with gobreaker.ErrOpenState until BreakerTimeout has passed.
type Webhook struct {
	logger  *slog.Logger
	opts    WebhookOptions
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

func NewWebhookFromOptions(logger *slog.Logger, options map[string]any) (Transport, error) {
	opts := DefaultWebhookOptions()
	if err := config.DecodeOptions(options, &opts); err != nil {
		return nil, err
	}
	return NewWebhook(logger, opts), nil
}

func NewWebhook(logger *slog.Logger, opts WebhookOptions) *Webhook {
	return &Webhook{
		logger: logger,
		opts:   opts,
	}
}

func (w *Webhook) Open(context.Context) error {
	w.client = &http.Client{Timeout: w.opts.Timeout}
	w.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "webhook",
		Timeout: w.opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= w.opts.BreakerFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			w.logger.Warn("webhook circuit breaker state changed",
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})
	return nil
}

func (w *Webhook) Close(context.Context) error {
	if w.client != nil {
		w.client.CloseIdleConnections()
	}
	return nil
}

// BreakerState returns the state of the circuit breaker.
func (w *Webhook) BreakerState() gobreaker.State {
	return w.breaker.State()
}

func (w *Webhook) post(ctx context.Context, url string, r report.Report) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("could not marshal report: %w", err)
	}

	_, err = w.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-DMARC-Report-Type", string(r.Kind()))
		for k, v := range w.opts.Headers {
			req.Header.Set(k, v)
		}

		resp, err := w.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			return nil, &WebhookError{URL: url, StatusCode: resp.StatusCode, Body: string(b)}
		}
		// drain so the connection can be reused
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("could not post report %s: %w", r.ID(), err)
	}
	return nil
}

func (w *Webhook) Aggregate(ctx context.Context, r *report.AggregateReport) error {
	url := w.opts.URL
	if w.opts.AggregateURL != "" {
		url = w.opts.AggregateURL
	}
	return w.post(ctx, url, r)
}

func (w *Webhook) Forensic(ctx context.Context, r *report.ForensicReport) error {
	url := w.opts.URL
	if w.opts.ForensicURL != "" {
		url = w.opts.ForensicURL
	}
	return w.post(ctx, url, r)
}

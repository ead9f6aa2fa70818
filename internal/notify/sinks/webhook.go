package sinks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlq/internal/notify"
)

// WebhookConfig controls webhook delivery. DefaultURL receives events whose
// Webhook field is empty; when both are empty the event is skipped.
type WebhookConfig struct {
	DefaultURL string
	Timeout    time.Duration
	Headers    map[string]string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// WebhookSink POSTs each event as JSON. Delivery is best effort: a failed
// POST is logged and the rest of the batch continues.
type WebhookSink struct {
	defaultURL string
	headers    map[string]string
	client     *http.Client
	logger     *zap.Logger
}

// NewWebhookSink builds a webhook sink. Timeout defaults to 10s.
func NewWebhookSink(cfg WebhookConfig) *WebhookSink {
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookSink{
		defaultURL: cfg.DefaultURL,
		headers:    cfg.Headers,
		client:     client,
		logger:     logger,
	}
}

// Name implements notify.Sink.
func (s *WebhookSink) Name() string { return "webhook" }

// Consume delivers each event. It returns the joined delivery errors so the
// hub can count them.
func (s *WebhookSink) Consume(ctx context.Context, batch []notify.Event) error {
	var errs []error
	for _, evt := range batch {
		target := evt.Webhook
		if target == "" {
			target = s.defaultURL
		}
		if target == "" {
			continue
		}
		if err := s.post(ctx, target, evt); err != nil {
			s.logger.Warn("Webhook delivery failed",
				zap.String("type", string(evt.Type)),
				zap.String("crawl_id", evt.CrawlID),
				zap.String("job_id", evt.JobID),
				zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *WebhookSink) post(ctx context.Context, target string, evt notify.Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("webhook %s returned status %d", target, resp.StatusCode)
	}
	return nil
}

// Close implements notify.Sink.
func (s *WebhookSink) Close(context.Context) error {
	s.client.CloseIdleConnections()
	return nil
}

// Copyright (C) 2024 Stashpost, Inc.
// See LICENSE for copying information.

package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// WebhookConfig holds webhook sink configuration.
type WebhookConfig struct {
	URL            string        `help:"webhook URL to POST alerts to; empty disables the sink" default:""`
	RequestTimeout time.Duration `help:"timeout for webhook deliveries" default:"10s"`
}

// WebhookSink POSTs alerts as JSON to a configured URL.
type WebhookSink struct {
	log    *zap.Logger
	config WebhookConfig
	http   *http.Client
}

// NewWebhookSink creates a webhook-backed sink.
func NewWebhookSink(log *zap.Logger, config WebhookConfig) *WebhookSink {
	return &WebhookSink{
		log:    log,
		config: config,
		http:   &http.Client{Timeout: config.RequestTimeout},
	}
}

// Emit implements Sink. Delivery failures are logged and dropped.
func (sink *WebhookSink) Emit(ctx context.Context, alert Alert) {
	defer mon.Task()(&ctx)(nil)

	payload, err := json.Marshal(map[string]interface{}{
		"severity": alert.Severity,
		"title":    alert.Title,
		"body":     alert.Body,
		"context":  alert.Context,
	})
	if err != nil {
		sink.log.Error("alert payload encoding failed", zap.Error(Error.Wrap(err)))
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sink.config.URL, bytes.NewReader(payload))
	if err != nil {
		sink.log.Error("alert webhook request failed", zap.Error(Error.Wrap(err)))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := sink.http.Do(req)
	if err != nil {
		sink.log.Warn("alert webhook delivery failed",
			zap.String("title", alert.Title), zap.Error(Error.Wrap(err)))
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		sink.log.Warn("alert webhook rejected",
			zap.String("title", alert.Title), zap.Int("status", resp.StatusCode))
	}
}

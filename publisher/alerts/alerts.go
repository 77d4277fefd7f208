// Copyright (C) 2024 Stashpost, Inc.
// See LICENSE for copying information.

// Package alerts delivers operator notifications. Delivery is fire and
// forget: a failing sink logs and never affects the calling flow.
package alerts

import (
	"context"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

var (
	// Error is the alerts error class.
	Error = errs.Class("alerts")

	mon = monkit.Package()
)

// Severity grades an alert.
type Severity string

// Alert severities.
const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is one operator notification.
type Alert struct {
	Severity Severity
	Title    string
	Body     string
	Context  map[string]string
}

// Sink delivers alerts somewhere.
type Sink interface {
	// Emit delivers the alert. Implementations must swallow and log their
	// own failures.
	Emit(ctx context.Context, alert Alert)
}

// LogSink writes alerts to the service log.
type LogSink struct {
	log *zap.Logger
}

// NewLogSink creates a log-backed sink.
func NewLogSink(log *zap.Logger) *LogSink {
	return &LogSink{log: log}
}

// Emit implements Sink.
func (sink *LogSink) Emit(ctx context.Context, alert Alert) {
	defer mon.Task()(&ctx)(nil)
	mon.Event("alert_emitted", monkit.NewSeriesTag("severity", string(alert.Severity)))

	fields := []zap.Field{zap.String("title", alert.Title), zap.String("body", alert.Body)}
	for key, value := range alert.Context {
		fields = append(fields, zap.String(key, value))
	}

	switch alert.Severity {
	case SeverityCritical:
		sink.log.Error("alert", fields...)
	case SeverityWarning:
		sink.log.Warn("alert", fields...)
	default:
		sink.log.Info("alert", fields...)
	}
}

// Sinks fans an alert out to several sinks.
type Sinks []Sink

// Emit implements Sink.
func (sinks Sinks) Emit(ctx context.Context, alert Alert) {
	for _, sink := range sinks {
		sink.Emit(ctx, alert)
	}
}

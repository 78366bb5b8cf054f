// Package otel instruments the request pipeline with OpenTelemetry
// metrics. A TokenTracker records per-request token usage; the meter
// flushes through a periodic reader into the SQLite exporter and, in
// debug mode, stdout.
package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// UsageOptions describes one finished request for metric recording.
type UsageOptions struct {
	// Route is "anthropic" or "custom".
	Route string

	// Provider is "anthropic" or the custom provider name.
	Provider string

	// Model is the upstream model dispatched.
	Model string

	// RequestModel is the client-visible model id requested.
	RequestModel string

	InputTokens  int
	OutputTokens int
	Streamed     bool

	// Status is "success", "error" or "canceled".
	Status string

	// ErrorCode classifies a failure, empty on success.
	ErrorCode string

	LatencyMs int64
}

// TokenTracker owns the pipeline's metric instruments.
type TokenTracker struct {
	tokenUsage      metric.Int64Counter
	tokenTotal      metric.Int64Counter
	requestCount    metric.Int64Counter
	requestErrors   metric.Int64Counter
	requestDuration metric.Float64Histogram
}

// NewTokenTracker creates the instruments on the given meter.
func NewTokenTracker(meter metric.Meter) (*TokenTracker, error) {
	tt := &TokenTracker{}
	var err error

	tt.tokenUsage, err = meter.Int64Counter(
		"llm.token.usage",
		metric.WithDescription("LLM token usage by type (input/output)"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, err
	}

	tt.tokenTotal, err = meter.Int64Counter(
		"llm.token.total",
		metric.WithDescription("Total LLM tokens consumed (input + output)"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, err
	}

	tt.requestCount, err = meter.Int64Counter(
		"llm.request.count",
		metric.WithDescription("Number of LLM requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	tt.requestErrors, err = meter.Int64Counter(
		"llm.request.errors",
		metric.WithDescription("Number of failed LLM requests"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	tt.requestDuration, err = meter.Float64Histogram(
		"llm.request.duration",
		metric.WithDescription("LLM request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return tt, nil
}

// RecordUsage records one finished request.
func (tt *TokenTracker) RecordUsage(ctx context.Context, opts UsageOptions) {
	attrs := []attribute.KeyValue{
		AttrLLMRoute.String(opts.Route),
		AttrLLMProvider.String(opts.Provider),
		AttrLLMModel.String(opts.Model),
		AttrLLMRequestModel.String(opts.RequestModel),
		AttrLLMStreaming.Bool(opts.Streamed),
		AttrLLMResponseStatus.String(opts.Status),
	}
	if opts.ErrorCode != "" {
		attrs = append(attrs, AttrLLMErrorCode.String(opts.ErrorCode))
	}

	if opts.InputTokens > 0 {
		in := append(attrs, AttrLLMTokenType.String("input"))
		tt.tokenUsage.Add(ctx, int64(opts.InputTokens), metric.WithAttributes(in...))
	}
	if opts.OutputTokens > 0 {
		out := append(attrs, AttrLLMTokenType.String("output"))
		tt.tokenUsage.Add(ctx, int64(opts.OutputTokens), metric.WithAttributes(out...))
	}
	if total := opts.InputTokens + opts.OutputTokens; total > 0 {
		tt.tokenTotal.Add(ctx, int64(total), metric.WithAttributes(attrs...))
	}

	tt.requestCount.Add(ctx, 1, metric.WithAttributes(attrs...))
	if opts.LatencyMs > 0 {
		tt.requestDuration.Record(ctx, float64(opts.LatencyMs), metric.WithAttributes(attrs...))
	}
	if opts.Status == "error" {
		tt.requestErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

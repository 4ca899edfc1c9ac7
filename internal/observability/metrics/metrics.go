package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes application-level instruments.
type Metrics struct {
	rateLimitAllowed  metric.Int64Counter
	rateLimitDenied   metric.Int64Counter
	scopeDenied       metric.Int64Counter
	webhookDeliveries metric.Int64Counter
	webhookLatency    metric.Int64Histogram
	breakerTransition metric.Int64Counter
	retriesScheduled  metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "metergate"
	}
	meter := provider.Meter(name)

	rateLimitAllowed, err := meter.Int64Counter("metergate_rate_limit_allowed_total")
	if err != nil {
		return nil, err
	}
	rateLimitDenied, err := meter.Int64Counter("metergate_rate_limit_denied_total")
	if err != nil {
		return nil, err
	}
	scopeDenied, err := meter.Int64Counter("metergate_scope_denied_total")
	if err != nil {
		return nil, err
	}
	webhookDeliveries, err := meter.Int64Counter("metergate_webhook_deliveries_total")
	if err != nil {
		return nil, err
	}
	webhookLatency, err := meter.Int64Histogram("metergate_webhook_delivery_latency_ms")
	if err != nil {
		return nil, err
	}
	breakerTransition, err := meter.Int64Counter("metergate_breaker_transitions_total")
	if err != nil {
		return nil, err
	}
	retriesScheduled, err := meter.Int64Counter("metergate_webhook_retries_scheduled_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		rateLimitAllowed:  rateLimitAllowed,
		rateLimitDenied:   rateLimitDenied,
		scopeDenied:       scopeDenied,
		webhookDeliveries: webhookDeliveries,
		webhookLatency:    webhookLatency,
		breakerTransition: breakerTransition,
		retriesScheduled:  retriesScheduled,
	}, nil
}

// RecordRateLimitAllowed increments rate limit allow counts.
func (m *Metrics) RecordRateLimitAllowed(ctx context.Context, tenantID, limitKey string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("tenant_id", strings.TrimSpace(tenantID)),
		attribute.String("limit_key", strings.TrimSpace(limitKey)),
	)
	m.rateLimitAllowed.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRateLimitDenied increments rate limit deny counts.
func (m *Metrics) RecordRateLimitDenied(ctx context.Context, tenantID, limitKey, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("tenant_id", strings.TrimSpace(tenantID)),
		attribute.String("limit_key", strings.TrimSpace(limitKey)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.rateLimitDenied.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordScopeDenied increments API key authorization denials by code.
func (m *Metrics) RecordScopeDenied(ctx context.Context, tenantID, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("tenant_id", strings.TrimSpace(tenantID)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.scopeDenied.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordWebhookDelivery records one delivery attempt outcome.
func (m *Metrics) RecordWebhookDelivery(ctx context.Context, eventType, outcome string, latency time.Duration) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("event_type", strings.TrimSpace(eventType)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.webhookDeliveries.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.webhookLatency.Record(ctx, latency.Milliseconds(), metric.WithAttributes(attrs...))
}

// RecordBreakerTransition records a circuit state change.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, from, to string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("from", strings.TrimSpace(from)),
		attribute.String("to", strings.TrimSpace(to)),
	)
	m.breakerTransition.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRetryScheduled increments scheduled retry counts.
func (m *Metrics) RecordRetryScheduled(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("event_type", strings.TrimSpace(eventType)))
	m.retriesScheduled.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"tenant_id":  {},
	"limit_key":  {},
	"reason":     {},
	"event_type": {},
	"outcome":    {},
	"from":       {},
	"to":         {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}

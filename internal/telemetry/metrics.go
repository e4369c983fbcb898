package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// InitMeterProvider initializes the Prometheus exporter and MeterProvider.
// It returns an http.Handler for the /metrics endpoint and a shutdown function.
func InitMeterProvider(serviceName, serviceVersion string) (http.Handler, func(context.Context) error, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(serviceVersion),
	)

	mp := metric.NewMeterProvider(
		metric.WithReader(exporter),
		metric.WithResource(res),
	)

	otel.SetMeterProvider(mp)

	return promhttp.Handler(), mp.Shutdown, nil
}

// Checkout outcome labels recorded on checkout_captures_total.
const (
	OutcomeSettled          = "settled"
	OutcomeAlreadySettled   = "already_settled"
	OutcomeStockRejected    = "stock_rejected"
	OutcomeAmountMismatch   = "amount_mismatch"
	OutcomeCaptureFailed    = "capture_failed"
	OutcomeSettlementFailed = "settlement_failed"
	OutcomeGatewayError     = "gateway_error"
)

// CheckoutMetrics holds the orchestrator's instruments. A nil receiver
// is valid and records nothing, so handlers can run without a meter in
// tests.
type CheckoutMetrics struct {
	captures       otelmetric.Int64Counter
	settleDuration otelmetric.Float64Histogram
}

func NewCheckoutMetrics() (*CheckoutMetrics, error) {
	meter := otel.Meter("checkout")

	captures, err := meter.Int64Counter("checkout_captures_total",
		otelmetric.WithDescription("Capture callback outcomes by kind"),
	)
	if err != nil {
		return nil, err
	}

	settleDuration, err := meter.Float64Histogram("checkout_settlement_duration_seconds",
		otelmetric.WithDescription("Duration of the settlement transaction"),
		otelmetric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &CheckoutMetrics{captures: captures, settleDuration: settleDuration}, nil
}

func (m *CheckoutMetrics) RecordCapture(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.captures.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *CheckoutMetrics) RecordSettlementDuration(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.settleDuration.Record(ctx, d.Seconds())
}

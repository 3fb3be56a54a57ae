package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all application metrics. A nil *Metrics records nothing.
type Metrics struct {
	RequestCounter      metric.Int64Counter
	RequestDuration     metric.Float64Histogram
	JobDuration         metric.Float64Histogram
	CaptionCalls        metric.Int64Counter
	UnitFailures        metric.Int64Counter
	SearchLatency       metric.Float64Histogram
	CircuitBreakerState metric.Int64Counter
}

// InitMetrics initializes all application metrics
func InitMetrics() (*Metrics, error) {
	meter := otel.Meter("knowledge-engine")

	requestCounter, err := meter.Int64Counter(
		"http.requests.total",
		metric.WithDescription("Total HTTP requests"),
	)
	if err != nil {
		return nil, err
	}

	requestDuration, err := meter.Float64Histogram(
		"http.request.duration",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	jobDuration, err := meter.Float64Histogram(
		"ingest.job.duration",
		metric.WithDescription("Ingestion job duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	captionCalls, err := meter.Int64Counter(
		"vision.caption.calls",
		metric.WithDescription("Captioning calls issued"),
	)
	if err != nil {
		return nil, err
	}

	unitFailures, err := meter.Int64Counter(
		"ingest.unit.failures",
		metric.WithDescription("Pages, frames or crawled pages skipped after a failure"),
	)
	if err != nil {
		return nil, err
	}

	searchLatency, err := meter.Float64Histogram(
		"search.latency",
		metric.WithDescription("Hybrid search latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	circuitBreakerState, err := meter.Int64Counter(
		"circuit_breaker.state_changes",
		metric.WithDescription("Circuit breaker state changes"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		RequestCounter:      requestCounter,
		RequestDuration:     requestDuration,
		JobDuration:         jobDuration,
		CaptionCalls:        captionCalls,
		UnitFailures:        unitFailures,
		SearchLatency:       searchLatency,
		CircuitBreakerState: circuitBreakerState,
	}, nil
}

// RecordRequest records HTTP request metrics
func (m *Metrics) RecordRequest(method, path, status string, duration float64) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("http.method", method),
		attribute.String("http.path", path),
		attribute.String("http.status", status),
	}

	m.RequestCounter.Add(context.Background(), 1, metric.WithAttributes(attrs...))
	m.RequestDuration.Record(context.Background(), duration, metric.WithAttributes(attrs...))
}

// RecordJob records one finished ingestion job
func (m *Metrics) RecordJob(assetType, status string, duration float64) {
	if m == nil {
		return
	}
	m.JobDuration.Record(context.Background(), duration, metric.WithAttributes(
		attribute.String("asset.type", assetType),
		attribute.String("job.status", status),
	))
}

// RecordCaption counts a captioning call by the processor that issued it
func (m *Metrics) RecordCaption(processor string) {
	if m == nil {
		return
	}
	m.CaptionCalls.Add(context.Background(), 1, metric.WithAttributes(attribute.String("processor", processor)))
}

// RecordUnitFailure counts a skipped page or frame
func (m *Metrics) RecordUnitFailure(processor string) {
	if m == nil {
		return
	}
	m.UnitFailures.Add(context.Background(), 1, metric.WithAttributes(attribute.String("processor", processor)))
}

// RecordSearch records hybrid search latency by the strategy branch taken
func (m *Metrics) RecordSearch(strategy string, duration float64) {
	if m == nil {
		return
	}
	m.SearchLatency.Record(context.Background(), duration, metric.WithAttributes(attribute.String("strategy", strategy)))
}

// RecordCircuitBreakerState records circuit breaker state changes
func (m *Metrics) RecordCircuitBreakerState(service, state string) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("service", service),
		attribute.String("state", state),
	}

	m.CircuitBreakerState.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}

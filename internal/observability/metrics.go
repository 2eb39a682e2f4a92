package observability

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	metricRequestsTotal    = "codevoyage.requests.total"
	metricRequestDuration  = "codevoyage.request.duration.seconds"
	metricErrorsTotal      = "codevoyage.errors.total"
	metricInflightRequests = "codevoyage.inflight.requests"

	attrRoute  = "route"
	attrMethod = "method"
	attrStatus = "status"
)

// requestBucketBoundaries covers fast reads up to slow report downloads.
var requestBucketBoundaries = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// REDMetrics holds the rate, error and duration instruments of the HTTP API
// and the MCP tools. MCP calls use the tool name as route and "tool" as method.
type REDMetrics struct {
	requestsTotal    metric.Int64Counter
	requestDuration  metric.Float64Histogram
	errorsTotal      metric.Int64Counter
	inflightRequests metric.Int64UpDownCounter
}

// NewREDMetrics creates the instruments on mt.
func NewREDMetrics(mt metric.Meter) (*REDMetrics, error) {
	b := newMetricBuilder(mt)

	rm := &REDMetrics{
		requestsTotal:    b.counter(metricRequestsTotal, "Total requests", "{request}"),
		requestDuration:  b.histogram(metricRequestDuration, "Request duration", "s", requestBucketBoundaries...),
		errorsTotal:      b.counter(metricErrorsTotal, "Requests answered with a server error", "{error}"),
		inflightRequests: b.upDownCounter(metricInflightRequests, "Requests in flight", "{request}"),
	}

	if b.err != nil {
		return nil, b.err
	}

	return rm, nil
}

// RecordRequest records a completed request. Route is the route template,
// never the raw path.
func (rm *REDMetrics) RecordRequest(ctx context.Context, route, method string, status int, duration time.Duration) {
	if rm == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String(attrRoute, route),
		attribute.String(attrMethod, method),
		attribute.String(attrStatus, strconv.Itoa(status)),
	)

	rm.requestsTotal.Add(ctx, 1, attrs)
	rm.requestDuration.Record(ctx, duration.Seconds(), attrs)

	if status >= http.StatusInternalServerError {
		rm.errorsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String(attrRoute, route)))
	}
}

// TrackInflight increments the in-flight counter and returns its decrement.
func (rm *REDMetrics) TrackInflight(ctx context.Context, route string) func() {
	if rm == nil {
		return func() {}
	}

	attrs := metric.WithAttributes(attribute.String(attrRoute, route))
	rm.inflightRequests.Add(ctx, 1, attrs)

	return func() {
		rm.inflightRequests.Add(ctx, -1, attrs)
	}
}

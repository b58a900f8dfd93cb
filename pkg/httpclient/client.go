// Package httpclient provides the shared HTTPS transport for exchange sessions
package httpclient

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"copy_trader/pkg/telemetry"
)

// Response is the raw outcome of one HTTP exchange. Status handling is left
// to the caller: the exchange wraps logical errors in a 200 envelope, so the
// transport must not swallow non-2xx bodies.
type Response struct {
	StatusCode int
	Body       []byte
}

// Client wraps http.Client with a circuit breaker and telemetry. One pooled
// client is shared by every exchange session in the process, master and
// followers alike.
type Client struct {
	client   *http.Client
	pipeline failsafe.Executor[*http.Response]

	tracer      trace.Tracer
	reqCounter  metric.Int64Counter
	errCounter  metric.Int64Counter
	latencyHist metric.Float64Histogram
}

// New creates the shared transport. The breaker opens after repeated 5xx
// responses so a broken exchange does not soak up the retry budget of every
// follower at once; 429 is deliberately excluded because the exchange layer
// owns rate-limit pacing.
func New(timeout time.Duration) *Client {
	breaker := circuitbreaker.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp.StatusCode >= 500
		}).
		WithFailureThresholdRatio(5, 10).
		WithDelay(10 * time.Second).
		Build()

	tracer := telemetry.GetTracer("http-transport")
	meter := telemetry.GetMeter("http-transport")

	reqCounter, _ := meter.Int64Counter("http_requests_total",
		metric.WithDescription("Total number of HTTP requests"))
	errCounter, _ := meter.Int64Counter("http_errors_total",
		metric.WithDescription("Total number of HTTP transport errors"))
	latencyHist, _ := meter.Float64Histogram("http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"))

	return &Client{
		client:      &http.Client{Timeout: timeout},
		pipeline:    failsafe.With[*http.Response](breaker),
		tracer:      tracer,
		reqCounter:  reqCounter,
		errCounter:  errCounter,
		latencyHist: latencyHist,
	}
}

// Do executes the request through the resilience pipeline and drains the body.
func (c *Client) Do(req *http.Request) (*Response, error) {
	start := time.Now()
	ctx := req.Context()

	ctx, span := c.tracer.Start(ctx, fmt.Sprintf("%s %s", req.Method, req.URL.Path),
		trace.WithAttributes(
			attribute.String("http.method", req.Method),
			attribute.String("http.url", req.URL.Host+req.URL.Path),
		),
	)
	defer span.End()
	req = req.WithContext(ctx)

	resp, err := c.pipeline.GetWithExecution(func(exec failsafe.Execution[*http.Response]) (*http.Response, error) {
		return c.client.Do(req)
	})

	attrs := metric.WithAttributes(
		attribute.String("method", req.Method),
		attribute.String("path", req.URL.Path),
	)
	c.reqCounter.Add(ctx, 1, attrs)
	c.latencyHist.Record(ctx, time.Since(start).Seconds(), attrs)

	if err != nil {
		span.RecordError(err)
		c.errCounter.Add(ctx, 1, attrs)
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return &Response{StatusCode: resp.StatusCode, Body: body}, nil
}

// Package telemetry exports transfer metrics over OTLP. A nil *Metrics
// is valid and records nothing, so the data path never branches on
// whether a collector was configured.
package telemetry

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Metrics holds the instruments for one messaging context.
type Metrics struct {
	provider *sdkmetric.MeterProvider
	meter    metric.Meter

	bytesSent        metric.Int64Counter
	bytesReceived    metric.Int64Counter
	messagesMatched  metric.Int64Counter
	ticketsForwarded metric.Int64Counter
	cqBatch          metric.Int64Histogram
}

// NewMetrics creates a metrics instance exporting to the given OTLP
// collector address. The scheme selects the transport: grpc(s) or
// http(s); schemeless host:port defaults to grpc.
func NewMetrics(ctx context.Context, instanceID, collectorAddr string) (*Metrics, error) {
	// url.Parse reads a bare "localhost:4317" as scheme "localhost", so
	// the grpc default is prefixed before parsing.
	rawAddr := collectorAddr
	if !strings.Contains(rawAddr, "://") {
		rawAddr = "grpc://" + rawAddr
	}
	parsedURL, err := url.Parse(rawAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse otel collector addr %q: %w", collectorAddr, err)
	}

	endpoint := parsedURL.Host
	if endpoint == "" {
		return nil, fmt.Errorf("otel collector addr %q is missing a host", collectorAddr)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName("rstream"),
			semconv.ServiceInstanceID(instanceID),
		),
	)
	if err != nil {
		return nil, err
	}

	var exporter sdkmetric.Exporter
	switch strings.ToLower(parsedURL.Scheme) {
	case "grpc":
		exporter, err = otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(endpoint),
			otlpmetricgrpc.WithInsecure(),
		)
	case "grpcs":
		exporter, err = otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(endpoint),
		)
	case "http", "https":
		options := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(endpoint)}
		if parsedURL.Scheme == "http" {
			options = append(options, otlpmetrichttp.WithInsecure())
		}
		exporter, err = otlpmetrichttp.New(ctx, options...)
	default:
		return nil, fmt.Errorf("unsupported OTLP scheme %q in %s", parsedURL.Scheme, collectorAddr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))),
	)
	meter := provider.Meter("github.com/yuuki/rstream")

	m := &Metrics{provider: provider, meter: meter}
	if m.bytesSent, err = meter.Int64Counter("rstream.bytes.sent",
		metric.WithDescription("Bytes acknowledged on the send side"),
		metric.WithUnit("By")); err != nil {
		return nil, err
	}
	if m.bytesReceived, err = meter.Int64Counter("rstream.bytes.received",
		metric.WithDescription("Bytes delivered into posted recv buffers"),
		metric.WithUnit("By")); err != nil {
		return nil, err
	}
	if m.messagesMatched, err = meter.Int64Counter("rstream.messages.matched",
		metric.WithDescription("Send/recv ticket pairs matched")); err != nil {
		return nil, err
	}
	if m.ticketsForwarded, err = meter.Int64Counter("rstream.tickets.forwarded",
		metric.WithDescription("Recv tickets forwarded to the peer")); err != nil {
		return nil, err
	}
	if m.cqBatch, err = meter.Int64Histogram("rstream.cq.batch",
		metric.WithDescription("Work completions reaped per poll")); err != nil {
		return nil, err
	}
	return m, nil
}

// AddBytesSent records n acknowledged bytes.
func (m *Metrics) AddBytesSent(n int64) {
	if m == nil {
		return
	}
	m.bytesSent.Add(context.Background(), n)
}

// AddBytesReceived records n delivered bytes.
func (m *Metrics) AddBytesReceived(n int64) {
	if m == nil {
		return
	}
	m.bytesReceived.Add(context.Background(), n)
}

// AddMatched records one matched send/recv pair.
func (m *Metrics) AddMatched() {
	if m == nil {
		return
	}
	m.messagesMatched.Add(context.Background(), 1)
}

// AddTicketForwarded records one ticket shipped to the peer.
func (m *Metrics) AddTicketForwarded() {
	if m == nil {
		return
	}
	m.ticketsForwarded.Add(context.Background(), 1)
}

// RecordCQBatch records the size of one reaped completion batch.
func (m *Metrics) RecordCQBatch(n int) {
	if m == nil || n == 0 {
		return
	}
	m.cqBatch.Record(context.Background(), int64(n))
}

// Shutdown flushes and stops the exporter.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}

// Package opentelemetry sets up trace export for the spans the connection
// engine records around blocking calls and dispatch.
package opentelemetry

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.12.0"
	"go.opentelemetry.io/otel/trace"
)

const tracingServiceName = "busconn"

var tracer = otel.Tracer(tracingServiceName)

func Tracer() trace.Tracer {
	return tracer
}

// InitTracing configures the OTLP exporter and installs the tracer
// provider globally. samplingRate is given per million.
func InitTracing(ctx context.Context, collectorAddress string, samplingRate int) (*sdktrace.TracerProvider, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("get hostname: %w", err)
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(tracingServiceName),
		semconv.HostNameKey.String(hostname),
		semconv.ProcessPIDKey.Int64(int64(os.Getpid())),
	)

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(collectorAddress),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(Sampler(samplingRate))),
		sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(exporter)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	return tp, nil
}

// Sampler returns the root sampler for a rate per million. Spans of
// unsampled parents are dropped either way.
func Sampler(samplingRate int) sdktrace.Sampler {
	switch {
	case samplingRate <= 0:
		return sdktrace.NeverSample()
	case samplingRate >= 1000000:
		return sdktrace.AlwaysSample()
	}
	return sdktrace.TraceIDRatioBased(float64(samplingRate) / float64(1000000))
}

package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	texporter "github.com/GoogleCloudPlatform/opentelemetry-operations-go/exporter/trace"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/JakeFAU/events-ingest"

// Config selects trace exporters. With neither set, spans are recorded but
// not exported.
type Config struct {
	ServiceName    string
	ServiceVersion string
	StdoutTraces   bool
	GCPProjectID   string
}

var (
	initOnce  sync.Once
	traceProv *sdktrace.TracerProvider
	meterProv *metric.MeterProvider
	initErr   error
)

// Init sets up the global tracer and meter providers once per process and
// returns a shutdown func that flushes both.
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	initOnce.Do(func() {
		if cfg.ServiceName == "" {
			cfg.ServiceName = "events-ingest"
		}
		res, err := resource.New(ctx,
			resource.WithFromEnv(),
			resource.WithAttributes(
				semconv.ServiceName(cfg.ServiceName),
				semconv.ServiceVersion(cfg.ServiceVersion),
			),
		)
		if err != nil {
			initErr = fmt.Errorf("create resource: %w", err)
			return
		}

		opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
		if cfg.GCPProjectID != "" {
			exp, err := texporter.New(texporter.WithProjectID(cfg.GCPProjectID))
			if err != nil {
				initErr = fmt.Errorf("create google trace exporter: %w", err)
				return
			}
			opts = append(opts, sdktrace.WithBatcher(exp))
		}
		if cfg.StdoutTraces {
			exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
			if err != nil {
				initErr = fmt.Errorf("create stdout trace exporter: %w", err)
				return
			}
			opts = append(opts, sdktrace.WithBatcher(exp))
		}
		traceProv = sdktrace.NewTracerProvider(opts...)
		otel.SetTracerProvider(traceProv)
		otel.SetTextMapPropagator(
			propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}),
		)

		// OTel instruments land on the same registry as the promauto collectors.
		promExporter, err := otelprom.New(otelprom.WithRegisterer(prometheus.DefaultRegisterer))
		if err != nil {
			initErr = fmt.Errorf("create prometheus exporter: %w", err)
			return
		}
		meterProv = metric.NewMeterProvider(
			metric.WithResource(res),
			metric.WithReader(promExporter),
		)
		otel.SetMeterProvider(meterProv)
	})
	if initErr != nil {
		return nil, initErr
	}
	return shutdown, nil
}

func shutdown(ctx context.Context) error {
	var errs []error
	if traceProv != nil {
		if err := traceProv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer shutdown: %w", err))
		}
	}
	if meterProv != nil {
		if err := meterProv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Tracer returns the service tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

package otel

import (
	"context"
	"sync"
	"time"

	eventbus "github.com/hanpama/graphsub/internal/eventbus"
	events "github.com/hanpama/graphsub/internal/events"
	reqid "github.com/hanpama/graphsub/internal/reqid"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Setup configures OpenTelemetry and attaches eventbus subscribers.
// If endpoint is empty, no telemetry is configured.
func Setup(endpoint, service string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	exp, err := otlptracegrpc.New(context.Background(),
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())))
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(service),
		)),
	)
	otel.SetTracerProvider(tp)

	unregister := Register(otel.Tracer("graphsub"))
	return func(ctx context.Context) error {
		unregister()
		return tp.Shutdown(ctx)
	}, nil
}

// Register subscribes span handlers on the global event bus using tracer.
// The returned function removes them.
func Register(tracer trace.Tracer) (unregister func()) {
	s := &subscriber{tracer: tracer}
	return s.register()
}

type subscriber struct {
	tracer    trace.Tracer
	httpSpans sync.Map // rid -> trace.Span
	gqlSpans  sync.Map // rid -> trace.Span
	subSpans  sync.Map // subscription id -> trace.Span
}

func (s *subscriber) parent(ctx context.Context, spans ...*sync.Map) context.Context {
	rid, _ := reqid.FromContext(ctx)
	for _, m := range spans {
		if v, ok := m.Load(rid); ok {
			return trace.ContextWithSpan(ctx, v.(trace.Span))
		}
	}
	return ctx
}

func (s *subscriber) register() func() {
	unsubs := []func(){
		eventbus.Subscribe(func(ctx context.Context, e events.HTTPStart) {
			rid, _ := reqid.FromContext(ctx)
			_, span := s.tracer.Start(ctx, "http.request")
			span.SetAttributes(
				semconv.HTTPMethodKey.String(e.Request.Method),
				attribute.String("http.target", e.Request.URL.Path),
				attribute.Bool("http.upgrade", e.Upgrade),
			)
			s.httpSpans.Store(rid, span)
		}),

		eventbus.Subscribe(func(ctx context.Context, e events.HTTPFinish) {
			rid, _ := reqid.FromContext(ctx)
			v, ok := s.httpSpans.LoadAndDelete(rid)
			if !ok {
				return
			}
			span := v.(trace.Span)
			span.SetAttributes(semconv.HTTPStatusCodeKey.Int(e.Status))
			span.End()
		}),

		eventbus.Subscribe(func(ctx context.Context, e events.GraphQLStart) {
			_, span := s.tracer.Start(s.parent(ctx, &s.httpSpans), "graphql.operation")
			span.SetAttributes(
				attribute.String("graphql.operation.name", e.OperationName),
				attribute.String("graphql.operation.type", e.OperationType),
				attribute.String("graphql.transport", e.Transport),
			)
			s.gqlSpans.Store(operationKey(ctx, e.ID), span)
		}),

		eventbus.Subscribe(func(ctx context.Context, e events.GraphQLFinish) {
			v, ok := s.gqlSpans.LoadAndDelete(operationKey(ctx, e.ID))
			if !ok {
				return
			}
			span := v.(trace.Span)
			span.SetAttributes(attribute.Int("graphql.error_count", len(e.Errors)))
			span.End()
		}),

		eventbus.Subscribe(func(ctx context.Context, e events.SubscriptionStart) {
			_, span := s.tracer.Start(s.parent(ctx, &s.httpSpans), "graphql.subscription")
			span.SetAttributes(
				attribute.String("graphql.operation.name", e.OperationName),
				attribute.String("graphql.subscription.field", e.Field),
				attribute.String("graphql.subscription.id", e.ID),
			)
			s.subSpans.Store(e.ID, span)
		}),

		eventbus.Subscribe(func(ctx context.Context, e events.SubscriptionEvent) {
			v, ok := s.subSpans.Load(e.ID)
			if !ok {
				return
			}
			v.(trace.Span).AddEvent("graphql.subscription.next",
				trace.WithAttributes(attribute.Int("graphql.error_count", e.ErrorCount)))
		}),

		eventbus.Subscribe(func(ctx context.Context, e events.SubscriptionFinish) {
			v, ok := s.subSpans.LoadAndDelete(e.ID)
			if !ok {
				return
			}
			span := v.(trace.Span)
			span.SetAttributes(attribute.Int("graphql.subscription.events", e.Events))
			if e.Err != nil {
				span.RecordError(e.Err)
				span.SetStatus(codes.Error, e.Err.Error())
			}
			span.End()
		}),

		eventbus.Subscribe(func(ctx context.Context, e events.Published) {
			_, span := s.tracer.Start(s.parent(ctx, &s.httpSpans), "broker.publish",
				trace.WithTimestamp(time.Now().Add(-e.Duration)))
			span.SetAttributes(
				attribute.String("messaging.destination.name", e.Topic),
				attribute.Int("messaging.message.payload_size_bytes", e.Size),
			)
			if e.Err != nil {
				span.RecordError(e.Err)
				span.SetStatus(codes.Error, e.Err.Error())
			}
			span.End()
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// operationKey tells apart operations multiplexed on one WebSocket request.
func operationKey(ctx context.Context, id string) string {
	rid, _ := reqid.FromContext(ctx)
	return rid + "/" + id
}

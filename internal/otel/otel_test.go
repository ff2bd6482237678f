package otel

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	eventbus "github.com/hanpama/graphsub/internal/eventbus"
	events "github.com/hanpama/graphsub/internal/events"
	reqid "github.com/hanpama/graphsub/internal/reqid"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	eventbus.Use(eventbus.New())
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	unregister := Register(tp.Tracer("test"))
	t.Cleanup(func() {
		unregister()
		eventbus.Use(nil)
	})
	return rec
}

func attr(attrs []attribute.KeyValue, key string) (attribute.Value, bool) {
	for _, kv := range attrs {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestSetupWithoutEndpoint(t *testing.T) {
	shutdown, err := Setup("", "svc")
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestHTTPAndOperationSpans(t *testing.T) {
	rec := newRecorder(t)
	ctx, _ := reqid.NewContext(context.Background())
	r := httptest.NewRequest("POST", "/graphql", nil)

	eventbus.Publish(ctx, events.HTTPStart{Request: r})
	eventbus.Publish(ctx, events.GraphQLStart{OperationName: "Q", OperationType: "query"})
	eventbus.Publish(ctx, events.GraphQLFinish{OperationName: "Q", Errors: []error{errors.New("x")}})
	eventbus.Publish(ctx, events.HTTPFinish{Request: r, Status: 200})

	spans := rec.Ended()
	require.Len(t, spans, 2)
	op, req := spans[0], spans[1]
	require.Equal(t, "graphql.operation", op.Name())
	require.Equal(t, "http.request", req.Name())
	require.Equal(t, req.SpanContext().SpanID(), op.Parent().SpanID())

	v, ok := attr(op.Attributes(), "graphql.error_count")
	require.True(t, ok)
	require.Equal(t, int64(1), v.AsInt64())
}

func TestWebsocketOperationsInterleave(t *testing.T) {
	rec := newRecorder(t)
	ctx, _ := reqid.NewContext(context.Background())
	r := httptest.NewRequest("GET", "/graphql", nil)

	eventbus.Publish(ctx, events.HTTPStart{Request: r, Upgrade: true})
	eventbus.Publish(ctx, events.GraphQLStart{ID: "1", Transport: events.TransportWebsocket, OperationName: "A"})
	eventbus.Publish(ctx, events.GraphQLStart{ID: "2", Transport: events.TransportWebsocket, OperationName: "B"})
	eventbus.Publish(ctx, events.GraphQLFinish{ID: "2"})
	eventbus.Publish(ctx, events.GraphQLFinish{ID: "1", Errors: []error{errors.New("x")}})
	eventbus.Publish(ctx, events.HTTPFinish{Request: r, Status: 101})

	spans := rec.Ended()
	require.Len(t, spans, 3)
	require.Equal(t, "B", mustAttr(t, spans[0].Attributes(), "graphql.operation.name").AsString())
	require.Equal(t, "A", mustAttr(t, spans[1].Attributes(), "graphql.operation.name").AsString())
	require.Equal(t, int64(1), mustAttr(t, spans[1].Attributes(), "graphql.error_count").AsInt64())
	require.Equal(t, "ws", mustAttr(t, spans[0].Attributes(), "graphql.transport").AsString())
	require.True(t, mustAttr(t, spans[2].Attributes(), "http.upgrade").AsBool())
}

func mustAttr(t *testing.T, kvs []attribute.KeyValue, key string) attribute.Value {
	t.Helper()
	v, ok := attr(kvs, key)
	require.True(t, ok, "missing attribute %s", key)
	return v
}

func TestSubscriptionSpan(t *testing.T) {
	rec := newRecorder(t)
	ctx := context.Background()

	eventbus.Publish(ctx, events.SubscriptionStart{ID: "s1", OperationName: "OnPost", Field: "postAdded"})
	eventbus.Publish(ctx, events.SubscriptionEvent{ID: "s1"})
	eventbus.Publish(ctx, events.SubscriptionEvent{ID: "s1", ErrorCount: 1})
	require.Empty(t, rec.Ended())
	eventbus.Publish(ctx, events.SubscriptionFinish{ID: "s1", Events: 2, Err: errors.New("boom")})
	// Unknown ids are ignored.
	eventbus.Publish(ctx, events.SubscriptionFinish{ID: "s2"})

	spans := rec.Ended()
	require.Len(t, spans, 1)
	span := spans[0]
	require.Equal(t, "graphql.subscription", span.Name())
	require.Len(t, span.Events(), 3) // two next events and the recorded error
	require.Equal(t, codes.Error, span.Status().Code)

	v, ok := attr(span.Attributes(), "graphql.subscription.events")
	require.True(t, ok)
	require.Equal(t, int64(2), v.AsInt64())
	v, ok = attr(span.Attributes(), "graphql.subscription.field")
	require.True(t, ok)
	require.Equal(t, "postAdded", v.AsString())
}

func TestPublishSpan(t *testing.T) {
	rec := newRecorder(t)
	eventbus.Publish(context.Background(), events.Published{Topic: "posts", Size: 12})

	spans := rec.Ended()
	require.Len(t, spans, 1)
	require.Equal(t, "broker.publish", spans[0].Name())
	v, ok := attr(spans[0].Attributes(), "messaging.destination.name")
	require.True(t, ok)
	require.Equal(t, "posts", v.AsString())
}

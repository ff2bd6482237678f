package executor

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	schema "github.com/hanpama/graphsub/internal/schema"
)

type chatMessage struct {
	ID     string `json:"id"`
	Body   string
	secret string
}

func (m *chatMessage) Upper(ctx context.Context) (string, error) {
	if m.Body == "" {
		return "", errors.New("empty body")
	}
	return "UPPER:" + m.Body, nil
}

func TestDefaultRuntime_ResolveSync(t *testing.T) {
	sch := mustBuildSchema(t, subscriptionSDL)
	rt := NewDefaultRuntime(sch)
	ctx := context.Background()
	msg := &chatMessage{ID: "m1", Body: "hi", secret: "s"}

	tests := []struct {
		name    string
		typ     string
		field   string
		source  any
		want    any
		wantErr string
	}{
		{name: "map", typ: "Message", field: "id", source: map[string]any{"id": "x"}, want: "x"},
		{name: "typed map", typ: "Message", field: "id", source: map[string]string{"id": "y"}, want: "y"},
		{name: "json tag", typ: "Message", field: "id", source: msg, want: "m1"},
		{name: "field name", typ: "Message", field: "body", source: *msg, want: "hi"},
		{name: "unexported", typ: "Message", field: "secret", source: msg, want: nil},
		{name: "method", typ: "Message", field: "upper", source: msg, want: "UPPER:hi"},
		{name: "method error", typ: "Message", field: "upper", source: &chatMessage{}, wantErr: "empty body"},
		{name: "nil source", typ: "Message", field: "id", source: nil, want: nil},
		{name: "subscription root payload", typ: "Subscription", field: "count", source: 3, want: 3},
		{name: "subscription root object", typ: "Subscription", field: "count", source: map[string]any{"count": 4}, want: 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := rt.ResolveSync(ctx, tt.typ, tt.field, tt.source, nil)
			if tt.wantErr != "" {
				require.EqualError(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestDefaultRuntime_ResolveTypeAndSerialize(t *testing.T) {
	sch := mustBuildSchema(t, feedSDL)
	rt := NewDefaultRuntime(sch)
	ctx := context.Background()

	type Video struct{ ID string }

	name, err := rt.ResolveType(ctx, "Node", map[string]any{"__typename": "Article"})
	require.NoError(t, err)
	require.Equal(t, "Article", name)

	name, err = rt.ResolveType(ctx, "SearchResult", &Video{ID: "v"})
	require.NoError(t, err)
	require.Equal(t, "Video", name)

	_, err = rt.ResolveType(ctx, "Node", 5)
	require.Error(t, err)

	v, err := rt.SerializeLeafValue(ctx, "Int", float64(7))
	require.NoError(t, err)
	require.Equal(t, 7, v)

	v, err = rt.SerializeLeafValue(ctx, "Level", "WARN")
	require.NoError(t, err)
	require.Equal(t, "WARN", v)

	_, err = rt.SerializeLeafValue(ctx, "Level", "ERROR")
	require.Error(t, err)
}

func TestDefaultRuntime_ExecutesNestedPayload(t *testing.T) {
	sch := mustBuildSchema(t, subscriptionSDL)
	exec := NewExecutor(NewDefaultRuntime(sch), sch)

	res, err := exec.Execute(context.Background(), ExecuteParams{
		Document:  mustParseQuery(t, `subscription { message(room: "r") { id body } }`),
		RootValue: &chatMessage{ID: "m2", Body: "yo"},
	})
	require.NoError(t, err)
	diffResult(t, &ExecutionResult{Data: map[string]any{"message": map[string]any{"id": "m2", "body": "yo"}}}, res)
}

func TestDefaultSubscribeResolver(t *testing.T) {
	stream := FromSlice(1)
	got, err := DefaultSubscribeResolver(context.Background(), schema.ResolveParams{
		Source: map[string]any{"count": stream},
		Info:   schema.ResolveInfo{FieldName: "count"},
	})
	require.NoError(t, err)
	require.Same(t, stream, got)

	var fn schema.SubscribeFunc = func(ctx context.Context, p schema.ResolveParams) (any, error) {
		return p.Args["n"], nil
	}
	got, err = DefaultSubscribeResolver(context.Background(), schema.ResolveParams{
		Source: map[string]any{"count": fn},
		Args:   map[string]any{"n": 9},
		Info:   schema.ResolveInfo{FieldName: "count"},
	})
	require.NoError(t, err)
	require.Equal(t, 9, got)
}

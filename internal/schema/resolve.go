package schema

import (
	"context"

	language "github.com/hanpama/graphsub/internal/language"
)

// SubscribeFunc produces the source event stream for a subscription field.
// The returned value must implement the executor's SourceStream; returning an
// error value (rather than a non-nil error) is reported the same way as a
// returned error.
type SubscribeFunc func(ctx context.Context, p ResolveParams) (any, error)

// ResolveParams bundles what a subscribe resolver receives.
type ResolveParams struct {
	Source       any
	Args         map[string]any
	ContextValue any
	Info         ResolveInfo
}

// ResolveInfo describes the field being resolved. Resolvers treat it as
// read-only.
type ResolveInfo struct {
	FieldName      string
	FieldNodes     []*language.Field
	ReturnType     *TypeRef
	ParentType     *Type
	Path           *ResponsePath
	Schema         *Schema
	Fragments      language.FragmentDefinitionList
	RootValue      any
	Operation      *language.OperationDefinition
	VariableValues map[string]any
}

// ResponsePath is an immutable linked path from the response root to a
// field or list item. Key is a response name (string) or list index (int).
type ResponsePath struct {
	Prev     *ResponsePath
	Key      any
	Typename string
}

// AddPath extends prev with key. prev may be nil.
func AddPath(prev *ResponsePath, key any, typename string) *ResponsePath {
	return &ResponsePath{Prev: prev, Key: key, Typename: typename}
}

// AsList flattens the path into root-first order.
func (p *ResponsePath) AsList() []any {
	if p == nil {
		return nil
	}
	n := 0
	for cur := p; cur != nil; cur = cur.Prev {
		n++
	}
	out := make([]any, n)
	for cur := p; cur != nil; cur = cur.Prev {
		n--
		out[n] = cur.Key
	}
	return out
}

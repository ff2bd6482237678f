package executor

import (
	"context"
)

// Runtime resolves field values for an execution pass. For subscriptions the
// root value of each pass is one source event.
//
// Contract
//   - Execution is breadth-first. At each depth all sync fields are resolved
//     through ResolveSync, then every async field found at that depth is sent
//     in a single BatchResolveAsync call. The next depth starts only after
//     the batch has been completed.
//   - ResolveSync is never called for fields marked Async, and
//     BatchResolveAsync is only called with at least one task.
//   - Returned errors become located GraphQL errors on the field. A Non-Null
//     field that fails nulls its nearest nullable ancestor.
//   - Errors wrapped with Fatal are still reported as field errors here; only
//     the subscription source phase and the per-event error policy treat them
//     as system failures.
//   - Implementations must be safe for concurrent use by many subscriptions
//     and must not mutate source or args.
//   - The request's context value is available through ContextValue(ctx).
type Runtime interface {
	// ResolveSync resolves one field of objectType on source. Return
	// (nil, nil) for a GraphQL null.
	ResolveSync(ctx context.Context, objectType string, field string, source any, args map[string]any) (any, error)

	// BatchResolveAsync resolves one depth of async fields. It must return
	// exactly one result per task, in task order. A failed element does not
	// affect the others.
	BatchResolveAsync(ctx context.Context, tasks []AsyncResolveTask) []AsyncResolveResult

	// ResolveType names the concrete object type of a value of an interface
	// or union type.
	ResolveType(ctx context.Context, abstractType string, value any) (string, error)

	// SerializeLeafValue converts a scalar or enum value to a JSON-safe Go
	// value. Enums serialize to their name.
	SerializeLeafValue(ctx context.Context, scalarOrEnumTypeName string, value any) (any, error)
}

type AsyncResolveTask struct {
	// ObjectType is the parent object type name.
	ObjectType string
	// Field is the field name to resolve.
	Field string
	// Source is the parent value. For root fields it is the root value.
	Source any
	// Args are the coerced field arguments.
	Args map[string]any
}

type AsyncResolveResult struct {
	Value any
	Error error
}

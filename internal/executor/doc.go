// Package executor executes GraphQL subscriptions.
//
// # Subscribe
//
// A subscription runs in two phases. CreateSourceEventStream selects the
// operation, coerces variables, takes the first root field of the
// subscription type and calls its subscribe resolver. The resolver must
// produce a SourceStream. Subscribe then wraps that stream with
// MapSourceToResponse so that every event becomes one ExecutionResult,
// computed by executing the operation again with the event as root value.
//
// Outcomes of both phases are reported three ways:
//   - a stream, when the subscription was established;
//   - an *ExecutionResult with errors and no data, for GraphQL errors such
//     as an unknown operation, an undefined field, a resolver error or a
//     resolver that did not return a stream;
//   - a Go error for system failures: ErrInvalidArguments, or an error the
//     resolver wrapped with Fatal.
//
// Per event, a *GraphQLError from the source or from the execute function
// becomes an error-only element and the stream continues. Any other error
// ends the stream: Next returns it once and Done afterwards.
//
// Closing a ResponseStream closes its SourceStream exactly once before Close
// returns. Close may be called while another goroutine is blocked in Next.
//
// # Per-event execution
//
// Execute is a breadth-first executor. Sync fields are resolved and
// completed immediately through Runtime.ResolveSync. Async fields found at
// one depth are resolved together in a single Runtime.BatchResolveAsync
// call, so a selection with async depth d costs exactly d batches.
//
// Value completion follows GraphQL rules: lists complete element-wise with
// index paths, leaves go through Runtime.SerializeLeafValue, interfaces and
// unions through Runtime.ResolveType, and a null in a Non-Null position
// nulls the nearest nullable ancestor, or the whole data when there is none.
// Queued async work under a nulled path is dropped before the next batch.
//
// DefaultRuntime resolves fields by reading them from the source value and
// is what a schema built from SDL runs with unless the host provides its
// own Runtime.
package executor

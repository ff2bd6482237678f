package executor

import (
	"context"
	"fmt"

	language "github.com/hanpama/graphsub/internal/language"
	schema "github.com/hanpama/graphsub/internal/schema"
)

// Subscribe resolves the source event stream of a subscription operation and
// maps every event through ExecuteFunc.
//
// When error is nil exactly one of the stream and the result is set. The
// result carries the GraphQL errors that prevented the subscription. A
// non-nil error is a system failure: invalid arguments or a Fatal error from
// the subscribe resolver.
func (e *Executor) Subscribe(ctx context.Context, p SubscribeParams) (ResponseStream, *ExecutionResult, error) {
	source, result, err := e.CreateSourceEventStream(ctx, p)
	if err != nil || result != nil {
		return nil, result, err
	}

	execute := p.ExecuteFunc
	if execute == nil {
		execute = e.Execute
	}
	mapFn := func(ctx context.Context, payload any) (*ExecutionResult, error) {
		return execute(ctx, ExecuteParams{
			Document:       p.Document,
			OperationName:  p.OperationName,
			VariableValues: p.VariableValues,
			RootValue:      payload,
			ContextValue:   p.ContextValue,
		})
	}
	return MapSourceToResponse(source, mapFn, reportError), nil, nil
}

// CreateSourceEventStream resolves the subscription root field and returns
// the stream its resolver produced. Outcomes are those of Subscribe.
func (e *Executor) CreateSourceEventStream(ctx context.Context, p SubscribeParams) (SourceStream, *ExecutionResult, error) {
	if err := validateExecutionArgs(e.schema, p.Document, p.VariableValues); err != nil {
		return nil, nil, err
	}
	ec, errs := buildExecutionContext(e.schema, p.Document, p.RootValue, p.ContextValue, p.VariableValues, p.OperationName, p.SubscribeFieldResolver)
	if len(errs) > 0 {
		return nil, &ExecutionResult{Errors: errs}, nil
	}

	source, err := executeSubscription(ctx, ec)
	if err != nil {
		if gqlErr, ok := protocolError(err); ok {
			return nil, errorResult(gqlErr), nil
		}
		return nil, nil, err
	}
	return source, nil, nil
}

// subscriptionField is the root field that drives a subscription.
type subscriptionField struct {
	fieldNodes []*language.Field
	fieldDef   *schema.Field
	args       map[string]any
	path       *schema.ResponsePath
}

func executeSubscription(ctx context.Context, ec *executionContext) (SourceStream, error) {
	rootType, gqlErr := rootTypeFor(ec.schema, ec.operation)
	if gqlErr != nil {
		return nil, gqlErr
	}

	collector := fieldCollector{schema: ec.schema, fragments: ec.fragments, variableValues: ec.variableValues}
	groups := collectFields(collector, rootType, ec.operation.SelectionSet).orderedFields()
	if len(groups) == 0 {
		return nil, &GraphQLError{Message: "Subscription operation selects no fields.", Locations: operationLocations(ec.operation)}
	}
	// Only the first root field drives the subscription; siblings are ignored.
	first := groups[0]
	fieldNodes := first.Fields
	fieldName := fieldNodes[0].Name

	fieldDef := getFieldDefinition(rootType, fieldName)
	if fieldDef == nil {
		return nil, NewGraphQLError(fmt.Sprintf("The subscription field %q is not defined.", fieldName), fieldNodes, nil)
	}

	sf := subscriptionField{
		fieldNodes: fieldNodes,
		fieldDef:   fieldDef,
		path:       schema.AddPath(nil, first.ResponseName, rootType.Name),
	}
	info := buildResolveInfo(ec, fieldDef, fieldNodes, rootType, sf.path)
	located := responsePath(sf.path)

	args, err := getArgumentValues(ec.schema, fieldDef, fieldNodes[0], ec.variableValues)
	if err != nil {
		return nil, locatedError(err, fieldNodes, located)
	}
	sf.args = args

	resolve := fieldDef.Subscribe
	if resolve == nil {
		resolve = ec.subscribeFieldResolver
	}
	if resolve == nil {
		resolve = DefaultSubscribeResolver
	}

	if ec.contextValue != nil {
		ctx = WithContextValue(ctx, ec.contextValue)
	}
	eventStream, err := invokeSubscribe(ctx, resolve, schema.ResolveParams{
		Source:       ec.rootValue,
		Args:         sf.args,
		ContextValue: ec.contextValue,
		Info:         info,
	})
	if err != nil {
		return nil, locatedError(err, fieldNodes, located)
	}
	if returned, ok := eventStream.(error); ok && !isNullish(returned) {
		return nil, locatedError(returned, fieldNodes, located)
	}
	stream, ok := eventStream.(SourceStream)
	if !ok || isNullish(stream) {
		msg := fmt.Sprintf("Subscription field must return Async Iterable. Received: %s.", inspect(eventStream))
		return nil, locatedError(&GraphQLError{Message: msg}, fieldNodes, located)
	}
	return stream, nil
}

// invokeSubscribe calls the resolver, treating a panic like a returned error.
func invokeSubscribe(ctx context.Context, resolve schema.SubscribeFunc, p schema.ResolveParams) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, panicError(r)
		}
	}()
	return resolve(ctx, p)
}

package executor

import (
	"context"
	"fmt"

	language "github.com/hanpama/graphsub/internal/language"
	schema "github.com/hanpama/graphsub/internal/schema"
)

// ExecuteParams describes one execution of an operation against a root value.
type ExecuteParams struct {
	Document       *language.QueryDocument
	OperationName  string
	VariableValues map[string]any
	RootValue      any
	ContextValue   any
}

// ExecuteFunc runs one execution pass. Subscribe calls it once per event.
type ExecuteFunc func(ctx context.Context, p ExecuteParams) (*ExecutionResult, error)

// SubscribeParams describes a subscription request.
type SubscribeParams struct {
	Document       *language.QueryDocument
	OperationName  string
	VariableValues map[string]any
	RootValue      any
	ContextValue   any

	// SubscribeFieldResolver is used for root fields that declare no
	// Subscribe function. DefaultSubscribeResolver applies when nil.
	SubscribeFieldResolver schema.SubscribeFunc

	// ExecuteFunc maps each event to a result. Executor.Execute when nil.
	ExecuteFunc ExecuteFunc
}

// executionContext is the per-request state shared by field resolution.
type executionContext struct {
	schema                 *schema.Schema
	fragments              language.FragmentDefinitionList
	operation              *language.OperationDefinition
	rootValue              any
	contextValue           any
	variableValues         map[string]any
	subscribeFieldResolver schema.SubscribeFunc
}

// validateExecutionArgs rejects caller mistakes that are not GraphQL errors.
func validateExecutionArgs(sch *schema.Schema, document *language.QueryDocument, variables map[string]any) error {
	if sch == nil {
		return fmt.Errorf("%w: must provide schema", ErrInvalidArguments)
	}
	if document == nil {
		return fmt.Errorf("%w: must provide document", ErrInvalidArguments)
	}
	if sch.Types == nil {
		return fmt.Errorf("%w: schema has no types", ErrInvalidArguments)
	}
	for name := range variables {
		if name == "" {
			return fmt.Errorf("%w: variable values must be keyed by name", ErrInvalidArguments)
		}
	}
	return nil
}

// buildExecutionContext selects the operation and coerces variables. Any
// problem is a request error and returned as GraphQL errors.
func buildExecutionContext(
	sch *schema.Schema,
	document *language.QueryDocument,
	rootValue any,
	contextValue any,
	variableValues map[string]any,
	operationName string,
	subscribeFieldResolver schema.SubscribeFunc,
) (*executionContext, []GraphQLError) {
	operation, gqlErr := getOperation(document, operationName)
	if gqlErr != nil {
		return nil, []GraphQLError{*gqlErr}
	}
	coerced, err := coerceVariableValues(sch, operation, variableValues)
	if err != nil {
		return nil, []GraphQLError{{Message: err.Error(), Locations: operationLocations(operation)}}
	}
	return &executionContext{
		schema:                 sch,
		fragments:              document.Fragments,
		operation:              operation,
		rootValue:              rootValue,
		contextValue:           contextValue,
		variableValues:         coerced,
		subscribeFieldResolver: subscribeFieldResolver,
	}, nil
}

// getOperation picks the operation by name, or the only one when unnamed.
func getOperation(document *language.QueryDocument, operationName string) (*language.OperationDefinition, *GraphQLError) {
	if operationName == "" {
		switch len(document.Operations) {
		case 0:
			return nil, &GraphQLError{Message: "Must provide an operation."}
		case 1:
			return document.Operations[0], nil
		default:
			return nil, &GraphQLError{Message: "Must provide operation name if query contains multiple operations."}
		}
	}
	if op := document.Operations.ForName(operationName); op != nil {
		return op, nil
	}
	return nil, &GraphQLError{Message: fmt.Sprintf("Unknown operation named %q.", operationName)}
}

// rootTypeFor returns the root object type of the operation kind.
func rootTypeFor(sch *schema.Schema, operation *language.OperationDefinition) (*schema.Type, *GraphQLError) {
	var rootType *schema.Type
	switch operation.Operation {
	case language.Query:
		rootType = sch.GetQueryType()
	case language.Mutation:
		rootType = sch.GetMutationType()
	case language.Subscription:
		rootType = sch.GetSubscriptionType()
	default:
		return nil, &GraphQLError{Message: fmt.Sprintf("unsupported operation type: %s", operation.Operation)}
	}
	if rootType == nil {
		return nil, &GraphQLError{
			Message:   fmt.Sprintf("Schema is not configured to execute %s operation.", operation.Operation),
			Locations: operationLocations(operation),
		}
	}
	return rootType, nil
}

func buildResolveInfo(ec *executionContext, fieldDef *schema.Field, fieldNodes []*language.Field, parentType *schema.Type, path *schema.ResponsePath) schema.ResolveInfo {
	return schema.ResolveInfo{
		FieldName:      fieldNodes[0].Name,
		FieldNodes:     fieldNodes,
		ReturnType:     fieldDef.Type,
		ParentType:     parentType,
		Path:           path,
		Schema:         ec.schema,
		Fragments:      ec.fragments,
		RootValue:      ec.rootValue,
		Operation:      ec.operation,
		VariableValues: ec.variableValues,
	}
}

func operationLocations(op *language.OperationDefinition) []Location {
	if op == nil || op.Position == nil {
		return nil
	}
	return []Location{{Line: op.Position.Line, Column: op.Position.Column}}
}

type contextValueKey struct{}

// WithContextValue attaches the request's context value to ctx. Runtime
// implementations read it back with ContextValue.
func WithContextValue(ctx context.Context, v any) context.Context {
	return context.WithValue(ctx, contextValueKey{}, v)
}

// ContextValue returns the value attached by WithContextValue.
func ContextValue(ctx context.Context) any {
	return ctx.Value(contextValueKey{})
}

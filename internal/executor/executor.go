package executor

import (
	"context"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	language "github.com/hanpama/graphsub/internal/language"
	schema "github.com/hanpama/graphsub/internal/schema"
)

type Path []PathElement

type PathElement any

type NodeID uint64

// Executor runs operations against a schema using a Runtime for field values.
// It is safe for concurrent use.
type Executor struct {
	runtime Runtime
	schema  *schema.Schema
}

func NewExecutor(runtime Runtime, schema *schema.Schema) *Executor {
	return &Executor{runtime: runtime, schema: schema}
}

// Schema returns the schema the executor was built with.
func (e *Executor) Schema() *schema.Schema { return e.schema }

// Execute runs one pass of the selected operation with p.RootValue as the
// root value. It returns an error only for invalid arguments; everything
// else is reported in the result.
func (e *Executor) Execute(ctx context.Context, p ExecuteParams) (*ExecutionResult, error) {
	if err := validateExecutionArgs(e.schema, p.Document, p.VariableValues); err != nil {
		return nil, err
	}
	ec, errs := buildExecutionContext(e.schema, p.Document, p.RootValue, p.ContextValue, p.VariableValues, p.OperationName, nil)
	if len(errs) > 0 {
		return &ExecutionResult{Errors: errs}, nil
	}
	rootType, gqlErr := rootTypeFor(e.schema, ec.operation)
	if gqlErr != nil {
		return errorResult(gqlErr), nil
	}
	if p.ContextValue != nil {
		ctx = WithContextValue(ctx, p.ContextValue)
	}
	return e.executeOperation(ctx, ec, rootType), nil
}

// ExecuteRequest is Execute for callers that want a result in every case.
func (e *Executor) ExecuteRequest(
	ctx context.Context,
	document *language.QueryDocument,
	operationName string,
	variableValues map[string]any,
	initialValue any,
) *ExecutionResult {
	res, err := e.Execute(ctx, ExecuteParams{
		Document:       document,
		OperationName:  operationName,
		VariableValues: variableValues,
		RootValue:      initialValue,
	})
	if err != nil {
		return &ExecutionResult{Errors: []GraphQLError{{Message: err.Error()}}}
	}
	return res
}

// executionState holds the mutable state of one execution pass.
type executionState struct {
	*executionContext
	runtime Runtime
	ctx     context.Context

	asyncTaskGroup []asyncTask
	errors         []GraphQLError
	nextID         uint64
	// prefixes of paths that have been nulled; queued work under them is dropped
	nullifiedPrefix map[string]struct{}
	// set when a Non-Null root field is null; data becomes null
	dataNull bool
}

// asyncTask is a queued async field resolution.
type asyncTask struct {
	ID           NodeID
	Task         AsyncResolveTask
	ResponsePath Path
	FieldType    *schema.TypeRef
	Fields       []*language.Field
	// Bubble is the nearest nullable position that a Non-Null violation of
	// this field nulls. Nil means the whole data.
	Bubble Path
}

type asyncPending struct{}

func (e *Executor) executeOperation(ctx context.Context, ec *executionContext, rootType *schema.Type) *ExecutionResult {
	state := &executionState{
		executionContext: ec,
		runtime:          e.runtime,
		ctx:              ctx,
		nextID:           1,
		nullifiedPrefix:  make(map[string]struct{}),
	}

	responseRoot := executeSelectionSet(state, rootType, ec.operation.SelectionSet, ec.rootValue, Path{}, nil)

	// One batch per async depth.
	for len(state.asyncTaskGroup) > 0 && !state.dataNull {
		tasks, results := flushAsyncTasks(state)
		for i, r := range results {
			completeAsyncField(state, tasks[i], r, responseRoot)
		}
	}

	if state.dataNull {
		return &ExecutionResult{Errors: state.errors}
	}
	return &ExecutionResult{Data: responseRoot, Errors: state.errors}
}

func (s *executionState) collector() fieldCollector {
	return fieldCollector{schema: s.schema, fragments: s.fragments, variableValues: s.variableValues}
}

// executeSelectionSet executes sync fields immediately and queues async
// ones. It returns nil when a Non-Null child is null below the root.
func executeSelectionSet(state *executionState, objectType *schema.Type, selectionSet language.SelectionSet, objectValue any, path Path, bubble Path) map[string]any {
	groupedFields := collectFields(state.collector(), objectType, selectionSet)
	resultMap := make(map[string]any)

	for _, collected := range groupedFields.orderedFields() {
		responseName := collected.ResponseName
		fields := collected.Fields
		fieldPath := appendPath(path, responseName)

		if fields[0].Name == "__typename" {
			resultMap[responseName] = objectType.Name
			continue
		}

		fieldDef := getFieldDefinition(objectType, fields[0].Name)
		if fieldDef == nil {
			state.addError(NewGraphQLError(fmt.Sprintf("Cannot query field %q on type %q.", fields[0].Name, objectType.Name), fields, fieldPath))
			continue
		}

		fieldResult := executeField(state, objectType, fieldDef, objectValue, fields, fieldPath, bubble)

		if schema.IsNonNull(fieldDef.Type) && isNullish(fieldResult) {
			if len(path) == 0 {
				state.dataNull = true
				resultMap[responseName] = nil
				continue
			}
			state.markNullifiedPrefix(path)
			return nil
		}
		if isNullish(fieldResult) {
			resultMap[responseName] = nil
		} else {
			resultMap[responseName] = fieldResult
		}
	}

	return resultMap
}

func executeField(state *executionState, objectType *schema.Type, fieldDef *schema.Field, objectValue any, fields []*language.Field, path Path, bubble Path) any {
	args, err := getArgumentValues(state.schema, fieldDef, fields[0], state.variableValues)
	if err != nil {
		state.addError(NewGraphQLError(err.Error(), fields, path))
		return nil
	}

	if !fieldDef.Async {
		value, err := resolveSyncField(state, objectType.Name, fieldDef.Name, objectValue, args)
		if err != nil {
			state.addFieldError(err, fields, path)
			return nil
		}
		return completeValue(state, objectType.Name, fieldDef.Type, fields, value, path, bubble)
	}

	taskBubble := path
	if schema.IsNonNull(fieldDef.Type) {
		taskBubble = bubble
	}
	at := asyncTask{
		ID: NodeID(state.nextID),
		Task: AsyncResolveTask{
			ObjectType: objectType.Name,
			Field:      fieldDef.Name,
			Source:     objectValue,
			Args:       args,
		},
		ResponsePath: path,
		FieldType:    fieldDef.Type,
		Fields:       fields,
		Bubble:       taskBubble,
	}
	state.nextID++
	state.asyncTaskGroup = append(state.asyncTaskGroup, at)
	return asyncPending{}
}

// flushAsyncTasks runs the current batch, skipping tasks under nulled paths.
func flushAsyncTasks(state *executionState) ([]asyncTask, []AsyncResolveResult) {
	live := make([]asyncTask, 0, len(state.asyncTaskGroup))
	for _, at := range state.asyncTaskGroup {
		if !state.hasNullifiedPrefix(at.ResponsePath) {
			live = append(live, at)
		}
	}
	state.asyncTaskGroup = nil
	if len(live) == 0 {
		return nil, nil
	}

	tasks := make([]AsyncResolveTask, len(live))
	for i, at := range live {
		tasks[i] = at.Task
	}
	results := batchResolve(state, tasks)
	return live, results
}

func batchResolve(state *executionState, tasks []AsyncResolveTask) (results []AsyncResolveResult) {
	defer func() {
		if r := recover(); r != nil {
			err := panicError(r)
			results = make([]AsyncResolveResult, len(tasks))
			for i := range results {
				results[i] = AsyncResolveResult{Error: err}
			}
		}
	}()
	results = state.runtime.BatchResolveAsync(state.ctx, tasks)
	if len(results) != len(tasks) {
		err := fmt.Errorf("runtime returned %d results for %d tasks", len(results), len(tasks))
		results = make([]AsyncResolveResult, len(tasks))
		for i := range results {
			results[i] = AsyncResolveResult{Error: err}
		}
	}
	return results
}

// completeAsyncField writes one batch result into the response tree.
func completeAsyncField(state *executionState, at asyncTask, res AsyncResolveResult, responseRoot map[string]any) {
	path := at.ResponsePath
	if state.dataNull || state.hasNullifiedPrefix(path) {
		return
	}

	if res.Error != nil {
		state.addFieldError(res.Error, at.Fields, path)
		if schema.IsNonNull(at.FieldType) {
			state.nullify(responseRoot, at.Bubble)
			return
		}
		setValueAtPath(responseRoot, path, nil)
		return
	}

	completed := completeValue(state, at.Task.ObjectType, at.FieldType, at.Fields, res.Value, path, at.Bubble)
	if isNullish(completed) {
		if schema.IsNonNull(at.FieldType) {
			state.nullify(responseRoot, at.Bubble)
			return
		}
		completed = nil
	}
	setValueAtPath(responseRoot, path, completed)
}

// completeValue completes a resolved value of a field of parentType against
// the field type. bubble is the nearest nullable position above path.
func completeValue(state *executionState, parentType string, fieldType *schema.TypeRef, fields []*language.Field, result any, path Path, bubble Path) any {
	if schema.IsNonNull(fieldType) {
		if isNullish(result) {
			if !state.hasErrorAtPath(path) {
				state.addError(NewGraphQLError(fmt.Sprintf("Cannot return null for non-nullable field %s.", fieldCoordinate(parentType, fields)), fields, path))
			}
			return nil
		}
		completed := completeNonNullValue(state, parentType, schema.Unwrap(fieldType), fields, result, path, bubble)
		if isNullish(completed) {
			return nil
		}
		return completed
	}
	if isNullish(result) {
		return nil
	}
	return completeNonNullValue(state, parentType, fieldType, fields, result, path, path)
}

func completeNonNullValue(state *executionState, parentType string, fieldType *schema.TypeRef, fields []*language.Field, result any, path Path, bubble Path) any {
	if schema.IsList(fieldType) {
		return completeListValue(state, parentType, fieldType, fields, result, path, bubble)
	}
	namedType := schema.GetNamedType(fieldType)
	typeObj := state.schema.Types[namedType]
	if typeObj == nil {
		state.addError(NewGraphQLError(fmt.Sprintf("Unknown type: %s", namedType), fields, path))
		return nil
	}

	switch typeObj.Kind {
	case schema.TypeKindScalar, schema.TypeKindEnum:
		serialized, err := state.runtime.SerializeLeafValue(state.ctx, namedType, result)
		if err != nil {
			state.addFieldError(err, fields, path)
			return nil
		}
		return serialized
	case schema.TypeKindObject:
		return executeSelectionSet(state, typeObj, mergeSelectionSets(fields), result, path, bubble)
	case schema.TypeKindInterface, schema.TypeKindUnion:
		return completeAbstractValue(state, parentType, typeObj, fields, result, path, bubble)
	default:
		state.addError(NewGraphQLError(fmt.Sprintf("Cannot complete value of unexpected type: %s", typeObj.Kind), fields, path))
		return nil
	}
}

func completeListValue(state *executionState, parentType string, listType *schema.TypeRef, fields []*language.Field, result any, path Path, bubble Path) any {
	var items []any
	if direct, ok := result.([]any); ok {
		items = direct
	} else {
		rv := reflect.ValueOf(result)
		if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
			state.addError(NewGraphQLError(fmt.Sprintf("Expected Iterable, but did not find one for field %s.", fieldCoordinate(parentType, fields)), fields, path))
			return nil
		}
		items = make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			items[i] = rv.Index(i).Interface()
		}
	}

	inner := schema.Unwrap(listType)
	completed := make([]any, len(items))
	for i, item := range items {
		v := completeValue(state, parentType, inner, fields, item, appendPath(path, i), bubble)
		if schema.IsNonNull(inner) && isNullish(v) {
			return nil
		}
		completed[i] = v
	}
	return completed
}

func completeAbstractValue(state *executionState, parentType string, abstractType *schema.Type, fields []*language.Field, result any, path Path, bubble Path) any {
	typeName, err := state.runtime.ResolveType(state.ctx, abstractType.Name, result)
	if err != nil {
		state.addFieldError(err, fields, path)
		return nil
	}
	objectType := state.schema.Types[typeName]
	if objectType == nil || objectType.Kind != schema.TypeKindObject {
		state.addError(NewGraphQLError(fmt.Sprintf("Abstract type %q must resolve to an Object type at runtime for field %s. Got: %q.", abstractType.Name, fieldCoordinate(parentType, fields), typeName), fields, path))
		return nil
	}
	return executeSelectionSet(state, objectType, mergeSelectionSets(fields), result, path, bubble)
}

// resolveSyncField calls the runtime, turning a panic into an error.
func resolveSyncField(state *executionState, objectType string, fieldName string, source any, args map[string]any) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			value, err = nil, panicError(r)
		}
	}()
	return state.runtime.ResolveSync(state.ctx, objectType, fieldName, source, args)
}

func (s *executionState) addError(err *GraphQLError) {
	s.errors = append(s.errors, *err)
}

// addFieldError records a resolver error at the field.
func (s *executionState) addFieldError(err error, fields []*language.Field, path Path) {
	var gqlErr *GraphQLError
	if located, ok := locatedError(err, fields, path).(*GraphQLError); ok {
		gqlErr = located
	} else {
		gqlErr = NewGraphQLError(err.Error(), fields, path)
	}
	s.addError(gqlErr)
}

func (s *executionState) hasErrorAtPath(path Path) bool {
	for _, err := range s.errors {
		if reflect.DeepEqual(err.Path, path) {
			return true
		}
	}
	return false
}

// nullify sets the bubble position to null, or the whole data when nil.
func (s *executionState) nullify(responseRoot map[string]any, bubble Path) {
	if len(bubble) == 0 {
		s.dataNull = true
		return
	}
	setValueAtPath(responseRoot, bubble, nil)
	s.markNullifiedPrefix(bubble)
}

func (s *executionState) markNullifiedPrefix(p Path) {
	if key := pathToString(p); key != "" {
		s.nullifiedPrefix[key] = struct{}{}
	}
}

func (s *executionState) hasNullifiedPrefix(p Path) bool {
	if len(s.nullifiedPrefix) == 0 {
		return false
	}
	for i := 1; i <= len(p); i++ {
		if _, ok := s.nullifiedPrefix[pathToString(p[:i])]; ok {
			return true
		}
	}
	return false
}

// responsePath flattens a resolver-facing path into an error path.
func responsePath(p *schema.ResponsePath) Path {
	keys := p.AsList()
	out := make(Path, 0, len(keys))
	for _, k := range keys {
		out = append(out, k)
	}
	return out
}

// fieldCoordinate names a field as Type.field for error messages.
func fieldCoordinate(parentType string, fields []*language.Field) string {
	return parentType + "." + fields[0].Name
}

func pathToString(path Path) string {
	var b strings.Builder
	for i, elem := range path {
		switch v := elem.(type) {
		case string:
			if i > 0 {
				b.WriteByte('.')
			}
			b.WriteString(v)
		case int:
			b.WriteByte('[')
			b.WriteString(strconv.Itoa(v))
			b.WriteByte(']')
		}
	}
	return b.String()
}

func appendPath(path Path, elem PathElement) Path {
	newPath := make(Path, len(path)+1)
	copy(newPath, path)
	newPath[len(path)] = elem
	return newPath
}

// setValueAtPath writes value at path. Missing or nulled containers along the
// way leave the tree untouched.
func setValueAtPath(responseRoot map[string]any, path Path, value any) {
	if len(path) == 0 {
		return
	}
	var current any = responseRoot
	for _, elem := range path[:len(path)-1] {
		switch e := elem.(type) {
		case string:
			m, ok := current.(map[string]any)
			if !ok {
				return
			}
			current = m[e]
		case int:
			s, ok := current.([]any)
			if !ok || e >= len(s) {
				return
			}
			current = s[e]
		}
	}
	switch last := path[len(path)-1].(type) {
	case string:
		if m, ok := current.(map[string]any); ok {
			m[last] = value
		}
	case int:
		if s, ok := current.([]any); ok && last < len(s) {
			s[last] = value
		}
	}
}

// isNullish returns true for nil interfaces and typed nils.
func isNullish(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Interface, reflect.Ptr, reflect.Slice, reflect.Map, reflect.Func, reflect.Chan:
		return rv.IsNil()
	default:
		return false
	}
}
